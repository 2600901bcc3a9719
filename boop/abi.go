// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package boop

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallStatus is the EntryPoint's numeric outcome for a submitted boop.
type CallStatus uint8

const (
	CallSucceeded CallStatus = iota
	CallCallReverted
	CallExecuteRejected
	CallExecuteReverted
	CallValidationRejected
	CallValidationReverted
	CallPaymentValidationRejected
	CallPaymentValidationReverted
)

var callStatuses = map[CallStatus]Status{
	CallSucceeded:                 Success,
	CallCallReverted:              CallReverted,
	CallExecuteRejected:           ExecuteRejected,
	CallExecuteReverted:           ExecuteReverted,
	CallValidationRejected:        ValidationRejected,
	CallValidationReverted:        ValidationReverted,
	CallPaymentValidationRejected: PaymentValidationRejected,
	CallPaymentValidationReverted: PaymentValidationReverted,
}

// Status maps the call status to a Status. Unknown codes are
// UnexpectedReverted.
func (c CallStatus) Status() Status {
	if s, ok := callStatuses[c]; ok {
		return s
	}
	return UnexpectedReverted
}

func (c CallStatus) String() string {
	return string(c.Status())
}

const entryPointABIJSON = `[
 {"type":"function","name":"submit","stateMutability":"nonpayable",
  "inputs":[{"name":"encodedBoop","type":"bytes"}],
  "outputs":[
   {"name":"gas","type":"uint32"},
   {"name":"validateGas","type":"uint32"},
   {"name":"validatePaymentGas","type":"uint32"},
   {"name":"executeGas","type":"uint32"},
   {"name":"validityUnknownDuringSimulation","type":"bool"},
   {"name":"paymentValidityUnknownDuringSimulation","type":"bool"},
   {"name":"futureNonceDuringSimulation","type":"bool"},
   {"name":"callStatus","type":"uint8"},
   {"name":"revertData","type":"bytes"}]},
 {"type":"function","name":"nonceValues","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"},{"name":"nonceTrack","type":"uint192"}],
  "outputs":[{"name":"","type":"uint64"}]},
 {"type":"event","name":"BoopExecutionStarted","anonymous":false,"inputs":[]},
 {"type":"event","name":"BoopSubmitted","anonymous":false,"inputs":[
   {"name":"account","type":"address","indexed":false},
   {"name":"dest","type":"address","indexed":false},
   {"name":"payer","type":"address","indexed":false},
   {"name":"value","type":"uint256","indexed":false},
   {"name":"nonceTrack","type":"uint192","indexed":false},
   {"name":"nonceValue","type":"uint64","indexed":false},
   {"name":"maxFeePerGas","type":"uint256","indexed":false},
   {"name":"submitterFee","type":"uint256","indexed":false},
   {"name":"gasLimit","type":"uint32","indexed":false},
   {"name":"validateGasLimit","type":"uint32","indexed":false},
   {"name":"validatePaymentGasLimit","type":"uint32","indexed":false},
   {"name":"executeGasLimit","type":"uint32","indexed":false},
   {"name":"callData","type":"bytes","indexed":false},
   {"name":"validatorData","type":"bytes","indexed":false},
   {"name":"extraData","type":"bytes","indexed":false}]},
 {"type":"event","name":"CallReverted","anonymous":false,"inputs":[{"name":"revertData","type":"bytes","indexed":false}]},
 {"type":"event","name":"ExecutionRejected","anonymous":false,"inputs":[{"name":"reason","type":"bytes","indexed":false}]},
 {"type":"event","name":"ExecutionReverted","anonymous":false,"inputs":[{"name":"revertData","type":"bytes","indexed":false}]},
 {"type":"error","name":"InvalidNonce","inputs":[]},
 {"type":"error","name":"GasPriceTooHigh","inputs":[]},
 {"type":"error","name":"InsufficientBalance","inputs":[]},
 {"type":"error","name":"PayoutFailed","inputs":[]},
 {"type":"error","name":"ValidationRejected","inputs":[{"name":"reason","type":"bytes"}]},
 {"type":"error","name":"ValidationReverted","inputs":[{"name":"revertData","type":"bytes"}]},
 {"type":"error","name":"PaymentValidationRejected","inputs":[{"name":"reason","type":"bytes"}]},
 {"type":"error","name":"PaymentValidationReverted","inputs":[{"name":"revertData","type":"bytes"}]}
]`

// EntryPointABI is the parsed EntryPoint interface.
var EntryPointABI = mustParseABI(entryPointABIJSON)

func mustParseABI(s string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("bad EntryPoint ABI: %v", err))
	}
	return &parsed
}

// Event topics.
var (
	TopicExecutionStarted  = EntryPointABI.Events["BoopExecutionStarted"].ID
	TopicBoopSubmitted     = EntryPointABI.Events["BoopSubmitted"].ID
	TopicCallReverted      = EntryPointABI.Events["CallReverted"].ID
	TopicExecutionRejected = EntryPointABI.Events["ExecutionRejected"].ID
	TopicExecutionReverted = EntryPointABI.Events["ExecutionReverted"].ID
)

// SubmitOutput is the decoded return value of EntryPoint.submit.
type SubmitOutput struct {
	Gas                                    uint32
	ValidateGas                            uint32
	ValidatePaymentGas                     uint32
	ExecuteGas                             uint32
	ValidityUnknownDuringSimulation        bool
	PaymentValidityUnknownDuringSimulation bool
	FutureNonceDuringSimulation            bool
	CallStatus                             uint8
	RevertData                             []byte
}

// PackSubmit encodes the EntryPoint.submit call data for the boop.
func PackSubmit(b *Boop) ([]byte, error) {
	return EntryPointABI.Pack("submit", Encode(b))
}

// UnpackSubmit decodes the return data of EntryPoint.submit.
func UnpackSubmit(data []byte) (*SubmitOutput, error) {
	var out SubmitOutput
	if err := EntryPointABI.UnpackIntoInterface(&out, "submit", data); err != nil {
		return nil, fmt.Errorf("error unpacking submit output: %w", err)
	}
	return &out, nil
}

// PackNonceValues encodes the EntryPoint.nonceValues call data.
func PackNonceValues(account common.Address, track Track) ([]byte, error) {
	return EntryPointABI.Pack("nonceValues", account, track.Big())
}

// UnpackNonceValues decodes the return data of EntryPoint.nonceValues.
func UnpackNonceValues(data []byte) (uint64, error) {
	vs, err := EntryPointABI.Unpack("nonceValues", data)
	if err != nil {
		return 0, fmt.Errorf("error unpacking nonceValues output: %w", err)
	}
	if len(vs) != 1 {
		return 0, fmt.Errorf("expected 1 nonceValues output, got %d", len(vs))
	}
	n, ok := vs[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("unexpected nonceValues output type %T", vs[0])
	}
	return n, nil
}

type submittedEvent struct {
	Account                 common.Address
	Dest                    common.Address
	Payer                   common.Address
	Value                   *big.Int
	NonceTrack              *big.Int
	NonceValue              uint64
	MaxFeePerGas            *big.Int
	SubmitterFee            *big.Int
	GasLimit                uint32
	ValidateGasLimit        uint32
	ValidatePaymentGasLimit uint32
	ExecuteGasLimit         uint32
	CallData                []byte
	ValidatorData           []byte
	ExtraData               []byte
}

// DecodeSubmittedLog decodes the boop carried by a BoopSubmitted log.
func DecodeSubmittedLog(l *types.Log) (*Boop, error) {
	if len(l.Topics) == 0 || l.Topics[0] != TopicBoopSubmitted {
		return nil, errors.New("not a BoopSubmitted log")
	}
	var ev submittedEvent
	if err := EntryPointABI.UnpackIntoInterface(&ev, "BoopSubmitted", l.Data); err != nil {
		return nil, fmt.Errorf("error unpacking BoopSubmitted: %w", err)
	}
	track, err := TrackFromBig(ev.NonceTrack)
	if err != nil {
		return nil, err
	}
	return &Boop{
		Account:                 ev.Account,
		Dest:                    ev.Dest,
		Payer:                   ev.Payer,
		Value:                   ev.Value,
		NonceTrack:              track,
		NonceValue:              ev.NonceValue,
		MaxFeePerGas:            ev.MaxFeePerGas,
		SubmitterFee:            ev.SubmitterFee,
		GasLimit:                ev.GasLimit,
		ValidateGasLimit:        ev.ValidateGasLimit,
		ValidatePaymentGasLimit: ev.ValidatePaymentGasLimit,
		ExecuteGasLimit:         ev.ExecuteGasLimit,
		CallData:                ev.CallData,
		ValidatorData:           ev.ValidatorData,
		ExtraData:               ev.ExtraData,
	}, nil
}

// PackSubmittedLogData encodes the data of a BoopSubmitted log for the boop.
func PackSubmittedLogData(b *Boop) ([]byte, error) {
	ev := EntryPointABI.Events["BoopSubmitted"]
	return ev.Inputs.NonIndexed().Pack(b.Account, b.Dest, b.Payer, copyBig(b.Value),
		b.NonceTrack.Big(), b.NonceValue, copyBig(b.MaxFeePerGas), copyBig(b.SubmitterFee),
		b.GasLimit, b.ValidateGasLimit, b.ValidatePaymentGasLimit, b.ExecuteGasLimit,
		copyBytes(b.CallData), copyBytes(b.ValidatorData), copyBytes(b.ExtraData))
}

// UnpackBytesEvent decodes the single bytes argument of a CallReverted,
// ExecutionRejected or ExecutionReverted log.
func UnpackBytesEvent(l *types.Log) ([]byte, error) {
	if len(l.Topics) == 0 {
		return nil, errors.New("anonymous log")
	}
	ev, err := EntryPointABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, err
	}
	vs, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("error unpacking %s: %w", ev.Name, err)
	}
	if len(vs) != 1 {
		return nil, fmt.Errorf("%s has %d arguments", ev.Name, len(vs))
	}
	b, ok := vs[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%s argument is %T", ev.Name, vs[0])
	}
	return b, nil
}

// DecodeRevert gives a human-readable reason for EVM revert data. Solidity
// Error(string) reverts and the EntryPoint's custom errors are recognized.
func DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return "no revert data"
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		for name, e := range EntryPointABI.Errors {
			if bytes.Equal(e.ID[:4], data[:4]) {
				return name
			}
		}
	}
	return fmt.Sprintf("unrecognized revert data %x", data)
}
