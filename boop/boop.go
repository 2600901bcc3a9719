// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package boop defines the Boop, the protocol's unit of abstracted user
// intent, along with its canonical byte encoding, its content hash, the
// statuses a submission can end in and the receipt that is produced once a
// boop is included on chain.
package boop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TrackLen is the byte length of a nonce track (uint192).
const TrackLen = 24

// Track is a 192-bit nonce track. Each (account, track) pair is an
// independent nonce sequence.
type Track [TrackLen]byte

// TrackFromBig converts the integer to a Track. Values wider than 192 bits are
// an error.
func TrackFromBig(i *big.Int) (Track, error) {
	var t Track
	if i == nil {
		return t, nil
	}
	if i.Sign() < 0 || i.BitLen() > TrackLen*8 {
		return t, fmt.Errorf("nonce track %s out of range", i)
	}
	i.FillBytes(t[:])
	return t, nil
}

// Big is the integer value of the track.
func (t Track) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// String is the hex-encoded integer value of the track.
func (t Track) String() string {
	return hexutil.EncodeBig(t.Big())
}

// MarshalJSON encodes the track as a hex quantity.
func (t Track) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a hex quantity into the track.
func (t *Track) UnmarshalJSON(b []byte) error {
	var h hexutil.Big
	if err := h.UnmarshalJSON(b); err != nil {
		return err
	}
	tr, err := TrackFromBig(h.ToInt())
	if err != nil {
		return err
	}
	*t = tr
	return nil
}

// SequenceID identifies a nonce sequence.
type SequenceID struct {
	Account common.Address
	Track   Track
}

// String is a human-readable representation for logging.
func (id SequenceID) String() string {
	return fmt.Sprintf("%s/%s", id.Account, id.Track)
}

// Boop is a signed, abstracted transaction. A Boop that has been admitted for
// processing must not be modified; use Copy to derive a modified version.
type Boop struct {
	Account common.Address
	Dest    common.Address
	Payer   common.Address
	Value   *big.Int

	NonceTrack Track
	NonceValue uint64

	MaxFeePerGas *big.Int
	SubmitterFee *big.Int

	GasLimit                uint32
	ValidateGasLimit        uint32
	ValidatePaymentGasLimit uint32
	ExecuteGasLimit         uint32

	CallData      []byte
	ValidatorData []byte
	ExtraData     []byte
}

// IsSelfPaying is true if the boop's account pays for its own gas.
func (b *Boop) IsSelfPaying() bool {
	return b.Payer == b.Account
}

// SequenceID is the boop's nonce sequence.
func (b *Boop) SequenceID() SequenceID {
	return SequenceID{Account: b.Account, Track: b.NonceTrack}
}

// HasGasValues is true if every fee and gas limit field is non-zero.
func (b *Boop) HasGasValues() bool {
	return b.GasLimit != 0 && b.ValidateGasLimit != 0 && b.ValidatePaymentGasLimit != 0 &&
		b.ExecuteGasLimit != 0 && !isZero(b.MaxFeePerGas)
}

// Copy creates a deep copy of the Boop.
func (b *Boop) Copy() *Boop {
	c := *b
	c.Value = copyBig(b.Value)
	c.MaxFeePerGas = copyBig(b.MaxFeePerGas)
	c.SubmitterFee = copyBig(b.SubmitterFee)
	c.CallData = copyBytes(b.CallData)
	c.ValidatorData = copyBytes(b.ValidatorData)
	c.ExtraData = copyBytes(b.ExtraData)
	return &c
}

func copyBig(i *big.Int) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i)
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func isZero(i *big.Int) bool {
	return i == nil || i.Sign() == 0
}

// IsZero is true for a nil or zero integer.
func IsZero(i *big.Int) bool {
	return isZero(i)
}

type jsonBoop struct {
	Account                 common.Address `json:"account"`
	Dest                    common.Address `json:"dest"`
	Payer                   common.Address `json:"payer"`
	Value                   *hexutil.Big   `json:"value"`
	NonceTrack              Track          `json:"nonceTrack"`
	NonceValue              hexutil.Uint64 `json:"nonceValue"`
	MaxFeePerGas            *hexutil.Big   `json:"maxFeePerGas"`
	SubmitterFee            *hexutil.Big   `json:"submitterFee"`
	GasLimit                hexutil.Uint64 `json:"gasLimit"`
	ValidateGasLimit        hexutil.Uint64 `json:"validateGasLimit"`
	ValidatePaymentGasLimit hexutil.Uint64 `json:"validatePaymentGasLimit"`
	ExecuteGasLimit         hexutil.Uint64 `json:"executeGasLimit"`
	CallData                hexutil.Bytes  `json:"callData"`
	ValidatorData           hexutil.Bytes  `json:"validatorData"`
	ExtraData               hexutil.Bytes  `json:"extraData"`
}

// MarshalJSON encodes the Boop with hex-encoded quantities and bytes.
func (b *Boop) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonBoop{
		Account:                 b.Account,
		Dest:                    b.Dest,
		Payer:                   b.Payer,
		Value:                   (*hexutil.Big)(copyBig(b.Value)),
		NonceTrack:              b.NonceTrack,
		NonceValue:              hexutil.Uint64(b.NonceValue),
		MaxFeePerGas:            (*hexutil.Big)(copyBig(b.MaxFeePerGas)),
		SubmitterFee:            (*hexutil.Big)(copyBig(b.SubmitterFee)),
		GasLimit:                hexutil.Uint64(b.GasLimit),
		ValidateGasLimit:        hexutil.Uint64(b.ValidateGasLimit),
		ValidatePaymentGasLimit: hexutil.Uint64(b.ValidatePaymentGasLimit),
		ExecuteGasLimit:         hexutil.Uint64(b.ExecuteGasLimit),
		CallData:                copyBytes(b.CallData),
		ValidatorData:           copyBytes(b.ValidatorData),
		ExtraData:               copyBytes(b.ExtraData),
	})
}

// UnmarshalJSON decodes the hex-encoded JSON Boop, checking that quantities
// fit their fields.
func (b *Boop) UnmarshalJSON(data []byte) error {
	var jb jsonBoop
	if err := json.Unmarshal(data, &jb); err != nil {
		return err
	}
	gasFields := []struct {
		name string
		v    hexutil.Uint64
	}{
		{"gasLimit", jb.GasLimit},
		{"validateGasLimit", jb.ValidateGasLimit},
		{"validatePaymentGasLimit", jb.ValidatePaymentGasLimit},
		{"executeGasLimit", jb.ExecuteGasLimit},
	}
	for _, f := range gasFields {
		if uint64(f.v) > uint64(^uint32(0)) {
			return fmt.Errorf("%s %d overflows uint32", f.name, f.v)
		}
	}
	toInt := func(name string, h *hexutil.Big) (*big.Int, error) {
		if h == nil {
			return new(big.Int), nil
		}
		i := h.ToInt()
		if i.Sign() < 0 || i.BitLen() > 256 {
			return nil, fmt.Errorf("%s out of range", name)
		}
		return new(big.Int).Set(i), nil
	}
	var err error
	*b = Boop{
		Account:                 jb.Account,
		Dest:                    jb.Dest,
		Payer:                   jb.Payer,
		NonceTrack:              jb.NonceTrack,
		NonceValue:              uint64(jb.NonceValue),
		GasLimit:                uint32(jb.GasLimit),
		ValidateGasLimit:        uint32(jb.ValidateGasLimit),
		ValidatePaymentGasLimit: uint32(jb.ValidatePaymentGasLimit),
		ExecuteGasLimit:         uint32(jb.ExecuteGasLimit),
		CallData:                copyBytes(jb.CallData),
		ValidatorData:           copyBytes(jb.ValidatorData),
		ExtraData:               copyBytes(jb.ExtraData),
	}
	if b.Value, err = toInt("value", jb.Value); err != nil {
		return err
	}
	if b.MaxFeePerGas, err = toInt("maxFeePerGas", jb.MaxFeePerGas); err != nil {
		return err
	}
	if b.SubmitterFee, err = toInt("submitterFee", jb.SubmitterFee); err != nil {
		return err
	}
	return nil
}
