// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package boop

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is the outcome of a boop operation. Onchain statuses are derived
// from the EntryPoint's call status and are authoritative. The rest are the
// submitter's own admission and liveness decisions.
type Status string

// Onchain outcomes.
const (
	Success                   Status = "onchainSuccess"
	CallReverted              Status = "onchainCallReverted"
	ExecuteRejected           Status = "onchainExecuteRejected"
	ExecuteReverted           Status = "onchainExecuteReverted"
	ValidationRejected        Status = "onchainValidationRejected"
	ValidationReverted        Status = "onchainValidationReverted"
	PaymentValidationRejected Status = "onchainPaymentValidationRejected"
	PaymentValidationReverted Status = "onchainPaymentValidationReverted"
	UnexpectedReverted        Status = "onchainUnexpectedReverted"
	GasPriceTooLow            Status = "onchainGasPriceTooLow"
	PayoutFailed              Status = "onchainPayoutFailed"
	MissingGasValues          Status = "onchainMissingGasValues"
	MissingValidationInfo     Status = "onchainMissingValidationInformation"
)

// Submitter errors.
const (
	InvalidValues     Status = "submitterInvalidValues"
	AlreadyProcessing Status = "submitterAlreadyProcessing"
	BufferExceeded    Status = "submitterBufferExceeded"
	OverCapacity      Status = "submitterOverCapacity"
	NonceTooFarAhead  Status = "submitterNonceTooFarAhead"
	BoopReplaced      Status = "submitterBoopReplaced"
	ExternalSubmit    Status = "submitterExternalSubmit"
	ReceiptTimeout    Status = "submitterReceiptTimeout"
	SubmitTimeout     Status = "submitterSubmitTimeout"
	RPCError          Status = "submitterRpcError"
	UnknownBoop       Status = "submitterUnknownBoop"
	UnknownState      Status = "submitterUnknownState"
	UnexpectedError   Status = "submitterUnexpectedError"
)

// IsOnchain is true for statuses that describe an onchain outcome.
func (s Status) IsOnchain() bool {
	return len(s) > 7 && s[:7] == "onchain"
}

// Stage names the caller-facing operation in which an error was raised.
type Stage string

const (
	StageSimulate Stage = "simulate"
	StageSubmit   Stage = "submit"
	StageExecute  Stage = "execute"
)

// Error is a user-visible failure. Every Error carries a typed Status and a
// human-readable description.
type Error struct {
	Status      Status        `json:"status"`
	Stage       Stage         `json:"stage,omitempty"`
	Description string        `json:"description"`
	RevertData  hexutil.Bytes `json:"revertData,omitempty"`
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Status, e.Stage, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Description)
}

// NewError constructs an Error.
func NewError(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Description: fmt.Sprintf(format, args...)}
}

// WithStage sets the stage if the Error doesn't already have one. The
// receiver is returned.
func (e *Error) WithStage(stage Stage) *Error {
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// StatusOf extracts the Status from an error. Errors that are not an *Error
// are UnexpectedError.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return UnexpectedError
}

// AsError converts any error into an *Error for the given stage, so that no
// error reaches the caller without a status.
func AsError(err error, stage Stage) *Error {
	var be *Error
	if errors.As(err, &be) {
		c := *be
		return c.WithStage(stage)
	}
	return &Error{Status: UnexpectedError, Stage: stage, Description: err.Error()}
}
