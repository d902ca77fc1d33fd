package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the runtime.
//
// ErrProtocolCorruption and ErrAccountResolution are infrastructure failures:
// they unwind out of the dispatcher and fail the triggering transaction.
// ContractError is business data and travels inside a Commitment.
var (
	// ErrProtocolCorruption marks malformed payloads, hash mismatches and bad signatures.
	ErrProtocolCorruption = errors.New("protocol corruption")

	// ErrAccountResolution marks missing accounts or code and alias collisions.
	ErrAccountResolution = errors.New("account resolution failed")

	// ErrResourceExhaustion marks balance and gas checks that failed.
	ErrResourceExhaustion = errors.New("resource exhausted")
)

// ContractErrorCode classifies a ContractError.
type ContractErrorCode string

// Contract error codes.
const (
	CodeAborted            ContractErrorCode = "aborted"
	CodeResourceExhaustion ContractErrorCode = "resource_exhausted"
	CodeMethodNotFound     ContractErrorCode = "method_not_found"
	CodeInvalidArgs        ContractErrorCode = "invalid_args"
	CodeUnimplemented      ContractErrorCode = "unimplemented"
)

// ContractError is an explicit business-rule rejection raised by a guest
// program. It is recorded in the Commitment's response slot.
type ContractError struct {
	Code    ContractErrorCode `cbor:"code"`
	Message string            `cbor:"message"`
}

// Error implements error.
func (e *ContractError) Error() string {
	return fmt.Sprintf("contract error (%s): %s", e.Code, e.Message)
}

// Abortf builds an aborted ContractError.
func Abortf(format string, args ...interface{}) *ContractError {
	return &ContractError{Code: CodeAborted, Message: fmt.Sprintf(format, args...)}
}

// NewContractError builds a ContractError with the given code.
func NewContractError(code ContractErrorCode, format string, args ...interface{}) *ContractError {
	return &ContractError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsContractError unwraps err into a ContractError if it is one.
func AsContractError(err error) (*ContractError, bool) {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
