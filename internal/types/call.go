package types

import "github.com/holiman/uint256"

// Call defaults.
const (
	// DefaultGas is the gas budget given to a call that does not set one.
	DefaultGas uint64 = 300_000

	// DefaultDeadline is the number of blocks a native transaction stays valid.
	DefaultDeadline uint64 = 10

	// ChainID is the EIP-155 chain id accepted for EVM transactions.
	ChainID uint64 = 1044942
)

// ContractCall is a method invocation with opaque arguments.
type ContractCall struct {
	Method  string      `cbor:"method"`
	Args    []byte      `cbor:"args"`
	Gas     uint64      `cbor:"gas"`
	Deposit uint256.Int `cbor:"deposit"`
}

// NewCall builds a ContractCall with the default gas budget.
func NewCall(method string, args []byte) ContractCall {
	return ContractCall{Method: method, Args: args, Gas: DefaultGas}
}

// Environment is the block context visible to a call.
type Environment struct {
	BlockHeight uint64 `cbor:"block_height"`
	Timestamp   uint64 `cbor:"timestamp"`
}

// ContractCallContext is the unit of work handed to one sandbox invocation.
type ContractCallContext struct {
	Contract AccountID    `cbor:"contract"`
	Call     ContractCall `cbor:"call"`
	Sender   AccountID    `cbor:"sender"`
	Signer   AccountID    `cbor:"signer"`
	Env      Environment  `cbor:"env"`
}

// Nested derives the context of a cross call issued by the current callee.
// The signer and environment carry over unchanged.
func (c ContractCallContext) Nested(contract AccountID, call ContractCall) ContractCallContext {
	return ContractCallContext{
		Contract: contract,
		Call:     call,
		Sender:   c.Contract,
		Signer:   c.Signer,
		Env:      c.Env,
	}
}
