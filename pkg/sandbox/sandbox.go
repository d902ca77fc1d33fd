// Package sandbox runs guest program images in isolation.
//
// A guest sees its input bytes and a fixed set of named host callbacks and
// nothing else. Every callback crossing is recorded in a Trace, and the run
// ends in a Commitment that names the call, its response, the hashes of all
// cross calls in issue order and the emitted events.
//
// Three engines share one guest environment (Env):
//   - builtin Go programs, images of the form "mvm:builtin:<name>"
//   - WebAssembly modules, run on wazero
//   - sBPF programs (ELF or "mvm:sbpf:" raw streams), run on pkg/svm with
//     the Solana account blob convention
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/svm/loader"
)

// Host callback names.
const (
	CallbackGetStorage = "GET_STORAGE"
	CallbackSetStorage = "SET_STORAGE"
	CallbackCrossCall  = "CROSS_CONTRACT_CALL"
	CallbackDeploy     = "DEPLOY_CONTRACT"
)

var (
	// ErrUnknownImage is returned for bytes no engine recognizes.
	ErrUnknownImage = fmt.Errorf("%w: unrecognized image format", types.ErrProtocolCorruption)

	// ErrMissingCallback is returned when a guest uses a callback the host
	// did not provide.
	ErrMissingCallback = fmt.Errorf("%w: callback not provided", types.ErrProtocolCorruption)

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sandbox closed")
)

// HostFunc serves one callback: serialized request in, serialized response out.
// A returned error is fatal to the whole run.
type HostFunc func(req []byte) ([]byte, error)

// Host is the set of callbacks offered to a guest, by name.
type Host map[string]HostFunc

// GetStorageRequest asks for one key in the callee's storage scope.
type GetStorageRequest struct {
	Key []byte `cbor:"key"`
}

// GetStorageResponse distinguishes an absent key from an empty value.
type GetStorageResponse struct {
	Value []byte `cbor:"value"`
	Found bool   `cbor:"found"`
}

// SetStorageRequest writes one key. Hash must equal codec.Hash(Value).
type SetStorageRequest struct {
	Key   []byte     `cbor:"key"`
	Value []byte     `cbor:"value"`
	Hash  types.Hash `cbor:"hash"`
}

// CrossCallRequest invokes another contract. The response is the callee's
// serialized Commitment.
type CrossCallRequest struct {
	Contract types.AccountID `cbor:"contract"`
	Method   string          `cbor:"method"`
	Args     []byte          `cbor:"args"`
	Gas      uint64          `cbor:"gas"`
	Deposit  uint256.Int     `cbor:"deposit"`
}

// Call returns the ContractCall carried by the request.
func (r *CrossCallRequest) Call() types.ContractCall {
	return types.ContractCall{Method: r.Method, Args: r.Args, Gas: r.Gas, Deposit: r.Deposit}
}

// DeployRequest installs an attached image as the code of Account.
type DeployRequest struct {
	Account types.AccountID `cbor:"account"`
	ImageID types.ImageID   `cbor:"image_id"`
}

// Request is one sandbox invocation.
type Request struct {
	Image []byte
	Input []byte
	Host  Host
	// Gas is the budget; zero means types.DefaultGas.
	Gas uint64
	// Contract is recorded as the emitter of events.
	Contract types.AccountID
}

// Session is the result of a completed run.
type Session struct {
	Output     []byte
	Commitment types.Commitment
	Trace      Trace
	GasUsed    uint64
}

// Kind identifies the engine an image runs on.
type Kind uint8

// Image kinds.
const (
	KindBuiltin Kind = iota + 1
	KindWasm
	KindSBPF
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindWasm:
		return "wasm"
	case KindSBPF:
		return "sbpf"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Detect classifies image by its leading bytes.
func Detect(image []byte) (Kind, error) {
	switch {
	case bytes.HasPrefix(image, []byte(builtinPrefix)):
		return KindBuiltin, nil
	case bytes.HasPrefix(image, wasmMagic):
		return KindWasm, nil
	case loader.IsImage(image):
		return KindSBPF, nil
	default:
		return 0, ErrUnknownImage
	}
}

type engine interface {
	validate(ctx context.Context, id types.ImageID, image []byte) error
	run(ctx context.Context, id types.ImageID, image []byte, env *Env) ([]byte, error)
}
