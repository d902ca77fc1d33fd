// Package syscall provides the host functions sBPF programs can call.
//
// Each syscall is identified by the murmur3 hash of its name. Arguments are
// passed in r1-r5 and the result is placed in r0. Costs are charged on the
// interpreter's meter, so syscalls draw on the same budget as instructions.
package syscall

import (
	"bytes"
	"errors"
	"fmt"
	"hash"

	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

// Syscall errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAbort           = errors.New("program aborted")
	ErrPanic           = errors.New("program panicked")
)

// Costs.
const (
	CUSyscallBase  = uint64(100)
	CULogPerByte   = uint64(1)
	CUMemOpBase    = uint64(10)
	CUMemOpPerByte = uint64(1)
	CUHashBase     = uint64(85)
	CUHashPerByte  = uint64(1)
)

// Limits.
const (
	MaxLogMsgLen  = 10_000
	MaxReturnData = 1024
	MaxMemOpSize  = 10 * 1024 * 1024
	MaxHashSlices = 100
)

// Host receives the side effects syscalls produce.
type Host interface {
	Log(msg string)
	SetReturnData(data []byte)
	ReturnData() []byte
}

// Registry maps syscall hashes to implementations.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
}

// NewRegistry creates a registry with every supported syscall bound to host.
func NewRegistry(host Host) *Registry {
	r := &Registry{syscalls: make(map[uint32]sbpf.Syscall)}
	r.registerLogging(host)
	r.registerMemory()
	r.registerHashes()
	r.registerMisc(host)
	return r
}

// Get returns a syscall by hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Lookup adapts the registry for sbpf.Options.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return r.Get
}

func (r *Registry) register(name string, fn sbpf.SyscallFunc) {
	r.syscalls[sbpf.SymbolHash(name)] = fn
}

func charge(vm sbpf.VM, cost uint64) error {
	return vm.Meter().Consume(cost)
}

func (r *Registry) registerLogging(host Host) {
	r.register("sol_log_", func(vm sbpf.VM, ptr, n, _, _, _ uint64) (uint64, error) {
		if n > MaxLogMsgLen {
			n = MaxLogMsgLen
		}
		if err := charge(vm, CUSyscallBase+CULogPerByte*n); err != nil {
			return 0, err
		}
		msg := make([]byte, n)
		if err := vm.Read(ptr, msg); err != nil {
			return 0, err
		}
		host.Log(string(msg))
		return 0, nil
	})

	r.register("sol_log_64_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := charge(vm, CUSyscallBase); err != nil {
			return 0, err
		}
		host.Log(fmt.Sprintf("%#x, %#x, %#x, %#x, %#x", r1, r2, r3, r4, r5))
		return 0, nil
	})
}

func (r *Registry) registerMemory() {
	copyFn := func(vm sbpf.VM, dst, src, n, _, _ uint64) (uint64, error) {
		data, err := readN(vm, src, n)
		if err != nil || len(data) == 0 {
			return 0, err
		}
		return 0, vm.Write(dst, data)
	}
	r.register("sol_memcpy_", copyFn)
	r.register("sol_memmove_", copyFn)

	r.register("sol_memset_", func(vm sbpf.VM, dst, val, n, _, _ uint64) (uint64, error) {
		if err := memCharge(vm, n); err != nil || n == 0 {
			return 0, err
		}
		return 0, vm.Write(dst, bytes.Repeat([]byte{byte(val)}, int(n)))
	})

	r.register("sol_memcmp_", func(vm sbpf.VM, a, b, n, out, _ uint64) (uint64, error) {
		left, err := readN(vm, a, n)
		if err != nil {
			return 0, err
		}
		right := make([]byte, n)
		if err := vm.Read(b, right); err != nil {
			return 0, err
		}
		var result int32
		for i := range left {
			if left[i] != right[i] {
				result = int32(left[i]) - int32(right[i])
				break
			}
		}
		res := uint32(result)
		return 0, vm.Write(out, []byte{byte(res), byte(res >> 8), byte(res >> 16), byte(res >> 24)})
	})
}

func memCharge(vm sbpf.VM, n uint64) error {
	if n > MaxMemOpSize {
		return ErrInvalidLength
	}
	return charge(vm, CUMemOpBase+CUMemOpPerByte*n)
}

func readN(vm sbpf.VM, addr, n uint64) ([]byte, error) {
	if err := memCharge(vm, n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if n == 0 {
		return data, nil
	}
	return data, vm.Read(addr, data)
}

func (r *Registry) registerHashes() {
	r.register("sol_sha256", hashSyscall(sha256.New))
	r.register("sol_keccak256", hashSyscall(sha3.NewLegacyKeccak256))
	r.register("sol_blake3", hashSyscall(func() hash.Hash { return blake3.New() }))
}

// hashSyscall hashes an array of (ptr, len) slices at r1 (count r2) and
// writes the digest to r3.
func hashSyscall(newHash func() hash.Hash) sbpf.SyscallFunc {
	return func(vm sbpf.VM, slices, count, out, _, _ uint64) (uint64, error) {
		if count > MaxHashSlices {
			return 0, ErrInvalidArgument
		}
		if err := charge(vm, CUHashBase); err != nil {
			return 0, err
		}
		h := newHash()
		for i := uint64(0); i < count; i++ {
			ptr, err := vm.Read64(slices + i*16)
			if err != nil {
				return 0, err
			}
			n, err := vm.Read64(slices + i*16 + 8)
			if err != nil {
				return 0, err
			}
			if n > MaxMemOpSize {
				return 0, ErrInvalidLength
			}
			if err := charge(vm, CUHashPerByte*n); err != nil {
				return 0, err
			}
			data := make([]byte, n)
			if err := vm.Read(ptr, data); err != nil {
				return 0, err
			}
			h.Write(data)
		}
		return 0, vm.Write(out, h.Sum(nil))
	}
}

func (r *Registry) registerMisc(host Host) {
	r.register("abort", func(sbpf.VM, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
		return 0, ErrAbort
	})

	r.register("sol_panic_", func(vm sbpf.VM, file, n, line, col, _ uint64) (uint64, error) {
		if n > MaxLogMsgLen {
			n = MaxLogMsgLen
		}
		name := make([]byte, n)
		if err := vm.Read(file, name); err != nil {
			return 0, fmt.Errorf("%w at line %d", ErrPanic, line)
		}
		return 0, fmt.Errorf("%w at %s:%d:%d", ErrPanic, name, line, col)
	})

	r.register("sol_set_return_data", func(vm sbpf.VM, ptr, n, _, _, _ uint64) (uint64, error) {
		if n > MaxReturnData {
			return 0, ErrInvalidLength
		}
		if err := charge(vm, CUSyscallBase+n); err != nil {
			return 0, err
		}
		data := make([]byte, n)
		if err := vm.Read(ptr, data); err != nil {
			return 0, err
		}
		host.SetReturnData(data)
		return 0, nil
	})

	// sol_get_return_data copies up to r2 bytes into r1 and returns the full length.
	r.register("sol_get_return_data", func(vm sbpf.VM, ptr, n, _, _, _ uint64) (uint64, error) {
		if err := charge(vm, CUSyscallBase); err != nil {
			return 0, err
		}
		data := host.ReturnData()
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		if n > 0 {
			if err := vm.Write(ptr, data[:n]); err != nil {
				return 0, err
			}
		}
		return uint64(len(data)), nil
	})
}
