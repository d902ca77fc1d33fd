// Package svm runs Solana-style sBPF programs over a set of account blobs.
//
// The input region handed to the program uses the Solana serialization:
//   - num_accounts (u64)
//   - per account: dup marker, is_signer, is_writable, executable (1 byte
//     each), 4 bytes padding, key (32), owner (32), lamports (u64),
//     data_len (u64), data padded to 8 bytes, rent_epoch (u64)
//   - instruction_data_len (u64), instruction data
//   - program_id (32)
//
// The first account's data therefore starts at offset 96.
package svm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
	"github.com/fortiblox/multivm/pkg/svm/syscall"
)

// Errors.
var (
	ErrProgramFailed       = errors.New("program returned an error code")
	ErrInvalidAccountData  = errors.New("invalid account data")
	ErrInstructionTooLarge = errors.New("instruction data too large")
)

// Limits.
const (
	MaxInstructionDataSize = 10 * 1024
	MaxAccountDataSize     = 10 * 1024 * 1024
	FirstAccountDataOffset = 96
	nonDupMarker           = 0xFF
	accountHeaderSize      = 1 + 1 + 1 + 1 + 4 + 32 + 32 + 8 + 8
)

// AccountInfo is one account passed to a program.
type AccountInfo struct {
	Key        [32]byte
	Owner      [32]byte
	Lamports   uint64
	Data       []byte
	IsSigner   bool
	IsWritable bool
	Executable bool
}

// Instruction is one program invocation.
type Instruction struct {
	ProgramID [32]byte
	Accounts  []*AccountInfo
	Data      []byte
}

// Result is what a successful run produced.
type Result struct {
	ReturnData []byte
	Logs       []string
}

// Execute runs prog over ix. Writable accounts are updated in place from the
// program's view of the input region. A non-zero exit code is
// ErrProgramFailed.
func Execute(prog *sbpf.Program, ix Instruction, meter sbpf.Meter) (*Result, error) {
	if len(ix.Data) > MaxInstructionDataSize {
		return nil, ErrInstructionTooLarge
	}
	input, err := SerializeInput(ix)
	if err != nil {
		return nil, err
	}

	host := &invokeContext{}
	vm := sbpf.NewInterpreter(prog, input, sbpf.Options{
		Meter:    meter,
		Syscalls: syscall.NewRegistry(host).Lookup(),
	})
	r0, err := vm.Run()
	res := &Result{ReturnData: host.returnData, Logs: host.logs}
	if err != nil {
		return res, err
	}
	if r0 != 0 {
		return res, fmt.Errorf("%w: %d", ErrProgramFailed, r0)
	}
	if err := DeserializeOutput(vm.Input(), ix.Accounts); err != nil {
		return res, err
	}
	return res, nil
}

type invokeContext struct {
	logs       []string
	returnData []byte
}

func (c *invokeContext) Log(msg string)            { c.logs = append(c.logs, msg) }
func (c *invokeContext) SetReturnData(data []byte) { c.returnData = data }
func (c *invokeContext) ReturnData() []byte        { return c.returnData }

func padding(n int) int {
	return (8 - n%8) % 8
}

// SerializeInput lays out ix for the input region.
func SerializeInput(ix Instruction) ([]byte, error) {
	size := 8
	for _, acc := range ix.Accounts {
		if len(acc.Data) > MaxAccountDataSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAccountData, len(acc.Data))
		}
		size += accountHeaderSize + len(acc.Data) + padding(len(acc.Data)) + 8
	}
	size += 8 + len(ix.Data) + 32

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(ix.Accounts)))
	off := 8
	flag := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}
	for _, acc := range ix.Accounts {
		buf[off] = nonDupMarker
		buf[off+1] = flag(acc.IsSigner)
		buf[off+2] = flag(acc.IsWritable)
		buf[off+3] = flag(acc.Executable)
		off += 8
		off += copy(buf[off:], acc.Key[:])
		off += copy(buf[off:], acc.Owner[:])
		binary.LittleEndian.PutUint64(buf[off:], acc.Lamports)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(len(acc.Data)))
		off += 16
		off += copy(buf[off:], acc.Data)
		off += padding(len(acc.Data)) + 8 // rent epoch stays zero
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(ix.Data)))
	off += 8
	off += copy(buf[off:], ix.Data)
	copy(buf[off:], ix.ProgramID[:])
	return buf, nil
}

// DeserializeOutput copies lamports and data of writable accounts back out
// of the input region. Data lengths cannot change.
func DeserializeOutput(input []byte, accounts []*AccountInfo) error {
	off := 8
	for _, acc := range accounts {
		n := len(acc.Data)
		end := off + accountHeaderSize + n + padding(n) + 8
		if end > len(input) {
			return ErrInvalidAccountData
		}
		if acc.IsWritable {
			fields := input[off+8+64:]
			if binary.LittleEndian.Uint64(fields[8:]) != uint64(n) {
				return fmt.Errorf("%w: data length changed", ErrInvalidAccountData)
			}
			acc.Lamports = binary.LittleEndian.Uint64(fields)
			copy(acc.Data, fields[16:16+n])
		}
		off = end
	}
	return nil
}
