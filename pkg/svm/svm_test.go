package svm

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

func increment() *sbpf.Program {
	return &sbpf.Program{Text: []uint64{
		sbpf.Encode(sbpf.OpLdxb, 2, 1, FirstAccountDataOffset, 0),
		sbpf.Encode(sbpf.OpAdd64Imm, 2, 0, 0, 1),
		sbpf.Encode(sbpf.OpStxb, 1, 2, FirstAccountDataOffset, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}}
}

func TestSerializeInput(t *testing.T) {
	ix := Instruction{
		ProgramID: [32]byte{9},
		Accounts: []*AccountInfo{
			{Key: [32]byte{1}, Lamports: 5, Data: []byte{1, 2, 3}, IsSigner: true, IsWritable: true},
			{Key: [32]byte{2}, Data: make([]byte, 8)},
		},
		Data: []byte{0xAA, 0xBB},
	}
	input, err := SerializeInput(ix)
	if err != nil {
		t.Fatalf("SerializeInput() failed: %v", err)
	}

	if n := binary.LittleEndian.Uint64(input); n != 2 {
		t.Errorf("num_accounts = %d, want 2", n)
	}
	if input[8] != nonDupMarker || input[9] != 1 || input[10] != 1 || input[11] != 0 {
		t.Errorf("flags = %v", input[8:12])
	}
	if input[16] != 1 {
		t.Errorf("first key byte = %d, want 1", input[16])
	}
	if got := input[FirstAccountDataOffset : FirstAccountDataOffset+3]; got[0] != 1 || got[2] != 3 {
		t.Errorf("first account data = %v", got)
	}
	if input[len(input)-32] != 9 {
		t.Error("program id not at the end")
	}
	if got := input[len(input)-34 : len(input)-32]; got[0] != 0xAA || got[1] != 0xBB {
		t.Errorf("instruction data = %x", got)
	}
}

func TestExecuteUpdatesWritableAccounts(t *testing.T) {
	acc := &AccountInfo{Data: []byte{41, 0, 0}, IsWritable: true}
	if _, err := Execute(increment(), Instruction{Accounts: []*AccountInfo{acc}}, sbpf.NewComputeMeter(1000)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if acc.Data[0] != 42 {
		t.Errorf("data[0] = %d, want 42", acc.Data[0])
	}

	ro := &AccountInfo{Data: []byte{41}}
	if _, err := Execute(increment(), Instruction{Accounts: []*AccountInfo{ro}}, sbpf.NewComputeMeter(1000)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if ro.Data[0] != 41 {
		t.Errorf("read-only account changed to %d", ro.Data[0])
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	prog := &sbpf.Program{Text: []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 3),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}}
	_, err := Execute(prog, Instruction{}, sbpf.NewComputeMeter(1000))
	if !errors.Is(err, ErrProgramFailed) {
		t.Errorf("Execute() error = %v, want ErrProgramFailed", err)
	}
}

func TestExecuteBudget(t *testing.T) {
	acc := &AccountInfo{Data: []byte{0}, IsWritable: true}
	_, err := Execute(increment(), Instruction{Accounts: []*AccountInfo{acc}}, sbpf.NewComputeMeter(3))
	if !errors.Is(err, sbpf.ErrComputeExceeded) {
		t.Errorf("Execute() error = %v, want ErrComputeExceeded", err)
	}
	if acc.Data[0] != 0 {
		t.Error("account changed after a failed run")
	}
}
