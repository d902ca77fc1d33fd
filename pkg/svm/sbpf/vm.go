// Package sbpf implements the Solana Berkeley Packet Filter virtual machine
// used to run Solana-flavored contract images.
//
// sBPF is a register-based virtual machine with 11 64-bit registers (R0-R10),
// where R10 is a read-only frame pointer. The instruction set is eBPF with
// Solana's call conventions.
//
// Memory is organized into four regions:
//   - Program (0x100000000): read-only data
//   - Stack   (0x200000000): read-write stack frames
//   - Heap    (0x300000000): read-write heap memory
//   - Input   (0x400000000): the serialized accounts and instruction data,
//     writable so a program can update account data in place
package sbpf

import (
	"errors"
	"fmt"
	"math/bits"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)

// Stack and heap constants.
const (
	StackFrameSize = 4096
	StackDepth     = 64
	StackGap       = 4096
	HeapDefault    = 32768
	HeapMax        = 262144
)

// Errors.
var (
	ErrComputeExceeded     = errors.New("compute budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownSyscall      = errors.New("unknown syscall")
)

// Instruction costs.
const (
	CostALU   = uint64(1)
	CostMul   = uint64(4)
	CostDiv   = uint64(12)
	CostLoad  = uint64(2)
	CostStore = uint64(2)
	CostLddw  = uint64(2)
	CostJump  = uint64(1)
	CostCall  = uint64(5)
)

func instructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		}
		return CostALU
	case ClassLd:
		return CostLddw
	case ClassLdx:
		return CostLoad
	case ClassSt, ClassStx:
		return CostStore
	default:
		if op&0xF0 == JmpCall {
			return CostCall
		}
		return CostJump
	}
}

// Meter charges execution costs. Consume returns an error once the budget is
// gone; the interpreter stops on that error.
type Meter interface {
	Consume(cost uint64) error
}

// ComputeMeter is a fixed-budget Meter.
type ComputeMeter struct {
	remaining uint64
}

// NewComputeMeter creates a meter with the given budget.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{remaining: limit}
}

// Consume implements Meter.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		cm.remaining = 0
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns the unspent budget.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// VM is the view of the interpreter that syscalls get.
type VM interface {
	Read(addr uint64, p []byte) error
	Read64(addr uint64) (uint64, error)
	Write(addr uint64, p []byte) error
	Translate(addr, size uint64, write bool) ([]byte, error)
	Meter() Meter
}

// Syscall is a host function callable from sBPF programs. Arguments arrive
// in r1-r5 and the result goes to r0.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc adapts a function to Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry resolves a syscall by the murmur3 hash of its name.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// Frame is one saved call frame.
type Frame struct {
	FramePtr uint64
	NVRegs   [4]uint64 // R6-R9
	RetAddr  int64
}

// Stack is the call stack plus its backing memory.
type Stack struct {
	mem    []byte
	frames []Frame
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]Frame, 0, StackDepth),
	}
}

// Push saves the callee-saved registers and advances the frame pointer.
func (s *Stack) Push(regs []uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth {
		return ErrCallDepthExceeded
	}
	frame := Frame{FramePtr: regs[10], RetAddr: retAddr}
	copy(frame.NVRegs[:], regs[6:10])
	s.frames = append(s.frames, frame)
	regs[10] += StackFrameSize + StackGap
	return nil
}

// Pop restores the previous frame. It reports false when no frame is left.
func (s *Stack) Pop(regs []uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	copy(regs[6:10], frame.NVRegs[:])
	regs[10] = frame.FramePtr
	return frame.RetAddr, true
}

// Depth returns the number of saved frames.
func (s *Stack) Depth() int {
	return len(s.frames)
}

// slice returns stack memory at a region offset, nil inside a gap.
func (s *Stack) slice(offset uint64) []byte {
	frame := offset / (StackFrameSize + StackGap)
	within := offset % (StackFrameSize + StackGap)
	if within >= StackFrameSize || frame >= StackDepth {
		return nil
	}
	return s.mem[frame*StackFrameSize+within : (frame+1)*StackFrameSize]
}

// Program is a loaded sBPF program.
type Program struct {
	Text      []uint64
	RO        []byte
	Entry     uint64
	Functions map[uint32]uint64 // murmur3(name) -> instruction index
}

// Options configures an Interpreter.
type Options struct {
	HeapSize uint64
	Meter    Meter
	Syscalls SyscallRegistry
}

// Interpreter executes one program against one input buffer.
type Interpreter struct {
	prog     *Program
	stack    *Stack
	heap     []byte
	input    []byte
	meter    Meter
	syscalls SyscallRegistry
}

// NewInterpreter prepares prog to run over input. The input buffer is
// modified in place by the program.
func NewInterpreter(prog *Program, input []byte, opts Options) *Interpreter {
	heap := opts.HeapSize
	if heap == 0 {
		heap = HeapDefault
	}
	if heap > HeapMax {
		heap = HeapMax
	}
	meter := opts.Meter
	if meter == nil {
		meter = NewComputeMeter(200_000)
	}
	syscalls := opts.Syscalls
	if syscalls == nil {
		syscalls = func(uint32) (Syscall, bool) { return nil, false }
	}
	return &Interpreter{
		prog:     prog,
		stack:    NewStack(),
		heap:     make([]byte, heap),
		input:    input,
		meter:    meter,
		syscalls: syscalls,
	}
}

// Meter implements VM.
func (ip *Interpreter) Meter() Meter {
	return ip.meter
}

// Input returns the input region after execution.
func (ip *Interpreter) Input() []byte {
	return ip.input
}

// Run executes the program until the outermost exit and returns R0.
func (ip *Interpreter) Run() (r0 uint64, err error) {
	var r [11]uint64
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	text := ip.prog.Text
	pc := int64(ip.prog.Entry)
	for {
		if pc < 0 || pc >= int64(len(text)) {
			return 0, fmt.Errorf("%w: pc %d out of bounds", ErrInvalidInstruction, pc)
		}
		op, dst, src, off, imm := decode(text[pc])
		if err := ip.meter.Consume(instructionCost(op)); err != nil {
			return 0, err
		}
		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: register out of range at pc %d", ErrInvalidInstruction, pc)
		}

		switch op & 0x07 {
		case ClassAlu64, ClassAlu:
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to r10 at pc %d", ErrInvalidInstruction, pc)
			}
			operand := uint64(imm)
			if op&SrcX != 0 {
				operand = r[src]
			}
			if op&0x07 == ClassAlu64 {
				r[dst], err = alu64(op, r[dst], operand, imm)
			} else {
				r[dst], err = alu32(op, r[dst], operand, imm)
			}
			if err != nil {
				return 0, fmt.Errorf("pc %d: %w", pc, err)
			}

		case ClassLd:
			if op != OpLddw || pc+1 >= int64(len(text)) || dst == 10 {
				return 0, fmt.Errorf("%w: bad lddw at pc %d", ErrInvalidInstruction, pc)
			}
			r[dst] = uint64(uint32(imm)) | uint64(text[pc+1]>>32)<<32
			pc++

		case ClassLdx:
			mem, err := ip.Translate(r[src]+uint64(int64(off)), accessSize(op), false)
			if err != nil {
				return 0, err
			}
			r[dst] = loadLE(mem)

		case ClassSt, ClassStx:
			value := uint64(imm)
			if op&0x07 == ClassStx {
				value = r[src]
			}
			mem, err := ip.Translate(r[dst]+uint64(int64(off)), accessSize(op), true)
			if err != nil {
				return 0, err
			}
			storeLE(mem, value)

		case ClassJmp, ClassJmp32:
			switch op & 0xF0 {
			case JmpCall:
				next, err := ip.call(&r, pc, src, imm)
				if err != nil {
					return 0, err
				}
				pc = next
				continue
			case JmpExit:
				ret, ok := ip.stack.Pop(r[:])
				if !ok {
					return r[0], nil
				}
				pc = ret
				continue
			}
			b := uint64(imm)
			if op&SrcX != 0 {
				b = r[src]
			}
			if jumpTaken(op, r[dst], b) {
				pc += int64(off)
			}
		}
		pc++
	}
}

// call dispatches a syscall or a bpf-to-bpf call and returns the next pc.
func (ip *Interpreter) call(r *[11]uint64, pc int64, src uint8, imm int32) (int64, error) {
	hash := uint32(imm)
	if src == 0 {
		if sc, ok := ip.syscalls(hash); ok {
			result, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
			if err != nil {
				return 0, err
			}
			r[0] = result
			return pc + 1, nil
		}
	}
	target, ok := ip.prog.Functions[hash]
	if !ok {
		if src != 1 {
			return 0, fmt.Errorf("%w: 0x%08x", ErrUnknownSyscall, hash)
		}
		target = uint64(pc + int64(imm) + 1)
	}
	if err := ip.stack.Push(r[:], pc+1); err != nil {
		return 0, err
	}
	return int64(target), nil
}

func alu64(op uint8, a, b uint64, imm int32) (uint64, error) {
	switch op & 0xF0 {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv, AluMod:
		if op&SrcX == 0 {
			b = uint64(uint32(imm))
		}
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if op&0xF0 == AluDiv {
			return a / b, nil
		}
		return a % b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluLsh:
		return a << (b & 63), nil
	case AluRsh:
		return a >> (b & 63), nil
	case AluNeg:
		return -a, nil
	case AluXor:
		return a ^ b, nil
	case AluMov:
		return b, nil
	case AluArsh:
		return uint64(int64(a) >> (b & 63)), nil
	}
	return 0, fmt.Errorf("%w: alu64 opcode 0x%02x", ErrInvalidInstruction, op)
}

func alu32(op uint8, a64, b64 uint64, imm int32) (uint64, error) {
	a, b := uint32(a64), uint32(b64)
	switch op & 0xF0 {
	case AluAdd:
		return uint64(a + b), nil
	case AluSub:
		return uint64(a - b), nil
	case AluMul:
		return uint64(a * b), nil
	case AluDiv, AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if op&0xF0 == AluDiv {
			return uint64(a / b), nil
		}
		return uint64(a % b), nil
	case AluOr:
		return uint64(a | b), nil
	case AluAnd:
		return uint64(a & b), nil
	case AluLsh:
		return uint64(a << (b & 31)), nil
	case AluRsh:
		return uint64(a >> (b & 31)), nil
	case AluNeg:
		return uint64(-a), nil
	case AluXor:
		return uint64(a ^ b), nil
	case AluMov:
		return uint64(b), nil
	case AluArsh:
		return uint64(uint32(int32(a) >> (b & 31))), nil
	case AluEnd:
		return byteswap(op, a64, imm)
	}
	return 0, fmt.Errorf("%w: alu32 opcode 0x%02x", ErrInvalidInstruction, op)
}

// byteswap implements le/be. The host is little-endian by definition of the
// VM, so le only truncates.
func byteswap(op uint8, v uint64, width int32) (uint64, error) {
	be := op&SrcX != 0
	switch width {
	case 16:
		if be {
			return uint64(bits.ReverseBytes16(uint16(v))), nil
		}
		return uint64(uint16(v)), nil
	case 32:
		if be {
			return uint64(bits.ReverseBytes32(uint32(v))), nil
		}
		return uint64(uint32(v)), nil
	case 64:
		if be {
			return bits.ReverseBytes64(v), nil
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: byteswap width %d", ErrInvalidInstruction, width)
}

func jumpTaken(op uint8, a, b uint64) bool {
	if op&0x07 == ClassJmp32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		switch op & 0xF0 {
		case JmpJsgt, JmpJsge, JmpJslt, JmpJsle:
			a, b = uint64(int64(int32(a))), uint64(int64(int32(b)))
		}
	}
	switch op & 0xF0 {
	case JmpJa:
		return true
	case JmpJeq:
		return a == b
	case JmpJne:
		return a != b
	case JmpJgt:
		return a > b
	case JmpJge:
		return a >= b
	case JmpJlt:
		return a < b
	case JmpJle:
		return a <= b
	case JmpJset:
		return a&b != 0
	case JmpJsgt:
		return int64(a) > int64(b)
	case JmpJsge:
		return int64(a) >= int64(b)
	case JmpJslt:
		return int64(a) < int64(b)
	case JmpJsle:
		return int64(a) <= int64(b)
	}
	return false
}
