package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Translate maps a virtual address range onto the backing region. The
// program region is read-only; stack, heap and input are writable.
func (ip *Interpreter) Translate(addr, size uint64, write bool) ([]byte, error) {
	lo := addr & 0xFFFFFFFF
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x", ErrInvalidMemoryAccess, addr)
	}

	var region []byte
	switch addr >> 32 {
	case VaddrProgram >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to program region at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		region = ip.prog.RO
	case VaddrStack >> 32:
		region = ip.stack.slice(lo)
		lo = 0
	case VaddrHeap >> 32:
		region = ip.heap
	case VaddrInput >> 32:
		region = ip.input
	default:
		return nil, fmt.Errorf("%w: unmapped address 0x%x", ErrInvalidMemoryAccess, addr)
	}

	if lo+size > uint64(len(region)) {
		return nil, fmt.Errorf("%w: 0x%x (size %d) out of bounds", ErrInvalidMemoryAccess, addr, size)
	}
	return region[lo : lo+size], nil
}

// Read copies len(p) bytes from virtual memory.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read64 reads a little-endian word.
func (ip *Interpreter) Read64(addr uint64) (uint64, error) {
	mem, err := ip.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write copies p into virtual memory.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func accessSize(op uint8) uint64 {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

func loadLE(mem []byte) uint64 {
	switch len(mem) {
	case 1:
		return uint64(mem[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem))
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem))
	default:
		return binary.LittleEndian.Uint64(mem)
	}
}

func storeLE(mem []byte, v uint64) {
	switch len(mem) {
	case 1:
		mem[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(v))
	default:
		binary.LittleEndian.PutUint64(mem, v)
	}
}
