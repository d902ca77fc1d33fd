// Package loader turns sBPF images into programs for the sbpf interpreter.
//
// Two image formats are accepted:
//   - ELF64 little-endian objects for the BPF or sBPF machine, the format
//     Solana toolchains emit
//   - raw instruction streams prefixed with "mvm:sbpf:", each instruction a
//     little-endian 64-bit word, entry at instruction 0
//
// For ELF images the read-only region mirrors the file's virtual layout, so
// an address A in the image is reachable at sbpf.VaddrProgram + A.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

// RawPrefix marks a raw instruction stream image.
const RawPrefix = "mvm:sbpf:"

// Machine numbers accepted in the ELF header.
const (
	machineBPF  = elf.EM_BPF
	machineSBPF = elf.Machine(263)
)

// Relocation types.
const (
	rBPF64_64    = 1
	rBPFRelative = 8
	rBPF64_32    = 10
)

// Limits.
const (
	MaxImageSize    = 10 * 1024 * 1024
	MaxInstructions = 1_000_000
	MaxROSize       = 4 * 1024 * 1024
)

// Loader errors.
var (
	ErrInvalidImage       = errors.New("invalid sbpf image")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrTooLarge           = errors.New("image too large")
)

// IsImage reports whether code looks like an sBPF image.
func IsImage(code []byte) bool {
	return bytes.HasPrefix(code, []byte(RawPrefix)) || bytes.HasPrefix(code, []byte(elf.ELFMAG))
}

// Load parses code in either supported format.
func Load(code []byte) (*sbpf.Program, error) {
	if len(code) > MaxImageSize {
		return nil, ErrTooLarge
	}
	if bytes.HasPrefix(code, []byte(RawPrefix)) {
		return LoadRaw(code[len(RawPrefix):])
	}
	return LoadELF(code)
}

// LoadRaw decodes a bare instruction stream.
func LoadRaw(stream []byte) (*sbpf.Program, error) {
	if len(stream) == 0 || len(stream)%8 != 0 {
		return nil, fmt.Errorf("%w: raw stream length %d is not a positive multiple of 8", ErrInvalidImage, len(stream))
	}
	text, err := words(stream)
	if err != nil {
		return nil, err
	}
	return &sbpf.Program{Text: text, Functions: map[uint32]uint64{}}, nil
}

// Raw encodes instructions as a raw image.
func Raw(ins ...uint64) []byte {
	out := make([]byte, len(RawPrefix), len(RawPrefix)+8*len(ins))
	copy(out, RawPrefix)
	for _, w := range ins {
		out = binary.LittleEndian.AppendUint64(out, w)
	}
	return out
}

// LoadELF parses an ELF image, applies relocations and registers function
// symbols by their hash.
func LoadELF(data []byte) (*sbpf.Program, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: expected little-endian ELF64", ErrInvalidImage)
	}
	if f.Machine != machineBPF && f.Machine != machineSBPF {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMachine, f.Machine)
	}

	textSec := f.Section(".text")
	if textSec == nil {
		return nil, ErrNoTextSection
	}
	raw, err := textSec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: read .text: %v", ErrInvalidImage, err)
	}
	text, err := words(raw)
	if err != nil {
		return nil, err
	}

	ro, err := readOnly(f)
	if err != nil {
		return nil, err
	}

	prog := &sbpf.Program{
		Text:      text,
		RO:        ro,
		Functions: make(map[uint32]uint64),
	}
	if f.Entry >= textSec.Addr {
		prog.Entry = (f.Entry - textSec.Addr) / 8
	}

	symbols, _ := f.Symbols()
	if len(symbols) == 0 {
		symbols, _ = f.DynamicSymbols()
	}
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value < textSec.Addr {
			continue
		}
		prog.Functions[sbpf.SymbolHash(sym.Name)] = (sym.Value - textSec.Addr) / 8
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_REL && sec.Type != elf.SHT_RELA {
			continue
		}
		if err := relocate(f, sec, textSec, text); err != nil {
			return nil, err
		}
	}
	return prog, nil
}

// readOnly lays out every allocated, non-executable section at its virtual
// address.
func readOnly(f *elf.File) ([]byte, error) {
	var size uint64
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Flags&elf.SHF_EXECINSTR != 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		if end := sec.Addr + sec.Size; end > size {
			size = end
		}
	}
	if size > MaxROSize {
		return nil, fmt.Errorf("%w: read-only data spans %d bytes", ErrTooLarge, size)
	}
	ro := make([]byte, size)
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Flags&elf.SHF_EXECINSTR != 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidImage, sec.Name, err)
		}
		copy(ro[sec.Addr:], data)
	}
	return ro, nil
}

func relocate(f *elf.File, sec, textSec *elf.Section, text []uint64) error {
	entSize := uint64(16)
	if sec.Type == elf.SHT_RELA {
		entSize = 24
	}
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrInvalidImage, sec.Name, err)
	}

	var symbols []elf.Symbol
	if int(sec.Link) < len(f.Sections) && f.Sections[sec.Link].Type == elf.SHT_DYNSYM {
		symbols, _ = f.DynamicSymbols()
	} else {
		symbols, _ = f.Symbols()
	}

	for off := uint64(0); off+entSize <= uint64(len(data)); off += entSize {
		offset := binary.LittleEndian.Uint64(data[off:])
		info := binary.LittleEndian.Uint64(data[off+8:])
		if offset < textSec.Offset {
			continue
		}
		idx := (offset - textSec.Offset) / 8
		if idx >= uint64(len(text)) {
			continue
		}

		// Symbols() drops the null symbol at index 0.
		var sym *elf.Symbol
		if s := info >> 32; s > 0 && s <= uint64(len(symbols)) {
			sym = &symbols[s-1]
		}

		switch uint32(info) {
		case rBPF64_32:
			if sym == nil {
				continue
			}
			text[idx] = setImm(text[idx], sbpf.SymbolHash(sym.Name))
		case rBPF64_64:
			if sym == nil || idx+1 >= uint64(len(text)) {
				continue
			}
			addr := sbpf.VaddrProgram + sym.Value + uint64(imm(text[idx]))
			text[idx] = setImm(text[idx], uint32(addr))
			text[idx+1] = setImm(text[idx+1], uint32(addr>>32))
		case rBPFRelative:
			if idx+1 >= uint64(len(text)) {
				continue
			}
			addr := uint64(imm(text[idx])) | uint64(imm(text[idx+1]))<<32
			if addr < sbpf.VaddrProgram {
				addr += sbpf.VaddrProgram
			}
			text[idx] = setImm(text[idx], uint32(addr))
			text[idx+1] = setImm(text[idx+1], uint32(addr>>32))
		}
	}
	return nil
}

func words(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: text length %d is not a multiple of 8", ErrInvalidImage, len(b))
	}
	if len(b)/8 > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, len(b)/8)
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

func imm(ins uint64) uint32 {
	return uint32(ins >> 32)
}

func setImm(ins uint64, v uint32) uint64 {
	return ins&0xFFFFFFFF | uint64(v)<<32
}
