package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

type testSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	addr  uint64
	data  []byte
}

// buildELF assembles a minimal ELF64 object: header, section payloads,
// .shstrtab and the section header table.
func buildELF(machine elf.Machine, entry uint64, sections ...testSection) []byte {
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	shstrName := uint32(len(shstrtab))
	shstrtab = append(append(shstrtab, ".shstrtab"...), 0)

	buf := make([]byte, 64)
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		offsets[i] = uint64(len(buf))
		buf = append(buf, s.data...)
	}
	shstrOff := uint64(len(buf))
	buf = append(buf, shstrtab...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	shoff := uint64(len(buf))

	le := binary.LittleEndian
	header := func(name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, off, size uint64) {
		sh := make([]byte, 64)
		le.PutUint32(sh[0:], name)
		le.PutUint32(sh[4:], uint32(typ))
		le.PutUint64(sh[8:], uint64(flags))
		le.PutUint64(sh[16:], addr)
		le.PutUint64(sh[24:], off)
		le.PutUint64(sh[32:], size)
		le.PutUint64(sh[48:], 1)
		buf = append(buf, sh...)
	}
	header(0, elf.SHT_NULL, 0, 0, 0, 0)
	for i, s := range sections {
		header(nameOff[i], s.typ, s.flags, s.addr, offsets[i], uint64(len(s.data)))
	}
	header(shstrName, elf.SHT_STRTAB, 0, 0, shstrOff, uint64(len(shstrtab)))

	copy(buf[0:], elf.ELFMAG)
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[58:], 64)
	le.PutUint16(buf[60:], uint16(len(sections)+2))
	le.PutUint16(buf[62:], uint16(len(sections)+1))
	return buf
}

func textBytes(ins ...uint64) []byte {
	out := make([]byte, 0, 8*len(ins))
	for _, w := range ins {
		out = binary.LittleEndian.AppendUint64(out, w)
	}
	return out
}

func TestLoadELF(t *testing.T) {
	text := textBytes(
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 42),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	image := buildELF(elf.EM_BPF, 0x1008,
		testSection{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x1000, data: text},
		testSection{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, addr: 0x2000, data: []byte("hi")},
	)
	if !IsImage(image) {
		t.Fatal("IsImage() = false for ELF")
	}

	prog, err := Load(image)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if prog.Entry != 1 {
		t.Errorf("Entry = %d, want 1", prog.Entry)
	}
	if len(prog.RO) != 0x2002 || string(prog.RO[0x2000:]) != "hi" {
		t.Errorf("RO layout wrong: len %d", len(prog.RO))
	}

	r0, err := sbpf.NewInterpreter(prog, nil, sbpf.Options{}).Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 42 {
		t.Errorf("Run() = %d, want 42", r0)
	}
}

func TestLoadELFRejects(t *testing.T) {
	text := textBytes(sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0))

	tests := []struct {
		name  string
		image []byte
		want  error
	}{
		{
			name: "wrong machine",
			image: buildELF(elf.EM_X86_64, 0,
				testSection{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text}),
			want: ErrUnsupportedMachine,
		},
		{
			name: "missing text",
			image: buildELF(elf.EM_BPF, 0,
				testSection{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: []byte("x")}),
			want: ErrNoTextSection,
		},
		{
			name:  "truncated",
			image: []byte("\x7fELF\x02\x01"),
			want:  ErrInvalidImage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.image); !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadRaw(t *testing.T) {
	image := Raw(
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 7),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	if !IsImage(image) {
		t.Fatal("IsImage() = false for raw image")
	}
	prog, err := Load(image)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(prog.Text) != 2 || prog.Entry != 0 {
		t.Fatalf("unexpected program: %+v", prog)
	}
	r0, err := sbpf.NewInterpreter(prog, nil, sbpf.Options{}).Run()
	if err != nil || r0 != 7 {
		t.Errorf("Run() = %d, %v; want 7", r0, err)
	}

	for _, bad := range [][]byte{[]byte(RawPrefix), []byte(RawPrefix + "abc")} {
		if _, err := Load(bad); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("Load(%q) error = %v, want ErrInvalidImage", bad, err)
		}
	}
}

func TestIsImage(t *testing.T) {
	if IsImage([]byte("\x00asm\x01\x00\x00\x00")) {
		t.Error("IsImage() = true for wasm")
	}
	if IsImage(nil) {
		t.Error("IsImage() = true for empty input")
	}
}
