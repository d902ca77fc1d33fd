package sbpf

// Instruction classes (bits 0-2).
const (
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Operand source (bit 3).
const (
	SrcK = 0x00 // immediate
	SrcX = 0x08 // register
)

// ALU operations (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Memory access sizes (bits 3-4).
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18
)

// ModeMem is the only load/store addressing mode sBPF accepts.
const ModeMem = 0x60

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Frequently used composed opcodes.
const (
	OpLddw      = ClassLd | SizeDW // 0x18, spans two slots
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh
	OpNeg64     = ClassAlu64 | AluNeg
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov
	OpAdd32Imm  = ClassAlu | SrcK | AluAdd
	OpMov32Imm  = ClassAlu | SrcK | AluMov
	OpLe        = ClassAlu | SrcK | AluEnd
	OpBe        = ClassAlu | SrcX | AluEnd
	OpLdxb      = ClassLdx | ModeMem | SizeB
	OpLdxh      = ClassLdx | ModeMem | SizeH
	OpLdxw      = ClassLdx | ModeMem | SizeW
	OpLdxdw     = ClassLdx | ModeMem | SizeDW
	OpStb       = ClassSt | ModeMem | SizeB
	OpStw       = ClassSt | ModeMem | SizeW
	OpStxb      = ClassStx | ModeMem | SizeB
	OpStxw      = ClassStx | ModeMem | SizeW
	OpStxdw     = ClassStx | ModeMem | SizeDW
	OpJa        = ClassJmp | JmpJa
	OpJeqImm    = ClassJmp | SrcK | JmpJeq
	OpJneImm    = ClassJmp | SrcK | JmpJne
	OpJgtReg    = ClassJmp | SrcX | JmpJgt
	OpJsltImm   = ClassJmp | SrcK | JmpJslt
	OpJeq32Imm  = ClassJmp32 | SrcK | JmpJeq
	OpCall      = ClassJmp | JmpCall
	OpExit      = ClassJmp | JmpExit
)

// Encode packs an instruction.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// decode unpacks an instruction.
func decode(ins uint64) (op, dst, src uint8, off int16, imm int32) {
	return uint8(ins), uint8(ins>>8) & 0x0F, uint8(ins>>12) & 0x0F, int16(ins >> 16), int32(ins >> 32)
}
