package asm

import (
	"encoding/binary"
	"fmt"
)

// Size of a single encoded instruction word, in bytes. A wide-immediate
// load occupies two consecutive words.
const InstructionSize = 8

// Instruction is a single decoded bytecode word.
type Instruction struct {
	OpCode   OpCode
	Dst, Src Register
	Offset   int16
	Constant int32
}

// Format implements fmt.Formatter for debugging and test failure messages.
func (ins Instruction) Format(f fmt.State, c rune) {
	if c != 'v' {
		fmt.Fprintf(f, "{unsupported verb %%%c}", c)
		return
	}
	if ins.OpCode.Class() == JumpClass && ins.OpCode.JumpOp() == Exit {
		fmt.Fprint(f, "Exit")
		return
	}
	fmt.Fprintf(f, "op=0x%02x dst=r%d src=r%d off=%d imm=%d", ins.OpCode, ins.Dst, ins.Src, ins.Offset, ins.Constant)
}

// Marshal encodes ins into an 8-byte word using byte order bo.
func (ins Instruction) Marshal(buf []byte, bo binary.ByteOrder) {
	buf[0] = byte(ins.OpCode)
	buf[1] = regPair(ins.Dst, ins.Src)
	bo.PutUint16(buf[2:4], uint16(ins.Offset))
	bo.PutUint32(buf[4:8], uint32(ins.Constant))
}

// Unmarshal decodes an 8-byte word into ins using byte order bo.
func (ins *Instruction) Unmarshal(buf []byte, bo binary.ByteOrder) {
	ins.OpCode = OpCode(buf[0])
	ins.Dst, ins.Src = splitRegPair(buf[1])
	ins.Offset = int16(bo.Uint16(buf[2:4]))
	ins.Constant = int32(bo.Uint32(buf[4:8]))
}

// Instructions is a sequence of decoded bytecode words, backed by a
// contiguous buffer the way the kernel expects to receive it.
type Instructions []Instruction

// Unmarshal decodes a raw instruction stream. len(raw) must be a multiple
// of InstructionSize.
func Unmarshal(raw []byte, bo binary.ByteOrder) Instructions {
	insns := make(Instructions, len(raw)/InstructionSize)
	for i := range insns {
		insns[i].Unmarshal(raw[i*InstructionSize:], bo)
	}
	return insns
}

// Marshal encodes insns back into a raw byte buffer suitable for
// submission to the kernel.
func (insns Instructions) Marshal(bo binary.ByteOrder) []byte {
	raw := make([]byte, len(insns)*InstructionSize)
	for i, ins := range insns {
		ins.Marshal(raw[i*InstructionSize:], bo)
	}
	return raw
}

// PatchLoadMapFD rewrites the instruction at idx, which must be the first
// word of a wide-immediate load, so that its source register marks it as
// a map file descriptor reference and its immediate carries fd. The
// second word of the load (the high 32 bits) is left untouched.
func (insns Instructions) PatchLoadMapFD(idx int, fd int32) error {
	if idx < 0 || idx >= len(insns) {
		return fmt.Errorf("instruction index %d out of range (%d instructions)", idx, len(insns))
	}
	ins := &insns[idx]
	if !ins.OpCode.IsLoadImm64() {
		return fmt.Errorf("instruction %d is not a wide-immediate load", idx)
	}
	ins.Src = PseudoMapFD
	ins.Constant = fd
	return nil
}

// PatchCall adjusts the relative call immediate at idx by delta, turning
// a pre-inlining call target into a branch relative to the final,
// spliced-together instruction stream.
func (insns Instructions) PatchCall(idx int, delta int32) error {
	if idx < 0 || idx >= len(insns) {
		return fmt.Errorf("instruction index %d out of range (%d instructions)", idx, len(insns))
	}
	ins := &insns[idx]
	if !ins.OpCode.IsCall() {
		return fmt.Errorf("instruction %d is not a call", idx)
	}
	ins.Constant += delta
	return nil
}
