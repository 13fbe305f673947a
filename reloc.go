//go:build linux

package detour

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const nop = 0x90

// decoded is one instruction lifted from the hook site.
type decoded struct {
	inst x86asm.Inst
	raw  []byte  // original encoding
	ip   uintptr // address the instruction was decoded at
}

// decodeCover decodes instructions from code, which resides at
// location, until they cover at least want bytes. Instructions are
// never split: the returned size is a sum of whole instruction lengths
// and may exceed want.
func decodeCover(code []byte, location uintptr, want int, arch Arch) ([]decoded, int, error) {
	var insts []decoded
	size := 0
	for size < want {
		inst, err := x86asm.Decode(code[size:], arch.Bits)
		if err != nil {
			return nil, 0, fmt.Errorf("detour: decode at %#x: %w", location+uintptr(size), err)
		}
		insts = append(insts, decoded{
			inst: inst,
			raw:  code[size : size+inst.Len],
			ip:   location + uintptr(size),
		})
		size += inst.Len
	}
	return insts, size, nil
}

// encodeRelocated re-encodes insts for a block starting at base and
// appends a jump back to ret, the first byte after the overwritten
// range. Position-relative operands are fixed up for their new
// addresses; rel8 branches are widened to rel32 forms because the
// displacement to the new block can exceed a byte.
func encodeRelocated(insts []decoded, base, ret uintptr, arch Arch) ([]byte, error) {
	out := make([]byte, 0, 2*len(insts)*arch.MaxInstrLen)
	for _, d := range insts {
		enc, err := relocate(d, base+uintptr(len(out)))
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	jmp, err := jmpRel32(base+uintptr(len(out)), ret)
	if err != nil {
		return nil, err
	}
	return append(out, jmp...), nil
}

// relocate produces the encoding of d as if it lived at ip. The
// decoder sets PCRel for RIP-relative memory operands as well as for
// branches, so the memory-operand case is dispatched first; only a
// code-relative displacement operand makes an instruction a branch.
func relocate(d decoded, ip uintptr) ([]byte, error) {
	off, ok, err := ripDispOffset(d)
	if err != nil {
		return nil, err
	}
	if ok {
		return relocateRIPOperand(d, ip, off)
	}
	if hasRelArg(d.inst) {
		return relocateBranch(d, ip)
	}
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out, nil
}

// hasRelArg reports whether the instruction carries a code-relative
// branch displacement.
func hasRelArg(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

// branchTarget resolves the absolute target of a PC-relative branch.
func branchTarget(d decoded) uintptr {
	var rel int64
	switch d.inst.PCRel {
	case 1:
		rel = int64(int8(d.raw[d.inst.PCRelOff]))
	case 2:
		rel = int64(int16(binary.LittleEndian.Uint16(d.raw[d.inst.PCRelOff:])))
	case 4:
		rel = int64(int32(binary.LittleEndian.Uint32(d.raw[d.inst.PCRelOff:])))
	}
	return d.ip + uintptr(d.inst.Len) + uintptr(rel)
}

// relocateBranch re-emits a PC-relative branch at ip with the same
// absolute target, always in the rel32 form. Branch hint prefixes are
// dropped. JRCXZ and the LOOP family have no rel32 encoding and cannot
// be relocated.
func relocateBranch(d decoded, ip uintptr) ([]byte, error) {
	target := branchTarget(d)
	oi := opcodeIndex(d.raw)
	op := d.raw[oi]

	switch {
	case op == 0xEB || op == 0xE9: // JMP rel8 / rel32
		return jmpRel32(ip, target)
	case op == 0xE8: // CALL rel32
		rel, ok := rel32(ip+5, target)
		if !ok {
			return nil, rangeErr(d, ip, target)
		}
		out := make([]byte, 5)
		out[0] = 0xE8
		binary.LittleEndian.PutUint32(out[1:], uint32(rel))
		return out, nil
	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		return jccRel32(op&0x0F, d, ip, target)
	case op == 0x0F && oi+1 < len(d.raw) && d.raw[oi+1] >= 0x80 && d.raw[oi+1] <= 0x8F: // Jcc rel32
		return jccRel32(d.raw[oi+1]&0x0F, d, ip, target)
	}
	return nil, fmt.Errorf("detour: branch %v at %#x has no 32-bit displacement form", d.inst.Op, d.ip)
}

func jccRel32(cc byte, d decoded, ip, target uintptr) ([]byte, error) {
	rel, ok := rel32(ip+6, target)
	if !ok {
		return nil, rangeErr(d, ip, target)
	}
	out := make([]byte, 6)
	out[0], out[1] = 0x0F, 0x80|cc
	binary.LittleEndian.PutUint32(out[2:], uint32(rel))
	return out, nil
}

// relocateRIPOperand keeps an instruction with a RIP-relative memory
// operand pointing at the same absolute address from its new location.
func relocateRIPOperand(d decoded, ip uintptr, off int) ([]byte, error) {
	out := make([]byte, len(d.raw))
	copy(out, d.raw)

	old := int32(binary.LittleEndian.Uint32(d.raw[off:]))
	target := d.ip + uintptr(d.inst.Len) + uintptr(int64(old))
	rel, ok := rel32(ip+uintptr(d.inst.Len), target)
	if !ok {
		return nil, rangeErr(d, ip, target)
	}
	binary.LittleEndian.PutUint32(out[off:], uint32(rel))
	return out, nil
}

// ripDispOffset locates the 32-bit displacement of a RIP-relative
// memory operand within the instruction bytes. ok is false when the
// instruction has no such operand; err reports an encoding the walker
// does not understand (VEX and friends).
func ripDispOffset(d decoded) (off int, ok bool, err error) {
	hasRIP := false
	for _, a := range d.inst.Args {
		if m, isMem := a.(x86asm.Mem); isMem && m.Base == x86asm.RIP {
			hasRIP = true
			break
		}
	}
	if !hasRIP {
		return 0, false, nil
	}

	i := opcodeIndex(d.raw)
	if d.raw[i] == 0x0F {
		i++
		if i < len(d.raw) && (d.raw[i] == 0x38 || d.raw[i] == 0x3A) {
			i++
		}
	}
	i++ // past the opcode byte, at ModRM
	if i >= len(d.raw) {
		return 0, false, fmt.Errorf("detour: cannot locate RIP displacement at %#x", d.ip)
	}
	// RIP-relative addressing is ModRM mod=00 rm=101, displacement
	// directly after ModRM, never a SIB byte.
	modrm := d.raw[i]
	if modrm>>6 != 0 || modrm&7 != 5 || i+5 > len(d.raw) {
		return 0, false, fmt.Errorf("detour: cannot locate RIP displacement at %#x", d.ip)
	}
	return i + 1, true, nil
}

// opcodeIndex returns the index of the first opcode byte, past any
// legacy and REX prefixes.
func opcodeIndex(raw []byte) int {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0x66, 0x67, 0xF0, 0xF2, 0xF3:
			i++
		default:
			if raw[i]&0xF0 == 0x40 { // REX
				i++
				continue
			}
			return i
		}
	}
	return i
}

// jmpRel32 emits JMP rel32 at ip targeting target.
func jmpRel32(ip, target uintptr) ([]byte, error) {
	rel, ok := rel32(ip+5, target)
	if !ok {
		return nil, fmt.Errorf("detour: jump from %#x to %#x exceeds rel32 range", ip, target)
	}
	out := make([]byte, 5)
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], uint32(rel))
	return out, nil
}

// rel32 computes target-next as a signed 32-bit displacement. The
// proximity allocator keeps trampolines within branch range, but the
// arithmetic is still checked.
func rel32(next, target uintptr) (int32, bool) {
	d := int64(target) - int64(next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

func rangeErr(d decoded, ip, target uintptr) error {
	return fmt.Errorf("detour: operand of %v moved from %#x to %#x cannot reach %#x", d.inst.Op, d.ip, ip, target)
}
