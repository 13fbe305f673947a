//go:build linux

package detour

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func mustDecode(t *testing.T, raw []byte, ip uintptr) decoded {
	t.Helper()
	inst, err := x86asm.Decode(raw, X86_64.Bits)
	if err != nil {
		t.Fatalf("decode %x: %v", raw, err)
	}
	if inst.Len != len(raw) {
		t.Fatalf("decode %x consumed %d bytes", raw, inst.Len)
	}
	return decoded{inst: inst, raw: raw, ip: ip}
}

func relTarget(t *testing.T, enc []byte, ip uintptr) uintptr {
	t.Helper()
	rel := int32(binary.LittleEndian.Uint32(enc[len(enc)-4:]))
	return uintptr(int64(ip) + int64(len(enc)) + int64(rel))
}

func TestDecodeCoverExactBoundary(t *testing.T) {
	code := bytes.Repeat([]byte{nop}, 32)
	insts, size, err := decodeCover(code, 0x1000, 2, X86_64)
	if err != nil {
		t.Fatalf("decodeCover failed: %v", err)
	}
	if size != 2 || len(insts) != 2 {
		t.Fatalf("size=%d insts=%d, want 2 and 2", size, len(insts))
	}
	if insts[1].ip != 0x1001 {
		t.Fatalf("second instruction ip = %#x", insts[1].ip)
	}
}

func TestDecodeCoverSingleByte(t *testing.T) {
	code := bytes.Repeat([]byte{nop}, 32)
	_, size, err := decodeCover(code, 0x1000, 1, X86_64)
	if err != nil {
		t.Fatalf("decodeCover failed: %v", err)
	}
	if size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}
}

func TestDecodeCoverNeverSplits(t *testing.T) {
	// A three-byte MOV straddles the requested two-byte boundary; the
	// cover must extend to its end.
	code := append([]byte{nop, 0x48, 0x89, 0xC8}, bytes.Repeat([]byte{nop}, 28)...)
	insts, size, err := decodeCover(code, 0x1000, 2, X86_64)
	if err != nil {
		t.Fatalf("decodeCover failed: %v", err)
	}
	if size != 4 {
		t.Fatalf("size = %d, want 4", size)
	}
	if len(insts) != 2 {
		t.Fatalf("insts = %d, want 2", len(insts))
	}
}

func TestRelocateVerbatim(t *testing.T) {
	raw := []byte{0x48, 0x89, 0xC8} // mov rax, rcx
	d := mustDecode(t, raw, 0x1000)
	enc, err := relocate(d, 0x2000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if !bytes.Equal(enc, raw) {
		t.Fatalf("position-independent instruction changed: %x", enc)
	}
}

func TestRelocateJmpRel8(t *testing.T) {
	d := mustDecode(t, []byte{0xEB, 0x05}, 0x1000) // jmp +5 -> 0x1007
	enc, err := relocate(d, 0x2000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if enc[0] != 0xE9 || len(enc) != 5 {
		t.Fatalf("not widened to JMP rel32: %x", enc)
	}
	if got := relTarget(t, enc, 0x2000); got != 0x1007 {
		t.Fatalf("target = %#x, want 0x1007", got)
	}
}

func TestRelocateJccRel8(t *testing.T) {
	d := mustDecode(t, []byte{0x74, 0x03}, 0x1000) // je +3 -> 0x1005
	enc, err := relocate(d, 0x2000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if enc[0] != 0x0F || enc[1] != 0x84 || len(enc) != 6 {
		t.Fatalf("not widened to JE rel32: %x", enc)
	}
	if got := relTarget(t, enc, 0x2000); got != 0x1005 {
		t.Fatalf("target = %#x, want 0x1005", got)
	}
}

func TestRelocateCallRel32(t *testing.T) {
	raw := []byte{0xE8, 0x10, 0x00, 0x00, 0x00} // call +0x10 -> 0x1015
	d := mustDecode(t, raw, 0x1000)
	enc, err := relocate(d, 0x3000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if enc[0] != 0xE8 || len(enc) != 5 {
		t.Fatalf("unexpected encoding: %x", enc)
	}
	if got := relTarget(t, enc, 0x3000); got != 0x1015 {
		t.Fatalf("target = %#x, want 0x1015", got)
	}
}

func TestRelocateRIPOperand(t *testing.T) {
	raw := []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00} // lea rax, [rip+0x10] -> 0x1017
	d := mustDecode(t, raw, 0x1000)
	enc, err := relocate(d, 0x3000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if len(enc) != len(raw) || !bytes.Equal(enc[:3], raw[:3]) {
		t.Fatalf("opcode bytes changed: %x", enc)
	}
	disp := int32(binary.LittleEndian.Uint32(enc[3:]))
	got := uintptr(int64(0x3000) + int64(len(enc)) + int64(disp))
	if got != 0x1017 {
		t.Fatalf("operand target = %#x, want 0x1017", got)
	}
}

func TestRelocateJmpIndirectRIP(t *testing.T) {
	// An indirect jump reads its target from memory; the RIP-relative
	// operand must be rebased, not widened like a direct branch.
	raw := []byte{0xFF, 0x25, 0x10, 0x00, 0x00, 0x00} // jmp [rip+0x10] -> slot 0x1016
	d := mustDecode(t, raw, 0x1000)
	enc, err := relocate(d, 0x3000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if len(enc) != len(raw) || !bytes.Equal(enc[:2], raw[:2]) {
		t.Fatalf("opcode bytes changed: %x", enc)
	}
	disp := int32(binary.LittleEndian.Uint32(enc[2:]))
	got := uintptr(int64(0x3000) + int64(len(enc)) + int64(disp))
	if got != 0x1016 {
		t.Fatalf("operand target = %#x, want 0x1016", got)
	}
}

func TestRelocateMovRIPOperand(t *testing.T) {
	raw := []byte{0x8B, 0x05, 0x20, 0x00, 0x00, 0x00} // mov eax, [rip+0x20] -> 0x1026
	d := mustDecode(t, raw, 0x1000)
	enc, err := relocate(d, 0x2000)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	disp := int32(binary.LittleEndian.Uint32(enc[2:]))
	got := uintptr(int64(0x2000) + int64(len(enc)) + int64(disp))
	if got != 0x1026 {
		t.Fatalf("operand target = %#x, want 0x1026", got)
	}
}

func TestRelocateLoopUnsupported(t *testing.T) {
	d := mustDecode(t, []byte{0xE2, 0xFE}, 0x1000) // loop .
	if _, err := relocate(d, 0x2000); err == nil {
		t.Fatal("LOOP relocation succeeded; it has no rel32 form")
	}
}

func TestRelocateRangeChecked(t *testing.T) {
	d := mustDecode(t, []byte{0xEB, 0x00}, 0x1000)
	// Moving the branch ~4 GiB away pushes the displacement out of the
	// signed 32-bit range.
	if _, err := relocate(d, 0x1000+1<<33); err == nil {
		t.Fatal("out-of-range relocation succeeded")
	}
}

func TestEncodeRelocatedAppendsReturnJump(t *testing.T) {
	code := bytes.Repeat([]byte{nop}, 32)
	insts, size, err := decodeCover(code, 0x1000, 2, X86_64)
	if err != nil {
		t.Fatalf("decodeCover failed: %v", err)
	}
	enc, err := encodeRelocated(insts, 0x2000, 0x1000+uintptr(size), X86_64)
	if err != nil {
		t.Fatalf("encodeRelocated failed: %v", err)
	}
	want := []byte{nop, nop, 0xE9}
	if !bytes.Equal(enc[:3], want) {
		t.Fatalf("prefix = %x, want %x", enc[:3], want)
	}
	if got := relTarget(t, enc, 0x2000); got != 0x1002 {
		t.Fatalf("return jump target = %#x, want 0x1002", got)
	}
}

func TestOpcodeIndex(t *testing.T) {
	cases := []struct {
		raw  []byte
		want int
	}{
		{[]byte{0xE9, 0, 0, 0, 0}, 0},
		{[]byte{0x48, 0x89, 0xC8}, 1},             // REX
		{[]byte{0x66, 0x90}, 1},                   // operand-size prefix
		{[]byte{0xF0, 0x48, 0x0F, 0xB1, 0x0A}, 2}, // lock + REX
	}
	for _, c := range cases {
		if got := opcodeIndex(c.raw); got != c.want {
			t.Fatalf("opcodeIndex(%x) = %d, want %d", c.raw, got, c.want)
		}
	}
}
