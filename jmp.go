//go:build linux

package detour

import "encoding/binary"

// JmpAbs encodes an absolute jump to target: FF 25 00000000
// (jmp [rip+0]) followed by the 8-byte address, 14 bytes total. Unlike
// the rel32 form it reaches any address, which is what a hook payload
// needs when the replacement lives anywhere in the address space.
func JmpAbs(target uintptr) []byte {
	out := make([]byte, 14)
	out[0], out[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(out[6:], uint64(target))
	return out
}
