//go:build linux

package memregion

import "unsafe"

// Span is a raw view of process memory: a base address and a length.
// All pointer arithmetic and address-to-slice casts live here so the
// rest of the module never touches unsafe directly.
type Span struct {
	Base uintptr
	Len  int
}

// End returns the first address past the span.
func (s Span) End() uintptr { return s.Base + uintptr(s.Len) }

// Contains reports whether addr falls inside the span.
func (s Span) Contains(addr uintptr) bool {
	return addr >= s.Base && addr < s.End()
}

// Slice returns the sub-span [off, off+length) of s.
func (s Span) Slice(off, length int) Span {
	if off < 0 || length < 0 || off+length > s.Len {
		panic("memregion: sub-span out of bounds")
	}
	return Span{Base: s.Base + uintptr(off), Len: length}
}

// Bytes aliases the span's memory. The caller guarantees the span is
// mapped for the access it performs.
func (s Span) Bytes() []byte {
	if s.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(s.Base)), s.Len)
}

// Read copies the span's contents out.
func (s Span) Read() []byte {
	out := make([]byte, s.Len)
	copy(out, s.Bytes())
	return out
}

// Write copies data into the span. data must not exceed the span.
func (s Span) Write(data []byte) {
	if len(data) > s.Len {
		panic("memregion: write past span")
	}
	copy(s.Bytes(), data)
}
