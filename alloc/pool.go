//go:build linux

package alloc

import (
	"fmt"
	"unsafe"

	"github.com/detour-go/detour/internal/memregion"

	"golang.org/x/sys/unix"
)

// slicePool carves chunks out of one fixed-address RWX mapping.
// Placement is first-fit over the gaps between live chunks; the span
// list stays sorted by offset, so the gaps are implicit.
type slicePool struct {
	data []byte // the whole mapping
	ptr  unsafe.Pointer
	live []chunk // sorted by offset
}

type chunk struct {
	off, len int
}

// mapPool maps size bytes of read-write-executable memory at exactly
// addr. MAP_FIXED_NOREPLACE makes the kernel fail instead of silently
// relocating or clobbering an existing mapping, so a raced candidate
// just moves the search along. ENOMEM and EEXIST are out-of-memory
// class failures; anything else is a real mmap error.
func mapPool(addr uintptr, size int) (*slicePool, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		if err == unix.ENOMEM || err == unix.EEXIST {
			return nil, fmt.Errorf("map pool at %#x: %w", addr, ErrOutOfMemory)
		}
		return nil, fmt.Errorf("map pool at %#x: %w", addr, err)
	}
	// Kernels without MAP_FIXED_NOREPLACE fall back to hint placement;
	// a pool anywhere but the scanned address is useless.
	if uintptr(ptr) != addr {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return nil, fmt.Errorf("map pool at %#x: placed at %#x: %w", addr, uintptr(ptr), ErrOutOfMemory)
	}
	return &slicePool{data: unsafe.Slice((*byte)(ptr), size), ptr: ptr}, nil
}

func (p *slicePool) unmap() error {
	if p.ptr == nil {
		return nil
	}
	if err := unix.MunmapPtr(p.ptr, uintptr(len(p.data))); err != nil {
		return fmt.Errorf("unmap pool at %#x: %w", p.base(), err)
	}
	p.ptr = nil
	return nil
}

func (p *slicePool) base() uintptr { return uintptr(unsafe.Pointer(&p.data[0])) }
func (p *slicePool) size() int     { return len(p.data) }
func (p *slicePool) count() int    { return len(p.live) }

func (p *slicePool) contains(addr uintptr) bool {
	return addr >= p.base() && addr < p.base()+uintptr(p.size())
}

// alloc returns a chunk of exactly size bytes, or false when no gap is
// wide enough.
func (p *slicePool) alloc(size int) (memregion.Span, bool) {
	if size <= 0 || size > len(p.data) {
		return memregion.Span{}, false
	}
	prev := 0
	for i, c := range p.live {
		if c.off-prev >= size {
			p.live = append(p.live, chunk{})
			copy(p.live[i+1:], p.live[i:])
			p.live[i] = chunk{off: prev, len: size}
			return memregion.Span{Base: p.base() + uintptr(prev), Len: size}, true
		}
		prev = c.off + c.len
	}
	if len(p.data)-prev >= size {
		p.live = append(p.live, chunk{off: prev, len: size})
		return memregion.Span{Base: p.base() + uintptr(prev), Len: size}, true
	}
	return memregion.Span{}, false
}

// free releases the chunk starting at addr and reports whether it was
// live.
func (p *slicePool) free(addr uintptr) bool {
	off := int(addr - p.base())
	for i, c := range p.live {
		if c.off == off {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return true
		}
	}
	return false
}
