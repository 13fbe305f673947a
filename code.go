//go:build linux

package detour

import (
	"fmt"

	"github.com/detour-go/detour/alloc"
	"github.com/detour-go/detour/internal/memregion"
)

// BufferTooSmallError reports that the trampoline sizing heuristic came
// up short. The hook site has not been modified when this is returned;
// the sizes are exact so the heuristic can be tuned.
type BufferTooSmallError struct {
	Allocated int
	Needed    int
	Location  uintptr
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("detour: trampoline buffer too small (allocated %d, needed %d, location %#x)",
		e.Allocated, e.Needed, e.Location)
}

// execAllocator is what CodePatcher needs from the alloc package.
type execAllocator interface {
	Allocate(origin uintptr, size int) (*alloc.ExecutableMemory, error)
}

// CodePatcher prepares an inline patch over executable code. It decodes
// the instruction stream at the hook site, widens the overwrite to the
// next instruction boundary, relocates the displaced instructions into
// nearby executable memory with a jump back appended, and pads the
// caller's patch bytes with NOPs up to the widened size.
//
// Construction writes nothing at the hook site. Patch performs the
// write through a permission-wrapped byte patcher and returns the guard
// that undoes it; Original is callable as the unhooked code the whole
// time.
type CodePatcher struct {
	patcher    Patcher
	trampoline *alloc.ExecutableMemory
	payload    []byte
	location   uintptr
	size       int
	arch       Arch
}

// NewCodePatcher builds a patch for location using the process-wide
// proximity allocator.
//
// location must be readable for len(patch)+X86_64.MaxInstrLen bytes:
// the decoder may look one instruction past the requested length.
func NewCodePatcher(location uintptr, patch []byte) (*CodePatcher, error) {
	return newCodePatcher(alloc.Default(), location, patch, X86_64)
}

// NewCodePatcherIn is NewCodePatcher with an explicit allocator, for
// embedders that manage their own pools.
func NewCodePatcherIn(a *alloc.Allocator, location uintptr, patch []byte) (*CodePatcher, error) {
	return newCodePatcher(a, location, patch, X86_64)
}

func newCodePatcher(a execAllocator, location uintptr, patch []byte, arch Arch) (*CodePatcher, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("detour: empty patch for %#x", location)
	}

	// Bounded read: only the patch length plus one instruction of slack
	// is guaranteed readable by the caller's contract.
	code := memregion.Span{Base: location, Len: len(patch) + arch.MaxInstrLen}.Read()

	insts, size, err := decodeCover(code, location, len(patch), arch)
	if err != nil {
		return nil, err
	}

	// Relocation can grow instructions (rel8 branches become rel32), so
	// allocate with margin. Doubling alone is not enough for tiny
	// patches once the jump back is appended.
	trampoline, err := a.Allocate(location, 2*size+arch.MaxInstrLen)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeRelocated(insts, trampoline.Addr(), location+uintptr(size), arch)
	if err != nil {
		freeQuietly(trampoline)
		return nil, err
	}
	if len(encoded) > trampoline.Len() {
		freeQuietly(trampoline)
		return nil, &BufferTooSmallError{
			Allocated: trampoline.Len(),
			Needed:    len(encoded),
			Location:  location,
		}
	}
	copy(trampoline.Bytes(), encoded)

	// The overwritten range past the caller's bytes must not be left as
	// stale opcode fragments.
	payload := make([]byte, size)
	n := copy(payload, patch)
	for i := n; i < size; i++ {
		payload[i] = nop
	}

	logger.Debug("code patch built",
		"location", fmt.Sprintf("%#x", location),
		"overwrite", size,
		"trampoline", fmt.Sprintf("%#x", trampoline.Addr()))

	return &CodePatcher{
		patcher:    WrapPermissions(BytePatcher{}),
		trampoline: trampoline,
		payload:    payload,
		location:   location,
		size:       size,
		arch:       arch,
	}, nil
}

// Original returns the callable entry of the relocated original code.
// It behaves as the unpatched code regardless of patch status and stays
// valid until Close.
func (c *CodePatcher) Original() uintptr { return c.trampoline.Addr() }

// OverwriteLen returns the true overwrite size: the requested patch
// length widened to the next instruction boundary.
func (c *CodePatcher) OverwriteLen() int { return c.size }

// Patch writes the padded payload at the hook site and returns the
// guard that restores it.
func (c *CodePatcher) Patch() (Guard, error) {
	g, err := c.patcher.Patch(c.location, c.payload)
	if err != nil {
		return nil, err
	}
	logger.Debug("code patch applied", "location", fmt.Sprintf("%#x", c.location))
	return g, nil
}

// Close releases the trampoline. The patch must be restored first;
// Original is dangling afterwards.
func (c *CodePatcher) Close() error {
	return c.trampoline.Free()
}

func freeQuietly(m *alloc.ExecutableMemory) {
	if err := m.Free(); err != nil {
		logger.Debug("trampoline free failed", "err", err)
	}
}
