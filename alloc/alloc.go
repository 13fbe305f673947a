//go:build linux

// Package alloc hands out executable memory within a bounded distance
// of an arbitrary address, so that 32-bit relative branches can reach
// it. Memory is carved from fixed-address pools placed by scanning the
// process address space outward from the requested origin; a pool is
// unmapped when its last allocation is freed.
package alloc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/detour-go/detour/internal/memregion"
)

// MaxDetourRange is the furthest usable distance between a hook site
// and its trampoline: the largest displacement a 32-bit relative branch
// can encode (2 GiB).
const MaxDetourRange uintptr = 0x8000_0000

// ErrOutOfMemory reports that no free region within the proximity bound
// could be found or mapped, or that no pool had space.
var ErrOutOfMemory = errors.New("alloc: out of memory within proximity range")

// ErrFreed reports a second Free of the same allocation.
var ErrFreed = errors.New("alloc: memory already freed")

// Allocator owns a set of executable memory pools and serializes all
// access to them. Hook installation is a setup-time operation, so one
// lock over the whole allocator is contention we accept.
type Allocator struct {
	mu   sync.Mutex
	prox proximity
}

// New returns an allocator whose allocations never land further than
// maxDistance from their origin.
func New(maxDistance uintptr) *Allocator {
	return &Allocator{prox: proximity{
		maxDistance: maxDistance,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}}
}

// SetLogger routes the allocator's debug logging to l.
func (a *Allocator) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	a.mu.Lock()
	a.prox.log = l
	a.mu.Unlock()
}

// Allocate returns size bytes of read-write-executable memory whose
// address lies within the allocator's distance bound of origin,
// saturating at the ends of the address space.
func (a *Allocator) Allocate(origin uintptr, size int) (*ExecutableMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc: invalid size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.prox.allocate(origin, size)
	if err != nil {
		return nil, err
	}
	return &ExecutableMemory{owner: a, span: s}, nil
}

func (a *Allocator) release(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prox.release(addr)
}

// PoolCount reports the number of live pools, for diagnostics and
// tests.
func (a *Allocator) PoolCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prox.pools)
}

// ExecutableMemory is one live allocation. It has exactly one owner;
// Free consumes it and may unmap the backing pool.
type ExecutableMemory struct {
	owner *Allocator
	span  memregion.Span
	freed bool
}

// Addr returns the allocation's base address.
func (m *ExecutableMemory) Addr() uintptr { return m.span.Base }

// Len returns the allocation's length in bytes.
func (m *ExecutableMemory) Len() int { return m.span.Len }

// Bytes aliases the allocated memory.
func (m *ExecutableMemory) Bytes() []byte {
	if m.freed {
		panic("alloc: Bytes on freed memory")
	}
	return m.span.Bytes()
}

// Free returns the memory to its allocator. The owning pool is unmapped
// when this was its last live allocation.
func (m *ExecutableMemory) Free() error {
	if m.freed {
		return ErrFreed
	}
	m.freed = true
	return m.owner.release(m.span.Base)
}

var (
	defaultOnce  sync.Once
	defaultAlloc *Allocator
)

// Default returns the process-wide allocator, created on first use with
// MaxDetourRange.
func Default() *Allocator {
	defaultOnce.Do(func() {
		defaultAlloc = New(MaxDetourRange)
	})
	return defaultAlloc
}

// AllocateExecutable allocates from the process-wide allocator.
func AllocateExecutable(origin uintptr, size int) (*ExecutableMemory, error) {
	return Default().Allocate(origin, size)
}
