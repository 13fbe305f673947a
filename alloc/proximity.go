//go:build linux

package alloc

import (
	"fmt"
	"log/slog"

	"github.com/detour-go/detour/internal/memregion"
)

// proximity owns the pool set. The caller (Allocator) holds the lock.
type proximity struct {
	maxDistance uintptr
	pools       []*slicePool
	log         *slog.Logger
}

// allocate returns a chunk whose address lies within maxDistance of
// origin, mapping a new pool when no existing one can serve.
func (p *proximity) allocate(origin uintptr, size int) (memregion.Span, error) {
	lo := satSub(origin, p.maxDistance)
	hi := satAdd(origin, p.maxDistance)

	if s, ok := p.allocateFromPools(lo, hi, size); ok {
		return s, nil
	}
	return p.allocateNewPool(origin, lo, hi, size)
}

// allocateFromPools first-fits the request into any pool whose entire
// span lies inside [lo, hi). A pool partially outside the range is never
// used, even when the chunk itself would land inside.
func (p *proximity) allocateFromPools(lo, hi uintptr, size int) (memregion.Span, bool) {
	for _, pool := range p.pools {
		base := pool.base()
		end := base + uintptr(pool.size())
		if base < lo || end > hi {
			continue
		}
		if s, ok := pool.alloc(size); ok {
			return s, true
		}
	}
	return memregion.Span{}, false
}

// allocateNewPool scans for a free region near origin and maps a pool
// there. After is tried before Before on every platform: macOS-class
// systems cannot map fixed memory below the process base, and uniform
// ordering keeps behavior predictable.
func (p *proximity) allocateNewPool(origin, lo, hi uintptr, size int) (memregion.Span, error) {
	poolSize := int(memregion.PageCeil(uintptr(size)))

	scans := []*regionScan{
		newRegionScan(origin, lo, hi, scanAfter),
		newRegionScan(origin, lo, hi, scanBefore),
	}
	for _, scan := range scans {
		for {
			addr, ok, err := scan.next()
			if !ok {
				break
			}
			if err != nil {
				return memregion.Span{}, fmt.Errorf("alloc: region scan near %#x: %w", origin, err)
			}
			pool, err := mapPool(addr, poolSize)
			if err != nil {
				// Any candidate can fail to map (raced mapping, hint
				// misplacement); only exhausting the scan is fatal.
				p.log.Debug("pool candidate rejected", "addr", fmt.Sprintf("%#x", addr), "err", err)
				continue
			}
			s, ok := pool.alloc(size)
			if !ok {
				// poolSize >= size, so a fresh pool always fits
				panic("alloc: fresh pool cannot satisfy its own request")
			}
			p.pools = append(p.pools, pool)
			p.log.Debug("pool mapped", "base", fmt.Sprintf("%#x", pool.base()), "size", pool.size())
			return s, nil
		}
	}
	return memregion.Span{}, ErrOutOfMemory
}

// release frees the chunk at addr, unmapping the owning pool when its
// last chunk goes away. The owning pool is recovered by address
// containment; a miss is a broken invariant, not a runtime condition.
func (p *proximity) release(addr uintptr) error {
	for i, pool := range p.pools {
		if !pool.contains(addr) {
			continue
		}
		if !pool.free(addr) {
			panic(fmt.Sprintf("alloc: release of unknown chunk %#x", addr))
		}
		if pool.count() == 0 {
			p.pools = append(p.pools[:i], p.pools[i+1:]...)
			p.log.Debug("pool unmapped", "base", fmt.Sprintf("%#x", pool.base()), "size", pool.size())
			return pool.unmap()
		}
		return nil
	}
	panic(fmt.Sprintf("alloc: no pool contains %#x", addr))
}
