//go:build linux

package alloc

import (
	"errors"

	"github.com/detour-go/detour/internal/memregion"
)

type scanDir int

const (
	scanAfter  scanDir = iota // ascending addresses
	scanBefore                // descending addresses
)

// regionScan enumerates candidate free-region addresses outward from an
// origin, page by page. Mapped regions are stepped over in whole extents
// since the kernel reports where mappings are, not where the holes are.
type regionScan struct {
	lo, hi  uintptr // half-open bound [lo, hi)
	current uintptr
	dir     scanDir
}

func newRegionScan(origin, lo, hi uintptr, dir scanDir) *regionScan {
	// Candidates feed mmap with a fixed address, which must be page
	// aligned. Mapped extents and the page step keep the cursor aligned
	// after the first candidate, so aligning the origin suffices.
	return &regionScan{lo: lo, hi: hi, current: memregion.PageFloor(origin), dir: dir}
}

// next reports the next unmapped candidate address. A region-query
// failure is returned with ok still true and the scan may continue on
// the following call. ok is false once the bound range is exhausted.
func (s *regionScan) next() (addr uintptr, ok bool, err error) {
	page := memregion.PageSize()
	for s.current > 0 && s.current >= s.lo && s.current < s.hi {
		r, err := memregion.Query(s.current)
		if err == nil {
			// Mapped: skip the whole extent, no candidate here.
			if s.dir == scanBefore {
				s.current = satSub(r.Start, page)
			} else {
				s.current = r.End
			}
			continue
		}

		// Advance one page so repeated calls enumerate successive
		// candidates instead of the same one.
		candidate := s.current
		if s.dir == scanBefore {
			s.current = satSub(s.current, page)
		} else {
			s.current += page
		}

		if errors.Is(err, memregion.ErrUnmapped) {
			return candidate, true, nil
		}
		return 0, true, err
	}
	return 0, false, nil
}

func satSub(a, b uintptr) uintptr {
	if a < b {
		return 0
	}
	return a - b
}

func satAdd(a, b uintptr) uintptr {
	c := a + b
	if c < a {
		return ^uintptr(0)
	}
	return c
}
