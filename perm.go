//go:build linux

package detour

import (
	"fmt"

	"github.com/detour-go/detour/internal/memregion"
)

// PermissionWrapper lets an inner patcher write to memory that is not
// normally writable. Around both the initial write and the restore it
// raises the covering pages to read-write-execute and then puts the
// prior protections back, so outside those two windows the site keeps
// its original flags.
type PermissionWrapper struct {
	inner Patcher
}

// WrapPermissions decorates p with protection handling.
func WrapPermissions(p Patcher) *PermissionWrapper {
	return &PermissionWrapper{inner: p}
}

// protRecord remembers the protection of one page-aligned stretch so it
// can be reinstated exactly.
type protRecord struct {
	span memregion.Span
	prot memregion.Protection
}

// Patch elevates the pages covering [loc, loc+len(data)), delegates to
// the inner patcher, and reverts the protections before returning. The
// returned guard repeats the elevate/revert dance for the restore.
func (w *PermissionWrapper) Patch(loc uintptr, data []byte) (Guard, error) {
	prior, err := queryProtections(loc, len(data))
	if err != nil {
		return nil, err
	}
	if err := memregion.Protect(loc, len(data), memregion.RWX); err != nil {
		return nil, err
	}

	inner, patchErr := w.inner.Patch(loc, data)

	// The site only needs to be writable for the write itself; a hook
	// must not leave its target page writable while installed.
	if err := reinstateProtections(prior); err != nil {
		if patchErr == nil {
			// Unwind the write before reporting; a half-applied patch
			// with broken protections is the worst outcome.
			if rerr := inner.Restore(); rerr != nil {
				return nil, fmt.Errorf("detour: protection revert failed (%v) and restore failed: %w", err, rerr)
			}
		}
		return nil, err
	}
	if patchErr != nil {
		return nil, patchErr
	}
	return &permGuard{
		inner: inner,
		loc:   loc,
		n:     len(data),
		prior: prior,
	}, nil
}

type permGuard struct {
	inner    Guard
	loc      uintptr
	n        int
	prior    []protRecord
	released bool
}

// Restore makes the site writable again, restores the original bytes,
// and reverts the protections strictly afterwards. A protection failure
// in this path means a hook was left dangling and is always surfaced.
func (g *permGuard) Restore() error {
	if g.released {
		return ErrAlreadyRestored
	}
	g.released = true

	if err := memregion.Protect(g.loc, g.n, memregion.RWX); err != nil {
		return fmt.Errorf("detour: cannot make %#x writable to restore: %w", g.loc, err)
	}
	restoreErr := g.inner.Restore()
	protErr := reinstateProtections(g.prior)
	if restoreErr != nil {
		return restoreErr
	}
	if protErr != nil {
		return fmt.Errorf("detour: bytes restored but protections not reverted: %w", protErr)
	}
	return nil
}

// queryProtections records the current protection of every mapping
// overlapping the page-aligned patch range, clipped to that range so
// reinstating never touches unrelated pages.
func queryProtections(loc uintptr, length int) ([]protRecord, error) {
	start := memregion.PageFloor(loc)
	end := memregion.PageCeil(loc + uintptr(length))

	regions, err := memregion.QueryRange(start, int(end-start))
	if err != nil {
		return nil, fmt.Errorf("detour: query protections at %#x: %w", loc, err)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("detour: no mapping at %#x", loc)
	}

	records := make([]protRecord, 0, len(regions))
	for _, r := range regions {
		lo := max(r.Start, start)
		hi := min(r.End, end)
		records = append(records, protRecord{
			span: memregion.Span{Base: lo, Len: int(hi - lo)},
			prot: r.Prot,
		})
	}
	return records, nil
}

func reinstateProtections(records []protRecord) error {
	for _, rec := range records {
		if err := memregion.Protect(rec.span.Base, rec.span.Len, rec.prot); err != nil {
			return err
		}
	}
	return nil
}
