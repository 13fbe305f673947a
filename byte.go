//go:build linux

package detour

import (
	"github.com/detour-go/detour/internal/memregion"
)

// BytePatcher overwrites raw bytes in place. It never fails on its own;
// the caller is responsible for loc being valid and writable for the
// length of the patch. Wrap it in a PermissionWrapper for locations
// that are not normally writable.
type BytePatcher struct{}

// Patch snapshots exactly len(data) bytes at loc, overwrites them, and
// returns the guard holding the snapshot.
func (BytePatcher) Patch(loc uintptr, data []byte) (Guard, error) {
	span := memregion.Span{Base: loc, Len: len(data)}
	g := &byteGuard{span: span, original: span.Read()}
	span.Write(data)
	return g, nil
}

type byteGuard struct {
	span     memregion.Span
	original []byte
	released bool
}

// Restore writes the captured bytes back verbatim.
func (g *byteGuard) Restore() error {
	if g.released {
		return ErrAlreadyRestored
	}
	g.released = true
	g.span.Write(g.original)
	return nil
}
