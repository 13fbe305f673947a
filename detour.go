//go:build linux

// Package detour installs inline hooks: it redirects execution at an
// arbitrary address to replacement code while keeping the displaced
// original instructions callable through a relocated trampoline.
//
// The patch layer is a stack of composable patchers. BytePatcher writes
// raw bytes, PermissionWrapper makes a location writable around an inner
// patcher, and CodePatcher orchestrates both on top of the proximity
// allocator in the alloc package. Every patch hands back a Guard that
// restores the site.
//
// Hooking a site while another thread executes it is inherently racy:
// writes wider than the machine word are not atomic and no attempt is
// made to stop the world. Callers must ensure the hook site is quiescent
// during install and restore.
package detour

import (
	"errors"
	"io"
	"log/slog"
)

// Patcher overwrites bytes at a location and hands back a Guard that
// undoes the write.
type Patcher interface {
	// Patch overwrites len(data) bytes at loc. The caller guarantees
	// that loc is valid for that length.
	Patch(loc uintptr, data []byte) (Guard, error)
}

// Guard restores a patched location. Restore is one-shot: the first
// call writes the original bytes back, later calls return
// ErrAlreadyRestored. Dropping a Guard without calling Restore leaves
// the patch in place forever.
type Guard interface {
	Restore() error
}

// ErrAlreadyRestored reports a Restore on a consumed guard.
var ErrAlreadyRestored = errors.New("detour: guard already restored")

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger routes the package's debug logging to l. The default
// discards everything.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}
