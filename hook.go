//go:build linux

package detour

import (
	"fmt"

	"github.com/detour-go/detour/alloc"
)

// Hook is an installed inline hook: execution entering target lands in
// replacement, and the displaced target prologue stays callable through
// the trampoline.
type Hook struct {
	code  *CodePatcher
	guard Guard
}

// Install redirects execution at target to replacement by writing an
// absolute jump over the target's first instructions. The trampoline
// comes from the process-wide proximity allocator.
func Install(target, replacement uintptr) (*Hook, error) {
	return install(alloc.Default(), target, replacement)
}

// InstallIn is Install with an explicit trampoline allocator.
func InstallIn(a *alloc.Allocator, target, replacement uintptr) (*Hook, error) {
	return install(a, target, replacement)
}

func install(a *alloc.Allocator, target, replacement uintptr) (*Hook, error) {
	code, err := NewCodePatcherIn(a, target, JmpAbs(replacement))
	if err != nil {
		return nil, err
	}
	guard, err := code.Patch()
	if err != nil {
		freeQuietly(code.trampoline)
		return nil, err
	}
	logger.Debug("hook installed",
		"target", fmt.Sprintf("%#x", target),
		"replacement", fmt.Sprintf("%#x", replacement),
		"original", fmt.Sprintf("%#x", code.Original()))
	return &Hook{code: code, guard: guard}, nil
}

// Original returns the callable entry of the displaced target code.
func (h *Hook) Original() uintptr { return h.code.Original() }

// Uninstall restores the target bytes and releases the trampoline.
// One-shot; a second call reports ErrAlreadyRestored.
func (h *Hook) Uninstall() error {
	if err := h.guard.Restore(); err != nil {
		return err
	}
	return h.code.Close()
}
