//go:build linux

package detour

import (
	"fmt"

	"github.com/detour-go/detour/internal/objsym"
)

// Symbols reads the symbol table of the object file at path, mapping
// symbol names to their linked addresses. Useful for picking hook sites
// by name; for a position-independent binary the caller must add the
// load bias.
func Symbols(path string) (map[string]uintptr, error) {
	return objsym.Read(path)
}

// SymbolAddress resolves one symbol from the object file at path.
func SymbolAddress(path, name string) (uintptr, error) {
	syms, err := objsym.Read(path)
	if err != nil {
		return 0, err
	}
	addr, ok := syms[name]
	if !ok {
		return 0, fmt.Errorf("detour: symbol %q not found in %s", name, path)
	}
	return addr, nil
}
