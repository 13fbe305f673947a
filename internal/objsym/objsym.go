// Package objsym reads symbol tables from on-disk object files so hook
// sites can be located by name.
package objsym

import (
	"fmt"
	"io"
	"os"
)

type table interface {
	symbols() (map[string]uintptr, error)
}

var formats = []func(io.ReaderAt) (table, error){
	openELF,
	openMachO,
}

// Read returns the symbol table of the object file at path, mapping
// names to their linked addresses.
func Read(path string) (map[string]uintptr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for _, open := range formats {
		t, err := open(f)
		if err != nil {
			continue
		}
		return t.symbols()
	}
	return nil, fmt.Errorf("objsym: %s: unrecognized object format", path)
}
