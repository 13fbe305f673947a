package objsym

import (
	"debug/elf"
	"errors"
	"io"
)

type elfTable struct {
	file *elf.File
}

func openELF(r io.ReaderAt) (table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfTable{file: f}, nil
}

func (t *elfTable) symbols() (map[string]uintptr, error) {
	out := make(map[string]uintptr)

	syms, err := t.file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range syms {
		out[s.Name] = uintptr(s.Value)
	}

	// Stripped binaries may still carry a dynamic symbol table.
	dyn, err := t.file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range dyn {
		if _, dup := out[s.Name]; !dup {
			out[s.Name] = uintptr(s.Value)
		}
	}
	return out, nil
}
