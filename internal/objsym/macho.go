package objsym

import (
	"debug/macho"
	"io"
)

type machoTable struct {
	file *macho.File
}

func openMachO(r io.ReaderAt) (table, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoTable{file: f}, nil
}

func (t *machoTable) symbols() (map[string]uintptr, error) {
	out := make(map[string]uintptr)
	if t.file.Symtab == nil {
		return out, nil
	}
	for _, s := range t.file.Symtab.Syms {
		out[s.Name] = uintptr(s.Value)
	}
	return out, nil
}
