//go:build linux

// Package memregion queries the process address space and changes page
// protections. It is the only package that parses /proc/self/maps or
// calls mprotect, and the only place raw addresses are turned into byte
// slices.
package memregion

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrUnmapped reports that no mapping contains the queried address.
var ErrUnmapped = errors.New("memregion: address is not mapped")

// Protection is a set of page permission bits.
type Protection uint8

const (
	Read Protection = 1 << iota
	Write
	Exec
)

// RWX grants every permission.
const RWX = Read | Write | Exec

func (p Protection) String() string {
	b := []byte("---")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p Protection) flags() int {
	f := unix.PROT_NONE
	if p&Read != 0 {
		f |= unix.PROT_READ
	}
	if p&Write != 0 {
		f |= unix.PROT_WRITE
	}
	if p&Exec != 0 {
		f |= unix.PROT_EXEC
	}
	return f
}

// Region is one contiguous mapping of the process address space.
type Region struct {
	Start uintptr
	End   uintptr
	Prot  Protection
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Query returns the mapping containing addr, or ErrUnmapped when the
// address falls in a hole. The kernel reports contiguous mapped extents
// only, so free space is whatever Query does not find.
func Query(addr uintptr) (Region, error) {
	var found Region
	ok := false
	err := eachRegion(func(r Region) bool {
		if r.Contains(addr) {
			found = r
			ok = true
			return false
		}
		// maps lines are sorted by address
		return r.Start <= addr
	})
	if err != nil {
		return Region{}, err
	}
	if !ok {
		return Region{}, fmt.Errorf("%w: %#x", ErrUnmapped, addr)
	}
	return found, nil
}

// QueryRange returns every mapping overlapping [addr, addr+length).
func QueryRange(addr uintptr, length int) ([]Region, error) {
	end := addr + uintptr(length)
	var out []Region
	err := eachRegion(func(r Region) bool {
		if r.End > addr && r.Start < end {
			out = append(out, r)
		}
		return r.Start < end
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// eachRegion walks /proc/self/maps in address order until fn returns
// false.
func eachRegion(fn func(Region) bool) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return fmt.Errorf("memregion: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, err := parseLine(sc.Text())
		if err != nil {
			return err
		}
		if !fn(r) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("memregion: reading maps: %w", err)
	}
	return nil
}

// parseLine parses one maps line, e.g.
// "7f1c08000000-7f1c08021000 rw-p 00000000 00:00 0 [heap]".
func parseLine(line string) (Region, error) {
	addrs, rest, ok := strings.Cut(line, " ")
	lo, hi, ok2 := strings.Cut(addrs, "-")
	if !ok || !ok2 || len(rest) < 4 {
		return Region{}, fmt.Errorf("memregion: malformed maps line %q", line)
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("memregion: malformed maps line %q", line)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("memregion: malformed maps line %q", line)
	}
	var prot Protection
	if rest[0] == 'r' {
		prot |= Read
	}
	if rest[1] == 'w' {
		prot |= Write
	}
	if rest[2] == 'x' {
		prot |= Exec
	}
	return Region{Start: uintptr(start), End: uintptr(end), Prot: prot}, nil
}

// Protect sets prot on the pages covering [addr, addr+length).
func Protect(addr uintptr, length int, prot Protection) error {
	start := PageFloor(addr)
	end := PageCeil(addr + uintptr(length))
	data := Span{Base: start, Len: int(end - start)}.Bytes()
	if err := unix.Mprotect(data, prot.flags()); err != nil {
		return fmt.Errorf("memregion: mprotect %#x-%#x %s: %w", start, end, prot, err)
	}
	return nil
}

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size.
func PageSize() uintptr { return pageSize }

// PageFloor rounds addr down to a page boundary.
func PageFloor(addr uintptr) uintptr { return addr &^ (pageSize - 1) }

// PageCeil rounds addr up to a page boundary.
func PageCeil(addr uintptr) uintptr { return (addr + pageSize - 1) &^ (pageSize - 1) }
