// Package kprobes reads the kernel's registry of installed kprobes.
package kprobes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultListPath is where debugfs exposes the registry.
const DefaultListPath = "/sys/kernel/debug/kprobes/list"

// ErrNotListed means no usable entry exists for the symbol.
var ErrNotListed = errors.New("symbol not listed")

// Entry is one line of the registry, e.g.
//
//	ffffffff8131e2d0  k  do_sys_openat2+0x0    [FTRACE]
type Entry struct {
	Addr   uint64
	Kind   string // k, r or f
	Symbol string
	Offset uint64
	Module string
	Flags  []string
}

// ParseList parses the registry.
func ParseList(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 fields, got %d", line, len(fields))
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing address: %w", line, err)
		}

		entry := Entry{Addr: addr, Kind: fields[1]}

		sym, off, found := strings.Cut(fields[2], "+")
		entry.Symbol = sym
		if found {
			entry.Offset, err = strconv.ParseUint(strings.TrimPrefix(off, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing offset: %w", line, err)
			}
		}

		for _, f := range fields[3:] {
			f = strings.Trim(f, "[]")
			switch f {
			case "DISABLED", "GONE", "OPTIMIZED", "FTRACE":
				entry.Flags = append(entry.Flags, f)
			default:
				entry.Module = f
			}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kprobe list: %w", err)
	}
	return entries, nil
}

// Find returns the entry address of symbol: the first live kprobe placed at
// offset 0. Addresses hidden by kptr_restrict read as zero and do not count.
func Find(entries []Entry, symbol string) (uint64, error) {
	for _, e := range entries {
		if e.Symbol != symbol || e.Kind != "k" || e.Offset != 0 || e.Addr == 0 {
			continue
		}
		if e.has("GONE") {
			continue
		}
		return e.Addr, nil
	}
	return 0, fmt.Errorf("%s: %w", symbol, ErrNotListed)
}

// Lookup reads the registry at path and finds symbol in it.
func Lookup(path, symbol string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening kprobe list: %w", err)
	}
	defer f.Close()

	entries, err := ParseList(f)
	if err != nil {
		return 0, err
	}
	return Find(entries, symbol)
}

func (e Entry) has(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
