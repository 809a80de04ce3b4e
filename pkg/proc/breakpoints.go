package proc

import (
	"errors"
	"fmt"
	"strings"
)

// WatchMode is the kind of access that triggers a watch.
type WatchMode uint8

const (
	WatchRead WatchMode = 1 << iota
	WatchWrite
	WatchExecute
)

func (m WatchMode) Read() bool    { return m&WatchRead != 0 }
func (m WatchMode) Write() bool   { return m&WatchWrite != 0 }
func (m WatchMode) Execute() bool { return m&WatchExecute != 0 }

func (m WatchMode) String() string {
	var b strings.Builder
	for _, f := range []struct {
		m WatchMode
		c byte
	}{{WatchRead, 'r'}, {WatchWrite, 'w'}, {WatchExecute, 'x'}} {
		if m&f.m != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// AddrSpace selects the address space a watch is placed in.
type AddrSpace uint8

const (
	Linear AddrSpace = iota
	Physical
)

func (s AddrSpace) String() string {
	if s == Physical {
		return "phys"
	}
	return "linear"
}

// WatchSpec describes a watch over [Addr, Addr+Len).
// Execution watches may be narrowed to instructions whose text starts
// with Prefix or contains Substr.
type WatchSpec struct {
	Space  AddrSpace
	Mode   WatchMode
	Addr   uint64
	Len    uint64
	Prefix string
	Substr string
}

// Contains reports whether addr lies inside the watched range.
func (s WatchSpec) Contains(addr uint64) bool {
	n := s.Len
	if n == 0 {
		n = 1
	}
	return addr >= s.Addr && addr-s.Addr < n
}

// Overlaps reports whether [addr, addr+size) intersects the watched range.
func (s WatchSpec) Overlaps(addr uint64, size int) bool {
	n := s.Len
	if n == 0 {
		n = 1
	}
	return addr < s.Addr+n && s.Addr < addr+uint64(size)
}

// MatchesText applies the instruction text filter of an execution watch.
func (s WatchSpec) MatchesText(text string) bool {
	text = strings.ToLower(text)
	if s.Prefix != "" && !strings.HasPrefix(text, strings.ToLower(s.Prefix)) {
		return false
	}
	if s.Substr != "" && !strings.Contains(text, strings.ToLower(s.Substr)) {
		return false
	}
	return true
}

func (s WatchSpec) String() string {
	str := fmt.Sprintf("%s %s %#x-%#x", s.Space, s.Mode, s.Addr, s.Addr+s.Len)
	if s.Prefix != "" {
		str += fmt.Sprintf(" prefix=%q", s.Prefix)
	}
	if s.Substr != "" {
		str += fmt.Sprintf(" substr=%q", s.Substr)
	}
	return str
}

var (
	// ErrStartOfRecording is returned when moving before the first cycle.
	ErrStartOfRecording = errors.New("reached start of recording")
	// ErrEndOfRecording is returned when moving past the last cycle.
	ErrEndOfRecording = errors.New("reached end of recording")
	// ErrRunning is returned when a run is requested while one is pending.
	ErrRunning = errors.New("substrate is already running")
)

// InvalidAddressError represents the result of
// attempting to access an address the target cannot read or watch.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

// NoBreakpointError is returned when trying to
// remove a watch or callback that does not exist.
type NoBreakpointError struct {
	ID int
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no watch or callback with id %d", nbp.ID)
}

// UnknownRegisterError is returned for register names the
// architecture does not define.
type UnknownRegisterError struct {
	Name string
}

func (e UnknownRegisterError) Error() string {
	return fmt.Sprintf("unknown register %q", e.Name)
}
