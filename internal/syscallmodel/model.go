// Package syscallmodel classifies syscall-entry and syscall-exit stops
// so the stepping loop can attribute the right memory accesses to a
// step that crosses into the kernel. Arguments follow the 32-bit
// int-0x80 calling convention: eax carries the syscall number and the
// return value, ebx/ecx/edx/esi/edi/ebp the six arguments.
//
// mttn never decodes a syscall's buffer contents itself: a syscall that
// touches memory (read, write, recv, ...) is modeled only as "this
// register holds a buffer pointer, that one holds a length", and the
// resulting MemoryAccesses are read back from the tracee after the
// syscall completes, the same way any other instruction's writes are.
package syscallmodel

import (
	"fmt"

	"github.com/trailofbits/mttn/internal/ir"
)

// AccessShape names what a syscall's arguments mean for memory tracing.
type AccessShape int

const (
	// Passthrough means the syscall touches no memory mttn should trace
	// (e.g. getpid, exit); its entry and exit produce no extra accesses
	// beyond the instruction's own (none, for int 0x80 itself).
	Passthrough AccessShape = iota
	// BufferIn means argument BufArg, of length LenArg (or FixedLen, when
	// FixedLen > 0), is read by the kernel from the tracee
	// (e.g. write's buffer).
	BufferIn
	// BufferOut means the kernel writes into the buffer at BufArg,
	// length LenArg, and the access should be recorded as a write at
	// syscall-exit once the kernel has actually filled it in (e.g.
	// read's buffer).
	BufferOut
)

// ArgIndex names one of the six int-0x80 argument registers.
type ArgIndex int

const (
	Arg1 ArgIndex = iota // ebx
	Arg2                 // ecx
	Arg3                 // edx
	Arg4                 // esi
	Arg5                 // edi
	Arg6                 // ebp
)

// Entry describes one modeled syscall.
type Entry struct {
	Name     string
	Shape    AccessShape
	BufArg   ArgIndex
	LenArg   ArgIndex
	FixedLen int // used instead of LenArg when set; FixedLen > 0 takes priority
}

// Model is a named, immutable table of Entry keyed by syscall number.
type Model struct {
	Name  string
	table map[int]Entry
	extra map[int]Entry
}

// Lookup returns the Entry for num, checking extensions registered via
// WithExtra first so configuration can override a builtin entry.
func (m Model) Lookup(num int) (Entry, bool) {
	if m.extra != nil {
		if e, ok := m.extra[num]; ok {
			return e, true
		}
	}
	e, ok := m.table[num]
	return e, ok
}

// WithExtra returns a copy of m with additional syscall numbers mapped
// to a named access shape, used to apply mttnconfig's
// extra-linux-syscalls/extra-decree-syscalls extensions.
func (m Model) WithExtra(numbered map[int]string) Model {
	extra := make(map[int]Entry, len(numbered))
	for num, shape := range numbered {
		e := Entry{Name: "configured"}
		switch shape {
		case "transmit-like":
			e.Shape, e.BufArg, e.LenArg = BufferIn, Arg2, Arg3
		case "receive-like":
			e.Shape, e.BufArg, e.LenArg = BufferOut, Arg2, Arg3
		default:
			e.Shape = Passthrough
		}
		extra[num] = e
	}
	return Model{Name: m.Name, table: m.table, extra: extra}
}

// ByName resolves "linux" or "decree" to their builtin Model, matching
// the CLI's --syscall-model flag and mttnconfig's syscall-model key.
func ByName(name string) (Model, error) {
	switch name {
	case "", "linux":
		return Linux, nil
	case "decree":
		return Decree, nil
	default:
		return Model{}, fmt.Errorf("unknown syscall model %q", name)
	}
}

// ArgValue extracts the value of idx from the int-0x80 argument
// registers as they stand in regs (valid at syscall-entry; ebx/ecx/edx/
// esi/edi/ebp are not kernel-clobbered by the syscall itself so they
// remain valid readable values at syscall-exit too, for entries that
// need e.g. the buffer pointer again to read back BufferOut data).
func ArgValue(idx ArgIndex, regs ir.Regs) uint32 {
	switch idx {
	case Arg1:
		return regs.Ebx
	case Arg2:
		return regs.Ecx
	case Arg3:
		return regs.Edx
	case Arg4:
		return regs.Esi
	case Arg5:
		return regs.Edi
	case Arg6:
		return regs.Ebp
	default:
		return 0
	}
}

// Len resolves an Entry's buffer length against the entry-time register
// file.
func (e Entry) Len(regsAtEntry ir.Regs) uint32 {
	if e.FixedLen > 0 {
		return uint32(e.FixedLen)
	}
	return ArgValue(e.LenArg, regsAtEntry)
}
