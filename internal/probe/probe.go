// Package probe reads and writes the tracee's address space and
// validates addresses against its mapped regions, parsed from
// /proc/pid/maps.
package probe

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/trailofbits/mttn/internal/ptrace"
	"github.com/trailofbits/mttn/internal/tracererr"
)

// Region is one mapped range from /proc/pid/maps.
type Region struct {
	Start, End  uint64
	Read, Write bool
	Exec        bool
	Filename    string
}

// Prober reads and writes a tracee's memory, reporting any failed
// transfer as a typed BadRead/BadWrite rather than a raw ptrace errno.
type Prober struct {
	handle *ptrace.Tracee
}

// New returns a Prober bound to handle.
func New(handle *ptrace.Tracee) *Prober {
	return &Prober{handle: handle}
}

// ReadMemory fills dst from the tracee's address space starting at addr.
// It tries process_vm_readv first and falls back to PTRACE_PEEKDATA
// whenever that call fails or transfers fewer than len(dst) bytes.
func (p *Prober) ReadMemory(addr uint32, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	n, err := p.handle.ProcessVMReadv(uintptr(addr), dst)
	if err == nil && n == len(dst) {
		return nil
	}
	if _, err := p.handle.PeekData(uintptr(addr), dst); err != nil {
		return p.classifyFault(addr, len(dst), false)
	}
	return nil
}

// WriteMemory writes src into the tracee's address space at addr.
func (p *Prober) WriteMemory(addr uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if _, err := p.handle.PokeData(uintptr(addr), src); err != nil {
		return p.classifyFault(addr, len(src), true)
	}
	return nil
}

// classifyFault turns a raw ptrace I/O failure into BadRead/BadWrite; the
// error kind is known from which direction failed. The tracee's memory
// map is not consulted here (see MemoryMap).
func (p *Prober) classifyFault(addr uint32, width int, write bool) error {
	if write {
		return tracererr.BadWrite{Addr: addr, Width: width}
	}
	return tracererr.BadRead{Addr: addr, Width: width}
}

// MemoryMap reads and parses /proc/pid/maps for the tracee, used by the
// --debug-on-fault diagnostic to report whether a faulting address was
// mapped at all.
func MemoryMap(pid int) ([]Region, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	var regions []Region
	for i, line := range strings.Split(string(buf), "\n") {
		if line == "" {
			continue
		}
		r, err := parseMapsLine(i+1, line)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// Contains reports whether [addr, addr+width) lies entirely within a
// single mapped, accessible region.
func Contains(regions []Region, addr uint32, width int, write bool) bool {
	end := uint64(addr) + uint64(width)
	for _, r := range regions {
		if uint64(addr) >= r.Start && end <= r.End {
			if write {
				return r.Write
			}
			return r.Read
		}
	}
	return false
}

func parseMapsLine(lineno int, line string) (Region, error) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return Region{}, fmt.Errorf("malformed /proc/pid/maps on line %d: %q", lineno, line)
	}
	bounds := strings.Split(fields[0], "-")
	if len(bounds) != 2 {
		return Region{}, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad address range)", lineno, line)
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, line, err)
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, line, err)
	}
	perm := fields[1]
	if len(perm) < 3 {
		return Region{}, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (permissions column too short)", lineno, line)
	}
	var filename string
	if len(fields) == 6 {
		filename = strings.TrimLeft(fields[5], " ")
	}
	return Region{
		Start:    start,
		End:      end,
		Read:     perm[0] == 'r',
		Write:    perm[1] == 'w',
		Exec:     perm[2] == 'x',
		Filename: filename,
	}, nil
}
