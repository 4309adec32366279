// Package resolve turns a decoded ir.Insn plus a pre-step register file
// into the ordered list of concrete memory accesses it will perform, and
// later fills in the write-side data once the step has actually executed.
//
// The work splits into two phases. Stage1 runs before the underlying
// single-step (so it can compute addresses from the pre-instruction
// register file, which is the only one available) and produces reads
// eagerly plus pending writes with their address and width but no data;
// Stage2 runs after the single-step and fills in the write data by
// reading the address back out of the child, now that the write has
// actually landed.
package resolve

import (
	"github.com/trailofbits/mttn/internal/decode"
	"github.com/trailofbits/mttn/internal/ir"
	"github.com/trailofbits/mttn/internal/logflags"
	"github.com/trailofbits/mttn/internal/tracererr"
)

// MemReader reads len(dst) bytes from the tracee's address space at addr.
// Implemented by the probe package; kept as an interface here so resolve
// has no direct ptrace dependency.
type MemReader interface {
	ReadMemory(addr uint32, dst []byte) error
}

// pending is a write whose address and width are known from stage1 but
// whose data can only be read back after the step completes.
type pending struct {
	addr  uint32
	width ir.Width
}

// Plan is the output of stage1: accesses ready to report (reads) plus
// writes still waiting on stage2.
type Plan struct {
	reads   []ir.MemoryAccess
	pending []pending
}

// Stage1 computes every memory address the instruction is about to touch,
// using only the register file as it stood before the step. Reads are
// resolved completely (the data is already there to read); writes are
// recorded with an address and width but no data yet, since the write
// hasn't happened.
func Stage1(insn ir.Insn, pre ir.Regs, mem MemReader) (Plan, error) {
	var plan Plan

	for _, op := range insn.Operands {
		switch op.Kind {
		case ir.OperandMem:
			kind := classifyMemOperand(insn, op)
			if kind == accessNone {
				continue
			}
			if op.Mem.Width == 0 {
				return Plan{}, tracererr.UnsupportedOperand{PC: pre.Eip, Detail: insn.Mnemonic + ": unsupported memory operand width"}
			}
			addr := effectiveAddress(op.Mem, pre)
			if kind == accessRead || kind == accessReadWrite {
				if err := addAccess(&plan, ir.Read, addr, op.Mem.Width, mem); err != nil {
					return Plan{}, err
				}
			}
			if kind == accessWrite || kind == accessReadWrite {
				if err := addAccess(&plan, ir.Write, addr, op.Mem.Width, mem); err != nil {
					return Plan{}, err
				}
			}
		case ir.OperandImplicit:
			accesses := implicitAccesses(insn, op, pre)
			for _, ia := range accesses {
				if err := addAccess(&plan, ia.dir, ia.addr, ia.width, mem); err != nil {
					return Plan{}, err
				}
			}
		}
	}

	if logflags.Decode() {
		logflags.DecodeLogger().Debugf("stage1 at 0x%08x: %d reads, %d pending writes", pre.Eip, len(plan.reads), len(plan.pending))
	}

	return plan, nil
}

func addAccess(plan *Plan, dir ir.Direction, addr uint32, width ir.Width, mem MemReader) error {
	switch dir {
	case ir.Read:
		buf := make([]byte, width)
		if err := mem.ReadMemory(addr, buf); err != nil {
			return tracererr.BadRead{Addr: addr, Width: int(width)}
		}
		plan.reads = append(plan.reads, ir.MemoryAccess{Addr: addr, Width: width, Direction: ir.Read, Data: buf})
	case ir.Write:
		plan.pending = append(plan.pending, pending{addr: addr, width: width})
	}
	return nil
}

// Stage2 fills in write data after the single-step has executed, reading
// each pending write's address back out of the now-stepped child.
// PTRACE_SINGLESTEP has already retired the instruction completely by
// the time the tracer regains control (string-instruction micro-ops
// don't span single-step boundaries on 386/i686), so the written bytes
// are final.
func Stage2(plan Plan, mem MemReader) ([]ir.MemoryAccess, error) {
	out := make([]ir.MemoryAccess, 0, len(plan.reads)+len(plan.pending))
	out = append(out, plan.reads...)

	for _, p := range plan.pending {
		buf := make([]byte, p.width)
		if err := mem.ReadMemory(p.addr, buf); err != nil {
			return nil, tracererr.BadWrite{Addr: p.addr, Width: int(p.width)}
		}
		out = append(out, ir.MemoryAccess{Addr: p.addr, Width: p.width, Direction: ir.Write, Data: buf})
	}

	return out, nil
}

func effectiveAddress(m ir.Mem, regs ir.Regs) uint32 {
	var addr uint32
	if m.HasBase {
		addr += regValue(m.Base, regs)
	}
	if m.HasIndex {
		scale := m.Scale
		if scale == 0 {
			scale = 1
		}
		addr += regValue(m.Index, regs) * uint32(scale)
	}
	addr += uint32(m.Disp)
	return addr
}

func regValue(id ir.RegID, regs ir.Regs) uint32 {
	switch id {
	case ir.EAX:
		return regs.Eax
	case ir.EBX:
		return regs.Ebx
	case ir.ECX:
		return regs.Ecx
	case ir.EDX:
		return regs.Edx
	case ir.ESI:
		return regs.Esi
	case ir.EDI:
		return regs.Edi
	case ir.EBP:
		return regs.Ebp
	case ir.ESP:
		return regs.Esp
	case ir.EIP:
		return regs.Eip
	default:
		return 0
	}
}

// accessKind is the read/write disposition of an explicit Mem operand.
type accessKind int

const (
	accessNone accessKind = iota
	accessRead
	accessWrite
	accessReadWrite
)

// classifyMemOperand decides whether an explicit Mem operand is read,
// written, or both. Most instructions with a single explicit memory
// operand either only read it
// (e.g. CMP, the second operand of MOV-from-memory) or only write it
// (e.g. the destination operand of MOV-to-memory); read-modify-write
// forms (INC [mem], ADD [mem], reg, the family of string-free ALU
// memory-destination opcodes) touch it twice, as a read then a write.
//
// x86asm's Args ordering follows Intel syntax (destination first), which
// this table uses to decide "first operand, when it is a Mem, = written"
// for the classic two-operand forms.
func classifyMemOperand(insn ir.Insn, op ir.Operand) accessKind {
	switch insn.Mnemonic {
	case "LEA":
		// LEA never touches memory: its Mem operand describes an address
		// computation only.
		return accessNone
	case "INC", "DEC", "NOT", "NEG":
		return accessReadWrite
	case "XCHG", "XADD", "CMPXCHG":
		// The memory operand is read and written back regardless of
		// which position it was encoded in.
		return accessReadWrite
	case "PUSH", "CALL", "LCALL", "JMP", "LJMP",
		"CMP", "TEST", "DIV", "IDIV", "MUL", "IMUL":
		// A memory operand here is a pure source even when it is the
		// only (or first) operand: PUSH [mem] and CALL [mem] read the
		// pushed value / call target, CMP and TEST never write back,
		// and the one-operand multiply/divide forms only read.
		return accessRead
	case "POP":
		return accessWrite
	}
	if isDestOperand(insn, op) {
		if isReadModifyWrite(insn.Mnemonic) {
			return accessReadWrite
		}
		return accessWrite
	}
	return accessRead
}

// isDestOperand reports whether op is the instruction's first operand
// (the destination, in Intel operand order) and that operand is a Mem.
func isDestOperand(insn ir.Insn, op ir.Operand) bool {
	return len(insn.Operands) > 0 && insn.Operands[0].Kind == ir.OperandMem && insn.Operands[0] == op
}

// isReadModifyWrite lists the mnemonics whose memory destination operand
// is both read and written. XCHG/XADD/CMPXCHG are handled earlier in
// classifyMemOperand since their memory operand can appear in either
// position.
func isReadModifyWrite(mnemonic string) bool {
	switch mnemonic {
	case "ADD", "SUB", "ADC", "SBB", "AND", "OR", "XOR",
		"SHL", "SHR", "SAR", "ROL", "ROR", "RCL", "RCR":
		return true
	default:
		return false
	}
}

// stringDstDirection reports whether the [edi] operand of a string
// instruction is read or written: MOVS/STOS write through it, CMPS/SCAS
// only read it for comparison.
func stringDstDirection(mnemonic string) ir.Direction {
	switch {
	case hasPrefix(mnemonic, "CMPS"), hasPrefix(mnemonic, "SCAS"):
		return ir.Read
	default:
		return ir.Write
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

type implicitAccess struct {
	dir   ir.Direction
	addr  uint32
	width ir.Width
}

// implicitAccesses computes the concrete address, direction, and width
// for the operands the Decoder could not spell out of the encoding:
// stack slots and string-instruction source/destination pointers.
func implicitAccesses(insn ir.Insn, op ir.Operand, regs ir.Regs) []implicitAccess {
	switch op.Implicit {
	case ir.ImplicitStackPush:
		// PUSH/CALL decrement esp by the slot width first, then write at
		// the new esp; the pre-step esp is the value before that
		// decrement, so the write address is esp minus the width the
		// Decoder reported (the operand size for PUSH, 4 for a CALL
		// return address).
		w := stackSlotWidth(op)
		return []implicitAccess{{dir: ir.Write, addr: regs.Esp - uint32(w), width: w}}
	case ir.ImplicitStackPop:
		if insn.Mnemonic == "LEAVE" {
			// LEAVE reloads esp from ebp before popping, so the saved
			// frame pointer is read from [ebp], not [esp].
			return []implicitAccess{{dir: ir.Read, addr: regs.Ebp, width: ir.Width4}}
		}
		return []implicitAccess{{dir: ir.Read, addr: regs.Esp, width: stackSlotWidth(op)}}
	case ir.ImplicitStringSrc:
		return []implicitAccess{{dir: ir.Read, addr: regs.Esi, width: decode.StringElementWidth(insn.Mnemonic)}}
	case ir.ImplicitStringDst:
		return []implicitAccess{{dir: stringDstDirection(insn.Mnemonic), addr: regs.Edi, width: decode.StringElementWidth(insn.Mnemonic)}}
	default:
		return nil
	}
}

// stackSlotWidth returns the width the Decoder attached to an implicit
// stack operand, defaulting to a full 4-byte slot when none was set.
func stackSlotWidth(op ir.Operand) ir.Width {
	if op.Width != 0 {
		return op.Width
	}
	return ir.Width4
}
