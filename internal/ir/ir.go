// Package ir defines mttn's normalized intermediate representation for a
// single traced instruction: the register file, the decoded instruction
// and its operands, the concrete memory accesses it performs, and the
// per-step record assembled from all three. This is the local IR that
// Decoder output is normalized into, independent of x86asm's own types.
package ir

import "fmt"

// Regs is the 32-bit x86 general-purpose register file, captured whole at
// a single point in time (pre- or post-step). Fields are exported so the
// Sink and tests can access them directly; the type carries no behavior of
// its own beyond what's defined here.
type Regs struct {
	Eax, Ebx, Ecx, Edx     uint32
	Esi, Edi, Ebp, Esp     uint32
	Eip                    uint32
	Eflags                 uint32
	Cs, Ds, Es, Fs, Gs, Ss uint32
}

// Width is the byte width of a memory operand or access. It is always a
// power of two no greater than 8.
type Width int

const (
	Width1 Width = 1
	Width2 Width = 2
	Width4 Width = 4
	Width8 Width = 8
)

// Direction is the disposition of a concrete memory access.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "r"
	}
	return "w"
}

// OperandKind distinguishes the four shapes an Operand can take.
type OperandKind int

const (
	OperandReg OperandKind = iota
	OperandImm
	OperandMem
	OperandImplicit
)

// ImplicitKind names an operand that isn't spelled in the encoding: the
// stack slot touched by PUSH/POP/CALL/RET, or the [esi]/[edi] touched by
// string instructions.
type ImplicitKind int

const (
	ImplicitNone ImplicitKind = iota
	ImplicitStackPush
	ImplicitStackPop
	ImplicitStringSrc // [esi]
	ImplicitStringDst // [edi]
)

// Mem is the quintuple the OperandResolver needs to compute a memory
// operand's effective address without re-parsing the instruction bytes.
type Mem struct {
	HasBase  bool
	Base     RegID
	HasIndex bool
	Index    RegID
	Scale    uint8 // 1, 2, 4, or 8; meaningless if !HasIndex
	Disp     int32
	Width    Width
	Segment  RegID // RegNone if no override; flat segments are assumed 0-based
}

// RegID names a general-purpose or segment register, independent of
// operand width (x86asm exposes AL/AX/EAX as distinct Reg values; mttn
// only tracks the containing 32-bit/segment register).
type RegID int

const (
	RegNone RegID = iota
	EAX
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP
	EIP
	SegCS
	SegDS
	SegES
	SegFS
	SegGS
	SegSS
)

// Operand is a single instruction operand, in one of four shapes. Exactly
// one of the fields corresponding to Kind is meaningful.
type Operand struct {
	Kind     OperandKind
	Reg      RegID
	ImmValue int64
	ImmWidth Width
	Mem      Mem
	Implicit ImplicitKind
	// Width is the access width of an Implicit stack operand: the
	// instruction's operand size for PUSH/POP, always 4 for the return
	// address and frame slots of CALL/RET/ENTER/LEAVE. Imm and Mem
	// operands carry their own widths.
	Width Width
}

// Insn is the normalized decode of a single x86 instruction.
type Insn struct {
	Mnemonic string
	Length   int
	Bytes    []byte
	Operands []Operand
	// RepPrefix is true if the instruction carries a REP/REPE/REPNE
	// prefix; mttn traces each element of a REP'd string op as an
	// independent step and never loops internally, so this is purely
	// informational (surfaced in the text sink).
	RepPrefix bool
	// Lock is true if the instruction carries a LOCK prefix. Per the
	// recorded Open Question decision, this does not change how accesses
	// are ordered or flagged.
	Lock bool
}

// MemoryAccess is one concrete memory read or write performed by a step.
type MemoryAccess struct {
	Addr      uint32
	Width     Width
	Direction Direction
	Data      []byte
}

func (a MemoryAccess) String() string {
	return fmt.Sprintf("%s 0x%08x w=%d %x", a.Direction, a.Addr, a.Width, a.Data)
}

// Terminus is the final record of a TraceStream: the child exited, was
// signaled, or the tracer hit an unrecoverable condition.
type Terminus struct {
	Kind   TerminusKind
	Code   int   // exit code, for TerminusExit
	Signum int   // signal number, for TerminusSignaled
	Err    error // for TerminusError
}

// TerminusKind distinguishes how a TraceStream ended.
type TerminusKind int

const (
	TerminusExit TerminusKind = iota
	TerminusSignaled
	TerminusError
)

// StepRecord is the immutable record for a single retired instruction.
type StepRecord struct {
	RegsPre  Regs
	RegsPost Regs
	Insn     Insn
	Accesses []MemoryAccess
}
