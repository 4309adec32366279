// Package decode turns raw bytes at an instruction pointer into mttn's
// local IR, wrapping golang.org/x/arch/x86/x86asm and normalizing its
// output to the ir.Insn shape instead of keeping the x86asm.Inst
// around.
//
// The Decoder itself is stateless: all the context a call needs (the
// bytes and the current eip) is passed in, and its cache is keyed and
// revalidated on that same input.
package decode

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/trailofbits/mttn/internal/ir"
	"github.com/trailofbits/mttn/internal/logflags"
	"github.com/trailofbits/mttn/internal/tracererr"
)

// bitness is fixed: mttn only ever decodes 32-bit x86, matching the
// CLI's -m/--mode flag (32 is the only supported value).
const bitness = 32

type cacheEntry struct {
	bytes []byte
	insn  ir.Insn
}

// Decoder decodes instruction bytes into ir.Insn. It holds no per-tracee
// state; the embedded LRU cache only memoizes the pure function
// (bytes, pc) -> Insn across repeated calls at the same pc (hot loops),
// and every hit is revalidated against the freshly read bytes before
// being trusted, so a child that self-modifies code (outside mttn's
// control, since mttn never rewrites it) still decodes correctly.
type Decoder struct {
	cache *lru.Cache
}

// New returns a Decoder with a bounded instruction-decode cache.
func New() *Decoder {
	c, err := lru.New(4096)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &Decoder{cache: c}
}

// Decode decodes the instruction whose first byte is at eip, out of the
// (up to 15) bytes available in buf. buf may be shorter than 15 bytes if
// the instruction straddles an unreadable page boundary; if decoding
// cannot complete from the available prefix, Decode returns DecodeError.
func (d *Decoder) Decode(buf []byte, eip uint32) (ir.Insn, error) {
	if v, ok := d.cache.Get(eip); ok {
		ent := v.(cacheEntry)
		if bytesEqual(ent.bytes, buf, len(ent.bytes)) {
			return ent.insn, nil
		}
	}

	inst, err := x86asm.Decode(buf, bitness)
	if err == nil && inst.Op == 0 {
		// x86asm reports an encoding cut off by the end of buf as a bare
		// prefix byte with no opcode rather than as an error.
		err = x86asm.ErrTruncated
	}
	if err != nil {
		if logflags.Decode() {
			logflags.DecodeLogger().Debugf("decode failed at 0x%08x: %v", eip, err)
		}
		return ir.Insn{}, tracererr.DecodeError{PC: eip}
	}

	insn := normalize(&inst, buf, eip)

	cached := make([]byte, insn.Length)
	copy(cached, buf[:insn.Length])
	d.cache.Add(eip, cacheEntry{bytes: cached, insn: insn})

	return insn, nil
}

func bytesEqual(a, b []byte, n int) bool {
	if len(b) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalize converts a decoded x86asm.Inst into mttn's local IR,
// synthesizing the Implicit operands that x86asm itself leaves unspelled
// (stack slots for PUSH/POP/CALL/RET, [esi]/[edi] for string forms).
func normalize(inst *x86asm.Inst, buf []byte, eip uint32) ir.Insn {
	out := ir.Insn{
		Mnemonic: inst.Op.String(),
		Length:   inst.Len,
		Bytes:    append([]byte(nil), buf[:inst.Len]...),
	}

	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid) {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			out.RepPrefix = true
		case x86asm.PrefixLOCK:
			out.Lock = true
		}
	}

	implicit := implicitOperands(inst)
	stringOp := false
	for _, op := range implicit {
		if op.Implicit == ir.ImplicitStringSrc || op.Implicit == ir.ImplicitStringDst {
			stringOp = true
		}
	}

	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if _, isMem := arg.(x86asm.Mem); isMem && stringOp {
			// x86asm spells the [esi]/[edi] operands of string forms as Mem
			// args without a MemBytes width; the implicit operands carry
			// them instead.
			continue
		}
		out.Operands = append(out.Operands, convertArg(arg, inst, eip))
	}

	if len(implicit) > 0 {
		out.Operands = append(out.Operands, implicit...)
	}

	return out
}

func convertArg(arg x86asm.Arg, inst *x86asm.Inst, eip uint32) ir.Operand {
	switch a := arg.(type) {
	case x86asm.Reg:
		if reg, ok := regID(a); ok {
			return ir.Operand{Kind: ir.OperandReg, Reg: reg}
		}
		// Unaddressable/untracked register (e.g. an XMM or control
		// register); mttn has nothing to read or write for it, so it
		// carries no further meaning as a memory access source.
		return ir.Operand{Kind: ir.OperandReg, Reg: ir.RegNone}
	case x86asm.Imm:
		return ir.Operand{Kind: ir.OperandImm, ImmValue: int64(a), ImmWidth: widthOf(inst)}
	case x86asm.Mem:
		base, hasBase := regID(a.Base)
		index, hasIndex := regID(a.Index)
		seg, _ := regID(a.Segment)
		m := ir.Mem{
			HasBase:  hasBase,
			Base:     base,
			HasIndex: hasIndex,
			Index:    index,
			Scale:    a.Scale,
			Disp:     int32(a.Disp),
			Width:    memWidth(inst),
			Segment:  seg,
		}
		return ir.Operand{Kind: ir.OperandMem, Mem: m}
	case x86asm.Rel:
		// PC-relative branch target, patched to the absolute address;
		// the displacement is relative to the end of the instruction.
		abs := uint32(int64(eip) + int64(inst.Len) + int64(a))
		return ir.Operand{Kind: ir.OperandImm, ImmValue: int64(abs), ImmWidth: ir.Width4}
	default:
		return ir.Operand{Kind: ir.OperandImm}
	}
}

// regID maps the 32-bit GPRs, EIP, and segment selectors that mttn tracks
// to ir.RegID. Any other x86asm.Reg (8/16-bit subregisters, MMX/XMM/FP/
// control/debug registers) is untracked; ir.Regs has no field for it.
func regID(r x86asm.Reg) (ir.RegID, bool) {
	switch r {
	case x86asm.EAX:
		return ir.EAX, true
	case x86asm.EBX:
		return ir.EBX, true
	case x86asm.ECX:
		return ir.ECX, true
	case x86asm.EDX:
		return ir.EDX, true
	case x86asm.ESI:
		return ir.ESI, true
	case x86asm.EDI:
		return ir.EDI, true
	case x86asm.EBP:
		return ir.EBP, true
	case x86asm.ESP:
		return ir.ESP, true
	case x86asm.EIP:
		return ir.EIP, true
	case x86asm.CS:
		return ir.SegCS, true
	case x86asm.DS:
		return ir.SegDS, true
	case x86asm.ES:
		return ir.SegES, true
	case x86asm.FS:
		return ir.SegFS, true
	case x86asm.GS:
		return ir.SegGS, true
	case x86asm.SS:
		return ir.SegSS, true
	default:
		return ir.RegNone, false
	}
}

func widthOf(inst *x86asm.Inst) ir.Width {
	switch inst.DataSize {
	case 8:
		return ir.Width1
	case 16:
		return ir.Width2
	case 64:
		return ir.Width8
	default:
		return ir.Width4
	}
}

// memWidth determines a Mem operand's width. x86asm.Inst.MemBytes carries
// it for every form with an explicit memory operand. String instructions
// (MOVSB etc.) come back from x86asm with Mem arguments but no MemBytes;
// normalize drops those arguments in favor of the implicit operands (see
// implicitOperands), so this path isn't consulted for them. A MemBytes outside {1,2,4,8}
// (10-byte x87 extended loads, 16-byte XMM moves) reports the zero Width,
// which resolve.go turns into an UnsupportedOperand rather than silently
// mis-sizing the access.
func memWidth(inst *x86asm.Inst) ir.Width {
	switch inst.MemBytes {
	case 1:
		return ir.Width1
	case 2:
		return ir.Width2
	case 4:
		return ir.Width4
	case 8:
		return ir.Width8
	default:
		return 0
	}
}

// stringOpWidth returns the per-element width of a string instruction
// from its mnemonic suffix.
func stringOpWidth(mnemonic string) ir.Width {
	if len(mnemonic) == 0 {
		return ir.Width4
	}
	switch mnemonic[len(mnemonic)-1] {
	case 'B':
		return ir.Width1
	case 'W':
		return ir.Width2
	case 'Q':
		return ir.Width8
	default:
		return ir.Width4
	}
}

// implicitOperands synthesizes the operands x86asm never spells out:
// stack slots for PUSH/POP/CALL/RET/ENTER/LEAVE and the [esi]/[edi]
// addresses for string instructions. The resolve package turns these
// into concrete MemoryAccesses using the pre-step register file.
//
// PUSH/POP stack slots are as wide as the instruction's operand size
// (a 66-prefixed PUSH moves 2 bytes and decrements esp by 2); CALL/RET
// and ENTER/LEAVE always move a full 4-byte return address or frame
// pointer.
func implicitOperands(inst *x86asm.Inst) []ir.Operand {
	switch inst.Op {
	case x86asm.PUSH, x86asm.PUSHA, x86asm.PUSHAD:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStackPush, Width: widthOf(inst)}}
	case x86asm.POP, x86asm.POPA, x86asm.POPAD:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStackPop, Width: widthOf(inst)}}
	case x86asm.CALL, x86asm.LCALL, x86asm.ENTER:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStackPush, Width: ir.Width4}}
	case x86asm.RET, x86asm.LRET, x86asm.LEAVE:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStackPop, Width: ir.Width4}}
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return []ir.Operand{
			{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringSrc},
			{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringDst},
		}
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringSrc}}
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringDst}}
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		return []ir.Operand{
			{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringSrc},
			{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringDst},
		}
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return []ir.Operand{{Kind: ir.OperandImplicit, Implicit: ir.ImplicitStringDst}}
	default:
		return nil
	}
}

// StringElementWidth exposes stringOpWidth to the resolver package, which
// needs it to size string-instruction implicit operands (x86asm carries
// no MemBytes for them).
func StringElementWidth(mnemonic string) ir.Width {
	return stringOpWidth(mnemonic)
}

// Validate checks that the decoded instruction's captured bytes agree
// with its reported length.
func Validate(insn ir.Insn) error {
	if len(insn.Bytes) != insn.Length {
		return fmt.Errorf("decode invariant violated: len(bytes)=%d length=%d", len(insn.Bytes), insn.Length)
	}
	return nil
}
