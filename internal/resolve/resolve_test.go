package resolve_test

import (
	"bytes"
	"testing"

	"github.com/trailofbits/mttn/internal/decode"
	"github.com/trailofbits/mttn/internal/ir"
	"github.com/trailofbits/mttn/internal/resolve"
	"github.com/trailofbits/mttn/internal/tracererr"
)

// fakeMem is an in-memory address space keyed by address, used as the
// resolve.MemReader for both stage1 (before the simulated step) and
// stage2 (after it, once the test has mutated the backing bytes to look
// like the write already landed).
type fakeMem struct {
	bytes map[uint32][]byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{bytes: map[uint32][]byte{}}
}

func (f *fakeMem) set(addr uint32, data []byte) {
	f.bytes[addr] = append([]byte(nil), data...)
}

// ReadMemory looks up dst's span among the spans previously passed to
// set; an address not covered by any span reads as zeroes.
func (f *fakeMem) ReadMemory(addr uint32, dst []byte) error {
	for base, data := range f.bytes {
		if addr >= base && addr+uint32(len(dst)) <= base+uint32(len(data)) {
			copy(dst, data[addr-base:addr-base+uint32(len(dst))])
			return nil
		}
	}
	return nil
}

func decodeOne(t *testing.T, b []byte) ir.Insn {
	t.Helper()
	insn, err := decode.New().Decode(b, 0x1000)
	if err != nil {
		t.Fatalf("decode %x: %v", b, err)
	}
	return insn
}

func TestStage1Stage2Read(t *testing.T) {
	insn := decodeOne(t, []byte{0x8b, 0x03}) // mov eax, [ebx]
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000}

	mem := newFakeMem()
	mem.set(0x2000, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 1 {
		t.Fatalf("len(accesses) = %d, want 1", len(accesses))
	}
	a := accesses[0]
	if a.Direction != ir.Read || a.Addr != 0x2000 || a.Width != ir.Width4 {
		t.Errorf("access = %+v, want read 0x2000 width 4", a)
	}
	if !bytes.Equal(a.Data, []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Errorf("Data = %x, want aabbccdd", a.Data)
	}
}

func TestStage1Stage2Write(t *testing.T) {
	insn := decodeOne(t, []byte{0x89, 0x03}) // mov [ebx], eax
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000, Eax: 0x11223344}

	mem := newFakeMem()
	// Stage1 must not read [ebx] at all for a pure write; Stage2 observes
	// the write having already landed once the (simulated) step runs.
	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2000, []byte{0x44, 0x33, 0x22, 0x11})

	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 1 {
		t.Fatalf("len(accesses) = %d, want 1", len(accesses))
	}
	a := accesses[0]
	if a.Direction != ir.Write || a.Addr != 0x2000 || a.Width != ir.Width4 {
		t.Errorf("access = %+v, want write 0x2000 width 4", a)
	}
	if !bytes.Equal(a.Data, []byte{0x44, 0x33, 0x22, 0x11}) {
		t.Errorf("Data = %x, want 44332211", a.Data)
	}
}

func TestStage1Stage2ReadModifyWrite(t *testing.T) {
	insn := decodeOne(t, []byte{0x01, 0x03}) // add [ebx], eax
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000, Eax: 1}

	mem := newFakeMem()
	mem.set(0x2000, []byte{0x01, 0x00, 0x00, 0x00})

	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2000, []byte{0x02, 0x00, 0x00, 0x00})

	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("len(accesses) = %d, want 2 (read then write)", len(accesses))
	}
	if accesses[0].Direction != ir.Read || !bytes.Equal(accesses[0].Data, []byte{0x01, 0, 0, 0}) {
		t.Errorf("accesses[0] = %+v, want pre-modification read", accesses[0])
	}
	if accesses[1].Direction != ir.Write || !bytes.Equal(accesses[1].Data, []byte{0x02, 0, 0, 0}) {
		t.Errorf("accesses[1] = %+v, want post-modification write", accesses[1])
	}
}

func TestStage1UnaryReadModifyWrite(t *testing.T) {
	insn := decodeOne(t, []byte{0xff, 0x03}) // inc dword [ebx]
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000}

	mem := newFakeMem()
	mem.set(0x2000, []byte{0x05, 0x00, 0x00, 0x00})

	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2000, []byte{0x06, 0x00, 0x00, 0x00})

	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("len(accesses) = %d, want 2 (read then write)", len(accesses))
	}
	if accesses[0].Direction != ir.Read || !bytes.Equal(accesses[0].Data, []byte{0x05, 0, 0, 0}) {
		t.Errorf("accesses[0] = %+v, want pre-increment read", accesses[0])
	}
	if accesses[1].Direction != ir.Write || !bytes.Equal(accesses[1].Data, []byte{0x06, 0, 0, 0}) {
		t.Errorf("accesses[1] = %+v, want post-increment write", accesses[1])
	}
}

func TestStage1PushFromMemory(t *testing.T) {
	insn := decodeOne(t, []byte{0xff, 0x33}) // push dword [ebx]
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000, Esp: 0x3000}

	mem := newFakeMem()
	mem.set(0x2000, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2ffc, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("len(accesses) = %d, want 2 (source read, stack write)", len(accesses))
	}
	if accesses[0].Direction != ir.Read || accesses[0].Addr != 0x2000 {
		t.Errorf("accesses[0] = %+v, want source read at [ebx]", accesses[0])
	}
	if accesses[1].Direction != ir.Write || accesses[1].Addr != 0x2ffc {
		t.Errorf("accesses[1] = %+v, want stack write at esp-4", accesses[1])
	}
}

func TestStage1XCHGMemory(t *testing.T) {
	insn := decodeOne(t, []byte{0x87, 0x03}) // xchg [ebx], eax
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000, Eax: 0x11111111}

	mem := newFakeMem()
	mem.set(0x2000, []byte{0x22, 0x22, 0x22, 0x22})

	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2000, []byte{0x11, 0x11, 0x11, 0x11})
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("len(accesses) = %d, want 2 (read then write at [ebx])", len(accesses))
	}
	if accesses[0].Direction != ir.Read || accesses[0].Addr != 0x2000 || !bytes.Equal(accesses[0].Data, []byte{0x22, 0x22, 0x22, 0x22}) {
		t.Errorf("accesses[0] = %+v, want read of the old memory value", accesses[0])
	}
	if accesses[1].Direction != ir.Write || accesses[1].Addr != 0x2000 || !bytes.Equal(accesses[1].Data, []byte{0x11, 0x11, 0x11, 0x11}) {
		t.Errorf("accesses[1] = %+v, want write of the exchanged value", accesses[1])
	}
}

func TestStage1LEANoAccess(t *testing.T) {
	insn := decodeOne(t, []byte{0x8d, 0x03}) // lea eax, [ebx]
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000}

	mem := newFakeMem()
	plan, err := resolve.Stage1(insn, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 0 {
		t.Errorf("len(accesses) = %d, want 0 for LEA", len(accesses))
	}
}

func TestStage1ImplicitStack(t *testing.T) {
	push := decodeOne(t, []byte{0x50}) // push eax
	pre := ir.Regs{Eip: 0x1000, Esp: 0x3000, Eax: 0x42}

	mem := newFakeMem()
	plan, err := resolve.Stage1(push, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2ffc, []byte{0x42, 0, 0, 0})
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 1 || accesses[0].Addr != 0x2ffc || accesses[0].Direction != ir.Write {
		t.Errorf("push accesses = %+v, want one write at esp-4", accesses)
	}

	pop := decodeOne(t, []byte{0x58}) // pop eax
	mem2 := newFakeMem()
	mem2.set(0x3000, []byte{0x7, 0, 0, 0})
	pre2 := ir.Regs{Eip: 0x1000, Esp: 0x3000}
	plan2, err := resolve.Stage1(pop, pre2, mem2)
	if err != nil {
		t.Fatalf("Stage1 (pop): %v", err)
	}
	accesses2, err := resolve.Stage2(plan2, mem2)
	if err != nil {
		t.Fatalf("Stage2 (pop): %v", err)
	}
	if len(accesses2) != 1 || accesses2[0].Addr != 0x3000 || accesses2[0].Direction != ir.Read {
		t.Errorf("pop accesses = %+v, want one read at esp", accesses2)
	}
}

func TestStage1ImplicitStackOperandSize(t *testing.T) {
	push := decodeOne(t, []byte{0x66, 0x50}) // push ax
	pre := ir.Regs{Eip: 0x1000, Esp: 0x3000, Eax: 0x4142}

	mem := newFakeMem()
	plan, err := resolve.Stage1(push, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x2ffe, []byte{0x42, 0x41})
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 1 {
		t.Fatalf("len(accesses) = %d, want 1", len(accesses))
	}
	if accesses[0].Direction != ir.Write || accesses[0].Addr != 0x2ffe || accesses[0].Width != ir.Width2 {
		t.Errorf("push ax access = %+v, want 2-byte write at esp-2", accesses[0])
	}

	pop := decodeOne(t, []byte{0x66, 0x58}) // pop ax
	mem2 := newFakeMem()
	mem2.set(0x3000, []byte{0x42, 0x41})
	plan2, err := resolve.Stage1(pop, pre, mem2)
	if err != nil {
		t.Fatalf("Stage1 (pop): %v", err)
	}
	accesses2, err := resolve.Stage2(plan2, mem2)
	if err != nil {
		t.Fatalf("Stage2 (pop): %v", err)
	}
	if len(accesses2) != 1 {
		t.Fatalf("len(accesses2) = %d, want 1", len(accesses2))
	}
	if accesses2[0].Direction != ir.Read || accesses2[0].Addr != 0x3000 || accesses2[0].Width != ir.Width2 {
		t.Errorf("pop ax access = %+v, want 2-byte read at esp", accesses2[0])
	}
}

func TestStage1StringOps(t *testing.T) {
	movsb := decodeOne(t, []byte{0xa4}) // movsb
	pre := ir.Regs{Eip: 0x1000, Esi: 0x4000, Edi: 0x5000}

	mem := newFakeMem()
	mem.set(0x4000, []byte{0x9})
	plan, err := resolve.Stage1(movsb, pre, mem)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	mem.set(0x5000, []byte{0x9})
	accesses, err := resolve.Stage2(plan, mem)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if len(accesses) != 2 {
		t.Fatalf("len(accesses) = %d, want 2", len(accesses))
	}
	if accesses[0].Direction != ir.Read || accesses[0].Addr != 0x4000 || accesses[0].Width != ir.Width1 {
		t.Errorf("accesses[0] = %+v, want read [esi] width 1", accesses[0])
	}
	if accesses[1].Direction != ir.Write || accesses[1].Addr != 0x5000 || accesses[1].Width != ir.Width1 {
		t.Errorf("accesses[1] = %+v, want write [edi] width 1", accesses[1])
	}
}

func TestStage1UnsupportedMemWidth(t *testing.T) {
	insn := ir.Insn{
		Mnemonic: "FLD",
		Operands: []ir.Operand{
			{Kind: ir.OperandMem, Mem: ir.Mem{HasBase: true, Base: ir.EBX, Width: 0}},
		},
	}
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000}

	_, err := resolve.Stage1(insn, pre, newFakeMem())
	if err == nil {
		t.Fatal("Stage1 succeeded, want UnsupportedOperand error")
	}
	var uo tracererr.UnsupportedOperand
	if !asUnsupportedOperand(err, &uo) {
		t.Errorf("err = %v, want tracererr.UnsupportedOperand", err)
	}
}

func asUnsupportedOperand(err error, out *tracererr.UnsupportedOperand) bool {
	uo, ok := err.(tracererr.UnsupportedOperand)
	if ok {
		*out = uo
	}
	return ok
}

func TestStage1BadRead(t *testing.T) {
	insn := decodeOne(t, []byte{0x8b, 0x03}) // mov eax, [ebx]
	pre := ir.Regs{Eip: 0x1000, Ebx: 0x2000}

	_, err := resolve.Stage1(insn, pre, failingMem{})
	if err == nil {
		t.Fatal("Stage1 succeeded, want BadRead error")
	}
	if _, ok := err.(tracererr.BadRead); !ok {
		t.Errorf("err = %v (%T), want tracererr.BadRead", err, err)
	}
}

type failingMem struct{}

func (failingMem) ReadMemory(addr uint32, dst []byte) error {
	return errReadFailed
}

var errReadFailed = simpleErr("read failed")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
