package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/trailofbits/mttn/internal/ir"
)

func TestTextStep(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	rec := ir.StepRecord{
		RegsPre: ir.Regs{Eip: 0x401000},
		Insn:    ir.Insn{Mnemonic: "MOV"},
		Accesses: []ir.MemoryAccess{
			{Addr: 0x2000, Width: ir.Width4, Direction: ir.Read, Data: []byte{1, 2, 3, 4}},
		},
	}
	if err := s.Step(rec); err != nil {
		t.Fatalf("Step: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "00401000") {
		t.Errorf("output %q missing eip", out)
	}
	if !strings.Contains(out, "MOV") {
		t.Errorf("output %q missing mnemonic", out)
	}
	if !strings.Contains(out, "r 0x00002000") {
		t.Errorf("output %q missing access line", out)
	}
}

func TestTextInsnTextPrefixes(t *testing.T) {
	tests := []struct {
		insn ir.Insn
		want string
	}{
		{ir.Insn{Mnemonic: "MOVSB"}, "MOVSB"},
		{ir.Insn{Mnemonic: "MOVSB", RepPrefix: true}, "rep MOVSB"},
		{ir.Insn{Mnemonic: "CMPXCHG", Lock: true}, "lock CMPXCHG"},
		{ir.Insn{Mnemonic: "CMPXCHG", Lock: true, RepPrefix: true}, "rep lock CMPXCHG"},
	}
	for _, tt := range tests {
		if got := insnText(tt.insn); got != tt.want {
			t.Errorf("insnText(%+v) = %q, want %q", tt.insn, got, tt.want)
		}
	}
}

func TestTextFinish(t *testing.T) {
	tests := []struct {
		term ir.Terminus
		want string
	}{
		{ir.Terminus{Kind: ir.TerminusExit, Code: 2}, "exited with code 2"},
		{ir.Terminus{Kind: ir.TerminusSignaled, Signum: 11}, "signal 11"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		s := NewText(&buf)
		if err := s.Finish(tt.term); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("output %q does not contain %q", buf.String(), tt.want)
		}
	}
}

func TestTextNoColorWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)
	if s.color {
		t.Error("color = true for a plain io.Writer, want false (only *os.File is isatty-checked)")
	}
}
