package ir_test

import (
	"testing"

	"github.com/trailofbits/mttn/internal/ir"
)

func TestDirectionString(t *testing.T) {
	if got := ir.Read.String(); got != "r" {
		t.Errorf("Read.String() = %q, want r", got)
	}
	if got := ir.Write.String(); got != "w" {
		t.Errorf("Write.String() = %q, want w", got)
	}
}

func TestMemoryAccessString(t *testing.T) {
	a := ir.MemoryAccess{Addr: 0x1000, Width: ir.Width4, Direction: ir.Write, Data: []byte{0xde, 0xad}}
	got := a.String()
	for _, want := range []string{"w", "0x00001000", "dead"} {
		if !contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
