package tracererr_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/trailofbits/mttn/internal/tracererr"
)

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"Launch", tracererr.Launch{Reason: "exec failed"}, "exec failed"},
		{"DecodeError", tracererr.DecodeError{PC: 0x1000}, "00001000"},
		{"BadRead", tracererr.BadRead{Addr: 0x2000, Width: 4}, "00002000"},
		{"BadWrite", tracererr.BadWrite{Addr: 0x2000, Width: 4}, "00002000"},
		{"UnsupportedSyscall", tracererr.UnsupportedSyscall{Num: 99, Model: "linux"}, "99"},
		{"UnsupportedOperand", tracererr.UnsupportedOperand{PC: 0x1000, Detail: "xmm"}, "xmm"},
		{"ChildSignaled", tracererr.ChildSignaled{Pid: 42, Signum: 11}, "42"},
		{"ChildExited", tracererr.ChildExited{Pid: 42, Code: 0}, "42"},
		{"TracerInterrupted", tracererr.TracerInterrupted{}, "interrupted"},
		{"IllegalInstruction", tracererr.IllegalInstruction{PC: 0x1000}, "00001000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.err.Error(), tt.want) {
				t.Errorf("%T.Error() = %q, want it to contain %q", tt.err, tt.err.Error(), tt.want)
			}
		})
	}
}

func TestErrorsAsDistinguishesKinds(t *testing.T) {
	var err error = tracererr.BadRead{Addr: 1, Width: 4}

	var badRead tracererr.BadRead
	var badWrite tracererr.BadWrite

	if !errors.As(err, &badRead) {
		t.Fatal("errors.As to BadRead failed")
	}
	if errors.As(err, &badWrite) {
		t.Errorf("BadRead value incorrectly matches BadWrite: %+v", badWrite)
	}
	if badRead.Addr != 1 {
		t.Errorf("badRead.Addr = %d, want 1", badRead.Addr)
	}
}
