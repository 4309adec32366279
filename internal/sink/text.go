package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/trailofbits/mttn/internal/ir"
)

// Text writes a human-readable line per step, used standalone under
// `-F tiny86-text` or alongside a structured sink under `-t`. Output is
// colorized when the destination is a terminal.
type Text struct {
	w          *bufio.Writer
	underlying io.Closer
	color      bool
}

// NewText wraps w, enabling color only when w is a terminal.
func NewText(w io.Writer) *Text {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	closer, _ := w.(io.Closer)
	return &Text{w: bufio.NewWriter(w), underlying: closer, color: color}
}

const (
	ansiDim   = "\x1b[2m"
	ansiReset = "\x1b[0m"
	ansiRead  = "\x1b[36m"
	ansiWrite = "\x1b[33m"
)

func (s *Text) Step(rec ir.StepRecord) error {
	line := fmt.Sprintf("%08x  %-24s %x", rec.RegsPre.Eip, insnText(rec.Insn), rec.Insn.Bytes)
	if _, err := fmt.Fprintln(s.w, line); err != nil {
		return err
	}
	for _, a := range rec.Accesses {
		color, reset := "", ""
		if s.color {
			reset = ansiReset
			if a.Direction == ir.Read {
				color = ansiRead
			} else {
				color = ansiWrite
			}
		}
		if _, err := fmt.Fprintf(s.w, "          %s%s 0x%08x w=%d %x%s\n", color, a.Direction, a.Addr, a.Width, a.Data, reset); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func insnText(insn ir.Insn) string {
	prefix := ""
	if insn.RepPrefix {
		prefix += "rep "
	}
	if insn.Lock {
		prefix += "lock "
	}
	return prefix + insn.Mnemonic
}

func (s *Text) Finish(t ir.Terminus) error {
	dim, reset := "", ""
	if s.color {
		dim, reset = ansiDim, ansiReset
	}
	var msg string
	switch t.Kind {
	case ir.TerminusExit:
		msg = fmt.Sprintf("child exited with code %d", t.Code)
	case ir.TerminusSignaled:
		msg = fmt.Sprintf("child terminated by signal %d", t.Signum)
	case ir.TerminusError:
		msg = fmt.Sprintf("tracer error: %v", t.Err)
	}
	if _, err := fmt.Fprintf(s.w, "%s-- %s --%s\n", dim, msg, reset); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Text) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.underlying != nil {
		return s.underlying.Close()
	}
	return nil
}
