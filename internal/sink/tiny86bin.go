package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/trailofbits/mttn/internal/ir"
)

// Tiny86 byte-layout constants, fixed bit-exact by the downstream
// consumer's wire format: a frame is two memory hints (9 bytes each,
// present-or-zero-padded), a 40-byte register file, and 12 instruction
// bytes (NOP-padded, then byte-reversed since the consumer reads the
// opcode bytes starting from the low end of a little-endian word).
const (
	tiny86MaxInstrLen = 12
	tiny86MaxHints    = 2
	tiny86HintDataLen = 4
	tiny86HintSize    = 1 + 4 + tiny86HintDataLen // packed byte + be32 addr + 4 bytes data
	tiny86RegFileSize = 10 * 4                    // 8 GPRs + eip + eflags, each be32
	tiny86FrameSize   = tiny86MaxInstrLen + tiny86RegFileSize + tiny86MaxHints*tiny86HintSize
	tiny86ValidBit    = 0x80
	nopOpcode         = 0x90
)

// Tiny86Bin writes the packed binary frame format.
type Tiny86Bin struct {
	w          *bufio.Writer
	underlying io.Closer
}

// NewTiny86Bin wraps w.
func NewTiny86Bin(w io.Writer) *Tiny86Bin {
	closer, _ := w.(io.Closer)
	return &Tiny86Bin{w: bufio.NewWriter(w), underlying: closer}
}

func (s *Tiny86Bin) Step(rec ir.StepRecord) error {
	// The frame format has exactly two hint slots; a step with more
	// accesses cannot be represented, and dropping accesses would break
	// the bit-exact contract with the downstream consumer.
	hints := rec.Accesses
	if len(hints) > tiny86MaxHints {
		return fmt.Errorf("step at 0x%08x performed %d memory accesses; the frame format holds at most %d", rec.RegsPre.Eip, len(hints), tiny86MaxHints)
	}

	frame := make([]byte, 0, tiny86FrameSize)

	for i := 0; i < tiny86MaxHints; i++ {
		if i < len(hints) {
			frame = append(frame, encodeHint(hints[i])...)
		} else {
			frame = append(frame, make([]byte, tiny86HintSize)...)
		}
	}

	frame = append(frame, encodeRegFile(rec.RegsPost)...)

	instr := make([]byte, tiny86MaxInstrLen)
	for i := range instr {
		instr[i] = nopOpcode
	}
	n := len(rec.Insn.Bytes)
	if n > tiny86MaxInstrLen {
		n = tiny86MaxInstrLen
	}
	copy(instr, rec.Insn.Bytes[:n])
	reverse(instr)
	frame = append(frame, instr...)

	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	// Flush per frame so a killed tracer leaves whole frames behind.
	return s.w.Flush()
}

// encodeHint packs one MemoryAccess into the 9-byte on-wire hint: a
// single packed byte (valid bit | op<<2 | mask), a big-endian u32
// address, then up to 4 bytes of data, zero-padded. The mask is the
// 2-bit width code the downstream circuit consumes (byte=0, word=1,
// dword=2, qword=3), sharing the packed byte with the r/w bit at bit 2
// and the valid bit at bit 7.
func encodeHint(a ir.MemoryAccess) []byte {
	mask, err := maskFor(a.Width)
	if err != nil {
		// A width outside {1,2,4,8} can't be expressed in this format;
		// the StepController only ever calls a Sink with widths it has
		// already validated against --ignore-unsupported-memops, so this
		// is unreachable in a correctly driven pipeline. Emitting a zeroed
		// (invalid) hint is the least-surprising fallback for the rare
		// case a test constructs a record directly with such a width.
		return make([]byte, tiny86HintSize)
	}
	packed := byte(tiny86ValidBit) | byte(int(a.Direction)<<2) | mask

	out := make([]byte, tiny86HintSize)
	out[0] = packed
	binary.BigEndian.PutUint32(out[1:5], a.Addr)
	d := a.Data
	if len(d) > tiny86HintDataLen {
		d = d[:tiny86HintDataLen]
	}
	copy(out[5:5+len(d)], d)
	return out
}

func maskFor(w ir.Width) (byte, error) {
	switch w {
	case ir.Width1:
		return 0, nil
	case ir.Width2:
		return 1, nil
	case ir.Width4:
		return 2, nil
	case ir.Width8:
		return 3, nil
	default:
		return 0, errUnsupportedWidth
	}
}

var errUnsupportedWidth = errWidth("unsupported memory access width")

type errWidth string

func (e errWidth) Error() string { return string(e) }

// encodeRegFile writes eax,ebx,ecx,edx,esi,edi,esp,ebp,eip,eflags as
// big-endian u32s, the fixed field order the downstream circuit
// consumes.
func encodeRegFile(r ir.Regs) []byte {
	out := make([]byte, tiny86RegFileSize)
	fields := []uint32{r.Eax, r.Ebx, r.Ecx, r.Edx, r.Esi, r.Edi, r.Esp, r.Ebp, r.Eip, r.Eflags}
	for i, v := range fields {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], v)
	}
	return out
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func (s *Tiny86Bin) Finish(t ir.Terminus) error {
	return s.w.Flush()
}

func (s *Tiny86Bin) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.underlying != nil {
		return s.underlying.Close()
	}
	return nil
}
