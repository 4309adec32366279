package sink

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/trailofbits/mttn/internal/ir"
	"github.com/trailofbits/mttn/internal/logflags"
)

// jsonlRegs mirrors ir.Regs with lowercase field names for the wire
// schema.
type jsonlRegs struct {
	Eax    uint32 `json:"eax"`
	Ebx    uint32 `json:"ebx"`
	Ecx    uint32 `json:"ecx"`
	Edx    uint32 `json:"edx"`
	Esi    uint32 `json:"esi"`
	Edi    uint32 `json:"edi"`
	Ebp    uint32 `json:"ebp"`
	Esp    uint32 `json:"esp"`
	Eip    uint32 `json:"eip"`
	Eflags uint32 `json:"eflags"`
}

type jsonlAccess struct {
	Addr  uint32 `json:"addr"`
	Width int    `json:"width"`
	Dir   string `json:"dir"`
	Data  string `json:"data"`
}

type jsonlRecord struct {
	PC       uint32        `json:"pc"`
	Bytes    string        `json:"bytes"`
	Mnemonic string        `json:"mnemonic"`
	Regs     *jsonlRegs    `json:"regs,omitempty"`
	RegsPost jsonlRegs     `json:"regs_post"`
	Accesses []jsonlAccess `json:"accesses"`
}

// JSONL writes one JSON object per line. It is an append-only streaming
// writer: each Step call marshals and flushes immediately, so a killed
// tracer leaves a valid, truncatable prefix of complete JSON lines
// rather than a torn buffer.
type JSONL struct {
	w          *bufio.Writer
	underlying io.Closer
	emitPre    bool
}

// NewJSONL wraps w. If emitPre is true (the CLI's -A flag), each record
// also carries the pre-step register snapshot under "regs".
func NewJSONL(w io.Writer, emitPre bool) *JSONL {
	bw := bufio.NewWriter(w)
	closer, _ := w.(io.Closer)
	return &JSONL{w: bw, underlying: closer, emitPre: emitPre}
}

func toJSONLRegs(r ir.Regs) jsonlRegs {
	return jsonlRegs{
		Eax: r.Eax, Ebx: r.Ebx, Ecx: r.Ecx, Edx: r.Edx,
		Esi: r.Esi, Edi: r.Edi, Ebp: r.Ebp, Esp: r.Esp,
		Eip: r.Eip, Eflags: r.Eflags,
	}
}

func (s *JSONL) Step(rec ir.StepRecord) error {
	out := jsonlRecord{
		PC:       rec.RegsPre.Eip,
		Bytes:    hex.EncodeToString(rec.Insn.Bytes),
		Mnemonic: rec.Insn.Mnemonic,
		RegsPost: toJSONLRegs(rec.RegsPost),
	}
	if s.emitPre {
		pre := toJSONLRegs(rec.RegsPre)
		out.Regs = &pre
	}
	out.Accesses = make([]jsonlAccess, 0, len(rec.Accesses))
	for _, a := range rec.Accesses {
		out.Accesses = append(out.Accesses, jsonlAccess{
			Addr:  a.Addr,
			Width: int(a.Width),
			Dir:   a.Direction.String(),
			Data:  hex.EncodeToString(a.Data),
		})
	}

	enc, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(enc); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONL) Finish(t ir.Terminus) error {
	type terminusRecord struct {
		Kind   string `json:"terminus"`
		Code   int    `json:"code,omitempty"`
		Signum int    `json:"signum,omitempty"`
		Err    string `json:"error,omitempty"`
	}
	out := terminusRecord{}
	switch t.Kind {
	case ir.TerminusExit:
		out.Kind, out.Code = "exit", t.Code
	case ir.TerminusSignaled:
		out.Kind, out.Signum = "signaled", t.Signum
	case ir.TerminusError:
		out.Kind = "error"
		if t.Err != nil {
			out.Err = t.Err.Error()
		}
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(enc); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONL) Close() error {
	if logflags.Sink() {
		logflags.SinkLogger().Debug("closing jsonl sink")
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.underlying != nil {
		return s.underlying.Close()
	}
	return nil
}
