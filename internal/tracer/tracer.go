// Package tracer implements the stepping loop that drives a Tracee
// through decode -> resolve -> single-step -> resolve -> emit, one
// StepRecord per retired instruction.
package tracer

import (
	"fmt"
	"os"
	"os/signal"

	sys "golang.org/x/sys/unix"

	"github.com/trailofbits/mttn/internal/decode"
	"github.com/trailofbits/mttn/internal/ir"
	"github.com/trailofbits/mttn/internal/logflags"
	"github.com/trailofbits/mttn/internal/probe"
	"github.com/trailofbits/mttn/internal/ptrace"
	"github.com/trailofbits/mttn/internal/resolve"
	"github.com/trailofbits/mttn/internal/sink"
	"github.com/trailofbits/mttn/internal/syscallmodel"
	"github.com/trailofbits/mttn/internal/tracererr"
)

// Config threads the CLI's tracing-relevant flags into the loop.
type Config struct {
	IgnoreUnsupportedMemops bool
	UnsupportedAllowList    map[string]bool
	SyscallModel            syscallmodel.Model
	MaxSteps                int64
	// DebugOnFault suspends and detaches the tracee on a memory fault
	// instead of tearing it down with the tracer, so a debugger can
	// attach to the faulted process.
	DebugOnFault bool
}

// syscallState tracks whether the tracee is between a syscall's entry
// and exit stop.
type syscallState int

const (
	notInSyscall syscallState = iota
	inSyscall
)

// Controller owns the stepping loop for one Tracee.
type Controller struct {
	handle  *ptrace.Tracee
	prober  *probe.Prober
	decoder *decode.Decoder
	cfg     Config

	state      syscallState
	entryRegs  ir.Regs
	entry      syscallmodel.Entry
	entryKnown bool

	// sigFramePending and sigFrameEsp record a signal delivered during the
	// current step's single-step, so step() can attribute the kernel's
	// sigframe write to this step's record once it has read post-step regs.
	sigFramePending bool
	sigFrameEsp     uint32
}

// New returns a Controller for handle.
func New(handle *ptrace.Tracee, cfg Config) *Controller {
	return &Controller{
		handle:  handle,
		prober:  probe.New(handle),
		decoder: decode.New(),
		cfg:     cfg,
	}
}

// Run drives the stepping loop until the child exits, is signaled, or a
// fatal error occurs, streaming each StepRecord to out as it completes.
// It returns the process exit status the CLI should use: the child's own
// code on a clean exit, 128+signum on a fatal signal, 1 on tracer error.
func (c *Controller) Run(out sink.Sink) (exitStatus int, err error) {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	defer signal.Stop(sigint)

	var steps int64
	for {
		select {
		case <-sigint:
			c.handle.Detach(0)
			_ = out.Finish(ir.Terminus{Kind: ir.TerminusError, Err: tracererr.TracerInterrupted{}})
			return 1, tracererr.TracerInterrupted{}
		default:
		}

		if c.cfg.MaxSteps > 0 && steps >= c.cfg.MaxSteps {
			c.handle.Detach(0)
			_ = out.Finish(ir.Terminus{Kind: ir.TerminusExit, Code: 0})
			return 0, nil
		}

		rec, term, stepErr := c.step()
		if stepErr != nil {
			c.reportFault(stepErr)
			_ = out.Finish(ir.Terminus{Kind: ir.TerminusError, Err: stepErr})
			return 1, stepErr
		}
		if rec != nil {
			if logflags.Tracer() {
				logflags.TracerLogger().Debugf("step %d: eip=0x%08x %s, %d access(es)", steps, rec.RegsPre.Eip, rec.Insn.Mnemonic, len(rec.Accesses))
			}
			if err := out.Step(*rec); err != nil {
				return 1, err
			}
			steps++
		}
		if term != nil {
			_ = out.Finish(*term)
			if logflags.Tracer() {
				switch term.Kind {
				case ir.TerminusExit:
					logflags.TracerLogger().Debug(tracererr.ChildExited{Pid: c.handle.Pid(), Code: term.Code}.Error())
				case ir.TerminusSignaled:
					logflags.TracerLogger().Debug(tracererr.ChildSignaled{Pid: c.handle.Pid(), Signum: term.Signum}.Error())
				}
			}
			switch term.Kind {
			case ir.TerminusExit:
				return term.Code, nil
			case ir.TerminusSignaled:
				return 128 + term.Signum, nil
			default:
				return 1, term.Err
			}
		}
	}
}

// step decodes the instruction at the current eip, resolves its memory
// accesses, and advances the tracee over it once. A syscall instruction
// internally crosses two stops (entry, then exit) but still produces
// exactly one StepRecord.
func (c *Controller) step() (*ir.StepRecord, *ir.Terminus, error) {
	pre, err := c.readRegs()
	if err != nil {
		return nil, nil, err
	}

	buf := make([]byte, 15)
	n := c.readInsnBytes(pre.Eip, buf)
	if n == 0 {
		return nil, &ir.Terminus{Kind: ir.TerminusError, Err: tracererr.IllegalInstruction{PC: pre.Eip}}, nil
	}
	buf = buf[:n]

	insn, decErr := c.decoder.Decode(buf, pre.Eip)
	if decErr != nil {
		if !c.cfg.IgnoreUnsupportedMemops {
			return nil, nil, decErr
		}
		return c.stepBlind(pre, ir.Insn{Bytes: buf})
	}

	if c.cfg.IgnoreUnsupportedMemops && c.cfg.UnsupportedAllowList[insn.Mnemonic] {
		return c.stepBlind(pre, insn)
	}

	plan, err := resolve.Stage1(insn, pre, c.prober)
	if err != nil {
		if !c.cfg.IgnoreUnsupportedMemops {
			return nil, nil, err
		}
		if logflags.Tracer() {
			logflags.TracerLogger().Warnf("ignoring unresolvable memops at 0x%08x: %v", pre.Eip, err)
		}
		plan = resolve.Plan{}
	}

	isSyscallInsn := insn.Mnemonic == "INT" || insn.Mnemonic == "SYSENTER" || insn.Mnemonic == "SYSCALL"

	if err := c.resume(isSyscallInsn, 0); err != nil {
		return nil, nil, err
	}

	term, err := c.classifyStop(isSyscallInsn)
	if err != nil {
		return nil, nil, err
	}
	if term != nil {
		return nil, term, nil
	}

	post, err := c.readRegs()
	if err != nil {
		return nil, nil, err
	}

	accesses, err := resolve.Stage2(plan, c.prober)
	if err != nil {
		return nil, nil, err
	}
	accesses = append(accesses, c.drainSyscallAccesses(post)...)
	accesses = append(accesses, c.drainSignalFrame(post)...)

	return &ir.StepRecord{RegsPre: pre, RegsPost: post, Insn: insn, Accesses: accesses}, nil, nil
}

// stepBlind advances one instruction without resolving accesses, the
// path --ignore-unsupported-memops takes for instructions mttn cannot
// (or is configured not to) model. The emitted record carries an empty
// access list.
func (c *Controller) stepBlind(pre ir.Regs, insn ir.Insn) (*ir.StepRecord, *ir.Terminus, error) {
	if err := c.resume(false, 0); err != nil {
		return nil, nil, err
	}
	term, err := c.classifyStop(false)
	if err != nil {
		return nil, nil, err
	}
	if term != nil {
		return nil, term, nil
	}
	post, err := c.readRegs()
	if err != nil {
		return nil, nil, err
	}
	return &ir.StepRecord{RegsPre: pre, RegsPost: post, Insn: insn}, nil, nil
}

// resume restarts the stopped tracee for one more stop: a plain
// single-step for ordinary instructions, or a PTRACE_SYSCALL resume for
// syscall instructions so the kernel delivers the entry and exit stops
// the syscall model consumes.
func (c *Controller) resume(isSyscallInsn bool, sig int) error {
	if isSyscallInsn {
		return c.handle.Syscall(sig)
	}
	return c.handle.SingleStep(sig)
}

// classifyStop interprets the wait status after a single-step. It
// returns a non-nil Terminus only for stops that end the trace (exit or
// fatal signal); a syscall the model does not know is reported as an
// UnsupportedSyscall error instead. Syscall stops and benign signals are
// absorbed internally and yield neither a terminus nor an
// error, leaving the caller's Regs_post read to observe their effect.
func (c *Controller) classifyStop(isSyscallInsn bool) (*ir.Terminus, error) {
	ws, err := c.handle.Wait()
	if err != nil {
		return nil, err
	}

	switch {
	case ws.Exited():
		return &ir.Terminus{Kind: ir.TerminusExit, Code: ws.ExitStatus()}, nil

	case ws.Signaled():
		return &ir.Terminus{Kind: ir.TerminusSignaled, Signum: int(ws.Signal())}, nil

	case ws.Stopped():
		sig := ws.StopSignal()
		switch {
		case sig == sys.SIGTRAP|0x80:
			// PTRACE_O_TRACESYSGOOD marks syscall entry and exit stops
			// this way, keeping them distinguishable from step traps.
			return c.onSyscallStop()

		case sig == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_EXIT:
			// PTRACE_O_TRACEEXIT: the child is about to exit; let it run
			// to the real exit stop rather than treating this as a step.
			if err := c.handle.Cont(0); err != nil {
				return nil, err
			}
			return c.classifyStop(false)

		case sig == sys.SIGTRAP && isChildEvent(ws.TrapCause()):
			// A clone/fork/vfork created a new tracee. mttn follows only
			// the main thread: release the child and keep stepping.
			if newPid, err := c.handle.EventMsg(); err == nil {
				_ = c.handle.DetachOther(int(newPid))
			}
			if err := c.resume(isSyscallInsn, 0); err != nil {
				return nil, err
			}
			return c.classifyStop(isSyscallInsn)

		case sig == sys.SIGTRAP:
			return nil, nil

		case isFatalSignal(sig):
			return &ir.Terminus{Kind: ir.TerminusSignaled, Signum: int(sig)}, nil

		default:
			// Benign signal: deliver it on the next resume rather than
			// swallowing it. The re-armed step hasn't happened yet, so wait
			// for the stop it produces before reporting completion.
			pre, err := c.readRegs()
			if err != nil {
				return nil, err
			}
			if err := c.resume(isSyscallInsn, int(sig)); err != nil {
				return nil, err
			}
			term, err := c.classifyStop(isSyscallInsn)
			if err != nil || term != nil {
				return term, err
			}
			c.sigFramePending, c.sigFrameEsp = true, pre.Esp
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unhandled wait status %v", ws)
}

// reportFault implements --debug-on-fault: when a step dies on a
// BadRead/BadWrite, report where the fault landed relative to the
// tracee's current mappings, then detach with SIGSTOP so the process is
// left suspended for a debugger to attach instead of dying with the
// tracer.
func (c *Controller) reportFault(stepErr error) {
	if !c.cfg.DebugOnFault {
		return
	}
	var addr uint32
	var width int
	var write bool
	switch e := stepErr.(type) {
	case tracererr.BadRead:
		addr, width = e.Addr, e.Width
	case tracererr.BadWrite:
		addr, width, write = e.Addr, e.Width, true
	default:
		return
	}

	mapped := "unknown"
	if regions, err := probe.MemoryMap(c.handle.Pid()); err == nil {
		if probe.Contains(regions, addr, width, write) {
			mapped = "mapped with the needed permission"
		} else {
			mapped = "not mapped with the needed permission"
		}
	}
	logflags.Any().Errorf("fault at 0x%08x (%d byte(s), %s); suspending tracee %d, detaching and exiting", addr, width, mapped, c.handle.Pid())
	_ = c.handle.Detach(int(sys.SIGSTOP))
}

func isChildEvent(cause int) bool {
	switch cause {
	case sys.PTRACE_EVENT_CLONE, sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
		return true
	default:
		return false
	}
}

func isFatalSignal(sig sys.Signal) bool {
	switch sig {
	case sys.SIGILL, sys.SIGBUS, sys.SIGFPE, sys.SIGSEGV, sys.SIGABRT, sys.SIGSTKFLT:
		return true
	default:
		return false
	}
}

func (c *Controller) readRegs() (ir.Regs, error) {
	var regs sys.PtraceRegs386
	if err := c.handle.GetRegs(&regs); err != nil {
		return ir.Regs{}, err
	}
	return ir.Regs{
		Eax: uint32(regs.Eax), Ebx: uint32(regs.Ebx), Ecx: uint32(regs.Ecx), Edx: uint32(regs.Edx),
		Esi: uint32(regs.Esi), Edi: uint32(regs.Edi), Ebp: uint32(regs.Ebp), Esp: uint32(regs.Esp),
		Eip: uint32(regs.Eip), Eflags: uint32(regs.Eflags),
		Cs: uint32(regs.Xcs), Ds: uint32(regs.Xds), Es: uint32(regs.Xes), Fs: uint32(regs.Xfs), Gs: uint32(regs.Xgs), Ss: uint32(regs.Xss),
	}, nil
}

// readInsnBytes fills buf (up to 15 bytes) starting at eip, shrinking
// the read on failure so an instruction that starts near the end of a
// mapped page still decodes from whatever bytes are actually readable.
func (c *Controller) readInsnBytes(eip uint32, buf []byte) int {
	for n := len(buf); n > 0; n-- {
		if err := c.prober.ReadMemory(eip, buf[:n]); err == nil {
			return n
		}
	}
	return 0
}

// onSyscallStop advances the NotInSyscall/InSyscall state machine one
// transition. On the entry transition it records the entry-time
// registers and looks the syscall number up in the configured model,
// then resumes to the matching exit stop before
// returning control to step(); on the exit transition it simply resets
// state, leaving drainSyscallAccesses to do the work with post-step
// registers once step() has read them.
func (c *Controller) onSyscallStop() (*ir.Terminus, error) {
	regs, err := c.readRegs()
	if err != nil {
		return nil, err
	}
	if c.state == notInSyscall {
		c.state = inSyscall
		c.entryRegs = regs
		entry, ok := c.cfg.SyscallModel.Lookup(int(regs.Eax))
		switch {
		case ok:
			c.entry, c.entryKnown = entry, true
		case c.cfg.IgnoreUnsupportedMemops:
			c.entryKnown = false
		default:
			return nil, tracererr.UnsupportedSyscall{Num: int(regs.Eax), Model: c.cfg.SyscallModel.Name}
		}
		if logflags.Syscall() {
			name := "unmodeled"
			if c.entryKnown {
				name = c.entry.Name
			}
			logflags.SyscallLogger().Debugf("entry: num=%d (%s) model=%s", regs.Eax, name, c.cfg.SyscallModel.Name)
		}
		if err := c.handle.Syscall(0); err != nil {
			return nil, err
		}
		return c.classifyStop(true)
	}

	c.state = notInSyscall
	return nil, nil
}

// chunkAccesses splits an arbitrary-length synthesized region (syscall
// buffers, signal frames) into the power-of-two accesses the record
// schema allows, walking it 4 bytes at a time with narrower pieces for
// the tail.
func chunkAccesses(addr uint32, data []byte, dir ir.Direction) []ir.MemoryAccess {
	var out []ir.MemoryAccess
	off := 0
	for off < len(data) {
		w := 4
		for w > len(data)-off {
			w >>= 1
		}
		out = append(out, ir.MemoryAccess{
			Addr:      addr + uint32(off),
			Width:     ir.Width(w),
			Direction: dir,
			Data:      data[off : off+w],
		})
		off += w
	}
	return out
}

// drainSyscallAccesses synthesizes the memory accesses a modeled syscall
// performs, using the entry-time registers (for the buffer address and
// requested length) and the exit-time registers post (for the return
// value, which clips a BufferOut access to the syscall's actual_len).
func (c *Controller) drainSyscallAccesses(post ir.Regs) []ir.MemoryAccess {
	if !c.entryKnown || c.entry.Shape == syscallmodel.Passthrough {
		c.entryKnown = false
		return nil
	}
	entry := c.entry
	c.entryKnown = false

	addr := syscallmodel.ArgValue(entry.BufArg, c.entryRegs)
	length := entry.Len(c.entryRegs)

	switch entry.Shape {
	case syscallmodel.BufferIn:
		buf := make([]byte, length)
		if err := c.prober.ReadMemory(addr, buf); err != nil {
			return nil
		}
		return chunkAccesses(addr, buf, ir.Read)
	case syscallmodel.BufferOut:
		actual := int32(post.Eax)
		if actual < 0 {
			return nil
		}
		n := uint32(actual)
		if n > length {
			n = length
		}
		if n == 0 {
			return nil
		}
		buf := make([]byte, n)
		if err := c.prober.ReadMemory(addr, buf); err != nil {
			return nil
		}
		return chunkAccesses(addr, buf, ir.Write)
	default:
		return nil
	}
}

// drainSignalFrame attributes the kernel-built signal frame, if one was
// pushed while delivering a benign signal during this step's
// single-step, to this step's record. The frame occupies
// [post.Esp, pre.Esp) on a down-growing stack; esp at the interrupted
// instruction's resume point is what the tracer originally observed
// before the signal was injected.
func (c *Controller) drainSignalFrame(post ir.Regs) []ir.MemoryAccess {
	if !c.sigFramePending {
		return nil
	}
	pendingEsp := c.sigFrameEsp
	c.sigFramePending = false

	if post.Esp >= pendingEsp {
		return nil
	}
	n := pendingEsp - post.Esp
	buf := make([]byte, n)
	if err := c.prober.ReadMemory(post.Esp, buf); err != nil {
		return nil
	}
	return chunkAccesses(post.Esp, buf, ir.Write)
}
