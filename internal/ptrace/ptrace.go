// Package ptrace wraps the raw PTRACE_* calls mttn needs: a thin Go
// layer over golang.org/x/sys/unix that hides the raw syscall numbers
// and the PTRACE_PEEKDATA/POKEDATA word-at-a-time calling convention
// from the rest of the tracer.
//
// Every exported function here must run on the same OS thread that
// attached to (or spawned-with-PTRACE_TRACEME) the target, a Linux
// ptrace requirement; Tracee enforces that with a dedicated worker
// goroutine pinned via runtime.LockOSThread.
package ptrace

import (
	"runtime"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/trailofbits/mttn/internal/logflags"
)

// Options are the PTRACE_O_* bits mttn enables on every tracee:
// TRACESYSGOOD marks syscall stops with SIGTRAP|0x80 so they are
// distinguishable from single-step traps; TRACEEXIT gives one last stop
// before the tracee disappears; the clone/fork/vfork bits report new
// children so the controller can detach them (mttn never follows them);
// EXITKILL tears the tracee down if the tracer dies first.
const Options = sys.PTRACE_O_TRACESYSGOOD |
	sys.PTRACE_O_TRACEEXIT |
	sys.PTRACE_O_TRACECLONE |
	sys.PTRACE_O_TRACEFORK |
	sys.PTRACE_O_TRACEVFORK |
	sys.PTRACE_O_EXITKILL

// Tracee pins all ptrace calls for one tracee to a single OS thread: New
// starts a worker goroutine locked to its own OS thread, and every call
// is run on it. The worker, and with it the thread lock, lives until
// Close.
type Tracee struct {
	pid  int
	work chan func()
	done chan struct{}
}

// New spawns a worker goroutine locked to its OS thread and returns a
// Tracee bound to it. Each Tracee owns its own thread, so multiple
// tracees (e.g. under --attach in a test harness) never contend for
// one.
func New(pid int) *Tracee {
	t := &Tracee{pid: pid, work: make(chan func()), done: make(chan struct{})}
	ready := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		close(ready)
		for fn := range t.work {
			fn()
		}
		close(t.done)
	}()
	<-ready
	return t
}

// Close stops the Tracee's dedicated OS thread. Callers must not issue
// further calls after Close.
func (t *Tracee) Close() {
	close(t.work)
	<-t.done
}

func (t *Tracee) dispatch(fn func()) {
	done := make(chan struct{})
	t.work <- func() {
		fn()
		close(done)
	}
	<-done
}

// Dispatch runs fn on the Tracee's dedicated OS thread. It exists for
// callers, like the launcher package, that need to issue a non-ptrace
// syscall (fork/exec, personality(2)) from the exact thread that will
// subsequently own this tracee's ptrace calls.
func (t *Tracee) Dispatch(fn func()) {
	t.dispatch(fn)
}

// Rebind sets the pid this Tracee controls. Used by the launcher after
// spawning a child with PTRACE_TRACEME, where the pid isn't known until
// cmd.Start() returns.
func (t *Tracee) Rebind(pid int) {
	t.pid = pid
}

// Attach attaches to an already-running process.
func (t *Tracee) Attach() error {
	var err error
	t.dispatch(func() { err = sys.PtraceAttach(t.pid) })
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("attach pid=%d err=%v", t.pid, err)
	}
	return err
}

// SetOptions applies Options to the tracee.
func (t *Tracee) SetOptions() error {
	var err error
	t.dispatch(func() { err = sys.PtraceSetOptions(t.pid, Options) })
	return err
}

// GetRegs reads the tracee's general-purpose registers via
// PTRACE_GETREGS into the kernel's native i386 layout.
func (t *Tracee) GetRegs(regs *sys.PtraceRegs386) error {
	var err error
	t.dispatch(func() { err = sys.PtraceGetRegs386(t.pid, regs) })
	return err
}

// SetRegs writes the tracee's general-purpose registers via
// PTRACE_SETREGS.
func (t *Tracee) SetRegs(regs *sys.PtraceRegs386) error {
	var err error
	t.dispatch(func() { err = sys.PtraceSetRegs386(t.pid, regs) })
	return err
}

// SingleStep issues PTRACE_SINGLESTEP, optionally delivering sig (0 for
// none) to the tracee as it resumes.
func (t *Tracee) SingleStep(sig int) error {
	var err error
	t.dispatch(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(t.pid), 0, uintptr(sig), 0, 0)
		if e1 != 0 {
			err = e1
		}
	})
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("singlestep pid=%d sig=%d err=%v", t.pid, sig, err)
	}
	return err
}

// Cont issues PTRACE_CONT, used only to let a PTRACE_EVENT_EXIT stop
// run through to the real exit.
func (t *Tracee) Cont(sig int) error {
	var err error
	t.dispatch(func() { err = sys.PtraceCont(t.pid, sig) })
	return err
}

// Syscall issues PTRACE_SYSCALL: resume until the next syscall entry or
// exit stop. The controller uses this instead of SingleStep when the
// decoded instruction is a syscall, so the entry and exit stops the
// syscall model needs actually materialize.
func (t *Tracee) Syscall(sig int) error {
	var err error
	t.dispatch(func() { err = sys.PtraceSyscall(t.pid, sig) })
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("syscall-resume pid=%d sig=%d err=%v", t.pid, sig, err)
	}
	return err
}

// Wait blocks for the tracee's next stop or termination, from the same
// OS thread every other ptrace call issues on.
func (t *Tracee) Wait() (sys.WaitStatus, error) {
	var ws sys.WaitStatus
	var err error
	t.dispatch(func() { _, err = sys.Wait4(t.pid, &ws, 0, nil) })
	return ws, err
}

// EventMsg reads the PTRACE_GETEVENTMSG payload for the current stop:
// for clone/fork/vfork event stops, the pid of the new child.
func (t *Tracee) EventMsg() (uint, error) {
	var msg uint
	var err error
	t.dispatch(func() { msg, err = sys.PtraceGetEventMsg(t.pid) })
	return msg, err
}

// DetachOther detaches a tracee other than t's own, used to release the
// auto-attached children that clone/fork/vfork event stops report. It
// runs on t's thread because the kernel considers that thread the
// tracer of the new child too.
func (t *Tracee) DetachOther(pid int) error {
	var err error
	t.dispatch(func() {
		// The new child is born with a pending stop the tracer must
		// observe before it can be detached.
		var ws sys.WaitStatus
		sys.Wait4(pid, &ws, 0, nil)
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(pid), 1, 0, 0, 0)
		if e1 != 0 {
			err = e1
		}
	})
	return err
}

// Detach issues PTRACE_DETACH, letting the tracee run free.
func (t *Tracee) Detach(sig int) error {
	var err error
	t.dispatch(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(t.pid), 1, uintptr(sig), 0, 0)
		if e1 != 0 {
			err = e1
		}
	})
	return err
}

// PeekData reads len(dst) bytes starting at addr via PTRACE_PEEKDATA,
// one word at a time. The probe package tries process_vm_readv first and
// falls back to this path when that call fails or comes up short.
func (t *Tracee) PeekData(addr uintptr, dst []byte) (int, error) {
	var n int
	var err error
	t.dispatch(func() { n, err = sys.PtracePeekData(t.pid, addr, dst) })
	return n, err
}

// PokeData writes src to addr via PTRACE_POKEDATA.
func (t *Tracee) PokeData(addr uintptr, src []byte) (int, error) {
	var n int
	var err error
	t.dispatch(func() { n, err = sys.PtracePokeData(t.pid, addr, src) })
	return n, err
}

// ProcessVMReadv bulk-reads the tracee's address space via
// process_vm_readv(2), avoiding ptrace's one-word-at-a-time overhead.
func (t *Tracee) ProcessVMReadv(addr uintptr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	var n int
	var err error
	t.dispatch(func() {
		localIov := []sys.Iovec{{Base: &dst[0], Len: uint64(len(dst))}}
		remoteIov := []sys.RemoteIovec{{Base: addr, Len: len(dst)}}
		n, err = sys.ProcessVMReadv(t.pid, localIov, remoteIov, 0)
	})
	return n, err
}

// Kill sends SIGKILL to the tracee. (On SIGINT the controller detaches
// the tracee rather than killing it.)
func (t *Tracee) Kill() error {
	var err error
	t.dispatch(func() { err = sys.Kill(t.pid, syscall.SIGKILL) })
	return err
}

// Pid returns the tracee's process ID.
func (t *Tracee) Pid() int { return t.pid }
