// Package launcher starts or attaches to the tracee: spawning a traced
// child is exec.Command plus SysProcAttr.Ptrace, issued from the same
// pinned OS thread that the rest of the tracer uses for every other
// ptrace call.
package launcher

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/trailofbits/mttn/internal/ptrace"
	"github.com/trailofbits/mttn/internal/tracererr"
)

const (
	personalityGetPersonality = 0xffffffff
	addrNoRandomize           = 0x0040000
)

// Options configures how the tracee is started.
type Options struct {
	// Path and Args name the program to spawn and its argv (Args[0]
	// should be Path, matching exec.Cmd's convention).
	Path string
	Args []string

	// Attach, if nonzero, names an already-running process to attach to
	// instead of spawning Path.
	Attach int

	// TTY, if nonempty, names a pseudo-terminal the child's stdio should
	// be attached to instead of the tracer's own.
	TTY string

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Tracee is a launched or attached child plus the OS-thread-pinned
// ptrace handle used to control it.
type Tracee struct {
	Handle *ptrace.Tracee
	Pid    int

	cmd     *exec.Cmd
	ptyFile *os.File
}

// Launch spawns or attaches to the tracee described by opts, leaving it
// stopped at its first instruction (after exec, for a spawned child; at
// the point of attachment, for an existing one) with ptrace options
// already set.
func Launch(opts Options) (*Tracee, error) {
	if opts.Attach != 0 {
		return attach(opts.Attach)
	}
	return spawn(opts)
}

func spawn(opts Options) (*Tracee, error) {
	cmd := exec.Command(opts.Path)
	if len(opts.Args) > 0 {
		cmd.Args = opts.Args
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var ptyFile *os.File
	if opts.TTY != "" {
		f, err := attachTTY(cmd, opts.TTY)
		if err != nil {
			return nil, tracererr.Launch{Reason: err.Error()}
		}
		ptyFile = f
		IgnoreTTYSignals()
	}

	t := &Tracee{cmd: cmd, ptyFile: ptyFile}

	var startErr error
	handle := ptrace.New(0)
	// Spawned children always run with address-space randomization off,
	// so a deterministic program traces to a byte-identical stream on
	// every run.
	handle.Dispatch(func() {
		disableASLR()
		startErr = cmd.Start()
	})
	if startErr != nil {
		handle.Close()
		return nil, tracererr.Launch{Reason: startErr.Error()}
	}

	t.Pid = cmd.Process.Pid
	handle.Rebind(t.Pid)
	t.Handle = handle

	// The PTRACE_TRACEME child raises SIGTRAP at its own execve; the
	// parent must consume that stop before issuing any other ptrace
	// call. The wait issues from the handle's pinned thread, the thread
	// the kernel considers this tracee's tracer.
	if _, err := t.Handle.Wait(); err != nil {
		return nil, tracererr.Launch{Reason: err.Error()}
	}
	if err := t.Handle.SetOptions(); err != nil {
		return nil, tracererr.Launch{Reason: err.Error()}
	}
	return t, nil
}

func attach(pid int) (*Tracee, error) {
	handle := ptrace.New(pid)
	if err := handle.Attach(); err != nil {
		handle.Close()
		return nil, tracererr.Launch{Reason: err.Error()}
	}
	if _, err := handle.Wait(); err != nil {
		handle.Close()
		return nil, tracererr.Launch{Reason: err.Error()}
	}
	if err := handle.SetOptions(); err != nil {
		return nil, tracererr.Launch{Reason: err.Error()}
	}
	return &Tracee{Handle: handle, Pid: pid}, nil
}

// disableASLR flips the calling thread's personality bits so the next
// exec() in this thread gets a non-randomized address space. The caller
// is responsible for running this from the same locked OS thread that
// subsequently calls cmd.Start().
func disableASLR() {
	old, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
	if err != syscall.Errno(0) {
		return
	}
	syscall.Syscall(sys.SYS_PERSONALITY, old|addrNoRandomize, 0, 0)
}

// attachTTY allocates a pseudo-terminal and wires it up as the child's
// controlling terminal. ttyPath "pty" allocates a fresh pty pair; any
// other value is opened directly as an existing terminal device.
func attachTTY(cmd *exec.Cmd, ttyPath string) (*os.File, error) {
	if ttyPath != "pty" {
		f, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = f, f, f
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Ctty = int(f.Fd())
		return f, nil
	}

	ptyMaster, ptySlave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = ptySlave, ptySlave, ptySlave
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Ctty = int(ptySlave.Fd())
	return ptyMaster, nil
}

// IgnoreTTYSignals suppresses the tracer's own SIGTTOU/SIGTTIN when the
// tracee is given the foreground.
func IgnoreTTYSignals() {
	signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
}

// Close releases the tracee's ptrace handle and any allocated pty.
func (t *Tracee) Close() {
	if t.ptyFile != nil {
		t.ptyFile.Close()
	}
	if t.Handle != nil {
		t.Handle.Close()
	}
}
