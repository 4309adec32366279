// Package cli assembles mttn's cobra command tree: package-level flag
// variables bound to a root *cobra.Command via PersistentFlags/Flags,
// with the real work dispatched from RunE.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trailofbits/mttn/internal/launcher"
	"github.com/trailofbits/mttn/internal/logflags"
	"github.com/trailofbits/mttn/internal/mttnconfig"
	"github.com/trailofbits/mttn/internal/sink"
	"github.com/trailofbits/mttn/internal/syscallmodel"
	"github.com/trailofbits/mttn/internal/tracer"
)

var (
	attachPid               int
	mode                    int
	format                  string
	emitPreRegs             bool
	textAlongside           bool
	syscallModelName        string
	ignoreUnsupportedMemops bool
	debugOnFault            bool
	maxSteps                int64
	ttyPath                 string
	configPath              string
	logSpec                 string

	rootCommand *cobra.Command
)

// New builds the root command. Separated from main() so tests can
// construct and execute it without touching os.Args.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "mttn [flags] program [-- args...]",
		Short: "single-step x86 instruction tracer",
		Long: `mttn single-steps a 32-bit x86 Linux process and emits, for every
retired instruction, the instruction bytes, the register file before and
after, and the concrete memory reads and writes it performed.`,
		Args: cobra.MinimumNArgs(0),
		RunE: runTrace,
	}

	rootCommand.PersistentFlags().StringVar(&logSpec, "log-output", "", "comma separated list of components to produce debug output for (overrides RUST_LOG)")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "path to an mttn config file (default $HOME/.mttn.yml)")

	f := rootCommand.Flags()
	f.IntVarP(&attachPid, "attach", "a", 0, "attach to running process PID instead of spawning")
	f.IntVarP(&mode, "mode", "m", 32, "force N-bit decoding (only 32 is supported)")
	f.StringVarP(&format, "format", "F", "jsonl", "output format: jsonl, tiny86-text, tiny86-bin")
	f.BoolVarP(&emitPreRegs, "pre-regs", "A", false, "emit pre-step register snapshot")
	f.BoolVarP(&textAlongside, "text", "t", false, "emit human-readable text alongside structured output")
	f.StringVar(&syscallModelName, "syscall-model", "", "syscall interpretation: linux or decree")
	f.BoolVar(&ignoreUnsupportedMemops, "ignore-unsupported-memops", false, "skip, don't abort, on unsupported operand widths")
	f.BoolVar(&debugOnFault, "debug-on-fault", false, "on a memory fault, suspend and detach the tracee for a debugger instead of killing it")
	f.Int64Var(&maxSteps, "max-steps", 0, "stop after N steps (0 means unlimited)")
	f.StringVar(&ttyPath, "tty", "", "use the named pseudo-terminal for the child's stdio")

	return rootCommand
}

func runTrace(cmd *cobra.Command, args []string) error {
	logflags.Setup(logSpec)

	if mode != 32 {
		fmt.Fprintln(os.Stderr, "mttn: only -m 32 is supported")
		os.Exit(2)
	}
	if attachPid == 0 && len(args) == 0 {
		fmt.Fprintln(os.Stderr, "mttn: a program or --attach PID is required")
		os.Exit(2)
	}

	cfg, err := mttnconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mttn: loading config: %v\n", err)
		os.Exit(1)
	}

	modelName := syscallModelName
	if modelName == "" {
		modelName = cfg.SyscallModel
	}
	model, err := syscallmodel.ByName(modelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mttn: %v\n", err)
		os.Exit(2)
	}
	if len(cfg.ExtraLinuxSyscalls) > 0 && model.Name == "linux" {
		model = model.WithExtra(cfg.ExtraLinuxSyscalls)
	}
	if len(cfg.ExtraDecreeSyscalls) > 0 && model.Name == "decree" {
		model = model.WithExtra(cfg.ExtraDecreeSyscalls)
	}

	allowList := map[string]bool{}
	for _, m := range cfg.UnsupportedOperandAllowList {
		allowList[m] = true
	}

	opts := launcher.Options{
		Attach: attachPid,
		TTY:    ttyPath,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if len(args) > 0 {
		opts.Path = args[0]
		opts.Args = args
	}

	tracee, err := launcher.Launch(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mttn: %v\n", err)
		os.Exit(1)
	}

	out, err := buildSink()
	if err != nil {
		tracee.Close()
		fmt.Fprintf(os.Stderr, "mttn: %v\n", err)
		os.Exit(1)
	}

	ctrl := tracer.New(tracee.Handle, tracer.Config{
		IgnoreUnsupportedMemops: ignoreUnsupportedMemops,
		UnsupportedAllowList:    allowList,
		SyscallModel:            model,
		MaxSteps:                maxSteps,
		DebugOnFault:            debugOnFault,
	})

	status, runErr := ctrl.Run(out)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "mttn: %v\n", runErr)
	}

	// os.Exit skips deferred calls, so flush and release explicitly
	// before reporting the child's status.
	out.Close()
	tracee.Close()
	os.Exit(status)
	return nil
}

func buildSink() (sink.Sink, error) {
	var structured sink.Sink
	switch format {
	case "jsonl":
		structured = sink.NewJSONL(os.Stdout, emitPreRegs)
	case "tiny86-bin":
		structured = sink.NewTiny86Bin(os.Stdout)
	case "tiny86-text":
		structured = sink.NewText(os.Stdout)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	if textAlongside && format != "tiny86-text" {
		return sink.NewMulti(structured, sink.NewText(os.Stderr)), nil
	}
	return structured, nil
}
