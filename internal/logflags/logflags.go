// Package logflags configures mttn's internal diagnostic logging.
//
// Diagnostics produced here are sink-independent: they never appear in the
// trace stream itself, only on the tracer's own stderr. The set of
// subsystems that actually emit is controlled by a RUST_LOG-compatible
// environment variable, e.g. RUST_LOG=ptrace,syscall.
package logflags

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	tracer   bool
	ptrace   bool
	decode   bool
	syscall_ bool
	sink     bool
)

// EnvVar is the environment variable mttn reads its log configuration
// from, matching the CLI's documented RUST_LOG-compatible behavior.
const EnvVar = "RUST_LOG"

// Setup parses EnvVar (or an explicit override string, if nonempty) into
// the per-subsystem gates. Recognized component names are "tracer",
// "ptrace", "decode", "syscall", "sink", and "all".
func Setup(override string) {
	spec := override
	if spec == "" {
		spec = os.Getenv(EnvVar)
	}
	if spec == "" {
		return
	}
	for _, field := range strings.Split(spec, ",") {
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "tracer":
			tracer = true
		case "ptrace":
			ptrace = true
		case "decode":
			decode = true
		case "syscall":
			syscall_ = true
		case "sink":
			sink = true
		case "all", "debug", "trace":
			tracer, ptrace, decode, syscall_, sink = true, true, true, true, true
		}
	}
}

func makeLogger(enabled bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !enabled {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Tracer reports whether StepController should log its per-step loop.
func Tracer() bool { return tracer }

// TracerLogger returns a configured logger for the step loop.
func TracerLogger() *logrus.Entry {
	return makeLogger(tracer, logrus.Fields{"layer": "tracer"})
}

// Ptrace reports whether the ptrace wrapper layer should log raw syscalls.
func Ptrace() bool { return ptrace }

// PtraceLogger returns a configured logger for the ptrace layer.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "ptrace"})
}

// Decode reports whether the Decoder/OperandResolver should log.
func Decode() bool { return decode }

// DecodeLogger returns a configured logger for decode/resolve.
func DecodeLogger() *logrus.Entry {
	return makeLogger(decode, logrus.Fields{"layer": "decode"})
}

// Syscall reports whether the SyscallModel should log.
func Syscall() bool { return syscall_ }

// SyscallLogger returns a configured logger for the syscall model.
func SyscallLogger() *logrus.Entry {
	return makeLogger(syscall_, logrus.Fields{"layer": "syscall"})
}

// Any returns a logger that is always enabled, for diagnostics that
// must reach the user regardless of what RUST_LOG selects.
func Any() *logrus.Entry {
	return makeLogger(true, logrus.Fields{"layer": "mttn"})
}

// Sink reports whether sinks should log write diagnostics.
func Sink() bool { return sink }

// SinkLogger returns a configured logger for sinks.
func SinkLogger() *logrus.Entry {
	return makeLogger(sink, logrus.Fields{"layer": "sink"})
}
