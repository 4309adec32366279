// Package mttnconfig loads optional on-disk configuration for mttn: a
// YAML file found in the user's home directory, or at an explicitly
// given override path.
package mttnconfig

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config is the optional on-disk configuration. Every field has a safe
// zero value; a missing or empty config file behaves as if none of these
// extensions were present. CLI flags always take precedence over the
// values loaded here.
type Config struct {
	// SyscallModel names the default syscall model ("linux" or "decree")
	// used when --syscall-model is not passed on the command line.
	SyscallModel string `yaml:"syscall-model"`

	// ExtraDecreeSyscalls extends the decree model's allow-list with
	// additional syscall numbers mapped to one of the builtin access
	// shapes ("passthrough", "transmit-like", "receive-like").
	ExtraDecreeSyscalls map[int]string `yaml:"extra-decree-syscalls"`

	// ExtraLinuxSyscalls extends the linux model's allow-list the same way.
	ExtraLinuxSyscalls map[int]string `yaml:"extra-linux-syscalls"`

	// UnsupportedOperandAllowList names instruction mnemonics that, under
	// --ignore-unsupported-memops, are stepped without resolving their
	// memory operands (traced with an empty access list). There is no
	// builtin list; this is the only source of entries.
	UnsupportedOperandAllowList []string `yaml:"unsupported-operand-allow-list"`
}

// DefaultPath returns $HOME/.mttn.yml, the default config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mttn.yml")
}

// Load reads and parses the config file at path. A missing file is not an
// error: Load returns a zero Config in that case, matching the CLI's
// "config is entirely optional" contract.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return &Config{}, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
