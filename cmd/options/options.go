package options

import (
	"flag"
	"fmt"
	"os"

	"github.com/mxcrafts/opentrack/internal/config"
)

const (
	defaultConfigPath = "policy.toml"
	unsetPID          = -1
)

// Options defines command line options
type Options struct {
	ConfigPath string
	// TargetPID overrides tracer.target_pid when not negative.
	TargetPID int64
	// Backend overrides tracer.backends: probe, patch or both.
	Backend string
}

// NewOptions creates a new Options instance with default values
func NewOptions() *Options {
	return &Options{
		ConfigPath: defaultConfigPath,
		TargetPID:  unsetPID,
	}
}

// AddFlags adds flags to the specified FlagSet
func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "Path to configuration file")
	fs.Int64Var(&o.TargetPID, "pid", o.TargetPID, "Trace only this process id, 0 traces all")
	fs.StringVar(&o.Backend, "backend", o.Backend, "Interception backend: probe, patch or both")
}

// Parse parses command line arguments
func Parse() (*Options, error) {
	return ParseArgs(os.Args[0], os.Args[1:])
}

// ParseArgs parses the given arguments
func ParseArgs(name string, args []string) (*Options, error) {
	options := NewOptions()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	options.AddFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse command line arguments: %w", err)
	}

	return options, nil
}

// Validate validates the options
func (o *Options) Validate() error {
	if o.ConfigPath == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if o.TargetPID < unsetPID || o.TargetPID > int64(^uint32(0)) {
		return fmt.Errorf("invalid pid: %d", o.TargetPID)
	}
	if o.Backend != "" {
		if _, err := config.ParseBackends(o.Backend); err != nil {
			return err
		}
	}
	return nil
}

// Apply overrides configuration values with the ones given on the command line.
func (o *Options) Apply(cfg *config.Config) error {
	if o.TargetPID != unsetPID {
		cfg.Tracer.TargetPID = uint32(o.TargetPID)
	}
	if o.Backend != "" {
		backends, err := config.ParseBackends(o.Backend)
		if err != nil {
			return err
		}
		cfg.Tracer.Backends = backends
	}
	return nil
}
