package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mxcrafts/opentrack/internal/kprobes"
	"github.com/mxcrafts/opentrack/pkg/logger"
)

// Backend names accepted in tracer.backends.
const (
	BackendProbe = "probe"
	BackendPatch = "patch"
)

const (
	DefaultBaseSyscall     = "openat"
	DefaultExtendedSyscall = "openat2"
	DefaultPatchSymbol     = "do_sys_openat2"
	DefaultRingBufSize     = 256 * 1024
	DefaultLogPath         = "/var/log/opentrack/opentrack.log"
)

type Config struct {
	Tracer TracerConfig `toml:"tracer"`

	// HTTP control server
	HttpServer struct {
		Enabled bool   `toml:"enabled"`
		Port    int    `toml:"port"`
		Host    string `toml:"host"`
	} `toml:"http_server"`

	Log logger.Config `toml:"log"`
}

// TracerConfig selects what the openat monitor hooks and whom it traces.
type TracerConfig struct {
	Backends []string `toml:"backends"` // probe, patch
	// TargetPID restricts tracing to one process, 0 traces all.
	TargetPID uint32 `toml:"target_pid"`
	// IgnoreSelf keeps the tracer's own opens out of the trace. Defaults to true.
	IgnoreSelf *bool `toml:"ignore_self"`

	BaseSyscall     string `toml:"base_syscall"`
	ExtendedSyscall string `toml:"extended_syscall"`
	PatchSymbol     string `toml:"patch_symbol"`

	KprobesList string `toml:"kprobes_list"`
	RingBufSize int    `toml:"ringbuf_size"` // bytes, power of two
}

// UseProbe reports whether the probe backend is configured.
func (t *TracerConfig) UseProbe() bool {
	return t.has(BackendProbe)
}

// UsePatch reports whether the patch backend is configured.
func (t *TracerConfig) UsePatch() bool {
	return t.has(BackendPatch)
}

func (t *TracerConfig) has(backend string) bool {
	for _, b := range t.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// ShouldIgnoreSelf reports whether the tracer excludes its own process.
func (t *TracerConfig) ShouldIgnoreSelf() bool {
	return t.IgnoreSelf == nil || *t.IgnoreSelf
}

// ParseBackends turns a command line selection (probe, patch or both) into
// a backend list.
func ParseBackends(s string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case BackendProbe:
		return []string{BackendProbe}, nil
	case BackendPatch:
		return []string{BackendPatch}, nil
	case "both":
		return []string{BackendProbe, BackendPatch}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q, valid options: probe, patch, both", s)
	}
}

func Load(path string) (*Config, error) {
	var config Config

	// Read and parse TOML configuration file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	t := &c.Tracer
	if len(t.Backends) == 0 {
		t.Backends = []string{BackendProbe}
	}
	if t.BaseSyscall == "" {
		t.BaseSyscall = DefaultBaseSyscall
	}
	if t.ExtendedSyscall == "" {
		t.ExtendedSyscall = DefaultExtendedSyscall
	}
	if t.PatchSymbol == "" {
		t.PatchSymbol = DefaultPatchSymbol
	}
	if t.KprobesList == "" {
		t.KprobesList = kprobes.DefaultListPath
	}
	if t.RingBufSize == 0 {
		t.RingBufSize = DefaultRingBufSize
	}

	if c.HttpServer.Enabled && c.HttpServer.Port == 0 {
		c.HttpServer.Port = 8080
	}
	if c.HttpServer.Host == "" {
		c.HttpServer.Host = "127.0.0.1"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.OutputPath == "" {
		c.Log.OutputPath = DefaultLogPath
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 7
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
}

// Validate checks a configuration after defaults are applied.
func (c *Config) Validate() error {
	for _, b := range c.Tracer.Backends {
		if b != BackendProbe && b != BackendPatch {
			return fmt.Errorf("unknown tracer backend: %s, valid options: %v",
				b, []string{BackendProbe, BackendPatch})
		}
	}

	size := c.Tracer.RingBufSize
	if size < 4096 || size&(size-1) != 0 {
		return fmt.Errorf("ringbuf_size must be a power of two of at least 4096, got %d", size)
	}

	if c.HttpServer.Enabled && (c.HttpServer.Port <= 0 || c.HttpServer.Port > 65535) {
		return fmt.Errorf("invalid http_server port: %d", c.HttpServer.Port)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return nil
}
