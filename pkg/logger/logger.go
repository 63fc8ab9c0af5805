package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Global is the diagnostic log stream shared by every package.
var Global *slog.Logger

func init() {
	// Initialize the global logger
	Global = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config defines the logger configuration
type Config struct {
	Level      string `toml:"level"`       // debug, info, warn, error
	Format     string `toml:"format"`      // text, json
	OutputPath string `toml:"output_path"` // log file path, empty logs to stdout only
	MaxSize    int    `toml:"max_size"`    // maximum size in megabytes
	MaxAge     int    `toml:"max_age"`     // maximum age in days
	MaxBackups int    `toml:"max_backups"` // maximum number of old log files
	Compress   bool   `toml:"compress"`    // compress old files
}

// ParseLevel maps a configured level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the handler used by InitLogger on top of w.
func NewHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
	}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// InitLogger Initialize the logger according to the configuration
func InitLogger(cfg *Config) error {
	var out io.Writer = os.Stdout

	if cfg.OutputPath != "" {
		// Create log directory
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		// Configure log rotation
		writer := &lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSize,    // MB
			MaxAge:     cfg.MaxAge,     // days
			MaxBackups: cfg.MaxBackups, // files
			Compress:   cfg.Compress,   // compress old files
		}

		// Output to both file and console
		out = io.MultiWriter(os.Stdout, writer)
	}

	// Update the global logger
	Global = slog.New(NewHandler(out, cfg))

	Global.Info("Logger initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"path", cfg.OutputPath)

	return nil
}

// SetupLogFile creates log directory and returns file path
func SetupLogFile(logDir string) (string, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02-15-04-05")
	return filepath.Join(logDir, fmt.Sprintf("opentrack-%s.log", timestamp)), nil
}
