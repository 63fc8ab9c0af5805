package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/mxcrafts/opentrack/cmd/options"
	"github.com/mxcrafts/opentrack/internal/bpf"
	"github.com/mxcrafts/opentrack/internal/config"
	"github.com/mxcrafts/opentrack/internal/monitor/openat"
	"github.com/mxcrafts/opentrack/internal/probe"
	"github.com/mxcrafts/opentrack/internal/server"
	"github.com/mxcrafts/opentrack/pkg/logger"
	"github.com/mxcrafts/opentrack/pkg/utils"
	"github.com/mxcrafts/opentrack/pkg/version"
)

func main() {
	// Parse command line options
	opts, err := options.Parse()
	if err != nil {
		fmt.Printf("Error parsing options: %v\n", err)
		os.Exit(1)
	}

	// Validate options
	if err := opts.Validate(); err != nil {
		fmt.Printf("Invalid options: %v\n", err)
		os.Exit(1)
	}

	// Defer panic handler
	defer func() {
		if r := recover(); r != nil {
			logger.Global.Error("Program encountered a critical error",
				"error", r,
				"stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	// Load configuration
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Global.Error("Load Configuration Failed",
			"path", opts.ConfigPath,
			"error", err)
		os.Exit(1)
	}
	if err := opts.Apply(cfg); err != nil {
		logger.Global.Error("Invalid command line override", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.InitLogger(&cfg.Log); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	fmt.Print(version.PrintLogo())

	hostname, err := utils.GetHostname()
	if err != nil {
		logger.Global.Warn("Failed to get hostname", "error", err)
		hostname = "localhost"
	}
	logger.Global.Info("opentrack Started",
		"version", version.Version,
		"host", hostname,
		"backends", cfg.Tracer.Backends)

	monitor, err := newMonitor(cfg)
	if err != nil {
		logger.Global.Error("Create Openat Monitor Failed", "error", err)
		os.Exit(1)
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Enable(ctx); err != nil {
		logger.Global.Error("Enable Openat Monitor Failed", "error", err)
		os.Exit(1)
	}

	var srv *server.Server
	if cfg.HttpServer.Enabled {
		srv = server.NewServer(cfg, monitor, hostname)
		if err := srv.Start(ctx); err != nil {
			logger.Global.Error("Start HTTP Server Failed", "error", err)
			monitor.Disable()
			os.Exit(1)
		}
	}

	// Forward events to the control server, or just consume them.
	events, err := monitor.Collect(ctx)
	if err != nil {
		logger.Global.Error("Collect Openat Events Failed", "error", err)
		monitor.Disable()
		os.Exit(1)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-events:
				if srv != nil {
					srv.ProcessEvent(event)
				}
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-sigChan
	logger.Global.Info("Received Signal, Preparing Exit",
		"signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Global.Warn("HTTP Server Shutdown Failed", "error", err)
		}
	}

	exitCode := 0
	if err := monitor.Disable(); err != nil {
		logger.Global.Error("Disable Openat Monitor Failed", "error", err)
		exitCode = 1
	}

	// Cancel context
	cancel()
	wg.Wait()

	logger.Global.Info("Program Exited Normally!")
	os.Exit(exitCode)
}

// newMonitor builds the openat monitor from the tracer configuration.
func newMonitor(cfg *config.Config) (*openat.Monitor, error) {
	layout, err := bpf.NativeLayout()
	if err != nil {
		return nil, err
	}

	tr := cfg.Tracer
	mcfg := openat.Config{
		Probe:           tr.UseProbe(),
		Patch:           tr.UsePatch(),
		TargetPID:       tr.TargetPID,
		Layout:          layout,
		BaseSyscall:     tr.BaseSyscall,
		ExtendedSyscall: tr.ExtendedSyscall,
		PatchSymbol:     tr.PatchSymbol,
	}
	if tr.ShouldIgnoreSelf() {
		mcfg.IgnorePID = uint32(os.Getpid())
	}

	return openat.NewMonitor(mcfg, func() (openat.Host, error) {
		host, err := probe.NewHost(probe.Options{
			Layout:      layout,
			RingBufSize: tr.RingBufSize,
			ListPath:    tr.KprobesList,
		})
		if err != nil {
			return nil, err
		}
		return host, nil
	})
}
