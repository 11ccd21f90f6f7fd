// Contextd manages the context window of local LLM conversations under
// GPU memory constraints.
//
// It sizes the token budget from available VRAM, admits messages through
// a multi-level memory guard, compresses older history into checkpoint
// summaries, and snapshots conversations for recovery. State is exposed
// over an HTTP API with a WebSocket event stream, and optionally
// published to an MQTT broker. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	contextd serve             Start the daemon
//	contextd init [dir]        Write a default config file
//	contextd version           Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/api"
	"github.com/Tecet/OLLM-CLI-sub015/internal/buildinfo"
	"github.com/Tecet/OLLM-CLI-sub015/internal/compress"
	"github.com/Tecet/OLLM-CLI-sub015/internal/config"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
	"github.com/Tecet/OLLM-CLI-sub015/internal/gpu"
	"github.com/Tecet/OLLM-CLI-sub015/internal/guard"
	"github.com/Tecet/OLLM-CLI-sub015/internal/llm"
	"github.com/Tecet/OLLM-CLI-sub015/internal/manager"
	"github.com/Tecet/OLLM-CLI-sub015/internal/pool"
	"github.com/Tecet/OLLM-CLI-sub015/internal/snapshot"
	"github.com/Tecet/OLLM-CLI-sub015/internal/telemetry"
	"github.com/Tecet/OLLM-CLI-sub015/internal/tokens"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global state interferes with calling run concurrently from
// tests and the surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `contextd - context window manager for local LLM conversations

Usage:
  contextd serve             Start the daemon
  contextd init [dir]        Write a default config file
  contextd version           Print version and build information

Flags:
  -config <path>             Explicit config file path`)
	return nil
}

// runInit writes a commented default config to dir/config.yaml.
func runInit(stdout io.Writer, dir string) error {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(config.DefaultYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting contextd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults")
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}

	// Reconfigure now that the desired level and format are known. The
	// initial text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Name,
		"ollama_url", cfg.Ollama.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// SIGINT/SIGTERM trigger graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	counter := tokens.NewCounter()

	// --- VRAM monitor ---
	monitor := gpu.NewMonitor(gpu.Config{
		LowMemoryRatio: cfg.VRAM.LowMemoryRatio,
	}, bus, logger)

	// --- Context pool ---
	ctxPool := pool.New(pool.Config{
		MinSize:                 cfg.Context.MinSize,
		MaxSize:                 cfg.Context.MaxSize,
		ReserveBytes:            uint64(cfg.Context.VRAMBufferMiB) << 20,
		BytesPerTokenPerBillion: cfg.Context.BytesPerTokenPerBillion,
	}, bus, logger)

	model := pool.ModelInfo{
		Name:           cfg.Model.Name,
		ParamsBillions: cfg.Model.ParamsBillions,
		ContextLimit:   cfg.Model.ContextWindow,
		KVQuantization: cfg.Context.KVQuantization,
	}

	if cfg.Context.AutoSize != nil && *cfg.Context.AutoSize {
		// Size the budget from whatever VRAM is visible right now; the
		// low-memory callback shrinks it later if the GPU fills up.
		probeCtx, probeCancel := context.WithTimeout(ctx, 15*time.Second)
		info, err := monitor.GetInfo(probeCtx)
		probeCancel()
		if err != nil {
			logger.Warn("VRAM probe failed, using minimum context size", "error", err)
		} else if err := ctxPool.ResizeToVRAM(info, model); err != nil {
			logger.Warn("initial context sizing failed", "error", err)
		}
		monitor.OnLowMemory(func(info gpu.VRAMInfo) {
			if err := ctxPool.ResizeToVRAM(info, model); err != nil {
				logger.Warn("low-memory resize failed", "error", err)
			}
		})
		monitor.StartPolling(ctx, cfg.VRAM.PollInterval)
		defer monitor.StopPolling()
	} else if cfg.Context.TargetSize > 0 {
		if err := ctxPool.Resize(cfg.Context.TargetSize); err != nil {
			return fmt.Errorf("apply target context size: %w", err)
		}
	}

	// --- Summarizer ---
	// The Ollama-backed summarizer is preferred; when the server is not
	// reachable at startup the extractive fallback keeps compression
	// working without a provider.
	ollama := llm.NewOllamaClient(cfg.Ollama.URL)
	llmSum := compress.NewLLMSummarizer(ollama, cfg.Model.Name)
	var compSum compress.Summarizer = llmSum
	var rollSum manager.RolloverSummarizer = llmSum
	{
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := ollama.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Warn("ollama not reachable, using extractive summarizer",
				"url", cfg.Ollama.URL, "error", err)
			simple := &compress.SimpleSummarizer{}
			compSum, rollSum = simple, simple
		}
	}

	compressor := compress.New(compress.Config{
		PreserveRecent:   cfg.Compression.PreserveRecent,
		SummaryMaxTokens: cfg.Compression.SummaryMaxTokens,
		Timeout:          cfg.Compression.Timeout,
	}, compSum, counter, logger)

	// --- Snapshots ---
	var snaps *snapshot.Manager
	if cfg.Snapshots.Enabled == nil || *cfg.Snapshots.Enabled {
		var storage snapshot.Storage
		switch cfg.Snapshots.Backend {
		case "file":
			fs, err := snapshot.NewFileStorage(filepath.Join(cfg.DataDir, "snapshots"))
			if err != nil {
				return fmt.Errorf("open snapshot storage: %w", err)
			}
			storage = fs
		default:
			db, err := snapshot.OpenSQLite(filepath.Join(cfg.DataDir, "snapshots.db"))
			if err != nil {
				return fmt.Errorf("open snapshot database: %w", err)
			}
			defer db.Close()
			storage = db
		}
		snaps = snapshot.NewManager(snapshot.Config{
			MaxCount:      cfg.Snapshots.MaxCount,
			AutoThreshold: cfg.Snapshots.AutoThreshold,
			AutoCreate:    cfg.Snapshots.AutoCreate == nil || *cfg.Snapshots.AutoCreate,
		}, storage, bus, logger)
	} else {
		logger.Warn("snapshots disabled - rollover and recovery unavailable")
	}

	// --- Context manager ---
	mgr := manager.New(manager.Config{
		CompressionEnabled:   cfg.Compression.Enabled == nil || *cfg.Compression.Enabled,
		CompressionThreshold: cfg.Compression.Threshold,
		Guard: guard.Thresholds{
			Soft:     cfg.Guard.Soft,
			Hard:     cfg.Guard.Hard,
			Critical: cfg.Guard.Critical,
		},
	}, counter, ctxPool, compressor, snaps, rollSum, bus, logger)

	// --- Telemetry ---
	var pub *telemetry.Publisher
	if cfg.MQTT.Broker != "" {
		pub = telemetry.New(cfg.MQTT, &stateAdapter{
			mgr:     mgr,
			pool:    ctxPool,
			monitor: monitor,
		}, bus, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("telemetry publisher failed", "error", err)
			}
		}()
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, ctxPool, monitor, bus, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if pub != nil {
		if err := pub.Stop(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown failed", "error", err)
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// stateAdapter feeds runtime data to the telemetry publisher without
// coupling it to the manager or monitor packages.
type stateAdapter struct {
	mgr     *manager.Manager
	pool    *pool.ContextPool
	monitor *gpu.Monitor
}

func (a *stateAdapter) ContextBudget() int  { return a.pool.Size() }
func (a *stateAdapter) Tier() string        { return a.mgr.CurrentTier().String() }
func (a *stateAdapter) ActiveSessions() int { return len(a.mgr.Sessions()) }
func (a *stateAdapter) CPUMode() bool       { return a.monitor.CPUMode() }

func (a *stateAdapter) VRAMAvailable() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := a.monitor.GetInfo(ctx)
	if err != nil {
		return 0
	}
	return info.Available
}
