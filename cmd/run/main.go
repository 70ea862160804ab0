package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-process/engine"
	"github.com/wippyai/wasm-process/host"
	"github.com/wippyai/wasm-process/instrument"
	"github.com/wippyai/wasm-process/process"
	"github.com/wippyai/wasm-process/runtime"
	"github.com/wippyai/wasm-process/scheduler"
)

type options struct {
	wasmFile    string
	configFile  string
	entry       string
	args        string
	passes      string
	metricsAddr string
	logLevel    string
	workers     int
	fuel        int64
	maxFuel     int64
	timeout     time.Duration
	list        bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.wasmFile, "wasm", "", "Path to core wasm module")
	flag.StringVar(&o.configFile, "config", "", "TOML runtime configuration")
	flag.StringVar(&o.entry, "entry", "main", "Exported function to spawn")
	flag.StringVar(&o.args, "args", "", "Entry arguments (comma-separated integers)")
	flag.StringVar(&o.passes, "passes", "", "Instrumentation passes (comma-separated, overrides config)")
	flag.StringVar(&o.metricsAddr, "metrics", "", "Serve prometheus metrics on this address")
	flag.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&o.workers, "workers", 0, "Scheduler workers (0 = config or GOMAXPROCS)")
	flag.Int64Var(&o.fuel, "fuel", 0, "Fuel per quantum (0 = config)")
	flag.Int64Var(&o.maxFuel, "max-fuel", 0, "Fuel cap per process (0 = config)")
	flag.DurationVar(&o.timeout, "timeout", 0, "Kill the root process after this long")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with process monitor")
	flag.Parse()

	if o.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-entry name] [-args 1,2] [-config runtime.toml]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	code, err := run(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func loadConfig(o options) (runtime.Config, error) {
	cfg := runtime.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = runtime.LoadConfig(o.configFile); err != nil {
			return cfg, err
		}
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if o.fuel > 0 {
		cfg.FuelPerQuantum = o.fuel
	}
	if o.maxFuel > 0 {
		cfg.MaxFuel = o.maxFuel
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.passes != "" {
		cfg.DefaultPasses = splitList(o.passes)
	}
	return cfg, cfg.Validate()
}

// newLogger builds a console logger for terminals and JSON otherwise. The
// interactive monitor owns the terminal, so it only gets warnings.
func newLogger(level string, interactive bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, err
		}
	}
	if interactive && lvl < zapcore.WarnLevel {
		lvl = zapcore.WarnLevel
	}

	zcfg := zap.NewProductionConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func setLoggers(l *zap.Logger) {
	runtime.SetLogger(l)
	engine.SetLogger(l.Named("engine"))
	instrument.SetLogger(l.Named("instrument"))
	scheduler.SetLogger(l.Named("scheduler"))
	process.SetLogger(l.Named("process"))
	host.SetLogger(l.Named("host"))
}

func run(o options) (int, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return 0, err
	}
	logger, err := newLogger(cfg.LogLevel, o.interactive)
	if err != nil {
		return 0, fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	setLoggers(logger)
	cfg.Logger = logger

	args, err := parseArgs(o.args)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(o.wasmFile)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return 0, fmt.Errorf("start runtime: %w", err)
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			logger.Warn("runtime shutdown", zap.Error(err))
		}
	}()

	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, rt, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	mod, err := rt.Load(ctx, data, runtime.LoadOptions{Name: filepath.Base(o.wasmFile)})
	if err != nil {
		return 0, fmt.Errorf("load module: %w", err)
	}

	if o.list {
		fmt.Printf("Module: %s (%d bytes instrumented, passes: %s)\n",
			mod.Name(), mod.Size(), strings.Join(mod.Passes(), ", "))
		fmt.Printf("\nExported functions:\n")
		for _, name := range mod.Exports() {
			fmt.Printf("  %s\n", name)
		}
		return 0, nil
	}

	if o.interactive {
		return 0, runInteractive(rt, mod, o.entry, args)
	}

	root, err := rt.Spawn(mod, o.entry, args...)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", o.entry, err)
	}
	logger.Info("spawned root process", zap.Stringer("pid", root.PID()), zap.String("entry", o.entry))

	waitCtx := context.Background()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, o.timeout)
		defer cancel()
	}

	select {
	case <-root.Done():
	case <-ctx.Done():
		root.Kill(process.Killed("interrupted"))
	case <-waitCtx.Done():
		root.Kill(process.Killed("timeout"))
	}
	reason, err := root.Wait(context.Background())
	if err != nil {
		return 0, err
	}

	info := root.Info()
	stats := rt.SchedulerStats()
	fmt.Printf("Process %s exited: %s\n", root.PID(), reason)
	fmt.Printf("Fuel: %d in %d quanta\n", info.Fuel, info.Quanta)
	fmt.Printf("Scheduler: %d quanta, %d stolen, %d workers\n", stats.Quanta, stats.Steals, stats.Workers)
	if dead := rt.DeadLetters(); len(dead) > 0 {
		fmt.Printf("\n--- dead letters (%d) ---\n", len(dead))
		for _, d := range dead {
			fmt.Printf("  to <%d> from <%d> %s tag=%d %q\n",
				d.To, d.Message.Sender, d.Message.Kind, d.Message.Tag, d.Message.Payload)
		}
	}

	if !reason.IsNormal() {
		return 2, nil
	}
	return 0, nil
}

func serveMetrics(addr string, rt *runtime.Runtime, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseArgs(s string) ([]uint64, error) {
	var out []uint64
	for _, v := range splitList(s) {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			out = append(out, n)
			continue
		}
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", v, err)
		}
		out = append(out, uint64(n))
	}
	return out, nil
}
