package runtime

import (
	"fmt"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-process/errors"
	"github.com/wippyai/wasm-process/mailbox"
)

// Defaults used by DefaultConfig.
const (
	DefaultFuelPerQuantum  = 10_000
	DefaultMaxMemoryPages  = 65536 // 4 GiB
	DefaultShutdownTimeout = 5 * time.Second
)

// DefaultPasses are applied to every loaded module unless LoadOptions
// names its own.
var DefaultPasses = []string{"limits", "fuel"}

// Config holds configuration for runtime creation
type Config struct {
	// Logger overrides the package logger.
	Logger *zap.Logger

	// AllowedNamespaces restricts which host namespaces guests may import.
	// Empty allows every defined namespace.
	AllowedNamespaces []string

	// DefaultPasses names the instrumentation passes applied on Load.
	DefaultPasses []string

	// LogLevel is used by the command line runner to build its logger.
	LogLevel string

	// Workers is the number of scheduler workers. 0 means GOMAXPROCS.
	Workers int

	// FuelPerQuantum is the fuel a process gets per scheduling quantum.
	FuelPerQuantum int64

	// MaxFuel caps the total fuel of one process. 0 means unlimited.
	MaxFuel int64

	// DeadLetterCapacity is the size of the dead-letter ring.
	DeadLetterCapacity int

	// ShutdownTimeout bounds how long Shutdown waits for running quanta.
	ShutdownTimeout time.Duration

	// MaxMemoryPages caps the memory a module may declare and grow to.
	MaxMemoryPages uint32

	// MaxTableEntries caps declared table sizes. 0 means unlimited.
	MaxTableEntries uint32

	// EnableThreads enables the threads proposal in guests.
	EnableThreads bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		DefaultPasses:      append([]string(nil), DefaultPasses...),
		LogLevel:           "info",
		Workers:            goruntime.GOMAXPROCS(0),
		FuelPerQuantum:     DefaultFuelPerQuantum,
		DeadLetterCapacity: mailbox.DefaultDeadLetterCapacity,
		ShutdownTimeout:    DefaultShutdownTimeout,
		MaxMemoryPages:     DefaultMaxMemoryPages,
	}
}

// Validate rejects configurations the runtime cannot run with.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Workers < 0:
		return invalid("workers must not be negative, got %d", c.Workers)
	case c.FuelPerQuantum <= 0:
		return invalid("fuel_per_quantum must be positive, got %d", c.FuelPerQuantum)
	case c.MaxFuel < 0:
		return invalid("max_fuel must not be negative, got %d", c.MaxFuel)
	case c.MaxFuel > 0 && c.MaxFuel < c.FuelPerQuantum:
		return invalid("max_fuel %d is below fuel_per_quantum %d", c.MaxFuel, c.FuelPerQuantum)
	case c.MaxMemoryPages > DefaultMaxMemoryPages:
		return invalid("max_memory_pages %d exceeds %d", c.MaxMemoryPages, DefaultMaxMemoryPages)
	case c.DeadLetterCapacity < 0:
		return invalid("dead_letter_capacity must not be negative, got %d", c.DeadLetterCapacity)
	case c.ShutdownTimeout < 0:
		return invalid("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	for _, ns := range c.AllowedNamespaces {
		if strings.TrimSpace(ns) == "" {
			return invalid("allowed_namespaces contains an empty name")
		}
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return invalid("log_level: %v", err)
		}
	}
	return nil
}

type fileConfig struct {
	Workers            int      `toml:"workers"`
	FuelPerQuantum     int64    `toml:"fuel_per_quantum"`
	MaxFuel            int64    `toml:"max_fuel"`
	MaxMemoryPages     uint32   `toml:"max_memory_pages"`
	MaxTableEntries    uint32   `toml:"max_table_entries"`
	AllowedNamespaces  []string `toml:"allowed_namespaces"`
	DeadLetterCapacity int      `toml:"dead_letter_capacity"`
	DefaultPasses      []string `toml:"default_passes"`
	ShutdownTimeout    string   `toml:"shutdown_timeout"`
	LogLevel           string   `toml:"log_level"`
	EnableThreads      bool     `toml:"enable_threads"`
}

// LoadConfig reads a TOML file over DefaultConfig. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("load config %s", path).
			Cause(err).
			Build()
	}
	return applyFile(DefaultConfig(), raw, meta)
}

// ParseConfig is LoadConfig for TOML text.
func ParseConfig(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("parse config").
			Cause(err).
			Build()
	}
	return applyFile(DefaultConfig(), raw, meta)
}

func applyFile(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("unknown config key %q", undecoded[0].String()))
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("fuel_per_quantum") {
		cfg.FuelPerQuantum = raw.FuelPerQuantum
	}
	if meta.IsDefined("max_fuel") {
		cfg.MaxFuel = raw.MaxFuel
	}
	if meta.IsDefined("max_memory_pages") {
		cfg.MaxMemoryPages = raw.MaxMemoryPages
	}
	if meta.IsDefined("max_table_entries") {
		cfg.MaxTableEntries = raw.MaxTableEntries
	}
	if meta.IsDefined("allowed_namespaces") {
		cfg.AllowedNamespaces = normalize(raw.AllowedNamespaces)
	}
	if meta.IsDefined("dead_letter_capacity") {
		cfg.DeadLetterCapacity = raw.DeadLetterCapacity
	}
	if meta.IsDefined("default_passes") {
		cfg.DefaultPasses = normalize(raw.DefaultPasses)
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Detail("parse shutdown_timeout").
				Cause(err).
				Build()
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("enable_threads") {
		cfg.EnableThreads = raw.EnableThreads
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
