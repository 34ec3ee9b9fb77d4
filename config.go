package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kenzobenj/dnparser/dnmeta"
	"github.com/kenzobenj/dnparser/report"
)

const (
	defaultWorkers = 4
	maxWorkerLimit = 16
)

// Config is the merged result of the config file and the command line.
type Config struct {
	Verbose             bool
	Parallel            bool
	MaxWorkers          int
	Format              report.Format
	LogLevel            string
	ExpectedStreams     []string
	ExpectedStreamCount int
	ScanEmbedded        bool
	ConfigPath          string
	ShowHelp            bool
	ShowVersion         bool
	Files               []string

	usage func()
}

// fileConfig mirrors the TOML file. Pointers tell unset keys from zero values.
type fileConfig struct {
	Verbose             *bool    `toml:"verbose"`
	Parallel            *bool    `toml:"parallel"`
	MaxWorkers          *int     `toml:"max_workers"`
	Format              *string  `toml:"format"`
	LogLevel            *string  `toml:"log_level"`
	ExpectedStreams     []string `toml:"expected_streams"`
	ExpectedStreamCount *int     `toml:"expected_stream_count"`
	ScanEmbedded        *bool    `toml:"scan_embedded"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return &fc, nil
}

// parseConfig reads the command line and, when -config is given, the TOML file.
// Flags set on the command line win over file values.
func parseConfig(args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("dnparser", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { usage(fs) }

	verbose := fs.Bool("v", false, "Enable verbose output")
	parallel := fs.Bool("j", false, "Process files in parallel")
	maxWorkers := fs.Int("workers", defaultWorkers, "Maximum number of parallel workers")
	format := fs.String("format", string(report.FormatText), "Output format: text, json or cbor")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn or error")
	streams := fs.String("streams", "", "Comma-separated stream names considered standard")
	streamCount := fs.Int("stream-count", 0, "Expected number of metadata streams (0 for the default)")
	scanEmbedded := fs.Bool("embedded", false, "Also scan PE overlays for embedded images")
	configPath := fs.String("config", "", "Path to a TOML config file")
	showHelp := fs.Bool("help", false, "Display this help and exit")
	showVersion := fs.Bool("version", false, "Display version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:             *verbose,
		Parallel:            *parallel,
		MaxWorkers:          *maxWorkers,
		Format:              report.Format(*format),
		LogLevel:            *logLevel,
		ExpectedStreamCount: *streamCount,
		ScanEmbedded:        *scanEmbedded,
		ConfigPath:          *configPath,
		ShowHelp:            *showHelp,
		ShowVersion:         *showVersion,
		Files:               fs.Args(),
		usage:               fs.Usage,
	}
	if *streams != "" {
		cfg.ExpectedStreams = splitList(*streams)
	}

	if cfg.ConfigPath != "" {
		fc, err := loadConfigFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		cfg.merge(fc, set)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(fc *fileConfig, set map[string]bool) {
	if fc.Verbose != nil && !set["v"] {
		c.Verbose = *fc.Verbose
	}
	if fc.Parallel != nil && !set["j"] {
		c.Parallel = *fc.Parallel
	}
	if fc.MaxWorkers != nil && !set["workers"] {
		c.MaxWorkers = *fc.MaxWorkers
	}
	if fc.Format != nil && !set["format"] {
		c.Format = report.Format(*fc.Format)
	}
	if fc.LogLevel != nil && !set["log-level"] {
		c.LogLevel = *fc.LogLevel
	}
	if len(fc.ExpectedStreams) > 0 && !set["streams"] {
		c.ExpectedStreams = fc.ExpectedStreams
	}
	if fc.ExpectedStreamCount != nil && !set["stream-count"] {
		c.ExpectedStreamCount = *fc.ExpectedStreamCount
	}
	if fc.ScanEmbedded != nil && !set["embedded"] {
		c.ScanEmbedded = *fc.ScanEmbedded
	}
}

func (c *Config) validate() error {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MaxWorkers > maxWorkerLimit {
		c.MaxWorkers = maxWorkerLimit
	}

	f, err := report.ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = f

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.ExpectedStreamCount < 0 {
		return fmt.Errorf("expected stream count must not be negative, got %d", c.ExpectedStreamCount)
	}
	return nil
}

// analysisOptions turns the stream expectations into oddity rules. Unset values keep
// the built-in defaults.
func (c *Config) analysisOptions() dnmeta.Options {
	return dnmeta.Options{
		Oddities: dnmeta.OddityRules{
			ExpectedStreamCount: c.ExpectedStreamCount,
			KnownStreams:        c.ExpectedStreams,
		},
	}
}

// newLogger builds the diagnostic logger. Verbose runs get the development encoder.
func (c *Config) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Verbose {
		zc = zap.NewDevelopmentConfig()
		if level > zapcore.DebugLevel {
			level = zapcore.DebugLevel
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
