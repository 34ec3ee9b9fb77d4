package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kenzobenj/dnparser/common"
	"github.com/kenzobenj/dnparser/dnmeta"
	"github.com/kenzobenj/dnparser/elfrw"
	"github.com/kenzobenj/dnparser/perw"
	"github.com/kenzobenj/dnparser/report"
)

// ProcessStats counts outcomes across all inputs.
type ProcessStats struct {
	mu        sync.Mutex
	Processed int
	Failed    int
	Managed   int
	MVIDs     int
	TypeLibs  int
	Embedded  int
}

const versionString = "dnparser, version 0.3 (CLR metadata fact extractor)"

var (
	ErrNotExecutable  = errors.New("not an executable or shared library")
	ErrUnsupportedBin = errors.New("neither a PE nor an ELF file")
)

// ProcessResult is the outcome for one input file.
type ProcessResult struct {
	Filename string
	Report   *report.FileReport
	Error    error
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [OPTIONS] FILE...\n", os.Args[0])
	_, _ = fmt.Fprintln(out, "Extract module, assembly and TypeLib identifiers from .NET metadata.")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Options:")
	fs.PrintDefaults()
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Examples:")
	_, _ = fmt.Fprintf(out, "  %s app.dll                      # Text report\n", os.Args[0])
	_, _ = fmt.Fprintf(out, "  %s -format=json -j *.exe        # Parallel JSON reports\n", os.Args[0])
	_, _ = fmt.Fprintf(out, "  %s -config rules.toml apphost   # Scan a single-file host\n", os.Args[0])
}

func processFile(filename string, cfg *Config, opts dnmeta.Options) *ProcessResult {
	result := &ProcessResult{Filename: filename}

	fileInfo, err := os.Stat(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot access file: %w", err)
		return result
	}
	if !fileInfo.Mode().IsRegular() {
		result.Error = fmt.Errorf("not a regular file")
		return result
	}

	if isPE, err := perw.IsPEFile(filename); err != nil {
		result.Error = fmt.Errorf("failed to open file: %w", err)
		return result
	} else if isPE {
		pf, err := perw.Open(filename)
		if err != nil {
			result.Error = err
			return result
		}
		result.Report = report.FromPE(pf, opts, cfg.ScanEmbedded)
		return result
	}

	if isELF, err := elfrw.IsELFFile(filename); err != nil {
		result.Error = fmt.Errorf("failed to open file: %w", err)
		return result
	} else if isELF {
		ef, err := elfrw.Open(filename)
		if err != nil {
			result.Error = err
			return result
		}
		if !ef.IsExecutableOrShared() {
			result.Error = ErrNotExecutable
			return result
		}
		result.Report = report.FromELF(ef, opts)
		return result
	}

	result.Error = ErrUnsupportedBin
	return result
}

func processFilesSequential(filenames []string, cfg *Config, opts dnmeta.Options) []ProcessResult {
	results := make([]ProcessResult, 0, len(filenames))
	for _, filename := range filenames {
		result := processFile(filename, cfg, opts)
		results = append(results, *result)
		if cfg.Verbose {
			printResult(result)
		}
	}
	return results
}

func processFilesParallel(filenames []string, cfg *Config, opts dnmeta.Options) []ProcessResult {
	type job struct {
		index    int
		filename string
	}
	jobs := make(chan job, len(filenames))
	results := make([]ProcessResult, len(filenames))

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = *processFile(j.filename, cfg, opts)
			}
		}()
	}

	for i, filename := range filenames {
		jobs <- job{index: i, filename: filename}
	}
	close(jobs)
	wg.Wait()

	if cfg.Verbose {
		for i := range results {
			printResult(&results[i])
		}
	}
	return results
}

func printResult(result *ProcessResult) {
	name := filepath.Base(result.Filename)
	switch {
	case result.Error != nil:
		_, _ = fmt.Fprintf(os.Stderr, "  %s %s: %v\n", common.SymbolFail, name, result.Error)
	case result.Report.Managed():
		_, _ = fmt.Fprintf(os.Stderr, "  %s %s: managed\n", common.SymbolCheck, name)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "  %s %s: no CLR metadata\n", common.SymbolInfo, name)
	}
}

func updateStats(stats *ProcessStats, results []ProcessResult) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	for _, result := range results {
		stats.Processed++
		if result.Error != nil {
			stats.Failed++
			continue
		}
		r := result.Report
		if r.Managed() {
			stats.Managed++
		}
		stats.Embedded += len(r.Embedded)

		images := append([]report.Image(nil), r.Embedded...)
		if r.Image != nil {
			images = append(images, *r.Image)
		}
		for _, img := range images {
			if img.Metadata == nil {
				continue
			}
			if m := img.Metadata.Module; m != nil && m.Outcome.Status == common.StatusFound {
				stats.MVIDs++
			}
			if tl := img.Metadata.TypeLib; tl != nil && tl.Outcome.Found() {
				stats.TypeLibs++
			}
		}
	}
}

func printSummary(stats *ProcessStats) {
	if stats.Processed == 0 {
		return
	}
	out := os.Stderr
	_, _ = fmt.Fprintf(out, "\nSummary:\n")
	_, _ = fmt.Fprintf(out, "  Files processed: %d\n", stats.Processed)
	_, _ = fmt.Fprintf(out, "  Successful: %d\n", stats.Processed-stats.Failed)
	_, _ = fmt.Fprintf(out, "  Failed: %d\n", stats.Failed)
	_, _ = fmt.Fprintf(out, "  Managed: %d\n", stats.Managed)
	_, _ = fmt.Fprintf(out, "  MVIDs found: %d\n", stats.MVIDs)
	_, _ = fmt.Fprintf(out, "  TypeLib IDs found: %d\n", stats.TypeLibs)
	if stats.Embedded > 0 {
		_, _ = fmt.Fprintf(out, "  Embedded images: %d\n", stats.Embedded)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Println(versionString)
		os.Exit(0)
	}
	if cfg.ShowHelp || len(cfg.Files) == 0 {
		cfg.usage()
		os.Exit(0)
	}

	logger, err := cfg.newLogger()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: cannot build logger: %v\n", os.Args[0], err)
		os.Exit(2)
	}
	defer func() {
		_ = logger.Sync()
	}()
	dnmeta.SetLogger(logger.Named("dnmeta"))
	perw.SetLogger(logger.Named("perw"))
	elfrw.SetLogger(logger.Named("elfrw"))
	report.SetLogger(logger.Named("report"))

	opts := cfg.analysisOptions()

	var results []ProcessResult
	if cfg.Parallel && len(cfg.Files) > 1 {
		logger.Debug("processing in parallel", zap.Int("files", len(cfg.Files)), zap.Int("workers", cfg.MaxWorkers))
		results = processFilesParallel(cfg.Files, cfg, opts)
	} else {
		results = processFilesSequential(cfg.Files, cfg, opts)
	}

	stats := &ProcessStats{}
	updateStats(stats, results)

	reports := make([]*report.FileReport, 0, len(results))
	for _, result := range results {
		if result.Error != nil {
			if !cfg.Verbose {
				_, _ = fmt.Fprintf(os.Stderr, "%s: %s: %v\n", os.Args[0], result.Filename, result.Error)
			}
			continue
		}
		reports = append(reports, result.Report)
	}

	if err := report.Write(os.Stdout, cfg.Format, reports); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: cannot write report: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	if len(cfg.Files) > 1 || cfg.Verbose {
		printSummary(stats)
	}

	if stats.Failed > 0 {
		os.Exit(1)
	}
}
