package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/milindmadhukar/datafetch/pkg/console"
	"github.com/milindmadhukar/datafetch/pkg/downloader"
	"github.com/milindmadhukar/datafetch/pkg/history"
	"github.com/milindmadhukar/datafetch/pkg/manifest"
	"github.com/milindmadhukar/datafetch/pkg/progress"
	"github.com/milindmadhukar/datafetch/pkg/selector"
	"github.com/milindmadhukar/datafetch/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

type config struct {
	manifest       string
	destination    string
	selection      string
	skipChecksum   bool
	extractIfExist bool
	chunkSize      string
	timeout        time.Duration
	retries        int
	verbose        bool
	quiet          bool
	showProgress   bool
	history        bool
	lastRun        bool
	runID          string
	showHelp       bool
}

// terminal describes the process's standard streams
type terminal struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	inTTY  bool
	outTTY bool
}

func newFlagSet(cfg *config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("datafetch", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.manifest, "manifest", os.Getenv("DATAFETCH_MANIFEST"), "URL or local path of the dataset manifest (default $DATAFETCH_MANIFEST)")
	fs.StringVar(&cfg.destination, "destination", xdg.Home, "Directory to download and extract datasets into")
	fs.StringVar(&cfg.selection, "select", "", `Datasets to download without prompting: "all" or numbers such as "1 3"`)
	fs.BoolVar(&cfg.skipChecksum, "skip-checksum", false, "Do not verify the checksum of downloaded archives")
	fs.BoolVar(&cfg.extractIfExist, "extract-if-exist", false, "Extract archives that were already downloaded")
	fs.StringVar(&cfg.chunkSize, "chunk-size", "1MB", "Read size between progress updates (e.g., 1MB, 512KB)")
	fs.DurationVar(&cfg.timeout, "timeout", 60*time.Second, "How long to wait for a server to respond")
	fs.IntVar(&cfg.retries, "retries", 3, "Retries for requests that fail before a response arrives")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&cfg.quiet, "quiet", false, "Suppress all output except errors")
	fs.BoolVar(&cfg.showProgress, "progress", true, "Show download progress")
	fs.BoolVar(&cfg.history, "history", true, "Record runs in the archive directory")
	fs.BoolVar(&cfg.lastRun, "last-run", false, "Print the summary of the last recorded run in the destination and exit")
	fs.StringVar(&cfg.runID, "run", "", "Print the summary of the recorded run with this ID and exit")
	fs.BoolVar(&cfg.showHelp, "help", false, "Show help message")

	return fs
}

func main() {
	os.Exit(run(os.Args[1:], terminal{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		inTTY:  console.IsTerminal(os.Stdin),
		outTTY: console.IsTerminal(os.Stdout),
	}))
}

func run(args []string, term terminal) int {
	cfg := &config{}
	fs := newFlagSet(cfg, term.errOut)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if cfg.showHelp {
		printHelp(fs, term.out)
		return exitOK
	}

	logger := logrus.New()
	logger.SetOutput(term.errOut)
	if cfg.quiet {
		logger.SetLevel(logrus.ErrorLevel)
	} else if cfg.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.lastRun || cfg.runID != "" {
		return printRun(cfg.destination, cfg.runID, term.out, logger)
	}

	if cfg.manifest == "" {
		logger.Error("No manifest provided. Use -manifest or set DATAFETCH_MANIFEST.")
		return exitUsage
	}

	chunkSizeBytes, err := parseSize(cfg.chunkSize)
	if err != nil {
		logger.Errorf("Invalid chunk size: %v", err)
		return exitUsage
	}
	logger.Debugf("Chunk size: %s", utils.FormatBytes(chunkSizeBytes))

	// Handle interrupts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(term.errOut, "\nInterrupted, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	con := console.New(term.in, term.out)
	interactive := cfg.selection == "" && term.inTTY

	if interactive && !flagGiven(fs, "destination") {
		destination, err := con.PromptDestination(ctx, cfg.destination, xdg.Home)
		switch {
		case errors.Is(err, downloader.ErrSelectionCancelled):
			return exitOK
		case errors.Is(err, context.Canceled):
			return exitInterrupted
		case err != nil:
			logger.Errorf("%v", err)
			return exitFailure
		}
		cfg.destination = destination
	}

	manager := downloader.NewManager(&downloader.ManagerOptions{
		ManifestURL:    manifest.ResolveSource(cfg.manifest),
		Destination:    cfg.destination,
		ChunkSize:      chunkSizeBytes,
		Timeout:        cfg.timeout,
		MaxRetries:     cfg.retries,
		RetryDelay:     2 * time.Second,
		SkipChecksum:   cfg.skipChecksum,
		ExtractIfExist: cfg.extractIfExist,
		RecordHistory:  cfg.history,
	})
	manager.SetLogger(logger)

	var input downloader.SelectionInput = con
	if cfg.selection != "" {
		input = selector.Fixed(cfg.selection)
	}

	sel := selector.New(interactive)
	sel.OnInvalid = con.ReportInvalid
	manager.SetSelector(sel)

	switch {
	case !cfg.showProgress || cfg.quiet:
	case term.outTTY:
		manager.SetProgress(progress.NewBar(term.out, logger))
	default:
		manager.SetProgress(progress.NewLogger(logger))
	}

	report, err := manager.Run(ctx, input)
	switch {
	case errors.Is(err, downloader.ErrSelectionCancelled):
		return exitOK
	case errors.Is(err, context.Canceled):
		if !cfg.quiet {
			progress.PrintSummary(term.out, report)
		}
		con.Warn("Download interrupted. Re-run the same command to resume.")
		return exitInterrupted
	case err != nil:
		logger.Errorf("%v", err)
		return exitFailure
	}

	if !cfg.quiet {
		progress.PrintSummary(term.out, report)
	}
	if _, failed := report.Counts(); failed == 0 && len(report.Results) > 0 && !cfg.quiet {
		con.Success("All datasets downloaded to %s", report.Destination)
	}

	return exitOK
}

// flagGiven reports whether the named flag was set on the command line
func flagGiven(fs *flag.FlagSet, name string) bool {
	given := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			given = true
		}
	})
	return given
}

// printRun prints a run recorded in destination's history: the one with
// runID, or the latest when runID is empty
func printRun(destination, runID string, out io.Writer, logger *logrus.Logger) int {
	var id uuid.UUID
	if runID != "" {
		parsed, err := uuid.Parse(runID)
		if err != nil {
			logger.Errorf("Invalid run ID %q: %v", runID, err)
			return exitUsage
		}
		id = parsed
	}

	path := filepath.Join(destination, downloader.DefaultArchiveDirName, history.FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(out, "No runs recorded in %s\n", destination)
		return exitOK
	}

	store, err := history.Open(path)
	if err != nil {
		logger.Errorf("%v", err)
		return exitFailure
	}
	defer store.Close()

	var report *downloader.RunReport
	if runID == "" {
		report, err = store.Latest()
		if errors.Is(err, history.ErrRunNotFound) {
			fmt.Fprintf(out, "No runs recorded in %s\n", destination)
			return exitOK
		}
	} else {
		report, err = store.Find(id)
	}
	if err != nil {
		logger.Errorf("%v", err)
		return exitFailure
	}

	fmt.Fprintf(out, "Run %s started %s\n", report.ID, report.Started.Format(time.RFC1123))
	fmt.Fprintf(out, "Manifest: %s\n", report.ManifestURL)
	progress.PrintSummary(out, report)
	return exitOK
}

func parseSize(sizeStr string) (int64, error) {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))

	var num string
	var unit string
	for i, r := range sizeStr {
		if r >= '0' && r <= '9' || r == '.' {
			num += string(r)
		} else {
			unit = strings.TrimSpace(sizeStr[i:])
			break
		}
	}

	if num == "" {
		return 0, fmt.Errorf("invalid size format: %s", sizeStr)
	}

	size, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in size: %s", num)
	}

	multiplier := int64(1)
	switch unit {
	case "", "B":
		multiplier = 1
	case "KB", "K":
		multiplier = 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size unit: %s", unit)
	}

	bytes := int64(size * float64(multiplier))
	if bytes <= 0 {
		return 0, fmt.Errorf("size must be positive: %s", sizeStr)
	}
	return bytes, nil
}

func printHelp(fs *flag.FlagSet, out io.Writer) {
	fmt.Fprint(out, `datafetch - download, verify and extract the datasets listed in a manifest

Usage:
  datafetch -manifest URL [options]

The manifest lists one dataset per line as "key, sha256, url, description".
Blank lines and lines starting with # are ignored.

Examples:
  # Choose datasets interactively
  datafetch -manifest https://example.com/data/manifest.txt

  # Download everything into /data without prompting
  datafetch -manifest https://example.com/data/manifest.txt -destination /data -select all

  # Download datasets 1 and 3 from a local manifest
  datafetch -manifest ./manifest.txt -select "1 3"

  # Show what the last run in /data did
  datafetch -destination /data -last-run

Options:
`)

	fs.SetOutput(out)
	fs.PrintDefaults()

	fmt.Fprintf(out, `
Notes:
  - Without -destination or -select, an interactive run asks where to save the data
  - Archives are kept in %s inside the destination
  - Each run is recorded there; use -last-run or -run ID to review one
  - Interrupted downloads resume where they stopped when re-run
  - Archives whose checksum already matches are not downloaded again
  - Dropbox share links are converted to direct download links
`, downloader.DefaultArchiveDirName)
}
