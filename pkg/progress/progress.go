package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Bar draws a terminal progress bar for each transfer. An unknown total
// is shown as a spinner.
type Bar struct {
	writer    io.Writer
	logger    *logrus.Logger
	bar       *progressbar.ProgressBar
	name      string
	total     int64
	startedAt time.Time
	first     int64
	current   int64
}

func NewBar(writer io.Writer, logger *logrus.Logger) *Bar {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Bar{
		writer: writer,
		logger: logger,
	}
}

func (b *Bar) Start(name string, total int64) {
	b.name = name
	b.total = total
	b.startedAt = time.Now()
	b.first = -1
	b.current = 0

	b.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(b.writer),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(b.writer)
		}),
	)
}

func (b *Bar) Update(bytesTransferred int64) {
	if b.bar == nil {
		return
	}
	if b.first < 0 {
		b.first = bytesTransferred
	}
	b.current = bytesTransferred
	b.bar.Set64(bytesTransferred)
}

// Finish completes the bar. After a failed transfer the bar is left at the
// last reported position.
func (b *Bar) Finish(err error) {
	if b.bar == nil {
		return
	}

	fetched := b.current - max(b.first, 0)
	duration := time.Since(b.startedAt)

	if err != nil {
		b.bar.Exit()
		b.bar = nil
		b.logger.Debugf("Stopped %s after %s: %v", b.name, formatBytes(fetched), err)
		return
	}

	b.bar.Finish()
	b.bar = nil
	b.logger.Debugf("Transferred %s of %s in %v (%s/s)",
		formatBytes(fetched), b.name, duration.Round(time.Millisecond), formatBytes(speed(fetched, duration)))
}

// Logger reports progress through the logger at debug level, once per
// tenth of the transfer. It suits output that is not a terminal.
type Logger struct {
	logger   *logrus.Logger
	name     string
	total    int64
	lastStep int64
}

func NewLogger(logger *logrus.Logger) *Logger {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	return &Logger{logger: logger}
}

func (l *Logger) Start(name string, total int64) {
	l.name = name
	l.total = total
	l.lastStep = -1
	if total < 0 {
		l.logger.Debugf("Started %s (size unknown)", name)
		return
	}
	l.logger.Debugf("Started %s (%s)", name, formatBytes(total))
}

func (l *Logger) Update(bytesTransferred int64) {
	if l.total <= 0 {
		return
	}

	step := bytesTransferred * 10 / l.total
	if step == l.lastStep {
		return
	}
	l.lastStep = step

	percentage := float64(bytesTransferred) / float64(l.total) * 100
	l.logger.Debugf("Progress %s: %.1f%% (%s / %s)",
		l.name, percentage, formatBytes(bytesTransferred), formatBytes(l.total))
}

func (l *Logger) Finish(err error) {
	if err != nil {
		l.logger.Debugf("Stopped %s: %v", l.name, err)
		return
	}
	l.logger.Debugf("Finished %s", l.name)
}

// Discard ignores all progress
type Discard struct{}

func (Discard) Start(string, int64) {}
func (Discard) Update(int64)        {}
func (Discard) Finish(error)        {}

// PrintSummary writes the per-dataset outcome report of a run
func PrintSummary(w io.Writer, report *interfaces.RunReport) {
	if report == nil || len(report.Results) == 0 {
		return
	}

	succeeded, failed := report.Counts()

	fmt.Fprintln(w, "\n=== Download Summary ===")
	fmt.Fprintf(w, "Datasets: %d\n", len(report.Results))
	fmt.Fprintf(w, "Succeeded: %d, Failed: %d\n", succeeded, failed)
	if !report.Finished.IsZero() {
		fmt.Fprintf(w, "Time: %v\n", report.Finished.Sub(report.Started).Round(time.Second))
	}

	for _, result := range report.Results {
		stages := make([]string, len(result.Outcomes))
		for i, o := range result.Outcomes {
			stages[i] = o.String()
		}
		fmt.Fprintf(w, "  - %s: %s\n", result.Task.Name, strings.Join(stages, " -> "))

		if result.Has(interfaces.OutcomeChecksumMismatch) {
			fmt.Fprintf(w, "      manifest checksum:   %s\n", result.Task.ExpectedChecksum)
			fmt.Fprintf(w, "      downloaded checksum: %s\n", result.ActualChecksum)
		}
		if result.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", result.Error)
		}
	}

	if failed > 0 {
		fmt.Fprintln(w, "\nRe-run the same command to retry the failed datasets; partial downloads resume where they stopped.")
	}
}

func speed(bytes int64, duration time.Duration) int64 {
	if duration <= 0 {
		return 0
	}
	return int64(float64(bytes) / duration.Seconds())
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
