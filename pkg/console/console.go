package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
)

const wrapWidth = 72

// Console is the terminal front end: it lists datasets, reads the user's
// selection and prints styled status lines
type Console struct {
	in     *bufio.Reader
	out    io.Writer
	listed bool

	emph    lipgloss.Style
	key     lipgloss.Style
	desc    lipgloss.Style
	help    lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	success lipgloss.Style
}

func New(in io.Reader, out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)

	return &Console{
		in:      bufio.NewReader(in),
		out:     out,
		emph:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4")),
		key:     r.NewStyle().Foreground(lipgloss.Color("#F8B500")),
		desc:    r.NewStyle().Width(wrapWidth).PaddingLeft(5),
		help:    r.NewStyle().Width(wrapWidth).PaddingLeft(2).Foreground(lipgloss.Color("#6C757D")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("#FFE66D")),
		err:     r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		success: r.NewStyle().Foreground(lipgloss.Color("#95E1A3")),
	}
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ListDatasets prints the manifest with 1-based selection numbers
func (c *Console) ListDatasets(m *interfaces.Manifest) {
	fmt.Fprintln(c.out, c.emph.Render("Datasets available for download:"))
	for i, k := range m.Keys() {
		entry, _ := m.Get(k)
		fmt.Fprintf(c.out, "  %2d %s\n", i+1, c.key.Render(fmt.Sprintf("%-25s", "["+k+"]")))
		if entry.Description != "" {
			fmt.Fprintln(c.out, c.desc.Render(entry.Description))
		}
	}
}

func (c *Console) instructions(m *interfaces.Manifest) string {
	example := `"1 2"`
	keys := m.Keys()
	if len(keys) >= 2 {
		example = fmt.Sprintf(`"1 2" for [%s] and [%s]`, keys[0], keys[1])
	}
	return `Type "all" to download all of the datasets, or enter the numbers of ` +
		`the datasets you want separated by spaces, for example ` + example +
		`. Type "q" or "quit" to cancel the download.`
}

// PromptChoice implements interfaces.SelectionInput. The dataset list is
// shown before the first prompt only.
func (c *Console) PromptChoice(ctx context.Context, m *interfaces.Manifest) (string, error) {
	if !c.listed {
		c.ListDatasets(m)
		c.listed = true
	}

	fmt.Fprintln(c.out, c.emph.Render("Which datasets would you like to download?"))
	fmt.Fprintln(c.out, c.help.Render(c.instructions(m)))
	fmt.Fprint(c.out, "Enter datasets to download: ")

	text, err := c.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read selection: %w", err)
	}
	return text, nil
}

// PromptDestination asks where to save the data. An empty answer (or "y")
// keeps defaultDir, and a leading "~" stands for home. "q" or "quit"
// returns interfaces.ErrSelectionCancelled.
func (c *Console) PromptDestination(ctx context.Context, defaultDir, home string) (string, error) {
	fmt.Fprintln(c.out, c.emph.Render("Where would you like the datasets to be saved?"))
	fmt.Fprintln(c.out, c.help.Render(fmt.Sprintf(`Press Enter to save them to %s, or type another directory. `+
		`Type "q" or "quit" to cancel the download.`, defaultDir)))
	fmt.Fprintf(c.out, "Download directory [%s]: ", defaultDir)

	text, err := c.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read download directory: %w", err)
	}

	switch strings.ToLower(text) {
	case "q", "quit":
		return "", interfaces.ErrSelectionCancelled
	case "", "y", "yes":
		return defaultDir, nil
	}

	if text == "~" {
		return home, nil
	}
	if rest, ok := strings.CutPrefix(text, "~/"); ok {
		return filepath.Join(home, rest), nil
	}
	return text, nil
}

// readLine reads one trimmed line, giving up when ctx is done. A last line
// without a newline is accepted.
func (c *Console) readLine(ctx context.Context) (string, error) {
	type line struct {
		text string
		err  error
	}
	result := make(chan line, 1)
	go func() {
		text, err := c.in.ReadString('\n')
		if err == io.EOF && text != "" {
			err = nil
		}
		result <- line{text: strings.TrimSpace(text), err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case l := <-result:
		return l.text, l.err
	}
}

// ReportInvalid tells the user why a selection was rejected
func (c *Console) ReportInvalid(err *interfaces.SelectionError) {
	c.Error("%s", err.Error())
}

func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.out, c.warn.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Error(format string, args ...any) {
	fmt.Fprintln(c.out, c.err.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Success(format string, args ...any) {
	fmt.Fprintln(c.out, c.success.Render(fmt.Sprintf(format, args...)))
}
