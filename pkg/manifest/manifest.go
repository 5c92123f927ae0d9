package manifest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/milindmadhukar/datafetch/pkg/utils"
	"github.com/sirupsen/logrus"
)

const commentPrefix = "#"

// Fetcher downloads a URL to a local file
type Fetcher interface {
	DownloadToFile(ctx context.Context, url, destination string, options *utils.DownloadOptions) (*utils.TransferResult, error)
}

// Repository fetches and parses dataset manifests
type Repository struct {
	fetcher Fetcher
	logger  *logrus.Logger
}

func NewRepository(fetcher Fetcher) *Repository {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	return &Repository{
		fetcher: fetcher,
		logger:  logger,
	}
}

func (r *Repository) SetLogger(logger *logrus.Logger) {
	r.logger = logger
}

// Load downloads the manifest at manifestURL into a scratch directory and
// parses it
func (r *Repository) Load(ctx context.Context, manifestURL string) (*interfaces.Manifest, error) {
	r.logger.Infof("Downloading manifest file from %s", manifestURL)

	scratch, err := os.MkdirTemp("", "datafetch-manifest-")
	if err != nil {
		return nil, &interfaces.ManifestError{Source: manifestURL, Message: "cannot create scratch directory", Err: err}
	}
	defer os.RemoveAll(scratch)

	local := filepath.Join(scratch, "manifest.txt")
	if _, err := r.fetcher.DownloadToFile(ctx, manifestURL, local, &utils.DownloadOptions{Name: "manifest"}); err != nil {
		return nil, &interfaces.ManifestError{Source: manifestURL, Message: "download failed", Err: err}
	}

	file, err := os.Open(local)
	if err != nil {
		return nil, &interfaces.ManifestError{Source: manifestURL, Message: "cannot read downloaded manifest", Err: err}
	}
	defer file.Close()

	m, err := Parse(file)
	if err != nil {
		if manifestErr, ok := err.(*interfaces.ManifestError); ok {
			manifestErr.Source = manifestURL
		}
		return nil, err
	}

	r.logger.Debugf("Manifest lists %d datasets", m.Len())
	return m, nil
}

// Parse reads manifest records of the form "key, checksum, source,
// description". Only the first three commas separate fields, so the
// description may contain commas. Blank lines and lines starting with "#"
// are ignored. A key that appears twice keeps its first position and takes
// the fields of the later record.
func Parse(r io.Reader) (*interfaces.Manifest, error) {
	m := interfaces.NewManifest()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			return nil, &interfaces.ManifestError{Source: "manifest", Line: lineNo, Message: err.Error()}
		}
		m.Add(entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, &interfaces.ManifestError{Source: "manifest", Line: lineNo, Message: "read failed", Err: err}
	}

	return m, nil
}

func parseLine(line string) (interfaces.ManifestEntry, error) {
	fields := strings.SplitN(line, ",", 4)
	if len(fields) < 4 {
		return interfaces.ManifestEntry{}, fmt.Errorf("expected 4 comma-separated fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	entry := interfaces.ManifestEntry{
		Key:         fields[0],
		Checksum:    fields[1],
		SourceURL:   ResolveSource(fields[2]),
		Description: fields[3],
	}

	switch {
	case entry.Key == "":
		return entry, fmt.Errorf("empty dataset key")
	case entry.Checksum == "":
		return entry, fmt.Errorf("empty checksum for %s", entry.Key)
	case entry.SourceURL == "":
		return entry, fmt.Errorf("empty source for %s", entry.Key)
	}

	return entry, nil
}

// ResolveSource turns a source naming an existing local path into an
// absolute file:// URL. Any other source is returned unchanged.
func ResolveSource(source string) string {
	if source == "" {
		return source
	}
	if _, err := os.Stat(source); err != nil {
		return source
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return source
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
