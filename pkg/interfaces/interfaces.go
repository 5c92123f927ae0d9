package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManifestEntry describes one downloadable dataset
type ManifestEntry struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Checksum    string `json:"checksum"`
	SourceURL   string `json:"source_url"`
}

// Manifest is an insertion-ordered set of entries keyed by dataset key.
// Adding an entry whose key is already present replaces its fields but
// keeps the original position.
type Manifest struct {
	keys    []string
	entries map[string]ManifestEntry
}

func NewManifest() *Manifest {
	return &Manifest{entries: make(map[string]ManifestEntry)}
}

// Add inserts or replaces an entry. It reports whether the key was
// already present.
func (m *Manifest) Add(entry ManifestEntry) bool {
	_, exists := m.entries[entry.Key]
	if !exists {
		m.keys = append(m.keys, entry.Key)
	}
	m.entries[entry.Key] = entry
	return exists
}

func (m *Manifest) Get(key string) (ManifestEntry, bool) {
	entry, ok := m.entries[key]
	return entry, ok
}

// Keys returns the dataset keys in display order
func (m *Manifest) Keys() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Entry returns the entry shown at the 1-based display index
func (m *Manifest) Entry(index int) (ManifestEntry, bool) {
	if index < 1 || index > len(m.keys) {
		return ManifestEntry{}, false
	}
	return m.entries[m.keys[index-1]], true
}

func (m *Manifest) Len() int {
	return len(m.keys)
}

// DownloadTask is a selected manifest entry bound to its local archive path
type DownloadTask struct {
	Name             string `json:"name"`
	ExpectedChecksum string `json:"expected_checksum"`
	SourceURL        string `json:"source_url"`
	ArchivePath      string `json:"archive_path"`
}

// Outcome is the result of one pipeline stage for a dataset
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDownloaded
	OutcomeDownloadFailed
	OutcomeChecksumMismatch
	OutcomeExtracted
	OutcomeExtractFailed
	OutcomeExtractSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "Skipped"
	case OutcomeDownloaded:
		return "Downloaded"
	case OutcomeDownloadFailed:
		return "DownloadFailed"
	case OutcomeChecksumMismatch:
		return "ChecksumMismatch"
	case OutcomeExtracted:
		return "Extracted"
	case OutcomeExtractFailed:
		return "ExtractFailed"
	case OutcomeExtractSkipped:
		return "ExtractSkipped"
	default:
		return "Unknown"
	}
}

// DatasetResult collects the stage outcomes of one dataset, in order
type DatasetResult struct {
	Task           DownloadTask `json:"task"`
	Outcomes       []Outcome    `json:"outcomes"`
	ActualChecksum string       `json:"actual_checksum,omitempty"`
	Error          string       `json:"error,omitempty"`
	Err            error        `json:"-"`
}

func (r *DatasetResult) Record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

func (r *DatasetResult) Fail(o Outcome, err error) {
	r.Record(o)
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

func (r *DatasetResult) Has(o Outcome) bool {
	for _, got := range r.Outcomes {
		if got == o {
			return true
		}
	}
	return false
}

// Failed reports whether the dataset was abandoned at some stage
func (r *DatasetResult) Failed() bool {
	return r.Has(OutcomeDownloadFailed) || r.Has(OutcomeExtractFailed)
}

// RunReport is the outcome of one invocation of the pipeline
type RunReport struct {
	ID          uuid.UUID        `json:"id"`
	ManifestURL string           `json:"manifest_url"`
	Destination string           `json:"destination"`
	Started     time.Time        `json:"started"`
	Finished    time.Time        `json:"finished"`
	Results     []*DatasetResult `json:"results"`
}

// Counts returns the number of fully successful and failed datasets
func (r *RunReport) Counts() (succeeded, failed int) {
	for _, res := range r.Results {
		if res.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}

// ProgressSink receives transfer progress for one file.
// total is -1 when the size is not known in advance.
type ProgressSink interface {
	Start(name string, total int64)

	// Update is called with the cumulative byte count, including any
	// bytes that were already present from a previous partial transfer.
	Update(bytesTransferred int64)

	// Finish ends the transfer. err is nil when every byte arrived;
	// otherwise the transfer stopped early and may be resumed later.
	Finish(err error)
}

// SelectionInput supplies the raw dataset selection typed by a user
type SelectionInput interface {
	PromptChoice(ctx context.Context, manifest *Manifest) (string, error)
}

// SourceResolver rewrites hosted share links into direct download links
type SourceResolver interface {
	IsSupported(url string) bool

	GetServiceName() string

	ConvertURL(url string) (string, error)
}

// Recorder persists finished run reports
type Recorder interface {
	SaveRun(report *RunReport) error
}

// TransferError is a network or HTTP failure while fetching a URL
type TransferError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransferError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("transfer failed: %s (URL: %s): %v", msg, e.URL, e.Err)
	}
	return fmt.Sprintf("transfer failed: %s (URL: %s)", msg, e.URL)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ManifestError means the manifest could not be fetched or parsed
type ManifestError struct {
	Source  string
	Line    int
	Message string
	Err     error
}

func (e *ManifestError) Error() string {
	where := e.Source
	if e.Line > 0 {
		where = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("manifest %s: %s: %v", where, e.Message, e.Err)
	}
	return fmt.Sprintf("manifest %s: %s", where, e.Message)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// SelectionError is an invalid dataset selection
type SelectionError struct {
	Input   string
	Message string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("invalid selection %q: %s", e.Input, e.Message)
}

type ExtractErrorKind int

const (
	ExtractOther ExtractErrorKind = iota
	ExtractCorrupt
)

func (k ExtractErrorKind) String() string {
	if k == ExtractCorrupt {
		return "CorruptArchive"
	}
	return "ExtractFailure"
}

// ExtractError is a failure while unpacking an archive
type ExtractError struct {
	Kind    ExtractErrorKind
	Archive string
	Deleted bool
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is an extraction failure caused by a
// damaged archive
func IsCorrupt(err error) bool {
	var extractErr *ExtractError
	return errors.As(err, &extractErr) && extractErr.Kind == ExtractCorrupt
}

// IOError is a local filesystem failure
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInsufficientSpace  = errors.New("insufficient disk space")
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrRangeIgnored       = errors.New("server did not honour range request")
	ErrUnsupportedURL     = errors.New("URL not supported by resolver")
)
