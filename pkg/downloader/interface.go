package downloader

import (
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
)

// Type aliases so callers of the manager need not import interfaces
type ManifestEntry = interfaces.ManifestEntry
type DownloadTask = interfaces.DownloadTask
type DatasetResult = interfaces.DatasetResult
type RunReport = interfaces.RunReport
type Outcome = interfaces.Outcome
type SelectionInput = interfaces.SelectionInput
type ProgressSink = interfaces.ProgressSink
type SourceResolver = interfaces.SourceResolver
type Recorder = interfaces.Recorder

// Re-export common error values
var (
	ErrInsufficientSpace  = interfaces.ErrInsufficientSpace
	ErrUnsupportedArchive = interfaces.ErrUnsupportedArchive
	ErrSelectionCancelled = interfaces.ErrSelectionCancelled
	ErrRangeIgnored       = interfaces.ErrRangeIgnored
	ErrUnsupportedURL     = interfaces.ErrUnsupportedURL
)
