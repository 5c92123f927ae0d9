package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	partialSuffix = ".part"
	sidecarSuffix = ".json"
)

// ResumeData describes where the bytes of a partial download came from
type ResumeData struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	TotalSize    int64     `json:"total_size"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResumeManager handles the on-disk state of interrupted downloads. The
// partial file lives next to its destination as ".<name>.part" so the final
// rename stays on one filesystem; its size is the resume offset.
type ResumeManager struct{}

// NewResumeManager creates a new resume manager
func NewResumeManager() *ResumeManager {
	return &ResumeManager{}
}

// PartialPath returns the in-progress path for a destination file
func PartialPath(destination string) string {
	dir, name := filepath.Split(destination)
	return filepath.Join(dir, "."+name+partialSuffix)
}

func sidecarPath(destination string) string {
	return PartialPath(destination) + sidecarSuffix
}

// SaveProgress records the origin of the partial file for destination
func (rm *ResumeManager) SaveProgress(destination string, progress *ResumeData) error {
	progress.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(progress, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resume data: %w", err)
	}

	if err := os.WriteFile(sidecarPath(destination), data, 0644); err != nil {
		return fmt.Errorf("failed to write resume file: %w", err)
	}

	return nil
}

// LoadProgress loads saved download progress. It returns nil, nil when no
// resume data exists.
func (rm *ResumeManager) LoadProgress(destination string) (*ResumeData, error) {
	data, err := os.ReadFile(sidecarPath(destination))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resume file: %w", err)
	}

	var progress ResumeData
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume data: %w", err)
	}

	return &progress, nil
}

// ClearProgress removes saved progress data
func (rm *ResumeManager) ClearProgress(destination string) error {
	err := os.Remove(sidecarPath(destination))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove resume file: %w", err)
	}
	return nil
}

// Discard removes the partial file and its resume data
func (rm *ResumeManager) Discard(destination string) error {
	err := os.Remove(PartialPath(destination))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}
	return rm.ClearProgress(destination)
}

// IsResumable returns the number of bytes already present for destination
// and the saved validators for them. A partial that was fetched from a
// different URL is not resumable. Partials without resume data are resumed
// on size alone.
func (rm *ResumeManager) IsResumable(url, destination string) (int64, *ResumeData, error) {
	info, err := os.Stat(PartialPath(destination))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to stat partial file: %w", err)
	}

	if info.Size() == 0 {
		return 0, nil, nil
	}

	progress, err := rm.LoadProgress(destination)
	if err != nil {
		// unreadable resume data carries no validators, the bytes may still be good
		return info.Size(), nil, nil
	}

	if progress != nil && progress.URL != "" && progress.URL != url {
		return 0, nil, nil
	}

	return info.Size(), progress, nil
}
