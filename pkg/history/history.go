package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"go.etcd.io/bbolt"
)

const (
	runsBucket     = "runs"
	indexBucket    = "run_index"
	metadataBucket = "metadata"
	schemaVersion  = 1

	// FileName is the ledger's name inside the archive directory
	FileName = "history.db"
)

// ErrRunNotFound is returned when no run has the requested ID
var ErrRunNotFound = errors.New("run not found")

// Store is a bbolt ledger of finished runs. Runs are keyed by start time so
// iteration is chronological; an index maps run IDs to those keys.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the ledger at path. A second process holding the
// file makes Open fail after one second.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", path, err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// OpenInDir opens the ledger kept in an archive directory
func OpenInDir(dir string) (*Store, error) {
	return Open(filepath.Join(dir, FileName))
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{runsBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
}

func runKey(report *interfaces.RunReport) []byte {
	return []byte(fmt.Sprintf("%020d-%s", report.Started.UTC().UnixNano(), report.ID))
}

// SaveRun stores a finished run, assigning it an ID if it has none
func (s *Store) SaveRun(report *interfaces.RunReport) error {
	if report == nil {
		return errors.New("cannot save nil run report")
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(runsBucket))
		index := tx.Bucket([]byte(indexBucket))

		id := []byte(report.ID.String())
		if old := index.Get(id); old != nil {
			if err := runs.Delete(old); err != nil {
				return fmt.Errorf("failed to replace run: %w", err)
			}
		}

		key := runKey(report)
		if err := runs.Put(key, data); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		return index.Put(id, key)
	})
}

// Find retrieves a run by ID
func (s *Store) Find(id uuid.UUID) (*interfaces.RunReport, error) {
	var report *interfaces.RunReport

	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(indexBucket)).Get([]byte(id.String()))
		if key == nil {
			return ErrRunNotFound
		}

		data := tx.Bucket([]byte(runsBucket)).Get(key)
		if data == nil {
			return ErrRunNotFound
		}

		var err error
		report, err = decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	return report, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(limit int) ([]*interfaces.RunReport, error) {
	var reports []*interfaces.RunReport

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			report, err := decode(v)
			if err != nil {
				return err
			}
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return reports, nil
}

// Latest returns the most recent run
func (s *Store) Latest() (*interfaces.RunReport, error) {
	reports, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrRunNotFound
	}
	return reports[0], nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(data []byte) (*interfaces.RunReport, error) {
	report := &interfaces.RunReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run report: %w", err)
	}
	return report, nil
}
