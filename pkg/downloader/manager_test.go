package downloader

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/milindmadhukar/datafetch/pkg/history"
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/milindmadhukar/datafetch/pkg/selector"
	"github.com/milindmadhukar/datafetch/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fixture struct {
	server *httptest.Server
	mu     sync.Mutex
	files  map[string][]byte
	hits   map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{files: map[string][]byte{}, hits: map[string]int{}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		data, ok := f.files[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) add(path string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return f.server.URL + path
}

func (f *fixture) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// manifest publishes the given records and returns the manifest URL
func (f *fixture) manifest(records ...string) string {
	return f.add("/manifest.txt", []byte("# test manifest\n"+strings.Join(records, "\n")+"\n"))
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(manifestURL, destination string, configure ...func(*ManagerOptions)) *Manager {
	options := &ManagerOptions{
		ManifestURL: manifestURL,
		Destination: destination,
		Timeout:     5 * time.Second,
		MaxRetries:  0,
		RetryDelay:  10 * time.Millisecond,
	}
	for _, c := range configure {
		c(options)
	}

	m := NewManager(options)
	m.SetLogger(quietLogger())
	return m
}

func assertOutcomes(t *testing.T, result *interfaces.DatasetResult, want ...interfaces.Outcome) {
	t.Helper()
	if !reflect.DeepEqual(result.Outcomes, want) {
		t.Errorf("%s outcomes = %v, want %v", result.Task.Name, result.Outcomes, want)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(nil)

	if m.options.ArchiveDirName != DefaultArchiveDirName {
		t.Errorf("ArchiveDirName = %s, want %s", m.options.ArchiveDirName, DefaultArchiveDirName)
	}
	if m.options.ChunkSize != utils.DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", m.options.ChunkSize, utils.DefaultChunkSize)
	}
	if m.options.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", m.options.MaxRetries)
	}
	if m.FindResolver("https://www.dropbox.com/s/abc/file.zip") == nil {
		t.Error("Dropbox resolver not registered")
	}
	if m.FindResolver("https://example.com/file.zip") != nil {
		t.Error("Unexpected resolver for plain URL")
	}
}

func TestNewManager_PartialOptions(t *testing.T) {
	m := NewManager(&ManagerOptions{Destination: "/data"})

	if m.options.ArchiveDirName != DefaultArchiveDirName || m.options.ChunkSize != utils.DefaultChunkSize {
		t.Errorf("zero options not defaulted: %+v", m.options)
	}
	if m.options.Destination != "/data" {
		t.Errorf("Destination = %s, want /data", m.options.Destination)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"ds1/readme.txt": "dataset one"})
	url := f.add("/a.zip", archive)
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,Desc A", sha(archive), url))

	dest := t.TempDir()
	m := newTestManager(manifestURL, dest)

	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(report.Results))
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
	if result.Failed() {
		t.Errorf("result failed: %v", result.Err)
	}
	if result.ActualChecksum != sha(archive) {
		t.Errorf("ActualChecksum = %s, want %s", result.ActualChecksum, sha(archive))
	}

	if got := readFile(t, filepath.Join(dest, "ds1", "readme.txt")); got != "dataset one" {
		t.Errorf("extracted content = %q", got)
	}

	archivePath := filepath.Join(dest, DefaultArchiveDirName, "a.zip")
	if result.Task.ArchivePath != archivePath {
		t.Errorf("ArchivePath = %s, want %s", result.Task.ArchivePath, archivePath)
	}
	if readFile(t, archivePath) != string(archive) {
		t.Error("archive content differs from source")
	}
	if _, err := os.Stat(utils.PartialPath(archivePath)); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}

	if report.Destination != dest || report.ManifestURL != manifestURL {
		t.Errorf("report header = %+v", report)
	}
	if report.Finished.Before(report.Started) {
		t.Error("report finished before it started")
	}
}

func TestRun_ChecksumMismatchExtractsLeniently(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"ds1/readme.txt": "dataset one"})
	url := f.add("/a.zip", archive)
	manifestURL := f.manifest(fmt.Sprintf("ds1,abc123,%s,Desc A", url))

	dest := t.TempDir()
	report, err := newTestManager(manifestURL, dest).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeChecksumMismatch, interfaces.OutcomeExtracted)
	if result.ActualChecksum != sha(archive) {
		t.Errorf("ActualChecksum = %s, want %s", result.ActualChecksum, sha(archive))
	}
	if result.Failed() {
		t.Error("mismatch alone must not fail the dataset")
	}
	if _, err := os.Stat(filepath.Join(dest, "ds1", "readme.txt")); err != nil {
		t.Error("archive was not extracted")
	}
	if _, err := os.Stat(result.Task.ArchivePath); err != nil {
		t.Error("valid archive deleted")
	}
}

func TestRun_ChecksumMismatchCorruptArchiveDeleted(t *testing.T) {
	f := newFixture(t)
	url := f.add("/bad.zip", []byte("this is not a zip archive"))
	manifestURL := f.manifest(fmt.Sprintf("bad,abc123,%s,Broken", url))

	report, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeChecksumMismatch, interfaces.OutcomeExtractFailed)
	if !interfaces.IsCorrupt(result.Err) {
		t.Errorf("expected CorruptArchive, got %v", result.Err)
	}
	if _, err := os.Stat(result.Task.ArchivePath); !os.IsNotExist(err) {
		t.Error("corrupt archive should be deleted in lenient mode")
	}
}

func TestRun_CorruptArchiveWithMatchingChecksumKept(t *testing.T) {
	f := newFixture(t)
	data := []byte("this is not a zip archive")
	url := f.add("/bad.zip", data)
	manifestURL := f.manifest(fmt.Sprintf("bad,%s,%s,Broken", sha(data), url))

	report, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeExtractFailed)
	if _, err := os.Stat(result.Task.ArchivePath); err != nil {
		t.Error("verified archive must not be deleted")
	}
}

func TestRun_ExistingArchiveSkipsDownload(t *testing.T) {
	archive := zipArchive(t, map[string]string{"ds1/readme.txt": "dataset one"})

	tests := []struct {
		name           string
		extractIfExist bool
		want           []interfaces.Outcome
		wantExtracted  bool
	}{
		{
			name: "extraction skipped",
			want: []interfaces.Outcome{interfaces.OutcomeSkipped, interfaces.OutcomeExtractSkipped},
		},
		{
			name:           "forced extraction",
			extractIfExist: true,
			want:           []interfaces.Outcome{interfaces.OutcomeSkipped, interfaces.OutcomeExtracted},
			wantExtracted:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			url := f.add("/a.zip", archive)
			manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,Desc A", strings.ToUpper(sha(archive)), url))

			dest := t.TempDir()
			archiveDir := filepath.Join(dest, DefaultArchiveDirName)
			if err := os.MkdirAll(archiveDir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(archiveDir, "a.zip"), archive, 0644); err != nil {
				t.Fatal(err)
			}

			m := newTestManager(manifestURL, dest, func(o *ManagerOptions) {
				o.ExtractIfExist = tt.extractIfExist
			})
			report, err := m.Run(context.Background(), selector.Fixed("all"))
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}

			assertOutcomes(t, report.Results[0], tt.want...)
			if hits := f.count("/a.zip"); hits != 0 {
				t.Errorf("archive requested %d times, want 0", hits)
			}

			_, statErr := os.Stat(filepath.Join(dest, "ds1", "readme.txt"))
			if extracted := statErr == nil; extracted != tt.wantExtracted {
				t.Errorf("extracted = %v, want %v", extracted, tt.wantExtracted)
			}
		})
	}
}

func TestRun_ExistingArchiveMismatchRedownloads(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"ds1/readme.txt": "dataset one"})
	url := f.add("/a.zip", archive)
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,Desc A", sha(archive), url))

	dest := t.TempDir()
	archiveDir := filepath.Join(dest, DefaultArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "a.zip"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := newTestManager(manifestURL, dest).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	assertOutcomes(t, report.Results[0], interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
	if hits := f.count("/a.zip"); hits != 1 {
		t.Errorf("archive requested %d times, want 1", hits)
	}
	if readFile(t, filepath.Join(archiveDir, "a.zip")) != string(archive) {
		t.Error("stale archive not replaced")
	}
}

func TestRun_ResumesPartialArchive(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"ds1/data.bin": strings.Repeat("0123456789", 5000)})
	url := f.add("/a.zip", archive)
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,Desc A", sha(archive), url))

	dest := t.TempDir()
	archivePath := filepath.Join(dest, DefaultArchiveDirName, "a.zip")
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(utils.PartialPath(archivePath), archive[:len(archive)/3], 0644); err != nil {
		t.Fatal(err)
	}

	report, err := newTestManager(manifestURL, dest).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	assertOutcomes(t, report.Results[0], interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
	if readFile(t, archivePath) != string(archive) {
		t.Error("resumed archive differs from source")
	}
}

func TestRun_DownloadFailureContinues(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"ds2/readme.txt": "dataset two"})
	good := f.add("/b.zip", archive)
	manifestURL := f.manifest(
		fmt.Sprintf("ds1,abc,%s/gone.zip,Missing", f.server.URL),
		fmt.Sprintf("ds2,%s,%s,Present", sha(archive), good),
	)

	report, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("1 2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(report.Results))
	}

	failed := report.Results[0]
	assertOutcomes(t, failed, interfaces.OutcomeDownloadFailed)
	var transferErr *interfaces.TransferError
	if !errors.As(failed.Err, &transferErr) || transferErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 TransferError, got %v", failed.Err)
	}

	assertOutcomes(t, report.Results[1], interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)

	succeeded, failedCount := report.Counts()
	if succeeded != 1 || failedCount != 1 {
		t.Errorf("Counts() = %d, %d, want 1, 1", succeeded, failedCount)
	}
}

func TestRun_SelectionOrderAndDuplicates(t *testing.T) {
	f := newFixture(t)
	a := zipArchive(t, map[string]string{"a.txt": "a"})
	b := zipArchive(t, map[string]string{"b.txt": "b"})
	manifestURL := f.manifest(
		fmt.Sprintf("first,%s,%s,A", sha(a), f.add("/a.zip", a)),
		fmt.Sprintf("second,%s,%s,B", sha(b), f.add("/b.zip", b)),
	)

	report, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("2 1 2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	var names []string
	for _, r := range report.Results {
		names = append(names, r.Task.Name)
	}
	if want := []string{"second", "first", "second"}; !reflect.DeepEqual(names, want) {
		t.Errorf("processed %v, want %v", names, want)
	}
	// the repeated dataset finds its archive already present
	assertOutcomes(t, report.Results[2], interfaces.OutcomeSkipped, interfaces.OutcomeExtractSkipped)
	if hits := f.count("/b.zip"); hits != 1 {
		t.Errorf("b.zip requested %d times, want 1", hits)
	}
}

func TestRun_ManifestFailureAborts(t *testing.T) {
	f := newFixture(t)

	report, err := newTestManager(f.server.URL+"/missing.txt", t.TempDir()).Run(context.Background(), selector.Fixed("all"))
	if err == nil {
		t.Fatal("Expected error for missing manifest")
	}
	var manifestErr *interfaces.ManifestError
	if !errors.As(err, &manifestErr) {
		t.Errorf("expected ManifestError, got %T: %v", err, err)
	}
	if len(report.Results) != 0 {
		t.Errorf("Expected no results, got %d", len(report.Results))
	}
}

func TestRun_MalformedManifestAborts(t *testing.T) {
	f := newFixture(t)
	manifestURL := f.manifest("only,three,fields")

	_, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("all"))
	var manifestErr *interfaces.ManifestError
	if !errors.As(err, &manifestErr) {
		t.Fatalf("expected ManifestError, got %v", err)
	}
	if manifestErr.Line != 2 {
		t.Errorf("Line = %d, want 2", manifestErr.Line)
	}
}

func TestRun_SelectionErrors(t *testing.T) {
	f := newFixture(t)
	manifestURL := f.manifest(fmt.Sprintf("ds1,abc,%s/a.zip,A", f.server.URL))

	_, err := newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("q"))
	if !errors.Is(err, interfaces.ErrSelectionCancelled) {
		t.Errorf("expected ErrSelectionCancelled, got %v", err)
	}

	_, err = newTestManager(manifestURL, t.TempDir()).Run(context.Background(), selector.Fixed("4"))
	var selErr *interfaces.SelectionError
	if !errors.As(err, &selErr) {
		t.Errorf("expected SelectionError, got %v", err)
	}
	if hits := f.count("/a.zip"); hits != 0 {
		t.Errorf("archive requested %d times after failed selection", hits)
	}
}

func TestRun_SetupFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := newTestManager("https://example.com/manifest.txt", file).Run(context.Background(), selector.Fixed("all"))
	var ioErr *interfaces.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("expected IOError, got %v", err)
	}
}

func TestRun_SkipChecksum(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"x.txt": "x"})
	manifestURL := f.manifest(fmt.Sprintf("ds1,abc123,%s,A", f.add("/a.zip", archive)))

	m := newTestManager(manifestURL, t.TempDir(), func(o *ManagerOptions) { o.SkipChecksum = true })
	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	assertOutcomes(t, report.Results[0], interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
}

func TestRun_LocalSource(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"local/readme.txt": "from disk"})
	source := filepath.Join(t.TempDir(), "local.zip")
	if err := os.WriteFile(source, archive, 0644); err != nil {
		t.Fatal(err)
	}
	manifestURL := f.manifest(fmt.Sprintf("loc,%s,%s,Local", sha(archive), source))

	dest := t.TempDir()
	report, err := newTestManager(manifestURL, dest).Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
	if !strings.HasPrefix(result.Task.SourceURL, "file://") {
		t.Errorf("SourceURL = %s, want file URL", result.Task.SourceURL)
	}
	if got := readFile(t, filepath.Join(dest, "local", "readme.txt")); got != "from disk" {
		t.Errorf("extracted content = %q", got)
	}
}

type rewriteResolver struct {
	target string
}

func (r rewriteResolver) IsSupported(url string) bool { return strings.Contains(url, "share.example") }
func (r rewriteResolver) GetServiceName() string      { return "share" }
func (r rewriteResolver) ConvertURL(string) (string, error) {
	return r.target, nil
}

func TestRun_SourceResolver(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"s.txt": "shared"})
	direct := f.add("/direct/blob", archive)
	manifestURL := f.manifest(fmt.Sprintf("shared,%s,https://share.example/s/abc/shared.zip?dl=0,Shared", sha(archive)))

	dest := t.TempDir()
	m := newTestManager(manifestURL, dest)
	m.RegisterResolver(rewriteResolver{target: direct})

	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	assertOutcomes(t, result, interfaces.OutcomeDownloaded, interfaces.OutcomeExtracted)
	if filepath.Base(result.Task.ArchivePath) != "shared.zip" {
		t.Errorf("archive named %s, want shared.zip", filepath.Base(result.Task.ArchivePath))
	}
	if f.count("/direct/blob") != 1 {
		t.Error("resolved URL was not used")
	}
}

type memoryRecorder struct {
	reports []*interfaces.RunReport
	err     error
}

func (r *memoryRecorder) SaveRun(report *interfaces.RunReport) error {
	r.reports = append(r.reports, report)
	return r.err
}

func TestRun_Recorder(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"x.txt": "x"})
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,A", sha(archive), f.add("/a.zip", archive)))

	recorder := &memoryRecorder{err: errors.New("disk full")}
	m := newTestManager(manifestURL, t.TempDir())
	m.SetRecorder(recorder)

	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("recorder failure must not fail the run: %v", err)
	}
	if len(recorder.reports) != 1 || recorder.reports[0] != report {
		t.Errorf("recorder got %v", recorder.reports)
	}
}

func TestRun_RecordHistory(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"x.txt": "x"})
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,A", sha(archive), f.add("/a.zip", archive)))

	dest := t.TempDir()
	m := newTestManager(manifestURL, dest, func(o *ManagerOptions) { o.RecordHistory = true })

	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	store, err := history.OpenInDir(filepath.Join(dest, DefaultArchiveDirName))
	if err != nil {
		t.Fatalf("history not readable after run: %v", err)
	}
	defer store.Close()

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if latest.ID != report.ID || len(latest.Results) != 1 {
		t.Errorf("recorded run = %+v, want %+v", latest, report)
	}
}

func TestProcessDataset_UnrecognisedArchive(t *testing.T) {
	f := newFixture(t)
	data := []byte("not an archive")
	manifestURL := f.manifest(fmt.Sprintf("notes,%s,%s,Notes", sha(data), f.add("/notes.rar", data)))

	logger, hook := test.NewNullLogger()
	m := newTestManager(manifestURL, t.TempDir())
	m.SetLogger(logger)

	report, err := m.Run(context.Background(), selector.Fixed("1"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	result := report.Results[0]
	want := []interfaces.Outcome{interfaces.OutcomeDownloaded, interfaces.OutcomeExtractFailed}
	if !reflect.DeepEqual(result.Outcomes, want) {
		t.Errorf("outcomes = %v, want %v", result.Outcomes, want)
	}
	if !errors.Is(result.Err, interfaces.ErrUnsupportedArchive) {
		t.Errorf("err = %v, want ErrUnsupportedArchive", result.Err)
	}

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "notes.rar is not a recognised archive type") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected an early warning about the archive type")
	}
}

type recordingSink struct {
	started []string
	last    int64
}

func (s *recordingSink) Start(name string, total int64) { s.started = append(s.started, name) }
func (s *recordingSink) Update(n int64)                 { s.last = n }
func (s *recordingSink) Finish(error)                   {}

func TestRun_ProgressSink(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"x.txt": "x"})
	manifestURL := f.manifest(fmt.Sprintf("ds1,%s,%s,A", sha(archive), f.add("/a.zip", archive)))

	sink := &recordingSink{}
	m := newTestManager(manifestURL, t.TempDir())
	m.SetProgress(sink)

	if _, err := m.Run(context.Background(), selector.Fixed("1")); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(sink.started, []string{"ds1"}) {
		t.Errorf("progress started for %v, want [ds1]", sink.started)
	}
	if sink.last != int64(len(archive)) {
		t.Errorf("last progress = %d, want %d", sink.last, len(archive))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	manifestURL := f.manifest("ds1,abc,https://example.com/a.zip,A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestManager(manifestURL, t.TempDir()).Run(ctx, selector.Fixed("1"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
