package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/milindmadhukar/datafetch/pkg/extract"
	"github.com/milindmadhukar/datafetch/pkg/history"
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/milindmadhukar/datafetch/pkg/manifest"
	"github.com/milindmadhukar/datafetch/pkg/progress"
	"github.com/milindmadhukar/datafetch/pkg/selector"
	"github.com/milindmadhukar/datafetch/pkg/services/dropbox"
	"github.com/milindmadhukar/datafetch/pkg/utils"
	"github.com/sirupsen/logrus"
)

// DefaultArchiveDirName is the cache directory, inside the destination,
// that holds downloaded archives
const DefaultArchiveDirName = ".datafetch_archives"

type Manager struct {
	resolvers  []interfaces.SourceResolver
	httpClient *utils.HTTPClient
	hasher     *utils.HashCalculator
	repository *manifest.Repository
	extractor  *extract.Extractor
	selector   *selector.Selector
	progress   interfaces.ProgressSink
	recorder   interfaces.Recorder
	logger     *logrus.Logger
	options    *ManagerOptions

	destination string
	archiveDir  string
}

type ManagerOptions struct {
	ManifestURL    string
	Destination    string
	ArchiveDirName string
	ChunkSize      int64
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// SkipChecksum disables verification of freshly downloaded archives
	SkipChecksum bool

	// ExtractIfExist extracts archives that were already present and valid
	ExtractIfExist bool

	// RecordHistory keeps a ledger of runs in the archive directory
	RecordHistory bool
}

func DefaultOptions() *ManagerOptions {
	return &ManagerOptions{
		Destination:    ".",
		ArchiveDirName: DefaultArchiveDirName,
		ChunkSize:      utils.DefaultChunkSize,
		Timeout:        60 * time.Second,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
	}
}

func NewManager(options *ManagerOptions) *Manager {
	if options == nil {
		options = DefaultOptions()
	}
	defaults := DefaultOptions()
	if options.Destination == "" {
		options.Destination = defaults.Destination
	}
	if options.ArchiveDirName == "" {
		options.ArchiveDirName = defaults.ArchiveDirName
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = defaults.ChunkSize
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	httpClient := utils.NewHTTPClient()
	if options.Timeout > 0 {
		httpClient.SetTimeout(options.Timeout)
	}
	httpClient.SetRetry(options.MaxRetries, options.RetryDelay)

	manager := &Manager{
		resolvers:  make([]interfaces.SourceResolver, 0),
		httpClient: httpClient,
		hasher:     utils.NewHashCalculator(),
		repository: manifest.NewRepository(httpClient),
		extractor:  extract.New(),
		selector:   selector.New(false),
		progress:   progress.Discard{},
		logger:     logger,
		options:    options,
	}

	manager.SetLogger(logger)
	manager.RegisterAllResolvers()

	return manager
}

func (m *Manager) RegisterAllResolvers() {
	m.RegisterResolver(dropbox.New(m.logger))

	m.logger.Debugf("Registered %d source resolvers", len(m.resolvers))
}

func (m *Manager) RegisterResolver(resolver interfaces.SourceResolver) {
	m.resolvers = append(m.resolvers, resolver)
	m.logger.Debugf("Registered resolver: %s", resolver.GetServiceName())
}

func (m *Manager) FindResolver(url string) interfaces.SourceResolver {
	for _, resolver := range m.resolvers {
		if resolver.IsSupported(url) {
			return resolver
		}
	}
	return nil
}

func (m *Manager) SetLogger(logger *logrus.Logger) {
	m.logger = logger
	m.httpClient.SetLogger(logger)
	m.repository.SetLogger(logger)
	m.extractor.SetLogger(logger)
}

// SetProgress sets the sink that receives progress of every archive
// transfer. Transfers are sequential, so one sink is reused.
func (m *Manager) SetProgress(sink interfaces.ProgressSink) {
	if sink == nil {
		sink = progress.Discard{}
	}
	m.progress = sink
}

// SetRecorder sets where finished runs are stored, overriding RecordHistory
func (m *Manager) SetRecorder(recorder interfaces.Recorder) {
	m.recorder = recorder
}

func (m *Manager) SetSelector(s *selector.Selector) {
	m.selector = s
}

// Setup creates the destination and its archive cache directory
func (m *Manager) Setup() error {
	destination, err := filepath.Abs(m.options.Destination)
	if err != nil {
		return &interfaces.IOError{Op: "resolve", Path: m.options.Destination, Err: err}
	}

	archiveDir := filepath.Join(destination, m.options.ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return &interfaces.IOError{Op: "mkdir", Path: archiveDir, Err: err}
	}

	m.destination = destination
	m.archiveDir = archiveDir
	m.logger.Infof("Downloading data to %s", destination)
	return nil
}

// Run fetches the manifest, asks input for a selection and processes every
// selected dataset in turn. Only setup, manifest and selection failures are
// returned as errors; per-dataset failures are recorded in the report. A
// cancelled context stops the run after the current dataset and is
// returned together with the partial report.
func (m *Manager) Run(ctx context.Context, input interfaces.SelectionInput) (*interfaces.RunReport, error) {
	report := &interfaces.RunReport{
		ID:          uuid.New(),
		ManifestURL: m.options.ManifestURL,
		Started:     time.Now(),
	}

	if err := m.Setup(); err != nil {
		return report, fmt.Errorf("failed to set up destination: %w", err)
	}
	report.Destination = m.destination

	recorder, closeRecorder := m.openRecorder()
	defer closeRecorder()

	dataManifest, err := m.repository.Load(ctx, m.options.ManifestURL)
	if err != nil {
		return report, err
	}

	keys, err := m.selector.Select(ctx, dataManifest, input)
	if err != nil {
		return report, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			m.finish(report, recorder)
			return report, err
		}

		entry, _ := dataManifest.Get(key)
		report.Results = append(report.Results, m.ProcessDataset(ctx, entry))
	}

	m.finish(report, recorder)
	return report, ctx.Err()
}

func (m *Manager) finish(report *interfaces.RunReport, recorder interfaces.Recorder) {
	report.Finished = time.Now()

	succeeded, failed := report.Counts()
	m.logger.Infof("Processed %d datasets: %d succeeded, %d failed", len(report.Results), succeeded, failed)

	if recorder == nil {
		return
	}
	if err := recorder.SaveRun(report); err != nil {
		m.logger.Warnf("Could not record run %s: %v", report.ID, err)
	}
}

func (m *Manager) openRecorder() (interfaces.Recorder, func()) {
	if m.recorder != nil {
		return m.recorder, func() {}
	}
	if !m.options.RecordHistory {
		return nil, func() {}
	}

	store, err := history.OpenInDir(m.archiveDir)
	if err != nil {
		m.logger.Warnf("Run history disabled: %v", err)
		return nil, func() {}
	}
	return store, func() {
		if err := store.Close(); err != nil {
			m.logger.Warnf("Could not close run history: %v", err)
		}
	}
}

// NewTask binds a manifest entry to its archive path. The archive is named
// after the last element of the manifest URL.
func (m *Manager) NewTask(entry interfaces.ManifestEntry) interfaces.DownloadTask {
	return interfaces.DownloadTask{
		Name:             entry.Key,
		ExpectedChecksum: entry.Checksum,
		SourceURL:        entry.SourceURL,
		ArchivePath:      filepath.Join(m.archiveDir, utils.FilenameFromURL(entry.SourceURL)),
	}
}

// ProcessDataset runs the check, download, verify and extract stages for
// one dataset. It never returns an error; failures end up in the result.
func (m *Manager) ProcessDataset(ctx context.Context, entry interfaces.ManifestEntry) *interfaces.DatasetResult {
	task := m.NewTask(entry)
	result := &interfaces.DatasetResult{Task: task}

	m.logger.Infof("%s...", task.Name)
	if !extract.Supported(task.ArchivePath) {
		m.logger.Warnf("  %s is not a recognised archive type and will not be extracted", filepath.Base(task.ArchivePath))
	}

	skipDownload := m.checkExisting(task, result)
	if skipDownload {
		result.Record(interfaces.OutcomeSkipped)
	} else {
		if err := m.download(ctx, task); err != nil {
			m.logger.Errorf("A network error occurred while downloading the [%s] dataset: %v", task.Name, err)
			m.logger.Errorf("Re-run to resume the download of [%s]", task.Name)
			result.Fail(interfaces.OutcomeDownloadFailed, err)
			return result
		}
		result.Record(interfaces.OutcomeDownloaded)
	}

	lenient := false
	if !skipDownload && !m.options.SkipChecksum {
		lenient = !m.verify(task, result)
	}

	if skipDownload && !m.options.ExtractIfExist {
		m.logger.Infof("  %s already extracted, skipping extraction", filepath.Base(task.ArchivePath))
		result.Record(interfaces.OutcomeExtractSkipped)
		return result
	}

	if err := m.extract(task, lenient); err != nil {
		result.Fail(interfaces.OutcomeExtractFailed, err)
		return result
	}
	result.Record(interfaces.OutcomeExtracted)

	return result
}

// checkExisting reports whether an archive already at the task's path has
// the manifest checksum
func (m *Manager) checkExisting(task interfaces.DownloadTask, result *interfaces.DatasetResult) bool {
	if _, err := os.Stat(task.ArchivePath); err != nil {
		return false
	}

	name := filepath.Base(task.ArchivePath)
	m.logger.Infof("  %s already exists, calculating %s checksum...", name, utils.DefaultHashAlgorithm)

	checksum, err := m.hasher.Digest(task.ArchivePath)
	if err != nil {
		m.logger.Warnf("  Could not checksum %s, downloading again: %v", name, err)
		return false
	}

	if utils.ChecksumsEqual(checksum, task.ExpectedChecksum) {
		m.logger.Info("  Checksums match, skipping download")
		result.ActualChecksum = checksum
		return true
	}

	m.logger.Info("  Checksums do not match, downloading again")
	m.logger.Infof("    manifest checksum:      %s", task.ExpectedChecksum)
	m.logger.Infof("    existing file checksum: %s", checksum)
	return false
}

func (m *Manager) download(ctx context.Context, task interfaces.DownloadTask) error {
	sourceURL := task.SourceURL
	if resolver := m.FindResolver(sourceURL); resolver != nil {
		direct, err := resolver.ConvertURL(sourceURL)
		if err != nil {
			m.logger.Warnf("  %s could not convert %s, using it as is: %v", resolver.GetServiceName(), sourceURL, err)
		} else {
			m.logger.Debugf("  Using %s direct link", resolver.GetServiceName())
			sourceURL = direct
		}
	}

	m.logger.Infof("  Downloading %s", sourceURL)
	m.logger.Infof("  saving to %s", task.ArchivePath)

	result, err := m.httpClient.DownloadToFile(ctx, sourceURL, task.ArchivePath, &utils.DownloadOptions{
		ChunkSize: m.options.ChunkSize,
		Name:      task.Name,
		Progress:  m.progress,
	})
	if err != nil {
		return err
	}

	if result.Resumed() {
		m.logger.Infof("  Resumed from %s, %s total in %v",
			utils.FormatBytes(result.ResumedFrom), utils.FormatBytes(result.Size), result.Duration.Round(time.Millisecond))
	} else {
		m.logger.Infof("  Downloaded %s in %v", utils.FormatBytes(result.Size), result.Duration.Round(time.Millisecond))
	}
	return nil
}

// verify checksums a freshly downloaded archive. A mismatch is recorded
// and reported but is not fatal.
func (m *Manager) verify(task interfaces.DownloadTask, result *interfaces.DatasetResult) bool {
	m.logger.Infof("  Verifying %s checksum...", utils.DefaultHashAlgorithm)

	checksum, err := m.hasher.Digest(task.ArchivePath)
	if err != nil {
		m.logger.Warnf("  Could not checksum the [%s] dataset: %v", task.Name, err)
		result.Record(interfaces.OutcomeChecksumMismatch)
		return false
	}
	result.ActualChecksum = checksum

	if utils.ChecksumsEqual(checksum, task.ExpectedChecksum) {
		m.logger.Debug("  Checksum verified")
		return true
	}

	m.logger.Warnf("  The checksum of the downloaded [%s] dataset does not match the manifest. "+
		"The file may be corrupt, or the manifest may be out of date.", task.Name)
	m.logger.Warnf("    manifest checksum:   %s", task.ExpectedChecksum)
	m.logger.Warnf("    downloaded checksum: %s", checksum)
	result.Record(interfaces.OutcomeChecksumMismatch)
	return false
}

func (m *Manager) extract(task interfaces.DownloadTask, lenient bool) error {
	err := m.extractor.Extract(task.ArchivePath, m.destination, lenient)
	if err == nil {
		return nil
	}

	m.logger.Errorf("An error occurred while extracting the [%s] dataset: %v", task.Name, err)

	if interfaces.IsCorrupt(err) {
		var extractErr *interfaces.ExtractError
		if errors.As(err, &extractErr) && extractErr.Deleted {
			m.logger.Errorf("The archive appears to be corrupt and has been deleted. Re-run to download [%s] again.", task.Name)
		} else {
			m.logger.Errorf("The archive appears to be corrupt. Delete %s and re-run to download it again.", task.ArchivePath)
		}
	}

	return err
}
