package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the amount read from the network between progress updates
const DefaultChunkSize = 1024 * 1024

// errRestart means the server's answer to a range request cannot be
// appended to the partial file, so the transfer must start again at 0
var errRestart = errors.New("range response unusable")

type HTTPClient struct {
	client    *resty.Client
	transport *http.Transport
	logger    *logrus.Logger
	resume    *ResumeManager
	freeSpace func(dir string) (uint64, error)
}

type DownloadOptions struct {
	ChunkSize int64
	Headers   map[string]string
	Name      string
	Progress  interfaces.ProgressSink
}

// TransferResult describes a completed transfer
type TransferResult struct {
	FilePath    string
	Size        int64
	ResumedFrom int64
	Duration    time.Duration
}

func (r *TransferResult) Resumed() bool {
	return r.ResumedFrom > 0
}

func NewHTTPClient() *HTTPClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		// Ranges and Content-Length refer to the stored bytes, never a
		// transparently decoded body.
		DisableCompression: true,
	}
	transport.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))

	client := resty.New()
	client.SetTransport(transport)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(2 * time.Second)
	client.SetRetryMaxWaitTime(10 * time.Second)
	client.SetHeader("User-Agent", "datafetch/1.0")

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	client.SetLogger(logger)

	return &HTTPClient{
		client:    client,
		transport: transport,
		logger:    logger,
		resume:    NewResumeManager(),
		freeSpace: diskFree,
	}
}

func (h *HTTPClient) SetLogger(logger *logrus.Logger) {
	h.logger = logger
	h.client.SetLogger(logger)
}

// SetTimeout bounds the wait for response headers. The body of a large
// download is not subject to a deadline.
func (h *HTTPClient) SetTimeout(timeout time.Duration) {
	h.transport.ResponseHeaderTimeout = timeout
}

// SetRetry configures retries of requests that fail before a response arrives
func (h *HTTPClient) SetRetry(attempts int, delay time.Duration) {
	h.client.SetRetryCount(attempts)
	h.client.SetRetryWaitTime(delay)
}

// DownloadToFile fetches urlStr into destination. Bytes are written to
// PartialPath(destination) and only renamed into place once the body has been
// received in full. A partial file left by an earlier attempt is resumed
// with a range request.
func (h *HTTPClient) DownloadToFile(ctx context.Context, urlStr, destination string, options *DownloadOptions) (*TransferResult, error) {
	if options == nil {
		options = &DownloadOptions{}
	}

	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return nil, &interfaces.IOError{Op: "mkdir", Path: filepath.Dir(destination), Err: err}
	}

	offset, saved, err := h.resume.IsResumable(urlStr, destination)
	if err != nil {
		return nil, &interfaces.IOError{Op: "stat", Path: PartialPath(destination), Err: err}
	}

	result, err := h.transfer(ctx, urlStr, destination, offset, saved, options)
	if errors.Is(err, errRestart) {
		h.logger.Warnf("Cannot resume %s from byte %d, restarting download", urlStr, offset)
		if err := h.resume.Discard(destination); err != nil {
			return nil, &interfaces.IOError{Op: "remove", Path: PartialPath(destination), Err: err}
		}
		result, err = h.transfer(ctx, urlStr, destination, 0, nil, options)
		if errors.Is(err, errRestart) {
			err = &interfaces.TransferError{URL: urlStr, Message: "unexpected partial content", Err: interfaces.ErrRangeIgnored}
		}
	}
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (h *HTTPClient) transfer(ctx context.Context, urlStr, destination string, offset int64, saved *ResumeData, options *DownloadOptions) (*TransferResult, error) {
	req := h.client.R().SetContext(ctx).SetDoNotParseResponse(true)

	if options.Headers != nil {
		req.SetHeaders(options.Headers)
	}

	if offset > 0 {
		h.logger.Debugf("Resuming %s from byte %d", urlStr, offset)
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
		if saved != nil {
			if saved.ETag != "" {
				req.SetHeader("If-Range", saved.ETag)
			} else if saved.LastModified != "" {
				req.SetHeader("If-Range", saved.LastModified)
			}
		}
	}

	resp, err := req.Get(urlStr)
	if err != nil {
		return nil, &interfaces.TransferError{URL: urlStr, Message: "request failed", Err: err}
	}

	body := resp.RawBody()
	defer body.Close()

	status := resp.StatusCode()
	total := contentLength(resp)

	switch {
	case status == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// a partial holding every byte was never renamed into place
		if size, ok := unsatisfiedRange(resp.Header().Get("Content-Range")); ok && size == offset {
			h.logger.Debugf("Partial download of %s is already complete", urlStr)
			return h.complete(destination, offset, options)
		}
		return nil, errRestart
	case status == http.StatusOK:
		if offset > 0 {
			h.logger.Warnf("Server ignored range request for %s, downloading from the start", urlStr)
			offset = 0
		}
	case status == http.StatusPartialContent:
		rangeStart, rangeTotal, ok := parseContentRange(resp.Header().Get("Content-Range"))
		if !ok || rangeStart != offset {
			return nil, errRestart
		}
		total = rangeTotal
		if total < 0 {
			if length := contentLength(resp); length >= 0 {
				total = offset + length
			}
		}
	default:
		return nil, &interfaces.TransferError{URL: urlStr, StatusCode: status, Message: "unexpected HTTP status"}
	}

	if total >= 0 {
		if err := h.checkFreeSpace(filepath.Dir(destination), total-offset); err != nil {
			return nil, &interfaces.TransferError{URL: urlStr, Message: "cannot store download", Err: err}
		}
	}

	err = h.resume.SaveProgress(destination, &ResumeData{
		URL:          urlStr,
		ETag:         resp.Header().Get("ETag"),
		LastModified: resp.Header().Get("Last-Modified"),
		TotalSize:    total,
	})
	if err != nil {
		h.logger.Warnf("Could not save resume data for %s: %v", destination, err)
	}

	written, err := h.writeBody(urlStr, destination, body, offset, total, options)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(PartialPath(destination), destination); err != nil {
		return nil, &interfaces.IOError{Op: "rename", Path: destination, Err: err}
	}

	if err := h.resume.ClearProgress(destination); err != nil {
		h.logger.Warnf("Could not remove resume data for %s: %v", destination, err)
	}

	return &TransferResult{
		FilePath:    destination,
		Size:        written,
		ResumedFrom: offset,
	}, nil
}

// complete moves a partial that already holds all size bytes into place
func (h *HTTPClient) complete(destination string, size int64, options *DownloadOptions) (*TransferResult, error) {
	if sink := options.Progress; sink != nil {
		name := options.Name
		if name == "" {
			name = filepath.Base(destination)
		}
		sink.Start(name, size)
		sink.Update(size)
		sink.Finish(nil)
	}

	if err := os.Rename(PartialPath(destination), destination); err != nil {
		return nil, &interfaces.IOError{Op: "rename", Path: destination, Err: err}
	}
	if err := h.resume.ClearProgress(destination); err != nil {
		h.logger.Warnf("Could not remove resume data for %s: %v", destination, err)
	}

	return &TransferResult{FilePath: destination, Size: size, ResumedFrom: size}, nil
}

// writeBody appends body to the partial file in fixed-size chunks. On any
// error the partial file is left in place for a later resume.
func (h *HTTPClient) writeBody(urlStr, destination string, body io.Reader, offset, total int64, options *DownloadOptions) (written int64, err error) {
	partial := PartialPath(destination)

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return 0, &interfaces.IOError{Op: "open", Path: partial, Err: err}
	}
	defer file.Close()

	chunkSize := int64(DefaultChunkSize)
	if options.ChunkSize > 0 {
		chunkSize = options.ChunkSize
	}

	sink := options.Progress
	if sink == nil {
		sink = noopSink{}
	}

	name := options.Name
	if name == "" {
		name = filepath.Base(destination)
	}

	sink.Start(name, total)
	defer func() { sink.Finish(err) }()
	sink.Update(offset)

	buffer := make([]byte, chunkSize)
	written = offset
	for {
		n, readErr := readChunk(body, buffer)
		if n > 0 {
			if _, err := file.Write(buffer[:n]); err != nil {
				return written, &interfaces.IOError{Op: "write", Path: partial, Err: err}
			}
			written += int64(n)
			sink.Update(written)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, &interfaces.TransferError{URL: urlStr, Message: "connection interrupted", Err: readErr}
		}
	}

	if total >= 0 && written < total {
		return written, &interfaces.TransferError{
			URL:     urlStr,
			Message: fmt.Sprintf("body ended after %d of %d bytes", written, total),
			Err:     io.ErrUnexpectedEOF,
		}
	}

	if err := file.Sync(); err != nil {
		return written, &interfaces.IOError{Op: "sync", Path: partial, Err: err}
	}

	return written, nil
}

// contentLength returns the body size announced by the server, or -1
func contentLength(resp *resty.Response) int64 {
	if resp.RawResponse.ContentLength >= 0 {
		return resp.RawResponse.ContentLength
	}
	// responses from the file transport only carry the header
	if size, err := strconv.ParseInt(resp.Header().Get("Content-Length"), 10, 64); err == nil && size >= 0 {
		return size
	}
	return -1
}

// readChunk fills buf unless the reader ends or fails first
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// parseContentRange parses "bytes start-end/total". total is -1 when the
// server sends "*".
func parseContentRange(header string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, false
	}

	span, size, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if size == "*" {
		return start, -1, true
	}

	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, total, true
}

// unsatisfiedRange parses the "bytes */size" form sent with a 416 response
func unsatisfiedRange(header string) (int64, bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(header), "bytes */")
	if !found {
		return 0, false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// FilenameFromURL returns the last path element of rawURL, or "download"
// when the URL has no usable file name
func FilenameFromURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}

	name := path.Base(parsedURL.Path)
	if name == "" || name == "/" || name == "." {
		return "download"
	}
	return name
}

type noopSink struct{}

func (noopSink) Start(string, int64) {}
func (noopSink) Update(int64)        {}
func (noopSink) Finish(error)        {}

// FormatBytes formats bytes for display
func FormatBytes(bytes int64) string {
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
