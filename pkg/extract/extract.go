package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

type format int

const (
	formatUnknown format = iota
	formatZip
	formatTar
	formatTarGz
	formatTarBz2
	formatTarXz
)

var suffixes = []struct {
	suffix string
	format format
}{
	{".tar.gz", formatTarGz},
	{".tgz", formatTarGz},
	{".tar.bz2", formatTarBz2},
	{".tbz2", formatTarBz2},
	{".tbz", formatTarBz2},
	{".tar.xz", formatTarXz},
	{".txz", formatTarXz},
	{".tar", formatTar},
	{".zip", formatZip},
}

func detectFormat(name string) format {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format
		}
	}
	return formatUnknown
}

// Supported reports whether the file name has a recognised archive extension
func Supported(name string) bool {
	return detectFormat(name) != formatUnknown
}

// corruption marks an error raised while decoding the archive stream, as
// opposed to one raised while writing its contents
type corruption struct {
	err error
}

func (c *corruption) Error() string { return c.err.Error() }
func (c *corruption) Unwrap() error { return c.err }

// decodeReader tags every read failure other than io.EOF as corruption
type decodeReader struct {
	r io.Reader
}

func (d decodeReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		var c *corruption
		if !errors.As(err, &c) {
			err = &corruption{err: err}
		}
	}
	return n, err
}

// Extractor unpacks downloaded archives
type Extractor struct {
	logger *logrus.Logger
}

func New() *Extractor {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return &Extractor{logger: logger}
}

func (e *Extractor) SetLogger(logger *logrus.Logger) {
	e.logger = logger
}

// Extract unpacks archivePath into destDir, choosing the decoder from the
// file name. Failures while decoding the archive are reported as
// ExtractCorrupt; with deleteOnCorruption set the archive is removed first
// so the next run fetches it again.
func (e *Extractor) Extract(archivePath, destDir string, deleteOnCorruption bool) error {
	e.logger.Infof("Extracting %s to %s", filepath.Base(archivePath), destDir)

	err := e.extract(archivePath, destDir)
	if err == nil {
		e.logger.Debugf("Extracted %s", archivePath)
		return nil
	}

	extractErr := &interfaces.ExtractError{Kind: interfaces.ExtractOther, Archive: archivePath, Err: err}

	var c *corruption
	if errors.As(err, &c) {
		extractErr.Kind = interfaces.ExtractCorrupt
		extractErr.Err = c.err

		if deleteOnCorruption {
			if rmErr := os.Remove(archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
				e.logger.Warnf("Could not delete corrupt archive %s: %v", archivePath, rmErr)
			} else {
				extractErr.Deleted = true
				e.logger.Debugf("Deleted corrupt archive %s", archivePath)
			}
		}
	}

	return extractErr
}

func (e *Extractor) extract(archivePath, destDir string) error {
	f := detectFormat(archivePath)
	if f == formatUnknown {
		return interfaces.ErrUnsupportedArchive
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return &interfaces.IOError{Op: "mkdir", Path: destDir, Err: err}
	}
	dir, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return &interfaces.IOError{Op: "resolve", Path: destDir, Err: err}
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return &interfaces.IOError{Op: "open", Path: destDir, Err: err}
	}
	defer root.Close()

	t := &tree{root: root, dir: dir, logger: e.logger}
	if f == formatZip {
		return t.unzip(archivePath)
	}
	return t.untar(archivePath, f)
}

// tree writes archive entries below dir. Every write goes through root, so
// no entry can reach outside dir, whatever links earlier entries created.
type tree struct {
	root   *os.Root
	dir    string
	logger *logrus.Logger
}

func (t *tree) unzip(src string) error {
	file, err := os.Open(src)
	if err != nil {
		return &interfaces.IOError{Op: "open", Path: src, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return &interfaces.IOError{Op: "stat", Path: src, Err: err}
	}

	// non-local names are rejected entry by entry below
	r, err := zip.NewReader(file, info.Size())
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return &corruption{err: err}
	}

	for _, f := range r.File {
		name, err := localName(t.dir, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := t.mkdir(name); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			linkname, err := readZipLink(f)
			if err != nil {
				return err
			}
			if err := t.symlink(name, linkname); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				if errors.Is(err, zip.ErrAlgorithm) {
					return fmt.Errorf("%s: %w", f.Name, err)
				}
				return &corruption{err: err}
			}
			err = t.writeFile(name, decodeReader{rc}, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		default:
			t.logger.Debugf("Skipping %s: unsupported entry type %v", f.Name, mode.Type())
		}
	}

	return nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", &corruption{err: err}
	}
	defer rc.Close()

	target, err := io.ReadAll(decodeReader{rc})
	if err != nil {
		return "", err
	}
	return string(target), nil
}

func (t *tree) untar(src string, f format) error {
	file, err := os.Open(src)
	if err != nil {
		return &interfaces.IOError{Op: "open", Path: src, Err: err}
	}
	defer file.Close()

	var stream io.Reader
	switch f {
	case formatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return &corruption{err: err}
		}
		defer gz.Close()
		stream = gz
	case formatTarBz2:
		stream = bzip2.NewReader(file)
	case formatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return &corruption{err: err}
		}
		stream = xzr
	default:
		stream = file
	}

	tr := tar.NewReader(decodeReader{stream})
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("illegal file path in archive: %s", header.Name)
		}
		if err != nil {
			var c *corruption
			if errors.As(err, &c) {
				return err
			}
			return &corruption{err: err}
		}

		name, err := localName(t.dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := t.mkdir(name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := t.writeFile(name, decodeReader{tr}, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := t.symlink(name, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := localName(t.dir, header.Linkname)
			if err != nil {
				return err
			}
			if err := t.replace(name, func() error { return t.root.Link(source, name) }); err != nil {
				return err
			}
		default:
			t.logger.Debugf("Skipping %s: unsupported tar entry type %c", header.Name, header.Typeflag)
		}
	}

	return nil
}

func (t *tree) mkdir(name string) error {
	if name == "." {
		return nil
	}
	if info, err := t.root.Stat(name); err == nil && info.IsDir() {
		return nil
	}
	if err := t.root.MkdirAll(name, 0755); err != nil {
		return &interfaces.IOError{Op: "mkdir", Path: filepath.Join(t.dir, name), Err: err}
	}
	return nil
}

// symlink creates name pointing at linkname, provided the link resolves
// inside the tree. The check uses the real location of the link's parent
// directory, which earlier links may have moved.
func (t *tree) symlink(name, linkname string) error {
	if err := t.mkdir(filepath.Dir(name)); err != nil {
		return err
	}

	parent, err := filepath.EvalSymlinks(filepath.Join(t.dir, filepath.Dir(name)))
	if err != nil {
		return &interfaces.IOError{Op: "resolve", Path: filepath.Join(t.dir, name), Err: err}
	}

	resolved := linkname
	if !filepath.IsAbs(linkname) {
		resolved = filepath.Join(parent, linkname)
	}
	if !within(t.dir, parent) || !within(t.dir, resolved) {
		t.logger.Warnf("Skipping symbolic link %s -> %s: target is outside %s", name, linkname, t.dir)
		return nil
	}

	if err := t.replace(name, func() error { return t.root.Symlink(linkname, name) }); err != nil {
		return err
	}

	// a target reached through other links may still lead out
	if target, err := filepath.EvalSymlinks(filepath.Join(t.dir, name)); err == nil && !within(t.dir, target) {
		t.logger.Warnf("Skipping symbolic link %s -> %s: target is outside %s", name, linkname, t.dir)
		if err := t.root.Remove(name); err != nil {
			return &interfaces.IOError{Op: "remove", Path: filepath.Join(t.dir, name), Err: err}
		}
	}
	return nil
}

// replace removes whatever exists at name and runs create
func (t *tree) replace(name string, create func() error) error {
	if err := t.mkdir(filepath.Dir(name)); err != nil {
		return err
	}
	path := filepath.Join(t.dir, name)
	if err := t.root.Remove(name); err != nil && !os.IsNotExist(err) {
		return &interfaces.IOError{Op: "remove", Path: path, Err: err}
	}
	if err := create(); err != nil {
		return &interfaces.IOError{Op: "link", Path: path, Err: err}
	}
	return nil
}

func (t *tree) writeFile(name string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}

	if err := t.mkdir(filepath.Dir(name)); err != nil {
		return err
	}

	path := filepath.Join(t.dir, name)
	out, err := t.root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return &interfaces.IOError{Op: "create", Path: path, Err: err}
	}

	_, err = io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		var c *corruption
		if errors.As(err, &c) {
			return err
		}
		return &interfaces.IOError{Op: "write", Path: path, Err: err}
	}
	if closeErr != nil {
		return &interfaces.IOError{Op: "close", Path: path, Err: closeErr}
	}
	return nil
}

// localName turns an archive entry name into a path relative to dest,
// rejecting names that would land outside dest
func localName(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !within(dest, target) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return filepath.Rel(dest, target)
}

func within(dest, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dest), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
