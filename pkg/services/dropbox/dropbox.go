package dropbox

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

var sharePath = regexp.MustCompile(`^/(s|scl/fi)/[A-Za-z0-9_-]+/[^/]+$`)

// Service rewrites Dropbox share links, which serve an HTML preview page,
// into links that serve the file itself
type Service struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Service{
		logger: logger,
	}
}

func (s *Service) IsSupported(urlStr string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	return host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com") ||
		host == "dl.dropboxusercontent.com"
}

func (s *Service) GetServiceName() string {
	return "Dropbox"
}

// ConvertURL returns the direct download link for a share link. Links
// that already point at file content are returned unchanged.
func (s *Service) ConvertURL(urlStr string) (string, error) {
	if err := s.ValidateURL(urlStr); err != nil {
		return "", err
	}

	parsed, _ := url.Parse(urlStr)
	if strings.EqualFold(parsed.Hostname(), "dl.dropboxusercontent.com") {
		return urlStr, nil
	}

	query := parsed.Query()
	if query.Get("dl") == "1" {
		return urlStr, nil
	}
	query.Set("dl", "1")
	parsed.RawQuery = query.Encode()

	direct := parsed.String()
	s.logger.Debugf("Converted Dropbox link %s to %s", urlStr, direct)
	return direct, nil
}

// ValidateURL checks that urlStr is a Dropbox link to a single file
func (s *Service) ValidateURL(urlStr string) error {
	if !s.IsSupported(urlStr) {
		return interfaces.ErrUnsupportedURL
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if strings.EqualFold(parsed.Hostname(), "dl.dropboxusercontent.com") {
		return nil
	}

	if !sharePath.MatchString(parsed.Path) {
		return fmt.Errorf("%w: unsupported Dropbox URL format %s", interfaces.ErrUnsupportedURL, urlStr)
	}

	return nil
}
