package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	neturl "net/url"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"

	"github.com/schaermu/overlaysync/internal/manifest"
)

// ManifestName is the well-known manifest resource under every overlay location.
const ManifestName = "overlay-manifest.yaml"

// ErrTransfer is returned when a remote resource yields no data.
var ErrTransfer = errors.New("transfer failed")

// Source fetches overlay content from its authoritative location
type Source interface {
	// FetchManifest retrieves and decodes the overlay manifest
	FetchManifest(ctx context.Context, location string) (*manifest.Manifest, error)
	// Open streams one file listed in the manifest
	Open(ctx context.Context, location, path string) (io.ReadCloser, error)
}

// AFSSource implements Source on top of github.com/viant/afs, so overlays can
// live on local disk, HTTP(S), or any storage registered with afs.
type AFSSource struct {
	fs afs.Service
}

// NewAFSSource creates a Source backed by the default afs service
func NewAFSSource() *AFSSource {
	return &AFSSource{fs: afs.New()}
}

// FetchManifest downloads <location>/overlay-manifest.yaml
func (s *AFSSource) FetchManifest(ctx context.Context, location string) (*manifest.Manifest, error) {
	manifestURL := url.Join(normalize(location), ManifestName)

	status := option.NewStatus()
	data, err := s.fs.DownloadWithURL(ctx, manifestURL, status)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrTransfer, manifestURL, err)
	}
	if err := checkStatus(status); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrTransfer, manifestURL, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: manifest %s: empty response", ErrTransfer, manifestURL)
	}

	m, err := manifest.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote manifest %s: %w", manifestURL, err)
	}
	return m, nil
}

// Open streams <location>/<path>
func (s *AFSSource) Open(ctx context.Context, location, path string) (io.ReadCloser, error) {
	base := normalize(location)
	fileURL := url.Join(base, escapePath(base, filepath.ToSlash(path)))

	status := option.NewStatus()
	reader, err := s.fs.OpenURL(ctx, fileURL, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransfer, fileURL, err)
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: %s: no content", ErrTransfer, fileURL)
	}
	if err := checkStatus(status); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransfer, fileURL, err)
	}
	return reader, nil
}

// checkStatus rejects non-2xx responses. Storage without status codes
// leaves Code at zero.
func checkStatus(status *option.Status) error {
	if status.Code == 0 || (status.Code >= 200 && status.Code <= 299) {
		return nil
	}
	return fmt.Errorf("unexpected status code %d", status.Code)
}

// escapePath percent-encodes each segment of p for http(s) locations.
func escapePath(base, p string) string {
	switch url.Scheme(base, "") {
	case "http", "https":
	default:
		return p
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = neturl.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// normalize turns bare filesystem paths into file:// URLs.
func normalize(location string) string {
	if url.Scheme(location, "") != "" {
		return strings.TrimRight(location, "/")
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		abs = location
	}
	return "file://" + filepath.ToSlash(abs)
}
