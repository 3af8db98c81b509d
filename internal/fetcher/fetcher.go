package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultMaxBytes caps the size of a workbook read into memory.
const DefaultMaxBytes int64 = 50 << 20

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Source is a workbook loaded into memory together with its display name.
type Source struct {
	Name string
	Data []byte
}

// Loader resolves a local path or an http(s)/ftp URL into workbook bytes.
type Loader struct {
	http     Fetcher
	ftp      Fetcher
	maxBytes int64
}

// NewLoader creates a Loader. Either fetcher may be nil, in which case
// URLs with that scheme are rejected.
func NewLoader(httpFetcher, ftpFetcher Fetcher, maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Loader{http: httpFetcher, ftp: ftpFetcher, maxBytes: maxBytes}
}

// Load reads the workbook named by src.
func (l *Loader) Load(ctx context.Context, src string) (*Source, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, or a Windows drive letter parsed as a scheme.
		return l.loadFile(src)
	}

	var f Fetcher
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		f = l.http
	case "ftp":
		f = l.ftp
	case "file":
		return l.loadFile(u.Path)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	if f == nil {
		return nil, eris.Errorf("fetcher: no fetcher configured for %q", u.Scheme)
	}

	zap.L().Debug("fetcher: downloading workbook", zap.String("url", u.Redacted()))

	body, err := f.Download(ctx, src)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", u.Redacted())
	}
	defer body.Close() //nolint:errcheck

	data, err := l.readAll(body)
	if err != nil {
		return nil, err
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = u.Host
	}
	return &Source{Name: name, Data: data}, nil
}

func (l *Loader) loadFile(p string) (*Source, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open file")
	}
	defer file.Close() //nolint:errcheck

	data, err := l.readAll(file)
	if err != nil {
		return nil, err
	}
	return &Source{Name: filepath.Base(p), Data: data}, nil
}

func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	if n > l.maxBytes {
		return nil, eris.Errorf("fetcher: workbook exceeds %d bytes", l.maxBytes)
	}
	return buf.Bytes(), nil
}
