// Package artifact opens patch catalogs and bundles from local paths,
// HTTP(S) URLs and S3 locations.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kidoz/esxi-patcher-go/internal/objstore"
)

// ObjectStore is the subset of objstore.Client the opener needs.
type ObjectStore interface {
	Open(ctx context.Context, location string) (io.ReadCloser, int64, error)
}

// Opener dispatches on the location scheme.
type Opener struct {
	http  *http.Client
	store ObjectStore
	log   *slog.Logger
}

// NewOpener creates an opener. store may be nil when no S3 source is used.
func NewOpener(store *objstore.Client, log *slog.Logger) *Opener {
	o := &Opener{
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:  log,
	}
	if store != nil {
		o.store = store
	}
	return o
}

// NewOpenerWith is NewOpener with explicit transports, used by tests.
func NewOpenerWith(client *http.Client, store ObjectStore, log *slog.Logger) *Opener {
	return &Opener{http: client, store: store, log: log}
}

// Open returns a reader for location and its size, or -1 when unknown.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return o.openHTTP(ctx, location)
	case strings.HasPrefix(location, objstore.Scheme):
		if o.store == nil {
			return nil, 0, fmt.Errorf("no object store configured for %s", location)
		}
		return o.store.Open(ctx, location)
	case strings.HasPrefix(location, "file://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid file location %q: %w", location, err)
		}
		return openFile(u.Path)
	default:
		return openFile(location)
	}
}

func (o *Opener) openHTTP(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	o.log.Debug("Downloading", slog.String("url", location))

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", location, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("GET %s: HTTP %d", location, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func openFile(p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", p)
	}
	return f, st.Size(), nil
}

// ReadAll reads a small document such as a catalog.
func (o *Opener) ReadAll(ctx context.Context, location string) ([]byte, error) {
	rc, _, err := o.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Resolve interprets location relative to base when location has no scheme
// and is not absolute. base is the location of the document that referenced
// it.
func Resolve(base, location string) string {
	if location == "" || hasScheme(location) || filepath.IsAbs(location) {
		return location
	}
	switch {
	case strings.HasPrefix(base, "http://"), strings.HasPrefix(base, "https://"):
		u, err := url.Parse(base)
		if err != nil {
			return location
		}
		ref, err := url.Parse(location)
		if err != nil {
			return location
		}
		return u.ResolveReference(ref).String()
	case strings.HasPrefix(base, objstore.Scheme):
		idx := strings.LastIndex(base, "/")
		if idx < len(objstore.Scheme) {
			return location
		}
		return base[:idx+1] + path.Clean(location)
	case strings.HasPrefix(base, "file://"):
		return filepath.Join(filepath.Dir(strings.TrimPrefix(base, "file://")), location)
	default:
		return filepath.Join(filepath.Dir(base), location)
	}
}

func hasScheme(s string) bool {
	idx := strings.Index(s, "://")
	return idx > 0
}
