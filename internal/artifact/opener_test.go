package artifact

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeStore struct {
	data map[string]string
}

func (s *fakeStore) Open(_ context.Context, location string) (io.ReadCloser, int64, error) {
	v, ok := s.data[location]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(v)), int64(len(v)), nil
}

func newTestOpener(store ObjectStore) *Opener {
	return NewOpenerWith(http.DefaultClient, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOpen_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(p, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	o := newTestOpener(nil)
	for _, loc := range []string{p, "file://" + p} {
		rc, size, err := o.Open(context.Background(), loc)
		if err != nil {
			t.Fatalf("Open(%q): %v", loc, err)
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(b) != "payload" || size != 7 {
			t.Errorf("Open(%q) = %q/%d", loc, b, size)
		}
	}

	if _, _, err := o.Open(context.Background(), dir); err == nil {
		t.Error("expected error opening a directory")
	}
}

func TestOpen_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/catalog.yaml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("artifacts: []"))
	}))
	defer srv.Close()

	o := newTestOpener(nil)
	b, err := o.ReadAll(context.Background(), srv.URL+"/catalog.yaml")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "artifacts: []" {
		t.Errorf("got %q", b)
	}

	if _, err := o.ReadAll(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for HTTP 404")
	}
}

func TestOpen_S3(t *testing.T) {
	o := newTestOpener(&fakeStore{data: map[string]string{"s3://b/k": "obj"}})
	b, err := o.ReadAll(context.Background(), "s3://b/k")
	if err != nil || string(b) != "obj" {
		t.Fatalf("ReadAll = %q, %v", b, err)
	}

	if _, _, err := newTestOpener(nil).Open(context.Background(), "s3://b/k"); err == nil {
		t.Error("expected error without object store")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		location string
		want     string
	}{
		{"absolute stays", "/srv/catalog.yaml", "/other/p.zip", "/other/p.zip"},
		{"url stays", "/srv/catalog.yaml", "https://x/p.zip", "https://x/p.zip"},
		{"relative to file", "/srv/patches/catalog.yaml", "p.zip", "/srv/patches/p.zip"},
		{"relative to file url", "file:///srv/catalog.yaml", "sub/p.zip", "/srv/sub/p.zip"},
		{"relative to http", "https://mirror/esxi/catalog.yaml", "p.zip", "https://mirror/esxi/p.zip"},
		{"relative to s3", "s3://bucket/esxi/catalog.yaml", "p.zip", "s3://bucket/esxi/p.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.base, tt.location); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.location, got, tt.want)
			}
		})
	}
}
