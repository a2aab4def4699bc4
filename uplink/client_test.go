package uplink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
)

func TestFetchManifestAnnotatesUplink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Write([]byte(`{"name":"left-pad","versions":{"1.0.0":{"name":"left-pad","version":"1.0.0","dist":{"tarball":"https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"}}},"dist-tags":{"latest":"1.0.0"}}`))
	}))
	defer srv.Close()

	c := New("npmjs", configuration.Uplink{URL: srv.URL})
	result, err := c.FetchManifest(context.Background(), "left-pad", "")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if result.Etag != `"abc123"` {
		t.Fatalf("expected etag propagated, got %q", result.Etag)
	}
	ver := result.Manifest.Versions["1.0.0"]
	if ver.Dist.FromUplink() != "npmjs" {
		t.Fatalf("expected version annotated with uplink name, got %q", ver.Dist.FromUplink())
	}
}

func TestFetchManifestNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc123"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Fatalf("expected conditional request with etag")
	}))
	defer srv.Close()

	c := New("npmjs", configuration.Uplink{URL: srv.URL})
	result, err := c.FetchManifest(context.Background(), "left-pad", `"abc123"`)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if !result.NotModified {
		t.Fatalf("expected NotModified")
	}
}

func TestFetchManifestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("npmjs", configuration.Uplink{URL: srv.URL})
	_, err := c.FetchManifest(context.Background(), "missing-pkg", "")
	if pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestCircuitBreakerOpensAfterMaxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("flaky", configuration.Uplink{URL: srv.URL, MaxFails: 2, FailWindow: time.Minute, FailTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.FetchManifest(context.Background(), "pkg", "")
		if pkgvault.KindOf(err) != pkgvault.KindUnavailable {
			t.Fatalf("call %d: expected unavailable, got %v", i, err)
		}
	}

	_, err := c.FetchManifest(context.Background(), "pkg", "")
	if pkgvault.KindOf(err) != pkgvault.KindUnavailable {
		t.Fatalf("expected breaker-open unavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected circuit-open message, got %v", err)
	}
}

func TestFetchTarballDetectsContentMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("short body"))
	}))
	defer srv.Close()

	c := New("npmjs", configuration.Uplink{URL: srv.URL})
	rc, err := c.FetchTarball(context.Background(), srv.URL+"/pkg-1.0.0.tgz")
	if err != nil {
		t.Fatalf("FetchTarball: %v", err)
	}
	if _, err := io.ReadAll(rc); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected unexpected EOF reading a truncated body, got %v", err)
	}
	if pkgvault.KindOf(rc.Close()) != pkgvault.KindContentMismatch {
		t.Fatalf("expected content-mismatch on close")
	}
}
