package federated

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
	"github.com/pkgvault/pkgvault/storage"
	"github.com/pkgvault/pkgvault/storagedriver/filesystem"
	"github.com/pkgvault/pkgvault/uplink"
)

type recordingSink struct {
	events []pkgvault.Event
}

func (r *recordingSink) Emit(e pkgvault.Event) { r.events = append(r.events, e) }

func testStore(t *testing.T, upstream *httptest.Server, proxy []string) (*Store, *recordingSink) {
	t.Helper()
	backend := storage.NewBackend(filesystem.New(t.TempDir()), nil)
	local := storage.New(backend, true)

	uplinks := map[string]*uplink.Client{}
	if upstream != nil {
		uplinks["npmjs"] = uplink.New("npmjs", configuration.Uplink{URL: upstream.URL})
	}

	packages := map[string]configuration.PackageAccess{
		"**": {Proxy: proxy},
	}

	sink := &recordingSink{}
	return New(local, uplinks, packages, sink), sink
}

func TestGetPackageServesLocalWithoutUplinks(t *testing.T) {
	s, _ := testStore(t, nil, nil)
	ctx := context.Background()

	v := pkgvault.Version{Name: "left-pad", Version: "1.0.0", Dist: pkgvault.Dist{Tarball: "http://x/left-pad-1.0.0.tgz"}}
	if _, err := s.AddVersion(ctx, "left-pad", v, "", "latest"); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	m, _, err := s.GetPackage(ctx, "left-pad")
	if err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if _, ok := m.Versions["1.0.0"]; !ok {
		t.Fatalf("expected version 1.0.0, got %v", m.Versions)
	}
}

func TestGetPackageNotFoundWithoutCacheOrUplinkSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, _ := testStore(t, srv, []string{"npmjs"})
	ctx := pkgvault.WithRequestScope(context.Background(), pkgvault.RequestScope{UplinksLook: true})

	_, _, err := s.GetPackage(ctx, "left-pad")
	if pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestGetPackageMergesFromUplinkAndRewritesDistURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := pkgvault.NewManifestTemplate("left-pad")
		m.Versions["1.0.0"] = pkgvault.Version{
			Name: "left-pad", Version: "1.0.0",
			Dist: pkgvault.Dist{Tarball: "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz", Shasum: "abc"},
		}
		m.DistTags["latest"] = "1.0.0"
		json.NewEncoder(w).Encode(m)
	}))
	defer srv.Close()

	s, sink := testStore(t, srv, []string{"npmjs"})
	ctx := pkgvault.WithRequestScope(context.Background(), pkgvault.RequestScope{
		UplinksLook: true, Protocol: "https", Host: "registry.example.com",
	})

	m, errs, err := s.GetPackageManifest(ctx, "left-pad")
	if err != nil {
		t.Fatalf("GetPackageManifest: %v (errs=%v)", err, errs)
	}
	ver, ok := m.Versions["1.0.0"]
	if !ok {
		t.Fatalf("expected merged version 1.0.0")
	}
	want := "https://registry.example.com/left-pad/-/left-pad-1.0.0.tgz"
	if ver.Dist.Tarball != want {
		t.Fatalf("expected rewritten tarball URL %q, got %q", want, ver.Dist.Tarball)
	}

	found := false
	for _, e := range sink.events {
		if e.Action == pkgvault.ActionUplinkMerge && e.Package == "left-pad" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an uplink-merge event, got %v", sink.events)
	}
}

func TestGetPackageByVersionResolvesTag(t *testing.T) {
	s, _ := testStore(t, nil, nil)
	ctx := context.Background()

	v := pkgvault.Version{Name: "left-pad", Version: "1.0.0", Dist: pkgvault.Dist{Tarball: "http://x/left-pad-1.0.0.tgz"}}
	if _, err := s.AddVersion(ctx, "left-pad", v, "", "latest"); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	got, _, err := s.GetPackageByVersion(ctx, "left-pad", "latest")
	if err != nil {
		t.Fatalf("GetPackageByVersion: %v", err)
	}
	if got.Version != "1.0.0" {
		t.Fatalf("expected 1.0.0, got %s", got.Version)
	}

	if _, _, err := s.GetPackageByVersion(ctx, "left-pad", "9.9.9"); pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found for missing version, got %v", err)
	}
}

func TestGetTarballServesLocalBeforeUplink(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	s, _ := testStore(t, srv, []string{"npmjs"})
	ctx := context.Background()

	writer, err := s.AddTarball(ctx, "left-pad", "left-pad-1.0.0.tgz")
	if err != nil {
		t.Fatalf("AddTarball: %v", err)
	}
	writer.Write([]byte("local-bytes"))
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rc, err := s.GetTarball(ctx, "left-pad", "left-pad-1.0.0.tgz")
	if err != nil {
		t.Fatalf("GetTarball: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "local-bytes" {
		t.Fatalf("expected local bytes, got %q", data)
	}
	if called {
		t.Fatalf("expected uplink not to be consulted when local copy exists")
	}
}

func TestGetTarballFetchesAndCachesFromUplink(t *testing.T) {
	var tarballSrv *httptest.Server
	manifestSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := pkgvault.NewManifestTemplate("left-pad")
		m.Versions["1.0.0"] = pkgvault.Version{
			Name: "left-pad", Version: "1.0.0",
			Dist: pkgvault.Dist{Tarball: tarballSrv.URL + "/left-pad-1.0.0.tgz"},
		}
		m.DistTags["latest"] = "1.0.0"
		json.NewEncoder(w).Encode(m)
	}))
	defer manifestSrv.Close()

	tarballSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-bytes"))
	}))
	defer tarballSrv.Close()

	backend := storage.NewBackend(filesystem.New(t.TempDir()), nil)
	local := storage.New(backend, true)
	uplinks := map[string]*uplink.Client{"npmjs": uplink.New("npmjs", configuration.Uplink{URL: manifestSrv.URL})}
	packages := map[string]configuration.PackageAccess{"**": {Proxy: []string{"npmjs"}}}
	s := New(local, uplinks, packages, nil)

	ctx := context.Background()
	rc, err := s.GetTarball(ctx, "left-pad", "left-pad-1.0.0.tgz")
	if err != nil {
		t.Fatalf("GetTarball: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(data) != "remote-bytes" {
		t.Fatalf("expected remote bytes, got %q", data)
	}

	cachedRC, err := local.OpenTarballRead(ctx, "left-pad", "left-pad-1.0.0.tgz")
	if err != nil {
		t.Fatalf("expected tarball cached locally after fetch: %v", err)
	}
	cachedRC.Close()
}

func TestChangePackageEmitsUnpublishAndDeprecateEvents(t *testing.T) {
	s, sink := testStore(t, nil, nil)
	ctx := context.Background()

	v1 := pkgvault.Version{Name: "left-pad", Version: "1.0.0", Dist: pkgvault.Dist{Tarball: "http://x/1.tgz"}}
	v2 := pkgvault.Version{Name: "left-pad", Version: "2.0.0", Dist: pkgvault.Dist{Tarball: "http://x/2.tgz"}}
	if _, err := s.AddVersion(ctx, "left-pad", v1, "", "latest"); err != nil {
		t.Fatalf("AddVersion v1: %v", err)
	}
	if _, err := s.AddVersion(ctx, "left-pad", v2, "", "latest"); err != nil {
		t.Fatalf("AddVersion v2: %v", err)
	}

	current, err := s.local.GetManifest(ctx, "left-pad")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}

	incoming := current.Clone()
	delete(incoming.Versions, "1.0.0")
	deprecated := incoming.Versions["2.0.0"]
	deprecated.Deprecated = "use something else"
	incoming.Versions["2.0.0"] = deprecated

	if _, err := s.ChangePackage(ctx, "left-pad", incoming); err != nil {
		t.Fatalf("ChangePackage: %v", err)
	}

	var sawUnpublish, sawDeprecate bool
	for _, e := range sink.events {
		if e.Action == pkgvault.ActionUnpublish && e.Version == "1.0.0" {
			sawUnpublish = true
		}
		if e.Action == pkgvault.ActionDeprecate && e.Version == "2.0.0" {
			sawDeprecate = true
		}
	}
	if !sawUnpublish || !sawDeprecate {
		t.Fatalf("expected unpublish and deprecate events, got %v", sink.events)
	}
}

func TestSearchSkipsEmptyPackagesAndProjectsLatest(t *testing.T) {
	backend := storage.NewBackend(filesystem.New(t.TempDir()), testSearchIndex{})
	local := storage.New(backend, true)
	s := New(local, nil, nil, nil)
	ctx := context.Background()

	v := pkgvault.Version{Name: "left-pad", Version: "1.0.0", Description: "pad a string", Dist: pkgvault.Dist{Tarball: "http://x/1.tgz"}}
	if _, err := s.AddVersion(ctx, "left-pad", v, "", "latest"); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	hits, err := s.Search(ctx, "pad")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "left-pad" || hits[0].Description != "pad a string" {
		t.Fatalf("unexpected search results: %v", hits)
	}
}

// testSearchIndex is a minimal in-memory storage.SearchIndex standing in for
// storage/searchindex.Index, so this package's tests don't need sqlite.
type testSearchIndex struct{}

func (testSearchIndex) Index(ctx context.Context, name string, m pkgvault.Manifest) error {
	return nil
}
func (testSearchIndex) Remove(ctx context.Context, name string) error { return nil }
func (testSearchIndex) Search(ctx context.Context, query string) ([]pkgvault.SearchItem, error) {
	return []pkgvault.SearchItem{{Name: "left-pad"}}, nil
}
