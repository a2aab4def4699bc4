package storage

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/storagedriver/filesystem"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	return NewBackend(filesystem.New(t.TempDir()), nil)
}

func TestBackendWriteReadManifestRoundtrip(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	m := pkgvault.NewManifestTemplate("left-pad")
	if err := b.WriteManifest(ctx, "left-pad", m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := b.ReadManifest(ctx, "left-pad")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Name != "left-pad" {
		t.Fatalf("unexpected manifest: %+v", got)
	}
}

func TestBackendReadManifestNotFound(t *testing.T) {
	b := testBackend(t)
	_, err := b.ReadManifest(context.Background(), "missing")
	if pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestBackendUpdateManifestSerializesConcurrentCallers(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.WriteManifest(ctx, "pkg", pkgvault.NewManifestTemplate("pkg")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.UpdateManifest(ctx, "pkg", func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
				m = m.Clone()
				m.Versions["1.0."+string(rune('a'+i))] = pkgvault.Version{Version: "1.0." + string(rune('a'+i))}
				return m, nil
			})
			if err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}(i)
	}
	wg.Wait()

	if successes != n {
		t.Fatalf("expected all %d updates to succeed under serialization, got %d", n, successes)
	}

	m, err := b.ReadManifest(ctx, "pkg")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(m.Versions) != n {
		t.Fatalf("expected %d versions (no lost updates), got %d", n, len(m.Versions))
	}
}

func TestBackendTarballWriteReadDelete(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	w, err := b.OpenTarballWrite(ctx, "pkg", "pkg-1.0.0.tgz", pkgvault.WriteOptions{})
	if err != nil {
		t.Fatalf("OpenTarballWrite: %v", err)
	}
	if _, err := w.Write([]byte("tarball bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rc, err := b.OpenTarballRead(ctx, "pkg", "pkg-1.0.0.tgz")
	if err != nil {
		t.Fatalf("OpenTarballRead: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "tarball bytes" {
		t.Fatalf("unexpected tarball content: %s", got)
	}

	if err := b.DeleteTarball(ctx, "pkg", "pkg-1.0.0.tgz"); err != nil {
		t.Fatalf("DeleteTarball: %v", err)
	}
	if _, err := b.OpenTarballRead(ctx, "pkg", "pkg-1.0.0.tgz"); pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestBackendTarballWriteCancelLeavesNoTrace(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	w, err := b.OpenTarballWrite(ctx, "pkg", "pkg-1.0.0.tgz", pkgvault.WriteOptions{})
	if err != nil {
		t.Fatalf("OpenTarballWrite: %v", err)
	}
	if _, err := w.Write([]byte("abandoned")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	_, err = b.OpenTarballRead(ctx, "pkg", "pkg-1.0.0.tgz")
	if pkgvault.KindOf(err) != pkgvault.KindNotFound {
		t.Fatalf("expected not-found after abort, got %v", err)
	}
}

func TestBackendAddRemovePackageIndex(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.AddPackage(ctx, "left-pad"); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	if err := b.AddPackage(ctx, "right-pad"); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	names, err := b.readGlobalIndex(ctx)
	if err != nil {
		t.Fatalf("readGlobalIndex: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}

	if err := b.WriteManifest(ctx, "left-pad", pkgvault.NewManifestTemplate("left-pad")); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	if err := b.RemovePackage(ctx, "left-pad"); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}

	names, err = b.readGlobalIndex(ctx)
	if err != nil {
		t.Fatalf("readGlobalIndex after remove: %v", err)
	}
	if len(names) != 1 || names[0] != "right-pad" {
		t.Fatalf("expected only right-pad left, got %v", names)
	}
}

func TestBackendSearchUnsupportedWithoutIndex(t *testing.T) {
	b := testBackend(t)
	_, err := b.Search(context.Background(), "left")
	if err != pkgvault.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestBackendScopedPackagePath(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	m := pkgvault.NewManifestTemplate("@scope/left-pad")
	if err := b.WriteManifest(ctx, "@scope/left-pad", m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	got, err := b.ReadManifest(ctx, "@scope/left-pad")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if !strings.HasPrefix(got.Name, "@scope/") {
		t.Fatalf("unexpected scoped manifest: %+v", got)
	}
}
