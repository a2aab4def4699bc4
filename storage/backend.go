package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/internal/dcontext"
	"github.com/pkgvault/pkgvault/storagedriver"
)

// SearchIndex is the optional search capability a Backend may be given at
// construction. storage/searchindex implements it against SQLite; a Backend
// built without one reports pkgvault.ErrUnsupported from Search, matching
// SPEC_FULL §4.1's "search unsupported" contract.
type SearchIndex interface {
	Index(ctx context.Context, name string, m pkgvault.Manifest) error
	Remove(ctx context.Context, name string) error
	Search(ctx context.Context, query string) ([]pkgvault.SearchItem, error)
}

// Backend implements pkgvault.StorageBackend against a storagedriver.Driver,
// namespacing manifests and tarballs per package and serializing
// UpdateManifest calls against the same name.
type Backend struct {
	driver storagedriver.Driver
	index  SearchIndex

	updateLocks *keyedMutex

	indexMu sync.Mutex // guards read-modify-write of the global package index
}

// NewBackend constructs a Backend backed by driver. index may be nil, in
// which case Search reports pkgvault.ErrUnsupported.
func NewBackend(driver storagedriver.Driver, index SearchIndex) *Backend {
	return &Backend{
		driver:      storagedriver.Wrap(driver),
		index:       index,
		updateLocks: newKeyedMutex(),
	}
}

func (b *Backend) ReadManifest(ctx context.Context, name string) (pkgvault.Manifest, error) {
	raw, err := b.driver.GetContent(ctx, manifestPath(name))
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return pkgvault.Manifest{}, pkgvault.NotFound(fmt.Sprintf("package %q not found", name))
		}
		return pkgvault.Manifest{}, pkgvault.NewError(pkgvault.KindInternal, "reading manifest", err)
	}

	var m pkgvault.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return pkgvault.Manifest{}, pkgvault.NewError(pkgvault.KindBadData, "decoding manifest", err)
	}
	return m, nil
}

func (b *Backend) WriteManifest(ctx context.Context, name string, m pkgvault.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return pkgvault.NewError(pkgvault.KindInternal, "encoding manifest", err)
	}
	if err := b.driver.PutContent(ctx, manifestPath(name), raw); err != nil {
		return pkgvault.NewError(pkgvault.KindInternal, "writing manifest", err)
	}
	if b.index != nil {
		if err := b.index.Index(ctx, name, m); err != nil {
			dcontext.GetLogger(ctx).Errorf("storage: indexing %s for search: %v", name, err)
		}
	}
	return nil
}

// UpdateManifest performs a serialized read-modify-write against name. The
// per-name lock makes the read-then-write section linearizable; transform
// is invoked exactly once per call since the lock, not optimistic retry,
// is what guarantees no intermediate write is missed.
func (b *Backend) UpdateManifest(ctx context.Context, name string, transform pkgvault.Transform) (pkgvault.Manifest, error) {
	unlock := b.updateLocks.lock(name)
	defer unlock()

	current, err := b.ReadManifest(ctx, name)
	if err != nil && pkgvault.KindOf(err) != pkgvault.KindNotFound {
		return pkgvault.Manifest{}, err
	}
	if pkgvault.KindOf(err) == pkgvault.KindNotFound {
		current = pkgvault.NewManifestTemplate(name)
	}

	next, err := transform(current)
	if err != nil {
		return pkgvault.Manifest{}, err
	}

	if err := b.WriteManifest(ctx, name, next); err != nil {
		return pkgvault.Manifest{}, err
	}
	return next, nil
}

func (b *Backend) AddPackage(ctx context.Context, name string) error {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	names, err := b.readGlobalIndex(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	names = append(names, name)
	sort.Strings(names)
	return b.writeGlobalIndex(ctx, names)
}

func (b *Backend) RemovePackage(ctx context.Context, name string) error {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	names, err := b.readGlobalIndex(ctx)
	if err != nil {
		return err
	}
	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if err := b.writeGlobalIndex(ctx, kept); err != nil {
		return err
	}
	if err := b.driver.Delete(ctx, packageDir(name)); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); !ok {
			return pkgvault.NewError(pkgvault.KindInternal, "removing package directory", err)
		}
	}
	if b.index != nil {
		if err := b.index.Remove(ctx, name); err != nil {
			dcontext.GetLogger(ctx).Errorf("storage: removing %s from search index: %v", name, err)
		}
	}
	return nil
}

func (b *Backend) readGlobalIndex(ctx context.Context) ([]string, error) {
	raw, err := b.driver.GetContent(ctx, globalIndexPath)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, nil
		}
		return nil, pkgvault.NewError(pkgvault.KindInternal, "reading package index", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, pkgvault.NewError(pkgvault.KindBadData, "decoding package index", err)
	}
	return names, nil
}

func (b *Backend) writeGlobalIndex(ctx context.Context, names []string) error {
	raw, err := json.Marshal(names)
	if err != nil {
		return pkgvault.NewError(pkgvault.KindInternal, "encoding package index", err)
	}
	if err := b.driver.PutContent(ctx, globalIndexPath, raw); err != nil {
		return pkgvault.NewError(pkgvault.KindInternal, "writing package index", err)
	}
	return nil
}

func (b *Backend) OpenTarballRead(ctx context.Context, name, filename string) (io.ReadCloser, error) {
	rc, err := b.driver.Reader(ctx, tarballPath(name, filename), 0)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, pkgvault.NotFound(fmt.Sprintf("tarball %q not found", filename))
		}
		return nil, pkgvault.NewError(pkgvault.KindInternal, "opening tarball", err)
	}
	return rc, nil
}

func (b *Backend) OpenTarballWrite(ctx context.Context, name, filename string, opts pkgvault.WriteOptions) (pkgvault.TarballWriter, error) {
	signal := opts.Signal
	if signal == nil {
		signal = ctx
	}
	w, err := b.driver.Writer(signal, tarballPath(name, filename))
	if err != nil {
		return nil, pkgvault.NewError(pkgvault.KindInternal, "opening tarball for write", err)
	}
	return tarballWriter{w}, nil
}

// tarballWriter adapts a storagedriver.Writer (Commit/Cancel) to the
// pkgvault.TarballWriter contract (Commit/Abort) the engine speaks.
type tarballWriter struct {
	storagedriver.Writer
}

func (w tarballWriter) Abort() error { return w.Writer.Cancel() }

func (b *Backend) DeleteTarball(ctx context.Context, name, filename string) error {
	err := b.driver.Delete(ctx, tarballPath(name, filename))
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return pkgvault.NotFound(fmt.Sprintf("tarball %q not found", filename))
		}
		return pkgvault.NewError(pkgvault.KindInternal, "deleting tarball", err)
	}
	return nil
}

func (b *Backend) Search(ctx context.Context, query string) ([]pkgvault.SearchItem, error) {
	if b.index == nil {
		return nil, pkgvault.ErrUnsupported
	}
	items, err := b.index.Search(ctx, query)
	if err != nil {
		return nil, pkgvault.NewError(pkgvault.KindInternal, "searching", err)
	}
	return items, nil
}

func (b *Backend) SaveToken(ctx context.Context, token pkgvault.Token) error {
	return pkgvault.ErrUnsupported
}

func (b *Backend) DeleteToken(ctx context.Context, user, key string) error {
	return pkgvault.ErrUnsupported
}

func (b *Backend) ReadTokens(ctx context.Context, user string) ([]pkgvault.Token, error) {
	return nil, pkgvault.ErrUnsupported
}
