package pkgvault

import (
	"context"
	"io"
)

// Transform is the read-modify-write function a caller hands to
// StorageBackend.UpdateManifest. It receives the current manifest (already
// normalized) and returns the manifest to persist. A Transform must be pure
// with respect to its input — the backend may invoke it more than once if it
// observes a concurrent write in between the read and the attempted commit —
// and must never mutate the Manifest it was given in place; return a new
// value (see Manifest.Clone).
type Transform func(current Manifest) (Manifest, error)

// WriteOptions carries the cancellation signal and any other per-call
// knobs for a tarball write.
type WriteOptions struct {
	Signal context.Context
}

// StorageBackend is the plugin boundary: a per-package key-value and blob
// store. Every operation takes a package name and is expected to namespace
// its state underneath it. Implementations MUST guarantee that concurrent
// UpdateManifest calls against the same name are linearizable.
type StorageBackend interface {
	ReadManifest(ctx context.Context, name string) (Manifest, error)
	WriteManifest(ctx context.Context, name string, m Manifest) error
	UpdateManifest(ctx context.Context, name string, transform Transform) (Manifest, error)

	AddPackage(ctx context.Context, name string) error
	RemovePackage(ctx context.Context, name string) error

	OpenTarballRead(ctx context.Context, name, filename string) (io.ReadCloser, error)
	OpenTarballWrite(ctx context.Context, name, filename string, opts WriteOptions) (TarballWriter, error)
	DeleteTarball(ctx context.Context, name, filename string) error

	// Search reports Unavailable when the backend does not implement it.
	Search(ctx context.Context, query string) ([]SearchItem, error)

	// Token persistence is optional; implementations that don't support it
	// return Unavailable from every method.
	TokenStore
}

// TarballWriter is an atomic write handle: readers opening the same filename
// concurrently must see either the bytes written before this writer existed,
// or the complete bytes written through it after Commit, never a partial
// write. Abort (or abandonment without a Commit) must leave prior bytes, if
// any, untouched.
type TarballWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// TokenStore is the optional token-persistence capability of a
// StorageBackend.
type TokenStore interface {
	SaveToken(ctx context.Context, token Token) error
	DeleteToken(ctx context.Context, user, key string) error
	ReadTokens(ctx context.Context, user string) ([]Token, error)
}

// Token is an opaque API token record.
type Token struct {
	User    string
	Key     string
	Token   string
	Created string
}

// SearchItem is one hit from a StorageBackend's Search.
type SearchItem struct {
	Name     string
	Modified string
}

// SearchPackageBody is the projection served to clients for one search hit,
// built by loading the package manifest behind a SearchItem.
type SearchPackageBody struct {
	Name        string            `json:"name"`
	Scope       string            `json:"scope,omitempty"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version"`
	Keywords    []string          `json:"keywords,omitempty"`
	Date        string            `json:"date,omitempty"`
	Author      *Person           `json:"author,omitempty"`
	Maintainers []Person          `json:"maintainers,omitempty"`
	Links       map[string]string `json:"links,omitempty"`
}

// ErrUnsupported is returned by an optional StorageBackend capability
// (Search, TokenStore) that a given implementation does not provide.
var ErrUnsupported = Unavailable("operation not supported by this storage backend")
