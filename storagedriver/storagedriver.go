// Package storagedriver defines the low-level key/value and blob-streaming
// contract that the storage package builds package and tarball semantics
// on top of. A Driver has no notion of packages, manifests, or revisions —
// it only knows about slash-separated paths, byte content, and streams.
package storagedriver

import (
	"context"
	"fmt"
	"io"
	"regexp"
)

// Driver defines the methods a storage medium (local disk, object storage)
// must implement to back a Local Store.
type Driver interface {
	// Name identifies the driver implementation, e.g. "filesystem" or "s3".
	Name() string

	// GetContent retrieves the content stored at path as a []byte. Intended
	// for small objects such as package manifests, not tarballs.
	GetContent(ctx context.Context, path string) ([]byte, error)

	// PutContent stores content at path, replacing anything already there.
	// Implementations must make the replacement appear atomic to readers:
	// a concurrent GetContent must observe either the old or the new bytes
	// in full, never a partial write.
	PutContent(ctx context.Context, path string, content []byte) error

	// Reader returns an io.ReadCloser for the content stored at path,
	// starting at the given byte offset.
	Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// Writer returns a Writer that stages content for path. The bytes
	// written through it become visible atomically at Commit, and not at
	// all if Cancel is called or the Writer is abandoned.
	Writer(ctx context.Context, path string) (Writer, error)

	// List returns the paths of the direct descendants of path.
	List(ctx context.Context, path string) ([]string, error)

	// Delete recursively removes path and everything stored beneath it.
	Delete(ctx context.Context, path string) error

	// Move relocates the object at sourcePath to destPath, removing the
	// original.
	Move(ctx context.Context, sourcePath, destPath string) error
}

// Writer is a handle for a staged, atomically-committed write.
type Writer interface {
	io.Writer

	// Size returns the number of bytes written so far.
	Size() int64

	// Commit makes the staged content visible at the target path.
	Commit() error

	// Cancel discards the staged content. The target path is left exactly
	// as it was before the Writer was created.
	Cancel() error
}

// PathNotFoundError is returned when operating on a path that does not
// exist.
type PathNotFoundError struct {
	Path   string
	Driver string
}

func (e PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: path not found: %s", e.Driver, e.Path)
}

// InvalidPathError is returned when a path fails PathRegexp validation.
type InvalidPathError struct {
	Path   string
	Driver string
}

func (e InvalidPathError) Error() string {
	return fmt.Sprintf("%s: invalid path: %s", e.Driver, e.Path)
}

// PathRegexp is the expression every path passed to a Driver must match: an
// absolute path made of one or more slash-prefixed components, each built
// from letters, digits, and the characters @ . _ -.
var PathRegexp = regexp.MustCompile(`^(/[a-zA-Z0-9@._-]+([._-]?[a-zA-Z0-9])*)+$`)
