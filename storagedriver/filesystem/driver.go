// Package filesystem implements storagedriver.Driver backed by a local
// directory tree, the default backend for a single-node deployment.
package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pkgvault/pkgvault/storagedriver"
)

const (
	// DriverName is the storage backend type string used in configuration.
	DriverName = "filesystem"

	defaultRootDirectory = "/var/lib/pkgvault"
	defaultFileMode      = 0o644
	defaultDirMode       = 0o755
)

// Driver is a storagedriver.Driver implementation backed by a local
// filesystem. Every path given to it is resolved underneath rootDirectory.
type Driver struct {
	rootDirectory string
}

// FromParameters constructs a Driver from a configuration.Parameters map.
// The only recognized key is "rootdirectory".
func FromParameters(parameters map[string]interface{}) *Driver {
	root := defaultRootDirectory
	if parameters != nil {
		if v, ok := parameters["rootdirectory"].(string); ok && v != "" {
			root = v
		}
	}
	return New(root)
}

// New constructs a Driver rooted at rootDirectory.
func New(rootDirectory string) *Driver {
	return &Driver{rootDirectory: rootDirectory}
}

// Name implements storagedriver.Driver.
func (d *Driver) Name() string { return DriverName }

func (d *Driver) fullPath(subPath string) string {
	return filepath.Join(d.rootDirectory, filepath.FromSlash(subPath))
}

// GetContent implements storagedriver.Driver.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	contents, err := os.ReadFile(d.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
		}
		return nil, err
	}
	return contents, nil
}

// PutContent implements storagedriver.Driver, writing content through a
// temp-file-plus-rename so concurrent readers never observe a partial
// write.
func (d *Driver) PutContent(ctx context.Context, path string, content []byte) error {
	w, err := d.Writer(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Cancel()
		return err
	}
	return w.Commit()
}

// Reader implements storagedriver.Driver.
func (d *Driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	file, err := os.Open(d.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
		}
		return nil, err
	}

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	return file, nil
}

// Writer implements storagedriver.Driver. The returned Writer stages bytes
// in a sibling temp file and renames it over the target on Commit, which is
// atomic on POSIX filesystems as long as both paths share a device.
func (d *Driver) Writer(ctx context.Context, path string) (storagedriver.Writer, error) {
	fullPath := d.fullPath(path)
	parentDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(parentDir, defaultDirMode); err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(parentDir, "."+filepath.Base(fullPath)+"."+uuid.NewString()+".tmp")
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
	if err != nil {
		return nil, err
	}

	return &fileWriter{file: file, tmpPath: tmpPath, finalPath: fullPath}, nil
}

type fileWriter struct {
	file      *os.File
	tmpPath   string
	finalPath string
	size      int64
	closed    bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *fileWriter) Size() int64 { return w.size }

func (w *fileWriter) Commit() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

func (w *fileWriter) Cancel() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// List implements storagedriver.Driver.
func (d *Driver) List(ctx context.Context, path string) ([]string, error) {
	fullPath := d.fullPath(path)

	dir, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
		}
		return nil, err
	}
	defer dir.Close()

	names, err := dir.Readdirnames(0)
	if err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, path+"/"+name)
	}
	return entries, nil
}

// Delete implements storagedriver.Driver.
func (d *Driver) Delete(ctx context.Context, path string) error {
	fullPath := d.fullPath(path)
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
		}
		return err
	}
	return os.RemoveAll(fullPath)
}

// Move implements storagedriver.Driver.
func (d *Driver) Move(ctx context.Context, sourcePath, destPath string) error {
	source := d.fullPath(sourcePath)
	dest := d.fullPath(destPath)

	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return storagedriver.PathNotFoundError{Path: sourcePath, Driver: DriverName}
		}
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), defaultDirMode); err != nil {
		return err
	}

	return os.Rename(source, dest)
}
