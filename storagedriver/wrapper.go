package storagedriver

import (
	"context"
	"io"
)

// wrapper applies common path validation ahead of each Driver method.
type wrapper struct {
	driver Driver
}

// Wrap decorates d with PathRegexp validation on every call, so concrete
// drivers don't each need to repeat it.
func Wrap(d Driver) Driver {
	return wrapper{driver: d}
}

func (d wrapper) Name() string { return d.driver.Name() }

func (d wrapper) validate(path string) error {
	if !PathRegexp.MatchString(path) {
		return InvalidPathError{Path: path, Driver: d.driver.Name()}
	}
	return nil
}

func (d wrapper) GetContent(ctx context.Context, path string) ([]byte, error) {
	if err := d.validate(path); err != nil {
		return nil, err
	}
	return d.driver.GetContent(ctx, path)
}

func (d wrapper) PutContent(ctx context.Context, path string, content []byte) error {
	if err := d.validate(path); err != nil {
		return err
	}
	return d.driver.PutContent(ctx, path, content)
}

func (d wrapper) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := d.validate(path); err != nil {
		return nil, err
	}
	return d.driver.Reader(ctx, path, offset)
}

func (d wrapper) Writer(ctx context.Context, path string) (Writer, error) {
	if err := d.validate(path); err != nil {
		return nil, err
	}
	return d.driver.Writer(ctx, path)
}

func (d wrapper) List(ctx context.Context, path string) ([]string, error) {
	if err := d.validate(path); err != nil {
		return nil, err
	}
	return d.driver.List(ctx, path)
}

func (d wrapper) Delete(ctx context.Context, path string) error {
	if err := d.validate(path); err != nil {
		return err
	}
	return d.driver.Delete(ctx, path)
}

func (d wrapper) Move(ctx context.Context, sourcePath, destPath string) error {
	if err := d.validate(sourcePath); err != nil {
		return err
	}
	if err := d.validate(destPath); err != nil {
		return err
	}
	return d.driver.Move(ctx, sourcePath, destPath)
}
