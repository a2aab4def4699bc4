package filesystem

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkgvault/pkgvault/storagedriver"
)

func TestPutGetContentRoundtrip(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	if err := d.PutContent(ctx, "/pkg/left-pad/package.json", []byte(`{"name":"left-pad"}`)); err != nil {
		t.Fatalf("PutContent: %v", err)
	}

	got, err := d.GetContent(ctx, "/pkg/left-pad/package.json")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if string(got) != `{"name":"left-pad"}` {
		t.Fatalf("unexpected content: %s", got)
	}
}

func TestGetContentMissing(t *testing.T) {
	d := New(t.TempDir())
	_, err := d.GetContent(context.Background(), "/pkg/missing/package.json")
	if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}
}

func TestWriterCommitIsAtomic(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()
	path := "/pkg/left-pad/-/left-pad-1.0.0.tgz"

	if err := d.PutContent(ctx, path, []byte("old bytes")); err != nil {
		t.Fatalf("seed PutContent: %v", err)
	}

	w, err := d.Writer(ctx, path)
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write([]byte("new bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Before Commit, readers still see the old bytes.
	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		t.Fatalf("Reader before commit: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "old bytes" {
		t.Fatalf("reader observed in-progress write: %s", got)
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rc, err = d.Reader(ctx, path, 0)
	if err != nil {
		t.Fatalf("Reader after commit: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "new bytes" {
		t.Fatalf("unexpected content after commit: %s", got)
	}
}

func TestWriterCancelLeavesOriginalUntouched(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()
	path := "/pkg/left-pad/-/left-pad-1.0.0.tgz"

	if err := d.PutContent(ctx, path, []byte("original")); err != nil {
		t.Fatalf("seed PutContent: %v", err)
	}

	w, err := d.Writer(ctx, path)
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write([]byte("abandoned")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "original" {
		t.Fatalf("Cancel leaked a partial write: %s", got)
	}
}

func TestDeleteAndList(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	for _, p := range []string{
		"/pkg/left-pad/package.json",
		"/pkg/left-pad/-/left-pad-1.0.0.tgz",
	} {
		if err := d.PutContent(ctx, p, []byte("x")); err != nil {
			t.Fatalf("PutContent %s: %v", p, err)
		}
	}

	entries, err := d.List(ctx, "/pkg/left-pad")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}

	if err := d.Delete(ctx, "/pkg/left-pad"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := d.List(ctx, "/pkg/left-pad"); err == nil {
		t.Fatalf("expected error listing deleted directory")
	}
}

func TestMove(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	if err := d.PutContent(ctx, "/tmp/staged.tgz", []byte("payload")); err != nil {
		t.Fatalf("PutContent: %v", err)
	}

	if err := d.Move(ctx, "/tmp/staged.tgz", "/pkg/left-pad/-/left-pad-1.0.0.tgz"); err != nil {
		t.Fatalf("Move: %v", err)
	}

	got, err := d.GetContent(ctx, "/pkg/left-pad/-/left-pad-1.0.0.tgz")
	if err != nil {
		t.Fatalf("GetContent after move: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("unexpected content after move: %s", got)
	}
}
