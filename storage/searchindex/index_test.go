package searchindex

import (
	"context"
	"testing"

	"github.com/pkgvault/pkgvault"
)

func TestIndexSearchRoundtrip(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	m := pkgvault.NewManifestTemplate("left-pad")
	m.Versions["1.0.0"] = pkgvault.Version{Description: "pad a string", Keywords: []string{"string", "pad"}}
	m.DistTags["latest"] = "1.0.0"

	if err := idx.Index(ctx, "left-pad", m); err != nil {
		t.Fatalf("Index: %v", err)
	}

	hits, err := idx.Search(ctx, "pad")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "left-pad" {
		t.Fatalf("expected one hit for left-pad, got %v", hits)
	}

	hits, err = idx.Search(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %v", hits)
	}
}

func TestIndexSkipsEmptyPackages(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	m := pkgvault.NewManifestTemplate("left-pad")
	m.Versions["1.0.0"] = pkgvault.Version{Description: "pad a string"}
	if err := idx.Index(ctx, "left-pad", m); err != nil {
		t.Fatalf("Index: %v", err)
	}

	empty := pkgvault.NewManifestTemplate("left-pad")
	if err := idx.Index(ctx, "left-pad", empty); err != nil {
		t.Fatalf("Index (unpublish all): %v", err)
	}

	hits, err := idx.Search(ctx, "pad")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected package removed from index once empty, got %v", hits)
	}
}
