package storage

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// generateRevision produces the next monotonic revision token given the
// manifest's current one. The format is "N-<16 hex chars>": N is the prior
// counter plus one, and the hex suffix is opaque — callers must never parse
// it for anything but equality. When debug is true the prior token is
// returned unchanged, so fixtures that assert on an exact _rev value stay
// reproducible across test runs.
func generateRevision(oldRev string, debug bool) string {
	if debug {
		return oldRev
	}

	n := counterOf(oldRev) + 1
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return strconv.FormatInt(n, 10) + "-" + suffix
}

func counterOf(rev string) int64 {
	if rev == "" {
		return 0
	}
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
