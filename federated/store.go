// Package federated implements the Federated Store: the coordinator that
// composes the Local Store with the configured Uplink Clients to provide
// read-through manifest/tarball caching, dist-URL rewriting, and search
// aggregation.
//
// Grounded on the composition shape of
// registry/proxy/proxyregistry.go's proxyingRegistry — a single type built
// once from a local namespace plus a remote client, whose per-request
// methods consult local state first and fall through to the remote only on
// a miss. The teacher resolves one remote per repository; this engine
// resolves a fan-out set of uplinks per package, so the construction and
// per-call uplink selection are new, but the local-then-remote shape and
// the "never let the remote uplink own local state" discipline carry over
// directly.
package federated

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
	"github.com/pkgvault/pkgvault/internal/dcontext"
	"github.com/pkgvault/pkgvault/metrics"
	"github.com/pkgvault/pkgvault/storage"
	"github.com/pkgvault/pkgvault/uplink"
)

// defaultFanoutLimit bounds the number of uplinks consulted concurrently
// for a single sync_uplinks call, per SPEC_FULL §5's bounded-concurrency
// worker requirement.
const defaultFanoutLimit = 8

// Store composes a Local Store with a set of configured Uplink Clients.
// It owns no mutable manifest state of its own; every manifest or
// attachment byte it serves either comes from the Local Store or is merged
// into it before being returned.
type Store struct {
	local    *storage.LocalStore
	uplinks  map[string]*uplink.Client
	packages map[string]configuration.PackageAccess

	fanoutLimit int
	events      pkgvault.EventSink
}

// New constructs a Store. uplinks is keyed by the name packages.*.proxy
// entries reference; packages maps glob patterns over package names to
// their access/proxy policy, exactly as loaded from configuration. events
// may be nil, in which case emitted events are discarded.
func New(local *storage.LocalStore, uplinks map[string]*uplink.Client, packages map[string]configuration.PackageAccess, events pkgvault.EventSink) *Store {
	if events == nil {
		events = pkgvault.NopEventSink{}
	}
	return &Store{
		local:       local,
		uplinks:     uplinks,
		packages:    packages,
		fanoutLimit: defaultFanoutLimit,
		events:      events,
	}
}

func (s *Store) emit(e pkgvault.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = nowFunc()
	}
	s.events.Emit(e)
}

// matchPackage finds the package-access rule governing name. Declaration
// order cannot be recovered from a YAML map once it reaches Go (map keys
// carry no ordering), so instead of the "first pattern wins" rule a
// slice-based config would allow, ties are broken by preferring the longest
// (most specific) pattern, then lexically for determinism. Patterns "*" and
// "**" are treated as catch-alls, since path.Match's single-segment "*"
// cannot otherwise match the "/" inside a scoped package name.
func matchPackage(patterns map[string]configuration.PackageAccess, name string) (configuration.PackageAccess, bool) {
	var bestPattern string
	var best configuration.PackageAccess
	found := false

	for pattern, cfg := range patterns {
		if !globMatchesPackage(pattern, name) {
			continue
		}
		if !found || len(pattern) > len(bestPattern) || (len(pattern) == len(bestPattern) && pattern < bestPattern) {
			bestPattern, best, found = pattern, cfg, true
		}
	}
	return best, found
}

func globMatchesPackage(pattern, name string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// eligibleUplinks returns the configured uplink names, in their
// package-policy declared order, that are both whitelisted for name and
// actually configured on this Store.
func (s *Store) eligibleUplinks(name string) []string {
	cfg, ok := matchPackage(s.packages, name)
	if !ok {
		return nil
	}
	var out []string
	for _, uplinkName := range cfg.Proxy {
		if _, known := s.uplinks[uplinkName]; known {
			out = append(out, uplinkName)
		}
	}
	return out
}

// fetchOutcome is one uplink's SyncUplinks result, kept positional so
// merges can be applied back in declared order despite running the
// fetches themselves concurrently.
type fetchOutcome struct {
	uplink string
	result uplink.FetchResult
	err    error
}

// SyncUplinks reconciles cached against every uplink eligible for name. When
// uplinksLook is false, or no uplink is eligible, it returns cached
// unchanged with no network I/O. Eligible uplinks are queried concurrently,
// bounded by the Store's fan-out limit; their responses are merged into the
// Local Store sequentially, in declared order, so an earlier uplink's
// version can never be overwritten by a later one. A per-uplink failure is
// collected and returned but never aborts the others.
func (s *Store) SyncUplinks(ctx context.Context, name string, cached *pkgvault.Manifest, uplinksLook bool) (*pkgvault.Manifest, []error) {
	if !uplinksLook {
		return cached, nil
	}

	eligible := s.eligibleUplinks(name)
	if len(eligible) == 0 {
		return cached, nil
	}

	outcomes := make([]fetchOutcome, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanoutLimit)

	for i, uplinkName := range eligible {
		i, uplinkName := i, uplinkName
		client := s.uplinks[uplinkName]
		g.Go(func() error {
			etag := ""
			if cached != nil {
				etag = cached.Uplinks[uplinkName].Etag
			}
			result, err := client.FetchManifest(gctx, name, etag)
			outcomes[i] = fetchOutcome{uplink: uplinkName, result: result, err: err}
			return nil // a single uplink's failure must never cancel its siblings
		})
	}
	_ = g.Wait()

	var errs []error
	merged := cached
	succeeded := false

	for _, outcome := range outcomes {
		if outcome.err != nil {
			errs = append(errs, fmt.Errorf("uplink %s: %w", outcome.uplink, outcome.err))
			continue
		}
		succeeded = true
		if outcome.result.NotModified {
			continue
		}

		client := s.uplinks[outcome.uplink]
		next, err := s.local.MergeRemoteIntoCache(ctx, name, outcome.result.Manifest, client.BaseURL())
		if err != nil {
			errs = append(errs, fmt.Errorf("uplink %s: merging into cache: %w", outcome.uplink, err))
			continue
		}
		merged = &next
		s.emit(pkgvault.Event{Action: pkgvault.ActionUplinkMerge, Package: name, Uplink: outcome.uplink, Actor: pkgvault.ScopeFrom(ctx).Caller})
	}

	if merged == nil && !succeeded {
		return nil, errs
	}
	return merged, errs
}

// GetPackage reads the local manifest, reconciles it against uplinks per
// scope.UplinksLook, and returns the result. A cache miss with no uplink
// success surfaces as not-found.
func (s *Store) GetPackage(ctx context.Context, name string) (pkgvault.Manifest, []error, error) {
	scope := pkgvault.ScopeFrom(ctx)

	var cached *pkgvault.Manifest
	local, err := s.local.GetManifest(ctx, name)
	switch {
	case err == nil:
		cached = &local
	case pkgvault.KindOf(err) == pkgvault.KindNotFound:
		cached = nil
	default:
		return pkgvault.Manifest{}, nil, err
	}

	merged, errs := s.SyncUplinks(ctx, name, cached, scope.UplinksLook)
	if merged == nil {
		return pkgvault.Manifest{}, errs, pkgvault.NotFound(fmt.Sprintf("package %q not found", name))
	}
	return *merged, errs, nil
}

// GetPackageManifest is GetPackage with every version's dist.tarball
// rewritten to point back at this registry, the form served to clients.
func (s *Store) GetPackageManifest(ctx context.Context, name string) (pkgvault.Manifest, []error, error) {
	m, errs, err := s.GetPackage(ctx, name)
	if err != nil {
		return pkgvault.Manifest{}, errs, err
	}
	return s.rewriteDistURLs(ctx, name, m), errs, nil
}

// GetPackageByVersion resolves versionOrTag first as a literal version, then
// as a dist-tag, against the client-facing (dist-rewritten) manifest.
func (s *Store) GetPackageByVersion(ctx context.Context, name, versionOrTag string) (pkgvault.Version, pkgvault.Manifest, error) {
	m, _, err := s.GetPackageManifest(ctx, name)
	if err != nil {
		return pkgvault.Version{}, pkgvault.Manifest{}, err
	}

	if v, ok := m.Versions[versionOrTag]; ok {
		return v, m, nil
	}
	if tagged, ok := m.DistTags[versionOrTag]; ok {
		if v, ok := m.Versions[tagged]; ok {
			return v, m, nil
		}
	}
	return pkgvault.Version{}, pkgvault.Manifest{}, pkgvault.NotFound(fmt.Sprintf("version %q not found for %s", versionOrTag, name))
}

// rewriteDistURLs rewrites every version's dist.tarball to route through
// this registry, using the request's own protocol/host as a fail-safe
// default: a caller that never attached a RequestScope sees tarball URLs
// unchanged rather than this engine fabricating a public hostname.
func (s *Store) rewriteDistURLs(ctx context.Context, name string, m pkgvault.Manifest) pkgvault.Manifest {
	scope := pkgvault.ScopeFrom(ctx)
	if scope.Protocol == "" || scope.Host == "" {
		return m
	}

	base := fmt.Sprintf("%s://%s", scope.Protocol, scope.Host) + strings.TrimSuffix(scope.URLPrefix, "/")
	for v, ver := range m.Versions {
		filename := tarballFilename(ver.Dist.Tarball)
		if filename == "" {
			continue
		}
		ver.Dist.Tarball = fmt.Sprintf("%s/%s/-/%s", base, name, filename)
		m.Versions[v] = ver
	}
	return m
}

func tarballFilename(tarballURL string) string {
	if tarballURL == "" {
		return ""
	}
	if i := strings.LastIndex(tarballURL, "/"); i >= 0 {
		return tarballURL[i+1:]
	}
	return tarballURL
}

// GetTarball streams filename's bytes for name: local bytes if present,
// otherwise a cached distfile pointer fetched through its uplink, otherwise
// a forced sync_uplinks to populate that pointer. A successfully fetched
// remote tarball is cached locally through a tee, unless the owning
// uplink's Cache policy disables it.
func (s *Store) GetTarball(ctx context.Context, name, filename string) (io.ReadCloser, error) {
	rc, err := s.local.OpenTarballRead(ctx, name, filename)
	if err == nil {
		metrics.TarballCacheHits.Inc(1)
		return rc, nil
	}
	if pkgvault.KindOf(err) != pkgvault.KindNotFound {
		return nil, err
	}
	metrics.TarballCacheMisses.Inc(1)

	m, merr := s.local.GetManifest(ctx, name)
	if merr != nil && pkgvault.KindOf(merr) != pkgvault.KindNotFound {
		return nil, merr
	}

	distfile, ok := m.Distfiles[filename]
	if !ok {
		var cached *pkgvault.Manifest
		if merr == nil {
			cached = &m
		}
		merged, errs := s.SyncUplinks(ctx, name, cached, true)
		if merged == nil {
			return nil, pkgvault.NotFound(fmt.Sprintf("tarball %q not found for %s: %v", filename, name, errs))
		}
		m = *merged
		distfile, ok = m.Distfiles[filename]
		if !ok {
			return nil, pkgvault.NotFound(fmt.Sprintf("tarball %q not found for %s", filename, name))
		}
	}

	client, ok := s.uplinks[distfile.Registry]
	if !ok {
		return nil, pkgvault.NotFound(fmt.Sprintf("tarball %q has no configured uplink", filename))
	}

	remote, err := client.FetchTarball(ctx, distfile.URL)
	if err != nil {
		return nil, err
	}
	if !client.CacheEnabled() {
		return remote, nil
	}

	writer, werr := s.local.OpenTarballWrite(ctx, name, filename, pkgvault.WriteOptions{Signal: ctx})
	if werr != nil {
		dcontext.GetLogger(ctx).Warnf("federated: could not open cache write for %s/%s: %v", name, filename, werr)
		return remote, nil
	}

	return &cachingReader{src: remote, writer: writer}, nil
}

// cachingReader tees a remote tarball stream into a local TarballWriter
// while the caller reads it, committing the cache write only once the
// stream is fully and successfully consumed and aborting it otherwise —
// cancellation or a short read leaves no half-written cache entry.
type cachingReader struct {
	src        io.ReadCloser
	writer     pkgvault.TarballWriter
	failed     bool
	reachedEOF bool
}

func (c *cachingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 && !c.failed {
		if _, werr := c.writer.Write(p[:n]); werr != nil {
			c.failed = true
		}
	}
	if err == io.EOF {
		c.reachedEOF = true
	}
	return n, err
}

func (c *cachingReader) Close() error {
	srcErr := c.src.Close()
	if srcErr != nil || c.failed || !c.reachedEOF {
		_ = c.writer.Abort()
		return srcErr
	}
	if cerr := c.writer.Commit(); cerr != nil {
		return cerr
	}
	return nil
}

// AddVersion, ChangePackage, RemovePackage, RemoveTarball, and MergeTags
// delegate straight to the Local Store: uplinks are read-only, per
// SPEC_FULL §4.4.

func (s *Store) AddVersion(ctx context.Context, name string, version pkgvault.Version, readme, tag string) (pkgvault.Manifest, error) {
	m, err := s.local.AddVersion(ctx, name, version, readme, tag)
	if err != nil {
		return pkgvault.Manifest{}, err
	}
	s.emit(pkgvault.Event{Action: pkgvault.ActionPublish, Package: name, Version: version.Version, Tag: tag, Actor: pkgvault.ScopeFrom(ctx).Caller})
	return m, nil
}

// ChangePackage delegates to the Local Store, then diffs the before/after
// manifests to emit the unpublish and deprecate events the single
// change_package call may represent.
func (s *Store) ChangePackage(ctx context.Context, name string, incoming pkgvault.Manifest) (pkgvault.Manifest, error) {
	before, _ := s.local.GetManifest(ctx, name)

	after, err := s.local.ChangePackage(ctx, name, incoming)
	if err != nil {
		return pkgvault.Manifest{}, err
	}

	actor := pkgvault.ScopeFrom(ctx).Caller
	for v := range before.Versions {
		if _, ok := after.Versions[v]; !ok {
			s.emit(pkgvault.Event{Action: pkgvault.ActionUnpublish, Package: name, Version: v, Actor: actor})
		}
	}
	for v, ver := range after.Versions {
		if prev, ok := before.Versions[v]; ok && prev.Deprecated != ver.Deprecated {
			s.emit(pkgvault.Event{Action: pkgvault.ActionDeprecate, Package: name, Version: v, Actor: actor})
		}
	}
	return after, nil
}

func (s *Store) MergeTags(ctx context.Context, name string, tags map[string]*string) (pkgvault.Manifest, error) {
	before, _ := s.local.GetManifest(ctx, name)

	after, err := s.local.MergeTags(ctx, name, tags)
	if err != nil {
		return pkgvault.Manifest{}, err
	}

	actor := pkgvault.ScopeFrom(ctx).Caller
	for tag := range tags {
		if before.DistTags[tag] != after.DistTags[tag] {
			s.emit(pkgvault.Event{Action: pkgvault.ActionDistTag, Package: name, Tag: tag, Version: after.DistTags[tag], Actor: actor})
		}
	}
	return after, nil
}

func (s *Store) RemoveTarball(ctx context.Context, name, filename string) (pkgvault.Manifest, error) {
	return s.local.RemoveTarball(ctx, name, filename)
}

func (s *Store) RemovePackage(ctx context.Context, name string) error {
	if err := s.local.RemovePackage(ctx, name); err != nil {
		return err
	}
	s.emit(pkgvault.Event{Action: pkgvault.ActionUnpublish, Package: name, Actor: pkgvault.ScopeFrom(ctx).Caller})
	return nil
}

// AddTarball opens a writable stream for a new attachment, delegating to the
// backend through the Local Store. The caller is expected to follow a
// successful Commit with AddVersion within the same publish request.
func (s *Store) AddTarball(ctx context.Context, name, filename string) (pkgvault.TarballWriter, error) {
	return s.local.OpenTarballWrite(ctx, name, filename, pkgvault.WriteOptions{Signal: ctx})
}

// Search fans out to the local backend's search capability and projects
// each hit into a SearchPackageBody. Uplink search fan-out is defined by
// the Store's shape (eligibleUplinks, per-uplink clients) but stubbed here,
// per SPEC_FULL §9's note that the reference behavior only implements the
// local arm fully.
func (s *Store) Search(ctx context.Context, query string) ([]pkgvault.SearchPackageBody, error) {
	items, err := s.local.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	var out []pkgvault.SearchPackageBody
	for _, item := range items {
		m, err := s.local.GetManifest(ctx, item.Name)
		if err != nil || len(m.Versions) == 0 {
			continue
		}
		out = append(out, projectSearchBody(m))
	}
	return out, nil
}

func projectSearchBody(m pkgvault.Manifest) pkgvault.SearchPackageBody {
	latest := m.DistTags["latest"]
	ver := m.Versions[latest]

	body := pkgvault.SearchPackageBody{
		Name:        m.Name,
		Description: ver.Description,
		Version:     latest,
		Keywords:    ver.Keywords,
		Author:      ver.Author,
		Maintainers: ver.Maintainers,
	}
	if i := strings.Index(m.Name, "/"); i > 0 && strings.HasPrefix(m.Name, "@") {
		body.Scope = m.Name[1:i]
	}
	if t, ok := m.Time[latest]; ok {
		body.Date = t.Format(time.RFC3339)
	}
	return body
}

// nowFunc is overridden in tests for deterministic event timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }
