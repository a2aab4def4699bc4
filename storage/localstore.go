package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/metrics"
)

// LocalStore wraps a pkgvault.StorageBackend with the domain semantics
// SPEC_FULL §4.2 assigns to the Local Store: manifest normalization,
// revision bumping, merge rules, and shasum verification. It is the only
// component that ever calls StorageBackend.WriteManifest directly through
// UpdateManifest; the Federated Store always goes through LocalStore.
type LocalStore struct {
	backend pkgvault.StorageBackend
	debug   bool
}

// New constructs a LocalStore over backend. debug disables revision bumping,
// matching SPEC_FULL §4.2's note that debug mode keeps fixtures reproducible.
func New(backend pkgvault.StorageBackend, debug bool) *LocalStore {
	return &LocalStore{backend: backend, debug: debug}
}

// GetManifest reads and normalizes a manifest. A missing-file error from the
// backend surfaces as pkgvault.KindNotFound; anything else surfaces as
// whatever kind the backend already classified it, or internal.
func (s *LocalStore) GetManifest(ctx context.Context, name string) (pkgvault.Manifest, error) {
	m, err := s.backend.ReadManifest(ctx, name)
	if err != nil {
		return pkgvault.Manifest{}, err
	}
	metrics.ManifestReads.Inc(1)
	return m.Normalize(), nil
}

// ReadOrCreate behaves like GetManifest, but synthesizes an empty template
// on not-found instead of propagating the error. The template is never
// written to storage by this call.
func (s *LocalStore) ReadOrCreate(ctx context.Context, name string) (pkgvault.Manifest, error) {
	m, err := s.GetManifest(ctx, name)
	if err == nil {
		return m, nil
	}
	if pkgvault.KindOf(err) == pkgvault.KindNotFound {
		return pkgvault.NewManifestTemplate(name), nil
	}
	return pkgvault.Manifest{}, err
}

// AddVersion publishes a new version under name, tagging it per tag. The
// package is registered in the backend's global index before the manifest
// write, so the index can list a package whose manifest is not written yet
// (or, if that write fails, not written at all).
func (s *LocalStore) AddVersion(ctx context.Context, name string, version pkgvault.Version, readme string, tag string) (pkgvault.Manifest, error) {
	if err := s.backend.AddPackage(ctx, name); err != nil {
		return pkgvault.Manifest{}, err
	}
	return s.update(ctx, name, func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
		if _, exists := m.Versions[version.Version]; exists {
			return pkgvault.Manifest{}, pkgvault.Conflict("version " + version.Version + " already exists")
		}

		m.Readme = readme
		version.Readme = ""
		version.Maintainers = normalizePersons(version.Maintainers)
		version.Contributors = normalizePersons(version.Contributors)

		tarball := tarballFilename(version.Dist.Tarball)
		if att, ok := m.Attachments[tarball]; ok && att.Shasum != "" && version.Dist.Shasum != "" && att.Shasum != version.Dist.Shasum {
			return pkgvault.Manifest{}, pkgvault.BadRequest("shasum mismatch for " + tarball)
		}
		m.Attachments[tarball] = pkgvault.Attachment{Shasum: version.Dist.Shasum, Version: version.Version}

		m.Versions[version.Version] = version

		now := nowFunc()
		if _, ok := m.Time["created"]; !ok {
			m.Time["created"] = now
		}
		m.Time[version.Version] = now
		m.Time["modified"] = now

		return tagVersion(m, tag, version.Version), nil
	})
}

// ChangePackage applies an unpublish-of-versions and/or deprecation update:
// any version present locally but absent from incoming is removed, any
// version present in both adopts incoming's deprecated string, and users /
// dist-tags are replaced wholesale from incoming.
func (s *LocalStore) ChangePackage(ctx context.Context, name string, incoming pkgvault.Manifest) (pkgvault.Manifest, error) {
	if incoming.Versions == nil || incoming.DistTags == nil {
		return pkgvault.Manifest{}, pkgvault.BadData("incoming manifest missing versions or dist-tags")
	}

	return s.update(ctx, name, func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
		dirty := false
		now := nowFunc()

		for v := range m.Versions {
			if _, ok := incoming.Versions[v]; !ok {
				delete(m.Versions, v)
				delete(m.Time, v)
				for f, att := range m.Attachments {
					if att.Version == v {
						att.Version = ""
						m.Attachments[f] = att
					}
				}
				dirty = true
			}
		}

		for v, incomingVer := range incoming.Versions {
			local, ok := m.Versions[v]
			if !ok {
				continue
			}
			if local.Deprecated != incomingVer.Deprecated {
				local.Deprecated = incomingVer.Deprecated
				m.Versions[v] = local
				dirty = true
			}
		}

		m.Users = incoming.Users
		m.DistTags = incoming.DistTags

		if dirty {
			m.Time["modified"] = now
		}

		return m, nil
	})
}

// MergeTags applies each (tag, version) pair: a nil/empty version string
// deletes the tag; otherwise the version must already exist.
func (s *LocalStore) MergeTags(ctx context.Context, name string, tags map[string]*string) (pkgvault.Manifest, error) {
	return s.update(ctx, name, func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
		for tag, version := range tags {
			if version == nil || *version == "" {
				delete(m.DistTags, tag)
				continue
			}
			if _, ok := m.Versions[*version]; !ok {
				return pkgvault.Manifest{}, pkgvault.NotFound("version does not exist: " + *version)
			}
			m.DistTags[tag] = *version
		}
		return m, nil
	})
}

// RemoveTarball removes an attachment entry and its blob. A backend
// deletion failure is ignored and never surfaced, since the manifest write
// already succeeded and is the source of truth.
func (s *LocalStore) RemoveTarball(ctx context.Context, name, filename string) (pkgvault.Manifest, error) {
	m, err := s.update(ctx, name, func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
		delete(m.Attachments, filename)
		return m, nil
	})
	if err != nil {
		return pkgvault.Manifest{}, err
	}

	_ = s.backend.DeleteTarball(ctx, name, filename)
	return m, nil
}

// RemovePackage deletes every attachment blob, the manifest blob, and the
// package directory.
func (s *LocalStore) RemovePackage(ctx context.Context, name string) error {
	m, err := s.backend.ReadManifest(ctx, name)
	if err != nil {
		return err
	}
	m = m.Normalize()

	for filename := range m.Attachments {
		if err := s.backend.DeleteTarball(ctx, name, filename); err != nil && pkgvault.KindOf(err) != pkgvault.KindNotFound {
			return pkgvault.BadData("removing attachment " + filename + ": " + err.Error())
		}
	}

	if err := s.backend.RemovePackage(ctx, name); err != nil {
		return pkgvault.BadData("removing package: " + err.Error())
	}
	return nil
}

// OpenTarballRead opens a local tarball blob for streaming. The Federated
// Store calls this directly; tarball bytes carry no domain semantics of
// their own for LocalStore to enforce beyond what the backend already does.
func (s *LocalStore) OpenTarballRead(ctx context.Context, name, filename string) (io.ReadCloser, error) {
	return s.backend.OpenTarballRead(ctx, name, filename)
}

// OpenTarballWrite opens an atomic write handle for a local tarball blob.
func (s *LocalStore) OpenTarballWrite(ctx context.Context, name, filename string, opts pkgvault.WriteOptions) (pkgvault.TarballWriter, error) {
	return s.backend.OpenTarballWrite(ctx, name, filename, opts)
}

// Search delegates to the backend's optional search capability, surfacing
// pkgvault.ErrUnsupported unchanged when the backend has none.
func (s *LocalStore) Search(ctx context.Context, query string) ([]pkgvault.SearchItem, error) {
	return s.backend.Search(ctx, query)
}

// AddPackage registers name in the backend's global index. Called by
// AddVersion on first publish; exposed directly so a Federated Store caller
// never has to reach past LocalStore into the backend.
func (s *LocalStore) AddPackage(ctx context.Context, name string) error {
	return s.backend.AddPackage(ctx, name)
}

// MergeRemoteIntoCache merges a manifest fetched from an uplink into the
// local cache, returning the resulting cached manifest. When nothing
// changed, the revision is not bumped and the manifest is written back
// exactly as it was read.
func (s *LocalStore) MergeRemoteIntoCache(ctx context.Context, name string, remote pkgvault.Manifest, uplinkURL string) (pkgvault.Manifest, error) {
	remote = remote.Normalize()

	return s.update(ctx, name, func(m pkgvault.Manifest) (pkgvault.Manifest, error) {
		dirty := false

		if remote.Readme != "" && remote.Readme != m.Readme {
			m.Readme = remote.Readme
			dirty = true
		}

		for v, ver := range remote.Versions {
			if _, exists := m.Versions[v]; exists {
				continue
			}
			ver.Readme = ""
			ver.Maintainers = normalizePersons(ver.Maintainers)
			ver.Contributors = normalizePersons(ver.Contributors)

			tarball := tarballFilename(ver.Dist.Tarball)
			if _, ok := m.Distfiles[tarball]; !ok && ver.Dist.Tarball != "" {
				m.Distfiles[tarball] = pkgvault.Distfile{URL: ver.Dist.Tarball, Sha: ver.Dist.Shasum, Registry: ver.Dist.FromUplink()}
				if ver.Dist.FromUplink() != "" {
					ver.Dist = rewriteProtocol(ver.Dist, uplinkURL)
				}
			}

			m.Versions[v] = ver
			dirty = true
		}

		for tag, version := range remote.DistTags {
			if cur, ok := m.DistTags[tag]; !ok || cur != version {
				m.DistTags[tag] = version
				dirty = true
			}
		}

		for uplink, cache := range remote.Uplinks {
			cur, ok := m.Uplinks[uplink]
			if !ok || cur.Etag != cache.Etag || !cur.Fetched.Equal(cache.Fetched) {
				m.Uplinks[uplink] = cache
				dirty = true
			}
		}

		if len(remote.Time) > 0 {
			for k, v := range remote.Time {
				if cur, ok := m.Time[k]; !ok || !cur.Equal(v) {
					m.Time[k] = v
					dirty = true
				}
			}
		}

		if !dirty {
			return m, errNoChange
		}
		return m, nil
	})
}

// errNoChange signals update() to skip the write and return the current
// manifest unchanged, without treating that as a failure.
var errNoChange = noChangeError{}

type noChangeError struct{}

func (noChangeError) Error() string { return "no change" }

// update runs transform under the package's serialized update, bumping the
// revision on success and translating errNoChange into a no-op.
func (s *LocalStore) update(ctx context.Context, name string, transform func(pkgvault.Manifest) (pkgvault.Manifest, error)) (pkgvault.Manifest, error) {
	var unchanged pkgvault.Manifest
	var hadNoChange bool

	result, err := s.backend.UpdateManifest(ctx, name, func(current pkgvault.Manifest) (pkgvault.Manifest, error) {
		current = current.Normalize()
		next, err := transform(current.Clone())
		if err != nil {
			if _, ok := err.(noChangeError); ok {
				unchanged = current
				hadNoChange = true
				return current, nil
			}
			return pkgvault.Manifest{}, err
		}
		next = next.Normalize()
		next.Rev = generateRevision(current.Rev, s.debug)
		return next, nil
	})
	if err != nil {
		return pkgvault.Manifest{}, err
	}
	if hadNoChange {
		return unchanged, nil
	}
	metrics.ManifestWrites.Inc(1)
	return result, nil
}

// tagVersion sets dist-tags[tag] = version, and additionally promotes
// "latest" when no latest tag exists yet or the new version outranks it
// under semantic-version precedence (never lexical comparison).
func tagVersion(m pkgvault.Manifest, tag, version string) pkgvault.Manifest {
	m.DistTags[tag] = version

	current, hasLatest := m.DistTags["latest"]
	if !hasLatest {
		m.DistTags["latest"] = version
		return m
	}

	newVer, err1 := semver.NewVersion(version)
	curVer, err2 := semver.NewVersion(current)
	if err1 == nil && err2 == nil && newVer.GreaterThan(curVer) {
		m.DistTags["latest"] = version
	}
	return m
}

func normalizePersons(in []pkgvault.Person) []pkgvault.Person {
	if in == nil {
		return nil
	}
	out := make([]pkgvault.Person, len(in))
	copy(out, in)
	return out
}

// tarballFilename extracts the filename component of a dist.tarball URL.
func tarballFilename(tarballURL string) string {
	if i := strings.LastIndex(tarballURL, "/"); i >= 0 {
		return tarballURL[i+1:]
	}
	return tarballURL
}

// rewriteProtocol rewrites dist.tarball's scheme to match uplinkURL's scheme
// when the hosts match, so clients see the scheme the operator configured
// for that uplink rather than whatever the uplink itself returned.
func rewriteProtocol(dist pkgvault.Dist, uplinkURL string) pkgvault.Dist {
	uScheme, uHost := splitURL(uplinkURL)
	dScheme, dHost := splitURL(dist.Tarball)
	if uScheme == "" || dHost != uHost || dScheme == uScheme {
		return dist
	}
	dist.Tarball = uScheme + "://" + strings.TrimPrefix(dist.Tarball, dScheme+"://")
	return dist
}

func splitURL(u string) (scheme, host string) {
	schemeEnd := strings.Index(u, "://")
	if schemeEnd < 0 {
		return "", ""
	}
	scheme = u[:schemeEnd]
	rest := u[schemeEnd+3:]
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return scheme, rest
}

// nowFunc is overridden in tests to make timestamp assertions deterministic.
var nowFunc = func() time.Time { return time.Now().UTC() }
