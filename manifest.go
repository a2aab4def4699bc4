package pkgvault

import "time"

// Manifest describes a single package: every version ever published, the
// dist-tags pointing at them, and the bookkeeping the engine needs to
// federate with upstream registries and serve tarballs.
//
// The zero value is not a valid manifest; use NewManifestTemplate to obtain
// one with every required container field present.
type Manifest struct {
	Name string `json:"name"`

	// Versions maps a semantic version string to its frozen Version record.
	Versions map[string]Version `json:"versions"`

	// DistTags maps a tag name (conventionally "latest") to a version string
	// present in Versions.
	DistTags map[string]string `json:"dist-tags"`

	// Time maps a version string, plus the pseudo-keys "created" and
	// "modified", to an ISO-8601 timestamp.
	Time map[string]time.Time `json:"time"`

	// Attachments maps a tarball filename to its shasum and the version it
	// belongs to.
	Attachments map[string]Attachment `json:"_attachments"`

	// Distfiles caches where a tarball's bytes may be fetched from upstream
	// when they are not present locally.
	Distfiles map[string]Distfile `json:"_distfiles"`

	// Uplinks records, per configured uplink name, the cache-validation
	// state observed on the last successful fetch.
	Uplinks map[string]UplinkCache `json:"_uplinks"`

	// Rev is an opaque, monotonically increasing revision token of the form
	// "N-<16 hex chars>".
	Rev string `json:"_rev"`

	// Readme is the README of the current "latest" version only. A package
	// has exactly one README, regardless of how many versions it has.
	Readme string `json:"readme"`

	// Users maps a user identifier to a star indicator.
	Users map[string]bool `json:"users"`
}

// Attachment is a tarball associated with a manifest, addressed by filename.
type Attachment struct {
	Shasum  string `json:"shasum"`
	Version string `json:"version,omitempty"`
}

// Distfile is the cached pointer to a tarball's upstream origin, recorded
// when the bytes themselves are not (yet, or no longer) stored locally.
type Distfile struct {
	URL      string `json:"url"`
	Sha      string `json:"sha"`
	Registry string `json:"registry,omitempty"`
}

// UplinkCache records the per-uplink cache-validation state of the last
// successful conditional fetch.
type UplinkCache struct {
	Etag    string    `json:"etag,omitempty"`
	Fetched time.Time `json:"fetched,omitempty"`
}

// Person is a normalized {name, email} pair; maintainers, contributors, and
// the author are all reduced to this shape regardless of the loose string-or-
// object form a publish request may have used.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Dist describes where a version's tarball lives and how to verify it.
type Dist struct {
	Tarball     string `json:"tarball"`
	Shasum      string `json:"shasum"`
	Integrity   string `json:"integrity,omitempty"`
	fromUplink  string // internal: the uplink this version was merged from, never serialized
}

// FromUplink returns the name of the uplink this version's dist info was
// merged from, or "" if the version is locally authored. It is used only to
// decide dist.tarball protocol rewriting in merge_remote_into_cache and is
// never part of the JSON wire form.
func (d Dist) FromUplink() string { return d.fromUplink }

// WithUplinkAnnotation returns a copy of d annotated with the uplink it was
// fetched from.
func (d Dist) WithUplinkAnnotation(uplink string) Dist {
	d.fromUplink = uplink
	return d
}

// Version is a frozen snapshot of one published release. Once created it is
// never mutated in place; merges and edits always produce a new Version
// value.
type Version struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Author       *Person           `json:"author,omitempty"`
	Maintainers  []Person          `json:"maintainers,omitempty"`
	Contributors []Person          `json:"contributors,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Homepage     string            `json:"homepage,omitempty"`
	Repository   interface{}       `json:"repository,omitempty"`
	Bugs         interface{}       `json:"bugs,omitempty"`
	Deprecated   string            `json:"deprecated,omitempty"`
	Dist         Dist              `json:"dist"`

	// Readme is only ever populated transiently on a publish/merge request;
	// it is stripped out and hoisted to Manifest.Readme before a Version is
	// ever persisted, per the one-README-per-package policy.
	Readme string `json:"readme,omitempty"`
}

// InitialRevision is the revision token a manifest template is created with,
// before it has ever been written.
const InitialRevision = "0-0000000000000000"

// NewManifestTemplate returns an empty, internally-consistent manifest for
// name, with every required container field initialized but nothing
// written to storage. Used by LocalStore.ReadOrCreate when no manifest
// exists yet, locally or upstream.
func NewManifestTemplate(name string) Manifest {
	return Manifest{
		Name:        name,
		Versions:    map[string]Version{},
		DistTags:    map[string]string{},
		Time:        map[string]time.Time{},
		Attachments: map[string]Attachment{},
		Distfiles:   map[string]Distfile{},
		Uplinks:     map[string]UplinkCache{},
		Users:       map[string]bool{},
		Rev:         InitialRevision,
	}
}

// Normalize fills any nil container field of m with an empty one, so that
// downstream code never has to nil-check before indexing into a manifest
// read from storage. It also strips any key literally equal to "__proto__"
// at every level it inspects, a defense against clients tunneling a
// prototype-pollution payload through an otherwise-opaque JSON field.
func (m Manifest) Normalize() Manifest {
	if m.Versions == nil {
		m.Versions = map[string]Version{}
	}
	if m.DistTags == nil {
		m.DistTags = map[string]string{}
	}
	if m.Time == nil {
		m.Time = map[string]time.Time{}
	}
	if m.Attachments == nil {
		m.Attachments = map[string]Attachment{}
	}
	if m.Distfiles == nil {
		m.Distfiles = map[string]Distfile{}
	}
	if m.Uplinks == nil {
		m.Uplinks = map[string]UplinkCache{}
	}
	if m.Users == nil {
		m.Users = map[string]bool{}
	}

	delete(m.Versions, "__proto__")
	delete(m.DistTags, "__proto__")
	delete(m.Time, "__proto__")
	delete(m.Attachments, "__proto__")
	delete(m.Distfiles, "__proto__")
	delete(m.Uplinks, "__proto__")
	delete(m.Users, "__proto__")

	for v, ver := range m.Versions {
		if _, ok := ver.Dependencies["__proto__"]; ok {
			delete(ver.Dependencies, "__proto__")
			m.Versions[v] = ver
		}
	}

	return m
}

// Clone returns a deep-enough copy of m for use as the base of an
// update_manifest transform: every map is copied so mutating the result
// never reaches back into a value another goroutine may still be reading.
func (m Manifest) Clone() Manifest {
	out := m
	out.Versions = make(map[string]Version, len(m.Versions))
	for k, v := range m.Versions {
		out.Versions[k] = v
	}
	out.DistTags = make(map[string]string, len(m.DistTags))
	for k, v := range m.DistTags {
		out.DistTags[k] = v
	}
	out.Time = make(map[string]time.Time, len(m.Time))
	for k, v := range m.Time {
		out.Time[k] = v
	}
	out.Attachments = make(map[string]Attachment, len(m.Attachments))
	for k, v := range m.Attachments {
		out.Attachments[k] = v
	}
	out.Distfiles = make(map[string]Distfile, len(m.Distfiles))
	for k, v := range m.Distfiles {
		out.Distfiles[k] = v
	}
	out.Uplinks = make(map[string]UplinkCache, len(m.Uplinks))
	for k, v := range m.Uplinks {
		out.Uplinks[k] = v
	}
	out.Users = make(map[string]bool, len(m.Users))
	for k, v := range m.Users {
		out.Users[k] = v
	}
	return out
}

// NormalizeContributors reduces the loose name-or-{name,email} shapes a
// publish request may submit to a canonical []Person slice. Callers pass in
// whatever was decoded from the request body.
func NormalizeContributors(raw []interface{}) []Person {
	out := make([]Person, 0, len(raw))
	for _, r := range raw {
		switch v := r.(type) {
		case string:
			out = append(out, Person{Name: v})
		case map[string]interface{}:
			p := Person{}
			if n, ok := v["name"].(string); ok {
				p.Name = n
			}
			if e, ok := v["email"].(string); ok {
				p.Email = e
			}
			out = append(out, p)
		}
	}
	return out
}
