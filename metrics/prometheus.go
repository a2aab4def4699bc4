package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "pkgvault"
)

var (
	// StorageNamespace is the prometheus namespace of storage/tarball
	// related operations.
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// UplinkNamespace is the prometheus namespace of uplink fetch and
	// circuit-breaker related operations.
	UplinkNamespace = metrics.NewNamespace(NamespacePrefix, "uplink", nil)

	// HTTPNamespace is the prometheus namespace of request handling
	// related operations.
	HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)
)

var (
	// ManifestReads counts every manifest read from the Local Store,
	// regardless of whether it resulted from a client request or an
	// uplink-merge lookup.
	ManifestReads = StorageNamespace.NewCounter("manifest_reads_total", "The number of manifests read from the local store")

	// ManifestWrites counts every manifest actually persisted by the Local
	// Store's update path (publish, change_package, merge_tags, and
	// uplink-merge writes); a transform that reports no change is not
	// counted here.
	ManifestWrites = StorageNamespace.NewCounter("manifest_writes_total", "The number of manifests written to the local store")

	// TarballCacheHits counts tarball reads served directly from local
	// storage.
	TarballCacheHits = StorageNamespace.NewCounter("tarball_cache_hits_total", "The number of tarball reads served from local storage")

	// TarballCacheMisses counts tarball reads that fell through to an
	// uplink fetch.
	TarballCacheMisses = StorageNamespace.NewCounter("tarball_cache_misses_total", "The number of tarball reads that fell through to an uplink")

	// UplinkFetches counts manifest and tarball fetches issued to an
	// uplink, labeled by the uplink's configured name and the fetch's
	// outcome (e.g. "manifest_fetched", "manifest_not_modified",
	// "manifest_error", "tarball_fetched", "tarball_not_found",
	// "tarball_error").
	UplinkFetches = UplinkNamespace.NewLabeledCounter("fetches_total", "The number of fetches issued to an uplink, by outcome", "uplink", "outcome")

	// UplinkBreakerTransitions counts circuit-breaker state transitions,
	// labeled by uplink name and the state entered ("open", "half_open",
	// "closed").
	UplinkBreakerTransitions = UplinkNamespace.NewLabeledCounter("breaker_transitions_total", "The number of circuit-breaker state transitions, by uplink and state entered", "uplink", "state")

	// HTTPRequests counts requests handled by the registry HTTP surface,
	// labeled by route and method.
	HTTPRequests = HTTPNamespace.NewLabeledCounter("requests_total", "The number of HTTP requests handled, by route and method", "route", "method")
)

func init() {
	metrics.Register(StorageNamespace)
	metrics.Register(UplinkNamespace)
	metrics.Register(HTTPNamespace)
}
