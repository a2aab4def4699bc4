// Package storage implements pkgvault.StorageBackend on top of a
// storagedriver.Driver, and wraps that backend with the domain semantics
// the federated store depends on: manifest normalization, revision
// bumping, merge rules, and per-package update serialization.
//
// The on-disk layout is intentionally shallow, mirroring the teacher's
// path-mapper idiom (see registry/storage/paths.go) without its
// content-addressed blob indirection, since tarballs here are addressed
// directly by filename rather than by digest:
//
//	<root>/<pkg>/package.json          manifest blob
//	<root>/<pkg>/<tarball-filename>     raw tarball bytes
//	<root>/.pkgvault-db.json            global index of known package names
//	<root>/@scope/<name>/…              scoped packages nest one level deeper
package storage

import "strings"

const manifestFilename = "package.json"

const globalIndexPath = "/.pkgvault-db.json"

// packageDir returns the storage-relative directory a package's manifest
// and tarballs live under. Scoped names (e.g. "@scope/name") map to a
// nested directory; unscoped names map to a single path component.
func packageDir(name string) string {
	return "/" + strings.TrimPrefix(name, "/")
}

func manifestPath(name string) string {
	return packageDir(name) + "/" + manifestFilename
}

func tarballPath(name, filename string) string {
	return packageDir(name) + "/" + filename
}
