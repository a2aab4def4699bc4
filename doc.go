// Package pkgvault defines the core data model and component interfaces of
// the registry's storage/federation engine: the package Manifest and Version
// records, the error taxonomy mutations surface to callers, and the
// interfaces (StorageBackend, LocalStore, UplinkClient, FederatedStore) that
// the storage, uplink, and federated packages implement. Nothing in this
// package performs I/O; it exists so those packages, and their callers, can
// share one vocabulary without importing each other.
package pkgvault
