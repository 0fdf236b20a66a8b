// Package types defines the core data model for strata: collection
// identities and descriptors, segment and manifest metadata, vector
// documents, and distance metrics shared by the storage and index layers.
package types
