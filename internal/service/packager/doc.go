// Package packager prepares the dist manifest consumed by installers.
//
// It computes checksums for the static libraries in a local dist tree,
// records packaging provenance, and persists dist settings. The described
// tree is then pushed as a platform branch of the dist repository.
package packager
