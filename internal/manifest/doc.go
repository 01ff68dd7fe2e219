// Package manifest defines the dist manifest: the YAML document describing
// a packaged dist tree (version, artifact checksums, artifact roles and the
// packaging actor).
//
// ffdist-package produces it, ffdist-install consumes it for per-file
// checksum verification and writes it back into the build directory as the
// install receipt.
package manifest
