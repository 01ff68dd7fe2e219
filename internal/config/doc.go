// Package config defines provisioning settings used by the ffdist binaries
// and provides helpers to load, validate and save them in YAML format.
//
// The Config type holds the dist version and repository, directory layout
// names, the artifact lists and the network timeout. A missing settings file
// at the default path falls back to built-in defaults, so `ffdist-install`
// works with no arguments on a clean checkout.
package config
