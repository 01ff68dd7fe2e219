// Package platform maps the host operating system and CPU architecture onto
// the dist support matrix and derives dist branch names from it.
//
// Detection runs before any filesystem or network action so that unsupported
// hosts fail immediately with no partial work.
package platform
