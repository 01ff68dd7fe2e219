// Package verify inspects an installed dist tree without touching the network.
//
// It reports which mandatory and optional artifacts are present, compares the
// install receipt against the requested version, and revalidates checksums
// when the receipt recorded them.
package verify
