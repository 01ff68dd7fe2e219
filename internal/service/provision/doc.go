// Package provision downloads and installs the prebuilt FFmpeg dist.
//
// It resolves the dist branch for the host platform, fetches the branch
// archive following redirects, extracts it next to the build directory,
// relocates static libraries and headers into place, and verifies that every
// mandatory artifact landed. Completed installations are detected up front so
// repeated runs stay off the network.
package provision
