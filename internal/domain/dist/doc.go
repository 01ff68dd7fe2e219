// Package dist contains core domain types for FFmpeg dist provisioning.
//
// It defines Source (where a prebuilt dist archive lives), ArtifactSet
// (which static libraries an installation must and may contain, with the
// completeness check over an installed tree) and Layout (the on-disk
// directory structure a provisioning run works in).
package dist
