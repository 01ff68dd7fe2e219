// Package archive unpacks gzip-compressed tarballs.
//
// Extraction is done in-process instead of shelling out to tar, and every
// entry path is validated before touching the filesystem: absolute paths and
// parent-directory traversal are rejected so a hostile archive cannot write
// outside the destination directory.
package archive
