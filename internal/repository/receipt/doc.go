// Package receipt implements persistence for the install receipt.
//
// The receipt is the dist manifest that was installed into a build
// directory. The FileRepository stores and loads it as YAML on disk and
// exposes a Repository interface that the provisioning and verification
// services depend on. A missing receipt is reported as ErrNotFound and is
// never fatal: completeness is decided by the artifact check, the receipt
// only adds version staleness detection on top.
package receipt
