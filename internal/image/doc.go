// Package image implements the local content-addressed image store: immutable
// gzip-compressed layer blobs, JSON config and manifest records keyed by
// digest, and a name:tag reference table. Layer commits stage into a temporary
// path and rename into place so an aborted build never publishes a partial
// blob. Mutations to shared store state are serialized across processes with a
// file lock.
package image
