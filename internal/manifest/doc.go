// Package manifest parses the application dependency manifest: an ordered list
// of library names with exact, minimum, or absent version constraints, read
// once per build. Every entry must be well formed before the resolver stage
// runs; a malformed line fails the build.
package manifest
