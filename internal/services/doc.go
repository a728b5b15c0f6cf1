// Package services carries cross-cutting service plumbing: sentinel error
// markers used to classify build failures, wrapping helpers that attach stage
// context to errors, and context annotations consumed by structured logging.
package services
