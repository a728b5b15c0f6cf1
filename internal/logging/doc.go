// Package logging configures structured slog output for kiln commands and the
// daemon. It provides a human-oriented console handler, a JSON handler for log
// files, standardized field keys, and helpers that derive logger fields from
// context values set by the services package.
package logging
