// Package config loads and validates kiln's TOML configuration. Configuration
// covers filesystem layout (image store, build staging, logs, submit
// directory), build tool selection, container run behavior, notifications, and
// daemon workflow timing.
package config
