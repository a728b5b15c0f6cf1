// Package queue persists build requests and their lifecycle state in SQLite.
// The daemon workflow claims pending items, walks them through the build
// stages, and records progress and heartbeats so stale work can be reclaimed.
package queue
