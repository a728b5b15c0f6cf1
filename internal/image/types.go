package image

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Layer describes one immutable filesystem delta blob.
type Layer struct {
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	CreatedBy string        `json:"created_by"`
}

// Config carries the run metadata sealed by the terminal build stage. The
// entry command is a literal argument vector; it is never interpreted by a
// shell.
type Config struct {
	Entrypoint []string  `json:"entrypoint"`
	WorkingDir string    `json:"working_dir"`
	Env        []string  `json:"env,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manifest binds an ordered layer chain to its config record.
type Manifest struct {
	SchemaVersion int           `json:"schema_version"`
	Config        digest.Digest `json:"config"`
	Layers        []Layer       `json:"layers"`
	CreatedAt     time.Time     `json:"created_at"`
}

// TotalSize returns the summed compressed size of all layers.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, layer := range m.Layers {
		total += layer.Size
	}
	return total
}

// Description pairs a reference with the manifest it resolves to, for listings.
type Description struct {
	Ref       Ref
	Digest    digest.Digest
	Layers    int
	Size      int64
	CreatedAt time.Time
}
