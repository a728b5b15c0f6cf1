package image

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"kiln/internal/logging"
)

// GCResult summarizes a garbage collection sweep.
type GCResult struct {
	RemovedBlobs   int
	ReclaimedBytes int64
}

// GC deletes every blob not reachable from a tagged reference. Reachable means
// a manifest blob, its config blob, or any of its layer blobs. The sweep holds
// the store lock for its full duration so a concurrent build cannot commit
// layers into a half-swept store.
func (s *Store) GC() (GCResult, error) {
	var result GCResult
	err := s.WithLock(func() error {
		refs, err := s.readRefs()
		if err != nil {
			return err
		}

		reachable := map[digest.Digest]struct{}{}
		for _, raw := range refs {
			manifestDigest, err := digest.Parse(raw)
			if err != nil {
				continue
			}
			reachable[manifestDigest] = struct{}{}
			m, err := s.GetManifest(manifestDigest)
			if err != nil {
				continue
			}
			reachable[m.Config] = struct{}{}
			for _, layer := range m.Layers {
				reachable[layer.Digest] = struct{}{}
			}
		}

		blobDir := filepath.Join(s.root, "blobs", digest.Canonical.String())
		entries, err := os.ReadDir(blobDir)
		if err != nil {
			return fmt.Errorf("read blob directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			dgst := digest.NewDigestFromEncoded(digest.Canonical, entry.Name())
			if dgst.Validate() != nil {
				continue
			}
			if _, ok := reachable[dgst]; ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if err := os.Remove(filepath.Join(blobDir, entry.Name())); err != nil {
				return fmt.Errorf("remove blob %s: %w", dgst, err)
			}
			result.RemovedBlobs++
			result.ReclaimedBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return GCResult{}, err
	}
	s.logger.Info("store garbage collected",
		logging.Int("removed_blobs", result.RemovedBlobs),
		logging.Int64("reclaimed_bytes", result.ReclaimedBytes))
	return result, nil
}
