package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/image"
)

// Cache maps stage cache keys to committed layers. The index lives inside the
// image store so GC and cache stay on one filesystem, and every mutation runs
// under the store lock.
type Cache struct {
	store *image.Store
}

// NewCache binds a stage cache to the given store.
func NewCache(store *image.Store) *Cache {
	return &Cache{store: store}
}

func (c *Cache) path() string {
	return filepath.Join(c.store.Root(), "stage_cache.json")
}

// Lookup returns the cached layer for key when its blob is still present.
func (c *Cache) Lookup(key string) (image.Layer, bool) {
	index, err := c.read()
	if err != nil {
		return image.Layer{}, false
	}
	layer, ok := index[key]
	if !ok {
		return image.Layer{}, false
	}
	// A GC sweep may have removed the blob out from under the index entry.
	if !c.store.HasBlob(layer.Digest) {
		return image.Layer{}, false
	}
	return layer, true
}

// Record associates a stage cache key with its committed layer.
func (c *Cache) Record(key string, layer image.Layer) error {
	return c.store.WithLock(func() error {
		index, err := c.read()
		if err != nil {
			return err
		}
		index[key] = layer
		data, err := json.MarshalIndent(index, "", "  ")
		if err != nil {
			return fmt.Errorf("encode stage cache: %w", err)
		}
		tmp := c.path() + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("stage cache write: %w", err)
		}
		return os.Rename(tmp, c.path())
	})
}

func (c *Cache) read() (map[string]image.Layer, error) {
	data, err := os.ReadFile(c.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]image.Layer{}, nil
		}
		return nil, fmt.Errorf("read stage cache: %w", err)
	}
	index := map[string]image.Layer{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse stage cache: %w", err)
	}
	return index, nil
}
