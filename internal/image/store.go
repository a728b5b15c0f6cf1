package image

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"

	"kiln/internal/logging"
	"kiln/internal/services"
)

// ErrRefNotFound reports an unknown name:tag reference.
var ErrRefNotFound = errors.New("image reference not found")

const manifestSchemaVersion = 1

// Store is the on-disk image store rooted at a single directory.
type Store struct {
	root   string
	lock   *flock.Flock
	logger *slog.Logger
}

// Open initializes the store layout under root.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	for _, dir := range []string{root, filepath.Join(root, "blobs", "sha256"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %q: %w", dir, err)
		}
	}
	return &Store{
		root:   root,
		lock:   flock.New(filepath.Join(root, ".lock")),
		logger: logging.NewComponentLogger(logger, "image-store"),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// WithLock runs fn while holding the cross-process store mutation lock.
func (s *Store) WithLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return fn()
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

// HasBlob reports whether a blob exists in the store.
func (s *Store) HasBlob(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	info, err := os.Stat(s.blobPath(d))
	return err == nil && !info.IsDir()
}

// OpenBlob opens a stored blob for reading.
func (s *Store) OpenBlob(d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, err)
	}
	file, err := os.Open(s.blobPath(d))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", d, err)
	}
	return file, nil
}

// PutBlob stores the contents of r as a content-addressed blob. The write is
// staged under tmp/ and renamed into its digest path, so a failure mid-write
// leaves nothing published.
func (s *Store) PutBlob(r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("stage blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	dgst := digester.Digest()
	final := s.blobPath(dgst)
	if _, err := os.Stat(final); err == nil {
		return dgst, size, nil
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", 0, fmt.Errorf("commit blob %s: %w", dgst, err)
	}
	return dgst, size, nil
}

// WriteLayerFromDir packs dir into a canonical layer blob and commits it.
func (s *Store) WriteLayerFromDir(dir, createdBy string) (Layer, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(PackDir(dir, pw))
	}()

	dgst, size, err := s.PutBlob(pr)
	if err != nil {
		return Layer{}, fmt.Errorf("commit layer: %w", err)
	}
	layer := Layer{Digest: dgst, Size: size, CreatedBy: createdBy}
	s.logger.Debug("layer committed",
		logging.String(logging.FieldLayerDigest, dgst.String()),
		logging.Int64("size_bytes", size),
		logging.String("created_by", createdBy))
	return layer, nil
}

// ApplyLayer extracts a layer blob into rootfs.
func (s *Store) ApplyLayer(layer Layer, rootfs string) error {
	blob, err := s.OpenBlob(layer.Digest)
	if err != nil {
		return err
	}
	defer blob.Close()
	if err := UnpackDir(blob, rootfs); err != nil {
		return fmt.Errorf("apply layer %s: %w", layer.Digest, err)
	}
	return nil
}

// MaterializeRootFS extracts every layer of a manifest, in order, into dest.
func (s *Store) MaterializeRootFS(m Manifest, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}
	for _, layer := range m.Layers {
		if err := s.ApplyLayer(layer, dest); err != nil {
			return err
		}
	}
	return nil
}

// PutConfig stores an image config record.
func (s *Store) PutConfig(cfg Config) (digest.Digest, error) {
	return s.putJSON(cfg)
}

// GetConfig loads an image config record by digest.
func (s *Store) GetConfig(d digest.Digest) (Config, error) {
	var cfg Config
	if err := s.getJSON(d, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", d, err)
	}
	return cfg, nil
}

// PutManifest stores a manifest record.
func (s *Store) PutManifest(m Manifest) (digest.Digest, error) {
	m.SchemaVersion = manifestSchemaVersion
	return s.putJSON(m)
}

// GetManifest loads a manifest record by digest.
func (s *Store) GetManifest(d digest.Digest) (Manifest, error) {
	var m Manifest
	if err := s.getJSON(d, &m); err != nil {
		return Manifest{}, fmt.Errorf("load manifest %s: %w", d, err)
	}
	return m, nil
}

func (s *Store) putJSON(v any) (digest.Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	dgst, _, err := s.PutBlob(bytes.NewReader(data))
	return dgst, err
}

func (s *Store) getJSON(d digest.Digest, v any) error {
	blob, err := s.OpenBlob(d)
	if err != nil {
		return err
	}
	defer blob.Close()
	return json.NewDecoder(blob).Decode(v)
}

// Tag points a name:tag reference at a manifest digest.
func (s *Store) Tag(ref Ref, manifestDigest digest.Digest) error {
	return s.WithLock(func() error {
		refs, err := s.readRefs()
		if err != nil {
			return err
		}
		refs[ref.String()] = manifestDigest.String()
		return s.writeRefs(refs)
	})
}

// Resolve maps a reference to its manifest digest.
func (s *Store) Resolve(ref Ref) (digest.Digest, error) {
	refs, err := s.readRefs()
	if err != nil {
		return "", err
	}
	raw, ok := refs[ref.String()]
	if !ok {
		return "", services.Wrap(services.ErrNotFound, "", "resolve image", ref.String(), ErrRefNotFound)
	}
	return digest.Parse(raw)
}

// ResolveManifest resolves a reference straight to its manifest record.
func (s *Store) ResolveManifest(ref Ref) (Manifest, digest.Digest, error) {
	dgst, err := s.Resolve(ref)
	if err != nil {
		return Manifest{}, "", err
	}
	m, err := s.GetManifest(dgst)
	return m, dgst, err
}

// RemoveRef deletes a reference. Blob removal is left to GC.
func (s *Store) RemoveRef(ref Ref) (bool, error) {
	removed := false
	err := s.WithLock(func() error {
		refs, err := s.readRefs()
		if err != nil {
			return err
		}
		if _, ok := refs[ref.String()]; !ok {
			return nil
		}
		delete(refs, ref.String())
		removed = true
		return s.writeRefs(refs)
	})
	return removed, err
}

// List describes every tagged image, sorted by reference.
func (s *Store) List() ([]Description, error) {
	refs, err := s.readRefs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Description, 0, len(names))
	for _, name := range names {
		ref, err := ParseRef(name)
		if err != nil {
			continue
		}
		dgst, err := digest.Parse(refs[name])
		if err != nil {
			continue
		}
		desc := Description{Ref: ref, Digest: dgst}
		if m, err := s.GetManifest(dgst); err == nil {
			desc.Layers = len(m.Layers)
			desc.Size = m.TotalSize()
			desc.CreatedAt = m.CreatedAt
		}
		out = append(out, desc)
	}
	return out, nil
}

// ImportBase registers an externally supplied rootfs tarball as a pinned base
// image under ref. The tarball becomes the image's single layer.
func (s *Store) ImportBase(ref Ref, tarballPath string) (digest.Digest, error) {
	file, err := os.Open(tarballPath)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "", "import base image", tarballPath, err)
	}
	defer file.Close()

	dgst, size, err := s.PutBlob(file)
	if err != nil {
		return "", err
	}
	layer := Layer{Digest: dgst, Size: size, CreatedBy: "base " + ref.String()}

	configDigest, err := s.PutConfig(Config{CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	manifestDigest, err := s.PutManifest(Manifest{
		Config:    configDigest,
		Layers:    []Layer{layer},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := s.Tag(ref, manifestDigest); err != nil {
		return "", err
	}
	s.logger.Info("base image imported",
		logging.String(logging.FieldImageRef, ref.String()),
		logging.String("manifest_digest", manifestDigest.String()),
		logging.Int64("size_bytes", size))
	return manifestDigest, nil
}

func (s *Store) refsPath() string {
	return filepath.Join(s.root, "refs.json")
}

func (s *Store) readRefs() (map[string]string, error) {
	data, err := os.ReadFile(s.refsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read refs: %w", err)
	}
	refs := map[string]string{}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parse refs: %w", err)
	}
	return refs, nil
}

func (s *Store) writeRefs(refs map[string]string) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode refs: %w", err)
	}
	tmp := s.refsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("stage refs: %w", err)
	}
	return os.Rename(tmp, s.refsPath())
}
