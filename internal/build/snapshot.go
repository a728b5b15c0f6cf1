package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"kiln/internal/fileutil"
)

type fileStamp struct {
	mode fs.FileMode
	size int64
	hash string
	link string
}

// snapshotTree records a content-addressed view of every entry under root,
// keyed by slash-separated relative path.
func snapshotTree(root string) (map[string]fileStamp, error) {
	stamps := map[string]fileStamp{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		stamp := fileStamp{mode: info.Mode(), size: info.Size()}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if stamp.link, err = os.Readlink(path); err != nil {
				return err
			}
			stamp.size = 0
		case info.Mode().IsRegular():
			if stamp.hash, err = hashFile(path); err != nil {
				return err
			}
		case info.IsDir():
			stamp.size = 0
		}
		stamps[key] = stamp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot rootfs: %w", err)
	}
	return stamps, nil
}

// diffTrees returns the sorted relative paths added or changed between two
// snapshots. Deletions are not represented: kiln layers carry additive deltas
// only, so a stage that needs content gone must remove it before its snapshot
// is taken.
func diffTrees(before, after map[string]fileStamp) []string {
	var changed []string
	for key, stamp := range after {
		prev, ok := before[key]
		if ok && prev == stamp {
			continue
		}
		changed = append(changed, key)
	}
	sort.Strings(changed)
	return changed
}

// copyDelta copies the given relative paths from rootfs into deltaDir,
// preserving modes and symlinks.
func copyDelta(rootfs, deltaDir string, paths []string) error {
	for _, rel := range paths {
		src := filepath.Join(rootfs, filepath.FromSlash(rel))
		dst := filepath.Join(deltaDir, filepath.FromSlash(rel))

		info, err := os.Lstat(src)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(src)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(link, dst); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := fileutil.CopyFileMode(src, dst, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type %s in layer delta: %s", info.Mode(), rel)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashInputs chains arbitrary stage inputs into a hex cache key.
func HashInputs(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashTree digests a directory's structure and content: relative paths, modes,
// link targets, and file contents. The skip callback prunes ignored paths.
func HashTree(root string, skip func(rel string, isDir bool) bool) (string, error) {
	var keys []string
	stamps, err := snapshotTreeFiltered(root, skip, &keys)
	if err != nil {
		return "", err
	}
	sort.Strings(keys)

	hasher := sha256.New()
	for _, key := range keys {
		stamp := stamps[key]
		fmt.Fprintf(hasher, "%s|%o|%d|%s|%s\n", key, stamp.mode, stamp.size, stamp.hash, stamp.link)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func snapshotTreeFiltered(root string, skip func(rel string, isDir bool) bool, keys *[]string) (map[string]fileStamp, error) {
	stamps := map[string]fileStamp{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if skip != nil && skip(key, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		stamp := fileStamp{mode: info.Mode(), size: info.Size()}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if stamp.link, err = os.Readlink(path); err != nil {
				return err
			}
			stamp.size = 0
		case info.Mode().IsRegular():
			if stamp.hash, err = hashFile(path); err != nil {
				return err
			}
		case info.IsDir():
			stamp.size = 0
		}
		stamps[key] = stamp
		*keys = append(*keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hash tree: %w", err)
	}
	return stamps, nil
}
