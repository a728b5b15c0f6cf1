// Package assemble implements the third build stage: copying the application
// source context into the image working directory.
package assemble

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"kiln/internal/build"
	"kiln/internal/fileutil"
	"kiln/internal/logging"
)

// Stage copies the build context into the rootfs at the recipe's workdir.
type Stage struct{}

// New returns the source assembler stage.
func New() *Stage { return &Stage{} }

// Name implements build.Stage.
func (s *Stage) Name() string { return "assemble" }

// CacheKey chains the parent key with a content hash of the build context
// after ignore filtering, plus the destination workdir. Touching any copied
// source file invalidates this stage and only this stage.
func (s *Stage) CacheKey(ws *build.Workspace, parent string) (string, error) {
	skip, err := s.skipFunc(ws)
	if err != nil {
		return "", err
	}
	treeHash, err := build.HashTree(ws.Recipe.ContextDir(), skip)
	if err != nil {
		return "", fmt.Errorf("hash build context: %w", err)
	}
	return build.HashInputs(parent, "assemble", ws.Recipe.Source.WorkDir, treeHash), nil
}

// Execute copies the filtered context tree into workdir inside the rootfs.
func (s *Stage) Execute(_ context.Context, ws *build.Workspace) error {
	skip, err := s.skipFunc(ws)
	if err != nil {
		return err
	}

	dest := filepath.Join(ws.RootFS, filepath.FromSlash(strings.TrimPrefix(ws.Recipe.Source.WorkDir, "/")))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	ws.Logger.Info("copying build context",
		logging.String("context", ws.Recipe.ContextDir()),
		logging.String("workdir", ws.Recipe.Source.WorkDir))

	if err := fileutil.CopyTree(ws.Recipe.ContextDir(), dest, skip); err != nil {
		return fmt.Errorf("copy build context: %w", err)
	}
	return nil
}

// skipFunc builds the ignore predicate: the recipe file and the ignore file
// are always excluded, plus anything matching an ignore pattern.
func (s *Stage) skipFunc(ws *build.Workspace) (func(rel string, isDir bool) bool, error) {
	patterns, err := readIgnorePatterns(ws.Recipe.IgnorePath())
	if err != nil {
		return nil, err
	}

	always := map[string]bool{}
	for _, p := range []string{ws.Recipe.Path(), ws.Recipe.IgnorePath()} {
		if rel, err := filepath.Rel(ws.Recipe.ContextDir(), p); err == nil && !strings.HasPrefix(rel, "..") {
			always[filepath.ToSlash(rel)] = true
		}
	}

	return func(rel string, isDir bool) bool {
		if always[rel] {
			return true
		}
		return matchesAny(patterns, rel)
	}, nil
}

func readIgnorePatterns(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	return patterns, nil
}

// matchesAny matches rel against each pattern, both as a whole path and as a
// single path element anywhere in the tree.
func matchesAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}
