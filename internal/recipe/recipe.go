package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/image"
	"kiln/internal/manifest"
	"kiln/internal/services"
)

// Base pins the starting image for the build.
type Base struct {
	Image string `toml:"image"`
}

// System names the native packages installed by the provision stage.
type System struct {
	Packages []string `toml:"packages"`
}

// Dependencies points at the application dependency manifest.
type Dependencies struct {
	Manifest string `toml:"manifest"`
}

// Source describes the application source tree and its destination.
type Source struct {
	Context    string `toml:"context"`
	WorkDir    string `toml:"workdir"`
	IgnoreFile string `toml:"ignore_file"`
}

// Entry declares the container start command as a literal argument vector.
type Entry struct {
	Command []string `toml:"command"`
	Env     []string `toml:"env"`
}

// Recipe is a parsed and validated build definition.
type Recipe struct {
	Image        string       `toml:"image"`
	Base         Base         `toml:"base"`
	System       System       `toml:"system"`
	Dependencies Dependencies `toml:"dependencies"`
	Source       Source       `toml:"source"`
	Entry        Entry        `toml:"entry"`

	// Resolved during Load.
	Ref     image.Ref `toml:"-"`
	BaseRef image.Ref `toml:"-"`

	path       string
	contextDir string
}

var aptPackagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]*$`)

// Load parses the recipe at path, applies defaults, resolves the build context
// against the recipe's directory, and validates the result.
func Load(path string) (*Recipe, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve recipe path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "", "open recipe", absPath, err)
	}

	var r Recipe
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "parse recipe", absPath, err)
	}
	r.path = absPath

	r.applyDefaults()
	if err := r.resolveContext(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recipe) applyDefaults() {
	if strings.TrimSpace(r.Dependencies.Manifest) == "" {
		r.Dependencies.Manifest = manifest.DefaultFileName
	}
	if strings.TrimSpace(r.Source.Context) == "" {
		r.Source.Context = "."
	}
	if strings.TrimSpace(r.Source.WorkDir) == "" {
		r.Source.WorkDir = "/app"
	}
	if strings.TrimSpace(r.Source.IgnoreFile) == "" {
		r.Source.IgnoreFile = ".kilnignore"
	}
}

func (r *Recipe) resolveContext() error {
	context := r.Source.Context
	if !filepath.IsAbs(context) {
		context = filepath.Join(filepath.Dir(r.path), context)
	}
	abs, err := filepath.Abs(context)
	if err != nil {
		return fmt.Errorf("resolve build context: %w", err)
	}
	r.contextDir = abs
	return nil
}

// Validate checks the recipe invariants that must hold before any stage runs.
func (r *Recipe) Validate() error {
	var problems []string

	ref, err := image.ParseRef(r.Image)
	if err != nil {
		problems = append(problems, fmt.Sprintf("image: %v", err))
	} else {
		r.Ref = ref
	}

	baseRef, err := image.ParseRef(r.Base.Image)
	if err != nil {
		problems = append(problems, fmt.Sprintf("base.image: %v", err))
	} else {
		r.BaseRef = baseRef
	}

	for _, pkg := range r.System.Packages {
		if !aptPackagePattern.MatchString(pkg) {
			problems = append(problems, fmt.Sprintf("system.packages: invalid package name %q", pkg))
		}
	}

	if !strings.HasPrefix(r.Source.WorkDir, "/") {
		problems = append(problems, fmt.Sprintf("source.workdir %q must be absolute", r.Source.WorkDir))
	}

	if len(r.Entry.Command) == 0 {
		problems = append(problems, "entry.command must list at least the executable")
	}
	for i, arg := range r.Entry.Command {
		if i == 0 && strings.TrimSpace(arg) == "" {
			problems = append(problems, "entry.command executable must not be empty")
		}
	}
	for _, env := range r.Entry.Env {
		if !strings.Contains(env, "=") {
			problems = append(problems, fmt.Sprintf("entry.env %q must be KEY=VALUE", env))
		}
	}

	if info, err := os.Stat(r.contextDir); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("source.context %q is not a directory", r.contextDir))
	}

	if len(problems) == 0 {
		return nil
	}
	return services.Wrap(services.ErrValidation, "", "validate recipe",
		strings.Join(problems, "; "), nil)
}

// Path returns the absolute recipe file path.
func (r *Recipe) Path() string { return r.path }

// ContextDir returns the absolute build context directory.
func (r *Recipe) ContextDir() string { return r.contextDir }

// ManifestPath returns the dependency manifest location inside the context.
func (r *Recipe) ManifestPath() string {
	if filepath.IsAbs(r.Dependencies.Manifest) {
		return r.Dependencies.Manifest
	}
	return filepath.Join(r.contextDir, r.Dependencies.Manifest)
}

// IgnorePath returns the ignore file location inside the context.
func (r *Recipe) IgnorePath() string {
	if filepath.IsAbs(r.Source.IgnoreFile) {
		return r.Source.IgnoreFile
	}
	return filepath.Join(r.contextDir, r.Source.IgnoreFile)
}
