package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"kiln/internal/services"
)

// DefaultFileName is the conventional manifest name looked up in the build context.
const DefaultFileName = "requirements.txt"

// ConstraintKind classifies how an entry pins its version.
type ConstraintKind string

const (
	ConstraintExact         ConstraintKind = "exact"
	ConstraintMinimum       ConstraintKind = "minimum"
	ConstraintUnconstrained ConstraintKind = "unconstrained"
)

// Entry is one dependency requirement in manifest order.
type Entry struct {
	Name    string
	Kind    ConstraintKind
	Version string
}

// Spec renders the entry back into installer argument form.
func (e Entry) Spec() string {
	switch e.Kind {
	case ConstraintExact:
		return e.Name + "==" + e.Version
	case ConstraintMinimum:
		return e.Name + ">=" + e.Version
	default:
		return e.Name
	}
}

// Manifest is a parsed dependency manifest.
type Manifest struct {
	Path    string
	Entries []Entry
}

// Specs returns installer arguments for all entries in manifest order.
func (m *Manifest) Specs() []string {
	specs := make([]string, 0, len(m.Entries))
	for _, entry := range m.Entries {
		specs = append(specs, entry.Spec())
	}
	return specs
}

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^[0-9][0-9A-Za-z.+!-]*(\.\*)?$`)
)

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "resolve", "open manifest", path, err)
	}
	defer file.Close()

	entries, err := Parse(file)
	if err != nil {
		return nil, err
	}
	return &Manifest{Path: path, Entries: entries}, nil
}

// Parse reads manifest entries from r. Blank lines and # comments are ignored;
// ordering is preserved.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "resolve", "parse manifest",
				fmt.Sprintf("line %d: %v", lineNo, err), nil)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	for _, op := range []string{"~=", "!=", "<=", "<", ">"} {
		if op == ">" && strings.Contains(line, ">=") {
			continue
		}
		if strings.Contains(line, op) {
			return Entry{}, fmt.Errorf("unsupported version operator %q in %q", op, line)
		}
	}

	switch {
	case strings.Contains(line, "=="):
		return splitConstraint(line, "==", ConstraintExact)
	case strings.Contains(line, ">="):
		return splitConstraint(line, ">=", ConstraintMinimum)
	default:
		if !namePattern.MatchString(line) {
			return Entry{}, fmt.Errorf("invalid package name %q", line)
		}
		return Entry{Name: line, Kind: ConstraintUnconstrained}, nil
	}
}

func splitConstraint(line, op string, kind ConstraintKind) (Entry, error) {
	parts := strings.SplitN(line, op, 2)
	name := strings.TrimSpace(parts[0])
	version := strings.TrimSpace(parts[1])
	if !namePattern.MatchString(name) {
		return Entry{}, fmt.Errorf("invalid package name %q", name)
	}
	if !versionPattern.MatchString(version) {
		return Entry{}, fmt.Errorf("invalid version %q for package %s", version, name)
	}
	return Entry{Name: name, Kind: kind, Version: version}, nil
}
