package image

import (
	"fmt"
	"regexp"
	"strings"
)

// Ref identifies a tagged image in the local store.
type Ref struct {
	Name string
	Tag  string
}

var refNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:[._/-][a-z0-9]+)*$`)
var refTagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// ParseRef parses a name[:tag] reference, defaulting the tag to "latest".
func ParseRef(value string) (Ref, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("image reference is empty")
	}
	name := trimmed
	tag := "latest"
	if idx := strings.LastIndex(trimmed, ":"); idx >= 0 {
		name = trimmed[:idx]
		tag = trimmed[idx+1:]
	}
	if !refNamePattern.MatchString(name) {
		return Ref{}, fmt.Errorf("invalid image name %q", name)
	}
	if !refTagPattern.MatchString(tag) {
		return Ref{}, fmt.Errorf("invalid image tag %q", tag)
	}
	return Ref{Name: name, Tag: tag}, nil
}

func (r Ref) String() string {
	if r.Tag == "" {
		return r.Name
	}
	return r.Name + ":" + r.Tag
}
