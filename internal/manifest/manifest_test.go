package manifest_test

import (
	"errors"
	"strings"
	"testing"

	"kiln/internal/manifest"
	"kiln/internal/services"
)

func TestParsePreservesOrderAndKinds(t *testing.T) {
	input := `
# core
discord.py==2.3.2
yt-dlp>=2024.4.9

PyNaCl  # voice support
`
	entries, err := manifest.Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	want := []manifest.Entry{
		{Name: "discord.py", Kind: manifest.ConstraintExact, Version: "2.3.2"},
		{Name: "yt-dlp", Kind: manifest.ConstraintMinimum, Version: "2024.4.9"},
		{Name: "PyNaCl", Kind: manifest.ConstraintUnconstrained},
	}
	for i, entry := range entries {
		if entry != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, entry, want[i])
		}
	}
	if spec := entries[0].Spec(); spec != "discord.py==2.3.2" {
		t.Fatalf("spec = %q", spec)
	}
}

func TestParseRejectsUnsupportedOperator(t *testing.T) {
	_, err := manifest.Parse(strings.NewReader("requests~=2.31"))
	if err == nil {
		t.Fatal("expected error for unsupported operator")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
}

func TestParseRejectsMalformedVersion(t *testing.T) {
	_, err := manifest.Parse(strings.NewReader("requests==not a version"))
	if err == nil {
		t.Fatal("expected error for malformed version")
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("error should name the offending line: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := manifest.Load("/nonexistent/requirements.txt")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found marker, got %v", err)
	}
}
