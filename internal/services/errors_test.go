package services_test

import (
	"errors"
	"testing"

	"kiln/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("index refresh returned exit status 100")
	err := services.Wrap(services.ErrExternalTool, "provision", "apt-get update", "refresh package index", base)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to survive wrapping, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected underlying error to survive wrapping, got %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "resolve", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestDetailsStripsMarkerPrefix(t *testing.T) {
	err := services.Wrap(services.ErrValidation, "resolve", "parse manifest", "bad version constraint", nil)
	details := services.Details(err)
	if details.Marker != services.ErrValidation {
		t.Fatalf("expected validation marker, got %v", details.Marker)
	}
	want := "resolve: parse manifest: bad version constraint"
	if details.Message != want {
		t.Fatalf("message = %q, want %q", details.Message, want)
	}
}

func TestDetailsUnclassified(t *testing.T) {
	details := services.Details(errors.New("boom"))
	if details.Marker != nil {
		t.Fatalf("expected no marker, got %v", details.Marker)
	}
	if details.Message != "boom" {
		t.Fatalf("message = %q", details.Message)
	}
}
