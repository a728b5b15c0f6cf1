package finalize

import (
	"testing"

	"kiln/internal/build"
	"kiln/internal/logging"
	"kiln/internal/testsupport"
)

const recipeBody = `
image = "bot:v3"

[base]
image = "python:3.12-slim"

[source]
workdir = "/app"

[entry]
command = ["python", "bot.py"]
env = ["PYTHONUNBUFFERED=1"]
`

func TestSealTagsManifestWithEntryConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	r := testsupport.LoadRecipe(t, recipeBody, nil)

	baseRef := testsupport.SeedBaseImage(t, store, "python:3.12-slim")
	baseManifest, _, err := store.ResolveManifest(baseRef)
	if err != nil {
		t.Fatal(err)
	}

	result := &build.Result{Layers: baseManifest.Layers}
	sealed, err := Seal(store, r, result, logging.NewNop())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	resolved, err := store.Resolve(r.Ref)
	if err != nil {
		t.Fatalf("resolve sealed image: %v", err)
	}
	if resolved != sealed.ManifestDigest {
		t.Errorf("ref resolves to %s, sealed %s", resolved, sealed.ManifestDigest)
	}

	manifest, err := store.GetManifest(sealed.ManifestDigest)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Config != sealed.ConfigDigest {
		t.Error("manifest must point at the sealed config")
	}
	if len(manifest.Layers) != len(result.Layers) {
		t.Errorf("manifest has %d layers, want %d", len(manifest.Layers), len(result.Layers))
	}

	imgCfg, err := store.GetConfig(sealed.ConfigDigest)
	if err != nil {
		t.Fatal(err)
	}
	if len(imgCfg.Entrypoint) != 2 || imgCfg.Entrypoint[0] != "python" || imgCfg.Entrypoint[1] != "bot.py" {
		t.Errorf("unexpected entrypoint %v", imgCfg.Entrypoint)
	}
	if imgCfg.WorkingDir != "/app" {
		t.Errorf("unexpected working dir %q", imgCfg.WorkingDir)
	}
	if len(imgCfg.Env) != 1 || imgCfg.Env[0] != "PYTHONUNBUFFERED=1" {
		t.Errorf("unexpected env %v", imgCfg.Env)
	}
}

func TestSealRetagsExistingReference(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	r := testsupport.LoadRecipe(t, recipeBody, nil)
	testsupport.SeedBaseImage(t, store, "python:3.12-slim")

	first, err := Seal(store, r, &build.Result{}, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	r.Entry.Env = append(r.Entry.Env, "LOG_LEVEL=debug")
	second, err := Seal(store, r, &build.Result{}, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if first.ManifestDigest == second.ManifestDigest {
		t.Fatal("config change must produce a new manifest digest")
	}

	resolved, err := store.Resolve(r.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != second.ManifestDigest {
		t.Error("ref must point at the most recent seal")
	}
}
