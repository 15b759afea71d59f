package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderCandidates(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", "/etc/newsloom/prod.env"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := loader.candidates()
	want := []string{"/etc/newsloom/prod.env", "prod.env", ".env"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	defaults := AddEnvFlag(flag.NewFlagSet("defaults", flag.ContinueOnError), "", "").candidates()
	if len(defaults) != 1 || defaults[0] != ".env" {
		t.Fatalf("expected only .env, got %v", defaults)
	}
}

func TestEnvLoaderOverrideVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.env")
	if err := os.WriteFile(path, []byte("NEWSLOOM_TEST_VALUE=from-override\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NEWSLOOM_ENV_FILE", path)
	t.Setenv("NEWSLOOM_TEST_VALUE", "")

	loader := AddEnvFlag(flag.NewFlagSet("test", flag.ContinueOnError), filepath.Join(t.TempDir(), "missing.env"), "")
	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s, got %s", path, loaded)
	}
	if got := os.Getenv("NEWSLOOM_TEST_VALUE"); got != "from-override" {
		t.Fatalf("expected override value, got %q", got)
	}
}

func TestEnvLoaderMissingFile(t *testing.T) {
	t.Setenv("NEWSLOOM_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")

	dir := t.TempDir()
	loader := AddEnvFlag(flag.NewFlagSet("test", flag.ContinueOnError), filepath.Join(dir, "nope.env"), "")
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected missing env file to fail")
	}
}
