package environment_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/karn/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("KARN_TEST_STRING", "hello")
	if got := environment.StringOr("KARN_TEST_STRING", "default"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	if got := environment.StringOr("KARN_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("got %q, want %q", got, "default")
	}
	t.Setenv("KARN_TEST_BLANK", "   ")
	if got := environment.StringOr("KARN_TEST_BLANK", "default"); got != "default" {
		t.Errorf("blank value: got %q, want %q", got, "default")
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("KARN_TEST_REQUIRED", "value")
	v, err := environment.RequiredString("KARN_TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("got %q, want %q", v, "value")
	}
	if _, err := environment.RequiredString("KARN_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestNumericAndBool(t *testing.T) {
	t.Setenv("KARN_TEST_INT", "42")
	t.Setenv("KARN_TEST_BAD_INT", "forty")
	t.Setenv("KARN_TEST_BOOL", "true")
	t.Setenv("KARN_TEST_DUR", "90s")

	if got := environment.IntOr("KARN_TEST_INT", 0); got != 42 {
		t.Errorf("IntOr: got %d, want 42", got)
	}
	if got := environment.IntOr("KARN_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("IntOr malformed: got %d, want 7", got)
	}
	if !environment.BoolOr("KARN_TEST_BOOL", false) {
		t.Error("BoolOr: expected true")
	}
	if got := environment.DurationOr("KARN_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("DurationOr: got %v, want 90s", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("KARN_TEST_SLICE", " !a:hs , ,!b:hs ")
	got := environment.StringSliceOr("KARN_TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "!a:hs" || got[1] != "!b:hs" {
		t.Errorf("got %v, want [!a:hs !b:hs]", got)
	}
	def := []string{"x"}
	if got := environment.StringSliceOr("KARN_TEST_SLICE_MISSING", def); len(got) != 1 || got[0] != "x" {
		t.Errorf("default: got %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "karn.env")
	if err := os.WriteFile(path, []byte("KARN_DOTENV_A=from-file\nKARN_DOTENV_B=file-b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KARN_DOTENV_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("KARN_DOTENV_A") })

	if err := environment.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("KARN_DOTENV_A"); got != "from-file" {
		t.Errorf("A: got %q, want %q", got, "from-file")
	}
	if got := os.Getenv("KARN_DOTENV_B"); got != "from-env" {
		t.Errorf("B: existing env must win, got %q", got)
	}
}
