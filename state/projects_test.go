package state

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProjectsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProjectsMissingFile(t *testing.T) {
	p, err := LoadProjectsFrom(filepath.Join(t.TempDir(), "projects.yaml"))
	if err != nil {
		t.Fatalf("LoadProjectsFrom: %v", err)
	}
	// Built-in home alias survives a missing file
	if _, _, err := p.Resolve("home"); err != nil {
		t.Errorf("home default missing: %v", err)
	}
}

func TestLoadProjectsMergesOverDefaults(t *testing.T) {
	path := writeProjectsFile(t, `
projects:
  api: /work/api
  home: /custom/home
`)
	p, err := LoadProjectsFrom(path)
	if err != nil {
		t.Fatalf("LoadProjectsFrom: %v", err)
	}

	if dir, _, _ := p.Resolve("api"); dir != "/work/api" {
		t.Errorf("api = %q", dir)
	}
	// File entries override built-ins
	if dir, _, _ := p.Resolve("home"); dir != "/custom/home" {
		t.Errorf("home = %q, want file override", dir)
	}
}

func TestLoadProjectsBadYAML(t *testing.T) {
	path := writeProjectsFile(t, "projects: [not a map")
	if _, err := LoadProjectsFrom(path); err == nil {
		t.Fatal("bad YAML should fail to load")
	}
}

func TestResolve(t *testing.T) {
	realDir := t.TempDir()
	path := writeProjectsFile(t, "projects:\n  api: /work/api\n")
	p, err := LoadProjectsFrom(path)
	if err != nil {
		t.Fatalf("LoadProjectsFrom: %v", err)
	}

	dir, alias, err := p.Resolve("api")
	if err != nil || dir != "/work/api" || alias != "api" {
		t.Errorf("Resolve(api) = %q, %q, %v", dir, alias, err)
	}

	dir, alias, err = p.Resolve(realDir)
	if err != nil || dir != realDir || alias != "" {
		t.Errorf("Resolve(abs dir) = %q, %q, %v", dir, alias, err)
	}

	if _, _, err := p.Resolve("relative/path"); err == nil {
		t.Error("relative non-alias should fail")
	}
	if _, _, err := p.Resolve("/does/not/exist"); err == nil {
		t.Error("missing path should fail")
	}

	file := filepath.Join(realDir, "file.txt")
	os.WriteFile(file, []byte("x"), 0644)
	if _, _, err := p.Resolve(file); err == nil {
		t.Error("file path should fail, want a directory")
	}
}

func TestNamesSorted(t *testing.T) {
	path := writeProjectsFile(t, "projects:\n  zeta: /z\n  alpha: /a\n")
	p, err := LoadProjectsFrom(path)
	if err != nil {
		t.Fatalf("LoadProjectsFrom: %v", err)
	}
	names := p.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
