package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckClaudeBinaryMissing(t *testing.T) {
	_, err := CheckClaudeBinary("definitely-not-installed-xyz")
	if err == nil {
		t.Fatal("missing binary should fail the check")
	}
	if !strings.Contains(err.Error(), "install") {
		t.Errorf("error %q missing the install hint", err)
	}
}

func TestCheckClaudeBinaryFound(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "claude")
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"1.2.3 (fake)\"; fi\n"
	if err := os.WriteFile(fake, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	info, err := CheckClaudeBinary("claude")
	if err != nil {
		t.Fatalf("CheckClaudeBinary: %v", err)
	}
	if info.Path != fake {
		t.Errorf("Path = %q, want %q", info.Path, fake)
	}
	if info.Version != "1.2.3 (fake)" {
		t.Errorf("Version = %q", info.Version)
	}
}

func TestCheckClaudeBinaryDefaultsName(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if _, err := CheckClaudeBinary(""); err == nil {
		t.Fatal("empty binary with empty PATH should fail")
	}
}
