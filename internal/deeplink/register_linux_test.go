package deeplink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegisterSchemeWritesDesktopEntry(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("PATH", "")

	if err := RegisterScheme("kiro", "/opt/kiro accounts/kiro-accounts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dataHome, "applications", "kiro-accounts-kiro.desktop"))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	entry := string(data)
	for _, want := range []string{
		`Exec="/opt/kiro accounts/kiro-accounts" --open-url -- %u`,
		"MimeType=x-scheme-handler/kiro;",
	} {
		if !strings.Contains(entry, want) {
			t.Fatalf("entry missing %q:\n%s", want, entry)
		}
	}

	// The launch argv the entry produces is one ExtractURL understands.
	args := []string{"/opt/kiro accounts/kiro-accounts", OpenURLFlag, "--", "kiro://kiro.kiroAgent/authenticate-success?state=s"}
	if _, ok := ExtractURL(args, "kiro"); !ok {
		t.Fatal("desktop entry layout is not extractable")
	}
}
