//go:build linux

package deeplink

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
)

// RegisterScheme writes an xdg desktop entry handling <scheme>:// URLs and
// makes it the default handler. A missing xdg-mime is logged, not fatal;
// the entry is still picked up by desktop environments that scan
// applications/.
func RegisterScheme(scheme, exe string) error {
	dir, err := applicationsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	name := desktopFileName(scheme)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(desktopEntry(scheme, exe)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	mime := "x-scheme-handler/" + scheme
	if xdg, err := exec.LookPath("xdg-mime"); err == nil {
		if out, err := exec.Command(xdg, "default", name, mime).CombinedOutput(); err != nil {
			return fmt.Errorf("xdg-mime default %s: %w: %s", mime, err, out)
		}
	} else {
		log.Printf("[DeepLink] ⚠️ xdg-mime not found; %s may need to be selected as the %s handler", name, mime)
	}
	log.Printf("[DeepLink] 🔗 Registered %s:// handler: %s", scheme, path)
	return nil
}

func applicationsDir() (string, error) {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "applications"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "applications"), nil
}

func desktopFileName(scheme string) string {
	return "kiro-accounts-" + scheme + ".desktop"
}

// desktopEntry uses the same argument layout as HandlerCommand, with the
// xdg %u field code in place of the Windows %1.
func desktopEntry(scheme, exe string) string {
	return fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=Kiro Accounts
Exec="%s" %s -- %%u
NoDisplay=true
Terminal=false
MimeType=x-scheme-handler/%s;
`, exe, OpenURLFlag, scheme)
}
