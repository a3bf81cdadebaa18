//go:build windows

package deeplink

import (
	"fmt"
	"log"

	"golang.org/x/sys/windows/registry"
)

// RegisterScheme points HKCU\Software\Classes\<scheme> at exe so browser
// redirects relaunch this program. An existing registration is replaced.
func RegisterScheme(scheme, exe string) error {
	base := `Software\Classes\` + scheme
	k, _, err := registry.CreateKey(registry.CURRENT_USER, base, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("create %s: %w", base, err)
	}
	defer k.Close()
	if err := k.SetStringValue("", "URL:"+scheme+" Protocol"); err != nil {
		return fmt.Errorf("describe %s: %w", base, err)
	}
	if err := k.SetStringValue("URL Protocol", ""); err != nil {
		return fmt.Errorf("mark %s as a URL protocol: %w", base, err)
	}

	cmd, _, err := registry.CreateKey(registry.CURRENT_USER, base+`\shell\open\command`, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("create %s open command: %w", base, err)
	}
	defer cmd.Close()
	if err := cmd.SetStringValue("", HandlerCommand(exe)); err != nil {
		return fmt.Errorf("write %s open command: %w", base, err)
	}
	log.Printf("[DeepLink] 🔗 Registered %s:// handler: %s", scheme, exe)
	return nil
}
