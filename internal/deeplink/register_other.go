//go:build !windows && !linux

package deeplink

import "log"

// RegisterScheme is a no-op on macOS, where URL schemes are declared by the
// application bundle.
func RegisterScheme(scheme, exe string) error {
	log.Printf("[DeepLink] %s:// registration is handled by the application bundle on this platform", scheme)
	return nil
}
