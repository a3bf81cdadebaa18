//go:build !windows

package machineid

import "path/filepath"

// DefaultSource returns the override file the IDE reads on macOS and Linux.
// The system /etc/machine-id is left alone.
func DefaultSource(dataDir string) Source {
	return &FileSource{Path: filepath.Join(dataDir, "machine-id")}
}
