//go:build windows

package machineid

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

const (
	cryptographyKey = `SOFTWARE\Microsoft\Cryptography`
	machineGuidName = "MachineGuid"
)

// RegistrySource reads and writes HKLM\SOFTWARE\Microsoft\Cryptography\MachineGuid.
// Writing requires an elevated process.
type RegistrySource struct{}

func (RegistrySource) Read() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, cryptographyKey, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return "", fmt.Errorf("open cryptography key: %w", err)
	}
	defer k.Close()

	v, _, err := k.GetStringValue(machineGuidName)
	if errors.Is(err, registry.ErrNotExist) {
		return "", ErrNoMachineID
	}
	if err != nil {
		return "", fmt.Errorf("read MachineGuid: %w", err)
	}
	return Canonical(strings.TrimSpace(v))
}

func (RegistrySource) Write(id string) error {
	id, err := Canonical(id)
	if err != nil {
		return err
	}
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, cryptographyKey, registry.SET_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return fmt.Errorf("open cryptography key for write: %w", err)
	}
	defer k.Close()
	if err := k.SetStringValue(machineGuidName, id); err != nil {
		return fmt.Errorf("write MachineGuid: %w", err)
	}
	return nil
}

// DefaultSource returns the registry source.
func DefaultSource(dataDir string) Source {
	return RegistrySource{}
}
