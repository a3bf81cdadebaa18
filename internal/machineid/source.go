// Package machineid owns the system machine identifier the Kiro IDE reports
// and its one-to-one binding to stored accounts.
package machineid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

// Source reads and writes the OS-level machine identifier.
type Source interface {
	Read() (string, error)
	Write(id string) error
}

// Clearer is a Source whose value is an override that can be removed,
// uncovering the system default.
type Clearer interface {
	Clear() error
}

// ErrNoMachineID is returned by a Source that has no value yet.
var ErrNoMachineID = errors.New("machine id not set")

// FileSource keeps the identifier in a plain file. Compact writes the
// 32-hex-digit form used by /etc/machine-id instead of the dashed form.
type FileSource struct {
	Path    string
	Compact bool
}

func (s *FileSource) Read() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoMachineID
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.Path, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", ErrNoMachineID
	}
	return Canonical(raw)
}

func (s *FileSource) Write(id string) error {
	id, err := Canonical(id)
	if err != nil {
		return err
	}
	if s.Compact {
		id = strings.ReplaceAll(id, "-", "")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.Path), err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace %s: %w", s.Path, err)
	}
	return nil
}

// Clear removes the file.
func (s *FileSource) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", s.Path, err)
	}
	return nil
}

// Canonical validates id and returns its lowercase dashed UUID form. The
// dashed 36-character form and the compact 32-hex-digit form are accepted;
// braces and urn prefixes are not.
func Canonical(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) != 36 && len(id) != 32 {
		return "", errs.New(errs.KindInvalidFormat, "machine id %q is not a UUID", id)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidFormat, err, "machine id %q is not a UUID", id)
	}
	return u.String(), nil
}
