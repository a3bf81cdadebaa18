package discovery

import (
	"log"
	"path/filepath"
)

// ScanResult holds the result of scanning all sources
type ScanResult struct {
	Credentials []Credential `json:"credentials"`
	Errors      []ScanError  `json:"errors,omitempty"`
}

// ScanError represents an error encountered during scanning
type ScanError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ScanAll scans all known sources for credentials
func ScanAll() *ScanResult {
	return Scan(Sources)
}

// ScanDir scans a single SSO cache directory.
func ScanDir(dir string) *ScanResult {
	return Scan([]Source{{
		Name:        "kiro-ide",
		Description: "Kiro IDE session cache",
		ConfigPaths: []string{filepath.Join(dir, KiroTokenFile)},
		Parser:      ParseKiroToken,
	}})
}

// Scan scans sources for credentials.
func Scan(sources []Source) *ScanResult {
	result := &ScanResult{
		Credentials: make([]Credential, 0),
		Errors:      make([]ScanError, 0),
	}

	for _, source := range sources {
		creds, errs := scanSource(source)
		result.Credentials = append(result.Credentials, creds...)
		result.Errors = append(result.Errors, errs...)
	}

	log.Printf("🔍 Discovery: Found %d credentials from %d sources", len(result.Credentials), len(sources))
	return result
}

// scanSource scans a single source for credentials
func scanSource(source Source) ([]Credential, []ScanError) {
	var credentials []Credential
	var errors []ScanError

	for _, pathPattern := range source.ConfigPaths {
		expanded := expandPath(pathPattern)

		matches, err := filepath.Glob(expanded)
		if err != nil {
			errors = append(errors, ScanError{
				Source: source.Name,
				Path:   expanded,
				Error:  "Glob error: " + err.Error(),
			})
			continue
		}

		for _, path := range matches {
			cred, err := source.Parser(path)
			if err != nil {
				errors = append(errors, ScanError{
					Source: source.Name,
					Path:   path,
					Error:  err.Error(),
				})
				continue
			}

			if cred != nil && (cred.Session.AccessToken != "" || cred.Session.RefreshToken != "") {
				log.Printf("🔍 Found credentials from %s: %s", source.Name, path)
				credentials = append(credentials, *cred)
			}
		}
	}

	return credentials, errors
}

// MaskToken returns a masked version of a token for display
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// MaskCredential returns a copy of the credential with masked tokens
func MaskCredential(cred Credential) Credential {
	masked := cred
	masked.Session.AccessToken = MaskToken(cred.Session.AccessToken)
	masked.Session.RefreshToken = MaskToken(cred.Session.RefreshToken)
	masked.Session.ClientSecret = MaskToken(cred.Session.ClientSecret)
	return masked
}
