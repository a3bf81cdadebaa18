package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

// KiroTokenFile is the session document the Kiro IDE keeps in the AWS SSO
// cache directory.
const KiroTokenFile = "kiro-auth-token.json"

// DefaultCacheDir is the AWS SSO cache directory.
const DefaultCacheDir = "~/.aws/sso/cache"

// Credential represents a discovered Kiro session
type Credential struct {
	Source     string           `json:"source"`
	Email      string           `json:"email,omitempty"`
	AuthMethod string           `json:"auth_method"`
	Provider   string           `json:"provider,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ConfigPath string           `json:"config_path"`
	Session    provider.Session `json:"session"`
}

// Source defines a configuration source to scan
type Source struct {
	Name        string
	Description string
	ConfigPaths []string // Possible config file paths (with ~ expansion)
	Parser      func(path string) (*Credential, error)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultTokenPath is where the IDE reads its active session.
func DefaultTokenPath() string {
	return filepath.Join(expandPath(DefaultCacheDir), KiroTokenFile)
}

// Sources defines all known credential sources
var Sources = []Source{
	{
		Name:        "kiro-ide",
		Description: "Kiro IDE session cache",
		ConfigPaths: []string{
			DefaultCacheDir + "/" + KiroTokenFile,
		},
		Parser: ParseKiroToken,
	},
}

// clientRegistration is the OIDC client file referenced by clientIdHash.
type clientRegistration struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// ParseKiroToken reads a session document. For Identity Center sessions the
// client registration stored next to it, named by clientIdHash, supplies the
// client id and secret.
func ParseKiroToken(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s provider.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed session document: %w", err)
	}
	if s.ClientIDHash != "" && s.ClientID == "" {
		reg, err := readRegistration(filepath.Join(filepath.Dir(path), s.ClientIDHash+".json"))
		if err != nil {
			return nil, fmt.Errorf("client registration %s: %w", s.ClientIDHash, err)
		}
		s.ClientID = reg.ClientID
		s.ClientSecret = reg.ClientSecret
	}

	cred := &Credential{
		Source:     "kiro-ide",
		AuthMethod: s.AuthMethod,
		Provider:   s.Provider,
		ConfigPath: path,
		Session:    s,
	}
	if s.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, s.ExpiresAt); err == nil {
			cred.ExpiresAt = t
		}
	}
	cred.Email = tokenEmail(s.AccessToken)
	return cred, nil
}

// tokenEmail reads the email claim of a JWT access token, if it is one.
func tokenEmail(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}

func readRegistration(path string) (clientRegistration, error) {
	var reg clientRegistration
	data, err := os.ReadFile(path)
	if err != nil {
		return reg, err
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, err
	}
	return reg, nil
}

// WriteKiroToken replaces the session document at path so the IDE picks up
// the account on its next start. The client secret stays in the
// registration file, which is written alongside when the session carries
// one.
func WriteKiroToken(path string, s provider.Session) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if s.ClientIDHash != "" && s.ClientID != "" {
		reg := clientRegistration{ClientID: s.ClientID, ClientSecret: s.ClientSecret}
		if err := writeJSON(filepath.Join(dir, s.ClientIDHash+".json"), reg); err != nil {
			return fmt.Errorf("writing client registration: %w", err)
		}
	}
	doc := s
	doc.ClientID = ""
	doc.ClientSecret = ""
	if err := writeJSON(path, doc); err != nil {
		return fmt.Errorf("writing session document: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
