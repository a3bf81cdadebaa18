package provider

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

// Session is the session document the Kiro IDE keeps in its SSO cache
// (kiro-auth-token.json). ClientID and ClientSecret come from the client
// registration file referenced by ClientIDHash.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
	StartURL     string `json:"startUrl,omitempty"`
	ClientIDHash string `json:"clientIdHash,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// DirectImportConfig configures the direct-import client.
type DirectImportConfig struct {
	Social         *Social
	IdentityCenter *IdentityCenter
	Prober         *Prober
	Now            func() time.Time
}

// DirectImport accepts tokens issued elsewhere. There is no interactive
// step; Begin validates and normalizes, Finish hands the result back.
type DirectImport struct {
	cfg DirectImportConfig
}

// NewDirectImport creates a direct-import client.
func NewDirectImport(cfg DirectImportConfig) *DirectImport {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DirectImport{cfg: cfg}
}

func (d *DirectImport) Kind() Kind { return KindDirectImport }
func (d *DirectImport) sealed()    {}

// Begin parses params.Token. It fails with InvalidFormat when the token
// cannot be normalized.
func (d *DirectImport) Begin(ctx context.Context, state string, params Params) (*Authorization, error) {
	creds, profile, err := d.Normalize(params.Token)
	if err != nil {
		return nil, err
	}
	return &Authorization{
		Kind:      KindDirectImport,
		ExpiresAt: d.cfg.Now().Add(socialLoginWindow),
		state:     state,
		imported:  &Result{Credentials: creds, Profile: profile},
	}, nil
}

// Finish verifies the imported credentials and returns them. Tokens the
// provider rejects are not accepted.
func (d *DirectImport) Finish(ctx context.Context, auth *Authorization, _ Callback) (*Result, error) {
	if auth == nil || auth.imported == nil {
		return nil, errs.New(errs.KindInvalidFormat, "no imported token")
	}
	result := *auth.imported
	check, err := d.Verify(ctx, result.Credentials)
	if err != nil {
		return nil, err
	}
	if check.Status != StatusActive {
		return nil, errs.Provider(string(KindDirectImport), false, ErrRevoked, "imported token is %s", check.Status)
	}
	if result.Profile.Email == "" {
		result.Profile.Email = check.Profile.Email
	}
	if result.Profile.DisplayName == "" {
		result.Profile.DisplayName = check.Profile.DisplayName
	}
	if result.Profile.Subscription == "" {
		result.Profile.Subscription = check.Profile.Subscription
	}
	if result.Profile.UserID == "" {
		result.Profile.UserID = check.Profile.UserID
	}
	return &result, nil
}

// Refresh delegates to the provider that originally issued the token.
func (d *DirectImport) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.AuthMethod == AuthMethodIdC {
		if d.cfg.IdentityCenter == nil {
			return Credentials{}, errs.Provider(string(KindDirectImport), false, nil, "identity center client not configured")
		}
		return d.cfg.IdentityCenter.Refresh(ctx, creds)
	}
	if d.cfg.Social == nil {
		return Credentials{}, errs.Provider(string(KindDirectImport), false, nil, "social client not configured")
	}
	return d.cfg.Social.Refresh(ctx, creds)
}

// Verify probes the token.
func (d *DirectImport) Verify(ctx context.Context, creds Credentials) (Check, error) {
	if d.cfg.Prober == nil {
		return localCheck(creds, d.cfg.Now()), nil
	}
	return d.cfg.Prober.Probe(ctx, KindDirectImport, creds)
}

// Normalize turns a session document or a bare token into credentials.
func (d *DirectImport) Normalize(raw string) (Credentials, Profile, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credentials{}, Profile{}, errs.New(errs.KindInvalidFormat, "empty token")
	}

	if strings.HasPrefix(raw, "{") {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Credentials{}, Profile{}, errs.Wrap(errs.KindInvalidFormat, err, "malformed session document")
		}
		return d.fromSession(s)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return Credentials{}, Profile{}, errs.New(errs.KindInvalidFormat, "token contains whitespace")
	}
	creds := Credentials{AccessToken: raw, AuthMethod: AuthMethodSocial}
	profile := Profile{}
	if exp, email, ok := jwtClaims(raw); ok {
		creds.ExpiresAt = exp
		profile.Email = email
		profile.DisplayName = email
	}
	return creds, profile, nil
}

// FromSession normalizes an already-decoded session document.
func (d *DirectImport) FromSession(s Session) (Credentials, Profile, error) {
	return d.fromSession(s)
}

func (d *DirectImport) fromSession(s Session) (Credentials, Profile, error) {
	if strings.TrimSpace(s.AccessToken) == "" {
		return Credentials{}, Profile{}, errs.New(errs.KindInvalidFormat, "session has no access token")
	}
	creds := Credentials{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		AuthMethod:   AuthMethodSocial,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Region:       s.Region,
		StartURL:     s.StartURL,
		ProfileARN:   s.ProfileARN,
	}
	if strings.EqualFold(s.AuthMethod, AuthMethodIdC) {
		creds.AuthMethod = AuthMethodIdC
	}
	if s.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339Nano, s.ExpiresAt)
		if err != nil {
			return Credentials{}, Profile{}, errs.Wrap(errs.KindInvalidFormat, err, "session expiresAt")
		}
		creds.ExpiresAt = t
	} else if exp, _, ok := jwtClaims(s.AccessToken); ok {
		creds.ExpiresAt = exp
	}
	profile := Profile{}
	if s.Provider != "" {
		profile.DisplayName = s.Provider + " account"
	}
	return creds, profile, nil
}

// jwtClaims reads exp and email from a JWT without verifying it; the
// provider verifies the token when it is probed.
func jwtClaims(token string) (time.Time, string, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Printf("[Provider:import] token looks like a JWT but does not parse: %v", err)
		return time.Time{}, "", false
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	email, _ := claims["email"].(string)
	return exp, email, true
}
