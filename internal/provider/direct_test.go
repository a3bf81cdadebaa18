package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestNormalizeSessionDocument(t *testing.T) {
	d := NewDirectImport(DirectImportConfig{})
	raw := `{
		"accessToken": "aoa-1",
		"refreshToken": "aor-1",
		"expiresAt": "2026-05-01T10:00:00.000Z",
		"authMethod": "IdC",
		"provider": "BuilderId",
		"region": "us-east-1",
		"clientId": "cid",
		"clientSecret": "cs"
	}`
	creds, profile, err := d.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if creds.AccessToken != "aoa-1" || creds.RefreshToken != "aor-1" || creds.AuthMethod != AuthMethodIdC {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	want := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if !creds.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", creds.ExpiresAt, want)
	}
	if profile.DisplayName != "BuilderId account" {
		t.Fatalf("DisplayName = %q", profile.DisplayName)
	}
}

func TestNormalizeBareAndJWTTokens(t *testing.T) {
	d := NewDirectImport(DirectImportConfig{})

	creds, _, err := d.Normalize("  aoa-plain-token\n")
	if err != nil {
		t.Fatalf("normalize bare: %v", err)
	}
	if creds.AccessToken != "aoa-plain-token" || creds.AuthMethod != AuthMethodSocial || !creds.ExpiresAt.IsZero() {
		t.Fatalf("unexpected bare credentials %+v", creds)
	}

	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tok := signedJWT(t, jwt.MapClaims{"exp": exp.Unix(), "email": "jwt@example.com"})
	creds, profile, err := d.Normalize(tok)
	if err != nil {
		t.Fatalf("normalize jwt: %v", err)
	}
	if !creds.ExpiresAt.Equal(exp) || profile.Email != "jwt@example.com" {
		t.Fatalf("claims not read: %+v %+v", creds, profile)
	}
}

func TestNormalizeRejectsMalformedInput(t *testing.T) {
	d := NewDirectImport(DirectImportConfig{})
	for _, raw := range []string{
		"",
		"   ",
		"two words",
		`{"accessToken": `,
		`{"refreshToken": "only"}`,
		`{"accessToken": "a", "expiresAt": "yesterday"}`,
	} {
		if _, _, err := d.Normalize(raw); !errors.Is(err, errs.ErrInvalidFormat) {
			t.Errorf("Normalize(%q): expected invalid format, got %v", raw, err)
		}
	}
}

func TestDirectImportFinishVerifies(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"userInfo":{"email":"imported@example.com"}}`))
		}
	}))
	defer srv.Close()

	d := NewDirectImport(DirectImportConfig{Prober: &Prober{BaseURL: srv.URL}})
	auth, err := d.Begin(context.Background(), "st", Params{Token: "aoa-token"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := d.Finish(context.Background(), auth, Callback{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if res.Profile.Email != "imported@example.com" || res.Credentials.AccessToken != "aoa-token" {
		t.Fatalf("unexpected result %+v", res)
	}

	status = http.StatusUnauthorized
	auth, _ = d.Begin(context.Background(), "st", Params{Token: "aoa-token"})
	if _, err := d.Finish(context.Background(), auth, Callback{}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("rejected token should not import, got %v", err)
	}
}

func TestDirectImportBeginRejectsBadToken(t *testing.T) {
	d := NewDirectImport(DirectImportConfig{})
	if _, err := d.Begin(context.Background(), "st", Params{}); !errors.Is(err, errs.ErrInvalidFormat) {
		t.Fatalf("expected invalid format, got %v", err)
	}
}

func TestDirectImportRefreshDelegates(t *testing.T) {
	fake := &fakeOIDC{}
	d := NewDirectImport(DirectImportConfig{IdentityCenter: newTestIdC(fake)})

	out, err := d.Refresh(context.Background(), Credentials{
		AccessToken: "a", RefreshToken: "r", AuthMethod: AuthMethodIdC, ClientID: "c", ClientSecret: "s",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if out.AccessToken != "idc-access" {
		t.Fatalf("refresh not delegated to identity center: %+v", out)
	}

	if _, err := d.Refresh(context.Background(), Credentials{RefreshToken: "r"}); !errors.Is(err, errs.ErrProvider) {
		t.Fatalf("expected provider error without social client, got %v", err)
	}
}
