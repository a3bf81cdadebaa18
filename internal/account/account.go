// Package account is the durable multi-account credential store.
package account

import (
	"time"

	"github.com/pysugar/kiro-accounts/internal/db/models"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

// Account is a stored Kiro identity.
type Account struct {
	ID             string               `json:"id"`
	Provider       provider.Kind        `json:"provider"`
	DisplayName    string               `json:"display_name"`
	Email          string               `json:"email,omitempty"`
	Subscription   string               `json:"subscription,omitempty"`
	Credentials    provider.Credentials `json:"credentials"`
	BoundMachineID *string              `json:"bound_machine_id,omitempty"`
	Status         provider.Status      `json:"status"`
	LastVerifiedAt *time.Time           `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Patch lists the fields Update may change. Nil fields are left alone.
// Machine bindings change through BindMachine and UnbindMachine only.
type Patch struct {
	DisplayName  *string               `json:"display_name,omitempty"`
	Email        *string               `json:"email,omitempty"`
	Subscription *string               `json:"subscription,omitempty"`
	Credentials  *provider.Credentials `json:"credentials,omitempty"`
	Status       *provider.Status      `json:"status,omitempty"`
}

func (p Patch) apply(a Account) Account {
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.Subscription != nil {
		a.Subscription = *p.Subscription
	}
	if p.Credentials != nil {
		a.Credentials = *p.Credentials
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	return a
}

// validate checks the invariants every stored account satisfies.
func (a Account) validate() error {
	switch a.Provider {
	case provider.KindSocial, provider.KindIdentityCenter, provider.KindDirectImport:
	default:
		return errs.New(errs.KindInvalidFormat, "unknown provider %q", a.Provider)
	}
	switch a.Status {
	case provider.StatusActive:
		if a.Credentials.AccessToken == "" {
			return errs.New(errs.KindInvalidFormat, "active account %s has no access token", a.ID)
		}
	case provider.StatusExpired, provider.StatusInvalid:
	default:
		return errs.New(errs.KindInvalidFormat, "unknown status %q", a.Status)
	}
	return nil
}

// Redacted returns a copy with every secret blanked.
func (a Account) Redacted() Account {
	a.Credentials.AccessToken = ""
	a.Credentials.RefreshToken = ""
	a.Credentials.ClientSecret = ""
	if a.Status == provider.StatusActive {
		a.Status = provider.StatusInvalid
	}
	return a
}

func toModel(a Account) models.Account {
	c := a.Credentials
	return models.Account{
		ID:             a.ID,
		Provider:       string(a.Provider),
		DisplayName:    a.DisplayName,
		Email:          a.Email,
		Subscription:   a.Subscription,
		AccessToken:    c.AccessToken,
		RefreshToken:   c.RefreshToken,
		ExpiresAt:      c.ExpiresAt,
		AuthMethod:     c.AuthMethod,
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		Region:         c.Region,
		StartURL:       c.StartURL,
		ProfileARN:     c.ProfileARN,
		BoundMachineID: a.BoundMachineID,
		Status:         string(a.Status),
		LastVerifiedAt: a.LastVerifiedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func fromModel(m models.Account) Account {
	return Account{
		ID:           m.ID,
		Provider:     provider.Kind(m.Provider),
		DisplayName:  m.DisplayName,
		Email:        m.Email,
		Subscription: m.Subscription,
		Credentials: provider.Credentials{
			AccessToken:  m.AccessToken,
			RefreshToken: m.RefreshToken,
			ExpiresAt:    m.ExpiresAt,
			AuthMethod:   m.AuthMethod,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			Region:       m.Region,
			StartURL:     m.StartURL,
			ProfileARN:   m.ProfileARN,
		},
		BoundMachineID: m.BoundMachineID,
		Status:         provider.Status(m.Status),
		LastVerifiedAt: m.LastVerifiedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// credentialColumns are the only columns Refresh writes.
var credentialColumns = []string{
	"access_token", "refresh_token", "expires_at", "auth_method",
	"client_id", "client_secret", "region", "start_url", "profile_arn", "updated_at",
}

// profileColumns are the columns Update and Import write.
var profileColumns = append([]string{"display_name", "email", "subscription", "status", "last_verified_at"}, credentialColumns...)
