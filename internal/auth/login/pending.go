package login

import (
	"context"
	"time"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

// Pending is the in-flight login handshake. Mutable fields are guarded by
// the owning State's lock.
type Pending struct {
	state   *State
	token   string
	kind    provider.Kind
	created time.Time
	done    chan struct{}

	expires      time.Time
	auth         *provider.Authorization
	status       Status
	account      *account.Account
	err          error
	cancelFinish context.CancelFunc
}

// CorrelationToken is the value echoed back in the provider callback.
func (p *Pending) CorrelationToken() string { return p.token }

// Provider is the provider kind being logged in to.
func (p *Pending) Provider() provider.Kind { return p.kind }

// CreatedAt is when Begin reserved the slot.
func (p *Pending) CreatedAt() time.Time { return p.created }

// Done is closed when the login reaches a terminal status.
func (p *Pending) Done() <-chan struct{} { return p.done }

// ExpiresAt is the absolute deadline for completing the login.
func (p *Pending) ExpiresAt() time.Time {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.expires
}

// Status returns the current lifecycle stage.
func (p *Pending) Status() Status {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if p.status == StatusPending && p.state.now().After(p.expires) {
		return StatusExpired
	}
	return p.status
}

// Authorization returns the provider handle, nil until Begin returns.
func (p *Pending) Authorization() *provider.Authorization {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.auth
}

// Info is a point-in-time view of a pending login for display.
type Info struct {
	Provider  provider.Kind `json:"provider"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	AuthURL   string        `json:"auth_url,omitempty"`
	UserCode  string        `json:"user_code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Info snapshots p.
func (p *Pending) Info() Info {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	info := Info{
		Provider:  p.kind,
		Status:    p.status,
		CreatedAt: p.created,
		ExpiresAt: p.expires,
	}
	if info.Status == StatusPending && p.state.now().After(p.expires) {
		info.Status = StatusExpired
	}
	if p.auth != nil {
		info.AuthURL = p.auth.AuthURL
		info.UserCode = p.auth.UserCode
	}
	if p.err != nil {
		info.Error = p.err.Error()
	}
	return info
}
