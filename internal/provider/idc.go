package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

const (
	// DefaultStartURL is the AWS Builder ID portal.
	DefaultStartURL = "https://view.awsapps.com/start"
	DefaultRegion   = "us-east-1"

	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrantType = "refresh_token"
)

// Scopes requested for Identity Center clients.
var idcScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// OIDCAPI is the subset of the SSO OIDC client used by IdentityCenter.
type OIDCAPI interface {
	RegisterClient(ctx context.Context, in *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, in *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, in *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// OIDCFactory returns an OIDC client for a region.
type OIDCFactory func(ctx context.Context, region string) (OIDCAPI, error)

// NewAWSOIDC builds an unsigned SSO OIDC client; the device flow needs no
// AWS credentials.
func NewAWSOIDC(ctx context.Context, region string) (OIDCAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssooidc.NewFromConfig(cfg), nil
}

// IdentityCenterConfig configures the Identity Center client.
type IdentityCenterConfig struct {
	StartURL     string
	Region       string
	ClientName   string
	NewOIDC      OIDCFactory
	MaxWait      time.Duration
	PollInterval time.Duration
	Browser      BrowserOpener
	Prober       *Prober
	Now          func() time.Time
}

// IdentityCenter implements the AWS SSO OIDC device authorization flow.
type IdentityCenter struct {
	cfg IdentityCenterConfig
}

// NewIdentityCenter creates an Identity Center client.
func NewIdentityCenter(cfg IdentityCenterConfig) *IdentityCenter {
	if cfg.StartURL == "" {
		cfg.StartURL = DefaultStartURL
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "kiro-accounts"
	}
	if cfg.NewOIDC == nil {
		cfg.NewOIDC = NewAWSOIDC
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &IdentityCenter{cfg: cfg}
}

func (c *IdentityCenter) Kind() Kind { return KindIdentityCenter }
func (c *IdentityCenter) sealed()    {}

// Begin registers a public client and starts device authorization.
func (c *IdentityCenter) Begin(ctx context.Context, state string, params Params) (*Authorization, error) {
	region := firstNonEmpty(params.Region, c.cfg.Region)
	startURL := firstNonEmpty(params.StartURL, c.cfg.StartURL)

	api, err := c.cfg.NewOIDC(ctx, region)
	if err != nil {
		return nil, errs.Provider(string(KindIdentityCenter), true, err, "create oidc client")
	}
	reg, err := api.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(c.cfg.ClientName),
		ClientType: aws.String("public"),
		Scopes:     idcScopes,
	})
	if err != nil {
		return nil, oidcError("register client", err)
	}
	dev, err := api.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     reg.ClientId,
		ClientSecret: reg.ClientSecret,
		StartUrl:     aws.String(startURL),
	})
	if err != nil {
		return nil, oidcError("start device authorization", err)
	}

	interval := time.Duration(dev.Interval) * time.Second
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	wait := time.Duration(dev.ExpiresIn) * time.Second
	if wait <= 0 || wait > c.cfg.MaxWait {
		wait = c.cfg.MaxWait
	}
	verifyURL := aws.ToString(dev.VerificationUriComplete)
	if verifyURL == "" {
		verifyURL = aws.ToString(dev.VerificationUri)
	}

	auth := &Authorization{
		Kind:         KindIdentityCenter,
		AuthURL:      verifyURL,
		UserCode:     aws.ToString(dev.UserCode),
		ExpiresAt:    c.cfg.Now().Add(wait),
		state:        state,
		deviceCode:   aws.ToString(dev.DeviceCode),
		interval:     interval,
		clientID:     aws.ToString(reg.ClientId),
		clientSecret: aws.ToString(reg.ClientSecret),
		region:       region,
		startURL:     startURL,
	}
	log.Printf("[Provider:idc] 🔐 Device authorization started (code %s, region %s)", auth.UserCode, region)
	openBrowser(c.cfg.Browser, KindIdentityCenter, verifyURL)
	return auth, nil
}

// Finish polls CreateToken until the user approves, denies, or the device
// code lifetime runs out.
func (c *IdentityCenter) Finish(ctx context.Context, auth *Authorization, _ Callback) (*Result, error) {
	if auth == nil || auth.deviceCode == "" {
		return nil, errs.New(errs.KindInvalidFormat, "authorization has no device code")
	}
	api, err := c.cfg.NewOIDC(ctx, auth.region)
	if err != nil {
		return nil, errs.Provider(string(KindIdentityCenter), true, err, "create oidc client")
	}

	ctx, cancel := context.WithDeadline(ctx, auth.ExpiresAt)
	defer cancel()

	interval := auth.interval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errs.New(errs.KindExpired, "device authorization was not approved in time")
			}
			return nil, ctx.Err()
		case <-timer.C:
		}

		out, err := api.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     aws.String(auth.clientID),
			ClientSecret: aws.String(auth.clientSecret),
			GrantType:    aws.String(deviceGrantType),
			DeviceCode:   aws.String(auth.deviceCode),
		})
		var pending *types.AuthorizationPendingException
		var slowDown *types.SlowDownException
		switch {
		case err == nil:
			creds, cerr := c.credentials(out, Credentials{
				AuthMethod:   AuthMethodIdC,
				ClientID:     auth.clientID,
				ClientSecret: auth.clientSecret,
				Region:       auth.region,
				StartURL:     auth.startURL,
			})
			if cerr != nil {
				return nil, cerr
			}
			result := &Result{Credentials: creds}
			if c.cfg.Prober != nil {
				if check, perr := c.cfg.Prober.Probe(ctx, KindIdentityCenter, creds); perr == nil {
					result.Profile = check.Profile
				} else {
					log.Printf("[Provider:idc] ⚠️ Profile lookup failed: %v", perr)
				}
			}
			return result, nil
		case errors.As(err, &pending):
		case errors.As(err, &slowDown):
			interval += 5 * time.Second
		default:
			if ctx.Err() != nil {
				continue
			}
			return nil, oidcError("create token", err)
		}
		timer.Reset(interval)
	}
}

// Refresh uses the refresh_token grant with the stored client registration.
func (c *IdentityCenter) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return Credentials{}, errs.Provider(string(KindIdentityCenter), false, ErrRevoked, "missing refresh token or client registration")
	}
	api, err := c.cfg.NewOIDC(ctx, firstNonEmpty(creds.Region, c.cfg.Region))
	if err != nil {
		return Credentials{}, errs.Provider(string(KindIdentityCenter), true, err, "create oidc client")
	}
	out, err := api.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(creds.ClientID),
		ClientSecret: aws.String(creds.ClientSecret),
		GrantType:    aws.String(refreshGrantType),
		RefreshToken: aws.String(creds.RefreshToken),
	})
	if err != nil {
		return Credentials{}, oidcError("refresh token", err)
	}
	return c.credentials(out, creds)
}

// Verify probes the token.
func (c *IdentityCenter) Verify(ctx context.Context, creds Credentials) (Check, error) {
	if c.cfg.Prober == nil {
		return localCheck(creds, c.cfg.Now()), nil
	}
	return c.cfg.Prober.Probe(ctx, KindIdentityCenter, creds)
}

func (c *IdentityCenter) credentials(out *ssooidc.CreateTokenOutput, prev Credentials) (Credentials, error) {
	if out == nil || aws.ToString(out.AccessToken) == "" {
		return Credentials{}, errs.Provider(string(KindIdentityCenter), false,
			errs.New(errs.KindInvalidFormat, "token response has no access token"), "invalid token response")
	}
	creds := prev
	creds.AccessToken = aws.ToString(out.AccessToken)
	if rt := aws.ToString(out.RefreshToken); rt != "" {
		creds.RefreshToken = rt
	}
	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	creds.ExpiresAt = c.cfg.Now().Add(expiresIn)
	creds.AuthMethod = AuthMethodIdC
	return creds, nil
}

// oidcError maps SSO OIDC exceptions onto provider errors.
func oidcError(op string, err error) error {
	var (
		denied      *types.AccessDeniedException
		expired     *types.ExpiredTokenException
		grant       *types.InvalidGrantException
		client      *types.InvalidClientException
		unavailable *types.InternalServerException
	)
	provider := string(KindIdentityCenter)
	switch {
	case errors.As(err, &expired):
		return errs.Wrap(errs.KindExpired, err, "%s: device code expired", op)
	case errors.As(err, &denied):
		return errs.Provider(provider, false, errors.Join(ErrRevoked, err), "%s: access denied", op)
	case errors.As(err, &grant), errors.As(err, &client):
		return errs.Provider(provider, false, errors.Join(ErrRevoked, err), "%s: grant rejected", op)
	case errors.As(err, &unavailable):
		return errs.Provider(provider, true, err, "%s: service error", op)
	}
	return errs.Provider(provider, true, err, "%s failed", op)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
