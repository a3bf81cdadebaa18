package provider

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"golang.org/x/oauth2"
)

const (
	// DefaultSocialEndpoint is the Kiro desktop auth portal.
	DefaultSocialEndpoint = "https://prod.us-east-1.auth.desktop.kiro.dev"
	// DefaultRedirectURI is the custom-scheme callback the IDE registers.
	DefaultRedirectURI = "kiro://kiro.kiroAgent/authenticate-success"

	socialService     = "KiroAuthService"
	socialLoginWindow = 10 * time.Minute
)

// SocialConfig configures the social login client.
type SocialConfig struct {
	Endpoint    string
	RedirectURI string
	ClientID    string
	HTTPClient  *http.Client
	Browser     BrowserOpener
	Prober      *Prober
	Now         func() time.Time
}

// Social implements the PKCE authorization-code flow against the Kiro auth
// portal. Code exchange and refresh are CBOR RPC calls.
type Social struct {
	cfg   SocialConfig
	oauth *oauth2.Config
	rpc   *rpcClient
}

// NewSocial creates a social login client.
func NewSocial(cfg SocialConfig) *Social {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSocialEndpoint
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kiro-accounts"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	return &Social{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Endpoint:    oauth2.Endpoint{AuthURL: endpoint + "/login"},
		},
		rpc: &rpcClient{
			baseURL:    endpoint,
			service:    socialService,
			httpClient: cfg.HTTPClient,
			provider:   KindSocial,
		},
	}
}

func (s *Social) Kind() Kind { return KindSocial }
func (s *Social) sealed()    {}

// Begin builds the authorization URL and opens it in the browser.
func (s *Social) Begin(ctx context.Context, state string, params Params) (*Authorization, error) {
	idp := params.IdP
	if idp == "" {
		idp = "Google"
	}
	redirect := s.cfg.RedirectURI
	if params.RedirectURI != "" {
		redirect = params.RedirectURI
	}
	verifier := oauth2.GenerateVerifier()
	authURL := s.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("idp", idp),
		oauth2.SetAuthURLParam("redirect_uri", redirect),
	)

	auth := &Authorization{
		Kind:         KindSocial,
		AuthURL:      authURL,
		ExpiresAt:    s.cfg.Now().Add(socialLoginWindow),
		state:        state,
		codeVerifier: verifier,
		redirectURI:  redirect,
	}
	log.Printf("[Provider:social] 🌐 Authorization started for %s", idp)
	openBrowser(s.cfg.Browser, KindSocial, authURL)
	return auth, nil
}

type createTokenRequest struct {
	Code         string `cbor:"code"`
	CodeVerifier string `cbor:"codeVerifier"`
	RedirectURI  string `cbor:"redirectUri"`
}

type refreshTokenRequest struct {
	RefreshToken string `cbor:"refreshToken"`
}

type socialTokenResponse struct {
	AccessToken  string `cbor:"accessToken"`
	RefreshToken string `cbor:"refreshToken"`
	ProfileARN   string `cbor:"profileArn"`
	ExpiresIn    int64  `cbor:"expiresIn"`
}

// Finish trades the authorization code in the callback URL for tokens.
func (s *Social) Finish(ctx context.Context, auth *Authorization, cb Callback) (*Result, error) {
	if cb.URL == nil {
		return nil, errs.New(errs.KindParse, "social login requires a callback URL")
	}
	q := cb.URL.Query()
	if e := q.Get("error"); e != "" {
		return nil, errs.Provider(string(KindSocial), false, nil, "authorization denied: %s %s", e, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return nil, errs.New(errs.KindParse, "callback has no authorization code")
	}

	var resp socialTokenResponse
	err := s.rpc.call(ctx, "CreateToken", createTokenRequest{
		Code:         code,
		CodeVerifier: auth.codeVerifier,
		RedirectURI:  auth.redirectURI,
	}, &resp)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(resp, Credentials{})
	if err != nil {
		return nil, err
	}

	result := &Result{Credentials: creds}
	if s.cfg.Prober != nil {
		// Profile lookup is best-effort; the tokens are already valid.
		if check, err := s.cfg.Prober.Probe(ctx, KindSocial, creds); err == nil {
			result.Profile = check.Profile
		} else {
			log.Printf("[Provider:social] ⚠️ Profile lookup failed: %v", err)
		}
	}
	return result, nil
}

// Refresh exchanges the refresh token for a new access token.
func (s *Social) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" {
		return Credentials{}, errs.Provider(string(KindSocial), false, ErrRevoked, "no refresh token")
	}
	var resp socialTokenResponse
	if err := s.rpc.call(ctx, "RefreshToken", refreshTokenRequest{RefreshToken: creds.RefreshToken}, &resp); err != nil {
		return Credentials{}, err
	}
	return s.credentials(resp, creds)
}

// Verify probes the token.
func (s *Social) Verify(ctx context.Context, creds Credentials) (Check, error) {
	if s.cfg.Prober == nil {
		return localCheck(creds, s.cfg.Now()), nil
	}
	return s.cfg.Prober.Probe(ctx, KindSocial, creds)
}

// credentials normalizes a token response, keeping fields from prev that
// the response omits (refresh token rotation is optional).
func (s *Social) credentials(resp socialTokenResponse, prev Credentials) (Credentials, error) {
	if resp.AccessToken == "" {
		return Credentials{}, errs.Provider(string(KindSocial), false,
			errs.New(errs.KindInvalidFormat, "token response has no access token"), "invalid token response")
	}
	out := prev
	out.AccessToken = resp.AccessToken
	out.AuthMethod = AuthMethodSocial
	if resp.RefreshToken != "" {
		out.RefreshToken = resp.RefreshToken
	}
	if resp.ProfileARN != "" {
		out.ProfileARN = resp.ProfileARN
	}
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	out.ExpiresAt = s.cfg.Now().Add(time.Duration(expiresIn) * time.Second)
	return out, nil
}

// localCheck classifies creds without a network call.
func localCheck(creds Credentials, now time.Time) Check {
	switch {
	case creds.AccessToken == "":
		return Check{Status: StatusInvalid}
	case !creds.ExpiresAt.IsZero() && now.After(creds.ExpiresAt):
		return Check{Status: StatusExpired}
	default:
		return Check{Status: StatusActive}
	}
}

func (s *Social) String() string {
	return fmt.Sprintf("social(%s)", s.cfg.Endpoint)
}
