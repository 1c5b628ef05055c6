// Package provider wraps the upstream identity provider: OIDC discovery,
// token verification and the backchannel HTTP surface (token endpoint,
// userinfo endpoint).
//
// Discovery metadata is cached and re-resolved once it grows older than the
// configured max age, so endpoint moves on the provider side are picked up
// without a restart. Signing keys live behind go-oidc's remote key set, which
// refetches on unknown kid, so key rotation needs no intervention either.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
)

// DefaultMetadataMaxAge is how long discovery metadata is served from cache
// before it is re-resolved from the issuer.
const DefaultMetadataMaxAge = 15 * time.Minute

// DiscoveryError reports a failed or malformed discovery fetch.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("oidc discovery for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Metadata is the subset of the provider's discovery document the relying
// party needs.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// Config configures a Provider.
type Config struct {
	// Issuer is the provider's issuer URL. Discovery is fetched from
	// {Issuer}/.well-known/openid-configuration.
	Issuer string

	// ClientID is this relying party's client identifier, used as the
	// expected audience when verifying tokens.
	ClientID string

	// HTTPClient carries all backchannel traffic. Defaults to a pooled
	// cleanhttp client.
	HTTPClient *http.Client

	// MetadataMaxAge bounds how long cached discovery metadata is trusted.
	// Defaults to DefaultMetadataMaxAge.
	MetadataMaxAge time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Provider resolves and caches the upstream provider's discovery document and
// hands out verifiers bound to its signing keys.
type Provider struct {
	issuer   string
	clientID string
	client   *http.Client
	maxAge   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	resolved  *oidc.Provider
	meta      Metadata
	fetchedAt time.Time
}

// New builds a Provider. No network traffic happens until the first call
// that needs discovery metadata.
func New(cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("provider: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("provider: client id is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	maxAge := cfg.MetadataMaxAge
	if maxAge <= 0 {
		maxAge = DefaultMetadataMaxAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		issuer:   cfg.Issuer,
		clientID: cfg.ClientID,
		client:   client,
		maxAge:   maxAge,
		now:      now,
	}, nil
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string { return p.issuer }

// Client returns the backchannel HTTP client.
func (p *Provider) Client() *http.Client { return p.client }

// Metadata returns the provider's discovery metadata, re-resolving it when
// the cached copy is older than the configured max age.
func (p *Provider) Metadata(ctx context.Context) (Metadata, error) {
	_, meta, err := p.resolve(ctx)
	return meta, err
}

// Verifier returns an ID token verifier bound to the provider's current
// signing keys with this client's ID as the expected audience.
func (p *Provider) Verifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	resolved, _, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return resolved.Verifier(&oidc.Config{
		ClientID:             p.clientID,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
	}), nil
}

// Userinfo fetches the userinfo endpoint with the given access token and
// returns the raw claims document.
func (p *Provider) Userinfo(ctx context.Context, accessToken string) (json.RawMessage, error) {
	_, meta, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if meta.UserinfoEndpoint == "" {
		return nil, errors.New("provider: no userinfo endpoint advertised")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	return json.RawMessage(body), nil
}

func (p *Provider) resolve(ctx context.Context) (*oidc.Provider, Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved != nil && p.now().Sub(p.fetchedAt) < p.maxAge {
		return p.resolved, p.meta, nil
	}

	resolved, err := oidc.NewProvider(oidc.ClientContext(ctx, p.client), p.issuer)
	if err != nil {
		// Serve the stale copy rather than failing hard when re-discovery
		// of an already-resolved provider hiccups.
		if p.resolved != nil {
			return p.resolved, p.meta, nil
		}
		return nil, Metadata{}, &DiscoveryError{Issuer: p.issuer, Err: err}
	}

	var meta Metadata
	if err := resolved.Claims(&meta); err != nil {
		return nil, Metadata{}, &DiscoveryError{Issuer: p.issuer, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	if meta.TokenEndpoint == "" {
		return nil, Metadata{}, &DiscoveryError{Issuer: p.issuer, Err: errors.New("metadata missing token_endpoint")}
	}

	p.resolved = resolved
	p.meta = meta
	p.fetchedAt = p.now()
	return p.resolved, p.meta, nil
}
