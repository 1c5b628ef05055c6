package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

// RefreshLookahead is how far before access-token expiry a refresh is due.
const RefreshLookahead = time.Minute

// ErrRefreshRejected means the provider refused the refresh grant or the
// response could not be trusted; the session must re-authenticate.
var ErrRefreshRejected = errors.New("token refresh rejected")

// ClaimsMapper folds raw provider claims (userinfo JSON) into a principal.
// Implementations append or overwrite claims on p.
type ClaimsMapper interface {
	Map(raw json.RawMessage, p *domain.Principal) error
}

// TokenRefreshService exchanges a refresh token for a new token set against
// the provider's live token endpoint and rewrites the stored session state.
type TokenRefreshService struct {
	Provider *provider.Provider
	Sessions store.SessionStore
	Tokens   store.TokenStore

	// Assertions authenticates the client with a signed assertion when
	// configured; otherwise ClientSecret is sent.
	Assertions   *ClientAssertionService
	ClientID     string
	ClientSecret string
	Scope        string

	// Mapper, when set, re-derives principal claims from userinfo after a
	// successful refresh.
	Mapper ClaimsMapper

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Due reports whether the access token expiring at expiresAt should be
// refreshed now.
func (s *TokenRefreshService) Due(expiresAt, now time.Time) bool {
	return !expiresAt.After(now.Add(RefreshLookahead))
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// Refresh exchanges the session's refresh token for a new token set, then
// replaces the stored token record and renews the session ticket. Any
// storage or network failure propagates so the caller treats the session as
// unauthenticated instead of serving a stale token.
func (s *TokenRefreshService) Refresh(ctx context.Context, sid string) error {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	l := slogx.FromContext(ctx)

	ticket, err := s.Sessions.Retrieve(ctx, sid)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	subject := ticket.Principal.Subject

	rec, err := s.Tokens.Get(ctx, subject)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if rec.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token stored", ErrRefreshRejected)
	}

	res, err := s.requestRefresh(ctx, rec.RefreshToken)
	if err != nil {
		return err
	}

	principal := ticket.Principal
	if res.IDToken != "" {
		if err := s.verifyIdentityToken(ctx, res.IDToken, subject); err != nil {
			return err
		}
	}
	if s.Mapper != nil {
		raw, err := s.Provider.Userinfo(ctx, res.AccessToken)
		if err != nil {
			return fmt.Errorf("refresh userinfo: %w", err)
		}
		if err := s.Mapper.Map(raw, &principal); err != nil {
			return fmt.Errorf("map claims: %w", err)
		}
	}

	expiresAt := now.Add(time.Duration(res.ExpiresIn) * time.Second).UTC()
	next := domain.TokenRecord{
		Subject:       subject,
		AccessToken:   res.AccessToken,
		TokenType:     res.TokenType,
		ExpiresAt:     expiresAt,
		Scope:         res.Scope,
		RefreshToken:  res.RefreshToken,
		IdentityToken: res.IDToken,
		ClientID:      s.ClientID,
		ProofKey:      rec.ProofKey,
	}
	// Providers that rotate refresh tokens only sometimes omit the new one;
	// the prior token stays valid then.
	if next.RefreshToken == "" {
		next.RefreshToken = rec.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = rec.Scope
	}

	if err := s.Tokens.Upsert(ctx, next); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}

	ticket.Principal = principal
	if ticket.Properties == nil {
		ticket.Properties = map[string]string{}
	}
	ticket.Properties[domain.PropIssuedAt] = now.UTC().Format(time.RFC3339)
	ticket.Properties[domain.PropExpiresAt] = expiresAt.Format(time.RFC3339)
	if err := s.Sessions.Renew(ctx, sid, ticket); err != nil {
		return fmt.Errorf("renew session: %w", err)
	}

	l.Info("token refresh completed",
		slog.String("sid", sid),
		slog.String("sub", subject),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

func (s *TokenRefreshService) requestRefresh(ctx context.Context, refreshToken string) (tokenEndpointResponse, error) {
	meta, err := s.Provider.Metadata(ctx)
	if err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("resolve token endpoint: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.ClientID)
	form.Set("refresh_token", refreshToken)
	if s.Scope != "" {
		form.Set("scope", s.Scope)
	}

	if s.Assertions.Configured() {
		assertion, err := s.Assertions.Issue()
		if err != nil {
			return tokenEndpointResponse{}, fmt.Errorf("issue client assertion: %w", err)
		}
		form.Set("client_assertion_type", assertion.Type)
		form.Set("client_assertion", assertion.Value)
	} else if s.ClientSecret != "" {
		form.Set("client_secret", s.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Provider.Client().Do(req)
	if err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tokenEndpointResponse{}, fmt.Errorf("%w: token endpoint returned %d", ErrRefreshRejected, resp.StatusCode)
	}

	var res tokenEndpointResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("%w: malformed token response: %w", ErrRefreshRejected, err)
	}
	if res.AccessToken == "" {
		return tokenEndpointResponse{}, fmt.Errorf("%w: token response has no access token", ErrRefreshRejected)
	}
	return res, nil
}

// verifyIdentityToken checks the refreshed ID token's signature and standard
// claims. No nonce exists for refresh responses, so none is required, and
// the subject must match the session's.
func (s *TokenRefreshService) verifyIdentityToken(ctx context.Context, rawIDToken, expectedSubject string) error {
	verifier, err := s.Provider.Verifier(ctx)
	if err != nil {
		return fmt.Errorf("resolve verifier: %w", err)
	}
	token, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return fmt.Errorf("%w: refreshed id token: %w", ErrRefreshRejected, err)
	}
	if expectedSubject != "" && token.Subject != expectedSubject {
		return fmt.Errorf("%w: refreshed id token subject changed", ErrRefreshRejected)
	}
	return nil
}
