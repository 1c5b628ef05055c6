package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

// BackchannelLogoutEvent is the event key a logout token must carry
// (OIDC Back-Channel Logout 1.0, section 2.4).
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// Rejection reasons for backchannel logout tokens. Every one of these means
// the token is refused and no session state changes.
var (
	ErrLogoutTokenInvalid    = errors.New("logout token failed verification")
	ErrLogoutNonceForbidden  = errors.New("logout token carries a nonce claim")
	ErrLogoutSubjectMissing  = errors.New("logout token has no sub claim")
	ErrLogoutEventsMissing   = errors.New("logout token has no events claim")
	ErrLogoutEventsMalformed = errors.New("logout token events claim is not a JSON object")
	ErrLogoutEventMissing    = errors.New("logout token events claim lacks the backchannel-logout event")
)

// LogoutClaims is the validated content of an accepted logout token.
type LogoutClaims struct {
	Subject   string
	SessionID string
}

// BackchannelLogoutService validates provider-initiated logout tokens and
// terminates the sessions they name.
type BackchannelLogoutService struct {
	Provider *provider.Provider
	Sessions store.SessionStore
	Tokens   store.TokenStore
}

// logoutTokenClaims is the raw claim shape pulled out of a verified token.
// Nonce is a pointer so presence is distinguishable from an empty value.
type logoutTokenClaims struct {
	Subject   string          `json:"sub"`
	SessionID string          `json:"sid"`
	Nonce     *string         `json:"nonce"`
	Events    json.RawMessage `json:"events"`
}

// Validate runs the full validation chain over a raw logout token. Any
// failure anywhere in the chain rejects the token; there is no partial
// accept.
func (s *BackchannelLogoutService) Validate(ctx context.Context, rawToken string) (LogoutClaims, error) {
	verifier, err := s.Provider.Verifier(ctx)
	if err != nil {
		return LogoutClaims{}, fmt.Errorf("%w: %w", ErrLogoutTokenInvalid, err)
	}

	// Signature, issuer, audience and expiry all checked here against the
	// provider's live key set.
	token, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return LogoutClaims{}, fmt.Errorf("%w: %w", ErrLogoutTokenInvalid, err)
	}

	var claims logoutTokenClaims
	if err := token.Claims(&claims); err != nil {
		return LogoutClaims{}, fmt.Errorf("%w: %w", ErrLogoutTokenInvalid, err)
	}

	if claims.Nonce != nil {
		return LogoutClaims{}, ErrLogoutNonceForbidden
	}
	if claims.Subject == "" {
		return LogoutClaims{}, ErrLogoutSubjectMissing
	}
	if len(claims.Events) == 0 {
		return LogoutClaims{}, ErrLogoutEventsMissing
	}

	var events map[string]json.RawMessage
	if err := json.Unmarshal(claims.Events, &events); err != nil {
		return LogoutClaims{}, ErrLogoutEventsMalformed
	}
	if _, ok := events[BackchannelLogoutEvent]; !ok {
		return LogoutClaims{}, ErrLogoutEventMissing
	}

	return LogoutClaims{Subject: claims.Subject, SessionID: claims.SessionID}, nil
}

// Logout validates the token and, on accept, removes the named session and
// the subject's stored tokens. Removal of an already-absent session is not
// an error.
func (s *BackchannelLogoutService) Logout(ctx context.Context, rawToken string) (LogoutClaims, error) {
	claims, err := s.Validate(ctx, rawToken)
	if err != nil {
		return LogoutClaims{}, err
	}

	l := slogx.FromContext(ctx)

	if claims.SessionID != "" {
		if err := s.Sessions.Remove(ctx, claims.SessionID); err != nil {
			return LogoutClaims{}, fmt.Errorf("remove session: %w", err)
		}
	}
	if err := s.Tokens.Delete(ctx, claims.Subject); err != nil {
		return LogoutClaims{}, fmt.Errorf("delete tokens: %w", err)
	}

	l.Info("backchannel logout processed",
		slog.String("sub", claims.Subject),
		slog.String("sid", claims.SessionID),
	)
	return claims, nil
}
