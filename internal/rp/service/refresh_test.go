package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/provider/providertest"
	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/internal/rp/store/memory"
)

type refreshFixture struct {
	idp      *providertest.Server
	sessions *memory.SessionStore
	tokens   *memory.TokenStore
	svc      *service.TokenRefreshService
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()

	idp := providertest.Start(t)
	idp.SetIDTokenClaims(jwt.MapClaims{"sub": "u1"})

	p, err := provider.New(provider.Config{Issuer: idp.URL(), ClientID: idp.ClientID()})
	require.NoError(t, err)

	sessions := memory.NewSessionStore()
	tokens := memory.NewTokenStore()
	return &refreshFixture{
		idp:      idp,
		sessions: sessions,
		tokens:   tokens,
		svc: &service.TokenRefreshService{
			Provider:     p,
			Sessions:     sessions,
			Tokens:       tokens,
			ClientID:     idp.ClientID(),
			ClientSecret: "s3cret",
			Scope:        "openid profile",
		},
	}
}

func (f *refreshFixture) seed(t *testing.T, rec domain.TokenRecord) {
	t.Helper()
	ctx := context.Background()

	_, err := f.sessions.Create(ctx, domain.SessionTicket{
		SID:        "sid-1",
		Principal:  domain.Principal{Subject: rec.Subject},
		Properties: map[string]string{},
		AuthScheme: "oidc",
	})
	require.NoError(t, err)
	require.NoError(t, f.tokens.Upsert(ctx, rec))
}

func TestDue(t *testing.T) {
	svc := &service.TokenRefreshService{}
	now := time.Now()

	require.False(t, svc.Due(now.Add(5*time.Minute), now))
	require.True(t, svc.Due(now.Add(30*time.Second), now))
	require.True(t, svc.Due(now.Add(-time.Second), now))
	require.True(t, svc.Due(now.Add(time.Minute), now))
}

func TestRefreshReplacesTokenSet(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)
	f.seed(t, domain.TokenRecord{
		Subject:      "u1",
		AccessToken:  "at-old",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(30 * time.Second),
		RefreshToken: "rt-old",
		ClientID:     f.idp.ClientID(),
		ProofKey:     "jkt-1",
	})

	require.NoError(t, f.svc.Refresh(ctx, "sid-1"))

	got, err := f.tokens.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, "at-old", got.AccessToken)
	require.NotEqual(t, "rt-old", got.RefreshToken)
	require.NotEmpty(t, got.IdentityToken)
	require.Equal(t, "jkt-1", got.ProofKey, "proof key survives the refresh")
	require.True(t, got.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	form := f.idp.LastTokenRequest()
	require.Equal(t, "refresh_token", form.Get("grant_type"))
	require.Equal(t, "rt-old", form.Get("refresh_token"))
	require.Equal(t, "s3cret", form.Get("client_secret"))
	require.Equal(t, "openid profile", form.Get("scope"))

	ticket, err := f.sessions.Retrieve(ctx, "sid-1")
	require.NoError(t, err)
	require.NotEmpty(t, ticket.Properties[domain.PropExpiresAt])
	require.NotEmpty(t, ticket.Properties[domain.PropIssuedAt])
}

func TestRefreshWithClientAssertion(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)
	f.svc.Assertions = newAssertionService(t)
	f.svc.Assertions.ClientID = f.idp.ClientID()
	f.seed(t, domain.TokenRecord{
		Subject:      "u1",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now(),
		RefreshToken: "rt-old",
	})

	require.NoError(t, f.svc.Refresh(ctx, "sid-1"))

	form := f.idp.LastTokenRequest()
	require.Equal(t, service.AssertionType, form.Get("client_assertion_type"))
	require.NotEmpty(t, form.Get("client_assertion"))
	require.Empty(t, form.Get("client_secret"), "assertion auth replaces the shared secret")
}

func TestRefreshRejectedByProvider(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)
	f.idp.SetTokenError(http.StatusBadRequest, "invalid_grant")
	f.seed(t, domain.TokenRecord{
		Subject:      "u1",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now(),
		RefreshToken: "rt-old",
	})

	err := f.svc.Refresh(ctx, "sid-1")
	require.ErrorIs(t, err, service.ErrRefreshRejected)

	// A rejected refresh leaves the stored record untouched.
	got, err := f.tokens.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "at-old", got.AccessToken)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := newRefreshFixture(t)
	f.seed(t, domain.TokenRecord{
		Subject:     "u1",
		AccessToken: "at-old",
		ExpiresAt:   time.Now(),
	})

	err := f.svc.Refresh(context.Background(), "sid-1")
	require.ErrorIs(t, err, service.ErrRefreshRejected)
}

func TestRefreshUnknownSession(t *testing.T) {
	f := newRefreshFixture(t)

	err := f.svc.Refresh(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshSubjectChangeRejected(t *testing.T) {
	f := newRefreshFixture(t)
	f.idp.SetIDTokenClaims(jwt.MapClaims{"sub": "someone-else"})
	f.seed(t, domain.TokenRecord{
		Subject:      "u1",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now(),
		RefreshToken: "rt-old",
	})

	err := f.svc.Refresh(context.Background(), "sid-1")
	require.ErrorIs(t, err, service.ErrRefreshRejected)
}

type staticMapper struct{}

func (staticMapper) Map(raw json.RawMessage, p *domain.Principal) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if p.Claims == nil {
		p.Claims = map[string]any{}
	}
	for k, v := range doc {
		p.Claims[k] = v
	}
	return nil
}

func TestRefreshRunsClaimsMapper(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)
	f.svc.Mapper = staticMapper{}
	f.idp.SetUserinfo(map[string]any{"sub": "u1", "email": "alice@example.com"})
	f.seed(t, domain.TokenRecord{
		Subject:      "u1",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now(),
		RefreshToken: "rt-old",
	})

	require.NoError(t, f.svc.Refresh(ctx, "sid-1"))

	ticket, err := f.sessions.Retrieve(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", ticket.Principal.Claims["email"])
}
