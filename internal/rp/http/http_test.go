package http_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	rphttp "github.com/wickhamlabs/authgate/internal/rp/http"
	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/provider/providertest"
	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/internal/rp/store/memory"
	"github.com/wickhamlabs/authgate/pkg/cryptox"
	"github.com/wickhamlabs/authgate/pkg/jwtx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

type fixture struct {
	idp      *providertest.Server
	router   *rphttp.Router
	sessions *memory.SessionStore
	tokens   *memory.TokenStore
}

func newFixture(t *testing.T, configure func(*fixture)) *fixture {
	t.Helper()

	idp := providertest.Start(t)
	p, err := provider.New(provider.Config{Issuer: idp.URL(), ClientID: idp.ClientID()})
	require.NoError(t, err)

	sessions := memory.NewSessionStore()
	tokens := memory.NewTokenStore()

	logger := slogx.New(slogx.Config{Service: "authgate-test", Format: "text", Level: "error"})
	router := rphttp.NewRouter("test", logger)
	router.Provider = p
	router.Sessions = sessions
	router.Tokens = tokens
	router.AssertionService = &service.ClientAssertionService{ClientID: idp.ClientID()}
	router.LogoutService = &service.BackchannelLogoutService{
		Provider: p,
		Sessions: sessions,
		Tokens:   tokens,
	}
	router.RefreshService = &service.TokenRefreshService{
		Provider:     p,
		Sessions:     sessions,
		Tokens:       tokens,
		ClientID:     idp.ClientID(),
		ClientSecret: "s3cret",
	}
	router.Login = &rphttp.LoginHandler{
		Provider:    p,
		Sessions:    sessions,
		Tokens:      tokens,
		ClientID:    idp.ClientID(),
		RedirectURL: "http://rp.example.com/callback",
	}

	f := &fixture{idp: idp, router: router, sessions: sessions, tokens: tokens}
	if configure != nil {
		configure(f)
	}
	router.ApplyRoutes()
	return f
}

func (f *fixture) seedSession(t *testing.T, sid, sub string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()

	_, err := f.sessions.Create(ctx, domain.SessionTicket{
		SID:        sid,
		Principal:  domain.Principal{Subject: sub, Name: "Alice"},
		Properties: map[string]string{},
		AuthScheme: "oidc",
	})
	require.NoError(t, err)
	require.NoError(t, f.tokens.Upsert(ctx, domain.TokenRecord{
		Subject:      sub,
		AccessToken:  "at-1",
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		RefreshToken: "rt-1",
		ClientID:     f.idp.ClientID(),
	}))
}

func logoutToken(t *testing.T, idp *providertest.Server, mutate func(jwt.MapClaims)) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": idp.URL(),
		"aud": idp.ClientID(),
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"sub": "u1",
		"sid": "sid-1",
		"events": map[string]any{
			service.BackchannelLogoutEvent: map[string]any{},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	return idp.Sign(claims)
}

func postLogoutToken(f *fixture, token string) *httptest.ResponseRecorder {
	form := url.Values{"logout_token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/signout-backchannel-oidc", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestBackchannelLogoutEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSession(t, "sid-1", "u1", time.Now().Add(time.Hour))

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/signout-backchannel-oidc", nil)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejected token leaves session", func(t *testing.T) {
		rec := postLogoutToken(f, logoutToken(t, f.idp, func(c jwt.MapClaims) {
			c["nonce"] = "n"
		}))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		_, err := f.sessions.Retrieve(context.Background(), "sid-1")
		require.NoError(t, err)
	})

	t.Run("accepted token removes session", func(t *testing.T) {
		rec := postLogoutToken(f, logoutToken(t, f.idp, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		_, err := f.sessions.Retrieve(context.Background(), "sid-1")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = f.tokens.Get(context.Background(), "u1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJWKSEndpoint(t *testing.T) {
	t.Run("not routed without a key", func(t *testing.T) {
		f := newFixture(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("serves the key set", func(t *testing.T) {
		keyPEM, certPEM, err := cryptox.GenerateES256KeyPair("authgate-test", time.Hour)
		require.NoError(t, err)
		signer, err := jwtx.NewAssertionSigner(keyPEM, certPEM)
		require.NoError(t, err)

		f := newFixture(t, func(f *fixture) {
			f.router.AssertionService.Signer = signer
		})

		req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var jwks jwtx.JWKS
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
		require.Len(t, jwks.Keys, 1)
		require.Equal(t, "P-256", jwks.Keys[0].Crv)
	})
}

func TestSessionEndpoint(t *testing.T) {
	t.Run("no cookie", func(t *testing.T) {
		f := newFixture(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/session", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("fresh token served as-is", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seedSession(t, "sid-1", "u1", time.Now().Add(time.Hour))

		req := httptest.NewRequest(http.MethodGet, "/session", nil)
		req.AddCookie(&http.Cookie{Name: "authgate_sid", Value: "sid-1"})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Subject string `json:"sub"`
			Name    string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "u1", body.Subject)
		require.Equal(t, "Alice", body.Name)
		require.Nil(t, f.idp.LastTokenRequest(), "no refresh for a fresh token")
	})

	t.Run("near-expiry token triggers refresh", func(t *testing.T) {
		f := newFixture(t, nil)
		f.idp.SetIDTokenClaims(jwt.MapClaims{"sub": "u1"})
		f.seedSession(t, "sid-1", "u1", time.Now().Add(30*time.Second))

		req := httptest.NewRequest(http.MethodGet, "/session", nil)
		req.AddCookie(&http.Cookie{Name: "authgate_sid", Value: "sid-1"})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		require.Equal(t, "refresh_token", f.idp.LastTokenRequest().Get("grant_type"))

		got, err := f.tokens.Get(context.Background(), "u1")
		require.NoError(t, err)
		require.NotEqual(t, "at-1", got.AccessToken)
	})

	t.Run("rejected refresh drops the session", func(t *testing.T) {
		f := newFixture(t, nil)
		f.idp.SetTokenError(http.StatusBadRequest, "invalid_grant")
		f.seedSession(t, "sid-1", "u1", time.Now().Add(30*time.Second))

		req := httptest.NewRequest(http.MethodGet, "/session", nil)
		req.AddCookie(&http.Cookie{Name: "authgate_sid", Value: "sid-1"})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		_, err := f.sessions.Retrieve(context.Background(), "sid-1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestBrowserLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSession(t, "sid-1", "u1", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: "authgate_sid", Value: "sid-1"})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.sessions.Retrieve(context.Background(), "sid-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.tokens.Get(context.Background(), "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/livez", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

// flowCookie decodes the sign-in flow cookie a /login response sets.
func flowCookie(t *testing.T, rec *httptest.ResponseRecorder) (cookie *http.Cookie, state, nonce string) {
	t.Helper()

	res := rec.Result()
	for _, c := range res.Cookies() {
		if c.Name == "authgate_flow" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "flow cookie not set")

	payload, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	require.NoError(t, err)
	var flow struct {
		State string `json:"state"`
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(payload, &flow))
	return cookie, flow.State, flow.Nonce
}

func TestLoginRedirect(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, f.idp.URL()+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)

	q := loc.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, f.idp.ClientID(), q.Get("client_id"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))

	_, state, nonce := flowCookie(t, rec)
	require.Equal(t, state, q.Get("state"))
	require.Equal(t, nonce, q.Get("nonce"))
}

func TestCallbackEstablishesSession(t *testing.T) {
	f := newFixture(t, nil)

	loginReq := httptest.NewRequest(http.MethodGet, "/login", nil)
	loginRec := httptest.NewRecorder()
	f.router.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusFound, loginRec.Code)

	cookie, state, nonce := flowCookie(t, loginRec)

	f.idp.SetIDTokenClaims(jwt.MapClaims{
		"sub":   "u1",
		"sid":   "sid-from-idp",
		"name":  "Alice",
		"nonce": nonce,
	})

	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))

	var sid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authgate_sid" {
			sid = c.Value
		}
	}
	require.Equal(t, "sid-from-idp", sid)

	ctx := context.Background()
	ticket, err := f.sessions.Retrieve(ctx, "sid-from-idp")
	require.NoError(t, err)
	require.Equal(t, "u1", ticket.Principal.Subject)
	require.Equal(t, "Alice", ticket.Principal.Name)

	record, err := f.tokens.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, record.AccessToken)
	require.NotEmpty(t, record.RefreshToken)
	require.NotEmpty(t, record.IdentityToken)

	t.Run("state mismatch rejected", func(t *testing.T) {
		loginRec := httptest.NewRecorder()
		f.router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/login", nil))
		cookie, _, _ := flowCookie(t, loginRec)

		req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state=forged", nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
