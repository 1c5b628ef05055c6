package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/provider"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/pkg/idx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

const (
	flowCookieName    = "authgate_flow"
	sessionCookieName = "authgate_sid"
	flowCookieMaxAge  = 10 * time.Minute
	authScheme        = "oidc"
)

// flowState rides the short-lived flow cookie between /login and /callback.
type flowState struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
	Redirect string `json:"redirect,omitempty"`
}

// LoginHandler drives the authorization-code + PKCE sign-in flow: /login
// redirects the browser to the provider, /callback exchanges the returned
// code and establishes the server-side session.
type LoginHandler struct {
	Provider *provider.Provider
	Sessions store.SessionStore
	Tokens   store.TokenStore

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

func (h *LoginHandler) oauthConfig(meta provider.Metadata) *oauth2.Config {
	scopes := h.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &oauth2.Config{
		ClientID:     h.ClientID,
		ClientSecret: h.ClientSecret,
		RedirectURL:  h.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	l := slogx.FromContext(r.Context())

	meta, err := h.Provider.Metadata(r.Context())
	if err != nil {
		l.Error("discovery failed", slog.String("error", err.Error()))
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		return
	}

	flow := flowState{
		State:    idx.New().String(),
		Nonce:    idx.New().String(),
		Verifier: oauth2.GenerateVerifier(),
		Redirect: safeRedirect(r.URL.Query().Get("redirect")),
	}
	if err := writeFlowCookie(w, r, flow); err != nil {
		http.Error(w, "could not start sign-in", http.StatusInternalServerError)
		return
	}

	authURL := h.oauthConfig(meta).AuthCodeURL(flow.State,
		oauth2.S256ChallengeOption(flow.Verifier),
		oauth2.SetAuthURLParam("nonce", flow.Nonce),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *LoginHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := slogx.FromContext(ctx)

	flow, err := readFlowCookie(r)
	if err != nil {
		http.Error(w, "sign-in flow expired", http.StatusBadRequest)
		return
	}
	clearFlowCookie(w, r)

	if q := r.URL.Query(); q.Get("error") != "" {
		l.Info("provider returned authorization error", slog.String("error", q.Get("error")))
		http.Error(w, "sign-in refused", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != flow.State {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	meta, err := h.Provider.Metadata(ctx)
	if err != nil {
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		return
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, h.Provider.Client())
	token, err := h.oauthConfig(meta).Exchange(exchangeCtx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		l.Info("code exchange failed", slog.String("error", err.Error()))
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		http.Error(w, "provider returned no identity token", http.StatusBadGateway)
		return
	}

	verifier, err := h.Provider.Verifier(ctx)
	if err != nil {
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		return
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		l.Info("identity token rejected", slog.String("error", err.Error()))
		http.Error(w, "sign-in failed", http.StatusBadRequest)
		return
	}
	if idToken.Nonce != flow.Nonce {
		http.Error(w, "nonce mismatch", http.StatusBadRequest)
		return
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		http.Error(w, "sign-in failed", http.StatusBadRequest)
		return
	}

	sid, _ := claims["sid"].(string)
	if sid == "" {
		sid = idx.New().String()
	}
	name, _ := claims["name"].(string)

	now := time.Now().UTC()
	ticket := domain.SessionTicket{
		SID: sid,
		Principal: domain.Principal{
			Subject: idToken.Subject,
			Name:    name,
			Claims:  claims,
		},
		Properties: map[string]string{
			domain.PropIssuedAt:  now.Format(time.RFC3339),
			domain.PropExpiresAt: token.Expiry.UTC().Format(time.RFC3339),
		},
		AuthScheme: authScheme,
	}

	scope, _ := token.Extra("scope").(string)
	record := domain.TokenRecord{
		Subject:       idToken.Subject,
		AccessToken:   token.AccessToken,
		TokenType:     token.TokenType,
		ExpiresAt:     token.Expiry.UTC(),
		Scope:         scope,
		RefreshToken:  token.RefreshToken,
		IdentityToken: rawIDToken,
		ClientID:      h.ClientID,
	}

	if err := h.Tokens.Upsert(ctx, record); err != nil {
		l.Error("storing tokens failed", slog.String("error", err.Error()))
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	if _, err := h.Sessions.Create(ctx, ticket); err != nil {
		l.Error("creating session failed", slog.String("error", err.Error()))
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	target := flow.Redirect
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func writeFlowCookie(w http.ResponseWriter, r *http.Request, flow flowState) error {
	payload, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		MaxAge:   int(flowCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func readFlowCookie(r *http.Request) (flowState, error) {
	c, err := r.Cookie(flowCookieName)
	if err != nil {
		return flowState{}, err
	}
	payload, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return flowState{}, err
	}
	var flow flowState
	if err := json.Unmarshal(payload, &flow); err != nil {
		return flowState{}, err
	}
	return flow, nil
}

func clearFlowCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeRedirect keeps post-login redirects on this host: relative paths only.
func safeRedirect(target string) string {
	if target == "" || target[0] != '/' {
		return ""
	}
	if len(target) > 1 && target[1] == '/' {
		return ""
	}
	return target
}
