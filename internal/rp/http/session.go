package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/pkg/httpx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

// SessionHandler serves the authenticated caller's session and performs the
// near-expiry token refresh check on every read. A failed refresh drops the
// session so the caller re-authenticates instead of riding a stale token.
type SessionHandler struct {
	Sessions store.SessionStore
	Tokens   store.TokenStore
	Refresh  *service.TokenRefreshService
}

type sessionResponse struct {
	Subject   string         `json:"sub"`
	Name      string         `json:"name,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := slogx.FromContext(ctx)
	httpx.NoCache(w)

	sid := sessionID(r)
	if sid == "" {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}

	ticket, err := h.Sessions.Retrieve(ctx, sid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			clearSessionCookie(w, r)
			http.Error(w, "not signed in", http.StatusUnauthorized)
			return
		}
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	record, err := h.Tokens.Get(ctx, ticket.Principal.Subject)
	if err != nil {
		clearSessionCookie(w, r)
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}

	if h.Refresh != nil && h.Refresh.Due(record.ExpiresAt, time.Now()) {
		if err := h.Refresh.Refresh(ctx, sid); err != nil {
			l.Info("refresh failed, dropping session",
				slog.String("sid", sid),
				slog.String("error", err.Error()),
			)
			_ = h.Sessions.Remove(ctx, sid)
			clearSessionCookie(w, r)
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		record, err = h.Tokens.Get(ctx, ticket.Principal.Subject)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		ticket, err = h.Sessions.Retrieve(ctx, sid)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
	}

	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		Subject:   ticket.Principal.Subject,
		Name:      ticket.Principal.Name,
		Claims:    ticket.Principal.Claims,
		ExpiresAt: record.ExpiresAt,
	})
}

// HandleLogout ends the browser-initiated session: ticket and stored tokens
// both go.
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid := sessionID(r)
	if sid == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if ticket, err := h.Sessions.Retrieve(ctx, sid); err == nil {
		_ = h.Tokens.Delete(ctx, ticket.Principal.Subject)
	}
	if err := h.Sessions.Remove(ctx, sid); err != nil {
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
