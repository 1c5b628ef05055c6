package http

import (
	"log/slog"
	"net/http"

	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/pkg/httpx"
	"github.com/wickhamlabs/authgate/pkg/slogx"
)

// BackchannelLogoutHandler receives provider-initiated logout callbacks.
//
// The provider POSTs a form with a single logout_token field. An accepted
// token terminates the named session with a 200; any validation failure is a
// 400 back to the provider with no session mutation.
type BackchannelLogoutHandler struct {
	Logout *service.BackchannelLogoutService
}

func (h *BackchannelLogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := slogx.FromContext(r.Context())
	httpx.NoCache(w)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	raw := r.PostForm.Get("logout_token")
	if raw == "" {
		http.Error(w, "missing logout_token", http.StatusBadRequest)
		return
	}

	if _, err := h.Logout.Logout(r.Context(), raw); err != nil {
		l.Info("backchannel logout rejected", slog.String("reason", err.Error()))
		http.Error(w, "invalid logout token", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
