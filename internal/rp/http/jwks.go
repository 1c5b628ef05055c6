package http

import (
	"net/http"

	"github.com/wickhamlabs/authgate/internal/rp/service"
	"github.com/wickhamlabs/authgate/pkg/httpx"
)

// JWKSHandler publishes the client's public signing keys so the provider can
// verify our client assertions.
func JWKSHandler(assertions *service.ClientAssertionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := assertions.JWKS()
		if err != nil {
			http.Error(w, "signing not configured", http.StatusNotFound)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, jwks)
	}
}
