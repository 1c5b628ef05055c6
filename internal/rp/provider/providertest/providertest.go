// Package providertest runs an in-process fake identity provider for tests:
// a discovery document, a JWKS endpoint, a token endpoint and a userinfo
// endpoint backed by an in-memory ES256 signing key.
package providertest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wickhamlabs/authgate/pkg/idx"
	"github.com/wickhamlabs/authgate/pkg/jwtx"
)

// Server is a fake OIDC provider bound to an httptest server.
type Server struct {
	t   *testing.T
	srv *httptest.Server
	key *ecdsa.PrivateKey
	kid string

	mu            sync.Mutex
	clientID      string
	idTokenClaims jwt.MapClaims
	tokenStatus   int
	tokenError    string
	userinfo      map[string]any
	lastTokenForm url.Values
}

// Start spins up the fake provider and registers its shutdown with the
// test's cleanup.
func Start(t *testing.T) *Server {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	s := &Server{
		t:        t,
		key:      key,
		kid:      "test-" + idx.New().String(),
		clientID: "test-client",
		userinfo: map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /userinfo", s.handleUserinfo)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the issuer URL.
func (s *Server) URL() string { return s.srv.URL }

// ClientID returns the client id the provider expects as audience.
func (s *Server) ClientID() string { return s.clientID }

// SetClientID changes the expected client id.
func (s *Server) SetClientID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = id
}

// SetIDTokenClaims sets extra claims for ID tokens minted by the token
// endpoint. Standard claims (iss, aud, iat, exp) are filled in unless
// overridden here.
func (s *Server) SetIDTokenClaims(claims jwt.MapClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idTokenClaims = claims
}

// SetTokenError makes the token endpoint fail with the given status and
// OAuth error code. A zero status restores normal behavior.
func (s *Server) SetTokenError(status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
	s.tokenError = code
}

// SetUserinfo sets the document served by the userinfo endpoint.
func (s *Server) SetUserinfo(claims map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userinfo = claims
}

// LastTokenRequest returns the form from the most recent token endpoint
// call, or nil if none happened yet.
func (s *Server) LastTokenRequest() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTokenForm
}

// Sign mints a token over the given claims with the provider's signing key.
// The iss claim defaults to the provider URL if absent. Useful for building
// logout tokens and hand-rolled ID tokens in tests.
func (s *Server) Sign(claims jwt.MapClaims) string {
	s.t.Helper()

	if _, ok := claims["iss"]; !ok {
		claims["iss"] = s.srv.URL
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		s.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                 s.srv.URL,
		"authorization_endpoint": s.srv.URL + "/authorize",
		"token_endpoint":         s.srv.URL + "/token",
		"userinfo_endpoint":      s.srv.URL + "/userinfo",
		"jwks_uri":               s.srv.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"ES256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	writeJSON(w, jwtx.JWKS{Keys: []jwtx.JWK{{
		Kid: s.kid,
		Kty: "EC",
		Alg: "ES256",
		Use: "sig",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pad32(pub.X.Bytes())),
		Y:   base64.RawURLEncoding.EncodeToString(pad32(pub.Y.Bytes())),
	}}})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.lastTokenForm = r.PostForm
	status, errCode := s.tokenStatus, s.tokenError
	claims := jwt.MapClaims{}
	for k, v := range s.idTokenClaims {
		claims[k] = v
	}
	clientID := s.clientID
	s.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode})
		return
	}

	now := time.Now()
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = clientID
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = now.Add(time.Hour).Unix()
	}

	writeJSON(w, map[string]any{
		"access_token":  "at-" + idx.New().String(),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-" + idx.New().String(),
		"scope":         r.PostForm.Get("scope"),
		"id_token":      s.Sign(claims),
	})
}

func (s *Server) handleUserinfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	claims := s.userinfo
	s.mu.Unlock()
	writeJSON(w, claims)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
