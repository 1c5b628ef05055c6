package domain

import "time"

// TokenRecord holds the provider-issued credentials for one subject. There
// is at most one record per subject; every refresh replaces the whole set.
type TokenRecord struct {
	Subject       string    // provider "sub" claim, the record key
	AccessToken   string    // opaque bearer token
	TokenType     string    // typically "Bearer"
	ExpiresAt     time.Time // absolute access-token expiry, UTC
	Scope         string    // space-delimited granted scopes
	RefreshToken  string    // optional
	IdentityToken string    // optional, raw ID token (used for RP-initiated logout)
	ClientID      string    // client the token set was issued to
	ProofKey      string    // optional proof-of-possession key identifier
}

// Expired reports whether the access token has passed its expiry at now.
func (t TokenRecord) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
