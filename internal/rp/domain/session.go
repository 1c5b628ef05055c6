package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Well-known keys in SessionTicket.Properties.
const (
	PropIssuedAt  = "issued_at"  // RFC 3339
	PropExpiresAt = "expires_at" // RFC 3339, access-token expiry snapshot
	PropRedirect  = "redirect"   // post-login redirect hint
)

// Principal is the authenticated user carried by a session ticket. Claims
// are kept as an opaque bag; claim mapping happens at sign-in and refresh
// time, the stores never interpret them.
type Principal struct {
	Subject string         `json:"sub"`
	Name    string         `json:"name,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// SessionTicket is the server-side record of one authenticated browser
// session, keyed by the provider-issued "sid" claim.
type SessionTicket struct {
	SID        string
	Principal  Principal
	Properties map[string]string
	AuthScheme string
}

// Clone returns a deep copy so callers can't mutate stored state through
// the shared Properties map.
func (t SessionTicket) Clone() SessionTicket {
	out := t
	if t.Properties != nil {
		out.Properties = maps.Clone(t.Properties)
	}
	if t.Principal.Claims != nil {
		out.Principal.Claims = maps.Clone(t.Principal.Claims)
	}
	return out
}

// ExpiresAt parses the expiry snapshot from Properties. The zero time is
// returned when no snapshot has been recorded.
func (t SessionTicket) ExpiresAt() time.Time {
	v, ok := t.Properties[PropExpiresAt]
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// EncodePrincipal serializes a principal for durable storage.
func EncodePrincipal(p Principal) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("domain: encode principal: %w", err)
	}
	return b, nil
}

// DecodePrincipal is the inverse of EncodePrincipal.
func DecodePrincipal(b []byte) (Principal, error) {
	var p Principal
	if err := json.Unmarshal(b, &p); err != nil {
		return Principal{}, fmt.Errorf("domain: decode principal: %w", err)
	}
	return p, nil
}
