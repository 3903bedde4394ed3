package domain

import "time"

// Session is the durable record of the latest successful authentication
// with a provider. One session per provider id; a new login overwrites.
type Session struct {
	ProviderID   string         `json:"provider_id"`
	Subject      string         `json:"subject"`
	DisplayName  string         `json:"display_name,omitempty"`
	Email        string         `json:"email,omitempty"`
	AccessToken  string         `json:"-"`
	RefreshToken string         `json:"-"`
	IDToken      string         `json:"-"`
	// ExpiresAt is zero when the provider returned no expires_in; such a
	// session is treated as non-expiring until a 401 proves otherwise.
	ExpiresAt time.Time      `json:"expires_at,omitzero"`
	RawClaims map[string]any `json:"raw_claims,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Expired reports whether the session's access token is past its expiry.
// Sessions without an expiry never expire.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// StoredToken is a bare credential captured on the ambient path. It is not
// expiry-tracked; one live token per provider, replacing any prior one.
type StoredToken struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
