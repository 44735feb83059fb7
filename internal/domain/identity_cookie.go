package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// IdentityCookieName is the cookie holding the per-browser identity record.
const IdentityCookieName = "quiz_identity"

// StoredIdentity is the durable client-side identity record.
type StoredIdentity struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

// EncodeStoredIdentity renders the record as a cookie-safe value.
func EncodeStoredIdentity(s StoredIdentity) string {
	data, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeStoredIdentity parses a value produced by EncodeStoredIdentity.
func DecodeStoredIdentity(raw string) (StoredIdentity, error) {
	var s StoredIdentity
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return s, fmt.Errorf("decode identity cookie: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("unmarshal identity cookie: %w", err)
	}
	if s.Username == "" || s.UserID == "" {
		return StoredIdentity{}, fmt.Errorf("identity cookie incomplete")
	}
	return s, nil
}
