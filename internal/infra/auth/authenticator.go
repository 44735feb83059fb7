package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"live-quiz-service/internal/domain"
)

// DefaultTokenTTL applies when no token lifetime is configured.
const DefaultTokenTTL = 24 * time.Hour

var accountNamespace = uuid.MustParse("6f1c2a8e-5d0b-4c7e-9a43-2b8f7d1e0c55")

// Account is a configured login. Either Password (hashed at startup) or
// PasswordHash (bcrypt) must be set.
type Account struct {
	Username     string
	Password     string
	PasswordHash string
	Role         domain.Role
}

// Authenticator checks credentials and issues opaque bearer tokens kept in memory.
type Authenticator struct {
	ttl time.Duration
	now func() time.Time

	accounts map[string]account

	mu     sync.RWMutex
	tokens map[string]session
}

type account struct {
	identity domain.Identity
	hash     []byte
}

type session struct {
	claims    domain.Claims
	expiresAt time.Time
}

func NewAuthenticator(accounts []Account, ttl time.Duration) (*Authenticator, error) {
	return NewAuthenticatorWithClock(accounts, ttl, time.Now)
}

// NewAuthenticatorWithClock lets tests control token expiry.
func NewAuthenticatorWithClock(accounts []Account, ttl time.Duration, now func() time.Time) (*Authenticator, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	a := &Authenticator{
		ttl:      ttl,
		now:      now,
		accounts: make(map[string]account, len(accounts)),
		tokens:   make(map[string]session),
	}
	for _, acc := range accounts {
		username := strings.TrimSpace(acc.Username)
		if username == "" {
			return nil, fmt.Errorf("auth: account without username")
		}
		hash := []byte(acc.PasswordHash)
		if len(hash) == 0 {
			if acc.Password == "" {
				return nil, fmt.Errorf("auth: account %q has no password", username)
			}
			generated, err := bcrypt.GenerateFromPassword([]byte(acc.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("auth: hash password for %q: %w", username, err)
			}
			hash = generated
		}
		role := acc.Role
		if role != domain.RoleAdmin {
			role = domain.RoleUser
		}
		a.accounts[username] = account{
			identity: domain.Identity{
				UserID:   "acct_" + uuid.NewSHA1(accountNamespace, []byte(username)).String(),
				Username: username,
				Role:     role,
			},
			hash: hash,
		}
	}
	return a, nil
}

// Authenticate checks username/password and issues a token.
func (a *Authenticator) Authenticate(_ context.Context, username, password string) (string, domain.Identity, error) {
	acc, ok := a.accounts[strings.TrimSpace(username)]
	if !ok {
		// Burn comparable time so unknown users are not distinguishable.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", domain.Identity{}, domain.Rejected(domain.ReasonBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return "", domain.Identity{}, domain.Rejected(domain.ReasonBadCredentials)
	}

	token, err := generateToken()
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("generate token: %w", err)
	}
	a.mu.Lock()
	a.tokens[token] = session{
		claims: domain.Claims{
			UserID:   acc.identity.UserID,
			Username: acc.identity.Username,
			Role:     acc.identity.Role,
		},
		expiresAt: a.now().Add(a.ttl),
	}
	a.mu.Unlock()
	return token, acc.identity, nil
}

// VerifyToken implements app.TokenVerifier.
func (a *Authenticator) VerifyToken(_ context.Context, token string) (domain.Claims, error) {
	a.mu.RLock()
	s, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return domain.Claims{}, domain.Rejected(domain.ReasonInvalidToken)
	}
	if !a.now().Before(s.expiresAt) {
		a.Revoke(token)
		return domain.Claims{}, domain.Rejected(domain.ReasonExpiredToken)
	}
	return s.claims, nil
}

// Revoke forgets token; unknown tokens are ignored.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// ExtractToken reads a bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.MinCost)

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
