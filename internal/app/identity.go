package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
)

const mintedPrefix = "user_"

// Handshake is what a connecting client presents.
type Handshake struct {
	Token    string
	Username string
	// Stored is the per-browser identity record, if the client sent one.
	Stored *domain.StoredIdentity
}

// Resolution is the outcome of resolving a handshake.
type Resolution struct {
	Identity domain.Identity
	// Stored is the identity record the client should persist.
	Stored domain.StoredIdentity
	// Minted is true when a fresh user id was issued.
	Minted bool
}

// Resolver turns handshakes into identities. It does not touch the presence registry.
type Resolver struct {
	verifier TokenVerifier
	now      func() time.Time

	mu       sync.Mutex
	lastMint int64
}

func NewResolver(verifier TokenVerifier) *Resolver {
	return NewResolverWithClock(verifier, time.Now)
}

// NewResolverWithClock is test-only for deterministic user ids.
func NewResolverWithClock(verifier TokenVerifier, now func() time.Time) *Resolver {
	return &Resolver{verifier: verifier, now: now}
}

// Resolve authenticates a token or reclaims/mints an identity for a bare username.
func (r *Resolver) Resolve(ctx context.Context, hs Handshake) (Resolution, error) {
	if token := strings.TrimSpace(hs.Token); token != "" {
		return r.resolveToken(ctx, token)
	}

	username := strings.TrimSpace(hs.Username)
	if username == "" {
		return Resolution{}, domain.Rejected(domain.ReasonMissingCredentials)
	}

	// Only ids this resolver mints can be reclaimed; account ids need a token.
	if hs.Stored != nil && hs.Stored.Username == username && IsMintedUserID(hs.Stored.UserID) {
		return Resolution{
			Identity: domain.Identity{UserID: hs.Stored.UserID, Username: username, Role: domain.RoleUser},
			Stored:   *hs.Stored,
		}, nil
	}

	userID := r.mintUserID()
	return Resolution{
		Identity: domain.Identity{UserID: userID, Username: username, Role: domain.RoleUser},
		Stored:   domain.StoredIdentity{Username: username, UserID: userID},
		Minted:   true,
	}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string) (Resolution, error) {
	if r.verifier == nil {
		return Resolution{}, domain.Rejected(domain.ReasonInvalidToken)
	}
	claims, err := r.verifier.VerifyToken(ctx, token)
	if err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return Resolution{}, authErr
		}
		return Resolution{}, domain.Rejected(domain.ReasonInvalidToken)
	}
	if claims.UserID == "" || claims.Username == "" {
		return Resolution{}, domain.Rejected(domain.ReasonInvalidToken)
	}
	role := claims.Role
	if role != domain.RoleAdmin {
		role = domain.RoleUser
	}
	return Resolution{
		Identity: domain.Identity{UserID: claims.UserID, Username: claims.Username, Role: role},
		Stored:   domain.StoredIdentity{Username: claims.Username, UserID: claims.UserID},
	}, nil
}

// IsMintedUserID reports whether id has the "user_<millis>" shape of a
// minted guest id.
func IsMintedUserID(id string) bool {
	digits, ok := strings.CutPrefix(id, mintedPrefix)
	if !ok || digits == "" {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// mintUserID issues "user_<millis>", bumping the millisecond when two
// handshakes land in the same one.
func (r *Resolver) mintUserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := r.now().UnixMilli()
	if ms <= r.lastMint {
		ms = r.lastMint + 1
	}
	r.lastMint = ms
	return mintedPrefix + strconv.FormatInt(ms, 10)
}
