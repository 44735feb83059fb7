package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"live-quiz-service/internal/domain"
)

const (
	presenceUsersKey       = "presence:users"
	presenceConnectionsKey = "presence:connections"
)

// PresenceMirror copies the presence table into Redis hashes:
//
//	HSET presence:users       {userID} {entry json}
//	HSET presence:connections {userID} {connection count}
type PresenceMirror struct {
	client *redis.Client
}

func NewPresenceMirror(client *redis.Client) *PresenceMirror {
	return &PresenceMirror{client: client}
}

func (m *PresenceMirror) Sync(ctx context.Context, entry domain.PresenceEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, presenceUsersKey, entry.Identity.UserID, raw)
	pipe.HSet(ctx, presenceConnectionsKey, entry.Identity.UserID, entry.ConnectionCount)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *PresenceMirror) Remove(ctx context.Context, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, presenceUsersKey, userID)
	pipe.HDel(ctx, presenceConnectionsKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns the mirrored entries.
func (m *PresenceMirror) List(ctx context.Context) ([]domain.PresenceEntry, error) {
	values, err := m.client.HGetAll(ctx, presenceUsersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceEntry, 0, len(values))
	for _, raw := range values {
		var entry domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Clear removes the mirror, e.g. on startup when no connections survive.
func (m *PresenceMirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, presenceUsersKey, presenceConnectionsKey).Err()
}
