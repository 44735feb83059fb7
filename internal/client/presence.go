package client

import (
	"sort"

	"live-quiz-service/internal/domain"
)

var statusRank = map[domain.PresenceStatus]int{
	domain.StatusOnline:  0,
	domain.StatusIdle:    1,
	domain.StatusOffline: 2,
}

// OrderPresence sorts a user list for display: self first, then online,
// idle and offline users, each by username.
func OrderPresence(entries []domain.PresenceEntry, selfID string) []domain.PresenceEntry {
	out := append([]domain.PresenceEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if aSelf, bSelf := a.Identity.UserID == selfID, b.Identity.UserID == selfID; aSelf != bSelf {
			return aSelf
		}
		if ra, rb := statusRank[a.Status], statusRank[b.Status]; ra != rb {
			return ra < rb
		}
		if a.Identity.Username != b.Identity.Username {
			return a.Identity.Username < b.Identity.Username
		}
		return a.Identity.UserID < b.Identity.UserID
	})
	return out
}
