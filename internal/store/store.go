// Package store holds the durable client-side state: the session token and
// the bounded generation history. Both survive process restarts.
package store

import "github.com/imagify-app/imagify-desk/internal/models"

// TokenStore persists the auth token. Implementations must behave
// synchronously from the caller's perspective.
type TokenStore interface {
	// Token returns the persisted token, if any.
	Token() (string, bool)
	SetToken(token string) error
	ClearToken() error
}

// HistoryStore keeps the bounded, newest-first generation history. Entries
// are keyed per user id so a shared device never leaks one user's history
// into another's view. History is deliberately not cleared on logout.
type HistoryStore interface {
	// Append inserts at the head; the oldest entry is evicted once the
	// list exceeds models.HistoryCapacity.
	Append(userID string, entry models.HistoryEntry) error
	List(userID string) ([]models.HistoryEntry, error)
}
