package models

import "time"

// SessionState describes where the session currently is in its lifecycle.
type SessionState string

const (
	StateAnonymous      SessionState = "anonymous"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
)

// User is the client-side cache of the backend profile. CreditBalance is
// authoritative on the backend; the local copy is refreshed after login and
// after every credit-changing operation.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	CreditBalance int    `json:"creditBalance"`
}

// GenerationRequest is ephemeral: it exists only for the duration of one
// generation call and is never persisted.
type GenerationRequest struct {
	Prompt         string `json:"prompt" validate:"required"`
	Style          string `json:"style,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Size           string `json:"size,omitempty"`
}

// GenerationResult carries the image payload returned by the backend.
// ImageData is either a data URL (inline base64 payload) or a plain URL.
// CreditBalance, when present, is the authoritative balance reported with
// the generation and wins over concurrent stale refreshes.
type GenerationResult struct {
	ImageData     string
	CreditBalance *int
}

// HistoryEntry is one row of the bounded per-user generation history.
type HistoryEntry struct {
	Prompt     string    `json:"prompt"`
	ImageData  string    `json:"imageData"`
	ArchiveURL string    `json:"archiveUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HistoryCapacity bounds the per-user history list; inserting beyond it
// evicts the oldest entry.
const HistoryCapacity = 10

// Plan is a static purchasable bundle of credits at a fixed price.
type Plan struct {
	ID          string `json:"id"`
	Description string `json:"desc"`
	PriceUSD    int    `json:"price"`
	Credits     int    `json:"credits"`
}

// Plans is the read-only purchase catalog shipped with the client.
var Plans = []Plan{
	{ID: "Basic", Description: "Best for personal use.", PriceUSD: 10, Credits: 100},
	{ID: "Advanced", Description: "Best for business use.", PriceUSD: 50, Credits: 500},
	{ID: "Business", Description: "Best for enterprise use.", PriceUSD: 250, Credits: 5000},
}

// PlanByID looks a plan up in the catalog.
func PlanByID(id string) (Plan, bool) {
	for _, p := range Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
