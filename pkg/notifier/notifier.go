// Package notifier contains the core domain types for the pad presence notification service.
package notifier

import (
	"encoding/json"
	"time"
)

// LeaveReason records which path ended a visit.
type LeaveReason string

const (
	LeaveExplicit  LeaveReason = "explicit"  // Departure signal from the editor
	LeaveReconcile LeaveReason = "reconcile" // Author missing from the live session list
	LeaveStale     LeaveReason = "stale"     // Still listed live but inactive past the stale ceiling
	LeaveTTL       LeaveReason = "ttl"       // Hard ceiling exceeded, forced by the TTL guard
)

// Presence represents an author being tracked as present in a document.
type Presence struct {
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"` // Set at join, refreshed on every edit
	DocumentID   string    `json:"document_id"`   // Pad identifier
	AuthorID     string    `json:"author_id"`     // Editor-scoped author identity
	UserID       string    `json:"user_id"`       // External platform user
	ContentID    string    `json:"content_id"`    // External platform content item for the pad
	DisplayName  string    `json:"display_name"`
	Edited       bool      `json:"edited"` // Never reverts to false once set
}

// Notifiable reports whether leaving with this presence must produce an Event.
func (p *Presence) Notifiable() bool {
	return p.Edited && p.UserID != "" && p.ContentID != ""
}

// Event is delivered to the content platform when an edited document is left.
// Only ContentID and UserID travel in the payload; ID is for broker-side dedupe.
type Event struct {
	ID        string `json:"-"`
	ContentID string `json:"contentId"`
	UserID    string `json:"userId"`
}

// Deliverable reports whether the event carries both platform identifiers.
func (e Event) Deliverable() bool {
	return e.ContentID != "" && e.UserID != ""
}

// Payload encodes the wire form of the event.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}
