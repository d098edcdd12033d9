// Package presence tracks which authors are present in which pads.
package presence

import (
	"context"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher receives the notification produced when an edited visit ends.
type Publisher interface {
	Publish(ctx context.Context, ev notifier.Event)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for join and edit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEventID replaces the generator used for notification event ids.
func WithEventID(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Store is the authoritative presence table: documentID -> authorID -> Presence.
// A document key never outlives its last author.
type Store struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu   sync.Mutex
	docs map[string]map[string]*notifier.Presence
}

// New creates an empty presence store that hands finished visits to publisher.
func New(publisher Publisher, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		docs:      make(map[string]map[string]*notifier.Presence),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join starts tracking an author in a document. A repeated join for the same
// pair keeps the existing record untouched.
func (s *Store) Join(documentID, authorID, userID, contentID, displayName string) {
	if documentID == "" || authorID == "" {
		s.logger.Warn("Ignoring join with missing identifiers", "document_id", documentID, "author_id", authorID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	authors, ok := s.docs[documentID]
	if !ok {
		authors = make(map[string]*notifier.Presence)
		s.docs[documentID] = authors
	}
	if _, exists := authors[authorID]; exists {
		s.logger.Debug("Author already present", "document_id", documentID, "author_id", authorID)
		return
	}

	now := s.now()
	authors[authorID] = &notifier.Presence{
		JoinedAt:     now,
		LastActivity: now,
		DocumentID:   documentID,
		AuthorID:     authorID,
		UserID:       userID,
		ContentID:    contentID,
		DisplayName:  displayName,
	}

	if userID == "" || contentID == "" {
		s.logger.Warn("Author joined without platform identifiers, visit will not notify",
			"document_id", documentID,
			"author_id", authorID)
	}
	s.logger.Info("Author joined", "document_id", documentID, "author_id", authorID, "user_id", userID)
}

// RecordEdit marks the author's visit as edited. Edits for untracked authors
// are dropped; they can race a reconcile-driven leave.
func (s *Store) RecordEdit(documentID, authorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.docs[documentID][authorID]
	if !ok {
		s.logger.Debug("Dropping edit for untracked author", "document_id", documentID, "author_id", authorID)
		return false
	}
	p.Edited = true
	p.LastActivity = s.now()
	return true
}

// Leave ends the author's visit. It reports whether a record was removed, so
// a racing duplicate leave is a no-op that returns false. The notification is
// published after the table lock is released.
func (s *Store) Leave(ctx context.Context, documentID, authorID string, reason notifier.LeaveReason) bool {
	s.mu.Lock()
	authors, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p, ok := authors[authorID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(authors, authorID)
	if len(authors) == 0 {
		delete(s.docs, documentID)
	}
	removed := *p
	s.mu.Unlock()

	s.logger.Info("Author left",
		"document_id", documentID,
		"author_id", authorID,
		"reason", string(reason),
		"edited", removed.Edited,
		"visit", s.now().Sub(removed.JoinedAt).Round(time.Second).String())

	if !removed.Notifiable() {
		return true
	}

	ev := notifier.Event{
		ID:        s.newID(),
		ContentID: removed.ContentID,
		UserID:    removed.UserID,
	}
	s.publisher.Publish(ctx, ev)
	return true
}

// Snapshot returns the authors currently tracked in a document, sorted.
func (s *Store) Snapshot(documentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	authors := s.docs[documentID]
	ids := make([]string, 0, len(authors))
	for id := range authors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DisplayNameOf returns the display name given at join, for labelling exports.
func (s *Store) DisplayNameOf(documentID, authorID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.docs[documentID][authorID]
	if !ok || p.DisplayName == "" {
		return "", false
	}
	return p.DisplayName, true
}

// Documents returns every tracked document, sorted.
func (s *Store) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns copies of the presences tracked in a document.
func (s *Store) Records(documentID string) []notifier.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	authors := s.docs[documentID]
	out := make([]notifier.Presence, 0, len(authors))
	for _, p := range authors {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuthorID < out[j].AuthorID })
	return out
}

// Len returns the number of tracked presences across all documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, authors := range s.docs {
		n += len(authors)
	}
	return n
}
