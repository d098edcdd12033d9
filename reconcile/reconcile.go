// Package reconcile expires presences that no longer match the editor's live sessions.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"time"
)

const (
	defaultQueryTimeout = 10 * time.Second
	defaultStaleAfter   = 24 * time.Hour
	defaultInterval     = time.Minute
)

// SessionSource lists the authors connected to a pad right now.
type SessionSource interface {
	ConnectedAuthors(ctx context.Context, documentID string) (map[string]struct{}, error)
}

// Tracker is the presence table the sweeps operate on.
type Tracker interface {
	Documents() []string
	Records(documentID string) []notifier.Presence
	Leave(ctx context.Context, documentID, authorID string, reason notifier.LeaveReason) bool
}

// Config holds reconciler settings.
type Config struct {
	QueryTimeout time.Duration    // Bound on each live-session query
	StaleAfter   time.Duration    // Force a leave past this much inactivity even if live
	Clock        func() time.Time // Defaults to time.Now
}

// Reconciler compares tracked presence against the live session list.
type Reconciler struct {
	sessions     SessionSource
	tracker      Tracker
	logger       *slog.Logger
	now          func() time.Time
	queryTimeout time.Duration
	staleAfter   time.Duration
}

// NewReconciler creates a reconciler.
func NewReconciler(sessions SessionSource, tracker Tracker, cfg Config, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		sessions:     sessions,
		tracker:      tracker,
		logger:       logger,
		now:          cfg.Clock,
		queryTimeout: cfg.QueryTimeout,
		staleAfter:   cfg.StaleAfter,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.queryTimeout <= 0 {
		r.queryTimeout = defaultQueryTimeout
	}
	if r.staleAfter <= 0 {
		r.staleAfter = defaultStaleAfter
	}
	return r
}

// CheckAll reconciles every tracked document once.
func (r *Reconciler) CheckAll(ctx context.Context) error {
	docs := r.tracker.Documents()
	start := r.now()
	r.logger.Info("Reconciling presence", "documents", len(docs), "timestamp", start.Format(time.RFC3339))

	var removed, failed int
	for _, documentID := range docs {
		select {
		case <-ctx.Done():
			r.logger.Info("Context cancelled, stopping reconcile", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		n, err := r.checkDocument(ctx, documentID)
		if err != nil {
			// The TTL guard is the fallback for documents we cannot verify.
			r.logger.Warn("Session query failed, deferring to TTL guard", "document_id", documentID, "error", err)
			failed++
			continue
		}
		removed += n
	}

	r.logger.Info("Reconcile completed",
		"documents", len(docs),
		"failed", failed,
		"removed", removed,
		"duration_ms", r.now().Sub(start).Milliseconds())

	return nil
}

func (r *Reconciler) checkDocument(ctx context.Context, documentID string) (int, error) {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	live, err := r.sessions.ConnectedAuthors(qctx, documentID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list connected authors: %w", err)
	}

	cutoff := r.now().Add(-r.staleAfter)
	removed := 0
	for _, p := range r.tracker.Records(documentID) {
		var reason notifier.LeaveReason
		switch {
		case !isLive(live, p.AuthorID):
			reason = notifier.LeaveReconcile
		case p.LastActivity.Before(cutoff):
			r.logger.Warn("Author listed live but inactive past stale ceiling",
				"document_id", documentID,
				"author_id", p.AuthorID,
				"last_activity", p.LastActivity.Format(time.RFC3339))
			reason = notifier.LeaveStale
		default:
			continue
		}
		if r.tracker.Leave(ctx, documentID, p.AuthorID, reason) {
			removed++
		}
	}
	return removed, nil
}

func isLive(live map[string]struct{}, authorID string) bool {
	_, ok := live[authorID]
	return ok
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	every(ctx, interval, func() {
		if err := r.CheckAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconcile failed", "error", err)
		}
	})
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
