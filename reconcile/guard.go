package reconcile

import (
	"context"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"time"
)

const (
	defaultCeiling       = 24 * time.Hour
	defaultSweepInterval = 30 * time.Minute
)

// Guard force-expires presences older than a hard ceiling. It only compares
// local timestamps, so it keeps working when the session source is down.
type Guard struct {
	tracker Tracker
	logger  *slog.Logger
	now     func() time.Time
	ceiling time.Duration
}

// NewGuard creates a TTL guard. A non-positive ceiling uses the 24h default.
func NewGuard(tracker Tracker, ceiling time.Duration, clock func() time.Time, logger *slog.Logger) *Guard {
	if ceiling <= 0 {
		ceiling = defaultCeiling
	}
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		tracker: tracker,
		logger:  logger,
		now:     clock,
		ceiling: ceiling,
	}
}

// Sweep removes every presence whose last activity is past the ceiling and
// returns how many it removed.
func (g *Guard) Sweep(ctx context.Context) int {
	cutoff := g.now().Add(-g.ceiling)
	removed := 0
	for _, documentID := range g.tracker.Documents() {
		for _, p := range g.tracker.Records(documentID) {
			if !p.LastActivity.Before(cutoff) {
				continue
			}
			if g.tracker.Leave(ctx, documentID, p.AuthorID, notifier.LeaveTTL) {
				removed++
			}
		}
	}

	if removed > 0 {
		g.logger.Info("TTL guard expired presences", "removed", removed, "ceiling", g.ceiling.String())
	} else {
		g.logger.Debug("TTL guard found nothing to expire")
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	every(ctx, interval, func() { g.Sweep(ctx) })
}
