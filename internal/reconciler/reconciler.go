package reconciler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/market-chat/internal/activity"
	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/repository"
	pkglog "github.com/weiawesome/market-chat/pkg/log"
)

// Reconciler periodically recounts the unread counters that saw the most
// increments and repairs any drift.
type Reconciler struct {
	activity activity.Store
	repo     repository.ConversationRepository
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	cfg      config.ReconcilerConfig
	quit     chan struct{}
	doneCh   chan struct{}
}

// New creates a new Reconciler.
func New(act activity.Store, repo repository.ConversationRepository, m *metrics.Metrics, clock clockwork.Clock, cfg config.ReconcilerConfig) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		activity: act,
		repo:     repo,
		metrics:  m,
		clock:    clock,
		cfg:      cfg,
		quit:     make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the reconciler in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the reconciler to stop and returns immediately.
// Call Done() to wait for it to exit.
func (r *Reconciler) Stop() {
	close(r.quit)
}

// Done returns a channel that is closed when the reconciler has fully stopped.
func (r *Reconciler) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass and returns the number of repaired counters.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	l := pkglog.Ctx(ctx)

	topN := r.cfg.TopN
	if topN <= 0 {
		topN = 100
	}

	pairs, err := r.activity.Top(ctx, topN)
	if err != nil {
		l.Error().Err(err).Msg("reconciler: failed to get hot counters")
		return 0
	}
	if len(pairs) == 0 {
		l.Debug().Msg("reconciler: no hot counters")
		return 0
	}

	repaired := 0
	for _, p := range pairs {
		n, changed, err := r.repo.RecountUnread(ctx, p.ConversationID, p.UserID)
		if err != nil {
			l.Warn().Err(err).
				Str(pkglog.FieldConversationID, p.ConversationID).
				Str(pkglog.FieldUserID, p.UserID).
				Msg("reconciler: recount failed")
			continue
		}
		if changed {
			repaired++
			l.Info().
				Str(pkglog.FieldConversationID, p.ConversationID).
				Str(pkglog.FieldUserID, p.UserID).
				Int("unread", n).
				Msg("reconciler: repaired unread count")
		}
	}
	r.metrics.Repaired(repaired)

	if err := r.activity.Reset(ctx); err != nil {
		l.Error().Err(err).Msg("reconciler: failed to reset activity scores")
	}

	l.Info().Int("checked", len(pairs)).Int("repaired", repaired).Msg("reconciler: pass complete")
	return repaired
}
