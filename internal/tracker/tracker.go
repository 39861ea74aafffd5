// Package tracker marks messages as seen and keeps unread counts in step.
package tracker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/events"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/scheduler"
	"github.com/weiawesome/market-chat/pkg/log"
)

const (
	DefaultDebounce = time.Second
	DefaultThrottle = 2 * time.Second

	scheduledTimeout = 10 * time.Second
)

var tracer = otel.Tracer("github.com/weiawesome/market-chat/internal/tracker")

type Config struct {
	// Debounce is how long the message list must be quiet before a
	// scheduled mark-seen runs.
	Debounce time.Duration
	// Throttle is the minimum spacing of mark-seen runs per conversation
	// and viewer.
	Throttle time.Duration
}

// Result reports what a mark-seen run did.
type Result struct {
	Marked  int  `json:"marked"`
	Skipped bool `json:"skipped"`
	// RetryIn is set when the run was throttled.
	RetryIn time.Duration `json:"-"`
}

type UnreadTracker interface {
	// MarkSeen marks the other participant's unseen messages as seen and
	// resets the viewer's unread count.
	MarkSeen(ctx context.Context, conversationID, viewerID string) (Result, error)
	// ScheduleMarkSeen runs MarkSeen once the conversation has been quiet
	// for the debounce delay.
	ScheduleMarkSeen(conversationID, viewerID string)
	CancelScheduled(conversationID, viewerID string)
	Stop()
}

type unreadTrackerImpl struct {
	store    docstore.Store
	repo     repository.ConversationRepository
	events   events.Publisher
	metrics  *metrics.Metrics
	debounce *scheduler.Debouncer
	throttle *scheduler.Throttle
}

func NewUnreadTracker(
	store docstore.Store,
	repo repository.ConversationRepository,
	pub events.Publisher,
	m *metrics.Metrics,
	clock clockwork.Clock,
	cfg Config,
) UnreadTracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &unreadTrackerImpl{
		store:    store,
		repo:     repo,
		events:   pub,
		metrics:  m,
		debounce: scheduler.NewDebouncer(clock, cfg.Debounce),
		throttle: scheduler.NewThrottle(clock, cfg.Throttle),
	}
}

func key(conversationID, viewerID string) string {
	return conversationID + "|" + viewerID
}

func (t *unreadTrackerImpl) MarkSeen(ctx context.Context, conversationID, viewerID string) (Result, error) {
	const op = "tracker.MarkSeen"
	if conversationID == "" || viewerID == "" {
		return Result{}, domain.Invalid(op, "conversation and viewer are required")
	}

	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("user.id", viewerID),
	))
	defer span.End()

	res, err := t.markSeen(ctx, conversationID, viewerID)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.metrics.SeenResult("error", 0)
	case res.Skipped:
		t.metrics.SeenResult("throttled", 0)
	case res.Marked == 0:
		t.metrics.SeenResult("noop", 0)
	default:
		t.metrics.SeenResult("marked", res.Marked)
	}
	span.SetAttributes(attribute.Int("messages.marked", res.Marked), attribute.Bool("throttled", res.Skipped))
	return res, err
}

func (t *unreadTrackerImpl) markSeen(ctx context.Context, conversationID, viewerID string) (Result, error) {
	const op = "tracker.MarkSeen"
	conv, err := t.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if !conv.HasParticipant(viewerID) {
		return Result{}, domain.E(domain.ErrPermissionDenied, op, nil)
	}

	k := key(conversationID, viewerID)
	if ok, wait := t.throttle.Allow(k); !ok {
		return Result{Skipped: true, RetryIn: wait}, nil
	}

	res, err := t.apply(ctx, conversationID, viewerID)
	if err != nil {
		// Only completed runs hold the window.
		t.throttle.Forget(k)
	}
	return res, err
}

// apply marks the other participant's unseen messages and resets the
// viewer's unread count.
func (t *unreadTrackerImpl) apply(ctx context.Context, conversationID, viewerID string) (Result, error) {
	const op = "tracker.MarkSeen"
	path := repository.MessagesPath(conversationID)
	docs, err := t.store.Query(ctx, path, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where(repository.FieldSenderID, docstore.OpNotEqual, viewerID),
			docstore.Where(repository.FieldSeen, docstore.OpNotEqual, true),
		},
	})
	if err != nil {
		return Result{}, domain.FromStore(op, err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	if len(ids) > 0 {
		err := t.store.BatchUpdate(ctx, path, ids, docstore.Fields{
			repository.FieldSeen:   true,
			repository.FieldSeenAt: docstore.ServerTimestamp(),
		})
		if err != nil {
			return Result{}, domain.FromStore(op, err)
		}
	}

	if err := t.repo.ResetUnread(ctx, conversationID, viewerID); err != nil {
		if len(ids) == 0 {
			return Result{}, err
		}
		// Messages are marked; the count will be repaired by the reconciler.
		t.metrics.PartialWrite("mark_seen", "reference")
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldConversationID, conversationID).
			Str(log.FieldStep, "reference").Msg("partial write failure")
		return Result{Marked: len(ids)}, domain.E(domain.ErrPartialWrite, op, err)
	}

	if len(ids) > 0 {
		t.events.MessagesSeen(ctx, conversationID, viewerID, len(ids))
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldConversationID, conversationID).Str(log.FieldViewerID, viewerID).
			Int("marked", len(ids)).Msg("messages marked as seen")
	}
	return Result{Marked: len(ids)}, nil
}

func (t *unreadTrackerImpl) ScheduleMarkSeen(conversationID, viewerID string) {
	t.schedule(conversationID, viewerID, 0)
}

func (t *unreadTrackerImpl) schedule(conversationID, viewerID string, after time.Duration) {
	k := key(conversationID, viewerID)
	run := func() { t.runScheduled(conversationID, viewerID) }
	if after > 0 {
		t.debounce.TriggerAfter(k, after, run)
		return
	}
	t.debounce.Trigger(k, run)
}

func (t *unreadTrackerImpl) runScheduled(conversationID, viewerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledTimeout)
	defer cancel()
	ctx = log.With(ctx, log.FieldConversationID, conversationID, log.FieldViewerID, viewerID)

	res, err := t.MarkSeen(ctx, conversationID, viewerID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("scheduled mark seen failed")
		return
	}
	if res.Skipped {
		// Throttled: try again when the window reopens.
		t.schedule(conversationID, viewerID, res.RetryIn)
	}
}

func (t *unreadTrackerImpl) CancelScheduled(conversationID, viewerID string) {
	t.debounce.Cancel(key(conversationID, viewerID))
}

func (t *unreadTrackerImpl) Stop() {
	t.debounce.Stop()
}
