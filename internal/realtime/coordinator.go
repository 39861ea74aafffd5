// Package realtime keeps a viewer's conversation list and open message
// list in sync with the store through live subscriptions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/tracker"
	"github.com/weiawesome/market-chat/pkg/log"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// State of the conversation list subscription.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Subscription kinds, used in errors and metrics.
const (
	KindList     = "conversations"
	KindMessages = "messages"
)

// Sink receives updates for one session. Calls for a session are never
// concurrent. A sink must not call back into its session synchronously.
type Sink interface {
	ConversationsUpdated(convs []domain.ConversationSummary)
	MessagesUpdated(conversationID string, msgs []domain.Message)
	SubscriptionError(kind, conversationID string, err error)
}

type Coordinator struct {
	store   docstore.Store
	repo    repository.ConversationRepository
	tracker tracker.UnreadTracker
	metrics *metrics.Metrics
}

func NewCoordinator(store docstore.Store, repo repository.ConversationRepository, tr tracker.UnreadTracker, m *metrics.Metrics) *Coordinator {
	return &Coordinator{store: store, repo: repo, tracker: tr, metrics: m}
}

// NewSession starts an idle session for viewerID.
func (c *Coordinator) NewSession(viewerID string, sink Sink) *Session {
	return &Session{c: c, viewerID: viewerID, sink: sink}
}

// Session holds at most one conversation list subscription and at most one
// message subscription for a viewer.
type Session struct {
	c        *Coordinator
	viewerID string
	sink     Sink

	// opMu serializes structural changes.
	opMu     sync.Mutex
	closed   bool
	list     *watch
	messages *watch
	openID   string

	// deliverMu serializes sink calls across both subscriptions.
	deliverMu sync.Mutex

	stateMu sync.Mutex
	state   State
}

func (s *Session) ViewerID() string { return s.viewerID }

// ListState reports the state of the conversation list subscription.
func (s *Session) ListState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// OpenConversationID returns the conversation whose messages are watched.
func (s *Session) OpenConversationID() string {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.openID
}

// WatchList subscribes to the viewer's conversation list. Watching an
// already watched list is a no-op.
func (s *Session) WatchList(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.list != nil {
		return nil
	}

	s.setState(Subscribing)
	sub, err := s.c.store.Subscribe(ctx, repository.UserChatsPath(s.viewerID))
	if err != nil {
		s.setState(Unsubscribed)
		return domain.FromStore("realtime.WatchList", err)
	}
	s.c.metrics.SubscriptionOpened(KindList)
	s.list = startWatch(context.WithoutCancel(ctx), sub, s.onListBatch)
	return nil
}

func (s *Session) onListBatch(ctx context.Context, b docstore.ChangeBatch) {
	l := log.Ctx(ctx)
	if b.Err != nil {
		s.setState(Error)
		s.c.metrics.SubscriptionError(KindList)
		l.Warn().Err(b.Err).Str(log.FieldViewerID, s.viewerID).Msg("conversation list subscription failing")
		s.emit(func() {
			s.sink.SubscriptionError(KindList, "", domain.E(domain.ErrNetwork, "realtime.conversations", b.Err))
		})
		return
	}

	refs := repository.RefsFromDocs(s.viewerID, b.Docs)
	summaries := s.c.repo.Summarize(ctx, refs)

	// Cancelled while resolving profiles.
	if ctx.Err() != nil {
		return
	}
	s.setState(Active)
	s.emit(func() { s.sink.ConversationsUpdated(summaries) })
}

// UnwatchList cancels the conversation list subscription.
func (s *Session) UnwatchList() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.unwatchListLocked()
}

func (s *Session) unwatchListLocked() {
	if s.list == nil {
		return
	}
	s.list.Cancel()
	s.list = nil
	s.setState(Unsubscribed)
	s.c.metrics.SubscriptionClosed(KindList)
}

// OpenConversation makes conversationID the watched conversation, tearing
// down the previous one first, and resets the viewer's unread count.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	const op = "realtime.OpenConversation"
	if conversationID == "" {
		return domain.Invalid(op, "conversation id is required")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	conv, err := s.c.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(s.viewerID) {
		return domain.E(domain.ErrPermissionDenied, op, nil)
	}

	s.closeConversationLocked()

	l := log.Ctx(ctx)
	if err := s.c.repo.ResetUnread(ctx, conversationID, s.viewerID); err != nil {
		l.Warn().Err(err).Str(log.FieldConversationID, conversationID).Msg("failed to reset unread count")
	}

	sub, err := s.c.store.Subscribe(ctx, repository.MessagesPath(conversationID))
	if err != nil {
		return domain.FromStore(op, err)
	}
	s.c.metrics.SubscriptionOpened(KindMessages)
	s.openID = conversationID
	s.messages = startWatch(context.WithoutCancel(ctx), sub, func(ctx context.Context, b docstore.ChangeBatch) {
		s.onMessagesBatch(ctx, conversationID, b)
	})
	return nil
}

func (s *Session) onMessagesBatch(ctx context.Context, conversationID string, b docstore.ChangeBatch) {
	if b.Err != nil {
		s.c.metrics.SubscriptionError(KindMessages)
		l := log.Ctx(ctx)
		l.Warn().Err(b.Err).Str(log.FieldConversationID, conversationID).Msg("message subscription failing")
		s.emit(func() {
			s.sink.SubscriptionError(KindMessages, conversationID, domain.E(domain.ErrNetwork, "realtime.messages", b.Err))
		})
		return
	}

	msgs := repository.MessagesFromDocs(conversationID, b.Docs)
	s.emit(func() { s.sink.MessagesUpdated(conversationID, msgs) })

	for _, m := range msgs {
		if m.SenderID != s.viewerID && !m.Seen {
			if s.c.tracker != nil {
				s.c.tracker.ScheduleMarkSeen(conversationID, s.viewerID)
			}
			break
		}
	}
}

// CloseConversation stops watching the open conversation.
func (s *Session) CloseConversation() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closeConversationLocked()
}

func (s *Session) closeConversationLocked() {
	if s.messages == nil {
		return
	}
	s.messages.Cancel()
	s.messages = nil
	s.c.metrics.SubscriptionClosed(KindMessages)
	if s.c.tracker != nil {
		s.c.tracker.CancelScheduled(s.openID, s.viewerID)
	}
	s.openID = ""
}

// Close cancels both subscriptions. It is idempotent.
func (s *Session) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closed = true
	s.closeConversationLocked()
	s.unwatchListLocked()
}

func (s *Session) emit(fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	fn()
}
