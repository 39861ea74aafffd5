package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weiawesome/market-chat/internal/audit"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/hub"
	"github.com/weiawesome/market-chat/internal/realtime"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/tracker"
	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/pubsub"
)

var errNoSession = errors.New("no realtime session for client")

type chatService struct {
	hub     *hub.Hub
	repo    repository.ConversationRepository
	tracker tracker.UnreadTracker
	coord   *realtime.Coordinator
	bus     pubsub.Subscriber

	mu       sync.Mutex
	sessions map[string]*realtime.Session // clientID -> session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChatService wires the WebSocket protocol. bus may be nil, in which
// case no notifications are relayed.
func NewChatService(
	h *hub.Hub,
	repo repository.ConversationRepository,
	tr tracker.UnreadTracker,
	coord *realtime.Coordinator,
	bus pubsub.Subscriber,
) ChatService {
	return &chatService{
		hub:      h,
		repo:     repo,
		tracker:  tr,
		coord:    coord,
		bus:      bus,
		sessions: make(map[string]*realtime.Session),
	}
}

func (s *chatService) session(c *hub.Client) (*realtime.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sessions[c.ID]
	if !ok {
		return nil, errNoSession
	}
	return rs, nil
}

func (s *chatService) HandleConnect(ctx context.Context, c *hub.Client) error {
	userID := c.Session.GetUserID()
	rs := s.coord.NewSession(userID, c)

	s.mu.Lock()
	s.sessions[c.ID] = rs
	s.mu.Unlock()

	audit.Log(ctx, audit.ActionConnect, userID, "websocket connected")
	return nil
}

func (s *chatService) HandleWatchList(ctx context.Context, c *hub.Client) error {
	rs, err := s.session(c)
	if err != nil {
		return err
	}
	if err := rs.WatchList(ctx); err != nil {
		return s.replyError(c, "", err)
	}
	return nil
}

func (s *chatService) HandleUnwatchList(_ context.Context, c *hub.Client) error {
	rs, err := s.session(c)
	if err != nil {
		return err
	}
	rs.UnwatchList()
	return nil
}

func (s *chatService) HandleOpenConversation(ctx context.Context, c *hub.Client, requestID, conversationID string) error {
	rs, err := s.session(c)
	if err != nil {
		return err
	}
	if err := rs.OpenConversation(ctx, conversationID); err != nil {
		return s.replyError(c, requestID, err)
	}
	audit.LogTarget(ctx, audit.ActionOpenConversation, c.Session.GetUserID(), conversationID, "conversation opened")
	return nil
}

func (s *chatService) HandleCloseConversation(_ context.Context, c *hub.Client) error {
	rs, err := s.session(c)
	if err != nil {
		return err
	}
	rs.CloseConversation()
	return nil
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, requestID, conversationID, text string) error {
	if conversationID == "" {
		// Default to the conversation being viewed.
		if rs, err := s.session(c); err == nil {
			conversationID = rs.OpenConversationID()
		}
	}
	if conversationID == "" {
		return s.replyError(c, requestID, domain.Invalid("service.SendMessage", "no conversation selected"))
	}

	userID := c.Session.GetUserID()
	msgID, err := s.repo.SendMessage(ctx, conversationID, userID, text)
	if err != nil {
		return s.replyError(c, requestID, err)
	}
	audit.LogTarget(ctx, audit.ActionSendMessage, userID, conversationID, "message sent")

	return c.SendMessage(&domain.MessageSentOut{
		Type:           domain.MsgTypeMessageSent,
		RequestID:      requestID,
		ConversationID: conversationID,
		MessageID:      msgID,
	})
}

func (s *chatService) HandleMarkSeen(ctx context.Context, c *hub.Client, requestID, conversationID string) error {
	if conversationID == "" {
		if rs, err := s.session(c); err == nil {
			conversationID = rs.OpenConversationID()
		}
	}
	res, err := s.tracker.MarkSeen(ctx, conversationID, c.Session.GetUserID())
	if err != nil {
		return s.replyError(c, requestID, err)
	}
	return c.SendMessage(&domain.SeenResultOut{
		Type:           domain.MsgTypeSeenResult,
		RequestID:      requestID,
		ConversationID: conversationID,
		Marked:         res.Marked,
		Skipped:        res.Skipped,
	})
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	s.mu.Lock()
	rs, ok := s.sessions[c.ID]
	delete(s.sessions, c.ID)
	s.mu.Unlock()

	if ok {
		rs.Close()
	}
	audit.Log(ctx, audit.ActionDisconnect, c.Session.GetUserID(), "websocket disconnected")
	return nil
}

// replyError reports err to the client. Client errors are not returned to
// the caller; everything else is, for logging.
func (s *chatService) replyError(c *hub.Client, requestID string, err error) error {
	code := domain.ErrorCode(err)
	msg := err.Error()
	if code == domain.ErrCodeInternalError || code == domain.ErrCodeUnavailable {
		msg = "Request failed, please retry"
	}
	c.SendMessage(&domain.ErrorMessage{
		Type:      domain.MsgTypeError,
		RequestID: requestID,
		Code:      code,
		Message:   msg,
	})
	switch code {
	case domain.ErrCodeBadRequest, domain.ErrCodeForbidden, domain.ErrCodeNotFound:
		return nil
	}
	return err
}

func (s *chatService) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	events, err := s.bus.SubscribePattern(ctx, pubsub.PatternUserInbox)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to inbox events: %w", err)
	}
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relay(ctx, events)
	}()

	l := log.Ctx(ctx)
	l.Info().Msg("chat service started")
	return nil
}

func (s *chatService) relay(ctx context.Context, events <-chan *pubsub.Event) {
	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != pubsub.EventMessageSent {
				continue
			}
			var p pubsub.MessagePayload
			if err := ev.UnmarshalPayload(&p); err != nil {
				l.Warn().Err(err).Msg("bad inbox event payload")
				continue
			}
			if p.RecipientID == "" || s.hub.UserClientCount(p.RecipientID) == 0 {
				continue
			}
			err := s.hub.SendToUser(p.RecipientID, &domain.NotificationOut{
				Type:           domain.MsgTypeNotification,
				ConversationID: p.ConversationID,
				MessageID:      p.MessageID,
				SenderID:       p.SenderID,
				Text:           p.Text,
				ProductID:      p.ProductID,
			}, "")
			if err != nil {
				l.Warn().Err(err).Str(log.FieldUserID, p.RecipientID).Msg("failed to relay notification")
			}
		}
	}
}

func (s *chatService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*realtime.Session)
	s.mu.Unlock()
	for _, rs := range sessions {
		rs.Close()
	}
	return nil
}
