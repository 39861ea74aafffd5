// Package events announces chat activity on the event bus for downstream
// consumers such as push notification dispatch and admin tooling.
package events

import (
	"context"

	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/pubsub"
)

// Publisher announces domain events. Publishing is best effort: failures
// are logged and never fail the operation that caused the event.
type Publisher interface {
	ConversationCreated(ctx context.Context, conv domain.Conversation)
	ConversationDeleted(ctx context.Context, conv domain.Conversation)
	MessageSent(ctx context.Context, msg domain.Message, recipientID, productID string)
	MessagesSeen(ctx context.Context, conversationID, viewerID string, count int)
}

// BusPublisher publishes to pkg/pubsub channels: recipient-facing events go to
// the user's inbox channel, everything also goes to the conversation channel.
type BusPublisher struct {
	bus pubsub.Publisher
}

func NewBusPublisher(bus pubsub.Publisher) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) ConversationCreated(ctx context.Context, conv domain.Conversation) {
	payload := pubsub.ConversationPayload{ConversationID: conv.ID, Participants: conv.Participants, ProductID: conv.ProductID}
	p.publish(ctx, pubsub.ConversationEventsChannel(conv.ID), pubsub.EventConversationCreated, conv.ID, payload)
}

func (p *BusPublisher) ConversationDeleted(ctx context.Context, conv domain.Conversation) {
	payload := pubsub.ConversationPayload{ConversationID: conv.ID, Participants: conv.Participants, ProductID: conv.ProductID}
	p.publish(ctx, pubsub.ConversationEventsChannel(conv.ID), pubsub.EventConversationDeleted, conv.ID, payload)
}

func (p *BusPublisher) MessageSent(ctx context.Context, msg domain.Message, recipientID, productID string) {
	payload := pubsub.MessagePayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    recipientID,
		Text:           msg.Text,
		ProductID:      productID,
	}
	if recipientID != "" {
		p.publish(ctx, pubsub.UserInboxChannel(recipientID), pubsub.EventMessageSent, recipientID, payload)
	}
	p.publish(ctx, pubsub.ConversationEventsChannel(msg.ConversationID), pubsub.EventMessageSent, msg.ConversationID, payload)
}

func (p *BusPublisher) MessagesSeen(ctx context.Context, conversationID, viewerID string, count int) {
	payload := pubsub.SeenPayload{ConversationID: conversationID, ViewerID: viewerID, Count: count}
	p.publish(ctx, pubsub.ConversationEventsChannel(conversationID), pubsub.EventMessagesSeen, conversationID, payload)
}

func (p *BusPublisher) publish(ctx context.Context, channel, eventType, key string, payload any) {
	l := log.Ctx(ctx)
	ev, err := pubsub.NewEvent(eventType, key, payload)
	if err != nil {
		l.Error().Err(err).Str("type", eventType).Msg("failed to build event")
		return
	}
	if err := p.bus.Publish(context.WithoutCancel(ctx), channel, ev); err != nil {
		l.Warn().Err(err).Str("type", eventType).Str("channel", channel).Msg("failed to publish event")
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) ConversationCreated(context.Context, domain.Conversation) {}
func (Nop) ConversationDeleted(context.Context, domain.Conversation) {}
func (Nop) MessageSent(context.Context, domain.Message, string, string) {}
func (Nop) MessagesSeen(context.Context, string, string, int) {}
