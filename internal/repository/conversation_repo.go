// Package repository stores two-party conversations in a document store.
//
// A conversation lives at chats/{id}, its messages at chats/{id}/messages,
// and each participant keeps a chat reference at userChats/{uid}/chats/{id}
// carrying the last message and that participant's unread count.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weiawesome/market-chat/internal/activity"
	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/events"
	"github.com/weiawesome/market-chat/internal/metrics"
	"github.com/weiawesome/market-chat/internal/profile"
	"github.com/weiawesome/market-chat/pkg/log"
)

const DefaultMaxMessageLength = 2000

var tracer = otel.Tracer("github.com/weiawesome/market-chat/internal/repository")

type Config struct {
	MaxMessageLength int
}

type conversationRepoImpl struct {
	store    docstore.Store
	profiles profile.Directory
	events   events.Publisher
	activity activity.Store
	metrics  *metrics.Metrics
	maxLen   int
}

// NewConversationRepository wires the repository. events, activity and
// metrics may be nil.
func NewConversationRepository(
	store docstore.Store,
	profiles profile.Directory,
	pub events.Publisher,
	act activity.Store,
	m *metrics.Metrics,
	cfg Config,
) ConversationRepository {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &conversationRepoImpl{
		store:    store,
		profiles: profiles,
		events:   pub,
		activity: act,
		metrics:  m,
		maxLen:   cfg.MaxMessageLength,
	}
}

func (r *conversationRepoImpl) FindOrCreate(ctx context.Context, currentUserID, otherUserID, productID string) (string, error) {
	const op = "repository.FindOrCreate"
	if currentUserID == "" || otherUserID == "" {
		return "", domain.Invalid(op, "both user ids are required")
	}
	if currentUserID == otherUserID {
		return "", domain.Invalid(op, "cannot start a conversation with yourself")
	}

	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("user.id", currentUserID),
		attribute.String("other_user.id", otherUserID),
		attribute.String("product.id", productID),
	))
	defer span.End()

	docs, err := r.store.Query(ctx, UserChatsPath(currentUserID), docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where(FieldOtherUserID, docstore.OpEqual, otherUserID),
			docstore.Where(FieldProductID, docstore.OpEqual, productValue(productID)),
		},
		OrderBy: []docstore.Order{{Field: FieldCreatedAt}},
	})
	if err != nil {
		return "", fail(span, domain.FromStore(op, err))
	}
	if len(docs) > 0 {
		return RefFromDoc(currentUserID, docs[0]).ChatID, nil
	}

	id := ConversationID(currentUserID, otherUserID, productID)
	l := log.Ctx(ctx).With().Str(log.FieldConversationID, id).Logger()

	created := true
	err = r.store.CreateWithID(ctx, ChatsCollection, id, docstore.Fields{
		FieldParticipants: []string{currentUserID, otherUserID},
		FieldProductID:    productValue(productID),
		FieldCreatedAt:    docstore.ServerTimestamp(),
	})
	switch {
	case errors.Is(err, docstore.ErrAlreadyExists):
		created = false
		l.Debug().Msg("conversation already exists, adopting it")
	case err != nil:
		return "", fail(span, domain.FromStore(op, err))
	}

	if err := r.createRef(ctx, currentUserID, id, otherUserID, productID, 0); err != nil {
		r.metrics.PartialWrite("find_or_create", "own_reference")
		l.Error().Err(err).Str(log.FieldStep, "own_reference").Msg("partial write failure")
		return "", fail(span, domain.E(domain.ErrPartialWrite, op, err))
	}
	if err := r.createRef(ctx, otherUserID, id, currentUserID, productID, 0); err != nil {
		r.metrics.PartialWrite("find_or_create", "other_reference")
		l.Error().Err(err).Str(log.FieldStep, "other_reference").Msg("partial write failure")
	}

	if created {
		r.events.ConversationCreated(ctx, domain.Conversation{
			ID:           id,
			Participants: []string{currentUserID, otherUserID},
			ProductID:    productID,
		})
		l.Info().Str(log.FieldUserID, currentUserID).Msg("conversation created")
	}
	span.SetAttributes(attribute.Bool("conversation.created", created))
	return id, nil
}

// createRef writes a reference keyed by the conversation id. An existing
// reference is left untouched.
func (r *conversationRepoImpl) createRef(ctx context.Context, ownerID, conversationID, otherUserID, productID string, unread int64) error {
	err := r.store.CreateWithID(ctx, UserChatsPath(ownerID), conversationID, docstore.Fields{
		FieldChatID:          conversationID,
		FieldOtherUserID:     otherUserID,
		FieldProductID:       productValue(productID),
		FieldLastMessage:     "",
		FieldLastMessageTime: nil,
		FieldUnreadCount:     unread,
		FieldCreatedAt:       docstore.ServerTimestamp(),
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (r *conversationRepoImpl) SendMessage(ctx context.Context, conversationID, senderID, text string) (string, error) {
	const op = "repository.SendMessage"
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", domain.Invalid(op, "message text is empty")
	case utf8.RuneCountInString(text) > r.maxLen:
		return "", domain.Invalid(op, "message text is too long")
	case conversationID == "" || senderID == "":
		return "", domain.Invalid(op, "conversation and sender are required")
	}

	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("user.id", senderID),
	))
	defer span.End()

	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fail(span, err)
	}
	if !conv.HasParticipant(senderID) {
		return "", fail(span, domain.E(domain.ErrPermissionDenied, op, nil))
	}

	msgID, err := r.store.Create(ctx, MessagesPath(conversationID), docstore.Fields{
		FieldSenderID:  senderID,
		FieldText:      text,
		FieldTimestamp: docstore.ServerTimestamp(),
		FieldSeen:      false,
		FieldSeenAt:    nil,
	})
	if err != nil {
		return "", fail(span, domain.FromStore(op, err))
	}
	span.SetAttributes(attribute.String("message.id", msgID))

	l := log.Ctx(ctx).With().
		Str(log.FieldConversationID, conversationID).
		Str(log.FieldMessageID, msgID).
		Logger()

	if err := r.touchOwnRef(ctx, conv, senderID, text); err != nil {
		r.metrics.PartialWrite("send_message", "sender_reference")
		l.Error().Err(err).Str(log.FieldStep, "sender_reference").Msg("partial write failure")
	}

	recipientID, ok := conv.OtherParticipant(senderID)
	if ok {
		if err := r.bumpRecipientRef(ctx, conv, recipientID, senderID, text); err != nil {
			r.metrics.PartialWrite("send_message", "recipient_reference")
			l.Error().Err(err).Str(log.FieldStep, "recipient_reference").
				Str(log.FieldUserID, recipientID).Msg("partial write failure")
			span.AddEvent("recipient reference not updated")
		}
		if r.activity != nil {
			if err := r.activity.Record(ctx, activity.Pair{ConversationID: conversationID, UserID: recipientID}); err != nil {
				l.Warn().Err(err).Msg("failed to record unread activity")
			}
		}
	}

	r.events.MessageSent(ctx, domain.Message{
		ID:             msgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
	}, recipientID, conv.ProductID)
	r.metrics.MessageSent()

	return msgID, nil
}

func (r *conversationRepoImpl) touchOwnRef(ctx context.Context, conv *domain.Conversation, ownerID, text string) error {
	fields := docstore.Fields{
		FieldLastMessage:     text,
		FieldLastMessageTime: docstore.ServerTimestamp(),
		FieldUnreadCount:     int64(0),
	}
	refID, err := r.findRefID(ctx, ownerID, conv.ID)
	if err != nil {
		return err
	}
	if refID != "" {
		return r.store.Update(ctx, UserChatsPath(ownerID), refID, fields)
	}

	other, _ := conv.OtherParticipant(ownerID)
	if err := r.createRef(ctx, ownerID, conv.ID, other, conv.ProductID, 0); err != nil {
		return err
	}
	return r.store.Update(ctx, UserChatsPath(ownerID), conv.ID, fields)
}

func (r *conversationRepoImpl) bumpRecipientRef(ctx context.Context, conv *domain.Conversation, recipientID, senderID, text string) error {
	fields := docstore.Fields{
		FieldLastMessage:     text,
		FieldLastMessageTime: docstore.ServerTimestamp(),
		FieldUnreadCount:     docstore.Increment(1),
	}
	refID, err := r.findRefID(ctx, recipientID, conv.ID)
	if err != nil {
		return err
	}
	if refID != "" {
		return r.store.Update(ctx, UserChatsPath(recipientID), refID, fields)
	}

	err = r.store.CreateWithID(ctx, UserChatsPath(recipientID), conv.ID, docstore.Fields{
		FieldChatID:          conv.ID,
		FieldOtherUserID:     senderID,
		FieldProductID:       productValue(conv.ProductID),
		FieldLastMessage:     text,
		FieldLastMessageTime: docstore.ServerTimestamp(),
		FieldUnreadCount:     int64(1),
		FieldCreatedAt:       docstore.ServerTimestamp(),
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		// Created concurrently; count this message on top of it.
		return r.store.Update(ctx, UserChatsPath(recipientID), conv.ID, fields)
	}
	if err == nil {
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldConversationID, conv.ID).Str(log.FieldUserID, recipientID).
			Msg("recreated missing chat reference")
	}
	return err
}

// findRefID locates ownerID's reference to the conversation. References
// are keyed by conversation id; older ones are found by their chatId field.
// It returns "" when there is none.
func (r *conversationRepoImpl) findRefID(ctx context.Context, ownerID, conversationID string) (string, error) {
	path := UserChatsPath(ownerID)
	_, err := r.store.Get(ctx, path, conversationID)
	if err == nil {
		return conversationID, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return "", err
	}

	docs, err := r.store.Query(ctx, path, docstore.Query{
		Filters: []docstore.Filter{docstore.Where(FieldChatID, docstore.OpEqual, conversationID)},
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].ID, nil
}

func (r *conversationRepoImpl) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	const op = "repository.ListConversations"
	if userID == "" {
		return nil, domain.Invalid(op, "user id is required")
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	docs, err := r.store.Query(ctx, UserChatsPath(userID), docstore.Query{
		OrderBy: []docstore.Order{{Field: FieldLastMessageTime, Desc: true}},
	})
	if err != nil {
		return nil, fail(span, domain.FromStore(op, err))
	}
	return r.Summarize(ctx, RefsFromDocs(userID, docs)), nil
}

func (r *conversationRepoImpl) Summarize(ctx context.Context, refs []domain.ChatReference) []domain.ConversationSummary {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.OtherUserID)
	}
	var profiles map[string]domain.UserProfile
	if r.profiles != nil {
		profiles = r.profiles.GetMany(ctx, ids)
	}

	out := make([]domain.ConversationSummary, 0, len(refs))
	for _, ref := range refs {
		other, ok := profiles[ref.OtherUserID]
		if !ok {
			other = domain.UserProfile{ID: ref.OtherUserID}
		}
		out = append(out, domain.ConversationSummary{
			ConversationID:  ref.ChatID,
			OtherUser:       other,
			ProductID:       ref.ProductID,
			LastMessage:     ref.LastMessage,
			LastMessageTime: ref.LastMessageTime,
			UnreadCount:     ref.UnreadCount,
			UnreadBadge:     domain.UnreadBadge(ref.UnreadCount),
			CreatedAt:       ref.CreatedAt,
		})
	}
	domain.SortSummaries(out)
	return out
}

func (r *conversationRepoImpl) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	const op = "repository.GetConversation"
	if conversationID == "" {
		return nil, domain.Invalid(op, "conversation id is required")
	}
	doc, err := r.store.Get(ctx, ChatsCollection, conversationID)
	if err != nil {
		return nil, domain.FromStore(op, err)
	}
	return conversationFromDoc(*doc), nil
}

func (r *conversationRepoImpl) ListMessages(ctx context.Context, conversationID, viewerID string) ([]domain.Message, error) {
	const op = "repository.ListMessages"
	if viewerID == "" {
		return nil, domain.Invalid(op, "viewer id is required")
	}
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, domain.E(domain.ErrPermissionDenied, op, nil)
	}

	docs, err := r.store.Query(ctx, MessagesPath(conversationID), docstore.Query{
		OrderBy: []docstore.Order{{Field: FieldTimestamp}},
	})
	if err != nil {
		return nil, domain.FromStore(op, err)
	}
	return MessagesFromDocs(conversationID, docs), nil
}

func (r *conversationRepoImpl) ResetUnread(ctx context.Context, conversationID, viewerID string) error {
	const op = "repository.ResetUnread"
	if conversationID == "" || viewerID == "" {
		return domain.Invalid(op, "conversation and viewer are required")
	}
	path := UserChatsPath(viewerID)
	refID, err := r.findRefID(ctx, viewerID, conversationID)
	if err != nil {
		return domain.FromStore(op, err)
	}
	if refID == "" {
		return nil
	}
	doc, err := r.store.Get(ctx, path, refID)
	if err != nil {
		return domain.FromStore(op, err)
	}
	if docstore.Int(doc.Fields, FieldUnreadCount) == 0 {
		return nil
	}
	if err := r.store.Update(ctx, path, refID, docstore.Fields{FieldUnreadCount: int64(0)}); err != nil {
		return domain.FromStore(op, err)
	}
	return nil
}

func (r *conversationRepoImpl) RecountUnread(ctx context.Context, conversationID, viewerID string) (int, bool, error) {
	const op = "repository.RecountUnread"
	if conversationID == "" || viewerID == "" {
		return 0, false, domain.Invalid(op, "conversation and viewer are required")
	}
	path := UserChatsPath(viewerID)
	refID, err := r.findRefID(ctx, viewerID, conversationID)
	if err != nil {
		return 0, false, domain.FromStore(op, err)
	}
	if refID == "" {
		return 0, false, domain.E(domain.ErrNotFound, op, nil)
	}

	before, err := r.storedUnread(ctx, path, refID)
	if err != nil {
		return 0, false, domain.FromStore(op, err)
	}
	n, err := r.countUnread(ctx, conversationID, viewerID)
	if err != nil {
		return 0, false, domain.FromStore(op, err)
	}
	if n == before {
		return n, false, nil
	}

	// A send or MarkSeen that landed meanwhile already set the count.
	current, err := r.storedUnread(ctx, path, refID)
	if err != nil {
		return 0, false, domain.FromStore(op, err)
	}
	if current != before {
		return current, false, nil
	}
	if err := r.store.Update(ctx, path, refID, docstore.Fields{FieldUnreadCount: int64(n)}); err != nil {
		return 0, false, domain.FromStore(op, err)
	}
	return n, true, nil
}

func (r *conversationRepoImpl) storedUnread(ctx context.Context, path, refID string) (int, error) {
	doc, err := r.store.Get(ctx, path, refID)
	if err != nil {
		return 0, err
	}
	return int(docstore.Int(doc.Fields, FieldUnreadCount)), nil
}

// countUnread counts the other participant's unseen messages sent after the
// viewer's latest message, matching the reset every send applies to the
// sender's reference.
func (r *conversationRepoImpl) countUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	msgsPath := MessagesPath(conversationID)
	own, err := r.store.Query(ctx, msgsPath, docstore.Query{
		Filters: []docstore.Filter{docstore.Where(FieldSenderID, docstore.OpEqual, viewerID)},
	})
	if err != nil {
		return 0, err
	}
	var lastOwn time.Time
	for _, m := range MessagesFromDocs(conversationID, own) {
		if m.Timestamp.After(lastOwn) {
			lastOwn = m.Timestamp
		}
	}

	unseen, err := r.store.Query(ctx, msgsPath, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where(FieldSenderID, docstore.OpNotEqual, viewerID),
			docstore.Where(FieldSeen, docstore.OpNotEqual, true),
		},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range MessagesFromDocs(conversationID, unseen) {
		if m.Timestamp.After(lastOwn) {
			n++
		}
	}
	return n, nil
}

func (r *conversationRepoImpl) TotalUnread(ctx context.Context, userID string) (int, error) {
	const op = "repository.TotalUnread"
	if userID == "" {
		return 0, domain.Invalid(op, "user id is required")
	}
	docs, err := r.store.Query(ctx, UserChatsPath(userID), docstore.Query{})
	if err != nil {
		return 0, domain.FromStore(op, err)
	}
	total := 0
	for _, ref := range RefsFromDocs(userID, docs) {
		total += ref.UnreadCount
	}
	return total, nil
}

// DeleteConversation removes the messages, then every participant's
// references, then the conversation itself.
func (r *conversationRepoImpl) DeleteConversation(ctx context.Context, conversationID string) error {
	const op = "repository.DeleteConversation"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return fail(span, err)
	}
	l := log.Ctx(ctx).With().Str(log.FieldConversationID, conversationID).Logger()

	if err := r.deleteAll(ctx, MessagesPath(conversationID), docstore.Query{}); err != nil {
		r.metrics.PartialWrite("delete_conversation", "messages")
		l.Error().Err(err).Str(log.FieldStep, "messages").Msg("partial write failure")
		return fail(span, domain.E(domain.ErrPartialWrite, op, err))
	}

	for _, uid := range conv.Participants {
		refs := docstore.Query{Filters: []docstore.Filter{docstore.Where(FieldChatID, docstore.OpEqual, conversationID)}}
		if err := r.deleteAll(ctx, UserChatsPath(uid), refs); err != nil {
			r.metrics.PartialWrite("delete_conversation", "references")
			l.Error().Err(err).Str(log.FieldStep, "references").Str(log.FieldUserID, uid).Msg("partial write failure")
			return fail(span, domain.E(domain.ErrPartialWrite, op, err))
		}
	}

	if err := r.store.Delete(ctx, ChatsCollection, conversationID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		r.metrics.PartialWrite("delete_conversation", "conversation")
		return fail(span, domain.E(domain.ErrPartialWrite, op, err))
	}

	r.events.ConversationDeleted(ctx, *conv)
	l.Info().Msg("conversation deleted")
	return nil
}

// DeleteUserChats removes every conversation the user takes part in and
// whatever references remain in the user's collection.
func (r *conversationRepoImpl) DeleteUserChats(ctx context.Context, userID string) error {
	const op = "repository.DeleteUserChats"
	if userID == "" {
		return domain.Invalid(op, "user id is required")
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	convs, err := r.store.Query(ctx, ChatsCollection, docstore.Query{
		Filters: []docstore.Filter{docstore.Where(FieldParticipants, docstore.OpArrayContains, userID)},
	})
	if err != nil {
		return fail(span, domain.FromStore(op, err))
	}
	for _, c := range convs {
		if err := r.DeleteConversation(ctx, c.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fail(span, err)
		}
	}

	if err := r.deleteAll(ctx, UserChatsPath(userID), docstore.Query{}); err != nil {
		return fail(span, domain.E(domain.ErrPartialWrite, op, err))
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldUserID, userID).Int("conversations", len(convs)).Msg("user chats deleted")
	return nil
}

func (r *conversationRepoImpl) deleteAll(ctx context.Context, path string, q docstore.Query) error {
	docs, err := r.store.Query(ctx, path, q)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := r.store.Delete(ctx, path, d.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
