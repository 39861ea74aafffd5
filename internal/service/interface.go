package service

import (
	"context"

	"github.com/weiawesome/market-chat/internal/hub"
)

// ChatService handles the WebSocket protocol for connected clients.
type ChatService interface {
	HandleConnect(ctx context.Context, client *hub.Client) error
	HandleWatchList(ctx context.Context, client *hub.Client) error
	HandleUnwatchList(ctx context.Context, client *hub.Client) error
	HandleOpenConversation(ctx context.Context, client *hub.Client, requestID, conversationID string) error
	HandleCloseConversation(ctx context.Context, client *hub.Client) error
	HandleSendMessage(ctx context.Context, client *hub.Client, requestID, conversationID, text string) error
	HandleMarkSeen(ctx context.Context, client *hub.Client, requestID, conversationID string) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error
	// Start relays inbox events from the bus to connected recipients.
	Start(ctx context.Context) error
	Stop() error
}
