package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/market-chat/internal/config"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/hub"
	"github.com/weiawesome/market-chat/internal/service"
	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/middleware"
)

type WSHandler struct {
	hub      *hub.Hub
	service  service.ChatService
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades an authenticated request. RequireAuth must run
// first so the user id is on the gin context.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	session := domain.NewSession(clientID, userID, middleware.GetRoles(c))
	client := hub.NewClient(clientID, h.hub, conn, session, h.wsCfg)

	// The request context ends when the handler returns; the connection
	// outlives it.
	ctx := log.With(context.WithoutCancel(c.Request.Context()), "client_id", clientID)
	ctx, cancel := context.WithCancel(ctx)

	h.hub.Register(client)
	if err := h.service.HandleConnect(ctx, client); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("connect failed")
		cancel()
		h.hub.Unregister(client)
		conn.Close()
		return
	}

	go client.WritePump()
	go func() {
		defer cancel()
		client.ReadPump(func(cl *hub.Client, message []byte) {
			h.handleMessage(ctx, cl, message)
		})
		if err := h.service.HandleDisconnect(ctx, client); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("disconnect cleanup failed")
		}
	}()
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	l := log.Ctx(ctx)
	var err error

	switch base.Type {
	case domain.MsgTypeWatchList:
		err = h.service.HandleWatchList(ctx, client)

	case domain.MsgTypeUnwatchList:
		err = h.service.HandleUnwatchList(ctx, client)

	case domain.MsgTypeOpenConversation:
		var msg domain.ConversationMessage
		if jerr := json.Unmarshal(message, &msg); jerr != nil || msg.ConversationID == "" {
			h.badRequest(client, base.RequestID, "Invalid open_conversation message")
			return
		}
		err = h.service.HandleOpenConversation(ctx, client, msg.RequestID, msg.ConversationID)

	case domain.MsgTypeCloseConversation:
		err = h.service.HandleCloseConversation(ctx, client)

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageWS
		if jerr := json.Unmarshal(message, &msg); jerr != nil {
			h.badRequest(client, base.RequestID, "Invalid send_message message")
			return
		}
		err = h.service.HandleSendMessage(ctx, client, msg.RequestID, msg.ConversationID, msg.Text)

	case domain.MsgTypeMarkSeen:
		var msg domain.ConversationMessage
		if jerr := json.Unmarshal(message, &msg); jerr != nil {
			h.badRequest(client, base.RequestID, "Invalid mark_seen message")
			return
		}
		err = h.service.HandleMarkSeen(ctx, client, msg.RequestID, msg.ConversationID)

	case domain.MsgTypePing:
		client.SendMessage(&domain.PongMessage{Type: domain.MsgTypePong, RequestID: base.RequestID})

	default:
		h.badRequest(client, base.RequestID, "Unknown message type")
	}

	if err != nil {
		l.Warn().Err(err).Str("type", base.Type).Msg("websocket request failed")
	}
}

func (h *WSHandler) badRequest(client *hub.Client, requestID, msg string) {
	e := domain.NewErrorMessage(domain.ErrCodeBadRequest, msg)
	e.RequestID = requestID
	client.SendMessage(e)
}

func (h *WSHandler) RegisterRoutes(r gin.IRouter, auth *middleware.AuthMiddleware) {
	r.GET("/ws", auth.RequireAuth(), h.HandleWebSocket)
}
