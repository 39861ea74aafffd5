package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/market-chat/internal/audit"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/repository"
	"github.com/weiawesome/market-chat/internal/tracker"
	pkglog "github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/middleware"
	"github.com/weiawesome/market-chat/pkg/response"
)

const roleAdmin = "admin"

// Handler serves the REST surface over the conversation repository.
type Handler struct {
	repo           repository.ConversationRepository
	tracker        tracker.UnreadTracker
	authMiddleware *middleware.AuthMiddleware
}

func NewHandler(repo repository.ConversationRepository, tr tracker.UnreadTracker, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		repo:           repo,
		tracker:        tr,
		authMiddleware: authMiddleware,
	}
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId" binding:"required"`
	ProductID   string `json:"productId"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// RegisterRoutes registers all routes onto the Gin engine.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		convs := api.Group("/conversations")
		{
			convs.POST("", h.CreateConversation)
			convs.GET("", h.ListConversations)
			convs.GET("/:conversation_id/messages", h.ListMessages)
			convs.POST("/:conversation_id/messages", h.SendMessage)
			convs.POST("/:conversation_id/seen", h.MarkSeen)
		}

		admin := api.Group("/admin", middleware.RequireRole(roleAdmin))
		{
			admin.DELETE("/conversations/:conversation_id", h.DeleteConversation)
			admin.DELETE("/users/:user_id/chats", h.DeleteUserChats)
		}
	}
}

// CreateConversation handles POST /api/v1/conversations.
func (h *Handler) CreateConversation(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "otherUserId is required")
		return
	}

	id, err := h.repo.FindOrCreate(ctx, userID, req.OtherUserID, req.ProductID)
	if err != nil {
		writeError(c, err, "failed to open conversation")
		return
	}
	audit.LogTarget(ctx, audit.ActionCreateConversation, userID, id, "conversation resolved")

	response.Created(c, gin.H{"conversationId": id})
}

// ListConversations handles GET /api/v1/conversations.
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.repo.ListConversations(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to list conversations")
		return
	}
	out := domain.NewConversationsOut(convs)
	response.Success(c, gin.H{
		"conversations": out.Conversations,
		"totalUnread":   out.TotalUnread,
		"badge":         domain.UnreadBadge(out.TotalUnread),
	})
}

// ListMessages handles GET /api/v1/conversations/:conversation_id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.repo.ListMessages(c.Request.Context(), c.Param("conversation_id"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	response.Success(c, gin.H{"messages": msgs})
}

// SendMessage handles POST /api/v1/conversations/:conversation_id/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	convID := c.Param("conversation_id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	id, err := h.repo.SendMessage(ctx, convID, userID, req.Text)
	if err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	audit.LogTarget(ctx, audit.ActionSendMessage, userID, convID, "message sent")

	response.Created(c, gin.H{"messageId": id})
}

// MarkSeen handles POST /api/v1/conversations/:conversation_id/seen.
func (h *Handler) MarkSeen(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	convID := c.Param("conversation_id")

	res, err := h.tracker.MarkSeen(ctx, convID, userID)
	if err != nil {
		writeError(c, err, "failed to mark messages seen")
		return
	}
	if res.Marked > 0 {
		audit.LogTarget(ctx, audit.ActionMarkSeen, userID, convID, "messages marked seen")
	}
	response.Success(c, res)
}

// DeleteConversation handles DELETE /api/v1/admin/conversations/:conversation_id.
func (h *Handler) DeleteConversation(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("conversation_id")

	if err := h.repo.DeleteConversation(ctx, convID); err != nil {
		writeError(c, err, "failed to delete conversation")
		return
	}
	audit.LogTarget(ctx, audit.ActionDeleteConversation, middleware.GetUserID(c), convID, "conversation deleted")
	response.NoContent(c)
}

// DeleteUserChats handles DELETE /api/v1/admin/users/:user_id/chats.
func (h *Handler) DeleteUserChats(c *gin.Context) {
	ctx := c.Request.Context()
	target := c.Param("user_id")

	if err := h.repo.DeleteUserChats(ctx, target); err != nil {
		writeError(c, err, "failed to delete user chats")
		return
	}
	audit.LogTarget(ctx, audit.ActionDeleteUserChats, middleware.GetUserID(c), target, "user chats deleted")
	response.NoContent(c)
}

func writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		response.BadRequest(c, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		response.Forbidden(c, "not a participant")
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(c, "conversation not found")
	case errors.Is(err, domain.ErrNetwork):
		response.ServiceUnavailable(c, msg)
	default:
		l := pkglog.Ctx(c.Request.Context())
		l.Error().Err(err).Str(pkglog.FieldPath, c.FullPath()).Msg(msg)
		response.InternalError(c, msg)
	}
}
