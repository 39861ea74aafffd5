package audit

import (
	"context"

	"github.com/weiawesome/market-chat/pkg/log"
)

// Audit actions.
const (
	ActionConnect            = "chat.connect"
	ActionDisconnect         = "chat.disconnect"
	ActionCreateConversation = "chat.create_conversation"
	ActionOpenConversation   = "chat.open_conversation"
	ActionSendMessage        = "chat.send_message"
	ActionMarkSeen           = "chat.mark_seen"
	ActionDeleteConversation = "admin.delete_conversation"
	ActionDeleteUserChats    = "admin.delete_user_chats"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit entry about an action on another entity.
func LogTarget(ctx context.Context, action, userID, targetID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, targetID).
		Msg(msg)
}
