package api

import (
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/helpers"
)

type Conversation struct {
	ID           conversation.ConversationID `json:"id" yaml:"id"`
	Title        string                      `json:"title" yaml:"title"`
	CreatedAt    helpers.Timestamp           `json:"created_at" yaml:"created_at"`
	UpdatedAt    helpers.Timestamp           `json:"updated_at" yaml:"updated_at"`
	MessageCount int                         `json:"message_count,omitempty" yaml:"message_count,omitempty"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type RenameConversationRequest struct {
	Title string `json:"title"`
}

// SendRequest is the body of POST /chat/send. An empty ParentID is sent as null.
type SendRequest struct {
	ConversationID conversation.ConversationID `json:"conversation_id"`
	ParentID       conversation.NodeID         `json:"parent_id"`
	Message        string                      `json:"message"`
}

type SendResponse struct {
	UserMessage      *conversation.Message `json:"user_message"`
	AssistantMessage *conversation.Message `json:"assistant_message"`
}

type History struct {
	ConversationID conversation.ConversationID `json:"conversation_id"`
	Messages       []*conversation.Message     `json:"messages"`
}

// errorBody covers the error shapes of the backend: {"detail": "..."} and
// {"detail": [{"msg": "..."}]} for validation errors.
type errorBody struct {
	Detail interface{} `json:"detail"`
}

type messageBody struct {
	Message string `json:"message"`
}
