package transport

import (
	"encoding/json"

	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/pkg/errors"
)

const (
	FrameUserMessage              = "user_message"
	FrameAssistantMessageStart    = "assistant_message_start"
	FrameAssistantMessageChunk    = "assistant_message_chunk"
	FrameAssistantMessageComplete = "assistant_message_complete"
	FrameError                    = "error"
	FramePing                     = "ping"
	FramePong                     = "pong"

	FrameChatMessage = "chat_message"
)

// Frame is an inbound message of the duplex channel. Message holds either
// a message object (user_message, assistant_message_complete) or a string
// (error), depending on Type.
type Frame struct {
	Type    string          `json:"type"`
	Chunk   string          `json:"chunk,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	Raw []byte `json:"-"`
}

func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "could not decode frame")
	}
	if f.Type == "" {
		return nil, errors.Errorf("frame without type: %s", string(data))
	}
	f.Raw = data
	return &f, nil
}

// DecodeMessage decodes the message object carried by the frame.
func (f *Frame) DecodeMessage() (*conversation.Message, error) {
	if len(f.Message) == 0 {
		return nil, errors.Errorf("%s frame carries no message", f.Type)
	}
	var m conversation.Message
	if err := json.Unmarshal(f.Message, &m); err != nil {
		return nil, errors.Wrapf(err, "could not decode message of %s frame", f.Type)
	}
	return &m, nil
}

// ErrorMessage returns the human readable message of an error frame.
func (f *Frame) ErrorMessage() string {
	if len(f.Message) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(f.Message, &s); err == nil {
		return s
	}
	var obj struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Message, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(f.Message)
}

// ChatMessage is the outbound frame submitting a user message.
type ChatMessage struct {
	Type           string                      `json:"type"`
	ConversationID conversation.ConversationID `json:"conversation_id"`
	ParentID       conversation.NodeID         `json:"parent_id"`
	Message        string                      `json:"message"`
}

func NewChatMessage(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) *ChatMessage {
	return &ChatMessage{
		Type:           FrameChatMessage,
		ConversationID: conversationID,
		ParentID:       parentID,
		Message:        text,
	}
}

type pingFrame struct {
	Type string `json:"type"`
}

// Ping returns the keepalive frame.
func Ping() interface{} {
	return pingFrame{Type: FramePing}
}
