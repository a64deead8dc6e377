package conversation

import (
	"github.com/go-go-golems/treechat/pkg/helpers"
)

// Message is a message as exchanged with the backend, both in REST
// responses and in duplex channel frames.
type Message struct {
	ID             NodeID            `json:"id"`
	ConversationID ConversationID    `json:"conversation_id,omitempty"`
	ParentID       NodeID            `json:"parent_id,omitempty"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	CreatedAt      helpers.Timestamp `json:"created_at"`
}

// ToNode converts m into a node without children.
func (m *Message) ToNode() MessageNode {
	return MessageNode{
		ID:        m.ID,
		ParentID:  m.ParentID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Time,
	}
}
