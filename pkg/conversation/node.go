package conversation

import (
	"fmt"
	"time"

	"github.com/go-go-golems/treechat/pkg/helpers"
	"github.com/google/uuid"
)

// NodeID identifies a message inside a conversation. Backends may send ids as
// JSON numbers or strings, both are normalized to their textual form.
type NodeID string

// NullNode marks the absence of a node, e.g. the parent of a root.
const NullNode NodeID = ""

func (id NodeID) MarshalJSON() ([]byte, error) {
	return helpers.MarshalID(string(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	s, err := helpers.UnmarshalID(data)
	if err != nil {
		return err
	}
	*id = NodeID(s)
	return nil
}

func (id NodeID) String() string {
	return string(id)
}

// IsLocal reports whether the id was generated on the client and has not yet
// been replaced by a backend assigned id.
func (id NodeID) IsLocal() bool {
	return len(id) > len(localPrefix) && id[:len(localPrefix)] == localPrefix
}

const localPrefix = "local-"

// NewLocalNodeID returns a fresh client side id.
func NewLocalNodeID() NodeID {
	return NodeID(localPrefix + uuid.NewString())
}

// ConversationID is the backend assigned id of a conversation.
type ConversationID string

func (id ConversationID) MarshalJSON() ([]byte, error) {
	return helpers.MarshalID(string(id))
}

func (id *ConversationID) UnmarshalJSON(data []byte) error {
	s, err := helpers.UnmarshalID(data)
	if err != nil {
		return err
	}
	*id = ConversationID(s)
	return nil
}

func (id ConversationID) String() string {
	return string(id)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	default:
		return false
	}
}

// MessageNode is a single message of the branching conversation.
//
// Children lists the ids of the nodes whose ParentID is this node, in
// creation order. It is maintained by the Store and never edited directly.
type MessageNode struct {
	ID        NodeID    `json:"id" yaml:"id"`
	ParentID  NodeID    `json:"parent_id" yaml:"parent_id,omitempty"`
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Children  []NodeID  `json:"children" yaml:"children,omitempty"`
}

func (n *MessageNode) IsRoot() bool {
	return n.ParentID == NullNode
}

func (n *MessageNode) String() string {
	return fmt.Sprintf("[%s] %s: %s", n.ID, n.Role, n.Content)
}
