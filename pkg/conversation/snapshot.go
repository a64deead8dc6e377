package conversation

import (
	"time"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/helpers"
	"github.com/rs/zerolog/log"
)

// SnapshotNode is a message of a server provided tree, children nested.
type SnapshotNode struct {
	ID        NodeID            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	CreatedAt helpers.Timestamp `json:"created_at"`
	Children  []*SnapshotNode   `json:"children"`
}

// Snapshot is the full tree of a conversation as served by GET /conversations/{id}/tree.
type Snapshot struct {
	ConversationID ConversationID  `json:"conversation_id"`
	Title          string          `json:"title"`
	RootMessages   []*SnapshotNode `json:"root_messages"`
}

// ImportResult is a flattened snapshot.
type ImportResult struct {
	// Nodes in depth-first pre-order.
	Nodes   []*MessageNode
	Current NodeID
	Path    []NodeID
}

type frame struct {
	node     *SnapshotNode
	parentID NodeID
	depth    int
}

// Flatten converts a nested snapshot into parent-linked nodes.
//
// The walk uses an explicit stack and refuses any id seen twice, so a
// malformed snapshot cannot recurse without bound. The current node is the
// one with the latest CreatedAt. Equal timestamps go to the deeper node,
// then to the first one in pre-order, so the result does not depend on
// anything but the snapshot.
func Flatten(snapshot *Snapshot) (*ImportResult, error) {
	ret := &ImportResult{
		Nodes:   []*MessageNode{},
		Current: NullNode,
		Path:    []NodeID{},
	}
	if snapshot == nil {
		return ret, nil
	}

	visited := map[NodeID]bool{}
	stack := make([]frame, 0, len(snapshot.RootMessages))
	for i := len(snapshot.RootMessages) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: snapshot.RootMessages[i], parentID: NullNode})
	}

	var bestTime time.Time
	bestDepth := -1
	nodes := map[NodeID]*MessageNode{}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		sn := f.node
		if sn == nil {
			return nil, chaterrors.Newf(chaterrors.KindStructural, "null message under %q", f.parentID)
		}
		if sn.ID == NullNode {
			return nil, chaterrors.Newf(chaterrors.KindStructural, "message without id under %q", f.parentID)
		}
		if visited[sn.ID] {
			return nil, chaterrors.Wrapf(ErrDuplicateNode, chaterrors.KindStructural,
				"message %s appears twice in snapshot", sn.ID)
		}
		visited[sn.ID] = true
		if !sn.Role.Valid() {
			return nil, chaterrors.Wrapf(ErrInvalidRole, chaterrors.KindStructural,
				"message %s has role %q", sn.ID, sn.Role)
		}

		node := &MessageNode{
			ID:        sn.ID,
			ParentID:  f.parentID,
			Role:      sn.Role,
			Content:   sn.Content,
			CreatedAt: sn.CreatedAt.Time,
		}
		ret.Nodes = append(ret.Nodes, node)
		nodes[node.ID] = node

		if bestDepth < 0 ||
			node.CreatedAt.After(bestTime) ||
			(node.CreatedAt.Equal(bestTime) && f.depth > bestDepth) {
			ret.Current = node.ID
			bestTime = node.CreatedAt
			bestDepth = f.depth
		}

		for i := len(sn.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: sn.Children[i], parentID: sn.ID, depth: f.depth + 1})
		}
	}

	for _, n := range ret.Nodes {
		if n.ParentID != NullNode {
			parent := nodes[n.ParentID]
			parent.Children = append(parent.Children, n.ID)
		}
	}

	path, err := ResolvePath(nodes, ret.Current)
	if err != nil {
		return nil, err
	}
	ret.Path = path
	return ret, nil
}

// Import flattens snapshot and swaps it into store. On error the store is
// left untouched.
func Import(store *Store, snapshot *Snapshot) (*ImportResult, error) {
	res, err := Flatten(snapshot)
	if err != nil {
		return nil, err
	}
	if err := store.ReplaceAll(res.Nodes, res.Current); err != nil {
		return nil, err
	}

	conversationID := ConversationID("")
	if snapshot != nil {
		conversationID = snapshot.ConversationID
	}
	log.Debug().
		Str("conversation_id", conversationID.String()).
		Int("node_count", len(res.Nodes)).
		Str("current_id", res.Current.String()).
		Msg("imported snapshot")

	return res, nil
}
