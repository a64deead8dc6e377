package cmds

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/conversation"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func conversationRow(conv *api.Conversation) types.Row {
	return types.NewRow(
		types.MRP("id", conv.ID.String()),
		types.MRP("title", conv.Title),
		types.MRP("message_count", conv.MessageCount),
		types.MRP("created_at", formatTime(conv.CreatedAt.Time)),
		types.MRP("updated_at", formatTime(conv.UpdatedAt.Time)),
	)
}

func messageRow(m *conversation.Message) types.Row {
	return types.NewRow(
		types.MRP("id", m.ID.String()),
		types.MRP("parent_id", m.ParentID.String()),
		types.MRP("role", string(m.Role)),
		types.MRP("created_at", formatTime(m.CreatedAt.Time)),
		types.MRP("content", m.Content),
	)
}

// nodeRows flattens the tree in pre-order. depth counts from 0 at the roots,
// selected marks the nodes of the selection path.
func nodeRows(store *conversation.Store) []types.Row {
	onPath := map[conversation.NodeID]bool{}
	for _, id := range store.PathIDs() {
		onPath[id] = true
	}
	current := store.CurrentID()

	nodes := store.Nodes()
	depth := make(map[conversation.NodeID]int, len(nodes))
	ret := make([]types.Row, 0, len(nodes))
	for _, n := range nodes {
		d := 0
		if n.ParentID != conversation.NullNode {
			d = depth[n.ParentID] + 1
		}
		depth[n.ID] = d

		ret = append(ret, types.NewRow(
			types.MRP("id", n.ID.String()),
			types.MRP("parent_id", n.ParentID.String()),
			types.MRP("depth", d),
			types.MRP("role", string(n.Role)),
			types.MRP("selected", onPath[n.ID]),
			types.MRP("current", n.ID == current),
			types.MRP("created_at", formatTime(n.CreatedAt)),
			types.MRP("content", n.Content),
		))
	}
	return ret
}
