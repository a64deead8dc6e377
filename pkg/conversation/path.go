package conversation

import (
	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/pkg/errors"
)

var (
	ErrNodeNotFound   = errors.New("node not found")
	ErrCycleDetected  = chaterrors.New(chaterrors.KindStructural, "cycle detected")
	ErrDanglingParent = chaterrors.New(chaterrors.KindStructural, "dangling parent reference")
	ErrDuplicateNode  = chaterrors.New(chaterrors.KindStructural, "duplicate node id")
	ErrInvalidRole    = chaterrors.New(chaterrors.KindStructural, "invalid role")
)

// ResolvePath walks the parent links of id up to a root and returns the ids
// from the root down to id. The walk is bounded by the number of nodes, going
// past that bound means the parent links loop and ErrCycleDetected is
// returned. A parent that is not in nodes yields ErrDanglingParent.
//
// Resolving NullNode returns an empty path.
func ResolvePath(nodes map[NodeID]*MessageNode, id NodeID) ([]NodeID, error) {
	if id == NullNode {
		return []NodeID{}, nil
	}
	if _, ok := nodes[id]; !ok {
		return nil, errors.Wrapf(ErrNodeNotFound, "resolving path of %s", id)
	}

	// collected leaf first, reversed at the end
	var reversed []NodeID
	bound := len(nodes)
	for cur := id; cur != NullNode; {
		if len(reversed) >= bound {
			return nil, chaterrors.Wrapf(ErrCycleDetected, chaterrors.KindStructural,
				"parent chain of %s is longer than the %d nodes in the tree", id, bound)
		}
		node, ok := nodes[cur]
		if !ok {
			return nil, chaterrors.Wrapf(ErrDanglingParent, chaterrors.KindStructural,
				"node %s references missing parent %s", reversed[len(reversed)-1], cur)
		}
		reversed = append(reversed, cur)
		cur = node.ParentID
	}

	path := make([]NodeID, len(reversed))
	for i, nid := range reversed {
		path[len(reversed)-1-i] = nid
	}
	return path, nil
}

// Depth returns the number of ancestors of id.
func Depth(nodes map[NodeID]*MessageNode, id NodeID) (int, error) {
	path, err := ResolvePath(nodes, id)
	if err != nil {
		return 0, err
	}
	if len(path) == 0 {
		return 0, errors.Wrapf(ErrNodeNotFound, "depth of %s", id)
	}
	return len(path) - 1, nil
}
