package conversation

import (
	"sync"
	"time"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store owns the message tree of the active conversation together with the
// current node and the selection path from a root to it.
//
// Every method takes the store lock, so each mutation is observed either
// completely or not at all. Accessors return copies, callers never hold a
// pointer into the tree.
type Store struct {
	mu      sync.RWMutex
	nodes   map[NodeID]*MessageNode
	roots   []NodeID
	current NodeID
	path    []NodeID
	version uint64

	newID func() NodeID
	now   func() time.Time
}

type StoreOption func(*Store)

// WithIDGenerator replaces the generator used for ids of locally created nodes.
func WithIDGenerator(f func() NodeID) StoreOption {
	return func(s *Store) {
		s.newID = f
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(options ...StoreOption) *Store {
	ret := &Store{
		nodes: map[NodeID]*MessageNode{},
		newID: NewLocalNodeID,
		now:   time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// AddMessage creates a node under parentID and makes it the current node.
//
// A parentID that does not resolve does not fail the call: the node becomes
// a new root and a warning is logged.
func (s *Store) AddMessage(parentID NodeID, role Role, content string) NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	node := &MessageNode{
		ID:        id,
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}

	if parentID != NullNode {
		parent, ok := s.nodes[parentID]
		if ok {
			parent.Children = append(parent.Children, id)
		} else {
			log.Warn().
				Str("node_id", id.String()).
				Str("parent_id", parentID.String()).
				Msg("parent not found, adding message as a new root")
			node.ParentID = NullNode
		}
	}
	if node.ParentID == NullNode {
		s.roots = append(s.roots, id)
	}

	s.nodes[id] = node
	s.selectLocked(id)
	s.version++

	log.Trace().
		Str("node_id", id.String()).
		Str("parent_id", node.ParentID.String()).
		Str("role", string(role)).
		Int("tree_node_count", len(s.nodes)).
		Msg("added message")

	return id
}

// UpdateContent replaces the content of id. It returns false if id is absent.
func (s *Store) UpdateContent(id NodeID, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return false
	}
	node.Content = content
	s.version++
	return true
}

// AppendContent appends delta to the content of id. It returns false if id is absent.
func (s *Store) AppendContent(id NodeID, delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return false
	}
	node.Content += delta
	s.version++
	return true
}

// ReplaceAll swaps the whole tree for nodes and selects current.
//
// Children lists are rebuilt from the parent links, following the order of
// nodes. The new set is fully validated before anything is applied: on error
// the store is left as it was. An empty set yields an empty tree with no
// current node and an empty path.
func (s *Store) ReplaceAll(nodes []*MessageNode, current NodeID) error {
	newNodes, roots, err := buildTree(nodes)
	if err != nil {
		return err
	}

	path, err := ResolvePath(newNodes, current)
	if err != nil {
		return chaterrors.Wrapf(err, chaterrors.KindStructural, "selecting %s", current)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = newNodes
	s.roots = roots
	s.current = current
	s.path = path
	s.version++

	log.Debug().
		Int("tree_node_count", len(newNodes)).
		Int("root_count", len(roots)).
		Str("current_id", current.String()).
		Msg("replaced tree")

	return nil
}

func buildTree(nodes []*MessageNode) (map[NodeID]*MessageNode, []NodeID, error) {
	ret := make(map[NodeID]*MessageNode, len(nodes))
	for i, n := range nodes {
		if n == nil {
			return nil, nil, chaterrors.Newf(chaterrors.KindStructural, "node %d is nil", i)
		}
		if n.ID == NullNode {
			return nil, nil, chaterrors.Newf(chaterrors.KindStructural, "node %d has an empty id", i)
		}
		if _, ok := ret[n.ID]; ok {
			return nil, nil, chaterrors.Wrapf(ErrDuplicateNode, chaterrors.KindStructural, "node %s", n.ID)
		}
		if !n.Role.Valid() {
			return nil, nil, chaterrors.Wrapf(ErrInvalidRole, chaterrors.KindStructural,
				"node %s has role %q", n.ID, n.Role)
		}
		c := clone.Clone(n).(*MessageNode)
		c.Children = nil
		ret[n.ID] = c
	}

	var roots []NodeID
	for _, n := range nodes {
		if n.ParentID == NullNode {
			roots = append(roots, n.ID)
			continue
		}
		parent, ok := ret[n.ParentID]
		if !ok {
			return nil, nil, chaterrors.Wrapf(ErrDanglingParent, chaterrors.KindStructural,
				"node %s references missing parent %s", n.ID, n.ParentID)
		}
		parent.Children = append(parent.Children, n.ID)
	}

	if err := checkAcyclic(ret); err != nil {
		return nil, nil, err
	}

	return ret, roots, nil
}

// checkAcyclic verifies that every node reaches a root, memoizing the nodes
// already known to do so.
func checkAcyclic(nodes map[NodeID]*MessageNode) error {
	reachesRoot := make(map[NodeID]bool, len(nodes))
	for id := range nodes {
		var chain []NodeID
		onChain := map[NodeID]bool{}
		for cur := id; cur != NullNode && !reachesRoot[cur]; cur = nodes[cur].ParentID {
			if onChain[cur] {
				return chaterrors.Wrapf(ErrCycleDetected, chaterrors.KindStructural,
					"node %s is its own ancestor", cur)
			}
			onChain[cur] = true
			chain = append(chain, cur)
		}
		for _, c := range chain {
			reachesRoot[c] = true
		}
	}
	return nil
}

// ReplaceMessage re-keys oldID with the canonical msg, typically once the
// backend has assigned the final id of a locally created node.
//
// The node keeps its position: its slot in the parent's children, its
// parent and its own children. Role and CreatedAt are taken from msg when
// set. The current node and path follow the new id. Holders of oldID lose
// their reference.
func (s *Store) ReplaceMessage(oldID NodeID, msg MessageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.nodes[oldID]
	if !ok {
		return errors.Wrapf(ErrNodeNotFound, "replacing %s", oldID)
	}
	newID := msg.ID
	if newID == NullNode {
		newID = oldID
	}
	if newID != oldID {
		if _, exists := s.nodes[newID]; exists {
			return chaterrors.Wrapf(ErrDuplicateNode, chaterrors.KindStructural,
				"cannot rename %s to existing node %s", oldID, newID)
		}
	}

	node := &MessageNode{
		ID:        newID,
		ParentID:  old.ParentID,
		Role:      old.Role,
		Content:   msg.Content,
		CreatedAt: old.CreatedAt,
		Children:  old.Children,
	}
	if msg.Role.Valid() {
		node.Role = msg.Role
	}
	if !msg.CreatedAt.IsZero() {
		node.CreatedAt = msg.CreatedAt
	}

	if newID != oldID {
		if node.ParentID == NullNode {
			replaceID(s.roots, oldID, newID)
		} else if parent, ok := s.nodes[node.ParentID]; ok {
			replaceID(parent.Children, oldID, newID)
		}
		for _, childID := range node.Children {
			if child, ok := s.nodes[childID]; ok {
				child.ParentID = newID
			}
		}
		delete(s.nodes, oldID)
		replaceID(s.path, oldID, newID)
		if s.current == oldID {
			s.current = newID
		}
	}
	s.nodes[newID] = node
	s.version++

	log.Debug().
		Str("old_id", oldID.String()).
		Str("new_id", newID.String()).
		Msg("replaced message")

	return nil
}

func replaceID(ids []NodeID, oldID, newID NodeID) {
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
		}
	}
}

// SelectNode makes id the current node and recomputes the selection path.
// An unknown id returns ErrNodeNotFound and leaves the selection untouched.
func (s *Store) SelectNode(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return errors.Wrapf(ErrNodeNotFound, "selecting %s", id)
	}
	s.selectLocked(id)
	s.version++
	return nil
}

func (s *Store) selectLocked(id NodeID) {
	path, err := ResolvePath(s.nodes, id)
	if err != nil {
		// mutations keep the tree valid, this only happens on a broken invariant
		log.Error().Err(err).Str("node_id", id.String()).Msg("could not resolve selection path")
		path = []NodeID{id}
	}
	s.current = id
	s.path = path
}

// GetPath returns copies of the nodes on the selection path, root first.
// Ids that do not resolve are skipped.
func (s *Store) GetPath() []*MessageNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*MessageNode, 0, len(s.path))
	for _, id := range s.path {
		if n, ok := s.nodes[id]; ok {
			ret = append(ret, clone.Clone(n).(*MessageNode))
		}
	}
	return ret
}

func (s *Store) PathIDs() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeID{}, s.path...)
}

func (s *Store) CurrentID() NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Get(id NodeID) (*MessageNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(n).(*MessageNode), true
}

func (s *Store) Children(id NodeID) []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return append([]NodeID{}, n.Children...)
}

// Siblings returns the other nodes sharing the parent of id. Roots are
// siblings of each other.
func (s *Store) Siblings(id NodeID) []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	candidates := s.roots
	if n.ParentID != NullNode {
		parent, ok := s.nodes[n.ParentID]
		if !ok {
			return nil
		}
		candidates = parent.Children
	}

	var ret []NodeID
	for _, sibling := range candidates {
		if sibling != id {
			ret = append(ret, sibling)
		}
	}
	return ret
}

func (s *Store) Roots() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeID{}, s.roots...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Version increments on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Nodes returns copies of all nodes in depth-first pre-order, roots in order.
func (s *Store) Nodes() []*MessageNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preOrderLocked()
}

func (s *Store) preOrderLocked() []*MessageNode {
	ret := make([]*MessageNode, 0, len(s.nodes))
	visited := make(map[NodeID]bool, len(s.nodes))

	stack := make([]NodeID, 0, len(s.roots))
	for i := len(s.roots) - 1; i >= 0; i-- {
		stack = append(stack, s.roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := s.nodes[id]
		if !ok || visited[id] {
			continue
		}
		visited[id] = true
		ret = append(ret, clone.Clone(n).(*MessageNode))
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return ret
}

// RemoveSubtree drops id and all of its descendants. If the current node
// was among them the parent of id becomes current, or nothing when id was a
// root. It returns false if id is absent.
func (s *Store) RemoveSubtree(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return false
	}

	removed := map[NodeID]bool{}
	stack := []NodeID{id}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := s.nodes[next]
		if !ok || removed[next] {
			continue
		}
		removed[next] = true
		stack = append(stack, n.Children...)
	}
	for rid := range removed {
		delete(s.nodes, rid)
	}

	if parent, ok := s.nodes[node.ParentID]; ok {
		parent.Children = removeID(parent.Children, id)
	} else {
		s.roots = removeID(s.roots, id)
	}

	if removed[s.current] {
		if _, ok := s.nodes[node.ParentID]; ok {
			s.selectLocked(node.ParentID)
		} else {
			s.current = NullNode
			s.path = nil
		}
	}
	s.version++

	log.Debug().
		Str("node_id", id.String()).
		Int("removed_count", len(removed)).
		Int("tree_node_count", len(s.nodes)).
		Msg("removed subtree")

	return true
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	ret := ids[:0]
	for _, other := range ids {
		if other != id {
			ret = append(ret, other)
		}
	}
	return ret
}

// Clear empties the tree, the current node and the path.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = map[NodeID]*MessageNode{}
	s.roots = nil
	s.current = NullNode
	s.path = nil
	s.version++
}

// CheckInvariants verifies the structural invariants of the tree and the
// selection path. It is meant for tests and debugging.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedChildren := map[NodeID][]NodeID{}
	var expectedRoots []NodeID
	for id, n := range s.nodes {
		if n.ID != id {
			return chaterrors.Newf(chaterrors.KindStructural, "node stored under %s has id %s", id, n.ID)
		}
		if n.ParentID == NullNode {
			expectedRoots = append(expectedRoots, id)
			continue
		}
		if _, ok := s.nodes[n.ParentID]; !ok {
			return chaterrors.Wrapf(ErrDanglingParent, chaterrors.KindStructural,
				"node %s references missing parent %s", id, n.ParentID)
		}
		expectedChildren[n.ParentID] = append(expectedChildren[n.ParentID], id)
	}

	for id, n := range s.nodes {
		if !sameSet(n.Children, expectedChildren[id]) {
			return chaterrors.Newf(chaterrors.KindStructural,
				"children of %s are %v, nodes pointing to it are %v", id, n.Children, expectedChildren[id])
		}
	}
	if !sameSet(s.roots, expectedRoots) {
		return chaterrors.Newf(chaterrors.KindStructural, "roots are %v, expected %v", s.roots, expectedRoots)
	}
	if err := checkAcyclic(s.nodes); err != nil {
		return err
	}

	if s.current == NullNode {
		if len(s.path) != 0 {
			return chaterrors.Newf(chaterrors.KindStructural, "path %v without a current node", s.path)
		}
		return nil
	}
	expectedPath, err := ResolvePath(s.nodes, s.current)
	if err != nil {
		return err
	}
	if len(expectedPath) != len(s.path) {
		return chaterrors.Newf(chaterrors.KindStructural, "path is %v, expected %v", s.path, expectedPath)
	}
	for i := range expectedPath {
		if expectedPath[i] != s.path[i] {
			return chaterrors.Newf(chaterrors.KindStructural, "path is %v, expected %v", s.path, expectedPath)
		}
	}
	return nil
}

func sameSet(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[NodeID]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}
