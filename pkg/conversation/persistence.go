package conversation

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// storeFile is the on-disk form of a Store. Nodes are stored flat in
// pre-order, children are rebuilt on load.
type storeFile struct {
	Current NodeID         `json:"current"`
	Nodes   []*MessageNode `json:"nodes"`
}

func (s *Store) export() storeFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storeFile{
		Current: s.current,
		Nodes:   s.preOrderLocked(),
	}
}

func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.export())
}

func (s *Store) UnmarshalJSON(data []byte) error {
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	return s.ReplaceAll(f.Nodes, f.Current)
}

func (s *Store) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(s.export(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// LoadFromFile replaces the tree with the one stored in filename.
func (s *Store) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.UnmarshalJSON(data), "loading %s", filename)
}

type yamlNode struct {
	ID        NodeID      `yaml:"id"`
	Role      Role        `yaml:"role"`
	Content   string      `yaml:"content"`
	CreatedAt time.Time   `yaml:"created_at"`
	Current   bool        `yaml:"current,omitempty"`
	Children  []*yamlNode `yaml:"children,omitempty"`
}

type yamlTree struct {
	Current NodeID      `yaml:"current"`
	Path    []NodeID    `yaml:"path"`
	Roots   []*yamlNode `yaml:"roots"`
}

// MarshalYAML exports the tree nested, the way the backend serves snapshots.
func (s *Store) MarshalYAML() (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[NodeID]*yamlNode, len(s.nodes))
	for _, n := range s.preOrderLocked() {
		byID[n.ID] = &yamlNode{
			ID:        n.ID,
			Role:      n.Role,
			Content:   n.Content,
			CreatedAt: n.CreatedAt,
			Current:   n.ID == s.current,
		}
	}
	for id, n := range s.nodes {
		parent := byID[id]
		for _, c := range n.Children {
			if child, ok := byID[c]; ok {
				parent.Children = append(parent.Children, child)
			}
		}
	}

	ret := &yamlTree{
		Current: s.current,
		Path:    append([]NodeID{}, s.path...),
		Roots:   []*yamlNode{},
	}
	for _, r := range s.roots {
		if n, ok := byID[r]; ok {
			ret.Roots = append(ret.Roots, n)
		}
	}
	return ret, nil
}
