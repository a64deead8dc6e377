package cmds

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newBranchedStore(t *testing.T) *conversation.Store {
	s := conversation.NewStore()
	require.NoError(t, s.ReplaceAll([]*conversation.MessageNode{
		{ID: "1", Role: conversation.RoleUser, Content: "hi"},
		{ID: "2", ParentID: "1", Role: conversation.RoleAssistant, Content: "hello"},
		{ID: "3", ParentID: "1", Role: conversation.RoleAssistant, Content: "hey"},
		{ID: "4", ParentID: "3", Role: conversation.RoleUser, Content: "how are you"},
	}, "3"))
	return s
}

func field(t *testing.T, row types.Row, name string) interface{} {
	v, ok := row.Get(name)
	require.True(t, ok, "missing field %s", name)
	return v
}

func TestNodeRows(t *testing.T) {
	rows := nodeRows(newBranchedStore(t))
	require.Len(t, rows, 4)

	var ids []interface{}
	for _, r := range rows {
		ids = append(ids, field(t, r, "id"))
	}
	assert.Equal(t, []interface{}{"1", "2", "3", "4"}, ids)

	assert.Equal(t, 0, field(t, rows[0], "depth"))
	assert.Equal(t, 2, field(t, rows[3], "depth"))
	assert.Equal(t, "3", field(t, rows[3], "parent_id"))

	assert.Equal(t, true, field(t, rows[0], "selected"))
	assert.Equal(t, false, field(t, rows[1], "selected"))
	assert.Equal(t, true, field(t, rows[2], "current"))
	assert.Equal(t, false, field(t, rows[3], "selected"))
}

func TestConversationRow(t *testing.T) {
	row := conversationRow(&api.Conversation{
		ID:           "7",
		Title:        "Trip",
		MessageCount: 6,
		CreatedAt:    helpers.NewTimestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
	})
	assert.Equal(t, "7", field(t, row, "id"))
	assert.Equal(t, 6, field(t, row, "message_count"))
	assert.Equal(t, "2024-05-01T10:00:00Z", field(t, row, "created_at"))
	assert.Equal(t, "", field(t, row, "updated_at"))
}

func TestSaveAndLoadTree(t *testing.T) {
	store := newBranchedStore(t)
	filename := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, saveTree(store, "json", filename, nil))

	loaded, err := loadTree(filename, "")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Len())
	assert.Equal(t, conversation.NodeID("3"), loaded.CurrentID())

	loaded, err = loadTree(filename, "4")
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"1", "3", "4"}, loaded.PathIDs())

	_, err = loadTree(filename, "99")
	assert.ErrorIs(t, err, conversation.ErrNodeNotFound)

	_, err = loadTree(filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)
}

func TestSaveTreeYAMLToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, saveTree(newBranchedStore(t), "yaml", "", &buf))

	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "3", out["current"])
	assert.Len(t, out["roots"], 1)

	assert.Error(t, saveTree(newBranchedStore(t), "xml", "", &buf))
}
