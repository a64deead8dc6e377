package cmds

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-go-golems/treechat/pkg/chatsync"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepl() (*repl, *bytes.Buffer) {
	store := conversation.NewStore(conversation.WithIDGenerator(func() conversation.NodeID {
		return "m1"
	}))
	out := &bytes.Buffer{}
	return &repl{
		coordinator: chatsync.NewCoordinator(nil, nil, chatsync.WithStore(store)),
		out:         out,
		printed:     make(chan string),
	}, out
}

func TestReplLocalCommands(t *testing.T) {
	r, out := newTestRepl()
	ctx := context.Background()

	require.NoError(t, r.handle(ctx, "/help"))
	assert.Contains(t, out.String(), "/select <id>")

	out.Reset()
	r.coordinator.Store().AddMessage(conversation.NullNode, conversation.RoleUser, "hi")
	require.NoError(t, r.handle(ctx, "/tree"))
	assert.Equal(t, "* [m1] user: hi\n", out.String())

	out.Reset()
	require.NoError(t, r.handle(ctx, "/status"))
	assert.Equal(t, "connection: disconnected\n", out.String())
}

func TestReplErrors(t *testing.T) {
	r, _ := newTestRepl()
	ctx := context.Background()

	assert.ErrorIs(t, r.handle(ctx, "/quit"), errQuit)
	assert.ErrorIs(t, r.handle(ctx, "/rename title"), chatsync.ErrNoConversation)
	assert.Error(t, r.handle(ctx, "/select"))
	assert.Error(t, r.handle(ctx, "/frobnicate"))
	// the coordinator was never opened
	assert.ErrorIs(t, r.handle(ctx, "hello"), chatsync.ErrNotOpen)
}

func TestReplLoopStopsOnQuit(t *testing.T) {
	r, out := newTestRepl()

	err := r.loop(context.Background(), strings.NewReader("\n/status\n/quit\n/status\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out.String(), "connection: disconnected"))
}

func TestReplLoopStopsOnEOF(t *testing.T) {
	r, _ := newTestRepl()
	require.NoError(t, r.loop(context.Background(), strings.NewReader("/status\n")))
}
