package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []events.EventType
	for _, e := range r.events {
		ret = append(ret, e.Type())
	}
	return ret
}

func newTestStore() *conversation.Store {
	counter := 0
	return conversation.NewStore(conversation.WithIDGenerator(func() conversation.NodeID {
		counter++
		return conversation.NodeID(fmt.Sprintf("local-%d", counter))
	}))
}

func seededStore(t *testing.T) *conversation.Store {
	s := newTestStore()
	_, err := conversation.Import(s, &conversation.Snapshot{
		ConversationID: "1",
		RootMessages: []*conversation.SnapshotNode{
			{ID: "m1", Role: conversation.RoleUser, Content: "hi", Children: []*conversation.SnapshotNode{
				{ID: "m2", Role: conversation.RoleAssistant, Content: "hello"},
			}},
		},
	})
	require.NoError(t, err)
	return s
}

func TestBeginCreatesUserAndPlaceholder(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	r := NewReconciler(s, WithEventSink(sink))

	turn, err := r.Begin("1", "how are you?")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, turn.Status())
	assert.Equal(t, ModeStream, turn.Mode)
	assert.Equal(t, conversation.NodeID("m2"), turn.ParentID)

	userNode, ok := s.Get(turn.UserNodeID())
	require.True(t, ok)
	assert.Equal(t, conversation.RoleUser, userNode.Role)
	assert.Equal(t, "how are you?", userNode.Content)
	assert.Equal(t, conversation.NodeID("m2"), userNode.ParentID)

	placeholder, ok := s.Get(turn.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, conversation.RoleAssistant, placeholder.Role)
	assert.Equal(t, "", placeholder.Content)
	assert.Equal(t, turn.UserNodeID(), placeholder.ParentID)

	assert.Equal(t, turn.PlaceholderID(), s.CurrentID())
	assert.Equal(t, []conversation.NodeID{"m1", "m2", turn.UserNodeID(), turn.PlaceholderID()}, s.PathIDs())
	assert.Equal(t, []events.EventType{events.EventTypeTurnStarted}, sink.types())
	require.NoError(t, s.CheckInvariants())
}

func TestBeginRejectsEmptyText(t *testing.T) {
	s := seededStore(t)
	r := NewReconciler(s)

	_, err := r.Begin("1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = r.BeginFallback("1", "m2", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 2, s.Len())
}

func TestStreamedTurnHappyPath(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	r := NewReconciler(s, WithEventSink(sink))

	turn, err := r.Begin("1", "greet me")
	require.NoError(t, err)
	placeholderID := turn.PlaceholderID()

	require.NoError(t, turn.ApplyUserMessage(&conversation.Message{ID: "m8", Role: conversation.RoleUser, Content: "greet me"}))
	assert.Equal(t, conversation.NodeID("m8"), turn.UserNodeID())

	require.NoError(t, turn.Start())
	assert.Equal(t, StatusStreaming, turn.Status())

	for _, chunk := range []string{"He", "llo", "!"} {
		require.NoError(t, turn.ApplyDelta(chunk))
	}
	node, ok := s.Get(placeholderID)
	require.True(t, ok)
	assert.Equal(t, "Hello!", node.Content)
	assert.Equal(t, conversation.NodeID("m8"), node.ParentID)

	require.NoError(t, turn.Complete(&conversation.Message{ID: "m9", Role: conversation.RoleAssistant, Content: "Hello!"}))
	assert.Equal(t, StatusCompleted, turn.Status())
	assert.Equal(t, conversation.NodeID("m9"), turn.NodeID())
	assert.Equal(t, "Hello!", turn.Content())
	assert.NoError(t, turn.Err())

	_, ok = s.Get(placeholderID)
	assert.False(t, ok, "placeholder id must be gone")
	final, ok := s.Get("m9")
	require.True(t, ok)
	assert.Equal(t, "Hello!", final.Content)
	assert.Equal(t, conversation.NodeID("m9"), s.CurrentID())
	assert.Equal(t, []conversation.NodeID{"m1", "m2", "m8", "m9"}, s.PathIDs())
	require.NoError(t, s.CheckInvariants())

	assert.Equal(t, []events.EventType{
		events.EventTypeTurnStarted,
		events.EventTypeUserMessage,
		events.EventTypeTurnStreaming,
		events.EventTypeTurnDelta,
		events.EventTypeTurnDelta,
		events.EventTypeTurnDelta,
		events.EventTypeTurnCompleted,
	}, sink.types())

	select {
	case <-turn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestFirstDeltaStartsPendingTurn(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	turn, err := NewReconciler(s, WithEventSink(sink)).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("a"))
	assert.Equal(t, StatusStreaming, turn.Status())
	require.NoError(t, turn.Start())

	assert.Equal(t, []events.EventType{
		events.EventTypeTurnStarted,
		events.EventTypeTurnStreaming,
		events.EventTypeTurnDelta,
	}, sink.types())
}

func TestDeltaEventsCarryCompletion(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	turn, err := NewReconciler(s, WithEventSink(sink)).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("He"))
	require.NoError(t, turn.ApplyDelta("llo"))

	var completions []string
	for _, e := range sink.events {
		if d, ok := e.(*events.EventTurnDelta); ok {
			completions = append(completions, d.Completion)
			assert.Equal(t, turn.ID, d.Metadata().TurnID)
			assert.Equal(t, "1", d.Metadata().ConversationID)
		}
	}
	assert.Equal(t, []string{"He", "Hello"}, completions)
}

func TestFailKeepsPartialContent(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	turn, err := NewReconciler(s, WithEventSink(sink)).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("Hel"))
	require.NoError(t, turn.Fail(errors.New("model overloaded")))

	assert.Equal(t, StatusFailed, turn.Status())
	assert.True(t, chaterrors.IsKind(turn.Err(), chaterrors.KindTurn))
	assert.Contains(t, turn.Err().Error(), "model overloaded")

	node, ok := s.Get(turn.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, "Hel", node.Content)

	failed, ok := sink.events[len(sink.events)-1].(*events.EventTurnFailed)
	require.True(t, ok)
	assert.Equal(t, "Hel", failed.PartialContent)
	assert.Equal(t, string(chaterrors.KindTurn), failed.ErrorKind)
}

func TestFailKeepsErrorKind(t *testing.T) {
	s := seededStore(t)
	turn, err := NewReconciler(s).Begin("1", "go")
	require.NoError(t, err)

	dropped := chaterrors.New(chaterrors.KindTransport, "connection lost")
	require.NoError(t, turn.Fail(dropped))
	assert.True(t, chaterrors.IsKind(turn.Err(), chaterrors.KindTransport))
}

func TestFinishedTurnRefusesMutations(t *testing.T) {
	s := seededStore(t)
	turn, err := NewReconciler(s).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("ok"))
	require.NoError(t, turn.Complete(&conversation.Message{ID: "m9", Content: "ok"}))
	version := s.Version()

	assert.ErrorIs(t, turn.ApplyDelta("late"), ErrTurnFinished)
	assert.ErrorIs(t, turn.Start(), ErrTurnFinished)
	assert.ErrorIs(t, turn.Complete(&conversation.Message{ID: "m10"}), ErrTurnFinished)
	assert.ErrorIs(t, turn.Fail(errors.New("late")), ErrTurnFinished)
	assert.ErrorIs(t, turn.ApplyUserMessage(&conversation.Message{ID: "m11"}), ErrTurnFinished)
	assert.False(t, turn.Abandon())

	assert.Equal(t, version, s.Version())
	node, ok := s.Get("m9")
	require.True(t, ok)
	assert.Equal(t, "ok", node.Content)
	assert.Equal(t, StatusCompleted, turn.Status())
}

func TestAbandonRefusesLateDeltas(t *testing.T) {
	s := seededStore(t)
	sink := &recordingSink{}
	turn, err := NewReconciler(s, WithEventSink(sink)).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("par"))
	assert.True(t, turn.Abandon())
	assert.True(t, turn.Abandoned())
	assert.Equal(t, StatusFailed, turn.Status())
	assert.ErrorIs(t, turn.Err(), ErrTurnAbandoned)

	assert.ErrorIs(t, turn.ApplyDelta("tial"), ErrTurnFinished)
	node, ok := s.Get(turn.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, "par", node.Content)
	assert.Equal(t, events.EventTypeTurnAbandoned, sink.types()[len(sink.types())-1])
}

func TestCompleteWithoutMessageKeepsPlaceholder(t *testing.T) {
	s := seededStore(t)
	turn, err := NewReconciler(s).Begin("1", "go")
	require.NoError(t, err)

	require.NoError(t, turn.ApplyDelta("done"))
	require.NoError(t, turn.Complete(nil))

	assert.Equal(t, turn.PlaceholderID(), turn.NodeID())
	node, ok := s.Get(turn.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, "done", node.Content)
}

func TestDeltaAfterTreeReplacedOnlyBuffers(t *testing.T) {
	s := seededStore(t)
	turn, err := NewReconciler(s).Begin("1", "go")
	require.NoError(t, err)

	s.Clear()
	require.NoError(t, turn.ApplyDelta("x"))
	assert.Equal(t, "x", turn.Content())
	assert.Equal(t, 0, s.Len())

	require.NoError(t, turn.Complete(&conversation.Message{ID: "m9", Content: "x"}))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, StatusCompleted, turn.Status())
}

func TestFallbackTurnLeavesTreeAlone(t *testing.T) {
	s := seededStore(t)
	version := s.Version()
	turn, err := NewReconciler(s).BeginFallback("1", "m2", "hi again")
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, turn.Mode)
	assert.Equal(t, conversation.NullNode, turn.PlaceholderID())
	require.NoError(t, turn.Complete(&conversation.Message{ID: "m4", Role: conversation.RoleAssistant, Content: "hey"}))
	assert.Equal(t, "hey", turn.Content())
	assert.Equal(t, conversation.NodeID("m4"), turn.NodeID())
	assert.Equal(t, version, s.Version())
}

func TestWait(t *testing.T) {
	s := seededStore(t)
	turn, err := NewReconciler(s).Begin("1", "go")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, turn.Wait(ctx), context.DeadlineExceeded)

	go func() {
		_ = turn.ApplyDelta("a")
		_ = turn.Fail(chaterrors.New(chaterrors.KindTurn, "boom"))
	}()
	err = turn.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, "boom", chaterrors.MessageOf(err))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.Active())
	assert.True(t, StatusStreaming.Active())
	assert.False(t, StatusIdle.Active())
	assert.False(t, StatusCompleted.Active())
	assert.True(t, StatusFailed.Finished())
	assert.False(t, StatusStreaming.Finished())
}

func TestBeginAtExplicitParent(t *testing.T) {
	s := seededStore(t)
	r := NewReconciler(s)

	turn, err := r.BeginAt("1", "m1", "branch")
	require.NoError(t, err)
	assert.Equal(t, conversation.NodeID("m1"), turn.ParentID)
	assert.ElementsMatch(t, []conversation.NodeID{"m2", turn.UserNodeID()}, s.Children("m1"))

	root, err := r.BeginAt("1", conversation.NullNode, "fresh start")
	require.NoError(t, err)
	assert.Contains(t, s.Roots(), root.UserNodeID())
	require.NoError(t, s.CheckInvariants())
}
