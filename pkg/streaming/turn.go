package streaming

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a turn in this state blocks new submissions.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusStreaming
}

type Mode string

const (
	ModeStream   Mode = "stream"
	ModeFallback Mode = "fallback"
)

var (
	ErrTurnFinished  = errors.New("turn already finished")
	ErrTurnAbandoned = chaterrors.New(chaterrors.KindTurn, "turn abandoned")
)

// Turn is one user message and the assistant reply to it.
//
// A streamed turn owns the placeholder node created by Reconciler.Begin:
// deltas are appended to it in arrival order, completion re-keys it to the
// canonical message. Once completed or failed, every mutating call returns
// ErrTurnFinished and leaves the store alone.
type Turn struct {
	ID             string
	ConversationID conversation.ConversationID
	Mode           Mode
	// ParentID is the node the user message was attached to.
	ParentID conversation.NodeID
	Text     string

	store *conversation.Store
	sink  events.EventSink

	mu            sync.Mutex
	status        Status
	userNodeID    conversation.NodeID
	placeholderID conversation.NodeID
	nodeID        conversation.NodeID
	buffer        strings.Builder
	err           error
	final         *conversation.Message
	abandoned     bool
	done          chan struct{}
}

func newTurn(
	store *conversation.Store,
	sink events.EventSink,
	mode Mode,
	conversationID conversation.ConversationID,
	parentID conversation.NodeID,
	text string,
) *Turn {
	return &Turn{
		ID:             newTurnID(),
		ConversationID: conversationID,
		Mode:           mode,
		ParentID:       parentID,
		Text:           text,
		store:          store,
		sink:           sink,
		status:         StatusPending,
		done:           make(chan struct{}),
	}
}

func (t *Turn) metadata() events.EventMetadata {
	return events.NewMetadata(t.ConversationID.String(), t.ID)
}

// ApplyUserMessage re-keys the local user node to the canonical message
// echoed by the backend.
func (t *Turn) ApplyUserMessage(msg *conversation.Message) error {
	if msg == nil {
		return errors.New("nil user message")
	}

	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return ErrTurnFinished
	}
	localID := t.userNodeID
	if t.store != nil && localID != conversation.NullNode {
		node := msg.ToNode()
		node.Role = conversation.RoleUser
		if err := t.store.ReplaceMessage(localID, node); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	if msg.ID != conversation.NullNode {
		t.userNodeID = msg.ID
	}
	newID := t.userNodeID
	t.mu.Unlock()

	log.Debug().Str("turn_id", t.ID).Str("local_id", localID.String()).Str("node_id", newID.String()).
		Msg("applied canonical user message")
	events.Publish(t.sink, events.NewUserMessageEvent(t.metadata(), localID.String(), newID.String()))
	return nil
}

// Start moves a pending turn to streaming. Starting a streaming turn is a no-op.
func (t *Turn) Start() error {
	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return ErrTurnFinished
	}
	started := t.status == StatusPending
	t.status = StatusStreaming
	nodeID := t.nodeID
	t.mu.Unlock()

	if started {
		events.Publish(t.sink, events.NewTurnStreamingEvent(t.metadata(), nodeID.String()))
	}
	return nil
}

// ApplyDelta appends chunk to the reply. The first delta of a pending turn
// moves it to streaming.
func (t *Turn) ApplyDelta(chunk string) error {
	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return ErrTurnFinished
	}
	started := t.status == StatusPending
	t.status = StatusStreaming
	t.buffer.WriteString(chunk)
	completion := t.buffer.String()
	nodeID := t.nodeID
	if t.store != nil && nodeID != conversation.NullNode {
		if !t.store.AppendContent(nodeID, chunk) {
			log.Warn().Str("turn_id", t.ID).Str("node_id", nodeID.String()).
				Msg("placeholder not in tree, delta only buffered")
		}
	}
	t.mu.Unlock()

	if started {
		events.Publish(t.sink, events.NewTurnStreamingEvent(t.metadata(), nodeID.String()))
	}
	log.Trace().Str("turn_id", t.ID).Int("delta_length", len(chunk)).Msg("applied delta")
	events.Publish(t.sink, events.NewTurnDeltaEvent(t.metadata(), nodeID.String(), chunk, completion))
	return nil
}

// Complete finalizes the turn with the canonical assistant message. The
// placeholder is replaced by msg, including its id. A nil msg keeps the
// placeholder with the buffered content.
func (t *Turn) Complete(msg *conversation.Message) error {
	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return ErrTurnFinished
	}

	placeholderID := t.nodeID
	if msg == nil {
		msg = &conversation.Message{
			ID:      placeholderID,
			Role:    conversation.RoleAssistant,
			Content: t.buffer.String(),
		}
	}
	if t.store != nil && placeholderID != conversation.NullNode {
		node := msg.ToNode()
		node.Role = conversation.RoleAssistant
		if err := t.store.ReplaceMessage(placeholderID, node); err != nil {
			log.Warn().Err(err).Str("turn_id", t.ID).Str("node_id", placeholderID.String()).
				Msg("could not replace placeholder with canonical message")
		}
	}
	if msg.ID != conversation.NullNode {
		t.nodeID = msg.ID
	}
	t.final = msg
	t.status = StatusCompleted
	nodeID := t.nodeID
	close(t.done)
	t.mu.Unlock()

	log.Debug().Str("turn_id", t.ID).Str("placeholder_id", placeholderID.String()).Str("node_id", nodeID.String()).
		Msg("turn completed")
	events.Publish(t.sink, events.NewTurnCompletedEvent(t.metadata(), placeholderID.String(), nodeID.String(), msg.Content))
	return nil
}

// Fail finalizes the turn with err. Content received so far stays in the tree.
// Errors without a kind are reported as turn errors.
func (t *Turn) Fail(err error) error {
	if err == nil {
		err = chaterrors.New(chaterrors.KindTurn, "turn failed")
	} else if chaterrors.KindOf(err) == "" {
		err = chaterrors.Wrap(err, chaterrors.KindTurn, "turn failed")
	}

	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return ErrTurnFinished
	}
	t.status = StatusFailed
	t.err = err
	partial := t.buffer.String()
	nodeID := t.nodeID
	close(t.done)
	t.mu.Unlock()

	log.Warn().Err(err).Str("turn_id", t.ID).Str("node_id", nodeID.String()).Msg("turn failed")
	events.Publish(t.sink, events.NewTurnFailedEvent(t.metadata(), nodeID.String(),
		string(chaterrors.KindOf(err)), err, partial))
	return nil
}

// Abandon stops the turn without reporting an error to the caller; later
// deltas are refused. It returns false if the turn had already finished.
func (t *Turn) Abandon() bool {
	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return false
	}
	t.status = StatusFailed
	t.err = ErrTurnAbandoned
	t.abandoned = true
	nodeID := t.nodeID
	close(t.done)
	t.mu.Unlock()

	log.Debug().Str("turn_id", t.ID).Msg("turn abandoned")
	events.Publish(t.sink, events.NewTurnAbandonedEvent(t.metadata(), nodeID.String()))
	return true
}

func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Content returns the content received so far, or the canonical content once completed.
func (t *Turn) Content() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final != nil {
		return t.final.Content
	}
	return t.buffer.String()
}

func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) Abandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned
}

// NodeID is the placeholder id until completion and the canonical id after.
func (t *Turn) NodeID() conversation.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeID
}

func (t *Turn) PlaceholderID() conversation.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.placeholderID
}

func (t *Turn) UserNodeID() conversation.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userNodeID
}

// Message returns the canonical assistant message of a completed turn.
func (t *Turn) Message() *conversation.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn finishes or ctx is done and returns the turn error.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
