package streaming

import (
	"strings"

	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrEmptyMessage = errors.New("message is empty")

// Reconciler opens turns against a Store. It does not track which turn is
// active; refusing a second concurrent turn is up to the caller.
type Reconciler struct {
	store *conversation.Store
	sink  events.EventSink
}

type ReconcilerOption func(*Reconciler)

func WithEventSink(sink events.EventSink) ReconcilerOption {
	return func(r *Reconciler) {
		r.sink = sink
	}
}

func NewReconciler(store *conversation.Store, options ...ReconcilerOption) *Reconciler {
	ret := &Reconciler{store: store}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (r *Reconciler) Store() *conversation.Store {
	return r.store
}

// Begin starts a streamed turn: it adds the user message under the current
// node and an empty assistant placeholder under it. The placeholder becomes
// the current node.
func (r *Reconciler) Begin(conversationID conversation.ConversationID, text string) (*Turn, error) {
	return r.BeginAt(conversationID, r.store.CurrentID(), text)
}

// BeginAt is Begin with an explicit parent for the user message. NullNode
// starts a new root.
func (r *Reconciler) BeginAt(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	userID := r.store.AddMessage(parentID, conversation.RoleUser, text)
	placeholderID := r.store.AddMessage(userID, conversation.RoleAssistant, "")

	t := newTurn(r.store, r.sink, ModeStream, conversationID, parentID, text)
	t.userNodeID = userID
	t.placeholderID = placeholderID
	t.nodeID = placeholderID

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Str("turn_id", t.ID).
		Str("user_node_id", userID.String()).
		Str("placeholder_id", placeholderID.String()).
		Msg("began streaming turn")
	events.Publish(r.sink, events.NewTurnStartedEvent(t.metadata(), string(ModeStream), text,
		userID.String(), placeholderID.String()))

	return t, nil
}

// BeginFallback starts a turn delivered by a single request/response call.
// It does not touch the tree, the canonical state arrives with the next
// snapshot import.
func (r *Reconciler) BeginFallback(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	t := newTurn(nil, r.sink, ModeFallback, conversationID, parentID, text)

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Str("turn_id", t.ID).
		Str("parent_id", parentID.String()).
		Msg("began fallback turn")
	events.Publish(r.sink, events.NewTurnStartedEvent(t.metadata(), string(ModeFallback), text, "", ""))

	return t, nil
}

func newTurnID() string {
	return uuid.NewString()
}
