package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeTurnStarted to EventTypeTurnAbandoned follow a single assistant turn
	EventTypeTurnStarted   EventType = "turn-started"
	EventTypeTurnStreaming EventType = "turn-streaming"
	EventTypeTurnDelta     EventType = "turn-delta"
	EventTypeTurnCompleted EventType = "turn-completed"
	EventTypeTurnFailed    EventType = "turn-failed"
	EventTypeTurnAbandoned EventType = "turn-abandoned"

	// The backend echoed the canonical version of the user message
	EventTypeUserMessage EventType = "user-message"

	EventTypeConnectionStatus EventType = "connection-status"
	EventTypeTreeReplaced     EventType = "tree-replaced"
	EventTypeConversation     EventType = "conversation"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata is carried by every event.
type EventMetadata struct {
	ID             uuid.UUID `json:"message_id" yaml:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	// Extra carries values that have no dedicated field
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func NewMetadata(conversationID string, turnID string) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		TurnID:         turnID,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if len(em.Extra) > 0 {
		e.Interface("extra", em.Extra)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// set when the event was deserialized from JSON (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

func newImpl(t EventType, metadata EventMetadata) EventImpl {
	return EventImpl{Type_: t, Metadata_: metadata}
}

// EventTurnStarted is emitted once the user node and the placeholder of a
// streamed turn exist, or when a fallback turn is sent.
type EventTurnStarted struct {
	EventImpl
	Mode          string `json:"mode"`
	Text          string `json:"text"`
	UserNodeID    string `json:"user_node_id,omitempty"`
	PlaceholderID string `json:"placeholder_id,omitempty"`
}

func NewTurnStartedEvent(metadata EventMetadata, mode string, text string, userNodeID string, placeholderID string) *EventTurnStarted {
	return &EventTurnStarted{
		EventImpl:     newImpl(EventTypeTurnStarted, metadata),
		Mode:          mode,
		Text:          text,
		UserNodeID:    userNodeID,
		PlaceholderID: placeholderID,
	}
}

var _ Event = &EventTurnStarted{}

// EventTurnStreaming marks the first content of a streamed turn.
type EventTurnStreaming struct {
	EventImpl
	NodeID string `json:"node_id"`
}

func NewTurnStreamingEvent(metadata EventMetadata, nodeID string) *EventTurnStreaming {
	return &EventTurnStreaming{
		EventImpl: newImpl(EventTypeTurnStreaming, metadata),
		NodeID:    nodeID,
	}
}

var _ Event = &EventTurnStreaming{}

// EventTurnDelta carries one content delta and the content accumulated so far.
type EventTurnDelta struct {
	EventImpl
	NodeID     string `json:"node_id"`
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewTurnDeltaEvent(metadata EventMetadata, nodeID string, delta string, completion string) *EventTurnDelta {
	return &EventTurnDelta{
		EventImpl:  newImpl(EventTypeTurnDelta, metadata),
		NodeID:     nodeID,
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventTurnDelta{}

// EventTurnCompleted carries the canonical assistant message. NodeID may
// differ from the placeholder id announced by EventTurnStarted.
type EventTurnCompleted struct {
	EventImpl
	PlaceholderID string `json:"placeholder_id,omitempty"`
	NodeID        string `json:"node_id"`
	Content       string `json:"content"`
}

func NewTurnCompletedEvent(metadata EventMetadata, placeholderID string, nodeID string, content string) *EventTurnCompleted {
	return &EventTurnCompleted{
		EventImpl:     newImpl(EventTypeTurnCompleted, metadata),
		PlaceholderID: placeholderID,
		NodeID:        nodeID,
		Content:       content,
	}
}

var _ Event = &EventTurnCompleted{}

// EventTurnFailed keeps the partial content that was received before the failure.
type EventTurnFailed struct {
	EventImpl
	NodeID         string `json:"node_id,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorString    string `json:"error_string"`
	PartialContent string `json:"partial_content,omitempty"`
}

func NewTurnFailedEvent(metadata EventMetadata, nodeID string, kind string, err error, partial string) *EventTurnFailed {
	ret := &EventTurnFailed{
		EventImpl:      newImpl(EventTypeTurnFailed, metadata),
		NodeID:         nodeID,
		ErrorKind:      kind,
		PartialContent: partial,
	}
	if err != nil {
		ret.ErrorString = err.Error()
	}
	return ret
}

var _ Event = &EventTurnFailed{}

type EventTurnAbandoned struct {
	EventImpl
	NodeID string `json:"node_id,omitempty"`
}

func NewTurnAbandonedEvent(metadata EventMetadata, nodeID string) *EventTurnAbandoned {
	return &EventTurnAbandoned{
		EventImpl: newImpl(EventTypeTurnAbandoned, metadata),
		NodeID:    nodeID,
	}
}

var _ Event = &EventTurnAbandoned{}

type EventUserMessage struct {
	EventImpl
	LocalID string `json:"local_id"`
	NodeID  string `json:"node_id"`
}

func NewUserMessageEvent(metadata EventMetadata, localID string, nodeID string) *EventUserMessage {
	return &EventUserMessage{
		EventImpl: newImpl(EventTypeUserMessage, metadata),
		LocalID:   localID,
		NodeID:    nodeID,
	}
}

var _ Event = &EventUserMessage{}

// EventConnectionStatus reports the state of the duplex connection.
type EventConnectionStatus struct {
	EventImpl
	Status  string `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
}

func NewConnectionStatusEvent(metadata EventMetadata, status string, attempt int) *EventConnectionStatus {
	return &EventConnectionStatus{
		EventImpl: newImpl(EventTypeConnectionStatus, metadata),
		Status:    status,
		Attempt:   attempt,
	}
}

var _ Event = &EventConnectionStatus{}

// EventTreeReplaced is emitted after a snapshot import.
type EventTreeReplaced struct {
	EventImpl
	NodeCount int      `json:"node_count"`
	CurrentID string   `json:"current_id"`
	Path      []string `json:"path"`
}

func NewTreeReplacedEvent(metadata EventMetadata, nodeCount int, currentID string, path []string) *EventTreeReplaced {
	return &EventTreeReplaced{
		EventImpl: newImpl(EventTypeTreeReplaced, metadata),
		NodeCount: nodeCount,
		CurrentID: currentID,
		Path:      path,
	}
}

var _ Event = &EventTreeReplaced{}

// EventConversation reports conversation lifecycle changes (created, selected,
// renamed, deleted).
type EventConversation struct {
	EventImpl
	Action string `json:"action"`
	Title  string `json:"title,omitempty"`
}

func NewConversationEvent(metadata EventMetadata, action string, title string) *EventConversation {
	return &EventConversation{
		EventImpl: newImpl(EventTypeConversation, metadata),
		Action:    action,
		Title:     title,
	}
}

var _ Event = &EventConversation{}

// NewEventFromJson decodes a serialized event into its typed struct.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeTurnStarted:
		return decodeTyped[EventTurnStarted](e)
	case EventTypeTurnStreaming:
		return decodeTyped[EventTurnStreaming](e)
	case EventTypeTurnDelta:
		return decodeTyped[EventTurnDelta](e)
	case EventTypeTurnCompleted:
		return decodeTyped[EventTurnCompleted](e)
	case EventTypeTurnFailed:
		return decodeTyped[EventTurnFailed](e)
	case EventTypeTurnAbandoned:
		return decodeTyped[EventTurnAbandoned](e)
	case EventTypeUserMessage:
		return decodeTyped[EventUserMessage](e)
	case EventTypeConnectionStatus:
		return decodeTyped[EventConnectionStatus](e)
	case EventTypeTreeReplaced:
		return decodeTyped[EventTreeReplaced](e)
	case EventTypeConversation:
		return decodeTyped[EventConversation](e)
	}

	return e, nil
}

type payloadSetter interface {
	SetPayload([]byte)
}

func decodeTyped[T any, PT interface {
	*T
	Event
	payloadSetter
}](e Event) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok || ret == nil {
		return nil, fmt.Errorf("could not cast event to %s", e.Type())
	}
	PT(ret).SetPayload(e.Payload())
	return PT(ret), nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
