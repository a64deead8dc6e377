// Package chatsync keeps the local tree of the active conversation in sync
// with the backend. It decides per message whether the reply is streamed
// over the duplex channel or fetched with a single request, and re-imports
// the server snapshot after every completed turn.
package chatsync

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/streaming"
	"github.com/go-go-golems/treechat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrTurnInProgress = chaterrors.New(chaterrors.KindTurn, "a turn is already in progress")
	ErrNoConversation = errors.New("no active conversation")
	ErrNotOpen        = errors.New("coordinator is not open")
)

const maxTitleLength = 50

// Backend is the REST side of the chat backend.
type Backend interface {
	CreateConversation(ctx context.Context, title string) (*api.Conversation, error)
	ListConversations(ctx context.Context) ([]*api.Conversation, error)
	GetConversation(ctx context.Context, id conversation.ConversationID) (*api.Conversation, error)
	DeleteConversation(ctx context.Context, id conversation.ConversationID) error
	RenameConversation(ctx context.Context, id conversation.ConversationID, title string) (*api.Conversation, error)
	GetTree(ctx context.Context, id conversation.ConversationID) (*conversation.Snapshot, error)
	Send(ctx context.Context, req api.SendRequest) (*api.SendResponse, error)
	History(ctx context.Context, id conversation.ConversationID, fromMessageID conversation.NodeID) (*api.History, error)
	Regenerate(ctx context.Context, messageID conversation.NodeID) (*conversation.Message, error)
}

var _ Backend = (*api.Client)(nil)

// Transport is the duplex channel used to stream replies.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Status() transport.Status
	SendChatMessage(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) bool
	OnMessage(frameType string, h transport.Handler)
	OnStatus(l transport.StatusListener)
}

var _ Transport = (*transport.Client)(nil)

// Coordinator owns the tree store of the active conversation. Backend and
// transport are injected, Open and Close bound the use of the transport.
//
// Streamed turns wait for their frames in submission order. The backend
// handles the chat messages of one connection one after the other, so the
// frames at the head of the stream always belong to the oldest turn that
// has not seen its terminal frame yet. Abandoned turns stay in that queue
// until their terminal frame arrives and drop everything they receive.
type Coordinator struct {
	backend    Backend
	transport  Transport
	store      *conversation.Store
	reconciler *streaming.Reconciler
	sink       events.EventSink
	autosaver  *conversation.Autosaver
	streaming  bool

	sendMu sync.Mutex

	mu            sync.Mutex
	opened        bool
	bgCtx         context.Context
	cancel        context.CancelFunc
	conversations []*api.Conversation
	activeID      conversation.ConversationID
	title         string
	turn          *streaming.Turn
	inflight      []*streaming.Turn
	// snapshot fetches are numbered, a fetch that returns after a later one
	// was imported is dropped
	importSeq  uint64
	appliedSeq uint64

	wg sync.WaitGroup
}

type Option func(*Coordinator)

func WithStore(store *conversation.Store) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithAutosaver saves the tree after every snapshot import.
func WithAutosaver(a *conversation.Autosaver) Option {
	return func(c *Coordinator) {
		c.autosaver = a
	}
}

// WithStreaming enables or disables streaming replies. When disabled every
// message goes through the request/response path.
func WithStreaming(enabled bool) Option {
	return func(c *Coordinator) {
		c.streaming = enabled
	}
}

// NewCoordinator creates a coordinator. A nil transport disables streaming.
func NewCoordinator(backend Backend, tr Transport, options ...Option) *Coordinator {
	ret := &Coordinator{
		backend:   backend,
		transport: tr,
		streaming: true,
		bgCtx:     context.Background(),
	}
	for _, o := range options {
		o(ret)
	}
	if ret.store == nil {
		ret.store = conversation.NewStore()
	}
	ret.reconciler = streaming.NewReconciler(ret.store, streaming.WithEventSink(ret.sink))
	return ret
}

// Open registers the frame handlers and connects the transport. A failing
// connection is not an error: messages are sent through the request/response
// path until Reconnect succeeds.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.bgCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if c.transport == nil || !c.streaming {
		return nil
	}
	c.registerHandlers()
	if err := c.transport.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("streaming unavailable, falling back to request/response")
	}
	return nil
}

// Reconnect retries the transport connection after automatic reconnection gave up.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}
	if c.transport == nil || !c.streaming {
		return nil
	}
	return c.transport.Connect(ctx)
}

// Close abandons the current turn, disconnects the transport and waits for
// background requests to return.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = false
	cancel := c.cancel
	turn := c.turn
	c.mu.Unlock()

	if turn != nil {
		turn.Abandon()
	}
	if c.transport != nil {
		c.transport.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Store() *conversation.Store {
	return c.store
}

func (c *Coordinator) ActiveConversation() conversation.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Coordinator) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// CurrentTurn returns the last turn sent, finished or not.
func (c *Coordinator) CurrentTurn() *streaming.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

func (c *Coordinator) ConnectionStatus() transport.Status {
	if c.transport == nil {
		return transport.StatusDisconnected
	}
	return c.transport.Status()
}

// SendMessage submits text as a reply to the current node. The conversation
// is created first if there is none. The returned turn is already under way,
// use Turn.Wait to wait for the reply.
func (c *Coordinator) SendMessage(ctx context.Context, text string) (*streaming.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, streaming.ErrEmptyMessage
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil, ErrNotOpen
	}
	if c.turn != nil && c.turn.Status().Active() {
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	conversationID := c.activeID
	c.mu.Unlock()

	if conversationID == "" {
		conv, err := c.CreateConversation(ctx, titleFromMessage(text))
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil, ErrNotOpen
	}
	if c.turn != nil && c.turn.Status().Active() {
		return nil, ErrTurnInProgress
	}
	if c.activeID == "" {
		return nil, ErrNoConversation
	}
	conversationID = c.activeID
	parentID := c.canonicalParent()

	if c.streaming && c.transport != nil && c.transport.IsConnected() {
		selected := c.store.CurrentID()
		turn, err := c.reconciler.BeginAt(conversationID, parentID, text)
		if err != nil {
			return nil, err
		}
		c.inflight = append(c.inflight, turn)
		c.turn = turn
		if c.transport.SendChatMessage(conversationID, parentID, text) {
			return turn, nil
		}

		log.Warn().Str("conversation_id", conversationID.String()).
			Msg("could not send over the duplex channel, falling back to request/response")
		c.removeInflightLocked(turn)
		turn.Abandon()
		// the fallback reply arrives with the next import, until then the
		// tree stays as it was before the send
		c.store.RemoveSubtree(turn.UserNodeID())
		if selected != conversation.NullNode {
			_ = c.store.SelectNode(selected)
		}
	}

	turn, err := c.reconciler.BeginFallback(conversationID, parentID, text)
	if err != nil {
		return nil, err
	}
	c.turn = turn
	c.wg.Add(1)
	go c.runFallback(c.bgCtx, turn)
	return turn, nil
}

// canonicalParent is the deepest node of the selection path that the
// backend knows about. Local nodes of failed turns are skipped.
func (c *Coordinator) canonicalParent() conversation.NodeID {
	path := c.store.PathIDs()
	for i := len(path) - 1; i >= 0; i-- {
		if !path[i].IsLocal() {
			return path[i]
		}
	}
	return conversation.NullNode
}

func (c *Coordinator) runFallback(ctx context.Context, turn *streaming.Turn) {
	defer c.wg.Done()

	resp, err := c.backend.Send(ctx, api.SendRequest{
		ConversationID: turn.ConversationID,
		ParentID:       turn.ParentID,
		Message:        turn.Text,
	})
	if err != nil {
		_ = turn.Fail(err)
		return
	}
	if resp.UserMessage != nil {
		_ = turn.ApplyUserMessage(resp.UserMessage)
	}
	if err := turn.Complete(resp.AssistantMessage); err != nil {
		// abandoned while the request was running
		return
	}
	if err := c.reimport(ctx, turn.ConversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", turn.ConversationID.String()).
			Msg("could not refresh the tree after the reply")
	}
}

func titleFromMessage(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength-3]) + "..."
	}
	return title
}

// reimport fetches the snapshot of conversationID and swaps it into the
// store. The snapshot is dropped when the conversation is no longer active
// or a newer turn is under way. It is also dropped when a fetch started
// after it has already been imported.
func (c *Coordinator) reimport(ctx context.Context, conversationID conversation.ConversationID) error {
	c.mu.Lock()
	c.importSeq++
	ticket := c.importSeq
	c.mu.Unlock()

	snapshot, err := c.backend.GetTree(ctx, conversationID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if ticket < c.appliedSeq {
		c.mu.Unlock()
		log.Debug().Str("conversation_id", conversationID.String()).
			Uint64("ticket", ticket).Uint64("applied", c.appliedSeq).
			Msg("newer snapshot already imported, dropping this one")
		return nil
	}
	if c.activeID != conversationID {
		c.mu.Unlock()
		log.Debug().Str("conversation_id", conversationID.String()).Msg("conversation changed, dropping snapshot")
		return nil
	}
	if c.turn != nil && c.turn.Status().Active() {
		c.mu.Unlock()
		log.Debug().Str("conversation_id", conversationID.String()).Msg("turn in progress, dropping snapshot")
		return nil
	}
	res, err := conversation.Import(c.store, snapshot)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.appliedSeq = ticket
	if snapshot.Title != "" {
		c.title = snapshot.Title
	}
	title := c.title
	c.mu.Unlock()

	c.afterImport(conversationID, title, res)
	return nil
}

func (c *Coordinator) afterImport(conversationID conversation.ConversationID, title string, res *conversation.ImportResult) {
	path := make([]string, 0, len(res.Path))
	for _, id := range res.Path {
		path = append(path, id.String())
	}
	events.Publish(c.sink, events.NewTreeReplacedEvent(
		events.NewMetadata(conversationID.String(), ""),
		len(res.Nodes), res.Current.String(), path))

	if c.autosaver != nil && len(res.Nodes) > 0 {
		if _, err := c.autosaver.Save(c.store, conversationID, title); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("could not autosave conversation")
		}
	}
}

// Refresh re-imports the snapshot of the active conversation.
func (c *Coordinator) Refresh(ctx context.Context) error {
	conversationID := c.ActiveConversation()
	if conversationID == "" {
		return ErrNoConversation
	}
	return c.reimport(ctx, conversationID)
}

// SelectNode moves the selection to id.
func (c *Coordinator) SelectNode(id conversation.NodeID) error {
	return c.store.SelectNode(id)
}

// History returns the messages of the active conversation from the root down
// to fromMessageID, or all of them when fromMessageID is empty.
func (c *Coordinator) History(ctx context.Context, fromMessageID conversation.NodeID) ([]*conversation.Message, error) {
	conversationID := c.ActiveConversation()
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	h, err := c.backend.History(ctx, conversationID, fromMessageID)
	if err != nil {
		return nil, err
	}
	return h.Messages, nil
}

// Regenerate replaces the content of the assistant message messageID with a
// new reply, then re-imports the tree.
func (c *Coordinator) Regenerate(ctx context.Context, messageID conversation.NodeID) (*conversation.Message, error) {
	c.mu.Lock()
	if c.turn != nil && c.turn.Status().Active() {
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	conversationID := c.activeID
	c.mu.Unlock()
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	msg, err := c.backend.Regenerate(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := c.reimport(ctx, conversationID); err != nil {
		return msg, err
	}
	return msg, nil
}
