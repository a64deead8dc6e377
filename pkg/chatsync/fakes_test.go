package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/transport"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	nextID        int
	conversations []*api.Conversation
	trees         map[conversation.ConversationID]*conversation.Snapshot
	treeCalls     map[conversation.ConversationID]int
	sent          []api.SendRequest

	createErr error
	deleteErr error
	treeErr   error
	sendErr   error
	sendResp  *api.SendResponse
	// when set, Send blocks until it is closed
	sendRelease chan struct{}
	// when set, the next GetTree call blocks until it is closed and then
	// returns the tree as it was when the call came in
	treeRelease chan struct{}

	regenerated *conversation.Message
	historyFrom []conversation.NodeID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		trees:     map[conversation.ConversationID]*conversation.Snapshot{},
		treeCalls: map[conversation.ConversationID]int{},
	}
}

func (b *fakeBackend) setTree(s *conversation.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trees[s.ConversationID] = s
}

func (b *fakeBackend) calls(id conversation.ConversationID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.treeCalls[id]
}

func (b *fakeBackend) sentRequests() []api.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.SendRequest{}, b.sent...)
}

func (b *fakeBackend) CreateConversation(_ context.Context, title string) (*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.nextID++
	conv := &api.Conversation{ID: conversation.ConversationID(fmt.Sprint(b.nextID)), Title: title}
	b.conversations = append(b.conversations, conv)
	return &api.Conversation{ID: conv.ID, Title: conv.Title}, nil
}

func (b *fakeBackend) ListConversations(_ context.Context) ([]*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := []*api.Conversation{}
	for _, c := range b.conversations {
		ret = append(ret, &api.Conversation{ID: c.ID, Title: c.Title})
	}
	return ret, nil
}

func (b *fakeBackend) GetConversation(_ context.Context, id conversation.ConversationID) (*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.ID == id {
			return &api.Conversation{ID: c.ID, Title: c.Title, MessageCount: c.MessageCount}, nil
		}
	}
	return nil, chaterrors.New(chaterrors.KindRequest, "Conversation not found")
}

func (b *fakeBackend) DeleteConversation(_ context.Context, id conversation.ConversationID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	for i, c := range b.conversations {
		if c.ID == id {
			b.conversations = append(b.conversations[:i], b.conversations[i+1:]...)
			return nil
		}
	}
	return chaterrors.New(chaterrors.KindRequest, "Conversation not found")
}

func (b *fakeBackend) RenameConversation(_ context.Context, id conversation.ConversationID, title string) (*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.ID == id {
			c.Title = title
			return &api.Conversation{ID: id, Title: title}, nil
		}
	}
	return nil, chaterrors.New(chaterrors.KindRequest, "Conversation not found")
}

func (b *fakeBackend) holdNextTree() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.treeRelease = make(chan struct{})
	return b.treeRelease
}

func (b *fakeBackend) GetTree(_ context.Context, id conversation.ConversationID) (*conversation.Snapshot, error) {
	b.mu.Lock()
	b.treeCalls[id]++
	err := b.treeErr
	s, ok := b.trees[id]
	release := b.treeRelease
	b.treeRelease = nil
	b.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return s, nil
	}
	return &conversation.Snapshot{ConversationID: id}, nil
}

func (b *fakeBackend) Send(ctx context.Context, req api.SendRequest) (*api.SendResponse, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	release := b.sendRelease
	err, resp := b.sendErr, b.sendResp
	b.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *fakeBackend) History(_ context.Context, id conversation.ConversationID, from conversation.NodeID) (*api.History, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyFrom = append(b.historyFrom, from)
	return &api.History{
		ConversationID: id,
		Messages: []*conversation.Message{
			{ID: "1", Role: conversation.RoleUser, Content: "hi"},
			{ID: "2", ParentID: "1", Role: conversation.RoleAssistant, Content: "hello"},
		},
	}, nil
}

func (b *fakeBackend) Regenerate(_ context.Context, id conversation.NodeID) (*conversation.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regenerated == nil {
		return nil, chaterrors.New(chaterrors.KindRequest, "Message not found")
	}
	return b.regenerated, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	status     transport.Status
	refuseSend bool
	handlers   map[string]transport.Handler
	listeners  []transport.StatusListener
	sent       []*transport.ChatMessage
	connects   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		status:   transport.StatusDisconnected,
		handlers: map[string]transport.Handler{},
	}
}

func (f *fakeTransport) setStatus(status transport.Status, err error) {
	f.mu.Lock()
	f.status = status
	listeners := append([]transport.StatusListener{}, f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(transport.StatusChange{Status: status, Err: err})
	}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		f.setStatus(transport.StatusDisconnected, err)
		return err
	}
	f.setStatus(transport.StatusConnected, nil)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.status = transport.StatusDisconnected
	f.handlers = map[string]transport.Handler{}
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()
	for _, l := range listeners {
		l(transport.StatusChange{Status: transport.StatusDisconnected})
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == transport.StatusConnected
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) SendChatMessage(conversationID conversation.ConversationID, parentID conversation.NodeID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != transport.StatusConnected || f.refuseSend {
		return false
	}
	f.sent = append(f.sent, transport.NewChatMessage(conversationID, parentID, text))
	return true
}

func (f *fakeTransport) OnMessage(frameType string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[frameType] = h
}

func (f *fakeTransport) OnStatus(l transport.StatusListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeTransport) sentMessages() []*transport.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.ChatMessage{}, f.sent...)
}

// push delivers raw to the registered handler, like the read loop does.
func (f *fakeTransport) push(t *testing.T, raw string) {
	frame, err := transport.ParseFrame([]byte(raw))
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[frame.Type]
	f.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

func (f *fakeTransport) drop() {
	f.setStatus(transport.StatusReconnecting,
		chaterrors.New(chaterrors.KindTransport, "connection lost"))
}

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

func (r *recordingSink) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}
