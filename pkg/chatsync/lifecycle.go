package chatsync

import (
	"context"

	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

const (
	ActionCreated  = "created"
	ActionSelected = "selected"
	ActionRenamed  = "renamed"
	ActionDeleted  = "deleted"
	ActionCleared  = "cleared"
)

func (c *Coordinator) publishConversation(conversationID conversation.ConversationID, action string, title string) {
	events.Publish(c.sink, events.NewConversationEvent(events.NewMetadata(conversationID.String(), ""), action, title))
}

// abandonLocked stops the current turn. A streamed turn stays queued so
// that its remaining frames are drained.
func (c *Coordinator) abandonLocked() {
	if c.turn != nil {
		c.turn.Abandon()
	}
}

// CreateConversation creates a conversation on the backend and makes it the
// active one with an empty tree.
func (c *Coordinator) CreateConversation(ctx context.Context, title string) (*api.Conversation, error) {
	conv, err := c.backend.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conversations = append([]*api.Conversation{conv}, c.conversations...)
	c.abandonLocked()
	c.store.Clear()
	c.activeID = conv.ID
	c.title = conv.Title
	c.mu.Unlock()

	log.Info().Str("conversation_id", conv.ID.String()).Str("title", conv.Title).Msg("created conversation")
	c.publishConversation(conv.ID, ActionCreated, conv.Title)
	return clone.Clone(conv).(*api.Conversation), nil
}

// ListConversations fetches the conversations and refreshes the cache.
func (c *Coordinator) ListConversations(ctx context.Context) ([]*api.Conversation, error) {
	convs, err := c.backend.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()
	return c.Conversations(), nil
}

// GetConversation fetches a single conversation and updates its cache entry.
func (c *Coordinator) GetConversation(ctx context.Context, id conversation.ConversationID) (*api.Conversation, error) {
	conv, err := c.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	found := false
	for i, cached := range c.conversations {
		if cached.ID == conv.ID {
			c.conversations[i] = conv
			found = true
		}
	}
	if !found {
		c.conversations = append(c.conversations, conv)
	}
	if c.activeID == conv.ID && conv.Title != "" {
		c.title = conv.Title
	}
	c.mu.Unlock()

	return clone.Clone(conv).(*api.Conversation), nil
}

// Conversations returns the cached conversation list.
func (c *Coordinator) Conversations() []*api.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone.Clone(c.conversations).([]*api.Conversation)
}

// DeleteConversation deletes a conversation. Deleting the active one also
// clears the local tree.
func (c *Coordinator) DeleteConversation(ctx context.Context, id conversation.ConversationID) error {
	if err := c.backend.DeleteConversation(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	kept := c.conversations[:0]
	for _, conv := range c.conversations {
		if conv.ID != id {
			kept = append(kept, conv)
		}
	}
	c.conversations = kept
	if c.activeID == id {
		c.clearLocked()
	}
	c.mu.Unlock()

	log.Info().Str("conversation_id", id.String()).Msg("deleted conversation")
	c.publishConversation(id, ActionDeleted, "")
	return nil
}

// RenameConversation sets the title of a conversation.
func (c *Coordinator) RenameConversation(ctx context.Context, id conversation.ConversationID, title string) (*api.Conversation, error) {
	conv, err := c.backend.RenameConversation(ctx, id, title)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, cached := range c.conversations {
		if cached.ID == id {
			cached.Title = conv.Title
			if !conv.UpdatedAt.IsZero() {
				cached.UpdatedAt = conv.UpdatedAt
			}
		}
	}
	if c.activeID == id {
		c.title = conv.Title
	}
	c.mu.Unlock()

	c.publishConversation(id, ActionRenamed, conv.Title)
	return conv, nil
}

// SelectConversation makes id the active conversation and imports its tree.
// On error nothing changes, the current turn included.
func (c *Coordinator) SelectConversation(ctx context.Context, id conversation.ConversationID) error {
	snapshot, err := c.backend.GetTree(ctx, id)
	if err != nil {
		return err
	}
	res, err := conversation.Flatten(snapshot)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.abandonLocked()
	if err := c.store.ReplaceAll(res.Nodes, res.Current); err != nil {
		c.mu.Unlock()
		return err
	}
	c.activeID = id
	c.title = snapshot.Title
	// fetches still running belong to the previous selection
	c.importSeq++
	c.appliedSeq = c.importSeq
	for _, cached := range c.conversations {
		if cached.ID == id && c.title == "" {
			c.title = cached.Title
		}
	}
	title := c.title
	c.mu.Unlock()

	log.Debug().Str("conversation_id", id.String()).Int("node_count", len(res.Nodes)).Msg("selected conversation")
	c.publishConversation(id, ActionSelected, title)
	c.afterImport(id, title, res)
	return nil
}

// ClearConversation leaves the active conversation. The next message starts
// a new one.
func (c *Coordinator) ClearConversation() {
	c.mu.Lock()
	id := c.activeID
	c.clearLocked()
	c.mu.Unlock()

	if id != "" {
		c.publishConversation(id, ActionCleared, "")
	}
}

func (c *Coordinator) clearLocked() {
	c.abandonLocked()
	c.store.Clear()
	c.activeID = ""
	c.title = ""
}
