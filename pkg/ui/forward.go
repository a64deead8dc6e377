package ui

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/treechat/pkg/events"
)

// EventMsg carries a conversation event into the bubbletea program.
type EventMsg struct {
	Event events.Event
}

// ForwardFunc returns a router handler sending every conversation event to p.
func ForwardFunc(p *tea.Program) func(msg *message.Message) error {
	return events.HandlerFunc(func(_ context.Context, e events.Event) error {
		p.Send(EventMsg{Event: e})
		return nil
	})
}
