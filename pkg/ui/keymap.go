package ui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SelectPrevMessage key.Binding
	SelectNextMessage key.Binding
	PrevBranch        key.Binding
	NextBranch        key.Binding
	UnfocusMessage    key.Binding
	FocusMessage      key.Binding
	SubmitMessage     key.Binding
	Regenerate        key.Binding
	NewConversation   key.Binding
	Reconnect         key.Binding
	DismissError      key.Binding

	Help key.Binding
	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	SelectPrevMessage: key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "previous message")),
	SelectNextMessage: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next message")),
	PrevBranch:        key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "previous branch")),
	NextBranch:        key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next branch")),
	UnfocusMessage:    key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "browse")),
	FocusMessage:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "reply here")),
	SubmitMessage:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "send")),
	Regenerate:        key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "regenerate")),
	NewConversation:   key.NewBinding(key.WithKeys("ctrl+n"), key.WithHelp("ctrl+n", "new conversation")),
	Reconnect:         key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "reconnect")),
	DismissError:      key.NewBinding(key.WithKeys("esc", "enter"), key.WithHelp("esc", "dismiss")),
	Help:              key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:              key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.SubmitMessage, k.UnfocusMessage, k.FocusMessage, k.PrevBranch, k.NextBranch, k.DismissError, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.SelectPrevMessage, k.SelectNextMessage, k.PrevBranch, k.NextBranch},
		{k.FocusMessage, k.UnfocusMessage, k.SubmitMessage, k.Regenerate},
		{k.NewConversation, k.Reconnect, k.DismissError},
		{k.Help, k.Quit},
	}
}
