// Package ui is a terminal interface for browsing and extending a branching
// conversation.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/treechat/pkg/chatsync"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/streaming"
	"github.com/go-go-golems/treechat/pkg/transport"
	"github.com/pkg/errors"
)

// Chat is the part of the coordinator the interface drives.
type Chat interface {
	Store() *conversation.Store
	Title() string
	ConnectionStatus() transport.Status
	SendMessage(ctx context.Context, text string) (*streaming.Turn, error)
	SelectNode(id conversation.NodeID) error
	Regenerate(ctx context.Context, messageID conversation.NodeID) (*conversation.Message, error)
	Reconnect(ctx context.Context) error
	ClearConversation()
}

var _ Chat = (*chatsync.Coordinator)(nil)

// states:
// - user input
// - user moving around the selected path and its branches
// - waiting for a reply
// - showing error

type State string

const (
	StateUserInput        State = "user_input"
	StateMovingAround     State = "moving_around"
	StateStreamCompletion State = "stream_completion"
	StateError            State = "error"
)

type model struct {
	ctx  context.Context
	chat Chat

	viewport viewport.Model
	textArea textarea.Model
	help     help.Model
	keyMap   KeyMap
	style    *Style
	width    int
	height   int

	// index into the selected path
	selectedIdx int
	// when set, the next message branches off this node
	replyTo conversation.NodeID
	turn    *streaming.Turn
	status  transport.Status

	err   error
	state State
}

type errMsg struct {
	err error
}

type turnFinishedMsg struct {
	turn *streaming.Turn
	err  error
}

type regeneratedMsg struct {
	message *conversation.Message
}

type refreshMessageMsg struct {
	GoToBottom bool
}

const defaultPlaceholder = "Send a message..."

func InitialModel(ctx context.Context, chat Chat) model {
	ret := model{
		ctx:      ctx,
		chat:     chat,
		style:    DefaultStyles(),
		keyMap:   DefaultKeyMap,
		viewport: viewport.New(0, 0),
		help:     help.New(),
		status:   chat.ConnectionStatus(),
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = defaultPlaceholder
	ret.textArea.Focus()
	ret.state = StateUserInput

	ret.selectedIdx = ret.lastIdx()

	ret.viewport.SetContent(ret.messageView())
	ret.viewport.YPosition = 0
	ret.viewport.GotoBottom()

	ret.updateKeyBindings()

	return ret
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.DismissError):
			m.err = nil
			m.state = StateUserInput
			cmds = append(cmds, m.textArea.Focus())
			m.updateKeyBindings()

		case key.Matches(msg, m.keyMap.UnfocusMessage):
			m.textArea.Blur()
			m.state = StateMovingAround
			m.updateKeyBindings()

		case key.Matches(msg, m.keyMap.FocusMessage):
			m.replyTo = ""
			m.textArea.Placeholder = defaultPlaceholder
			path := m.chat.Store().PathIDs()
			if m.selectedIdx >= 0 && m.selectedIdx < len(path)-1 {
				m.replyTo = path[m.selectedIdx]
				m.textArea.Placeholder = fmt.Sprintf("Reply to %s...", m.replyTo)
			}
			cmds = append(cmds, m.textArea.Focus())
			m.state = StateUserInput
			m.updateKeyBindings()

		case key.Matches(msg, m.keyMap.SelectPrevMessage):
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}

		case key.Matches(msg, m.keyMap.SelectNextMessage):
			if m.selectedIdx < m.lastIdx() {
				m.selectedIdx++
			}

		case key.Matches(msg, m.keyMap.PrevBranch):
			m.switchBranch(-1)

		case key.Matches(msg, m.keyMap.NextBranch):
			m.switchBranch(1)

		case key.Matches(msg, m.keyMap.SubmitMessage):
			cmds = append(cmds, m.submit())

		case key.Matches(msg, m.keyMap.Regenerate):
			cmds = append(cmds, m.regenerateSelected())

		case key.Matches(msg, m.keyMap.NewConversation):
			m.chat.ClearConversation()
			m.replyTo = ""
			m.selectedIdx = 0

		case key.Matches(msg, m.keyMap.Reconnect):
			cmds = append(cmds, m.reconnect())

		case key.Matches(msg, m.keyMap.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.recomputeSize()

		default:
			switch m.state {
			case StateUserInput:
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			case StateMovingAround, StateStreamCompletion, StateError:
				m.viewport, cmd = m.viewport.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

		m.refresh(false)
		return m, tea.Batch(cmds...)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.recomputeSize()

	case errMsg:
		m.setError(msg.err)

	case EventMsg:
		if e, ok := msg.Event.(*events.EventConnectionStatus); ok {
			m.status = transport.Status(e.Status)
		}
		follow := m.state != StateMovingAround
		if follow {
			m.selectedIdx = m.lastIdx()
		}
		m.refresh(follow)

	case turnFinishedMsg:
		if msg.turn == m.turn {
			m.turn = nil
			if m.state == StateStreamCompletion {
				m.state = StateUserInput
				cmds = append(cmds, m.textArea.Focus())
				m.updateKeyBindings()
			}
			if msg.err != nil && !errors.Is(msg.err, streaming.ErrTurnAbandoned) {
				m.setError(msg.err)
			}
		}
		m.selectedIdx = m.lastIdx()
		m.refresh(true)

	case regeneratedMsg:
		m.refresh(false)

	case refreshMessageMsg:
		m.refresh(msg.GoToBottom)

	default:
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *model) updateKeyBindings() {
	moving := m.state == StateMovingAround

	m.keyMap.SelectNextMessage.SetEnabled(moving)
	m.keyMap.SelectPrevMessage.SetEnabled(moving)
	m.keyMap.PrevBranch.SetEnabled(moving)
	m.keyMap.NextBranch.SetEnabled(moving)
	m.keyMap.FocusMessage.SetEnabled(moving)
	m.keyMap.Regenerate.SetEnabled(moving)
	m.keyMap.Help.SetEnabled(moving)
	m.keyMap.UnfocusMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.SubmitMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.NewConversation.SetEnabled(moving || m.state == StateUserInput)

	m.keyMap.DismissError.SetEnabled(m.state == StateError)
}

func (m *model) lastIdx() int {
	return len(m.chat.Store().PathIDs()) - 1
}

func (m *model) refresh(goToBottom bool) {
	if last := m.lastIdx(); m.selectedIdx > last {
		m.selectedIdx = last
	}
	if m.selectedIdx < 0 {
		m.selectedIdx = 0
	}
	m.viewport.SetContent(m.messageView())
	if goToBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) recomputeSize() {
	headerHeight := lipgloss.Height(m.headerView())
	textAreaHeight := lipgloss.Height(m.textAreaView())
	helpViewHeight := lipgloss.Height(m.help.View(m.keyMap))

	newHeight := m.height - textAreaHeight - headerHeight - helpViewHeight
	if newHeight < 0 {
		newHeight = 0
	}
	m.viewport.Width = m.width
	m.viewport.Height = newHeight
	m.viewport.YPosition = headerHeight + 1

	if w := m.width - m.style.FocusedMessage.GetHorizontalFrameSize(); w > 0 {
		m.textArea.SetWidth(w)
	}

	m.viewport.SetContent(m.messageView())
	m.viewport.GotoBottom()
}

// branchesOf returns the siblings of id, id included, in creation order and
// the position of id among them.
func branchesOf(store *conversation.Store, id conversation.NodeID) ([]conversation.NodeID, int) {
	n, ok := store.Get(id)
	if !ok {
		return nil, -1
	}
	var ret []conversation.NodeID
	if n.ParentID == conversation.NullNode {
		ret = store.Roots()
	} else {
		ret = store.Children(n.ParentID)
	}
	for i, b := range ret {
		if b == id {
			return ret, i
		}
	}
	return ret, -1
}

// leafOf follows the latest child down from id.
func leafOf(store *conversation.Store, id conversation.NodeID) conversation.NodeID {
	for {
		children := store.Children(id)
		if len(children) == 0 {
			return id
		}
		id = children[len(children)-1]
	}
}

// switchBranch moves the selection to the neighbouring sibling of the
// selected message and down to the latest leaf of that branch.
func (m *model) switchBranch(delta int) {
	store := m.chat.Store()
	path := store.PathIDs()
	if m.selectedIdx < 0 || m.selectedIdx >= len(path) {
		return
	}
	branches, idx := branchesOf(store, path[m.selectedIdx])
	next := idx + delta
	if idx < 0 || next < 0 || next >= len(branches) {
		return
	}
	if err := m.chat.SelectNode(leafOf(store, branches[next])); err != nil {
		m.setError(err)
	}
}

func (m model) headerView() string {
	title := m.chat.Title()
	if title == "" {
		title = "new conversation"
	}
	return m.style.Header.Render(fmt.Sprintf("TREECHAT · %s · %s", title, m.status))
}

func (m model) messageView() string {
	store := m.chat.Store()

	var b strings.Builder
	for idx, n := range store.GetPath() {
		v := fmt.Sprintf("[%s]: %s", n.Role, n.Content)
		if branches, i := branchesOf(store, n.ID); len(branches) > 1 {
			v += "\n" + m.style.Branch.Render(fmt.Sprintf("‹ %d/%d ›", i+1, len(branches)))
		}

		style := m.style.UnselectedMessage
		if idx == m.selectedIdx && m.state == StateMovingAround {
			style = m.style.SelectedMessage
		}
		if w := m.width - style.GetHorizontalFrameSize(); w > 0 {
			v = wrapWords(v, w)
			style = style.Width(w + style.GetHorizontalPadding())
		}
		b.WriteString(style.Render(v))
		b.WriteString("\n")
	}

	return b.String()
}

func (m model) textAreaView() string {
	if m.err != nil {
		w := m.width - m.style.Error.GetHorizontalFrameSize()
		return m.style.Error.Render(wrapWords(m.err.Error(), w))
	}

	if m.state == StateStreamCompletion {
		return m.style.UnselectedMessage.Render("waiting for the reply...")
	}

	v := m.textArea.View()
	switch m.state {
	case StateUserInput:
		v = m.style.FocusedMessage.Render(v)
	case StateMovingAround, StateStreamCompletion:
		v = m.style.UnselectedMessage.Render(v)
	case StateError:
	}

	return v
}

func (m model) View() string {
	return m.headerView() + "\n" +
		m.viewport.View() + "\n" +
		m.textAreaView() + "\n" +
		m.help.View(m.keyMap)
}

func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.textArea.Value())
	if text == "" {
		return nil
	}

	if m.replyTo != "" {
		if err := m.chat.SelectNode(m.replyTo); err != nil {
			m.setError(err)
			return nil
		}
		m.replyTo = ""
		m.textArea.Placeholder = defaultPlaceholder
	}

	turn, err := m.chat.SendMessage(m.ctx, text)
	if err != nil {
		m.setError(err)
		return nil
	}

	m.turn = turn
	m.textArea.SetValue("")
	m.textArea.Blur()
	m.state = StateStreamCompletion
	m.updateKeyBindings()
	m.selectedIdx = m.lastIdx()
	m.refresh(true)

	ctx := m.ctx
	return func() tea.Msg {
		err := turn.Wait(ctx)
		return turnFinishedMsg{turn: turn, err: err}
	}
}

func (m *model) regenerateSelected() tea.Cmd {
	path := m.chat.Store().GetPath()
	if m.selectedIdx < 0 || m.selectedIdx >= len(path) {
		return nil
	}
	n := path[m.selectedIdx]
	if n.Role != conversation.RoleAssistant {
		m.setError(errors.New("only assistant messages can be regenerated"))
		return nil
	}

	chat, ctx := m.chat, m.ctx
	return func() tea.Msg {
		msg, err := chat.Regenerate(ctx, n.ID)
		if err != nil {
			return errMsg{err}
		}
		return regeneratedMsg{message: msg}
	}
}

func (m *model) reconnect() tea.Cmd {
	chat, ctx := m.chat, m.ctx
	return func() tea.Msg {
		if err := chat.Reconnect(ctx); err != nil {
			return errMsg{err}
		}
		return refreshMessageMsg{}
	}
}

func (m *model) setError(err error) {
	m.err = err
	m.state = StateError
	m.textArea.Blur()
	m.updateKeyBindings()
}
