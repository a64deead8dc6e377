package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/treechat/pkg/chatsync"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/render"
	"github.com/go-go-golems/treechat/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /new                 start a new conversation with the next message
  /list                list conversations
  /select <id>         switch to a conversation
  /node <id>           continue from another node of the tree
  /tree                print the tree
  /path                print the selected path
  /rename <title>      rename the conversation
  /regen <id>          regenerate an assistant message
  /refresh             reload the tree from the backend
  /reconnect           reconnect the streaming channel
  /status              show the connection status
  /quit                leave
Anything else is sent as a message.
`

var errQuit = errors.New("quit")

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, branching from any node of the tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			printed := a.printer(os.Stdout, true)

			conversationID, _ := cmd.Flags().GetString("conversation")
			markdown, _ := cmd.Flags().GetBool("markdown")

			return a.run(cmd.Context(), func(ctx context.Context) error {
				c := a.coordinator
				if err := c.Open(ctx); err != nil {
					return err
				}
				defer func() {
					_ = c.Close()
				}()

				if conversationID != "" {
					if err := c.SelectConversation(ctx, conversation.ConversationID(conversationID)); err != nil {
						return err
					}
				}

				r := &repl{
					coordinator: c,
					out:         os.Stdout,
					printed:     printed,
					markdown:    markdown,
				}
				return r.loop(ctx, os.Stdin)
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation to continue")
	cmd.Flags().Bool("markdown", true, "Render /path as markdown when printing to a terminal")
	return cmd
}

type repl struct {
	coordinator *chatsync.Coordinator
	out         io.Writer
	printed     <-chan string
	markdown    bool
}

func (r *repl) prompt() {
	title := r.coordinator.Title()
	if title == "" {
		title = "new"
	}
	_, _ = fmt.Fprintf(r.out, "\n[%s] > ", title)
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	_, _ = fmt.Fprint(r.out, "Type /help for commands.\n")
	for {
		r.prompt()
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				_, _ = fmt.Fprintln(r.out)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-ctx.Done():
			return nil
		}

		if line == "" {
			continue
		}
		err := r.handle(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Debug().Err(err).Msg("chat command failed")
			_, _ = fmt.Fprintf(r.out, "error: %s\n", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	c := r.coordinator

	switch command {
	case "quit", "exit", "q":
		return errQuit

	case "help", "h":
		_, err := fmt.Fprint(r.out, chatHelp)
		return err

	case "new":
		c.ClearConversation()
		return nil

	case "list":
		convs, err := c.ListConversations(ctx)
		if err != nil {
			return err
		}
		return render.Conversations(r.out, convs)

	case "select":
		if arg == "" {
			return errors.New("usage: /select <conversation-id>")
		}
		if err := c.SelectConversation(ctx, conversation.ConversationID(arg)); err != nil {
			return err
		}
		return render.Tree(r.out, c.Store())

	case "node":
		if arg == "" {
			return errors.New("usage: /node <node-id>")
		}
		if err := c.SelectNode(conversation.NodeID(arg)); err != nil {
			return err
		}
		return render.Path(r.out, c.Store(), renderOptions(r.markdown)...)

	case "tree":
		return render.Tree(r.out, c.Store())

	case "path":
		return render.Path(r.out, c.Store(), renderOptions(r.markdown)...)

	case "rename":
		id := c.ActiveConversation()
		if id == "" {
			return chatsync.ErrNoConversation
		}
		if arg == "" {
			return errors.New("usage: /rename <title>")
		}
		_, err := c.RenameConversation(ctx, id, arg)
		return err

	case "regen":
		if arg == "" {
			return errors.New("usage: /regen <message-id>")
		}
		msg, err := c.Regenerate(ctx, conversation.NodeID(arg))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(r.out, "assistant: %s\n", msg.Content)
		return err

	case "refresh":
		return c.Refresh(ctx)

	case "reconnect":
		return c.Reconnect(ctx)

	case "status":
		_, err := fmt.Fprintf(r.out, "connection: %s\n", c.ConnectionStatus())
		return err

	default:
		return errors.Errorf("unknown command /%s, try /help", command)
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	turn, err := r.coordinator.SendMessage(ctx, text)
	if err != nil {
		return err
	}
	err = turn.Wait(ctx)
	waitPrinted(ctx, r.printed, turn.ID)
	// failures were printed already
	if err != nil && !errors.Is(err, streaming.ErrTurnAbandoned) {
		log.Debug().Err(err).Str("turn_id", turn.ID).Msg("turn failed")
	}
	return nil
}
