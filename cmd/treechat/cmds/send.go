package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/render"
	"github.com/spf13/cobra"
)

func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a message and print the reply",
		Long: "Send a message and print the reply as it streams in.\n\n" +
			"Without --conversation a new conversation is created, titled after the message. " +
			"With --parent the message branches off that node instead of the latest one.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			printed := a.printer(os.Stdout, false)
			if raw, _ := cmd.Flags().GetBool("raw-events"); raw {
				a.router.AddHandler("raw-events", events.TopicChat, a.router.DumpRawEvents(os.Stderr))
			}

			conversationID, _ := cmd.Flags().GetString("conversation")
			parentID, _ := cmd.Flags().GetString("parent")
			showTree, _ := cmd.Flags().GetBool("tree")
			text := strings.Join(args, " ")

			return a.run(cmd.Context(), func(ctx context.Context) error {
				c := a.coordinator

				if conversationID != "" {
					if err := c.SelectConversation(ctx, conversation.ConversationID(conversationID)); err != nil {
						return err
					}
					if parentID != "" {
						if err := c.SelectNode(conversation.NodeID(parentID)); err != nil {
							return err
						}
					}
				}

				if err := c.Open(ctx); err != nil {
					return err
				}

				turn, err := c.SendMessage(ctx, text)
				if err != nil {
					_ = c.Close()
					return err
				}
				waitErr := turn.Wait(ctx)
				waitPrinted(ctx, printed, turn.ID)
				// waits for the tree refresh
				_ = c.Close()
				if waitErr != nil {
					return waitErr
				}

				if showTree {
					fmt.Println()
					return render.Tree(os.Stdout, c.Store())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation to reply in (default: create a new one)")
	cmd.Flags().StringP("parent", "p", "", "Node to reply to (default: the latest node)")
	cmd.Flags().Bool("tree", false, "Print the tree after the reply")
	cmd.Flags().Bool("raw-events", false, "Dump every event as JSON to stderr")
	return cmd
}
