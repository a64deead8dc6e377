package cmds

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewTUICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Browse and extend a conversation tree in a terminal interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the interface owns the terminal, logs only go to --log-file
			if viper.GetString("log-file") == "" {
				log.Logger = log.Output(io.Discard)
			}

			a, err := newApp()
			if err != nil {
				return err
			}

			conversationID, _ := cmd.Flags().GetString("conversation")

			return a.run(cmd.Context(), func(ctx context.Context) error {
				c := a.coordinator

				p := tea.NewProgram(ui.InitialModel(ctx, c), tea.WithAltScreen(), tea.WithContext(ctx))
				a.router.AddHandler("ui", events.TopicChat, ui.ForwardFunc(p))
				if err := a.router.RunHandlers(ctx); err != nil {
					return err
				}

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

				_, err := p.Run()
				return err
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation to open")
	return cmd
}
