package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazedsettings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/render"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
)

func NewConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List and manage conversations",
	}

	listCmd, err := NewListConversationsCommand()
	cobra.CheckErr(err)
	listCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(listCmd)
	cobra.CheckErr(err)

	showCmd, err := NewShowConversationCommand()
	cobra.CheckErr(err)
	showCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(showCmd)
	cobra.CheckErr(err)

	cmd.AddCommand(
		listCobraCmd,
		showCobraCmd,
		newCreateConversationCommand(),
		newDeleteConversationCommand(),
		newRenameConversationCommand(),
	)

	return cmd
}

type ListConversationsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ListConversationsCommand)(nil)

func NewListConversationsCommand() (*ListConversationsCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &ListConversationsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List conversations, most recent first"),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ListConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	convs, err := a.coordinator.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := gp.AddRow(ctx, conversationRow(conv)); err != nil {
			return err
		}
	}
	return nil
}

type ShowConversationSettings struct {
	ConversationID string `glazed.parameter:"conversation-id"`
}

type ShowConversationCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ShowConversationCommand)(nil)

func NewShowConversationCommand() (*ShowConversationCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &ShowConversationCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Show the title, dates and message count of a conversation"),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation to show"),
					parameters.WithRequired(true),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ShowConversationCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &ShowConversationSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	conv, err := a.coordinator.GetConversation(ctx, conversation.ConversationID(s.ConversationID))
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, conversationRow(conv))
}

func newCreateConversationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create [title...]",
		Short: "Create a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			conv, err := a.coordinator.CreateConversation(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
			return nil
		},
	}
}

func newDeleteConversationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := conversation.ConversationID(args[0])

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes && render.IsTerminal(os.Stdin) {
				confirmed, err := askConfirmation(fmt.Sprintf("Delete conversation %s? [y/n]", id))
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.coordinator.DeleteConversation(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted conversation %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newRenameConversationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title...>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			conv, err := a.coordinator.RenameConversation(cmd.Context(),
				conversation.ConversationID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
			return nil
		},
	}
}

func askConfirmation(query string) (bool, error) {
	ui := &input.UI{
		Writer: os.Stdout,
		Reader: os.Stdin,
	}

	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}

	return answer == "y" || answer == "Y", nil
}
