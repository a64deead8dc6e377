package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

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
	"gopkg.in/yaml.v3"
)

func NewTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Inspect the message tree of a conversation",
	}

	exportCmd, err := NewExportTreeCommand()
	cobra.CheckErr(err)
	exportCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(exportCmd)
	cobra.CheckErr(err)

	historyCmd, err := NewHistoryCommand()
	cobra.CheckErr(err)
	historyCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(historyCmd)
	cobra.CheckErr(err)

	cmd.AddCommand(
		newShowTreeCommand(),
		exportCobraCmd,
		historyCobraCmd,
		newSaveTreeCommand(),
		newLoadTreeCommand(),
		newRegenerateCommand(),
	)

	return cmd
}

func newShowTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the tree, or the selected path with --path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			c := a.coordinator
			if err := c.SelectConversation(cmd.Context(), conversation.ConversationID(args[0])); err != nil {
				return err
			}

			node, _ := cmd.Flags().GetString("node")
			if node != "" {
				if err := c.SelectNode(conversation.NodeID(node)); err != nil {
					return err
				}
			}

			showPath, _ := cmd.Flags().GetBool("path")
			if showPath {
				markdown, _ := cmd.Flags().GetBool("markdown")
				return render.Path(os.Stdout, c.Store(), renderOptions(markdown)...)
			}
			width, _ := cmd.Flags().GetInt("width")
			return render.Tree(os.Stdout, c.Store(), render.WithWidth(width))
		},
	}
	cmd.Flags().String("node", "", "Select this node before printing")
	cmd.Flags().Bool("path", false, "Print the messages of the selected path instead of the tree")
	cmd.Flags().Bool("markdown", true, "Render the path as markdown when printing to a terminal")
	cmd.Flags().Int("width", render.DefaultWidth, "Content characters shown per tree line")
	return cmd
}

type ExportTreeSettings struct {
	ConversationID string `glazed.parameter:"conversation-id"`
	Node           string `glazed.parameter:"node"`
}

type ExportTreeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ExportTreeCommand)(nil)

func NewExportTreeCommand() (*ExportTreeCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &ExportTreeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"export",
			cmds.WithShort("Export the tree, one row per message in depth-first order"),
			cmds.WithLong("Export the tree, one row per message in depth-first order.\n\n"+
				"Rows carry the parent id and the depth of each message. "+
				"Messages on the selected path are marked, use --node to select another one."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"node",
					parameters.ParameterTypeString,
					parameters.WithHelp("Select this node before exporting"),
					parameters.WithDefault(""),
				),
			),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation to export"),
					parameters.WithRequired(true),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ExportTreeCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &ExportTreeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	co := a.coordinator
	if err := co.SelectConversation(ctx, conversation.ConversationID(s.ConversationID)); err != nil {
		return err
	}
	if s.Node != "" {
		if err := co.SelectNode(conversation.NodeID(s.Node)); err != nil {
			return err
		}
	}

	for _, row := range nodeRows(co.Store()) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type HistorySettings struct {
	ConversationID string `glazed.parameter:"conversation-id"`
	From           string `glazed.parameter:"from"`
}

type HistoryCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*HistoryCommand)(nil)

func NewHistoryCommand() (*HistoryCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &HistoryCommand{
		CommandDescription: cmds.NewCommandDescription(
			"history",
			cmds.WithShort("Print the messages from the root down to a message"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"from",
					parameters.ParameterTypeString,
					parameters.WithHelp("Last message of the history (default: the whole conversation)"),
					parameters.WithDefault(""),
				),
			),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation to read"),
					parameters.WithRequired(true),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	co := a.coordinator
	if err := co.SelectConversation(ctx, conversation.ConversationID(s.ConversationID)); err != nil {
		return err
	}

	messages, err := co.History(ctx, conversation.NodeID(s.From))
	if err != nil {
		return err
	}
	for _, m := range messages {
		if err := gp.AddRow(ctx, messageRow(m)); err != nil {
			return err
		}
	}
	return nil
}

func newSaveTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <conversation-id> [file]",
		Short: "Save the tree in the format read by tree load",
		Long: "Save the tree to a file, or to stdout without one.\n\n" +
			"The json format is the one written by autosave and read by tree load. " +
			"The yaml format nests the messages the way the backend serves them.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			c := a.coordinator
			if err := c.SelectConversation(cmd.Context(), conversation.ConversationID(args[0])); err != nil {
				return err
			}

			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			format, _ := cmd.Flags().GetString("format")
			return saveTree(c.Store(), format, file, os.Stdout)
		},
	}
	cmd.Flags().String("format", "json", "File format (json, yaml)")
	return cmd
}

// saveTree writes store to file, or to w when file is empty.
func saveTree(store *conversation.Store, format string, file string, w io.Writer) error {
	var b []byte
	var err error
	switch format {
	case "json":
		if file != "" {
			return store.SaveToFile(file)
		}
		b, err = json.MarshalIndent(store, "", "  ")
		if err == nil {
			b = append(b, '\n')
		}
	case "yaml":
		b, err = yaml.Marshal(store)
	default:
		return errors.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}

	if file != "" {
		return os.WriteFile(file, b, 0644)
	}
	_, err = w.Write(b)
	return err
}

func newLoadTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Print a tree saved by tree save or by autosave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _ := cmd.Flags().GetString("node")
			store, err := loadTree(args[0], node)
			if err != nil {
				return err
			}

			showPath, _ := cmd.Flags().GetBool("path")
			if showPath {
				markdown, _ := cmd.Flags().GetBool("markdown")
				return render.Path(os.Stdout, store, renderOptions(markdown)...)
			}
			width, _ := cmd.Flags().GetInt("width")
			return render.Tree(os.Stdout, store, render.WithWidth(width))
		},
	}
	cmd.Flags().String("node", "", "Select this node before printing")
	cmd.Flags().Bool("path", false, "Print the messages of the selected path instead of the tree")
	cmd.Flags().Bool("markdown", true, "Render the path as markdown when printing to a terminal")
	cmd.Flags().Int("width", render.DefaultWidth, "Content characters shown per tree line")
	return cmd
}

// loadTree reads a saved tree and selects node, if given.
func loadTree(filename string, node string) (*conversation.Store, error) {
	store := conversation.NewStore()
	if err := store.LoadFromFile(filename); err != nil {
		return nil, err
	}
	if node != "" {
		if err := store.SelectNode(conversation.NodeID(node)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newRegenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <conversation-id> <message-id>",
		Short: "Ask for a new reply in place of an assistant message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			c := a.coordinator
			if err := c.SelectConversation(cmd.Context(), conversation.ConversationID(args[0])); err != nil {
				return err
			}

			msg, err := c.Regenerate(cmd.Context(), conversation.NodeID(args[1]))
			if err != nil {
				return err
			}
			fmt.Println(msg.Content)
			return nil
		},
	}
}
