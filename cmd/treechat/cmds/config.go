package cmds

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-go-golems/treechat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func NewConfigGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the configuration file",
	}

	cmd.AddCommand(
		newShowConfigCommand(),
		newSetConfigCommand(),
		newUnsetConfigCommand(),
	)

	return cmd
}

func newShowConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.NewSettingsFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if f := viper.ConfigFileUsed(); f != "" {
				fmt.Printf("# %s\n", f)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(s)
		},
	}
}

func newSetConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key in the configuration file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !isSettingKey(key) {
				return errors.Errorf("unknown setting %q, known settings: %v", key, settingKeys())
			}

			configFile, err := configFilePath()
			if err != nil {
				return err
			}
			root, err := readAndParseConfig(configFile)
			if err != nil {
				return err
			}

			setScalar(root, key, value)

			// validate the result before writing it
			v := viper.New()
			v.SetConfigType("yaml")
			b, err := yaml.Marshal(root)
			if err != nil {
				return err
			}
			if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			if _, err := settings.NewSettingsFromViper(v); err != nil {
				return err
			}

			if err := writeConfig(configFile, root); err != nil {
				return err
			}
			fmt.Printf("Set %s in %s\n", key, configFile)
			return nil
		},
	}
}

func newUnsetConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a key from the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := viper.ConfigFileUsed()
			if configFile == "" {
				return fmt.Errorf("no config file found")
			}
			root, err := readAndParseConfig(configFile)
			if err != nil {
				return err
			}
			if !removeKey(root, args[0]) {
				fmt.Printf("%s is not set in %s. Skipping.\n", args[0], configFile)
				return nil
			}
			if err := writeConfig(configFile, root); err != nil {
				return err
			}
			fmt.Printf("Removed %s from %s\n", args[0], configFile)
			return nil
		},
	}
}

func settingKeys() []string {
	var ret []string
	for k := range settingsMap() {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func settingsMap() map[string]interface{} {
	b, _ := yaml.Marshal(settings.NewSettings())
	ret := map[string]interface{}{}
	_ = yaml.Unmarshal(b, &ret)
	// omitted when empty
	for _, k := range []string{"autosave-dir", "autosave-format"} {
		ret[k] = ""
	}
	return ret
}

func isSettingKey(key string) bool {
	_, ok := settingsMap()[key]
	return ok
}

// configFilePath returns the file in use, or ~/.treechat/config.yaml.
func configFilePath() (string, error) {
	if f := viper.ConfigFileUsed(); f != "" {
		return f, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".treechat", "config.yaml"), nil
}

func mappingNode(root *yaml.Node) *yaml.Node {
	if root.Kind != yaml.DocumentNode {
		*root = yaml.Node{Kind: yaml.DocumentNode}
	}
	if len(root.Content) > 0 && root.Content[0].Kind == yaml.MappingNode {
		return root.Content[0]
	}
	mapNode := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = []*yaml.Node{mapNode}
	return mapNode
}

// setScalar sets key to value, keeping the rest of the document and its comments.
func setScalar(root *yaml.Node, key string, value string) {
	mapNode := mappingNode(root)

	valueNode := &yaml.Node{}
	// yaml picks the tag, booleans and numbers stay unquoted
	if err := yaml.Unmarshal([]byte(value), valueNode); err == nil &&
		len(valueNode.Content) == 1 && valueNode.Content[0].Kind == yaml.ScalarNode {
		valueNode = valueNode.Content[0]
	} else {
		valueNode = &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	}

	for i := 0; i < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			valueNode.HeadComment = mapNode.Content[i+1].HeadComment
			valueNode.LineComment = mapNode.Content[i+1].LineComment
			mapNode.Content[i+1] = valueNode
			return
		}
	}

	mapNode.Content = append(mapNode.Content, &yaml.Node{
		Kind:  yaml.ScalarNode,
		Value: key,
	}, valueNode)
}

func removeKey(root *yaml.Node, key string) bool {
	mapNode := mappingNode(root)
	for i := 0; i < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			mapNode.Content = append(mapNode.Content[:i], mapNode.Content[i+2:]...)
			return true
		}
	}
	return false
}

func readAndParseConfig(configFile string) (*yaml.Node, error) {
	var root yaml.Node

	data, err := os.ReadFile(configFile)
	if os.IsNotExist(err) {
		return &root, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	err = yaml.Unmarshal(data, &root)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &root, nil
}

func writeConfig(configFile string, root *yaml.Node) error {
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return err
	}
	f, err := os.Create(configFile)
	if err != nil {
		return fmt.Errorf("error opening config file for writing: %w", err)
	}
	defer f.Close()

	encoder := yaml.NewEncoder(f)
	encoder.SetIndent(2)
	err = encoder.Encode(root)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
