package main

import (
	"fmt"
	"slices"

	"github.com/gookit/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings",
	Long:  "Settings live in ~/.chatsync/config.toml (or $CHATSYNC_HOME). CHATSYNC_* environment variables override the file without being saved.",
}

// configRow is one line of `config show`.
type configRow struct {
	Key    string
	Value  string
	Source string // "file", "env" or ""
}

// configRows lists every key with its effective value. Secrets are masked.
func configRows(file, effective *Config) []configRow {
	fromFile, now := configFields(file), configFields(effective)
	keys := lo.Keys(now)
	slices.Sort(keys)
	return lo.Map(keys, func(key string, _ int) configRow {
		row := configRow{Key: key, Value: *now[key]}
		switch {
		case row.Value == "":
		case row.Value != *fromFile[key]:
			row.Source = "env"
		default:
			row.Source = "file"
		}
		if secretKeys[key] && row.Value != "" {
			row.Value = maskKey(row.Value)
		}
		return row
	})
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		effective := *file
		applyEnv(&effective, envConfig)

		table := newTable("KEY", "VALUE", "SOURCE")
		for _, row := range configRows(file, &effective) {
			value := row.Value
			if value == "" {
				value = color.New(color.FgGray).Render("(unset)")
			}
			table.Append([]string{row.Key, value, row.Source})
		}
		table.Render()
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Save one setting to the config file",
	Example: "  chatsync config set store.backend postgres\n  chatsync config set webhook.addr :9000",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := saveConfig(func(cfg *Config) error { return setConfigValue(cfg, key, value) }); err != nil {
			return err
		}
		if secretKeys[key] {
			value = maskKey(value)
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
