package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url> <anon-key>",
	Short: "Store the project URL and anon key in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the backend URL and its public API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, anonKey := strings.TrimRight(args[0], "/"), args[1]
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("url must start with http:// or https://")
		}

		err := saveConfig(func(cfg *Config) error {
			cfg.Default.URL = url
			cfg.Default.AnonKey = anonKey
			if cfg.Store.Backend == "" {
				cfg.Store.Backend = "rest"
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Project saved to %s\n", path)
		return nil
	},
}
