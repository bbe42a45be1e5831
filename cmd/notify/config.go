package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	notify "github.com/taskflow-crm/notify-go"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View or modify the configuration stored in ~/.taskflow/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'taskflow-notify init <api-key>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("# %s\n\n", path)
		fmt.Print(formatConfig(cfg))
		return nil
	},
}

// formatConfig renders every section with the API key masked. Unset values
// show what the commands fall back to.
func formatConfig(cfg *Config) string {
	key := "(not set)"
	if cfg.Default.APIKey != "" {
		key = maskKey(cfg.Default.APIKey)
	}

	var b strings.Builder
	fmt.Fprintln(&b, "[default]")
	fmt.Fprintf(&b, "  api_key        %s\n", key)
	fmt.Fprintf(&b, "  base_url       %s\n", valueOrDefault(cfg.Default.BaseURL, notify.DefaultBaseURL+" (default)"))
	fmt.Fprintf(&b, "  use_keyring    %t\n", cfg.Default.UseKeyring)
	fmt.Fprintln(&b, "\n[stream]")
	fmt.Fprintf(&b, "  transport      %s\n", valueOrDefault(cfg.Stream.Transport, string(notify.TransportSSE)+" (default)"))
	fmt.Fprintf(&b, "  stale_timeout  %s\n", valueOrDefault(cfg.Stream.StaleTimeout, "off"))
	fmt.Fprintln(&b, "\n[queue]")
	fmt.Fprintf(&b, "  db_path        %s\n", valueOrDefault(cfg.Queue.DBPath, "~/.taskflow/state.db (default)"))
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: taskflow-notify config set stream.transport websocket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.api_key" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
