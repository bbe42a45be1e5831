package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <api-key>",
	Short: "Store API key in the system keyring",
	Long:  "Store the API key in the OS keyring instead of the config file.\nAny key previously saved in config.toml is removed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := credentialSet(tokenKey, args[0]); err != nil {
			return err
		}

		cfg.Default.UseKeyring = true
		cfg.Default.APIKey = ""
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("API key %s stored in keyring\n", maskKey(args[0]))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the API key from the system keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := credentialDelete(tokenKey); err != nil {
			return err
		}
		cfg.Default.UseKeyring = false
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out")
		return nil
	},
}
