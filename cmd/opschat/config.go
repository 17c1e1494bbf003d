package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print session cookies unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage opschat configuration",
	Long:  "View or modify the opschat CLI configuration stored in ~/.opschat/config.toml.",
}

var configShowReveal bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the configuration file with the session cookies masked.\nPass --reveal to print the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'opschat init <access-token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		if configShowReveal {
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		var cfg Config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("cannot parse config: %w", err)
		}
		masked, err := toml.Marshal(maskConfig(cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, masked)
		return nil
	},
}

// maskConfig hides the session cookies. The cached identity stays readable.
func maskConfig(cfg Config) Config {
	cfg.Auth.AccessToken = maskKey(cfg.Auth.AccessToken)
	cfg.Auth.CSRFToken = maskKey(cfg.Auth.CSRFToken)
	return cfg
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: opschat config set default.base_url https://ops.example.com",
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

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
