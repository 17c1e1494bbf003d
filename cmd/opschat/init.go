package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	initCSRFToken string
	initBaseURL   string
)

func init() {
	initCmd.Flags().StringVar(&initCSRFToken, "csrf", "", "CSRF token (csrf_token cookie value)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL (default "+opschat.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <access-token>",
	Short: "Store session cookies in ~/.opschat/config.toml",
	Long:  "Initialize the opschat CLI by storing the access_token session cookie and resolving the signed-in user.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.AccessToken = args[0]
		if initCSRFToken != "" {
			cfg.Auth.CSRFToken = initCSRFToken
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := opschat.NewClient(clientOptions(cfg, zap.NewNop())...)
		if me, err := client.Auth.Me(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not verify session: %v\n", err)
		} else {
			cfg.Auth.UserID = me.ID.String()
			cfg.Auth.UserName = me.FullName
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", me.FullName, me.Email)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Session saved to %s\n", path)
		return nil
	},
}
