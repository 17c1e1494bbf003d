package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the effective configuration and check the stored session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		client := opschat.NewClient(clientOptions(cfg, zap.NewNop())...)

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:     %s\n", client.BaseURL())
		fmt.Fprintf(out, "  WebSocket:    %s\n", client.WebSocketURL())

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.AccessToken != "" {
			fmt.Fprintf(out, "  Access token: %s\n", maskKey(cfg.Auth.AccessToken))
		} else {
			fmt.Fprintln(out, "  Access token: (not set)")
		}
		fmt.Fprintf(out, "  CSRF token:   %s\n", valueOrDefault(maskKey(cfg.Auth.CSRFToken), "(not set)"))
		fmt.Fprintf(out, "  User:         %s\n", valueOrDefault(formatUser(cfg.Auth.UserName, cfg.Auth.UserID), "(unknown)"))

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			if opschat.IsUnauthorized(err) {
				fmt.Fprintln(out, "  Session:      EXPIRED (run 'opschat init' again)")
				return nil
			}
			fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "  Session:      valid")
		fmt.Fprintf(out, "  Name:         %s\n", me.FullName)
		fmt.Fprintf(out, "  Email:        %s\n", me.Email)
		fmt.Fprintf(out, "  Workspace:    %s\n", me.WorkspaceID)
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func formatUser(name, id string) string {
	switch {
	case id == "":
		return ""
	case name == "":
		return "#" + id
	default:
		return fmt.Sprintf("%s (#%s)", name, id)
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
