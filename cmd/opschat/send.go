package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/spf13/cobra"
)

var sendJSON bool

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the internal channel",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.TrimSpace(strings.Join(args, " "))
		if content == "" {
			return fmt.Errorf("message is empty")
		}

		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := client.Messages.Send(ctx, content)
		if err != nil {
			if opschat.IsRateLimited(err) {
				return fmt.Errorf("rate limited, try again shortly: %w", err)
			}
			return fmt.Errorf("failed to send message: %w", err)
		}

		if sendJSON {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s\n", m.ID)
		return nil
	},
}
