package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last N messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent messages",
	Long:  "Fetch the latest messages of the internal channel in chronological order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Messages.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	},
}

// timestampLayouts covers the zoned and naive forms the server emits.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// formatMessage renders one message as "[HH:MM] Name: content".
func formatMessage(m opschat.Message) string {
	stamp := m.CreatedAt
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, m.CreatedAt); err == nil {
			stamp = t.Local().Format("15:04")
			break
		}
	}
	line := fmt.Sprintf("[%s] %s: %s", stamp, m.SenderName, m.Content)
	if m.Status == opschat.StatusFailed {
		line += " (failed)"
	}
	return line
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
