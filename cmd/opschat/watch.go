package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchInteractive bool
	watchNatsURL     string
	watchNatsSubject string
)

func init() {
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Read lines from stdin and send them as messages")
	watchCmd.Flags().StringVar(&watchNatsURL, "nats-url", "", "Republish inbound events to this NATS server")
	watchCmd.Flags().StringVar(&watchNatsSubject, "nats-subject", "opschat", "Subject prefix for republished events")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the channel live",
	Long:  "Print recent history, then stream new messages and typing indicators until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		logger := client.Logger()
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		identity, err := resolveIdentity(ctx, client, cfg)
		if err != nil {
			return err
		}

		var bridge *natsBridge
		if watchNatsURL != "" {
			bridge, err = newNatsBridge(watchNatsURL, watchNatsSubject, logger.Named("bridge"))
			if err != nil {
				return err
			}
			defer bridge.Close()
		}

		session := opschat.NewSession(client, identity, opschat.WithSessionLogger(logger))
		defer session.Close()

		p := newPrinter(cmd.OutOrStdout())
		errOut := cmd.ErrOrStderr()

		session.OnNewMessage(func(m opschat.Message) {
			p.message(m)
			if bridge != nil {
				bridge.PublishMessage(m)
			}
		})
		session.OnTyping(func(entries []opschat.TypingEntry) {
			p.typing(entries)
			if bridge != nil {
				bridge.PublishTyping(entries)
			}
		})
		session.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(errOut, "-- connection lost, retry %d in %s\n", attempt, delay)
		})
		session.OnServerError(func(message string) {
			fmt.Fprintf(errOut, "-- server: %s\n", message)
		})
		session.OnConnected(func(online []opschat.OnlineUser) {
			fmt.Fprintf(errOut, "-- connected, %d online\n", len(online))
		})

		session.MarkSurfaceOpen()
		if err := session.Start(ctx); err != nil {
			logger.Warn("start incomplete", zap.Error(err))
		}
		for _, m := range session.Messages() {
			p.message(m)
		}

		if watchInteractive {
			go readLines(ctx, cmd.InOrStdin(), session, errOut)
		}

		<-ctx.Done()
		session.Disconnect()
		return nil
	},
}

// readLines sends every non-blank stdin line as a message.
func readLines(ctx context.Context, in io.Reader, session *opschat.Session, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		session.HandleTyping()
		if err := session.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(errOut, "-- not sent: %v\n", err)
		}
	}
}

// printer writes each message once, whether it arrived with history or live.
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	seen       map[opschat.MessageID]bool
	lastTyping string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[opschat.MessageID]bool)}
}

func (p *printer) message(m opschat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[m.ID] {
		return
	}
	p.seen[m.ID] = true
	fmt.Fprintln(p.out, formatMessage(m))
}

func (p *printer) typing(entries []opschat.TypingEntry) {
	line := typingLine(entries)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.lastTyping {
		return
	}
	p.lastTyping = line
	if line != "" {
		fmt.Fprintf(p.out, "-- %s\n", line)
	}
}

// typingLine renders the typing set as a short sentence.
func typingLine(entries []opschat.TypingEntry) string {
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return entries[0].UserName + " is typing..."
	case 2:
		return entries[0].UserName + " and " + entries[1].UserName + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", entries[0].UserName, len(entries)-1)
	}
}
