package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tern "github.com/tern-im/tern-go"
)

var (
	watchPoll     bool
	watchMarkRead bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "use HTTP polling instead of WebSocket")
	watchCmd.Flags().BoolVar(&watchMarkRead, "mark-read", false, "send read receipts for messages as they arrive")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Tail a conversation live",
	Long:  "Attach to a conversation and print messages, edits, and typing activity as they happen. Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		selfID := requireUserID(cfg)
		conversationID := args[0]

		var opts []tern.EngineOption
		if watchPoll {
			opts = append(opts, tern.WithTransport(tern.NewPollTransport(client, 2*time.Second)))
		}

		engine := tern.NewEngine(client, selfID, opts...)
		defer engine.Close()

		unsub := engine.Store().Observe(func(ch tern.Change) {
			switch ch.Kind {
			case tern.ChangeMessageAdded:
				printMessage(ch.Message)
				if watchMarkRead && ch.Message.SenderID != selfID && !ch.Message.Pending() {
					engine.MarkVisible(conversationID, ch.Message.ID)
				}
			case tern.ChangeMessageUpdated:
				if ch.Message.Status == tern.StatusEdited {
					printMessage(ch.Message)
				}
			case tern.ChangeMessageRemoved:
				fmt.Printf("          message %s deleted\n", ch.Message.ID)
			case tern.ChangeTypingChanged:
				if len(ch.Typing) > 0 {
					fmt.Printf("          %s typing...\n", strings.Join(ch.Typing, ", "))
				}
			}
		})
		defer unsub()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := engine.Open(ctx, conversationID)
		cancel()
		if err != nil {
			return fmt.Errorf("open failed: %w", err)
		}

		fmt.Printf("Watching %s (Ctrl-C to stop)\n", conversationID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return engine.CloseConversation(conversationID)
	},
}
