package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tern "github.com/tern-im/tern-go"
)

var (
	conversationsJSON bool

	historyLimit  int
	historyBefore string
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages to fetch")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "page cursor")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
				if len(last) > 48 {
					last = last[:45] + "..."
				}
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%s%s  %s\n", c.ID, unread, last)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.History(ctx, args[0], &tern.PageOptions{
			Limit:  historyLimit,
			Before: historyBefore,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, m := range msgs {
			printMessage(&m)
		}
		return nil
	},
}

func printMessage(m *tern.Message) {
	ts := m.ServerTS
	if ts.IsZero() {
		ts = m.ClientTS
	}
	content := m.Content
	if m.Status == tern.StatusDeleted {
		content = "(deleted)"
	}
	marker := ""
	switch m.Status {
	case tern.StatusPending:
		marker = " [sending]"
	case tern.StatusFailed:
		marker = " [failed]"
	case tern.StatusEdited:
		marker = " [edited]"
	}
	fmt.Printf("%s  %s: %s%s\n", ts.Local().Format("15:04:05"), m.SenderID, content, marker)
}
