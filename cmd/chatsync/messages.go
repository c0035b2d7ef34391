package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teamflow/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages list
	messagesListPages int
	messagesListJSON  bool

	// messages send
	messagesSendType    string
	messagesSendReplyTo string
	messagesSendFileURL string
	messagesSendJSON    bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read and write messages",
	Long:  "List, send, edit, recall and react to messages in a chat.",
}

// selectChat opens chatID the way the UI does: selection loads the newest
// page and marks the chat read.
func selectChat(ctx context.Context, store *chatsync.Store, chatID string) error {
	if err := store.SelectChat(ctx, &chatsync.Chat{ID: chatID}); err != nil {
		return failure(err)
	}
	return nil
}

// findMessage pages back through history until messageID is loaded.
func findMessage(ctx context.Context, store *chatsync.Store, chatID, messageID string) error {
	if err := selectChat(ctx, store, chatID); err != nil {
		return err
	}
	for {
		st := store.State()
		for _, m := range st.Messages {
			if m.ID == messageID {
				return nil
			}
		}
		if !st.MessageCursor.HasMore {
			return fmt.Errorf("message %s not found in chat %s", messageID, chatID)
		}
		if err := store.LoadMoreMessages(ctx); err != nil {
			return failure(err)
		}
	}
}

func printMessage(m chatsync.Message) {
	flags := ""
	if m.Edited {
		flags += " (edited)"
	}
	if m.Status == chatsync.StatusFailed {
		flags += " [failed]"
	}
	reactions := ""
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			emojis = append(emojis, r.Emoji)
		}
		reactions = "  " + strings.Join(emojis, " ")
	}
	fmt.Printf("  [%s] %s %s: %s%s%s\n",
		m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, m.SenderID, m.Content, flags, reactions)
	if m.Attachment != nil {
		fmt.Printf("      attachment: %s (%s)\n", valueOrDefault(m.Attachment.Name, "file"), m.Attachment.URL)
	}
}

// ============================================================================
// messages list
// ============================================================================

var messagesListCmd = &cobra.Command{
	Use:   "list <chat-id>",
	Short: "Show the latest messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := selectChat(ctx, store, args[0]); err != nil {
			return err
		}
		for i := 1; i < messagesListPages && store.State().MessageCursor.HasMore; i++ {
			if err := store.LoadMoreMessages(ctx); err != nil {
				return failure(err)
			}
		}

		st := store.State()
		if messagesListJSON {
			return printJSON(st.Messages)
		}
		if len(st.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		if st.MessageCursor.HasMore {
			fmt.Println("  (older messages available, use --pages)")
		}
		for _, m := range st.Messages {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// messages send
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := selectChat(ctx, store, args[0]); err != nil {
			return err
		}

		opts := &chatsync.SendOptions{Type: messagesSendType, ReplyToID: messagesSendReplyTo}
		if messagesSendFileURL != "" {
			opts.Attachment = &chatsync.Attachment{URL: messagesSendFileURL}
			if opts.Type == "" {
				opts.Type = "file"
			}
		}

		msg, err := store.SendMessage(ctx, args[1], opts)
		if err != nil {
			return failure(err)
		}
		if msg == nil {
			fmt.Println("Message was already delivered by an earlier attempt.")
			return nil
		}
		if messagesSendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// messages edit / recall / react
// ============================================================================

var messagesEditCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := findMessage(ctx, store, args[0], args[1]); err != nil {
			return err
		}
		if err := store.EditMessage(ctx, args[1], args[2]); err != nil {
			return failure(err)
		}
		fmt.Printf("Edited %s\n", args[1])
		return nil
	},
}

var messagesRecallCmd = &cobra.Command{
	Use:   "recall <chat-id> <message-id>",
	Short: "Recall one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := findMessage(ctx, store, args[0], args[1]); err != nil {
			return err
		}
		if err := store.RecallMessage(ctx, args[1]); err != nil {
			return failure(err)
		}
		fmt.Printf("Recalled %s\n", args[1])
		return nil
	},
}

var messagesReactCmd = &cobra.Command{
	Use:   "react <chat-id> <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := findMessage(ctx, store, args[0], args[1]); err != nil {
			return err
		}
		if err := store.ToggleReaction(ctx, args[1], args[2]); err != nil {
			return failure(err)
		}
		fmt.Printf("Toggled %s on %s\n", args[2], args[1])
		return nil
	},
}

// ============================================================================
// messages resume
// ============================================================================

var messagesResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resubmit sends left unresolved by an interrupted run",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		n, err := store.ResumePending(ctx)
		if err != nil {
			return fmt.Errorf("reading journal: %w", err)
		}
		left, err := journal.List(ctx)
		if err != nil {
			return fmt.Errorf("reading journal: %w", err)
		}
		fmt.Printf("Resolved %d pending sends, %d still waiting\n", n, len(left))
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	messagesListCmd.Flags().IntVar(&messagesListPages, "pages", 1, "Number of pages to load")
	messagesListCmd.Flags().BoolVar(&messagesListJSON, "json", false, "Output raw JSON")

	messagesSendCmd.Flags().StringVar(&messagesSendType, "type", "", "Message type (default text)")
	messagesSendCmd.Flags().StringVar(&messagesSendReplyTo, "reply-to", "", "Id of the message being answered")
	messagesSendCmd.Flags().StringVar(&messagesSendFileURL, "file-url", "", "URL of an uploaded attachment")
	messagesSendCmd.Flags().BoolVar(&messagesSendJSON, "json", false, "Output raw JSON")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesEditCmd)
	messagesCmd.AddCommand(messagesRecallCmd)
	messagesCmd.AddCommand(messagesReactCmd)
	messagesCmd.AddCommand(messagesResumeCmd)

	rootCmd.AddCommand(messagesCmd)
}
