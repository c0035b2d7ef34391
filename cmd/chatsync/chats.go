package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/teamflow/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats list
	chatsListPages int
	chatsListJSON  bool

	// chats create
	chatsCreateMembers string
	chatsCreateDirect  bool
	chatsCreateTeam    string
	chatsCreateJSON    bool
)

// ============================================================================
// chats (parent command)
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage chats",
	Long:  "List, create, rename, archive and delete chats.",
}

// ============================================================================
// chats list
// ============================================================================

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := store.RefreshChats(ctx); err != nil {
			return failure(err)
		}
		for i := 1; i < chatsListPages && store.State().ChatCursor.HasMore; i++ {
			if err := store.LoadMoreChats(ctx); err != nil {
				return failure(err)
			}
		}

		st := store.State()
		if chatsListJSON {
			return printJSON(st.Chats)
		}
		if len(st.Chats) == 0 {
			fmt.Println("No chats found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tUNREAD\tLAST ACTIVITY")
		for _, c := range st.Chats {
			last := "-"
			if !c.LastActivityAt.IsZero() {
				last = c.LastActivityAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Name, c.Kind, c.UnreadCount, last)
		}
		w.Flush()
		if st.ChatCursor.HasMore {
			fmt.Println("(more chats available, use --pages)")
		}
		return nil
	},
}

// ============================================================================
// chats create
// ============================================================================

var chatsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		members := []string{store.UserID()}
		for _, m := range strings.Split(chatsCreateMembers, ",") {
			if m = strings.TrimSpace(m); m != "" && m != store.UserID() {
				members = append(members, m)
			}
		}
		kind := chatsync.ChatGroup
		if chatsCreateDirect {
			kind = chatsync.ChatDirect
		}

		chat, err := store.CreateChat(ctx, chatsync.CreateChatParams{
			Name:         args[0],
			Kind:         kind,
			Participants: members,
			TeamID:       chatsCreateTeam,
		})
		if err != nil {
			return failure(err)
		}
		if chatsCreateJSON {
			return printJSON(chat)
		}
		fmt.Printf("Created chat %s (%s) with %d members\n", chat.ID, chat.Name, len(members))
		return nil
	},
}

// ============================================================================
// chats rename / archive / delete
// ============================================================================

var chatsRenameCmd = &cobra.Command{
	Use:   "rename <chat-id> <name>",
	Short: "Rename a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := store.RenameChat(ctx, args[0], args[1]); err != nil {
			return failure(err)
		}
		fmt.Printf("Renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

var chatsArchiveCmd = &cobra.Command{
	Use:   "archive <chat-id>",
	Short: "Archive a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := store.ArchiveChat(ctx, args[0]); err != nil {
			return failure(err)
		}
		fmt.Printf("Archived %s\n", args[0])
		return nil
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, journal, err := openStore()
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := store.DeleteChat(ctx, args[0]); err != nil {
			return failure(err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsListCmd.Flags().IntVar(&chatsListPages, "pages", 1, "Number of pages to load")
	chatsListCmd.Flags().BoolVar(&chatsListJSON, "json", false, "Output raw JSON")

	chatsCreateCmd.Flags().StringVar(&chatsCreateMembers, "members", "", "Comma-separated user ids to add")
	chatsCreateCmd.Flags().BoolVar(&chatsCreateDirect, "direct", false, "Create a one-to-one chat")
	chatsCreateCmd.Flags().StringVar(&chatsCreateTeam, "team", "", "Team id")
	chatsCreateCmd.Flags().BoolVar(&chatsCreateJSON, "json", false, "Output raw JSON")

	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsCreateCmd)
	chatsCmd.AddCommand(chatsRenameCmd)
	chatsCmd.AddCommand(chatsArchiveCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)

	rootCmd.AddCommand(chatsCmd)
}
