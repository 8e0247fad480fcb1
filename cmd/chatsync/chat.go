package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/chatterbox-im/chatsync"
)

var (
	newConversationName string
	usersSearchLimit    int
)

func init() {
	newCmd.Flags().StringVar(&newConversationName, "name", "", "Conversation name (default \"Chat with <name>\")")
	usersSearchCmd.Flags().IntVar(&usersSearchLimit, "limit", 10, "Maximum number of results")

	usersCmd.AddCommand(usersSearchCmd)
	outboxCmd.AddCommand(outboxListCmd, outboxRetryCmd)
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, usersCmd, newCmd, outboxCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// startSession opens a session and loads the conversation list.
func startSession(ctx context.Context) (*session, error) {
	s, err := openSession(ctx, noPush)
	if err != nil {
		return nil, err
	}
	if err := s.ctl.Start(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// ============================================================================
// conversations / messages / send
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		views := s.ctl.ConversationViews()
		if len(views) == 0 {
			fmt.Println("No conversations yet. Start one with 'chatsync new <user-id>'.")
			return nil
		}
		table := newTable("ID", "Name", "Updated", "Last message", "Unread")
		for _, v := range views {
			unread := ""
			if v.UnreadCount > 0 {
				unread = strconv.Itoa(v.UnreadCount)
			}
			table.Append([]string{v.ID, v.Name, v.LastAt.Local().Format("2006-01-02 15:04"), truncate(v.LastMessage, 40), unread})
		}
		table.Render()
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages and mark them read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ctl.Select(ctx, args[0]); err != nil {
			return err
		}
		printMessages(s.ctl.MessageViews())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ctl.Select(ctx, args[0]); err != nil {
			return err
		}
		msg, err := s.ctl.Send(ctx, strings.Join(args[1:], " "))
		if err != nil {
			fmt.Println(color.New(color.FgRed).Render("Send failed; the message was kept in the outbox. Retry with 'chatsync outbox retry'."))
			return err
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

func printMessages(views []chatsync.MessageView) {
	if len(views) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, v := range views {
		name := color.New(color.FgCyan).Render(v.SenderName)
		if v.Own {
			name = color.New(color.FgGreen).Render("you")
		}
		status := ""
		switch v.Status {
		case chatsync.MessageFailed:
			status = color.New(color.FgRed).Render(" (failed)")
		case chatsync.MessagePending:
			status = color.New(color.FgYellow).Render(" (sending)")
		}
		fmt.Printf("[%s] %s: %s%s\n", v.Timestamp.Local().Format("15:04"), name, v.Content, status)
	}
}

// ============================================================================
// users / new
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Find other users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search users by name (at least 2 characters)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, noPush)
		if err != nil {
			return err
		}
		defer s.close()

		users, err := s.ctl.Profiles.Search(ctx, args[0], s.ctl.UserID(), usersSearchLimit)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		table := newTable("ID", "Name", "Status")
		for _, u := range users {
			status := "offline"
			if u.Online {
				status = "online"
			}
			table.Append([]string{u.ID, u.Name, status})
		}
		table.Render()
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new <user-id>",
	Short: "Start a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, noPush)
		if err != nil {
			return err
		}
		defer s.close()

		conv, err := s.ctl.StartConversation(ctx, args[0], newConversationName)
		if err != nil {
			return err
		}
		fmt.Printf("Created %q (%s)\n", conv.Name, conv.ID)
		return nil
	},
}

// ============================================================================
// outbox
// ============================================================================

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry unsent messages",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		outbox, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		defer outbox.Close()

		ops, err := outbox.List()
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		table := newTable("Message", "Conversation", "Status", "Attempts", "Content", "Last error")
		for _, op := range ops {
			table.Append([]string{
				op.ID, op.ConversationID, string(op.Status), strconv.Itoa(op.Attempts),
				truncate(op.Message.Content, 30), truncate(op.LastError, 40),
			})
		}
		table.Render()
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resend every failed message with its original id",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ctl.ResendFailed(ctx); err != nil {
			return err
		}
		fmt.Println(color.New(color.FgGreen).Render("All failed messages were resent."))
		return nil
	},
}
