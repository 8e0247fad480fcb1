package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/chatterbox-im/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations live until interrupted",
	Long:  "Load the conversation list, select a conversation (the most recent one by default) and print messages as they arrive.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, backendPush)
		if err != nil {
			return err
		}
		defer s.close()

		follow(s.ctl)
		if rn, ok := s.realtime.(chatsync.ReconnectNotifier); ok {
			// the controller resyncs on its own; just tell the user
			rn.OnReconnect(func() {
				fmt.Println(color.New(color.FgGray).Render("Connection restored, catching up."))
			})
		}
		if err := s.ctl.Start(ctx); err != nil {
			return err
		}
		if len(args) == 1 {
			if err := s.ctl.Select(ctx, args[0]); err != nil {
				return err
			}
		}
		if active := s.ctl.ActiveConversationID(); active != "" {
			printMessages(s.ctl.MessageViews())
		}
		fmt.Println(color.New(color.FgGray).Render("Watching for messages. Press Ctrl-C to stop."))

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

// follow prints state changes and incoming messages from ctl.
func follow(ctl *chatsync.Controller) {
	ctl.OnState(func(s chatsync.Snapshot) {
		switch s.State {
		case chatsync.StateError:
			fmt.Println(color.New(color.FgRed).Render("error: " + s.Err.Error()))
		case chatsync.StateReady:
			if s.ActiveConversationID != "" {
				logger.Info("conversation selected", "conversation_id", s.ActiveConversationID)
			}
		}
	})
	ctl.OnIncoming(func(in chatsync.IncomingMessage) {
		name := chatsync.UnknownUserName
		if in.Sender != nil && in.Sender.Name != "" {
			name = in.Sender.Name
		}
		line := fmt.Sprintf("[%s] %s: %s",
			in.Message.CreatedAt.Local().Format(time.Kitchen),
			color.New(color.FgCyan).Render(name),
			in.Message.Content)
		if !in.Active {
			conv := in.Message.ConversationID
			if c, ok := ctl.Conversations.Get(conv); ok && c.Name != "" {
				conv = c.Name
			}
			line = color.New(color.FgYellow).Render("new message in "+conv) + " " + line
		}
		fmt.Println(line)
	})
}
