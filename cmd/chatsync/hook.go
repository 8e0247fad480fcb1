package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/chatterbox-im/chatsync"
)

var hookAddr string

func init() {
	hookServeCmd.Flags().StringVar(&hookAddr, "addr", "", "Listen address (default webhook.addr or :8787)")
	hookCmd.AddCommand(hookServeCmd)
	rootCmd.AddCommand(hookCmd)
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Receive database webhooks",
}

var hookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a webhook endpoint and follow conversations from it",
	Long: "Start an HTTP server accepting signed database webhooks on POST /hooks/db.\n" +
		"Each row change is applied to the local conversation state and incoming messages are printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		channel, err := chatsync.NewWebhookChannel(cfg.Webhook.Secret, logger)
		if err != nil {
			return fmt.Errorf("%w (set webhook.secret or CHATSYNC_WEBHOOK_SECRET)", err)
		}

		// the controller subscribes to the webhook channel instead of a websocket
		s, err := openSession(ctx, func(*backend) chatsync.Realtime { return channel })
		if err != nil {
			return err
		}
		defer s.close()

		follow(s.ctl)
		if err := s.ctl.Start(ctx); err != nil {
			return err
		}

		addr := hookAddr
		if addr == "" {
			addr = valueOrDefault(cfg.Webhook.Addr, ":8787")
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           newHookRouter(channel),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logger.Info("webhook server listening", "addr", addr)
		fmt.Printf("Listening on %s (POST /hooks/db)\n", addr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newHookRouter(channel *chatsync.WebhookChannel) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/hooks/db", channel.HTTPHandler()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}
