package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"

	"github.com/chatterbox-im/chatsync"
	"github.com/chatterbox-im/chatsync/pgstore"
)

// newClient creates a client for the configured project and restores the
// saved session, if any.
func newClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Default.URL == "" || cfg.Default.AnonKey == "" {
		return nil, fmt.Errorf("no project configured; run 'chatsync init <url> <anon-key>' first")
	}
	client := chatsync.NewClient(cfg.Default.URL, cfg.Default.AnonKey, chatsync.WithClientLogger(logger))
	if cfg.Auth.AccessToken == "" {
		return client, nil
	}
	_, err := client.Auth().Restore(&chatsync.Session{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
		User:         chatsync.User{ID: cfg.Auth.UserID, Email: cfg.Auth.Email},
	})
	if errors.Is(err, chatsync.ErrNoSession) {
		fmt.Fprintln(os.Stderr, "Saved session has expired. Run 'chatsync login' again.")
		return client, nil
	}
	return client, err
}

// backend is the store/realtime pair selected by [store] backend.
type backend struct {
	store    chatsync.Store
	realtime chatsync.Realtime
	close    func()
}

func openBackend(ctx context.Context, cfg *Config, client *chatsync.Client) (*backend, error) {
	if cfg.Store.Backend != "postgres" {
		rt := client.Realtime()
		return &backend{store: client, realtime: rt, close: func() { rt.Close() }}, nil
	}
	if cfg.Store.PostgresDSN == "" {
		return nil, fmt.Errorf("store.backend is postgres but store.postgres_dsn is empty")
	}
	pool, err := pgstore.Connect(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, err
	}
	listener := pgstore.NewListener(pool, logger)
	return &backend{
		store:    pgstore.New(pool, logger),
		realtime: listener,
		close: func() {
			listener.Close()
			pool.Close()
		},
	}, nil
}

func outboxDir(cfg *Config) (string, error) {
	if cfg.Store.OutboxDir != "" {
		return cfg.Store.OutboxDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox"), nil
}

func openOutbox(cfg *Config) (*chatsync.BadgerOutbox, error) {
	dir, err := outboxDir(cfg)
	if err != nil {
		return nil, err
	}
	return chatsync.OpenBadgerOutbox(dir, logger)
}

// session bundles everything a signed-in command needs. Close releases it all.
type session struct {
	cfg      *Config
	client   *chatsync.Client
	ctl      *chatsync.Controller
	realtime chatsync.Realtime
	close    func()
}

// pushSource picks the Realtime a session's controller subscribes to.
type pushSource func(*backend) chatsync.Realtime

var (
	noPush      pushSource = func(*backend) chatsync.Realtime { return nil }
	backendPush pushSource = func(b *backend) chatsync.Realtime { return b.realtime }
)

// openSession builds a controller for the signed-in user, receiving push
// events from push.
func openSession(ctx context.Context, push pushSource, opts ...chatsync.ControllerOption) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	userID := cfg.Auth.UserID
	if sess := client.Auth().GetSession(); sess != nil {
		userID = sess.User.ID
	} else if cfg.Store.Backend != "postgres" || userID == "" {
		// a direct Postgres backend only needs to know who we are
		return nil, fmt.Errorf("not signed in; run 'chatsync login <email>' first")
	}

	be, err := openBackend(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	outbox, err := openOutbox(cfg)
	if err != nil {
		be.close()
		return nil, err
	}

	rt := push(be)
	opts = append([]chatsync.ControllerOption{
		chatsync.WithLogger(logger),
		chatsync.WithOutbox(outbox),
	}, opts...)
	ctl := chatsync.NewController(userID, be.store, rt, opts...)

	return &session{
		cfg:      cfg,
		client:   client,
		ctl:      ctl,
		realtime: rt,
		close: func() {
			ctl.Close(context.Background())
			outbox.Close()
			be.close()
		},
	}, nil
}

// newTable returns a borderless left-aligned table writer.
func newTable(headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
