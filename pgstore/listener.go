package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatterbox-im/chatsync"
)

// NotifyChannel is the LISTEN/NOTIFY channel written by the change trigger
// installed by Migrate.
const NotifyChannel = "chatsync_changes"

type listenerSub struct {
	sub     *chatsync.Subscription
	onEvent func(chatsync.ChangeEvent)
}

// Listener is a chatsync.Realtime over Postgres LISTEN/NOTIFY. It holds one
// pooled connection while at least one subscription is live.
type Listener struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu     sync.Mutex
	subs   map[string]listenerSub
	cancel context.CancelFunc
	done   chan struct{}

	hookMu   sync.Mutex
	nextHook int
	hooks    map[int]func()
}

var (
	_ chatsync.Realtime          = (*Listener)(nil)
	_ chatsync.ReconnectNotifier = (*Listener)(nil)
)

func NewListener(pool *pgxpool.Pool, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Listener{pool: pool, log: log, subs: make(map[string]listenerSub), hooks: make(map[int]func())}
}

// OnReconnect registers fn to run after LISTEN was re-established following a
// connection failure. Notifications sent in between were lost.
func (l *Listener) OnReconnect(fn func()) (unsubscribe func()) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	id := l.nextHook
	l.nextHook++
	l.hooks[id] = fn
	return func() {
		l.hookMu.Lock()
		delete(l.hooks, id)
		l.hookMu.Unlock()
	}
}

// Subscribe registers onEvent for scope, starting the LISTEN loop if needed.
func (l *Listener) Subscribe(ctx context.Context, scope chatsync.Scope, onEvent func(chatsync.ChangeEvent)) (*chatsync.Subscription, error) {
	if err := l.start(ctx); err != nil {
		return nil, err
	}
	sub := &chatsync.Subscription{ID: uuid.NewString(), Scope: scope}
	l.mu.Lock()
	l.subs[sub.ID] = listenerSub{sub: sub, onEvent: onEvent}
	l.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription. The connection is released with the last one.
func (l *Listener) Unsubscribe(_ context.Context, sub *chatsync.Subscription) error {
	if sub == nil {
		return nil
	}
	l.mu.Lock()
	delete(l.subs, sub.ID)
	idle := len(l.subs) == 0
	l.mu.Unlock()
	if idle {
		l.stop()
	}
	return nil
}

// Close stops listening and drops every subscription.
func (l *Listener) Close() {
	l.mu.Lock()
	l.subs = make(map[string]listenerSub)
	l.mu.Unlock()
	l.stop()
}

func (l *Listener) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ident(NotifyChannel)); err != nil {
		conn.Release()
		return fmt.Errorf("pgstore: listen: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(loopCtx, conn, l.done)
	return nil
}

func (l *Listener) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *Listener) loop(ctx context.Context, conn *pgxpool.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		// the session still LISTENs; do not hand it back to the pool
		conn.Hijack().Close(context.Background())
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Error("listener stopped", "error", err)
				l.mu.Lock()
				if l.done == done {
					l.cancel, l.done = nil, nil
				}
				l.mu.Unlock()
				go l.restart()
			}
			return
		}
		payload, err := chatsync.ParseWebhookPayload(n.Payload)
		if err != nil {
			l.log.Warn("undecodable notification", "channel", n.Channel, "error", err)
			continue
		}
		l.dispatch(payload.Event())
	}
}

// restart re-establishes LISTEN with backoff for as long as subscriptions remain.
func (l *Listener) restart() {
	delay := time.Second
	for {
		time.Sleep(delay)
		l.mu.Lock()
		idle := len(l.subs) == 0
		l.mu.Unlock()
		if idle {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := l.start(ctx)
		cancel()
		if err == nil {
			l.log.Info("listener restored")
			l.hookMu.Lock()
			hooks := make([]func(), 0, len(l.hooks))
			for _, fn := range l.hooks {
				hooks = append(hooks, fn)
			}
			l.hookMu.Unlock()
			for _, fn := range hooks {
				fn()
			}
			return
		}
		delay = min(delay*2, 30*time.Second)
		l.log.Warn("listener restart failed", "error", err, "retry_in", delay)
	}
}

func (l *Listener) dispatch(ev chatsync.ChangeEvent) {
	l.mu.Lock()
	var targets []func(chatsync.ChangeEvent)
	for _, s := range l.subs {
		if s.sub.Scope.Matches(ev) {
			targets = append(targets, s.onEvent)
		}
	}
	l.mu.Unlock()
	for _, fn := range targets {
		go fn(ev)
	}
}
