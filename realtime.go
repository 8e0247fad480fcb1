package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxChanges   = "postgres_changes"
	phxTopic     = "phoenix"
)

// Frame is one message of the realtime channel protocol.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data ChangeEvent `json:"data"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// joinPayload builds the phx_join payload subscribing to scope's row changes.
func joinPayload(scope Scope, token string) map[string]any {
	event := string(scope.Operation)
	if event == "" {
		event = string(OpAny)
	}
	cf := changeFilter{Event: event, Schema: "public", Table: scope.Table}
	if scope.Filter != nil {
		cf.Filter = scope.Filter.String()
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []changeFilter{cf},
		},
	}
	if token != "" {
		payload["access_token"] = token
	}
	return payload
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// TokenSource returns the user access token sent on every join.
	TokenSource          func() string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReplyTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.TokenSource == nil {
		c.TokenSource = func() string { return "" }
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	ConnDisconnected RealtimeState = "disconnected"
	ConnConnecting   RealtimeState = "connecting"
	ConnConnected    RealtimeState = "connected"
	ConnReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

type channel struct {
	topic   string
	sub     *Subscription
	onEvent func(ChangeEvent)
}

// RealtimeClient receives row changes over a single websocket, multiplexing
// one channel per subscription. Live channels are rejoined after a reconnect.
type RealtimeClient struct {
	url    string
	apiKey string
	config *RealtimeConfig
	log    *slog.Logger
	recon  *reconnector
	stateN notifier[RealtimeState]
	// rejoinN fires once every channel has been rejoined after a reconnect.
	rejoinN notifier[struct{}]
	dialMu  sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*channel

	pendingMu sync.Mutex
	pending   map[string]chan replyPayload
}

var (
	_ Realtime          = (*RealtimeClient)(nil)
	_ ReconnectNotifier = (*RealtimeClient)(nil)
)

// NewRealtimeClient creates a client for the websocket endpoint at wsURL.
// The connection is opened by Connect or by the first Subscribe.
func NewRealtimeClient(wsURL, apiKey string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &RealtimeClient{
		url:      wsURL,
		apiKey:   apiKey,
		config:   config,
		log:      config.Logger,
		recon:    newReconnector(config),
		stateN:   notifier[RealtimeState]{log: config.Logger},
		rejoinN:  notifier[struct{}]{log: config.Logger},
		state:    ConnDisconnected,
		channels: make(map[string]*channel),
		pending:  make(map[string]chan replyPayload),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// OnStateChange registers a handler for connection state transitions.
func (rt *RealtimeClient) OnStateChange(fn func(RealtimeState)) (unsubscribe func()) {
	return rt.stateN.subscribe(fn)
}

// OnReconnect registers fn to run after the connection was restored and every
// live channel rejoined. Changes made while disconnected were not delivered.
func (rt *RealtimeClient) OnReconnect(fn func()) (unsubscribe func()) {
	return rt.rejoinN.subscribe(func(struct{}) { fn() })
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	changed := rt.state != s
	rt.state = s
	rt.mu.Unlock()
	if changed {
		rt.stateN.notify(s)
	}
}

// Connect dials the websocket. It is a no-op when already connected;
// concurrent callers wait for a dial in progress.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.dialMu.Lock()
	defer rt.dialMu.Unlock()

	rt.mu.Lock()
	if rt.state == ConnConnected {
		rt.mu.Unlock()
		return nil
	}
	rt.intentionalClose = false
	rt.mu.Unlock()
	rt.setState(ConnConnecting)

	u, err := url.Parse(rt.url)
	if err != nil {
		rt.setState(ConnDisconnected)
		return fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", rt.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: rt.config.HTTPClient})
	if err != nil {
		rt.setState(ConnDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// the connection outlives the dial context
	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()
	rt.setState(ConnConnected)
	rt.log.Debug("realtime connected", "url", rt.url)

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Close leaves every channel and closes the connection.
func (rt *RealtimeClient) Close() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.channels = make(map[string]*channel)
	rt.mu.Unlock()

	rt.failPending()
	rt.setState(ConnDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe joins a channel for scope. onEvent is called from a separate
// goroutine for each change; deliveries may repeat and arrive out of order.
func (rt *RealtimeClient) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (*Subscription, error) {
	if err := rt.Connect(ctx); err != nil {
		return nil, err
	}
	sub := &Subscription{ID: uuid.NewString(), Scope: scope}
	ch := &channel{topic: "realtime:" + scope.Topic() + "#" + sub.ID, sub: sub, onEvent: onEvent}

	rt.mu.Lock()
	rt.channels[ch.topic] = ch
	rt.mu.Unlock()

	if err := rt.join(ctx, ch); err != nil {
		rt.mu.Lock()
		delete(rt.channels, ch.topic)
		rt.mu.Unlock()
		return nil, err
	}
	rt.log.Debug("channel joined", "topic", ch.topic)
	return sub, nil
}

// Unsubscribe leaves the subscription's channel. Events already in flight
// for it are dropped.
func (rt *RealtimeClient) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	rt.mu.Lock()
	var topic string
	for t, ch := range rt.channels {
		if ch.sub.ID == sub.ID {
			topic = t
			delete(rt.channels, t)
			break
		}
	}
	rt.mu.Unlock()
	if topic == "" {
		return nil
	}
	err := rt.send(ctx, Frame{Topic: topic, Event: phxLeave, Payload: json.RawMessage("{}"), Ref: uuid.NewString()})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (rt *RealtimeClient) join(ctx context.Context, ch *channel) error {
	payload, err := json.Marshal(joinPayload(ch.sub.Scope, rt.config.TokenSource()))
	if err != nil {
		return err
	}
	reply, err := rt.request(ctx, Frame{Topic: ch.topic, Event: phxJoin, Payload: payload})
	if err != nil {
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("join %s: %s %s", ch.topic, reply.Status, string(reply.Response))
	}
	return nil
}

// request sends f with a fresh ref and waits for the matching phx_reply.
func (rt *RealtimeClient) request(ctx context.Context, f Frame) (replyPayload, error) {
	f.Ref = uuid.NewString()
	wait := make(chan replyPayload, 1)
	rt.pendingMu.Lock()
	rt.pending[f.Ref] = wait
	rt.pendingMu.Unlock()
	defer func() {
		rt.pendingMu.Lock()
		delete(rt.pending, f.Ref)
		rt.pendingMu.Unlock()
	}()

	if err := rt.send(ctx, f); err != nil {
		return replyPayload{}, err
	}

	timer := time.NewTimer(rt.config.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-wait:
		if !ok {
			return replyPayload{}, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		return replyPayload{}, fmt.Errorf("reply timeout for %s", f.Event)
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	}
}

func (rt *RealtimeClient) send(ctx context.Context, f Frame) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleDisconnect(err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			rt.log.Warn("undecodable realtime frame", "error", err)
			continue
		}
		rt.dispatch(f)
	}
}

func (rt *RealtimeClient) dispatch(f Frame) {
	switch f.Event {
	case phxReply:
		var reply replyPayload
		if json.Unmarshal(f.Payload, &reply) != nil || f.Ref == "" {
			return
		}
		rt.pendingMu.Lock()
		if wait, ok := rt.pending[f.Ref]; ok {
			select {
			case wait <- reply:
			default:
			}
		}
		rt.pendingMu.Unlock()
	case phxChanges:
		var p changesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			rt.log.Warn("undecodable change payload", "topic", f.Topic, "error", err)
			return
		}
		rt.mu.Lock()
		ch, ok := rt.channels[f.Topic]
		rt.mu.Unlock()
		if !ok {
			rt.log.Debug("change for unknown channel", "topic", f.Topic)
			return
		}
		if p.Data.Table == "" {
			p.Data.Table = ch.sub.Scope.Table
		}
		go ch.onEvent(p.Data)
	case phxError, phxClose:
		rt.log.Warn("channel closed by server", "topic", f.Topic, "event", f.Event)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != ConnConnected {
				return
			}
			_, err := rt.request(ctx, Frame{Topic: phxTopic, Event: phxHeartbeat, Payload: json.RawMessage("{}")})
			if err != nil {
				rt.log.Warn("heartbeat failed", "error", err)
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) handleDisconnect(cause error) {
	rt.mu.Lock()
	intentional := rt.intentionalClose
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	rt.conn = nil
	rt.mu.Unlock()

	rt.failPending()
	if intentional {
		return
	}
	rt.setState(ConnDisconnected)
	rt.log.Warn("realtime disconnected", "error", cause)

	if rt.config.AutoReconnect {
		go rt.reconnectLoop()
	}
}

// reconnectLoop redials with backoff and rejoins every live channel.
func (rt *RealtimeClient) reconnectLoop() {
	for rt.recon.shouldReconnect() {
		delay := rt.recon.nextDelay()
		rt.setState(ConnReconnecting)
		rt.log.Info("realtime reconnecting", "attempt", rt.recon.attempt, "delay", delay)
		time.Sleep(delay)

		rt.mu.Lock()
		stop := rt.intentionalClose
		rt.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rt.config.ReplyTimeout)
		err := rt.Connect(ctx)
		cancel()
		if err == nil {
			rt.rejoin()
			rt.rejoinN.notify(struct{}{})
			return
		}
		rt.log.Warn("realtime reconnect failed", "error", err)
	}
	rt.setState(ConnDisconnected)
}

func (rt *RealtimeClient) rejoin() {
	rt.mu.Lock()
	channels := make([]*channel, 0, len(rt.channels))
	for _, ch := range rt.channels {
		channels = append(channels, ch)
	}
	rt.mu.Unlock()

	for _, ch := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), rt.config.ReplyTimeout)
		if err := rt.join(ctx, ch); err != nil {
			rt.log.Warn("rejoin failed", "topic", ch.topic, "error", err)
		}
		cancel()
	}
}

func (rt *RealtimeClient) failPending() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pending {
		close(ch)
		delete(rt.pending, k)
	}
	rt.pendingMu.Unlock()
}
