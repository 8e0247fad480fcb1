package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ============================================================================
// State
// ============================================================================

// State is the controller's lifecycle state.
type State string

const (
	StateUninitialized        State = "uninitialized"
	StateLoadingConversations State = "loading-conversations"
	StateReady                State = "ready"
	StateError                State = "error"
)

// Snapshot is the controller state observed by the UI layer.
// ActiveConversationID is empty in ready(none).
type Snapshot struct {
	State                State
	ActiveConversationID string
	Err                  error
}

// IncomingMessage is emitted for every newly pushed message sent by someone else.
type IncomingMessage struct {
	Message Message
	Sender  *Profile
	Active  bool
}

// ReconnectNotifier is implemented by a Realtime that can tell when its
// connection came back after a drop. Changes pushed while it was down are lost,
// so the controller resyncs when notified.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (unsubscribe func())
}

// ============================================================================
// Options
// ============================================================================

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger shared by the controller and its stores.
func WithLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithOutbox replaces the default in-memory outbox.
func WithOutbox(storage OutboxStorage) ControllerOption {
	return func(c *Controller) { c.outboxStorage = storage }
}

// WithClock overrides the time source used to stamp outgoing messages.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides how ids of outgoing messages are generated. The
// id is sent with the insert, so it must be unique across clients.
func WithIDGenerator(newID func() string) ControllerOption {
	return func(c *Controller) { c.newID = newID }
}

// WithDedupWindow sets how far apart an optimistic message and a server echo
// carrying a different id may be and still be treated as the same message.
func WithDedupWindow(d time.Duration) ControllerOption {
	return func(c *Controller) { c.dedupWindow = d }
}

// WithDefaultAvatar sets the avatar used in views when a profile has none.
func WithDefaultAvatar(url string) ControllerOption {
	return func(c *Controller) { c.defaultAvatar = url }
}

const (
	DefaultDedupWindow = 5 * time.Second
	recentIncomingCap  = 256
)

// ============================================================================
// Controller
// ============================================================================

// Controller keeps the profile, conversation and message stores in sync with
// the backend for one signed-in user.
type Controller struct {
	Profiles      *ProfileCache
	Conversations *ConversationStore
	Messages      *MessageStore

	userID        string
	store         Store
	realtime      Realtime
	outbox        *Outbox
	outboxStorage OutboxStorage
	log           *slog.Logger
	validate      *validator.Validate
	now           func() time.Time
	newID         func() string
	dedupWindow   time.Duration
	defaultAvatar string

	stateN    notifier[Snapshot]
	incomingN notifier[IncomingMessage]

	mu           sync.Mutex
	state        State
	active       string
	err          error
	participants map[string][]string
	recent       map[string]struct{}
	recentOrder  []string

	// generation changes on every change of the active conversation; message
	// fetches issued under an older generation are discarded.
	generation atomic.Uint64

	// echoesKeepIDs is set once the backend is seen to store messages under
	// the id the client chose; content matching of echoes is off from then on.
	echoesKeepIDs atomic.Bool

	subMu       sync.Mutex
	listSubs    []*Subscription
	msgSub      *Subscription
	reconnectFn func()

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewController creates a controller for userID. realtime may be nil, in
// which case no push events are received.
func NewController(userID string, store Store, realtime Realtime, opts ...ControllerOption) *Controller {
	c := &Controller{
		userID:       userID,
		store:        store,
		realtime:     realtime,
		validate:     validator.New(),
		now:          time.Now,
		newID:        uuid.NewString,
		dedupWindow:  DefaultDedupWindow,
		state:        StateUninitialized,
		participants: make(map[string][]string),
		recent:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = discardLogger()
	}
	c.stateN.log = c.log
	c.incomingN.log = c.log
	c.Profiles = NewProfileCache(store, c.log)
	c.Conversations = NewConversationStore(store, c.log)
	c.Messages = NewMessageStore(store, c.log)
	c.outbox = NewOutbox(c.outboxStorage, store, c.log)
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	return c
}

// UserID returns the signed-in user's id.
func (c *Controller) UserID() string { return c.userID }

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, ActiveConversationID: c.active, Err: c.err}
}

// ActiveConversationID returns the selected conversation, or "".
func (c *Controller) ActiveConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OnState registers a listener for state changes.
func (c *Controller) OnState(fn func(Snapshot)) (unsubscribe func()) {
	return c.stateN.subscribe(fn)
}

// OnIncoming registers a listener for messages pushed by other users.
func (c *Controller) OnIncoming(fn func(IncomingMessage)) (unsubscribe func()) {
	return c.incomingN.subscribe(fn)
}

// Start loads the conversation list and selects the most recently updated
// conversation. It is valid from uninitialized and error.
func (c *Controller) Start(ctx context.Context) error {
	if c.userID == "" {
		return ErrNoSession
	}
	c.mu.Lock()
	if c.state != StateUninitialized && c.state != StateError {
		c.mu.Unlock()
		return fmt.Errorf("start from %s: %w", c.state, ErrNotReady)
	}
	c.state, c.err = StateLoadingConversations, nil
	c.mu.Unlock()
	c.publish()

	if err := c.subscribeLists(ctx); err != nil {
		c.log.Warn("conversation list subscription failed", "error", err)
	}
	c.watchReconnects()

	convs, err := c.Conversations.LoadForUser(ctx, c.userID)
	if err != nil {
		c.releaseAll(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.state, c.err = StateError, err
		c.mu.Unlock()
		c.publish()
		return err
	}

	c.mu.Lock()
	c.state, c.active = StateReady, ""
	c.mu.Unlock()
	c.publish()

	if len(convs) == 0 {
		return nil
	}
	return c.Select(ctx, convs[0].ID)
}

// Retry re-enters loading-conversations after a failed Start.
func (c *Controller) Retry(ctx context.Context) error {
	return c.Start(ctx)
}

// Select makes id the active conversation: it moves the message push scope to
// id, marks its messages read and loads them. A load that resolves after
// another selection is discarded.
func (c *Controller) Select(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	if !c.Conversations.Contains(id) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	gen := c.generation.Add(1)
	c.active = id
	c.mu.Unlock()
	c.publish()

	c.Messages.MarkRead(id, c.userID)

	if err := c.rescope(ctx, gen, id); err != nil {
		c.log.Warn("message subscription failed", "conversation_id", id, "error", err)
	}

	loaded, err := c.loadActive(ctx, gen, id)
	if err != nil || !loaded {
		return err
	}
	c.loadParticipants(ctx, id)
	return nil
}

// loadActive fetches the messages of convID, the active conversation under
// generation gen, and marks them read. Messages pushed while the fetch is in
// flight are kept. It reports false when a newer selection made the result stale.
func (c *Controller) loadActive(ctx context.Context, gen uint64, convID string) (bool, error) {
	mark := c.Messages.Mark()
	msgs, err := c.Messages.Fetch(ctx, convID)
	if err != nil {
		return false, err
	}
	msgs = append(msgs, c.failedSends(convID, msgs)...)
	if !c.Messages.ReplaceIf(convID, msgs, mark, func() bool { return c.generation.Load() == gen }) {
		c.log.Debug("discarding stale message fetch", "conversation_id", convID)
		return false, nil
	}
	if c.Messages.MarkRead(convID, c.userID) > 0 {
		c.markReadRemote(ctx, convID)
	}
	return true, nil
}

// Resync reloads the conversation list and the active conversation's messages,
// then resends failed messages. It runs by itself when the Realtime implements
// ReconnectNotifier and reports a restored connection.
func (c *Controller) Resync(ctx context.Context) error {
	c.mu.Lock()
	state, active := c.state, c.active
	gen := c.generation.Load()
	c.mu.Unlock()
	if state != StateReady {
		return ErrNotReady
	}

	if _, err := c.Conversations.LoadForUser(ctx, c.userID); err != nil {
		return err
	}
	var errs []error
	if active != "" {
		if c.Conversations.Contains(active) {
			if _, err := c.loadActive(ctx, gen, active); err != nil {
				errs = append(errs, err)
			}
		} else {
			c.forgetConversation(active)
		}
	}
	if err := c.ResendFailed(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Deselect returns to ready(none) and releases the message push scope.
func (c *Controller) Deselect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.clearActiveLocked()
	c.mu.Unlock()
	c.publish()
	c.releaseMessageScope(ctx)
	return nil
}

// Send appends content to the active conversation optimistically and writes
// it to the backend. On failure the message stays in the store flagged failed
// and a *SendError is returned.
func (c *Controller) Send(ctx context.Context, content string) (Message, error) {
	c.mu.Lock()
	state, active := c.state, c.active
	c.mu.Unlock()

	if state != StateReady {
		return Message{}, ErrNotReady
	}
	if active == "" {
		return Message{}, ErrNoActiveConversation
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	now := c.now().UTC()
	msg := Message{
		ID:             c.newID(),
		Content:        content,
		SenderID:       c.userID,
		ConversationID: active,
		CreatedAt:      now,
		Status:         MessagePending,
	}
	if err := c.validate.Struct(msg); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}

	c.Messages.Append(active, msg)
	c.Conversations.Touch(active, now)
	return c.deliver(ctx, msg, false)
}

// Resend re-attempts a failed message with its original id.
func (c *Controller) Resend(ctx context.Context, convID, msgID string) (Message, error) {
	msg, ok := c.Messages.Get(convID, msgID)
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	if msg.Status != MessageFailed {
		return Message{}, ErrNotFailed
	}
	c.Messages.SetStatus(convID, msgID, MessagePending)
	return c.deliver(ctx, msg, true)
}

// ResendFailed re-attempts every failed send recorded in the outbox.
func (c *Controller) ResendFailed(ctx context.Context) error {
	ops, err := c.outbox.Failed("")
	if err != nil {
		return err
	}
	var errs []error
	for _, op := range ops {
		if _, ok := c.Messages.Get(op.ConversationID, op.ID); ok {
			_, err = c.Resend(ctx, op.ConversationID, op.ID)
		} else {
			_, err = c.outbox.Resend(ctx, op.ID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartConversation creates a conversation with otherUserID and adds it to
// the list. An empty name defaults to DefaultConversationName.
func (c *Controller) StartConversation(ctx context.Context, otherUserID, name string) (Conversation, error) {
	if c.userID == "" {
		return Conversation{}, ErrNoSession
	}
	other, err := c.Profiles.GetOrFetch(ctx, otherUserID)
	if err != nil {
		return Conversation{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultConversationName(other)
	}
	conv, err := c.Conversations.Create(ctx, name, c.userID, other.ID)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	c.mu.Lock()
	c.participants[conv.ID] = []string{c.userID, other.ID}
	c.mu.Unlock()
	return conv, nil
}

// Close releases every push subscription and stops background work.
func (c *Controller) Close(ctx context.Context) error {
	c.bgCancel()
	c.subMu.Lock()
	if c.reconnectFn != nil {
		c.reconnectFn()
		c.reconnectFn = nil
	}
	c.subMu.Unlock()
	err := c.releaseAll(ctx)
	c.stateN.removeAll()
	c.incomingN.removeAll()
	return err
}

// ============================================================================
// Push events
// ============================================================================

// HandleEvent applies a pushed row change. It is safe to call concurrently
// and tolerates duplicate and out-of-order delivery.
func (c *Controller) HandleEvent(ev ChangeEvent) {
	switch ev.Table {
	case TableMessages:
		c.handleMessageEvent(ev)
	case TableConversations:
		c.handleConversationEvent(ev)
	case TableParticipants:
		c.handleParticipantEvent(ev)
	case TableProfiles:
		var p Profile
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("undecodable profile event", "error", err)
			return
		}
		if _, ok := c.Profiles.Get(p.ID); ok && ev.Operation != OpDelete {
			c.Profiles.Refresh(p)
		}
	default:
		c.log.Debug("ignoring event", "table", ev.Table, "operation", ev.Operation)
	}
}

func (c *Controller) handleMessageEvent(ev ChangeEvent) {
	var msg Message
	if err := ev.Decode(&msg); err != nil {
		c.log.Warn("undecodable message event", "error", err)
		return
	}
	convID := msg.ConversationID

	switch ev.Operation {
	case OpInsert:
		msg.Status = MessageSent
		if !c.Conversations.Contains(convID) {
			// the list scope is not filtered by membership
			c.log.Debug("ignoring message outside the conversation list", "conversation_id", convID)
			return
		}
		c.Conversations.Touch(convID, msg.CreatedAt)
		active := c.ActiveConversationID() == convID
		if active {
			c.applyPushedMessage(msg)
		}
		if msg.SenderID != c.userID && c.firstSighting(msg.ID) {
			in := IncomingMessage{Message: msg, Active: active}
			if p, ok := c.Profiles.Get(msg.SenderID); ok {
				in.Sender = &p
			} else if p, err := c.Profiles.GetOrFetch(c.bgCtx, msg.SenderID); err == nil {
				in.Sender = &p
			}
			c.incomingN.notify(in)
		}
	case OpUpdate:
		c.Messages.SetRead(convID, msg.ID, msg.Read)
	default:
		c.log.Debug("ignoring message event", "operation", ev.Operation, "message_id", msg.ID)
	}
}

// applyPushedMessage adds msg to the active conversation. An echo of one of
// our own sends is matched by id; only while the backend has not been seen to
// keep client ids does it fall back to matching a pending message by content.
func (c *Controller) applyPushedMessage(msg Message) {
	convID := msg.ConversationID
	if existing, ok := c.Messages.Get(convID, msg.ID); ok {
		if existing.Status != MessageSent {
			c.echoesKeepIDs.Store(true)
			c.Messages.SetStatus(convID, msg.ID, MessageSent)
			c.discardOp(msg.ID)
		}
		return
	}
	if msg.SenderID == c.userID && !c.echoesKeepIDs.Load() {
		if localID, ok := c.Messages.MatchPending(convID, msg, c.dedupWindow); ok {
			c.Messages.Reconcile(convID, localID, msg)
			c.discardOp(localID)
			return
		}
	}
	c.Messages.Append(convID, msg)
}

func (c *Controller) handleConversationEvent(ev ChangeEvent) {
	var conv Conversation
	if err := ev.Decode(&conv); err != nil || conv.ID == "" {
		c.log.Warn("undecodable conversation event", "error", err)
		return
	}
	if ev.Operation == OpDelete {
		c.removeConversation(conv.ID)
		return
	}
	if c.Conversations.Contains(conv.ID) {
		c.Conversations.Upsert(conv)
		return
	}
	go c.adoptConversation(c.bgCtx, conv.ID)
}

func (c *Controller) handleParticipantEvent(ev ChangeEvent) {
	var p Participant
	if err := ev.Decode(&p); err != nil {
		c.log.Warn("undecodable participant event", "error", err)
		return
	}
	if p.UserID != c.userID {
		return
	}
	switch ev.Operation {
	case OpInsert:
		go c.adoptConversation(c.bgCtx, p.ConversationID)
	case OpDelete:
		c.removeConversation(p.ConversationID)
	}
}

// adoptConversation upserts a conversation unknown to the store if the user
// is a member of it.
func (c *Controller) adoptConversation(ctx context.Context, convID string) {
	members, err := selectRows[Participant](ctx, c.store, TableParticipants, Query{
		Filters: []Filter{Eq("conversation_id", convID), Eq("user_id", c.userID)},
		Limit:   1,
	})
	if err != nil || len(members) == 0 {
		if err != nil {
			c.log.Warn("membership check failed", "conversation_id", convID, "error", err)
		}
		return
	}
	convs, err := selectRows[Conversation](ctx, c.store, TableConversations, Query{
		Filters: []Filter{Eq("id", convID)},
		Limit:   1,
	})
	if err != nil || len(convs) == 0 {
		c.log.Warn("conversation fetch failed", "conversation_id", convID, "error", err)
		return
	}
	c.Conversations.Upsert(convs[0])
}

func (c *Controller) removeConversation(convID string) {
	if !c.Conversations.Remove(convID) {
		return
	}
	c.forgetConversation(convID)
}

// forgetConversation drops local state of a conversation that is no longer
// in the list, clearing the selection if it was active.
func (c *Controller) forgetConversation(convID string) {
	c.Messages.Drop(convID)

	c.mu.Lock()
	delete(c.participants, convID)
	wasActive := c.active == convID
	if wasActive {
		c.clearActiveLocked()
	}
	c.mu.Unlock()

	if wasActive {
		c.publish()
		c.releaseMessageScope(c.bgCtx)
	}
}

// ============================================================================
// Internals
// ============================================================================

func (c *Controller) deliver(ctx context.Context, msg Message, resend bool) (Message, error) {
	convID := msg.ConversationID

	var (
		server Message
		err    error
	)
	if resend {
		server, err = c.outbox.Resend(ctx, msg.ID)
		if errors.Is(err, ErrNotFound) {
			server, err = c.outbox.Submit(ctx, msg)
		}
	} else {
		server, err = c.outbox.Submit(ctx, msg)
	}

	if err != nil {
		if current, ok := c.Messages.Get(convID, msg.ID); ok && current.Status == MessageSent {
			// the push echo confirmed the row while the write reported failure
			c.discardOp(msg.ID)
			return current, nil
		}
		msg.Status = MessageFailed
		if _, ok := c.Messages.Get(convID, msg.ID); ok {
			c.Messages.SetStatus(convID, msg.ID, MessageFailed)
		} else if c.Conversations.Contains(convID) {
			// the row went missing while the write was in flight; a failed
			// send must stay visible
			c.Messages.Append(convID, msg)
		}
		return msg, err
	}

	if server.ID != msg.ID {
		c.Messages.Reconcile(convID, msg.ID, server)
	} else {
		c.echoesKeepIDs.Store(true)
		c.Messages.SetStatus(convID, msg.ID, MessageSent)
	}
	if err := c.store.Update(ctx, TableConversations, []Filter{Eq("id", convID)}, map[string]any{
		"updated_at": msg.CreatedAt,
	}); err != nil {
		c.log.Warn("conversation timestamp update failed", "conversation_id", convID, "error", err)
	}
	return server, nil
}

func (c *Controller) discardOp(id string) {
	if err := c.outbox.Discard(id); err != nil {
		c.log.Debug("outbox discard failed", "message_id", id, "error", err)
	}
}

// failedSends returns failed outbox messages for convID that fetched lacks.
func (c *Controller) failedSends(convID string, fetched []Message) []Message {
	ops, err := c.outbox.Failed(convID)
	if err != nil {
		c.log.Warn("outbox read failed", "error", err)
		return nil
	}
	have := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		have[m.ID] = struct{}{}
	}
	var out []Message
	for _, op := range ops {
		if _, ok := have[op.ID]; ok {
			c.discardOp(op.ID)
			continue
		}
		m := op.Message
		m.Status = MessageFailed
		out = append(out, m)
	}
	return out
}

func (c *Controller) markReadRemote(ctx context.Context, convID string) {
	err := c.store.Update(ctx, TableMessages, []Filter{
		Eq("conversation_id", convID),
		Neq("sender_id", c.userID),
		Eq("read", false),
	}, map[string]any{"read": true})
	if err != nil {
		c.log.Warn("remote mark-read failed", "conversation_id", convID, "error", err)
	}
}

func (c *Controller) loadParticipants(ctx context.Context, convID string) {
	ids, err := c.Conversations.ParticipantIDs(ctx, convID)
	if err != nil {
		c.log.Warn("participant load failed", "conversation_id", convID, "error", err)
		return
	}
	c.mu.Lock()
	c.participants[convID] = ids
	c.mu.Unlock()

	for _, uid := range append(ids, c.userID) {
		if _, err := c.Profiles.GetOrFetch(ctx, uid); err != nil {
			c.log.Debug("participant profile unavailable", "user_id", uid, "error", err)
		}
	}
}

func (c *Controller) participantIDs(convID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.participants[convID]...)
}

// firstSighting reports whether msgID has not been notified yet.
func (c *Controller) firstSighting(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.recent[msgID]; ok {
		return false
	}
	c.recent[msgID] = struct{}{}
	c.recentOrder = append(c.recentOrder, msgID)
	if len(c.recentOrder) > recentIncomingCap {
		delete(c.recent, c.recentOrder[0])
		c.recentOrder = c.recentOrder[1:]
	}
	return true
}

func (c *Controller) clearActiveLocked() {
	c.active = ""
	c.generation.Add(1)
}

func (c *Controller) publish() {
	c.stateN.notify(c.Snapshot())
}

// watchReconnects hooks Resync to the Realtime's reconnect notification.
func (c *Controller) watchReconnects() {
	rn, ok := c.realtime.(ReconnectNotifier)
	if !ok {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.reconnectFn != nil {
		return
	}
	c.reconnectFn = rn.OnReconnect(func() {
		go func() {
			c.log.Info("realtime reconnected, resyncing")
			if err := c.Resync(c.bgCtx); err != nil && !errors.Is(err, ErrNotReady) {
				c.log.Warn("resync after reconnect failed", "error", err)
			}
		}()
	})
}

func (c *Controller) subscribeLists(ctx context.Context) error {
	if c.realtime == nil {
		return nil
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.listSubs) > 0 {
		return nil
	}
	self := Eq("user_id", c.userID)
	scopes := []Scope{
		{Table: TableConversations, Operation: OpAny},
		{Table: TableParticipants, Operation: OpAny, Filter: &self},
		{Table: TableMessages, Operation: OpInsert},
		{Table: TableProfiles, Operation: OpUpdate},
	}
	var errs []error
	for _, scope := range scopes {
		sub, err := c.realtime.Subscribe(ctx, scope, c.HandleEvent)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", scope.Topic(), err))
			continue
		}
		c.listSubs = append(c.listSubs, sub)
	}
	return errors.Join(errs...)
}

// rescope moves the message scope to convID unless a newer selection has
// already taken over. The old scope is released before the new one is opened.
func (c *Controller) rescope(ctx context.Context, gen uint64, convID string) error {
	if c.realtime == nil {
		return nil
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.generation.Load() != gen {
		return nil
	}
	if c.msgSub != nil {
		if err := c.realtime.Unsubscribe(ctx, c.msgSub); err != nil {
			c.log.Warn("unsubscribe failed", "topic", c.msgSub.Scope.Topic(), "error", err)
		}
		c.msgSub = nil
	}
	filter := Eq("conversation_id", convID)
	sub, err := c.realtime.Subscribe(ctx, Scope{Table: TableMessages, Operation: OpAny, Filter: &filter}, c.HandleEvent)
	if err != nil {
		return err
	}
	c.msgSub = sub
	return nil
}

func (c *Controller) releaseMessageScope(ctx context.Context) {
	if c.realtime == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.msgSub == nil {
		return
	}
	if err := c.realtime.Unsubscribe(ctx, c.msgSub); err != nil {
		c.log.Warn("unsubscribe failed", "topic", c.msgSub.Scope.Topic(), "error", err)
	}
	c.msgSub = nil
}

func (c *Controller) releaseAll(ctx context.Context) error {
	if c.realtime == nil {
		return nil
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.listSubs
	if c.msgSub != nil {
		subs = append(subs, c.msgSub)
	}
	var errs []error
	for _, sub := range subs {
		if err := c.realtime.Unsubscribe(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Scope.Topic(), err))
		}
	}
	c.listSubs, c.msgSub = nil, nil
	return errors.Join(errs...)
}
