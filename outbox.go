package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Outbox types
// ============================================================================

// OutboxStatus is the state of a queued write.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxOp is an optimistic message send that has not been confirmed yet.
// Its ID is the message id, so re-sending it never creates a second row.
type OutboxOp struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Message        Message      `json:"message"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"lastError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// OutboxStorage persists outbox operations.
type OutboxStorage interface {
	Put(op *OutboxOp) error
	Get(id string) (*OutboxOp, error)
	Delete(id string) error
	List() ([]*OutboxOp, error)
}

// ============================================================================
// MemoryOutbox
// ============================================================================

// MemoryOutbox is a goroutine-safe in-memory OutboxStorage.
type MemoryOutbox struct {
	mu  sync.RWMutex
	ops map[string]*OutboxOp
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{ops: make(map[string]*OutboxOp)}
}

func (s *MemoryOutbox) Put(op *OutboxOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryOutbox) Get(id string) (*OutboxOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryOutbox) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

func (s *MemoryOutbox) List() ([]*OutboxOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]*OutboxOp, 0, len(s.ops))
	for _, op := range s.ops {
		cp := *op
		ops = append(ops, &cp)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, nil
}

// ============================================================================
// Outbox
// ============================================================================

// Outbox writes optimistic messages to the store and remembers the ones that
// failed so they can be resent with their original id.
type Outbox struct {
	storage OutboxStorage
	store   Store
	log     *slog.Logger
}

// NewOutbox creates an outbox. A nil storage keeps operations in memory.
func NewOutbox(storage OutboxStorage, store Store, log *slog.Logger) *Outbox {
	if storage == nil {
		storage = NewMemoryOutbox()
	}
	if log == nil {
		log = discardLogger()
	}
	return &Outbox{storage: storage, store: store, log: log}
}

// Submit records msg and performs the remote insert. On success the operation
// is removed and the server's row is returned. On failure the operation is
// kept as failed and a *SendError is returned.
func (o *Outbox) Submit(ctx context.Context, msg Message) (Message, error) {
	op := &OutboxOp{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Status:         OutboxPending,
		CreatedAt:      time.Now(),
	}
	if err := o.storage.Put(op); err != nil {
		o.log.Warn("outbox persist failed", "message_id", msg.ID, "error", err)
	}
	return o.attempt(ctx, op)
}

// Resend re-attempts a failed operation with the same message id.
func (o *Outbox) Resend(ctx context.Context, id string) (Message, error) {
	op, err := o.storage.Get(id)
	if err != nil {
		return Message{}, fmt.Errorf("outbox op %s: %w", id, err)
	}
	op.Status = OutboxPending
	return o.attempt(ctx, op)
}

// Failed lists failed operations, optionally restricted to one conversation.
func (o *Outbox) Failed(convID string) ([]*OutboxOp, error) {
	ops, err := o.storage.List()
	if err != nil {
		return nil, err
	}
	var failed []*OutboxOp
	for _, op := range ops {
		if op.Status == OutboxFailed && (convID == "" || op.ConversationID == convID) {
			failed = append(failed, op)
		}
	}
	return failed, nil
}

// Discard forgets an operation without sending it.
func (o *Outbox) Discard(id string) error {
	return o.storage.Delete(id)
}

func (o *Outbox) attempt(ctx context.Context, op *OutboxOp) (Message, error) {
	op.Attempts++
	msg := op.Message
	msg.Status = ""

	rows, err := insertRows[Message](ctx, o.store, TableMessages, []Message{msg})
	if errors.Is(err, ErrConflict) {
		// an earlier attempt reached the server even though we saw an error
		o.log.Debug("message already stored", "message_id", op.ID)
		err, rows = nil, nil
	}
	if err != nil {
		op.Status = OutboxFailed
		op.LastError = err.Error()
		if perr := o.storage.Put(op); perr != nil {
			o.log.Warn("outbox persist failed", "message_id", op.ID, "error", perr)
		}
		o.log.Error("message send failed", "message_id", op.ID, "conversation_id", op.ConversationID, "attempts", op.Attempts, "error", err)
		return Message{}, &SendError{ConversationID: op.ConversationID, MessageID: op.ID, Err: err}
	}

	if derr := o.storage.Delete(op.ID); derr != nil {
		o.log.Warn("outbox delete failed", "message_id", op.ID, "error", derr)
	}
	server := op.Message
	if len(rows) > 0 {
		server = rows[0]
	}
	server.Status = MessageSent
	return server, nil
}
