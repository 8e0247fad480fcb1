package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MessagesChanged is emitted after any mutation of one conversation's sequence.
type MessagesChanged struct {
	ConversationID string
	Messages       []Message
}

// MessageStore holds per-conversation message sequences ordered by creation
// time. Appends are idempotent by message id.
type MessageStore struct {
	notifier[MessagesChanged]
	store Store
	log   *slog.Logger

	mu     sync.RWMutex
	byConv map[string][]Message
	// added records, per conversation and message id, the append counter
	// value at which the message was inserted individually.
	added   map[string]map[string]uint64
	appends uint64
}

// NewMessageStore creates an empty store backed by store.
func NewMessageStore(store Store, log *slog.Logger) *MessageStore {
	if log == nil {
		log = discardLogger()
	}
	return &MessageStore{
		notifier: notifier[MessagesChanged]{log: log},
		store:    store,
		log:      log,
		byConv:   make(map[string][]Message),
		added:    make(map[string]map[string]uint64),
	}
}

// Fetch reads a conversation's messages, oldest first, without touching local state.
func (s *MessageStore) Fetch(ctx context.Context, convID string) ([]Message, error) {
	msgs, err := selectRows[Message](ctx, s.store, TableMessages, Query{
		Filters: []Filter{Eq("conversation_id", convID)},
		Order:   &Order{Column: "created_at", Ascending: true},
	})
	if err != nil {
		return nil, &FetchError{Resource: "messages", ID: convID, Err: err}
	}
	for i := range msgs {
		msgs[i].Status = MessageSent
	}
	return msgs, nil
}

// Load fetches a conversation's messages and replaces the local sequence.
// Messages appended while the fetch was in flight survive the replacement.
func (s *MessageStore) Load(ctx context.Context, convID string) ([]Message, error) {
	mark := s.Mark()
	msgs, err := s.Fetch(ctx, convID)
	if err != nil {
		return nil, err
	}
	s.ReplaceIf(convID, msgs, mark, nil)
	return s.Messages(convID), nil
}

// Mark returns the current position in the store's append history. Take it
// before issuing a fetch and hand it to ReplaceIf with the fetched rows.
func (s *MessageStore) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// Replace swaps the local sequence for msgs. Local pending or failed messages
// that msgs does not contain are kept, so unsent messages stay visible.
func (s *MessageStore) Replace(convID string, msgs []Message) {
	s.ReplaceIf(convID, msgs, s.Mark(), nil)
}

// ReplaceIf is Replace guarded by keep, which is evaluated under the store
// lock. Messages appended after mark are kept as well: the fetch that produced
// msgs was issued before they arrived. It reports whether the replacement
// happened.
func (s *MessageStore) ReplaceIf(convID string, msgs []Message, mark uint64, keep func() bool) bool {
	s.mu.Lock()
	if keep != nil && !keep() {
		s.mu.Unlock()
		return false
	}
	fetched := lo.SliceToMap(msgs, func(m Message) (string, struct{}) { return m.ID, struct{}{} })
	added := s.added[convID]
	survivors := lo.Filter(s.byConv[convID], func(m Message, _ int) bool {
		if _, ok := fetched[m.ID]; ok {
			return false
		}
		return m.Status == MessagePending || m.Status == MessageFailed || added[m.ID] > mark
	})
	seq := lo.UniqBy(append(append([]Message(nil), msgs...), survivors...), func(m Message) string { return m.ID })
	sortMessages(seq)
	s.byConv[convID] = seq
	kept := lo.SliceToMap(survivors, func(m Message) (string, struct{}) { return m.ID, struct{}{} })
	for id := range added {
		if _, ok := kept[id]; !ok {
			delete(added, id)
		}
	}
	snapshot := s.snapshotLocked(convID)
	s.mu.Unlock()

	s.notify(MessagesChanged{ConversationID: convID, Messages: snapshot})
	return true
}

// Append inserts msg at its creation-time position. A message whose id is
// already present is ignored. It reports whether the sequence changed.
func (s *MessageStore) Append(convID string, msg Message) bool {
	s.mu.Lock()
	seq := s.byConv[convID]
	if lo.ContainsBy(seq, func(m Message) bool { return m.ID == msg.ID }) {
		s.mu.Unlock()
		s.log.Debug("duplicate message ignored", "conversation_id", convID, "message_id", msg.ID)
		return false
	}
	s.byConv[convID] = insertOrdered(seq, msg)
	s.recordLocked(convID, msg.ID)
	snapshot := s.snapshotLocked(convID)
	s.mu.Unlock()

	s.notify(MessagesChanged{ConversationID: convID, Messages: snapshot})
	return true
}

// MarkRead flags every message not sent by readerID as read. It returns the
// number of messages that changed; a second call returns zero.
func (s *MessageStore) MarkRead(convID, readerID string) int {
	s.mu.Lock()
	seq := s.byConv[convID]
	changed := 0
	for i := range seq {
		if seq[i].SenderID != readerID && !seq[i].Read {
			seq[i].Read = true
			changed++
		}
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	snapshot := s.snapshotLocked(convID)
	s.mu.Unlock()

	s.notify(MessagesChanged{ConversationID: convID, Messages: snapshot})
	return changed
}

// SetRead applies a pushed read flag to a single message.
func (s *MessageStore) SetRead(convID, msgID string, read bool) bool {
	return s.mutate(convID, msgID, func(m *Message) bool {
		if m.Read == read {
			return false
		}
		m.Read = read
		return true
	})
}

// SetStatus updates the local delivery status of a message.
func (s *MessageStore) SetStatus(convID, msgID string, status MessageStatus) bool {
	return s.mutate(convID, msgID, func(m *Message) bool {
		if m.Status == status {
			return false
		}
		m.Status = status
		return true
	})
}

// Reconcile replaces the optimistic message localID with the server's copy.
// When the server kept the id this only updates status and fields in place.
func (s *MessageStore) Reconcile(convID, localID string, server Message) {
	server.Status = MessageSent
	s.mu.Lock()
	seq := lo.Reject(s.byConv[convID], func(m Message, _ int) bool {
		return m.ID == localID || m.ID == server.ID
	})
	s.byConv[convID] = insertOrdered(seq, server)
	delete(s.added[convID], localID)
	s.recordLocked(convID, server.ID)
	snapshot := s.snapshotLocked(convID)
	s.mu.Unlock()

	s.notify(MessagesChanged{ConversationID: convID, Messages: snapshot})
}

// MatchPending finds a pending message that msg echoes: same sender and
// content, created within window of it. Used when the backend assigns its
// own ids on insert.
func (s *MessageStore) MatchPending(convID string, msg Message, window time.Duration) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byConv[convID] {
		if m.Status != MessagePending || m.ID == msg.ID {
			continue
		}
		if m.SenderID == msg.SenderID && m.Content == msg.Content && absDuration(m.CreatedAt.Sub(msg.CreatedAt)) <= window {
			return m.ID, true
		}
	}
	return "", false
}

// Get returns one message.
func (s *MessageStore) Get(convID, msgID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.byConv[convID], func(m Message) bool { return m.ID == msgID })
}

// Messages returns a copy of a conversation's sequence.
func (s *MessageStore) Messages(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(convID)
}

// Last returns the newest message of a conversation.
func (s *MessageStore) Last(convID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.byConv[convID]
	if len(seq) == 0 {
		return Message{}, false
	}
	return seq[len(seq)-1], true
}

// UnreadCount counts unread messages in convID not sent by userID.
func (s *MessageStore) UnreadCount(convID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.CountBy(s.byConv[convID], func(m Message) bool { return m.SenderID != userID && !m.Read })
}

// Drop forgets a conversation's sequence.
func (s *MessageStore) Drop(convID string) {
	s.mu.Lock()
	_, ok := s.byConv[convID]
	delete(s.byConv, convID)
	delete(s.added, convID)
	s.mu.Unlock()
	if ok {
		s.notify(MessagesChanged{ConversationID: convID})
	}
}

// OnChange registers a listener called after every mutation.
func (s *MessageStore) OnChange(fn func(MessagesChanged)) (unsubscribe func()) {
	return s.subscribe(fn)
}

func (s *MessageStore) mutate(convID, msgID string, fn func(*Message) bool) bool {
	s.mu.Lock()
	seq := s.byConv[convID]
	_, i, ok := lo.FindIndexOf(seq, func(m Message) bool { return m.ID == msgID })
	if !ok || !fn(&seq[i]) {
		s.mu.Unlock()
		return false
	}
	snapshot := s.snapshotLocked(convID)
	s.mu.Unlock()

	s.notify(MessagesChanged{ConversationID: convID, Messages: snapshot})
	return true
}

func (s *MessageStore) recordLocked(convID, msgID string) {
	s.appends++
	if s.added[convID] == nil {
		s.added[convID] = make(map[string]uint64)
	}
	s.added[convID][msgID] = s.appends
}

func (s *MessageStore) snapshotLocked(convID string) []Message {
	return append([]Message(nil), s.byConv[convID]...)
}

// insertOrdered places msg after every message created at or before it.
func insertOrdered(seq []Message, msg Message) []Message {
	i := sort.Search(len(seq), func(i int) bool { return seq[i].CreatedAt.After(msg.CreatedAt) })
	seq = append(seq, Message{})
	copy(seq[i+1:], seq[i:])
	seq[i] = msg
	return seq
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
