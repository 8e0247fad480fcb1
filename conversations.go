package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultConversationName names a new one-to-one conversation.
func DefaultConversationName(other Profile) string {
	return "Chat with " + other.Name
}

// ConversationStore holds the current user's conversations, most recently
// updated first. Each id appears at most once.
type ConversationStore struct {
	notifier[[]Conversation]
	store Store
	log   *slog.Logger

	mu    sync.RWMutex
	items []Conversation
}

// NewConversationStore creates an empty store backed by store.
func NewConversationStore(store Store, log *slog.Logger) *ConversationStore {
	if log == nil {
		log = discardLogger()
	}
	return &ConversationStore{
		notifier: notifier[[]Conversation]{log: log},
		store:    store,
		log:      log,
	}
}

// LoadForUser fetches the conversations userID participates in and replaces
// the local list. On error the local list is left unchanged.
func (s *ConversationStore) LoadForUser(ctx context.Context, userID string) ([]Conversation, error) {
	members, err := selectRows[Participant](ctx, s.store, TableParticipants, Query{
		Columns: []string{"conversation_id"},
		Filters: []Filter{Eq("user_id", userID)},
	})
	if err != nil {
		return nil, &FetchError{Resource: "participants", ID: userID, Err: err}
	}

	var convs []Conversation
	if ids := lo.Uniq(lo.Map(members, func(p Participant, _ int) string { return p.ConversationID })); len(ids) > 0 {
		convs, err = selectRows[Conversation](ctx, s.store, TableConversations, Query{
			Filters: []Filter{In("id", ids)},
			Order:   &Order{Column: "updated_at"},
		})
		if err != nil {
			return nil, &FetchError{Resource: "conversations", ID: userID, Err: err}
		}
	}

	convs = lo.UniqBy(convs, func(c Conversation) string { return c.ID })
	sortConversations(convs)

	s.mu.Lock()
	s.items = convs
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// Touch advances a conversation's updated timestamp. A timestamp that is not
// newer than the stored one is a no-op. It reports whether the store changed.
func (s *ConversationStore) Touch(id string, ts time.Time) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || !ts.After(s.items[i].UpdatedAt) {
		s.mu.Unlock()
		return false
	}
	s.items[i].UpdatedAt = ts
	sortConversations(s.items)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// Upsert inserts conv, or replaces the entry with the same id. The stored
// UpdatedAt never moves backwards.
func (s *ConversationStore) Upsert(conv Conversation) {
	s.mu.Lock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		if s.items[i].UpdatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = s.items[i].UpdatedAt
		}
		s.items[i] = conv
	} else {
		s.items = append(s.items, conv)
	}
	sortConversations(s.items)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
}

// Remove deletes the conversation with id. It reports whether it was present.
func (s *ConversationStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// Get returns the conversation with id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i], true
	}
	return Conversation{}, false
}

// Contains reports whether id is in the store.
func (s *ConversationStore) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// List returns a copy of the ordered conversation list.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Create inserts a conversation with the given members and adds it locally.
func (s *ConversationStore) Create(ctx context.Context, name, creatorID string, memberIDs ...string) (Conversation, error) {
	now := time.Now().UTC()
	created, err := insertRows[Conversation](ctx, s.store, TableConversations, []map[string]any{{
		"name":       name,
		"created_at": now,
		"updated_at": now,
	}})
	if err != nil {
		return Conversation{}, err
	}
	if len(created) == 0 {
		return Conversation{}, ErrNotFound
	}
	conv := created[0]

	ids := lo.Uniq(append([]string{creatorID}, memberIDs...))
	rows := lo.Map(ids, func(uid string, _ int) map[string]any {
		return map[string]any{"conversation_id": conv.ID, "user_id": uid}
	})
	if _, err := s.store.Insert(ctx, TableParticipants, rows); err != nil {
		return Conversation{}, err
	}

	s.Upsert(conv)
	return conv, nil
}

// ParticipantIDs lists the user ids that are members of convID.
func (s *ConversationStore) ParticipantIDs(ctx context.Context, convID string) ([]string, error) {
	members, err := selectRows[Participant](ctx, s.store, TableParticipants, Query{
		Columns: []string{"user_id"},
		Filters: []Filter{Eq("conversation_id", convID)},
	})
	if err != nil {
		return nil, &FetchError{Resource: "participants", ID: convID, Err: err}
	}
	return lo.Uniq(lo.Map(members, func(p Participant, _ int) string { return p.UserID })), nil
}

// OnChange registers a listener called with the ordered list after every mutation.
func (s *ConversationStore) OnChange(fn func([]Conversation)) (unsubscribe func()) {
	return s.subscribe(fn)
}

func (s *ConversationStore) indexLocked(id string) int {
	_, i, ok := lo.FindIndexOf(s.items, func(c Conversation) bool { return c.ID == id })
	if !ok {
		return -1
	}
	return i
}

func (s *ConversationStore) snapshotLocked() []Conversation {
	return append([]Conversation(nil), s.items...)
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
