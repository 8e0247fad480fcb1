package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convIDs(convs []Conversation) []string {
	return lo.Map(convs, func(c Conversation, _ int) string { return c.ID })
}

func conv(id string, updatedSec int) Conversation {
	return Conversation{ID: id, Name: "conv " + id, CreatedAt: at(0), UpdatedAt: at(updatedSec)}
}

func seedMembership(fs *fakeStore, userID string, convs ...Conversation) {
	for _, c := range convs {
		fs.seed(TableConversations, c)
		fs.seed(TableParticipants, Participant{ConversationID: c.ID, UserID: userID})
	}
}

func TestConversationStoreLoadForUser(t *testing.T) {
	t.Run("only member conversations, newest first", func(t *testing.T) {
		fs := newFakeStore()
		seedMembership(fs, "me", conv("a", 1), conv("b", 3), conv("c", 2))
		fs.seed(TableConversations, conv("foreign", 9))
		s := NewConversationStore(fs, nil)

		convs, err := s.LoadForUser(context.Background(), "me")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, convIDs(convs))
	})

	t.Run("no memberships skips the conversation query", func(t *testing.T) {
		fs := newFakeStore()
		s := NewConversationStore(fs, nil)

		convs, err := s.LoadForUser(context.Background(), "me")
		require.NoError(t, err)
		assert.Empty(t, convs)
		assert.Equal(t, 0, fs.selectCount(TableConversations))
	})

	t.Run("failure keeps the previous list", func(t *testing.T) {
		fs := newFakeStore()
		seedMembership(fs, "me", conv("a", 1))
		s := NewConversationStore(fs, nil)
		_, err := s.LoadForUser(context.Background(), "me")
		require.NoError(t, err)

		fs.failSelect = func(table string, _ Query) error {
			if table == TableConversations {
				return errors.New("offline")
			}
			return nil
		}
		_, err = s.LoadForUser(context.Background(), "me")
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "conversations", fetchErr.Resource)
		assert.Equal(t, []string{"a"}, convIDs(s.List()))
	})
}

func TestConversationStoreTouch(t *testing.T) {
	s := NewConversationStore(newFakeStore(), nil)
	s.Upsert(conv("a", 2))
	s.Upsert(conv("b", 1))
	require.Equal(t, []string{"a", "b"}, convIDs(s.List()))

	var notified int
	s.OnChange(func([]Conversation) { notified++ })

	assert.True(t, s.Touch("b", at(5)))
	assert.Equal(t, []string{"b", "a"}, convIDs(s.List()))

	t.Run("older timestamp is a no-op", func(t *testing.T) {
		assert.False(t, s.Touch("b", at(4)))
		got, _ := s.Get("b")
		assert.Equal(t, at(5), got.UpdatedAt)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.False(t, s.Touch("zzz", at(10)))
	})

	assert.Equal(t, 1, notified)
}

func TestConversationStoreUpsert(t *testing.T) {
	s := NewConversationStore(newFakeStore(), nil)
	s.Upsert(conv("a", 5))

	renamed := conv("a", 1)
	renamed.Name = "renamed"
	s.Upsert(renamed)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, at(5), got.UpdatedAt)
	assert.Len(t, s.List(), 1)
}

func TestConversationStoreRemove(t *testing.T) {
	s := NewConversationStore(newFakeStore(), nil)
	s.Upsert(conv("a", 1))
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.False(t, s.Contains("a"))
}

func TestConversationStoreCreate(t *testing.T) {
	fs := newFakeStore()
	s := NewConversationStore(fs, nil)

	c, err := s.Create(context.Background(), "Chat with Bob", "me", "bob", "me")
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.True(t, s.Contains(c.ID))
	assert.Equal(t, 2, fs.rowCount(TableParticipants))

	members, err := s.ParticipantIDs(context.Background(), c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"me", "bob"}, members)
}

func TestDefaultConversationName(t *testing.T) {
	assert.Equal(t, "Chat with Bob", DefaultConversationName(Profile{ID: "bob", Name: "Bob"}))
}
