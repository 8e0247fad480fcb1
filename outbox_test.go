package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outboxStorages(t *testing.T) map[string]OutboxStorage {
	t.Helper()
	bo, err := OpenBadgerOutbox(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bo.Close() })
	return map[string]OutboxStorage{
		"memory": NewMemoryOutbox(),
		"badger": bo,
	}
}

func TestOutboxStorage(t *testing.T) {
	for name, storage := range outboxStorages(t) {
		t.Run(name, func(t *testing.T) {
			_, err := storage.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			second := &OutboxOp{ID: "m2", ConversationID: "c1", Message: msg("m2", "c1", "me", 2), Status: OutboxFailed, CreatedAt: at(2)}
			first := &OutboxOp{ID: "m1", ConversationID: "c1", Message: msg("m1", "c1", "me", 1), Status: OutboxPending, CreatedAt: at(1)}
			require.NoError(t, storage.Put(second))
			require.NoError(t, storage.Put(first))

			got, err := storage.Get("m2")
			require.NoError(t, err)
			assert.Equal(t, OutboxFailed, got.Status)
			assert.Equal(t, "m-m2", got.Message.Content)

			ops, err := storage.List()
			require.NoError(t, err)
			require.Len(t, ops, 2)
			assert.Equal(t, "m1", ops[0].ID)

			require.NoError(t, storage.Delete("m1"))
			ops, err = storage.List()
			require.NoError(t, err)
			assert.Len(t, ops, 1)
		})
	}
}

func TestOutboxSubmit(t *testing.T) {
	t.Run("success removes the op", func(t *testing.T) {
		fs := newFakeStore()
		o := NewOutbox(nil, fs, nil)

		server, err := o.Submit(context.Background(), msg("m1", "c1", "me", 1))
		require.NoError(t, err)
		assert.Equal(t, "m1", server.ID)
		assert.Equal(t, MessageSent, server.Status)

		failed, err := o.Failed("")
		require.NoError(t, err)
		assert.Empty(t, failed)
		assert.Equal(t, 1, fs.rowCount(TableMessages))
	})

	t.Run("failure keeps a failed op that resends with the same id", func(t *testing.T) {
		fs := newFakeStore()
		fs.failInsert = func(string) error { return errors.New("offline") }
		o := NewOutbox(nil, fs, nil)

		_, err := o.Submit(context.Background(), msg("m1", "c1", "me", 1))
		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, "m1", sendErr.MessageID)

		failed, err := o.Failed("c1")
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 1, failed[0].Attempts)
		assert.Equal(t, "offline", failed[0].LastError)

		fs.failInsert = nil
		server, err := o.Resend(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, "m1", server.ID)
		assert.Equal(t, 1, fs.rowCount(TableMessages))

		failed, err = o.Failed("")
		require.NoError(t, err)
		assert.Empty(t, failed)
	})

	t.Run("conflict means the row already exists", func(t *testing.T) {
		fs := newFakeStore()
		fs.seed(TableMessages, msg("m1", "c1", "me", 1))
		o := NewOutbox(nil, fs, nil)

		server, err := o.Submit(context.Background(), msg("m1", "c1", "me", 1))
		require.NoError(t, err)
		assert.Equal(t, "m1", server.ID)
		assert.Equal(t, 1, fs.rowCount(TableMessages))
	})

	t.Run("resend of unknown op", func(t *testing.T) {
		o := NewOutbox(nil, newFakeStore(), nil)
		_, err := o.Resend(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs := newFakeStore()
	fs.failInsert = func(string) error { return errors.New("offline") }

	bo, err := OpenBadgerOutbox(dir, nil)
	require.NoError(t, err)
	_, err = NewOutbox(bo, fs, nil).Submit(context.Background(), msg("m1", "c1", "me", 1))
	require.Error(t, err)
	require.NoError(t, bo.Close())

	bo, err = OpenBadgerOutbox(dir, nil)
	require.NoError(t, err)
	defer bo.Close()

	failed, err := NewOutbox(bo, fs, nil).Failed("")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].ID)
}
