package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

const outboxPrefix = "outbox:"

// BadgerOutbox is an OutboxStorage that survives restarts.
// Keys are "outbox:{message_id}".
type BadgerOutbox struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadgerOutbox opens (or creates) an outbox database in dir.
func OpenBadgerOutbox(dir string, log *slog.Logger) (*BadgerOutbox, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	return NewBadgerOutbox(db, log), nil
}

// NewBadgerOutbox wraps an open database.
func NewBadgerOutbox(db *badger.DB, log *slog.Logger) *BadgerOutbox {
	if log == nil {
		log = discardLogger()
	}
	return &BadgerOutbox{db: db, log: log}
}

func (s *BadgerOutbox) Put(op *OutboxOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(outboxPrefix+op.ID), data)
	})
}

func (s *BadgerOutbox) Get(id string) (*OutboxOp, error) {
	var op OutboxOp
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(outboxPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &op) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *BadgerOutbox) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(outboxPrefix + id))
	})
}

func (s *BadgerOutbox) List() ([]*OutboxOp, error) {
	var ops []*OutboxOp
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(outboxPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var op OutboxOp
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
				s.log.Warn("skipping unreadable outbox entry", "key", string(it.Item().Key()), "error", err)
				continue
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, nil
}

// Close closes the underlying database.
func (s *BadgerOutbox) Close() error {
	return s.db.Close()
}
