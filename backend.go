package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// IdentityProvider issues and tracks user sessions.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string, attrs map[string]any) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	GetSession() *Session
	SignOut(ctx context.Context) error
	OnSession(fn func(*Session)) (unsubscribe func())
}

// Store is the relational table API. Select and Insert return a JSON array of rows.
type Store interface {
	Select(ctx context.Context, table string, q Query) (json.RawMessage, error)
	Insert(ctx context.Context, table string, rows any) (json.RawMessage, error)
	Update(ctx context.Context, table string, filters []Filter, patch map[string]any) error
}

// Realtime delivers row changes for a scope, at least once and unordered.
type Realtime interface {
	Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error
}

func selectRows[T any](ctx context.Context, store Store, table string, q Query) ([]T, error) {
	data, err := store.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	return decodeRows[T](data)
}

func insertRows[T any](ctx context.Context, store Store, table string, rows any) ([]T, error) {
	data, err := store.Insert(ctx, table, rows)
	if err != nil {
		return nil, err
	}
	return decodeRows[T](data)
}

func decodeRows[T any](data json.RawMessage) ([]T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	return rows, nil
}
