package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// fakeStore
// ============================================================================

// fakeStore is an in-memory Store with just enough filter support for the
// queries issued by the stores and the controller.
type fakeStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]any

	// failInsert, when set, is consulted before every insert.
	failInsert func(table string) error
	// failSelect, when set, is consulted before every select.
	failSelect func(table string, q Query) error
	// beforeSelect runs outside the lock; tests use it to hold a fetch.
	beforeSelect func(table string, q Query)

	selects map[string]int
	inserts map[string]int
	updates []fakeUpdate
}

type fakeUpdate struct {
	Table   string
	Filters []Filter
	Patch   map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:  make(map[string][]map[string]any),
		selects: make(map[string]int),
		inserts: make(map[string]int),
	}
}

func (s *fakeStore) seed(table string, rows ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], toRow(r))
	}
}

func toRow(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		panic(err)
	}
	return row
}

// deleteRows removes the rows of table for which match returns true.
func (s *fakeStore) deleteRows(table string, match func(row map[string]any) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !match(row) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
}

func (s *fakeStore) rowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

func (s *fakeStore) selectCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects[table]
}

func (s *fakeStore) Select(ctx context.Context, table string, q Query) (json.RawMessage, error) {
	if s.beforeSelect != nil {
		s.beforeSelect(table, q)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects[table]++
	if s.failSelect != nil {
		if err := s.failSelect(table, q); err != nil {
			return nil, err
		}
	}

	var out []map[string]any
	for _, row := range s.tables[table] {
		if matchAll(row, q.Filters) {
			out = append(out, row)
		}
	}
	if q.Order != nil {
		col, asc := q.Order.Column, q.Order.Ascending
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][col], out[j][col]) < 0
			if !asc {
				return compareValues(out[i][col], out[j][col]) > 0
			}
			return less
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if out == nil {
		out = []map[string]any{}
	}
	return json.Marshal(out)
}

func (s *fakeStore) Insert(ctx context.Context, table string, rows any) (json.RawMessage, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	if data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	var batch []map[string]any
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts[table]++
	if s.failInsert != nil {
		if err := s.failInsert(table); err != nil {
			return nil, err
		}
	}
	for _, row := range batch {
		if table == TableParticipants {
			continue
		}
		if id, _ := row["id"].(string); id == "" {
			row["id"] = uuid.NewString()
		}
		for _, existing := range s.tables[table] {
			if existing["id"] == row["id"] {
				return nil, &APIError{Status: 409, Code: "23505", Message: "duplicate key value violates unique constraint"}
			}
		}
	}
	s.tables[table] = append(s.tables[table], batch...)
	return json.Marshal(batch)
}

func (s *fakeStore) Update(ctx context.Context, table string, filters []Filter, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fakeUpdate{Table: table, Filters: filters, Patch: patch})
	normalized := toRow(patch)
	for _, row := range s.tables[table] {
		if matchAll(row, filters) {
			for k, v := range normalized {
				row[k] = v
			}
		}
	}
	return nil
}

func (s *fakeStore) updatesFor(table string) []fakeUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeUpdate
	for _, u := range s.updates {
		if u.Table == table {
			out = append(out, u)
		}
	}
	return out
}

func matchAll(row map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(row, f) {
			return false
		}
	}
	return true
}

func matchFilter(row map[string]any, f Filter) bool {
	got := fmt.Sprint(row[f.Column])
	switch f.Op {
	case OpEq:
		return got == fmt.Sprint(f.Value)
	case OpNeq:
		return got != fmt.Sprint(f.Value)
	case OpIn:
		for _, v := range f.Value.([]string) {
			if got == v {
				return true
			}
		}
		return false
	case OpILike:
		needle := strings.ToLower(strings.Trim(fmt.Sprint(f.Value), "%"))
		return strings.Contains(strings.ToLower(got), needle)
	}
	return false
}

func compareValues(a, b any) int {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	ta, errA := time.Parse(time.RFC3339Nano, as)
	tb, errB := time.Parse(time.RFC3339Nano, bs)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(as, bs)
}

// ============================================================================
// fakeRealtime
// ============================================================================

type fakeRealtime struct {
	mu      sync.Mutex
	subs    map[string]fakeSub
	history []string // "+topic" / "-topic"
	failFor func(Scope) error

	reconnects notifier[struct{}]
}

type fakeSub struct {
	sub     *Subscription
	onEvent func(ChangeEvent)
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{subs: make(map[string]fakeSub)}
}

func (r *fakeRealtime) Subscribe(_ context.Context, scope Scope, onEvent func(ChangeEvent)) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor != nil {
		if err := r.failFor(scope); err != nil {
			return nil, err
		}
	}
	sub := &Subscription{ID: uuid.NewString(), Scope: scope}
	r.subs[sub.ID] = fakeSub{sub: sub, onEvent: onEvent}
	r.history = append(r.history, "+"+scope.Topic())
	return sub, nil
}

func (r *fakeRealtime) Unsubscribe(_ context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		delete(r.subs, sub.ID)
		r.history = append(r.history, "-"+sub.Scope.Topic())
	}
	return nil
}

func (r *fakeRealtime) OnReconnect(fn func()) (unsubscribe func()) {
	return r.reconnects.subscribe(func(struct{}) { fn() })
}

// reconnect reports a restored connection to OnReconnect listeners.
func (r *fakeRealtime) reconnect() {
	r.reconnects.notify(struct{}{})
}

// push delivers ev synchronously to every matching subscription.
func (r *fakeRealtime) push(ev ChangeEvent) int {
	r.mu.Lock()
	var targets []func(ChangeEvent)
	for _, s := range r.subs {
		if s.sub.Scope.Matches(ev) {
			targets = append(targets, s.onEvent)
		}
	}
	r.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
	return len(targets)
}

func (r *fakeRealtime) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.subs {
		out = append(out, s.sub.Scope.Topic())
	}
	sort.Strings(out)
	return out
}

func (r *fakeRealtime) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}

// ============================================================================
// Fixtures
// ============================================================================

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, conv, sender string, sec int) Message {
	return Message{ID: id, Content: "m-" + id, SenderID: sender, ConversationID: conv, CreatedAt: at(sec)}
}

func insertEvent(table string, row any) ChangeEvent {
	data, _ := json.Marshal(row)
	return ChangeEvent{Operation: OpInsert, Table: table, NewRow: data}
}

func updateEvent(table string, row any) ChangeEvent {
	data, _ := json.Marshal(row)
	return ChangeEvent{Operation: OpUpdate, Table: table, NewRow: data}
}

func deleteEvent(table string, old any) ChangeEvent {
	data, _ := json.Marshal(old)
	return ChangeEvent{Operation: OpDelete, Table: table, NewRow: json.RawMessage("{}"), OldRow: data}
}
