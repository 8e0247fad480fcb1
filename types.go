package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Tables
// ============================================================================

// Table names consumed by the sync core.
const (
	TableProfiles      = "profiles"
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
)

// ============================================================================
// Entities
// ============================================================================

// Profile is a user's public profile row.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
}

// Conversation is a conversation row. UpdatedAt drives recency ordering.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant is a membership row.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at,omitempty"`
}

// MessageStatus is the local delivery state of a message. It is never persisted.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Message is a message row. Only Read changes after creation.
type Message struct {
	ID             string        `json:"id" validate:"required"`
	Content        string        `json:"content" validate:"required"`
	SenderID       string        `json:"sender_id" validate:"required"`
	ConversationID string        `json:"conversation_id" validate:"required"`
	CreatedAt      time.Time     `json:"created_at"`
	Read           bool          `json:"read"`
	Status         MessageStatus `json:"-"`
}

// User is the identity attached to a session.
type User struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	ConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata    map[string]any `json:"user_metadata,omitempty"`
}

// EmailConfirmed reports whether the user confirmed their email address.
func (u User) EmailConfirmed() bool { return u.ConfirmedAt != nil && !u.ConfirmedAt.IsZero() }

// Name returns the display name supplied at sign-up, if any.
func (u User) Name() string {
	if n, ok := u.Metadata["name"].(string); ok {
		return n
	}
	return ""
}

// Session is an authenticated identity-provider session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"-"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// ============================================================================
// Query
// ============================================================================

// FilterOp is a comparison operator understood by every Store implementation.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNeq   FilterOp = "neq"
	OpIn    FilterOp = "in"
	OpILike FilterOp = "ilike"
)

// Filter restricts a query to rows whose Column compares to Value.
// Value is a string, or a []string for OpIn.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Neq builds an inequality filter.
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }

// In builds a membership filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// ILike builds a case-insensitive pattern filter. '%' is the wildcard.
func ILike(column, pattern string) Filter {
	return Filter{Column: column, Op: OpILike, Value: pattern}
}

// String renders the filter in column=op.value form, as used by realtime scopes.
func (f Filter) String() string {
	switch v := f.Value.(type) {
	case []string:
		return fmt.Sprintf("%s=%s.(%s)", f.Column, f.Op, strings.Join(v, ","))
	default:
		return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, v)
	}
}

// Order sorts query results by Column.
type Order struct {
	Column    string
	Ascending bool
}

// Query describes a select against one table.
type Query struct {
	Columns []string
	Filters []Filter
	Order   *Order
	Limit   int
}

// ============================================================================
// Change events
// ============================================================================

// Operation is the kind of row change carried by a ChangeEvent.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpAny    Operation = "*"
)

// ChangeEvent is a row change pushed by a Realtime channel.
type ChangeEvent struct {
	Operation Operation       `json:"type"`
	Table     string          `json:"table"`
	NewRow    json.RawMessage `json:"record,omitempty"`
	OldRow    json.RawMessage `json:"old_record,omitempty"`
}

// Decode unmarshals the new row (or the old row for deletes) into v.
func (e ChangeEvent) Decode(v any) error {
	row := e.NewRow
	if len(row) == 0 || string(row) == "null" || string(row) == "{}" {
		row = e.OldRow
	}
	if len(row) == 0 {
		return fmt.Errorf("change event on %s carries no row", e.Table)
	}
	return json.Unmarshal(row, v)
}

// Scope selects which change events a subscription receives.
type Scope struct {
	Table     string
	Operation Operation
	Filter    *Filter
}

// Topic returns a stable channel name for the scope.
func (s Scope) Topic() string {
	topic := "public:" + s.Table
	if s.Filter != nil {
		topic += ":" + s.Filter.String()
	}
	return topic
}

// Matches reports whether ev falls inside the scope. Only OpEq filters are
// evaluated against the row; other operators match everything.
func (s Scope) Matches(ev ChangeEvent) bool {
	if s.Table != ev.Table {
		return false
	}
	if s.Operation != "" && s.Operation != OpAny && s.Operation != ev.Operation {
		return false
	}
	if s.Filter == nil || s.Filter.Op != OpEq {
		return true
	}
	var row map[string]any
	if err := ev.Decode(&row); err != nil {
		return false
	}
	return fmt.Sprint(row[s.Filter.Column]) == fmt.Sprint(s.Filter.Value)
}

// Subscription is a live realtime subscription handle.
type Subscription struct {
	ID    string
	Scope Scope
}
