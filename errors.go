package chatsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinels
// ============================================================================

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrNoSession            = errors.New("no active session")
	ErrNotConnected         = errors.New("not connected")
	ErrNotReady             = errors.New("controller is not ready")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrNotFailed            = errors.New("message is not in failed state")
)

// ============================================================================
// Backend errors
// ============================================================================

// APIError is an error body returned by the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is maps unique violations to ErrConflict and empty single-row results to ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Code == "23505" || e.Status == 409
	case ErrNotFound:
		return e.Code == "PGRST116" || e.Status == 404
	}
	return false
}

// ============================================================================
// Taxonomy
// ============================================================================

// AuthReason classifies an AuthError.
type AuthReason string

const (
	AuthInvalidCredentials AuthReason = "invalid_credentials"
	AuthEmailNotConfirmed  AuthReason = "email_not_confirmed"
	AuthInvalidInput       AuthReason = "invalid_input"
	AuthUnavailable        AuthReason = "unavailable"
)

// AuthError is a sign-up or sign-in failure. It is shown to the user and not retried.
type AuthError struct {
	Reason  AuthReason
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "auth: " + string(e.Reason)
	}
	return "auth: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError is a failed load. Local state is left unchanged and the caller may retry.
type FetchError struct {
	Resource string
	ID       string
	Err      error
}

func (e *FetchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError is a remote write that failed after the optimistic append. The
// message stays in the store flagged failed and can be resent with the same id.
type SendError struct {
	ConversationID string
	MessageID      string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s in %s: %v", e.MessageID, e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
