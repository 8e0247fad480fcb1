package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
)

// MinPasswordLength is the shortest password accepted by SignUp and SignIn.
const MinPasswordLength = 6

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// AuthClient is the IdentityProvider backed by the auth API. A successful
// sign-in switches the parent client's requests to the user's access token.
type AuthClient struct {
	notifier[*Session]
	client   *Client
	validate *validator.Validate
	now      func() time.Time

	mu      sync.RWMutex
	session *Session
}

func newAuthClient(c *Client) *AuthClient {
	return &AuthClient{
		notifier: notifier[*Session]{log: c.log},
		client:   c,
		validate: validator.New(),
		now:      time.Now,
	}
}

// SignUp registers a new account. attrs is stored as user metadata; the
// display name goes under "name". When the backend requires email
// confirmation no session is returned and (nil, nil) is the result.
func (a *AuthClient) SignUp(ctx context.Context, email, password string, attrs map[string]any) (*Session, error) {
	creds := credentials{Email: strings.TrimSpace(email), Password: password}
	if err := a.validate.Struct(creds); err != nil {
		return nil, &AuthError{Reason: AuthInvalidInput, Message: describeValidation(err), Err: err}
	}

	payload := map[string]any{"email": creds.Email, "password": creds.Password}
	if len(attrs) > 0 {
		payload["data"] = attrs
	}
	data, err := a.client.doRequest(ctx, http.MethodPost, authPath+"/signup", payload, nil, nil)
	if err != nil {
		return nil, authFailure(err)
	}

	sess, err := decodeJSON[Session](data)
	if err != nil {
		return nil, &AuthError{Reason: AuthUnavailable, Message: "unexpected sign-up response", Err: err}
	}
	if sess.AccessToken == "" {
		a.client.log.Info("sign-up pending email confirmation", "email", creds.Email)
		return nil, nil
	}
	return a.setSession(sess)
}

// SignIn authenticates with email and password.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	creds := credentials{Email: strings.TrimSpace(email), Password: password}
	if err := a.validate.Struct(creds); err != nil {
		return nil, &AuthError{Reason: AuthInvalidInput, Message: describeValidation(err), Err: err}
	}

	query := url.Values{"grant_type": {"password"}}
	data, err := a.client.doRequest(ctx, http.MethodPost, authPath+"/token", creds, query, nil)
	if err != nil {
		return nil, authFailure(err)
	}
	sess, err := decodeJSON[Session](data)
	if err != nil {
		return nil, &AuthError{Reason: AuthUnavailable, Message: "unexpected sign-in response", Err: err}
	}
	return a.setSession(sess)
}

// Restore installs a previously persisted session, e.g. one read from disk.
// An expired session is rejected with ErrNoSession.
func (a *AuthClient) Restore(sess *Session) (*Session, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, ErrNoSession
	}
	return a.setSession(sess)
}

// GetSession returns the current session, or nil when signed out.
func (a *AuthClient) GetSession() *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// SignOut revokes the session remotely (best effort) and clears it locally.
func (a *AuthClient) SignOut(ctx context.Context) error {
	a.mu.Lock()
	had := a.session != nil
	a.mu.Unlock()
	if !had {
		return nil
	}

	var err error
	if _, rerr := a.client.doRequest(ctx, http.MethodPost, authPath+"/logout", nil, nil, nil); rerr != nil {
		a.client.log.Warn("remote sign-out failed", "error", rerr)
		err = rerr
	}

	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	a.client.SetToken("")
	a.notify(nil)
	return err
}

// OnSession registers a listener called with every new session and with nil
// on sign-out.
func (a *AuthClient) OnSession(fn func(*Session)) (unsubscribe func()) {
	return a.subscribe(fn)
}

func (a *AuthClient) setSession(sess *Session) (*Session, error) {
	if err := fillFromToken(sess); err != nil {
		return nil, &AuthError{Reason: AuthUnavailable, Message: "malformed access token", Err: err}
	}
	if sess.Expired(a.now()) {
		return nil, ErrNoSession
	}

	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	a.client.SetToken(sess.AccessToken)
	a.notify(sess)
	return sess, nil
}

// fillFromToken completes the session from the access token's claims. The
// token is not verified here; the backend verifies it on every request.
func fillFromToken(sess *Session) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, claims); err != nil {
		return err
	}
	if sess.User.ID == "" {
		sub, err := claims.GetSubject()
		if err != nil {
			return err
		}
		sess.User.ID = sub
	}
	if sess.User.Email == "" {
		if email, ok := claims["email"].(string); ok {
			sess.User.Email = email
		}
	}
	if sess.ExpiresAt.IsZero() {
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return err
		}
		if exp != nil {
			sess.ExpiresAt = exp.Time
		}
	}
	if sess.User.ID == "" {
		return errors.New("access token carries no subject")
	}
	return nil
}

// authFailure classifies a rejected auth request.
func authFailure(err error) *AuthError {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &AuthError{Reason: AuthUnavailable, Message: "auth service unreachable", Err: err}
	}
	text := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	switch {
	case strings.Contains(text, "email_not_confirmed") || strings.Contains(text, "email not confirmed"):
		return &AuthError{Reason: AuthEmailNotConfirmed, Message: "email not confirmed", Err: err}
	case strings.Contains(text, "invalid_grant") || strings.Contains(text, "invalid_credentials") ||
		strings.Contains(text, "invalid login credentials"):
		return &AuthError{Reason: AuthInvalidCredentials, Message: "invalid email or password", Err: err}
	case apiErr.Status >= 500:
		return &AuthError{Reason: AuthUnavailable, Message: apiErr.Message, Err: err}
	default:
		return &AuthError{Reason: AuthInvalidInput, Message: apiErr.Message, Err: err}
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	switch fe := verrs[0]; fe.Field() {
	case "Email":
		return "a valid email address is required"
	case "Password":
		return fmt.Sprintf("password must be at least %d characters", MinPasswordLength)
	default:
		return fe.Error()
	}
}
