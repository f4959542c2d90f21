package litterrobot

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

const (
	// expirySafetyMargin shaves the advertised token lifetime so a token is
	// never presented within seconds of expiring.
	expirySafetyMargin = 10 * time.Second

	// The vendor design grows reauth backoff as 60s times the square of the
	// consecutive failure count, with no upper bound. The shape is kept but
	// capped for robustness.
	backoffUnit = 60 * time.Second
	backoffMax  = time.Hour

	loginTimeout = 30 * time.Second
)

// Credentials are the password-grant inputs for the vendor token endpoint.
type Credentials struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// SessionStore persists token state across process restarts.
type SessionStore interface {
	LoadSession(ctx context.Context) (model.SessionState, error)
	SaveSession(ctx context.Context, state model.SessionState) error
}

// Session owns authentication state for one account: token material,
// idempotent refresh, and backoff-driven reauthentication. All other cloud
// calls go through EnsureValid first; while disconnected they are refused
// rather than sent.
type Session struct {
	creds    Credentials
	tokenURL string
	store    SessionStore
	logger   *slog.Logger

	httpClient *http.Client

	// loginMu single-flights token exchanges; concurrent EnsureValid calls
	// on an expired session produce one login, not one each.
	loginMu sync.Mutex

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	userID       string
	connected    bool
	failures     int
	lastReason   string
	retryTimer   *time.Timer

	onDisconnect func(reason string)

	nowFn    func() time.Time
	schedule func(d time.Duration, fn func()) *time.Timer
}

// NewSession builds a session and restores persisted token state, if any.
// A restored unexpired token starts the session connected without a login
// round trip.
func NewSession(ctx context.Context, creds Credentials, tokenURL string, store SessionStore, logger *slog.Logger) *Session {
	s := &Session{
		creds:      creds,
		tokenURL:   tokenURL,
		store:      store,
		logger:     logger,
		httpClient: &http.Client{Timeout: loginTimeout},
		nowFn:      time.Now,
		schedule:   time.AfterFunc,
	}

	if store != nil {
		if saved, err := store.LoadSession(ctx); err == nil {
			s.refreshToken = saved.RefreshToken
			s.userID = saved.UserID
			// A stale token is dropped rather than carried disconnected;
			// a token is only ever held while the session is connected.
			if saved.AccessToken != "" && s.nowFn().Before(saved.ExpiresAt) {
				s.accessToken = saved.AccessToken
				s.expiresAt = saved.ExpiresAt
				s.connected = true
			}
		}
	}
	return s
}

// SetDisconnectHandler registers the hook invoked whenever a login attempt
// fails; the registry uses it to mark every tracked device disconnected.
func (s *Session) SetDisconnectHandler(fn func(reason string)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// Login performs the password-grant exchange. HTTP-level rejections come
// back as a typed *AuthError, never a panic; on any failure the session
// drops to disconnected, the failure counter grows and a retry is scheduled.
func (s *Session) Login(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	// Another caller may have completed the exchange while this one waited.
	if s.tokenValid() {
		return nil
	}

	cfg := &oauth2.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.tokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := cfg.PasswordCredentialsToken(ctx, s.creds.Username, s.creds.Password)
	if err != nil {
		authErr := classifyAuthError(err)
		s.loginFailed(authErr)
		return authErr
	}

	now := s.nowFn()
	expiresAt := token.Expiry.Add(-expirySafetyMargin)
	if token.Expiry.IsZero() {
		expiresAt = now.Add(time.Hour - expirySafetyMargin)
	}

	s.mu.Lock()
	s.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		s.refreshToken = token.RefreshToken
	}
	s.expiresAt = expiresAt
	s.connected = true
	s.failures = 0
	s.lastReason = ""
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, state)
	s.logger.Info("logged in", "expires_at", expiresAt)
	return nil
}

// EnsureValid re-authenticates with the stored credentials if the token is
// missing or expired, and is a no-op otherwise. Call it before every
// authenticated request.
func (s *Session) EnsureValid(ctx context.Context) error {
	if s.tokenValid() {
		return nil
	}
	return s.Login(ctx)
}

func (s *Session) tokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.accessToken != "" && s.nowFn().Before(s.expiresAt)
}

// Token returns the current access token; ok is false while disconnected.
func (s *Session) Token() (token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.accessToken == "" {
		return "", false
	}
	return s.accessToken, true
}

// Connected reports the session state and the last disconnect reason.
func (s *Session) Connected() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.lastReason
}

// Failures returns the consecutive login failure count.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// UserID returns the cached account id resolved from the /users endpoint.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetUserID caches the resolved account id and persists it with the tokens.
func (s *Session) SetUserID(ctx context.Context, id string) {
	s.mu.Lock()
	s.userID = id
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.persist(ctx, state)
}

// Invalidate drops the session to disconnected so the next EnsureValid
// performs a fresh login. Used when the API rejects a token the session
// still believed valid.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	s.accessToken = ""
	s.connected = false
	s.lastReason = reason
	s.mu.Unlock()
}

// Close cancels any pending reauth retry.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) loginFailed(authErr *AuthError) {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.expiresAt = time.Time{}
	s.connected = false
	s.failures++
	s.lastReason = authErr.Reason
	delay := retryDelay(s.failures)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = s.schedule(delay, s.retryLogin)
	failures := s.failures
	notify := s.onDisconnect
	s.mu.Unlock()

	s.logger.Warn("login failed",
		"kind", string(authErr.Kind), "reason", authErr.Reason,
		"failures", failures, "retry_in", delay)

	if notify != nil {
		notify(authErr.Reason)
	}
}

func (s *Session) retryLogin() {
	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()
	if err := s.Login(ctx); err != nil {
		s.logger.Warn("scheduled reauth failed", "err", err)
	}
}

// retryDelay grows quadratically with the consecutive failure count:
// 60s, 240s, 540s, ... capped at backoffMax.
func retryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := time.Duration(failures) * time.Duration(failures) * backoffUnit
	if delay > backoffMax || delay < 0 {
		return backoffMax
	}
	return delay
}

func (s *Session) snapshotLocked() model.SessionState {
	return model.SessionState{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		ExpiresAt:    s.expiresAt,
		UserID:       s.userID,
	}
}

func (s *Session) persist(ctx context.Context, state model.SessionState) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSession(ctx, state); err != nil {
		s.logger.Warn("persist session state failed", "err", err)
	}
}

func classifyAuthError(err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		body := string(retrieveErr.Body)
		switch retrieveErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return &AuthError{Kind: AuthInvalidCredentials, Reason: "invalid credentials: " + body}
		case http.StatusForbidden:
			return &AuthError{Kind: AuthForbidden, Reason: "forbidden: " + body}
		default:
			return &AuthError{Kind: AuthUnknown, Reason: "unexpected token response " + retrieveErr.Response.Status + ": " + body}
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &AuthError{Kind: AuthTimeout, Reason: "token endpoint timed out", Err: err}
	}
	return &AuthError{Kind: AuthUnknown, Reason: "token exchange failed", Err: err}
}
