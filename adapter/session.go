package fincharts

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// renewLeeway is subtracted from the token lifetime to schedule
	// renewal ahead of expiry.
	renewLeeway = 60 * time.Second

	// renewImmediately is the floor delay used when the token lifetime is
	// already inside the leeway window.
	renewImmediately = 1 * time.Second
)

// Session owns the platform authentication lifecycle: password-grant login,
// token persistence, scheduled renewal and logout. Every accepted token also
// (re)opens the attached streaming connection, and logout closes it.
type Session struct {
	oauth    *oauth2.Config
	username string
	password string
	store    TokenStore
	stream   StreamingClient
	http     *http.Client
	logger   *log.Logger

	mu         sync.Mutex
	token      string
	expiry     time.Time
	loggedIn   bool
	renewTimer *time.Timer

	statusMu   sync.Mutex
	statusSubs []chan bool
}

// NewSession creates a session for the given platform configuration.
// stream may be nil when no real-time connection is needed.
func NewSession(cfg Config, store TokenStore, stream StreamingClient, logger *log.Logger) *Session {
	return &Session{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.tokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: cfg.Username,
		password: cfg.Password,
		store:    store,
		stream:   stream,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// SetHTTPClient replaces the HTTP client used for authenticated calls.
func (s *Session) SetHTTPClient(client *http.Client) {
	s.http = client
}

// Authenticate performs the password grant and, on success, persists the
// token, arms the renewal timer and opens the streaming connection.
func (s *Session) Authenticate(ctx context.Context) error {
	// Route the grant through the session's HTTP client.
	grantCtx := context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := s.oauth.PasswordCredentialsToken(grantCtx, s.username, s.password)
	if err != nil {
		s.logger.Printf("Authenticate: password grant failed: %v", err)
		return fmt.Errorf("password grant failed: %w", err)
	}

	s.logger.Printf("Authenticate: token accepted, expires at %v", tok.Expiry)
	s.acceptToken(ctx, tok.AccessToken, tok.Expiry, true)
	return nil
}

// Restore resumes a persisted session if the stored token has not expired,
// falling back to a fresh login otherwise. The expiry check decodes the JWT
// exp claim without verification; a token that cannot be decoded is treated
// as expired.
func (s *Session) Restore(ctx context.Context) error {
	token, err := s.store.Load()
	if err != nil || token == "" {
		s.logger.Println("Restore: no stored token, logging in")
		return s.Authenticate(ctx)
	}

	expiry, ok := TokenExpiry(token)
	if !ok || !time.Now().Before(expiry) {
		s.logger.Println("Restore: stored token expired or unreadable, logging in")
		return s.Authenticate(ctx)
	}

	s.logger.Printf("Restore: resuming session, token expires at %v", expiry)
	s.acceptToken(ctx, token, expiry, false)
	return nil
}

// Renew re-runs the password grant. A failed renewal terminates the session.
func (s *Session) Renew(ctx context.Context) error {
	s.logger.Println("Renew: refreshing access token")
	if err := s.Authenticate(ctx); err != nil {
		s.logger.Printf("Renew: renewal failed, logging out: %v", err)
		s.Logout()
		return err
	}
	return nil
}

// Logout clears the session state, removes the persisted token and closes
// the streaming connection. Safe to call when already logged out.
func (s *Session) Logout() error {
	s.mu.Lock()
	if s.renewTimer != nil {
		s.renewTimer.Stop()
		s.renewTimer = nil
	}
	s.token = ""
	s.expiry = time.Time{}
	s.loggedIn = false
	s.mu.Unlock()

	err := s.store.Delete()
	if err != nil {
		s.logger.Printf("Logout: failed to delete stored token: %v", err)
	}

	if s.stream != nil {
		if cerr := s.stream.Close(); cerr != nil {
			s.logger.Printf("Logout: failed to close streaming connection: %v", cerr)
		}
	}

	s.setStatus(false)
	return err
}

// IsAuthenticated reports whether the session currently holds a token.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn || s.token == "" {
		return "", ErrNotAuthenticated
	}
	return s.token, nil
}

// Status subscribes to authentication state changes. The current value is
// delivered first, then every transition. Slow subscribers may miss
// intermediate transitions but always converge on the latest state.
func (s *Session) Status() <-chan bool {
	ch := make(chan bool, 1)

	s.statusMu.Lock()
	s.statusSubs = append(s.statusSubs, ch)
	s.statusMu.Unlock()

	s.mu.Lock()
	current := s.loggedIn
	s.mu.Unlock()

	ch <- current
	return ch
}

// Do executes an authenticated request. A 401 response invalidates the
// current token, attempts a single fresh login, and surfaces the rejection
// to the caller regardless of the re-login outcome.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := s.AccessToken()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		s.logger.Println("Do: request rejected with 401, invalidating token")
		s.invalidate()
		if lerr := s.Authenticate(ctx); lerr != nil {
			s.logger.Printf("Do: re-login after 401 failed: %v", lerr)
		}

		return nil, fmt.Errorf("%w: HTTP 401: %s", ErrTokenRejected, string(body))
	}

	return resp, nil
}

// acceptToken records a newly accepted token, optionally persists it, arms
// the renewal timer and reopens the streaming connection.
func (s *Session) acceptToken(ctx context.Context, token string, expiry time.Time, persist bool) {
	s.mu.Lock()
	s.token = token
	s.expiry = expiry
	s.loggedIn = true
	s.armRenewTimerLocked(renewalDelay(time.Until(expiry)))
	s.mu.Unlock()

	if persist {
		if err := s.store.Save(token); err != nil {
			s.logger.Printf("acceptToken: failed to persist token: %v", err)
		}
	}

	s.setStatus(true)

	if s.stream != nil {
		if err := s.stream.Open(ctx, token); err != nil {
			// Streaming failures do not fail the login; the session
			// stays valid for REST calls.
			s.logger.Printf("acceptToken: failed to open streaming connection: %v", err)
		}
	}
}

// invalidate drops the current token without touching the streaming
// connection; used on 401 before the re-login attempt.
func (s *Session) invalidate() {
	s.mu.Lock()
	if s.renewTimer != nil {
		s.renewTimer.Stop()
		s.renewTimer = nil
	}
	s.token = ""
	s.loggedIn = false
	s.mu.Unlock()

	if err := s.store.Delete(); err != nil {
		s.logger.Printf("invalidate: failed to delete stored token: %v", err)
	}
	s.setStatus(false)
}

// armRenewTimerLocked replaces the renewal timer. At most one timer is live
// at any moment; callers must hold s.mu.
func (s *Session) armRenewTimerLocked(delay time.Duration) {
	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	s.renewTimer = time.AfterFunc(delay, func() {
		if err := s.Renew(context.Background()); err != nil {
			s.logger.Printf("renew timer: %v", err)
		}
	})
	s.logger.Printf("Renewal scheduled in %v", delay)
}

// renewalDelay computes when to renew: renewLeeway before expiry, floored so
// an already short-lived token renews immediately instead of never.
func renewalDelay(lifetime time.Duration) time.Duration {
	delay := lifetime - renewLeeway
	if delay <= 0 {
		return renewImmediately
	}
	return delay
}

// setStatus broadcasts an authentication state transition to all status
// subscribers. Sends never block; a full subscriber channel drops the
// intermediate value.
func (s *Session) setStatus(loggedIn bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for _, ch := range s.statusSubs {
		select {
		case ch <- loggedIn:
		default:
			// Drain the stale value so the latest state lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- loggedIn:
			default:
			}
		}
	}
}
