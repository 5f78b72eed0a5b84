// Package auth manages the OAuth2 token lifecycle for the SDK: expiry
// gating, the refresh exchange, persistence of tokens to disk, and the
// interactive device-code login flow. Every request path in the SDK funnels
// through Manager.Token, which guarantees a fresh access token or fails
// with *Error.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// timeNow is a test hook for the package-level clock.
var timeNow = time.Now

// expiryMargin is subtracted from the token's expiry when deciding whether
// it is still usable. A token within the margin is treated as expired so a
// request never departs with a token about to lapse in flight.
const expiryMargin = 60 * time.Second

// ErrNotLoggedIn is returned when no token is available at all — the caller
// must run the login flow first.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// ErrNoRefreshToken is returned when the access token has expired and no
// refresh token was issued, so a silent refresh is impossible.
var ErrNoRefreshToken = errors.New("auth: token expired and no refresh token available")

// Error is the authentication failure type. It wraps the underlying cause
// (network error, server rejection) — use errors.As to detect it and abort
// the in-flight operation; the SDK never retries a failed refresh.
type Error struct {
	Op  string // "refresh", "login"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TokenState is a snapshot of the credentials the SDK holds. ExpiresAt is
// always an absolute instant derived from the issuance time plus the
// server-reported lifetime; it is only ever replaced wholesale by a refresh
// exchange, never adjusted piecemeal.
type TokenState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the state holds a usable access token at instant now,
// honoring the safety margin.
func (s TokenState) Valid(now time.Time) bool {
	if s.AccessToken == "" {
		return false
	}

	return s.ExpiresAt.IsZero() || now.Add(expiryMargin).Before(s.ExpiresAt)
}

// Manager owns a TokenState for the lifetime of a client and keeps it fresh.
// It is safe for concurrent use: the check-then-refresh sequence runs under
// a single mutex, so N callers observing an expired token cause exactly one
// refresh exchange, and every caller that arrived during the refresh
// observes the refreshed token afterward.
type Manager struct {
	tokenURL   string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
	onChange   func(TokenState)
	now        func() time.Time

	mu    sync.Mutex
	state TokenState
}

// ManagerConfig carries the collaborators a Manager needs. HTTPClient and
// Logger may be nil; OnChange, when set, is invoked with every refreshed
// state so the caller can persist it.
type ManagerConfig struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
	Logger     *slog.Logger
	OnChange   func(TokenState)
}

// NewManager creates a Manager seeded with pre-obtained token state.
func NewManager(state TokenState, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Manager{
		tokenURL:   cfg.TokenURL,
		clientID:   cfg.ClientID,
		httpClient: httpClient,
		logger:     logger,
		onChange:   cfg.OnChange,
		now:        time.Now,
		state:      state,
	}
}

// Current returns a copy of the token state.
func (m *Manager) Current() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Expired reports whether the access token is missing or within the safety
// margin of its expiry.
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.state.Valid(m.now())
}

// EnsureFresh checks expiry and, if needed, performs one synchronous refresh
// exchange, atomically replacing the whole token state. A failed refresh is
// returned as *Error; the caller's operation must abort rather than proceed
// with a stale token. No retry is attempted here — retry policy belongs to
// the caller.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Valid(m.now()) {
		return nil
	}

	return m.refreshLocked(ctx)
}

// Token returns a fresh access token for the Authorization header,
// refreshing first when necessary.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Valid(m.now()) {
		if err := m.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	return m.state.AccessToken, nil
}

// tokenResponse mirrors the OAuth2 token endpoint JSON.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenErrorResponse mirrors the OAuth2 error JSON.
type tokenErrorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// refreshLocked performs the refresh_token grant. Caller must hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.state.AccessToken == "" && m.state.RefreshToken == "" {
		return &Error{Op: "refresh", Err: ErrNotLoggedIn}
	}

	if m.state.RefreshToken == "" {
		return &Error{Op: "refresh", Err: ErrNoRefreshToken}
	}

	m.logger.Info("refreshing access token",
		slog.Time("old_expiry", m.state.ExpiresAt),
	)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", m.clientID)
	form.Set("refresh_token", m.state.RefreshToken)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return &Error{Op: "refresh", Err: err}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &Error{Op: "refresh", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: "refresh", Err: fmt.Errorf("reading token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenErrorResponse
		if json.Unmarshal(body, &te) == nil && te.Code != "" {
			return &Error{Op: "refresh", Err: fmt.Errorf("%s: %s", te.Code, te.Description)}
		}

		return &Error{Op: "refresh", Err: fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return &Error{Op: "refresh", Err: fmt.Errorf("decoding token response: %w", err)}
	}

	if tr.AccessToken == "" {
		return &Error{Op: "refresh", Err: errors.New("token response missing access_token")}
	}

	next := TokenState{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAt:    m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	// A refresh response may omit the refresh token; the old one stays valid.
	if next.RefreshToken == "" {
		next.RefreshToken = m.state.RefreshToken
	}

	if next.TokenType == "" {
		next.TokenType = m.state.TokenType
	}

	m.state = next

	m.logger.Info("access token refreshed",
		slog.Time("new_expiry", next.ExpiresAt),
	)

	if m.onChange != nil {
		m.onChange(next)
	}

	return nil
}
