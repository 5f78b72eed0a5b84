package auth

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Azure AD application registered for graphdrive (public client).
const defaultClientID = "c6f2d1a4-0e31-4f6e-9d44-7be1a2c0f58d"

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// DeviceAuth holds the device code response fields a CLI displays to the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login performs the device code OAuth2 flow:
//  1. Requests a device code
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Saves the token state to disk at tokenPath
//  5. Returns a Manager seeded with the obtained state
//
// The returned Manager persists every refreshed token back to tokenPath.
func Login(
	ctx context.Context,
	tokenPath string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*Manager, error) {
	cfg := oauthConfig()

	return doLogin(ctx, tokenPath, cfg, display, logger)
}

// doLogin implements the device code flow. Accepts a pre-built oauth2.Config
// so tests can inject a mock endpoint.
func doLogin(
	ctx context.Context,
	tokenPath string,
	cfg *oauth2.Config,
	display func(DeviceAuth),
	logger *slog.Logger,
) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting device code auth flow",
		slog.String("path", tokenPath),
	)

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, &Error{Op: "login", Err: err}
	}

	logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, &Error{Op: "login", Err: err}
	}

	state := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        strings.Join(cfg.Scopes, " "),
		ExpiresAt:    tok.Expiry,
	}

	if saveErr := SaveFile(tokenPath, state); saveErr != nil {
		return nil, &Error{Op: "login", Err: saveErr}
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", state.ExpiresAt),
	)

	return managerFromPath(state, tokenPath, cfg, logger), nil
}

// ManagerFromPath loads saved token state from tokenPath and returns a
// Manager with silent refresh and write-back persistence. Returns
// ErrNotLoggedIn if no token file exists.
func ManagerFromPath(tokenPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := LoadFile(tokenPath)
	if err != nil {
		return nil, err
	}

	if st == nil {
		return nil, ErrNotLoggedIn
	}

	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", st.ExpiresAt),
		slog.Bool("expired", !st.Valid(timeNow())),
	)

	return managerFromPath(*st, tokenPath, oauthConfig(), logger), nil
}

// managerFromPath builds a Manager whose OnChange writes refreshed state
// back to tokenPath.
func managerFromPath(state TokenState, tokenPath string, cfg *oauth2.Config, logger *slog.Logger) *Manager {
	return NewManager(state, ManagerConfig{
		TokenURL: cfg.Endpoint.TokenURL,
		ClientID: cfg.ClientID,
		Logger:   logger,
		OnChange: func(st TokenState) {
			if err := SaveFile(tokenPath, st); err != nil {
				logger.Warn("failed to persist refreshed token",
					slog.String("path", tokenPath),
					slog.String("error", err.Error()),
				)

				return
			}

			logger.Debug("persisted refreshed token",
				slog.String("path", tokenPath),
			)
		},
	})
}

func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: microsoft.AzureADEndpoint("common"),
	}
}
