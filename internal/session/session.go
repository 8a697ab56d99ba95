// Package session authenticates against the broker and hands out the
// session handle used by the market data and order gateways.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp/totp"

	"rsitrader/pkg/smartconnect"
)

// Credentials are the broker login inputs.
type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	BaseURL    string // empty means the production API
}

func (c Credentials) validate() error {
	if c.APIKey == "" || c.ClientCode == "" || c.Password == "" || c.TOTPSecret == "" {
		return errors.New("session: api key, client code, password and TOTP secret are required")
	}
	return nil
}

// Session is an authenticated broker session.
type Session struct {
	Client       *smartconnect.SmartConnect
	ClientCode   string
	JWT          string
	FeedToken    string
	RefreshToken string
	CreatedAt    time.Time
}

// Login generates a TOTP code for now and opens a session.
func Login(ctx context.Context, creds Credentials, now time.Time) (*Session, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	code, err := totp.GenerateCode(creds.TOTPSecret, now)
	if err != nil {
		return nil, fmt.Errorf("session: TOTP generation failed: %w", err)
	}

	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: creds.APIKey, RootURL: creds.BaseURL})
	tokens, err := sc.GenerateSession(ctx, creds.ClientCode, creds.Password, code)
	if err != nil {
		return nil, fmt.Errorf("session: login failed: %w", err)
	}
	sc.SessionExpiryHook = func() {
		slog.Warn("broker session expired", "client", creds.ClientCode)
	}

	slog.Info("broker session opened", "client", creds.ClientCode)
	return &Session{
		Client:       sc,
		ClientCode:   creds.ClientCode,
		JWT:          tokens.JWTToken,
		FeedToken:    tokens.FeedToken,
		RefreshToken: tokens.RefreshToken,
		CreatedAt:    now,
	}, nil
}

// Close logs the session out. Errors are logged, not returned: a run's
// result must not depend on logout.
func (s *Session) Close(ctx context.Context) {
	if s == nil || s.Client == nil {
		return
	}
	if err := s.Client.TerminateSession(ctx); err != nil {
		slog.Warn("broker logout failed", "client", s.ClientCode, "error", err)
	}
}

// StreamConfig returns the websocket credentials for this session.
func (s *Session) StreamConfig() smartconnect.StreamConfig {
	return smartconnect.StreamConfig{
		AuthToken:  s.JWT,
		APIKey:     s.Client.APIKey(),
		ClientCode: s.ClientCode,
		FeedToken:  s.FeedToken,
	}
}
