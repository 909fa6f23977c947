package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

var googleScopes = []string{gdrive.DriveReadonlyScope, gmail.GmailComposeScope}

// googleHTTPClient builds an authorized client from the OAuth client secrets
// and a previously stored token. Refreshed tokens are written back to tokenPath.
func googleHTTPClient(ctx context.Context, credentialsPath, tokenPath string) (*http.Client, error) {
	secrets, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(secrets, googleScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, err
	}

	ts := &savingTokenSource{
		base: conf.TokenSource(ctx, tok),
		path: tokenPath,
		last: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts)), nil
}

func googleServices(ctx context.Context, hc *http.Client) (*gdrive.Service, *gmail.Service, error) {
	driveSvc, err := gdrive.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, nil, fmt.Errorf("create drive service: %w", err)
	}
	gmailSvc, err := gmail.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, nil, fmt.Errorf("create gmail service: %w", err)
	}
	return driveSvc, gmailSvc, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read google token (complete the OAuth consent once and store the token at %s): %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse google token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("google token at %s has neither access nor refresh token", path)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal google token: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write google token: %w", err)
	}
	return os.Rename(tmp, path)
}

// savingTokenSource persists a token whenever the access token changes.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.path, tok); err != nil {
			slog.Warn("failed to persist refreshed google token", "error", err)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}
