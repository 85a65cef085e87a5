package caldav

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
)

const googleTokenEndpoint = "https://oauth2.googleapis.com/token"

// tokenSource holds the account's OAuth credentials and mints fresh access
// tokens when the current one expires or the server rejects it. Every mint
// is reported through the observer so the new pair is persisted before the
// session continues; the refreshed token keeps the same connection alive,
// no reconnect happens.
type tokenSource struct {
	accountID    string
	clientID     string
	clientSecret string
	endpoint     string
	http         *http.Client
	observer     TokenObserver
	logger       *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
}

func newTokenSource(account models.Account, httpClient *http.Client, observer TokenObserver, logger *zap.Logger) *tokenSource {
	ts := &tokenSource{
		accountID:    account.ID,
		clientID:     *account.ClientID,
		clientSecret: *account.ClientSecret,
		endpoint:     googleTokenEndpoint,
		http:         httpClient,
		observer:     observer,
		logger:       logger,
		refreshToken: *account.RefreshToken,
	}
	if account.AccessToken != nil {
		ts.accessToken = *account.AccessToken
	}
	if account.TokenExpiry != nil {
		ts.expiry = *account.TokenExpiry
	}
	return ts
}

func (t *tokenSource) apply(req *http.Request) error {
	token, err := t.token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *tokenSource) retryAuth(ctx context.Context, _ *http.Request) (bool, error) {
	// The server rejected the current token; force a mint and let the
	// caller rebuild the request.
	if err := t.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (t *tokenSource) token(ctx context.Context) (string, error) {
	t.mu.Lock()
	valid := t.accessToken != "" && time.Until(t.expiry) > 30*time.Second
	token := t.accessToken
	t.mu.Unlock()

	if valid {
		return token, nil
	}
	if err := t.refresh(ctx); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (t *tokenSource) refresh(ctx context.Context) error {
	t.mu.Lock()
	refreshToken := t.refreshToken
	t.mu.Unlock()

	data := url.Values{}
	data.Set("client_id", t.clientID)
	data.Set("client_secret", t.clientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh rejected: %s", strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	t.mu.Lock()
	t.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		t.refreshToken = tr.RefreshToken
	}
	t.expiry = expiry
	pair := models.TokenPair{
		AccessToken:  t.accessToken,
		RefreshToken: t.refreshToken,
		Expiry:       expiry,
	}
	t.mu.Unlock()

	t.logger.Debug("access token refreshed", zap.String("account_id", t.accountID))
	if t.observer != nil {
		t.observer(t.accountID, pair)
	}
	return nil
}
