package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jobrunner/orbis/internal/domain"
)

// Provider attaches credentials to outgoing requests.
type Provider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Basic authenticates with username and password.
type Basic struct {
	User     string
	Password string
}

// Apply implements Provider.
func (b *Basic) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(b.User, b.Password)
	return nil
}

// refreshSkew renews a bearer token this long before it expires.
const refreshSkew = time.Minute

// Bearer exchanges an API key for a JWT and renews it before expiry.
type Bearer struct {
	client   *http.Client
	tokenURL string
	user     string
	apiKey   string

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewBearer creates a bearer provider that posts to tokenURL.
func NewBearer(client *http.Client, tokenURL, user, apiKey string) *Bearer {
	return &Bearer{
		client:   client,
		tokenURL: tokenURL,
		user:     user,
		apiKey:   apiKey,
		now:      time.Now,
	}
}

type tokenRequest struct {
	APIKey   string `json:"apiKey"`
	ClientID string `json:"client_id,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Apply implements Provider.
func (b *Bearer) Apply(ctx context.Context, req *http.Request) error {
	tok, err := b.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns a valid access token, fetching a new one when the cached
// token is missing or about to expire.
func (b *Bearer) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.now().Add(refreshSkew).Before(b.expires) {
		return b.token, nil
	}

	body, err := json.Marshal(tokenRequest{APIKey: b.apiKey, ClientID: b.user})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &domain.APIError{Operation: "token", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.APIError{Operation: "token", StatusCode: resp.StatusCode, Message: "api key exchange rejected"}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &domain.APIError{Operation: "token", StatusCode: resp.StatusCode, Message: "empty access token"}
	}

	b.token = tr.AccessToken
	b.expires = b.expiry(tr)
	return b.token, nil
}

// expiry prefers the exp claim of the JWT and falls back to expires_in.
func (b *Bearer) expiry(tr tokenResponse) time.Time {
	tok, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, jwt.MapClaims{})
	if err == nil {
		if exp, err := tok.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if tr.ExpiresIn > 0 {
		return b.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return b.now().Add(refreshSkew * 5)
}
