package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/memorylane/internal/voice"
)

// ClientSecret is an ephemeral credential valid for one session.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// TokenResponse is the body returned by a token endpoint. Both the camelCase
// shape served by this module and the upstream snake_case shape are accepted.
type TokenResponse struct {
	ClientSecret      *ClientSecret `json:"clientSecret,omitempty"`
	ClientSecretSnake *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret,omitempty"`
}

func (r TokenResponse) secret() ClientSecret {
	if r.ClientSecret != nil && r.ClientSecret.Value != "" {
		return *r.ClientSecret
	}
	if r.ClientSecretSnake != nil {
		return ClientSecret{Value: r.ClientSecretSnake.Value, ExpiresAt: r.ClientSecretSnake.ExpiresAt}
	}
	return ClientSecret{}
}

var errEmptySecret = errors.New("token response has no client secret")

// TokenClient requests credentials from a token endpoint such as
// POST /v1/realtime/token.
type TokenClient struct {
	url    string
	client *http.Client
}

func NewTokenClient(url string, client *http.Client) *TokenClient {
	return &TokenClient{url: strings.TrimSpace(url), client: newHTTPClient(client)}
}

func (c *TokenClient) IssueToken(ctx context.Context, req voice.TokenRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("issue token", res); err != nil {
		return "", err
	}

	var body TokenResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	secret := body.secret()
	if strings.TrimSpace(secret.Value) == "" {
		return "", errEmptySecret
	}
	return secret.Value, nil
}
