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

// MinterConfig holds the server-side credentials used to mint tokens.
type MinterConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
}

// Minter creates ephemeral sessions upstream with the server API key. It is
// the server half of the token issuer and never hands out the API key.
type Minter struct {
	cfg    MinterConfig
	client *http.Client
}

var ErrMissingAPIKey = errors.New("realtime api key is not configured")

func NewMinter(cfg MinterConfig, client *http.Client) *Minter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	return &Minter{cfg: cfg, client: newHTTPClient(client)}
}

func (m *Minter) Configured() bool {
	return strings.TrimSpace(m.cfg.APIKey) != ""
}

type mintRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Mint asks the upstream for an ephemeral client secret. Empty voice and
// instructions fall back to the configured defaults.
func (m *Minter) Mint(ctx context.Context, req voice.TokenRequest) (ClientSecret, error) {
	if !m.Configured() {
		return ClientSecret{}, ErrMissingAPIKey
	}
	body := mintRequest{
		Model:        m.cfg.Model,
		Voice:        firstNonEmpty(req.Voice, m.cfg.Voice),
		Instructions: firstNonEmpty(req.Instructions, m.cfg.Instructions),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ClientSecret{}, fmt.Errorf("marshal session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return ClientSecret{}, fmt.Errorf("create session request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(httpReq)
	if err != nil {
		return ClientSecret{}, fmt.Errorf("send session request: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("mint session", res); err != nil {
		return ClientSecret{}, err
	}

	var out TokenResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return ClientSecret{}, fmt.Errorf("decode session response: %w", err)
	}
	secret := out.secret()
	if strings.TrimSpace(secret.Value) == "" {
		return ClientSecret{}, errEmptySecret
	}
	return secret, nil
}

// IssueToken lets the minter serve as a voice.TokenIssuer in-process.
func (m *Minter) IssueToken(ctx context.Context, req voice.TokenRequest) (string, error) {
	secret, err := m.Mint(ctx, req)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
