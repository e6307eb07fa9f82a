package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SDPClient posts local offers to the realtime endpoint.
type SDPClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewSDPClient(baseURL, model string, client *http.Client) *SDPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &SDPClient{baseURL: baseURL, model: model, client: newHTTPClient(client)}
}

// ExchangeSDP sends the offer with the ephemeral token as bearer credential
// and returns the answer SDP.
func (c *SDPClient) ExchangeSDP(ctx context.Context, token, offer string) (string, error) {
	endpoint := c.baseURL + "?model=" + url.QueryEscape(c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("create sdp request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/sdp")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send sdp offer: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus("exchange sdp", res); err != nil {
		return "", err
	}

	answer, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read sdp answer: %w", err)
	}
	if strings.TrimSpace(string(answer)) == "" {
		return "", errors.New("empty sdp answer")
	}
	return string(answer), nil
}
