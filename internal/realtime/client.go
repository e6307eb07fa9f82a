// Package realtime talks HTTP to the realtime service: it mints ephemeral
// session credentials and exchanges SDP offers for answers.
package realtime

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1/realtime"
	DefaultModel   = "gpt-4o-realtime-preview"

	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultTimeout}
}

func checkStatus(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
