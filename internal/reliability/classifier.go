package reliability

import "strings"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// recoverableRealtimeCodes are upstream realtime error codes that do not
// affect the conversation and are dropped without reaching the caller.
var recoverableRealtimeCodes = map[string]struct{}{
	"rate_limit_exceeded":                     {},
	"rate_limit_error":                        {},
	"response_cancel_not_active":              {},
	"conversation_already_has_active_response": {},
	"input_audio_buffer_commit_empty":         {},
}

// IsRecoverableRealtimeError reports whether an upstream realtime error event
// can be ignored. Both the error code and the error type are consulted.
func IsRecoverableRealtimeError(code, errType string) bool {
	if _, ok := recoverableRealtimeCodes[normalize(code)]; ok {
		return true
	}
	_, ok := recoverableRealtimeCodes[normalize(errType)]
	return ok
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
