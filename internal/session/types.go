package session

// CreateRequest is the payload for starting a voice call.
type CreateRequest struct {
	UserID             string   `json:"user_id"`
	Voice              string   `json:"voice"`
	Instructions       string   `json:"instructions"`
	Questions          []string `json:"questions"`
	MaxDurationSeconds int      `json:"max_duration_seconds"`
}
