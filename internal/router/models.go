package router

import "encoding/json"

// ClientMessage is the inbound frame shape.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// AckPayload is the request/acknowledge result for subscribe and
// unsubscribe calls.
type AckPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// AckFrame correlates an acknowledgment to the request event.
type AckFrame struct {
	Event   string     `json:"event"`
	Payload AckPayload `json:"payload"`
}
