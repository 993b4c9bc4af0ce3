package transport

import "encoding/json"

// Frame is one JSON object exchanged over the persistent connection.
// The field names are a wire contract shared with the server.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Frame types originated by the client.
const (
	FramePing = "ping"
)

// Frame types originated by the server. Pong is consumed inside the
// transport and never forwarded.
const (
	FramePong = "pong"
)
