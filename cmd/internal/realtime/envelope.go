package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the feed protocol version embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck greets a freshly accepted connection (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSecretNew announces a newly submitted secret (server -> client).
	TypeSecretNew = "secret_new"

	// TypeBacklogFetch asks for the most recent secrets (client -> server).
	TypeBacklogFetch = "backlog_fetch"
	// TypeBacklogChunk answers a backlog fetch, newest first (server -> client).
	TypeBacklogChunk = "backlog_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch strings.TrimSpace(e.Type) {
	case "":
		return errors.New("missing field: type")
	case TypeBacklogFetch:
		return nil
	case TypeHelloAck, TypeSecretNew, TypeBacklogChunk, TypeError:
		return fmt.Errorf("type %q is server-only", e.Type)
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloAckPayload identifies the connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SecretPayload is one secret as shown to readers. The author is never sent.
type SecretPayload struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// BacklogFetchPayload requests up to Limit recent secrets.
type BacklogFetchPayload struct {
	Limit int `json:"limit"`
}

// BacklogChunkPayload carries recent secrets, newest first.
type BacklogChunkPayload struct {
	Secrets []SecretPayload `json:"secrets"`
}

// ErrorPayload reports a rejected client request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
