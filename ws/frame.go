// Package ws exposes the real-time workspace channel over WebSocket.
// Clients connect to /ws/workspaces/{workspace_id}, authenticate with a
// token query parameter, and exchange Frame envelopes in the negotiated
// wire format (JSON by default, MessagePack on request).
package ws

import (
	"encoding/json"
	"time"

	"github.com/workroom-io/workroom/event"
)

// Control frame types. Collaboration frames reuse the event.Type
// namespace (file.change, cursor.update, message, ...).
const (
	// FrameError reports a request the server rejected.
	FrameError = "error"
	// FrameThrottled tells the client its message rate limit is
	// exhausted; retry_after_ms says when capacity returns.
	FrameThrottled = "throttled"
)

// Frame is the wire envelope. Client frames carry type, workspace_id,
// and payload; server pushes add origin, sequence number, and
// timestamp from the event envelope.
type Frame struct {
	Type        string          `json:"type" msgpack:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty" msgpack:"workspace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// OriginConnectionID identifies the connection that originated a
	// pushed event, when one did.
	OriginConnectionID string `json:"origin_connection_id,omitempty" msgpack:"origin_connection_id,omitempty"`

	// SequenceNo is the origin process's per-workspace counter.
	SequenceNo uint64 `json:"sequence_no,omitempty" msgpack:"sequence_no,omitempty"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"ts,omitempty" msgpack:"ts,omitempty"`

	// Error carries details on error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// RetryAfterMs is set on throttled frames.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty" msgpack:"retry_after_ms,omitempty"`
}

// ErrorDetail describes why a frame was rejected.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Well-known error codes, mirroring their HTTP equivalents.
const (
	ErrCodeBadRequest   = 400
	ErrCodeUnauthorized = 401
	ErrCodeForbidden    = 403
	ErrCodeTooFast      = 429
)

// NewEventFrame wraps a pushed event in the wire envelope.
func NewEventFrame(evt *event.Event) *Frame {
	f := &Frame{
		Type:        string(evt.Type),
		WorkspaceID: evt.WorkspaceID,
		Payload:     evt.Payload,
		SequenceNo:  evt.SequenceNo,
		Timestamp:   evt.Timestamp,
	}
	if !evt.OriginConnectionID.IsNil() {
		f.OriginConnectionID = evt.OriginConnectionID.String()
	}
	return f
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(code int, message string) *Frame {
	return &Frame{
		Type:      FrameError,
		Timestamp: time.Now().UTC(),
		Error:     &ErrorDetail{Code: code, Message: message},
	}
}

// NewThrottledFrame tells the client to slow down.
func NewThrottledFrame(retryAfter time.Duration) *Frame {
	return &Frame{
		Type:         FrameThrottled,
		Timestamp:    time.Now().UTC(),
		RetryAfterMs: retryAfter.Milliseconds(),
		Error:        &ErrorDetail{Code: ErrCodeTooFast, Message: "message rate limit exceeded"},
	}
}
