// Package event defines the immutable event envelope exchanged between
// workroom processes and the channel naming scheme of the broadcast bus.
package event

import (
	"encoding/json"
	"time"

	"github.com/workroom-io/workroom/id"
)

// Type identifies the kind of real-time event.
type Type string

const (
	// Presence events.
	TypeUserJoin        Type = "user.join"
	TypeUserLeave       Type = "user.leave"
	TypePresenceEvicted Type = "presence.evicted"

	// Collaboration events.
	TypeFileChange   Type = "file.change"
	TypeCursorUpdate Type = "cursor.update"
	TypeMessage      Type = "message"

	// Direct replies (sent to a single connection, never broadcast).
	TypeWorkspaceState Type = "workspace.state"

	// Job lifecycle events.
	TypeJobCompleted Type = "job.completed"
	TypeJobFailed    Type = "job.failed"
	TypeJobCancelled Type = "job.cancelled"
)

// Event is the envelope published on the broadcast bus and pushed to
// connected clients. Immutable once published.
type Event struct {
	// Type identifies the event kind.
	Type Type `json:"type" msgpack:"type"`

	// WorkspaceID names the workspace this event belongs to.
	WorkspaceID string `json:"workspace_id" msgpack:"workspace_id"`

	// Payload is the event-specific body.
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// OriginProcessID identifies the process that published the event.
	// Used for echo suppression: a process discards bus deliveries of
	// its own events.
	OriginProcessID id.ProcessID `json:"origin_process_id" msgpack:"origin_process_id"`

	// OriginConnectionID identifies the connection that originated the
	// event, when one did. Server-originated events (job completions)
	// leave it nil.
	OriginConnectionID id.ConnectionID `json:"origin_connection_id,omitempty" msgpack:"origin_connection_id,omitempty"`

	// SequenceNo is per-workspace monotonic on the origin process. It
	// orders events from a single origin and detects replay gaps; it is
	// not a global total order.
	SequenceNo uint64 `json:"sequence_no" msgpack:"sequence_no"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// PresencePayload is the body of user.join, user.leave, and
// presence.evicted events.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	// DurationSeconds is set on user.leave only.
	DurationSeconds int64 `json:"duration_seconds,omitempty"`
}

// WorkspaceStatePayload is the body of workspace.state replies sent to a
// joining connection. It is the only snapshot this layer owns; full
// document reconciliation belongs to the workspace-state service.
type WorkspaceStatePayload struct {
	ActiveUsers []PresenceEntry `json:"active_users"`
	UserCount   int             `json:"user_count"`
}

// PresenceEntry describes one user present in a workspace.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// JobPayload is the body of job lifecycle events.
type JobPayload struct {
	JobID     string `json:"job_id"`
	OwnerID   string `json:"owner_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// MustMarshal marshals a payload to JSON, panicking on error. All payload
// types in this package are plain data; a marshal failure is a
// programming error.
func MustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("event: marshal payload: " + err.Error())
	}
	return data
}
