package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:workroom_jobs"`

	ID              string     `bun:"id,pk"`
	OwnerID         string     `bun:"owner_id,notnull"`
	WorkspaceID     string     `bun:"workspace_id,notnull,default:''"`
	IdempotencyKey  string     `bun:"idempotency_key,notnull,default:''"`
	Kind            string     `bun:"kind,notnull"`
	Payload         []byte     `bun:"payload,type:bytea"`
	Status          string     `bun:"status,notnull,default:'queued'"`
	Attempt         int        `bun:"attempt,notnull,default:0"`
	CancelRequested bool       `bun:"cancel_requested,notnull,default:false"`
	ResultRef       string     `bun:"result_ref,notnull,default:''"`
	LastError       string     `bun:"last_error,notnull,default:''"`
	StartedAt       *time.Time `bun:"started_at"`
	CompletedAt     *time.Time `bun:"completed_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:              j.ID.String(),
		OwnerID:         j.OwnerID,
		WorkspaceID:     j.WorkspaceID,
		IdempotencyKey:  j.IdempotencyKey,
		Kind:            j.Kind,
		Payload:         j.Payload,
		Status:          string(j.Status),
		Attempt:         j.Attempt,
		CancelRequested: j.CancelRequested,
		ResultRef:       j.ResultRef,
		LastError:       j.LastError,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("workroom/bun: parse job id %q: %w", m.ID, err)
	}

	return &job.Job{
		Entity: workroom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		OwnerID:         m.OwnerID,
		WorkspaceID:     m.WorkspaceID,
		IdempotencyKey:  m.IdempotencyKey,
		Kind:            m.Kind,
		Payload:         m.Payload,
		Status:          job.Status(m.Status),
		Attempt:         m.Attempt,
		CancelRequested: m.CancelRequested,
		ResultRef:       m.ResultRef,
		LastError:       m.LastError,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
	}, nil
}

// ── Queue model ───────────────────────────────────────────────────

type queueModel struct {
	bun.BaseModel `bun:"table:workroom_queue"`

	JobID       string     `bun:"job_id,pk"`
	Token       string     `bun:"token,notnull,default:''"`
	Attempt     int        `bun:"attempt,notnull,default:0"`
	LeasedUntil *time.Time `bun:"leased_until"`
	EnqueuedAt  time.Time  `bun:"enqueued_at,notnull,default:current_timestamp"`
}
