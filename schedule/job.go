// Package schedule provides the persistent work queue behind deferred
// reconciliation side work: sync continuations, avatar fetches, and
// profile refreshes.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Handler names route jobs to their executors. Domain packages own the
// payload structure behind each name.
const (
	KindContinueSync   = "group.continue-sync"
	KindFetchAvatar    = "group.fetch-avatar"
	KindRefreshProfile = "contact.refresh-profile"
)

// maxAttempts bounds retries before a job is parked as failed.
const maxAttempts = 3

// Job is one unit of deferred work. Payload is handler-specific JSON.
type Job struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	GroupID   group.ID        `json:"group_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    JobStatus       `json:"status"`
	RunAt     int64           `json:"run_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ContinueSyncPayload asks for the group to be reconciled up to Revision.
type ContinueSyncPayload struct {
	Revision int `json:"revision"`
}

// FetchAvatarPayload asks for the group's avatar binary to be retrieved.
type FetchAvatarPayload struct {
	AvatarRef string `json:"avatar_ref"`
}

// RefreshProfilePayload asks for one member's profile to be re-fetched.
type RefreshProfilePayload struct {
	MemberID uuid.UUID `json:"member_id"`
}

// NewJob creates a pending job with the payload marshalled in.
func NewJob(kind string, groupID group.ID, payload any) (*Job, error) {
	if kind == "" {
		return nil, errors.New("job kind cannot be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding job payload")
	}
	now := time.Now()
	return &Job{
		Kind:      kind,
		GroupID:   groupID,
		Payload:   data,
		Status:    JobStatusPending,
		RunAt:     now.UnixMilli(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DecodePayload unmarshals the job payload into out.
func (j *Job) DecodePayload(out any) error {
	if len(j.Payload) == 0 {
		return errors.Newf("job %d has no payload", j.ID)
	}
	return errors.Wrapf(json.Unmarshal(j.Payload, out), "decoding payload of job %d", j.ID)
}
