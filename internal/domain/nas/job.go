package nas

import (
	"time"

	"github.com/google/uuid"
)

// Action is the NAS operation a job performs
type Action string

const (
	ActionGrant        Action = "grant"
	ActionUpdateLimits Action = "update-limits"
	ActionRevoke       Action = "revoke"
	ActionDisable      Action = "disable"
)

// Job is a NAS call that failed and waits for retry
type Job struct {
	ID            string     `json:"id"`
	Action        Action     `json:"action"`
	Identity      Identity   `json:"identity"`
	Profile       string     `json:"profile,omitempty"`
	Limits        Limits     `json:"limits"`
	EntitlementID *uuid.UUID `json:"entitlement_id,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
}

func newJob(action Action, id Identity, now time.Time) Job {
	return Job{
		ID:            uuid.NewString(),
		Action:        action,
		Identity:      id,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}
