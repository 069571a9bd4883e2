package gate

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Flow names selectable at invocation.
const (
	FlowAuthGate     = "auth_gate"
	FlowWebhook      = "webhook_replay"
	FlowOrgSeats     = "org_seats"
	FlowSubscription = "individual_subscription"
)

// Modes for the individual_subscription flow.
const (
	ModeDirect    = "direct_subscription"
	ModeSimulated = "simulated_webhook"
)

// Run identifies one invocation. Immutable after NewRun.
type Run struct {
	ID          string    `json:"runId"`
	Flow        string    `json:"flow"`
	ArtifactDir string    `json:"artifactDir"`
	StartedAt   time.Time `json:"startedAt"`
}

// NewRun allocates a fresh run id and its artifact directory path under
// root. Concurrent runs get distinct directories by construction.
func NewRun(flow, root string) Run {
	id := uuid.NewString()
	return Run{
		ID:          id,
		Flow:        flow,
		ArtifactDir: filepath.Join(root, id),
		StartedAt:   time.Now().UTC(),
	}
}

func ValidFlow(flow string) bool {
	switch flow {
	case FlowAuthGate, FlowWebhook, FlowOrgSeats, FlowSubscription:
		return true
	}
	return false
}

func ValidMode(mode string) bool {
	return mode == ModeDirect || mode == ModeSimulated
}
