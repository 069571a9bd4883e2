package store

import "time"

// GateRun mirrors the run verdict into Postgres when a DSN is present.
type GateRun struct {
	RunID       string
	Flow        string
	Mode        string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	SummaryJSON []byte
}

// ProvisioningRows are the side effects an accepted checkout must leave
// behind: one organization row, at least one membership, one
// subscription.
type ProvisioningRows struct {
	OrgID         string
	Organizations int
	Memberships   int
	Subscriptions int
}
