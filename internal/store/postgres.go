// Package store reaches the application's Postgres directly with
// elevated credentials, bypassing the app layer, to verify the side
// effects the flows assert on.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// WebhookEventStatuses returns the status of every persisted row
// referencing the event id. The replay contract requires zero rows
// before delivery and exactly one processed row after.
func (s *Store) WebhookEventStatuses(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status
		FROM webhook_events
		WHERE event_id=$1
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LatestSubscriptionEvent returns the most recent webhook event id
// recorded for a subscription.
func (s *Store) LatestSubscriptionEvent(ctx context.Context, subscriptionID string) (string, error) {
	var eventID string
	err := s.pool.QueryRow(ctx, `
		SELECT event_id
		FROM webhook_events
		WHERE subscription_id=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, subscriptionID).Scan(&eventID)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// SubscriptionRows counts subscription rows referencing the provider
// subscription id.
func (s *Store) SubscriptionRows(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM subscriptions
		WHERE stripe_subscription_id=$1
	`, subscriptionID).Scan(&n)
	return n, err
}

// OrgProvisioning collects the row counts an accepted org checkout is
// expected to leave behind, keyed by the organization name the run
// supplied to checkout.
func (s *Store) OrgProvisioning(ctx context.Context, orgName string) (ProvisioningRows, error) {
	var p ProvisioningRows
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM organizations
		WHERE name=$1
	`, orgName)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return p, err
		}
		p.OrgID = id
		p.Organizations++
	}
	if err := rows.Err(); err != nil {
		return p, err
	}
	if p.OrgID == "" {
		return p, nil
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM organization_members
		WHERE organization_id=$1
	`, p.OrgID).Scan(&p.Memberships); err != nil {
		return p, err
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM subscriptions
		WHERE organization_id=$1
	`, p.OrgID).Scan(&p.Subscriptions); err != nil {
		return p, err
	}
	return p, nil
}

// InsertProfile writes the minimal profile row keyed by the identity
// service's user id.
func (s *Store) InsertProfile(ctx context.Context, userID, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, email)
		VALUES ($1,$2)
		ON CONFLICT (id) DO NOTHING
	`, userID, email)
	return err
}

// CreateRun records a running gate run. Best-effort mirror of the file
// summary; flows never fail because of it.
func (s *Store) CreateRun(ctx context.Context, r GateRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gate_runs (run_id, flow, mode, status, started_at)
		VALUES ($1,$2,$3,$4,$5)
	`, r.RunID, r.Flow, nullIfEmpty(r.Mode), r.Status, r.StartedAt)
	return err
}

// FinishRun moves a mirrored run to its terminal status.
func (s *Store) FinishRun(ctx context.Context, runID, status string, summaryJSON []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gate_runs
		SET status=$2, finished_at=now(), summary=$3::jsonb
		WHERE run_id=$1
	`, runID, status, jsonOrEmpty(summaryJSON))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
