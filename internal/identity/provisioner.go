// Package identity mints throwaway authenticated test users through the
// auth service's admin API. Passwords and tokens are never persisted or
// logged in full.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"commercegate/internal/artifact"
	"commercegate/internal/gate"
)

// ProfileStore inserts the minimal profile row keyed by the new user id.
type ProfileStore interface {
	InsertProfile(ctx context.Context, userID, email string) error
}

type Provisioner struct {
	baseURL        string
	serviceRoleKey string
	anonKey        string
	http           *http.Client
	rec            *artifact.Recorder
	profiles       ProfileStore
}

func New(baseURL, serviceRoleKey, anonKey string, profiles ProfileStore, rec *artifact.Recorder) *Provisioner {
	return &Provisioner{
		baseURL:        strings.TrimRight(baseURL, "/"),
		serviceRoleKey: serviceRoleKey,
		anonKey:        anonKey,
		http:           &http.Client{Timeout: 30 * time.Second},
		rec:            rec,
		profiles:       profiles,
	}
}

// Provision creates a confirmed identity via the admin API, then the
// profile row keyed by the returned id.
func (p *Provisioner) Provision(ctx context.Context, email, password string) (string, error) {
	started := time.Now()
	body := map[string]any{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/auth/v1/admin/users", p.serviceRoleKey, body, &created); err != nil {
		return "", fmt.Errorf("admin create user: %w", err)
	}
	if created.ID == "" {
		return "", &gate.AssertionError{Step: "provision_user", Reason: "user_id_missing"}
	}
	if p.profiles != nil {
		if err := p.profiles.InsertProfile(ctx, created.ID, email); err != nil {
			return "", fmt.Errorf("insert profile: %w", err)
		}
	}
	if p.rec != nil {
		_ = p.rec.Step("provision_user", time.Since(started),
			map[string]any{"email": email},
			map[string]any{"userId": created.ID})
	}
	return created.ID, nil
}

// Login exchanges the credentials for a bearer token. An absent token
// is fatal for the active flow.
func (p *Provisioner) Login(ctx context.Context, email, password string) (string, error) {
	started := time.Now()
	body := map[string]any{"email": email, "password": password}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.post(ctx, "/auth/v1/token?grant_type=password", p.anonKey, body, &session); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if session.AccessToken == "" {
		return "", &gate.AssertionError{Step: "login", Reason: "token_missing"}
	}
	if p.rec != nil {
		// Only a truncated prefix ever reaches the artifacts.
		_ = p.rec.Step("login", time.Since(started),
			map[string]any{"email": email},
			map[string]any{"tokenPrefix": truncate(session.AccessToken, 8)})
	}
	return session.AccessToken, nil
}

func (p *Provisioner) post(ctx context.Context, path, key string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", key)
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("auth http %d", res.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
