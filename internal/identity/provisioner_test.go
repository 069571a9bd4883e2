package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercegate/internal/artifact"
	"commercegate/internal/gate"
)

type fakeProfiles struct {
	inserted map[string]string
}

func (f *fakeProfiles) InsertProfile(ctx context.Context, userID, email string) error {
	if f.inserted == nil {
		f.inserted = map[string]string{}
	}
	f.inserted[userID] = email
	return nil
}

func authServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/admin/users":
			require.Equal(t, "service-role-key", r.Header.Get("apikey"))
			require.Equal(t, "Bearer service-role-key", r.Header.Get("Authorization"))
			var body struct {
				Email        string `json:"email"`
				EmailConfirm bool   `json:"email_confirm"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.True(t, body.EmailConfirm)
			json.NewEncoder(w).Encode(map[string]any{"id": "uid-123", "email": body.Email})
		case "/auth/v1/token":
			require.Equal(t, "password", r.URL.Query().Get("grant_type"))
			require.Equal(t, "anon-key", r.Header.Get("apikey"))
			json.NewEncoder(w).Encode(map[string]any{"access_token": "eyJtoken-abcdef-xyz"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func newTestProvisioner(t *testing.T, baseURL string, profiles ProfileStore) (*Provisioner, *artifact.Recorder) {
	run := gate.NewRun(gate.FlowAuthGate, t.TempDir())
	rec, err := artifact.NewRecorder(run)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return New(baseURL, "service-role-key", "anon-key", profiles, rec), rec
}

func TestProvisionCreatesUserAndProfile(t *testing.T) {
	srv := authServer(t)
	defer srv.Close()

	profiles := &fakeProfiles{}
	p, _ := newTestProvisioner(t, srv.URL, profiles)

	id, err := p.Provision(context.Background(), "gate-1@example.com", "hunter2-secret-pass")
	require.NoError(t, err)
	assert.Equal(t, "uid-123", id)
	assert.Equal(t, "gate-1@example.com", profiles.inserted["uid-123"])
}

func TestLoginReturnsToken(t *testing.T) {
	srv := authServer(t)
	defer srv.Close()

	p, _ := newTestProvisioner(t, srv.URL, nil)
	token, err := p.Login(context.Background(), "gate-1@example.com", "hunter2-secret-pass")
	require.NoError(t, err)
	assert.Equal(t, "eyJtoken-abcdef-xyz", token)
}

func TestLoginMissingTokenIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	p, _ := newTestProvisioner(t, srv.URL, nil)
	_, err := p.Login(context.Background(), "a@example.com", "pw")
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "token_missing", ae.Reason)
}

func TestCredentialsNeverPersistedInFull(t *testing.T) {
	srv := authServer(t)
	defer srv.Close()

	p, rec := newTestProvisioner(t, srv.URL, &fakeProfiles{})
	_, err := p.Provision(context.Background(), "gate-1@example.com", "hunter2-secret-pass")
	require.NoError(t, err)
	_, err = p.Login(context.Background(), "gate-1@example.com", "hunter2-secret-pass")
	require.NoError(t, err)

	err = filepath.Walk(rec.Dir(), func(path string, info os.FileInfo, werr error) error {
		require.NoError(t, werr)
		if info.IsDir() {
			return nil
		}
		b, rerr := os.ReadFile(path)
		require.NoError(t, rerr)
		assert.NotContains(t, string(b), "hunter2-secret-pass", path)
		assert.NotContains(t, string(b), "eyJtoken-abcdef-xyz", path)
		return nil
	})
	require.NoError(t, err)
}
