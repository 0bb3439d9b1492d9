package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjpl/backendsim/pkg/auth"
	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/netstate"
	"github.com/bjpl/backendsim/pkg/store"
	"github.com/bjpl/backendsim/pkg/syncq"
)

func newTestAPI(t *testing.T) *Gateway {
	t.Helper()
	st := store.NewMemory()
	svc := auth.NewService(st, nil)
	g := New(Config{BackendURL: "http://127.0.0.1:0", CacheNamespace: "test"}, netstate.NewMonitor(false), st, nil, nil)
	api := NewAuthAPI(svc, st, []byte("test-signing-key"), time.Hour)
	api.Register(g.Router())
	return g
}

func doJSON(t *testing.T, g *Gateway, method, path string, body any, headers map[string]string) *model.Response {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Content-Type"]; !ok && raw != nil {
		headers["Content-Type"] = "application/json"
	}
	return g.Do(context.Background(), &model.Request{
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    raw,
	})
}

func decodeBody(t *testing.T, resp *model.Response, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body, v))
}

func register(t *testing.T, g *Gateway, username, password, role string) {
	t.Helper()
	resp := doJSON(t, g, "POST", "/auth/register", map[string]string{
		"username": username,
		"password": password,
		"email":    username + "@example.com",
		"role":     role,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Status, "register %s: %s", username, resp.Body)
}

func login(t *testing.T, g *Gateway, username, password string) loginResponse {
	t.Helper()
	resp := doJSON(t, g, "POST", "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status, "login %s: %s", username, resp.Body)
	var lr loginResponse
	decodeBody(t, resp, &lr)
	return lr
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestAPI(t)
	resp := doJSON(t, g, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Status)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "mock", body["mode"])
}

func TestRegisterValidationAndConflicts(t *testing.T) {
	g := newTestAPI(t)

	register(t, g, "alice", "pw1234", "user")

	resp := doJSON(t, g, "POST", "/auth/register", map[string]string{
		"username": "alice", "password": "pw", "email": "alice2@example.com",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.Status)

	resp = doJSON(t, g, "POST", "/auth/register", map[string]string{
		"username": "bob", "password": "pw", "email": "alice@example.com",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.Status)

	resp = doJSON(t, g, "POST", "/auth/register", map[string]string{
		"username": "bad name", "password": "pw", "email": "x@y.z",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = doJSON(t, g, "POST", "/auth/register", map[string]string{
		"username": "carol", "password": "", "email": "carol@example.com",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestLoginIssuesSessionAndToken(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")

	lr := login(t, g, "alice", "pw1234")
	assert.Equal(t, "alice", lr.Profile.Username)
	assert.NotEmpty(t, lr.SessionID)
	assert.NotEmpty(t, lr.AccessToken)
	assert.True(t, lr.ExpiresAt.After(time.Now()))

	resp := doJSON(t, g, "GET", "/auth/session?session_id="+lr.SessionID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	var sess model.Session
	decodeBody(t, resp, &sess)
	assert.Equal(t, "alice", sess.Username)

	resp = doJSON(t, g, "POST", "/auth/logout?session_id="+lr.SessionID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	resp = doJSON(t, g, "GET", "/auth/session?session_id="+lr.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestLoginFailuresAndLockout(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")

	resp := doJSON(t, g, "POST", "/auth/login", map[string]string{
		"username": "alice", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	for i := 0; i < auth.MaxFailedAttempts; i++ {
		doJSON(t, g, "POST", "/auth/login", map[string]string{
			"username": "alice", "password": "wrong",
		}, nil)
	}

	resp = doJSON(t, g, "POST", "/auth/login", map[string]string{
		"username": "alice", "password": "pw1234",
	}, nil)
	assert.Equal(t, http.StatusLocked, resp.Status)
}

func TestUnlockRequiresAdmin(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")
	register(t, g, "root", "adminpw", "admin")

	for i := 0; i < auth.MaxFailedAttempts; i++ {
		doJSON(t, g, "POST", "/auth/login", map[string]string{
			"username": "alice", "password": "wrong",
		}, nil)
	}

	// No token at all.
	resp := doJSON(t, g, "POST", "/auth/unlock", map[string]string{"username": "alice"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	// A plain user's token gets 403.
	register(t, g, "bob", "pw1234", "user")
	bobToken := login(t, g, "bob", "pw1234").AccessToken
	resp = doJSON(t, g, "POST", "/auth/unlock", map[string]string{"username": "alice"}, bearer(bobToken))
	assert.Equal(t, http.StatusForbidden, resp.Status)

	adminToken := login(t, g, "root", "adminpw").AccessToken
	resp = doJSON(t, g, "POST", "/auth/unlock", map[string]string{"username": "alice"}, bearer(adminToken))
	assert.Equal(t, http.StatusOK, resp.Status)

	lr := login(t, g, "alice", "pw1234")
	assert.Equal(t, "alice", lr.Profile.Username)

	resp = doJSON(t, g, "POST", "/auth/unlock", map[string]string{"username": "ghost"}, bearer(adminToken))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestProfileEndpoints(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")
	register(t, g, "bob", "pw1234", "user")
	register(t, g, "root", "adminpw", "admin")

	resp := doJSON(t, g, "GET", "/users/alice/profile", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	var p model.Profile
	decodeBody(t, resp, &p)
	assert.Equal(t, "alice", p.Username)

	resp = doJSON(t, g, "GET", "/users/ghost/profile", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	aliceToken := login(t, g, "alice", "pw1234").AccessToken
	bobToken := login(t, g, "bob", "pw1234").AccessToken
	adminToken := login(t, g, "root", "adminpw").AccessToken

	// Users edit their own profile.
	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{
		"display_name": "Alice", "bio": "hello",
	}, bearer(aliceToken))
	require.Equal(t, http.StatusOK, resp.Status, "%s", resp.Body)
	decodeBody(t, resp, &p)
	assert.Equal(t, "Alice", p.DisplayName)

	// Another user's profile needs the edit-any permission.
	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"bio": "vandalism"}, bearer(bobToken))
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"bio": "moderated"}, bearer(adminToken))
	assert.Equal(t, http.StatusOK, resp.Status)
	decodeBody(t, resp, &p)
	assert.Equal(t, "moderated", p.Bio)
	assert.Equal(t, "Alice", p.DisplayName, "absent fields must be left alone")

	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"email": "not-an-email"}, bearer(aliceToken))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	// Listing users is privileged.
	resp = doJSON(t, g, "GET", "/users", nil, bearer(aliceToken))
	assert.Equal(t, http.StatusForbidden, resp.Status)
	resp = doJSON(t, g, "GET", "/users", nil, bearer(adminToken))
	assert.Equal(t, http.StatusOK, resp.Status)
	var profiles []model.Profile
	decodeBody(t, resp, &profiles)
	assert.Len(t, profiles, 3)
}

func TestRefreshToken(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")
	lr := login(t, g, "alice", "pw1234")
	require.NotEmpty(t, lr.RefreshToken)

	resp := doJSON(t, g, "POST", "/auth/refresh", map[string]string{
		"session_id": lr.SessionID, "refresh_token": lr.RefreshToken,
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status, "%s", resp.Body)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body["access_token"])

	// The refreshed token works like the original.
	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"bio": "refreshed"},
		bearer(body["access_token"]))
	assert.Equal(t, http.StatusOK, resp.Status)

	resp = doJSON(t, g, "POST", "/auth/refresh", map[string]string{
		"session_id": lr.SessionID, "refresh_token": "stolen-guess",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	// Logout kills the session and with it the refresh token.
	resp = doJSON(t, g, "POST", "/auth/logout?session_id="+lr.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	resp = doJSON(t, g, "POST", "/auth/refresh", map[string]string{
		"session_id": lr.SessionID, "refresh_token": lr.RefreshToken,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

// fakeSyncAdmin stands in for the sync coordinator's dead-letter surface.
type fakeSyncAdmin struct {
	dead     []model.QueueItem
	requeued []int64
}

func (f *fakeSyncAdmin) DeadLetters() ([]model.QueueItem, error) {
	return f.dead, nil
}

func (f *fakeSyncAdmin) Requeue(id int64) error {
	for i := range f.dead {
		if f.dead[i].ID == id {
			f.dead = append(f.dead[:i], f.dead[i+1:]...)
			f.requeued = append(f.requeued, id)
			return nil
		}
	}
	return fmt.Errorf("requeue id %d: %w", id, syncq.ErrNoDeadLetter)
}

func TestSyncAdminEndpoints(t *testing.T) {
	st := store.NewMemory()
	svc := auth.NewService(st, nil)
	g := New(Config{BackendURL: "http://127.0.0.1:0", CacheNamespace: "test"}, netstate.NewMonitor(false), st, nil, nil)
	api := NewAuthAPI(svc, st, []byte("test-signing-key"), time.Hour)
	sa := &fakeSyncAdmin{dead: []model.QueueItem{
		{ID: 7, Request: model.Request{Method: "POST", Path: "/orders"}, Dead: true},
	}}
	api.AttachSyncAdmin(sa)
	api.Register(g.Router())

	register(t, g, "alice", "pw1234", "user")
	register(t, g, "root", "adminpw", "admin")

	// Unauthenticated and plain-user callers are rejected.
	resp := doJSON(t, g, "GET", "/sync/dead-letters", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	aliceToken := login(t, g, "alice", "pw1234").AccessToken
	resp = doJSON(t, g, "GET", "/sync/dead-letters", nil, bearer(aliceToken))
	assert.Equal(t, http.StatusForbidden, resp.Status)

	adminToken := login(t, g, "root", "adminpw").AccessToken
	resp = doJSON(t, g, "GET", "/sync/dead-letters", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, resp.Status)
	var dead []model.QueueItem
	decodeBody(t, resp, &dead)
	require.Len(t, dead, 1)
	assert.Equal(t, "/orders", dead[0].Request.Path)

	resp = doJSON(t, g, "POST", "/sync/requeue", map[string]int64{"id": 7}, bearer(adminToken))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []int64{7}, sa.requeued)

	resp = doJSON(t, g, "POST", "/sync/requeue", map[string]int64{"id": 7}, bearer(adminToken))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestSyncAdminUnavailableWithoutQueue(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "root", "adminpw", "admin")
	adminToken := login(t, g, "root", "adminpw").AccessToken

	resp := doJSON(t, g, "GET", "/sync/dead-letters", nil, bearer(adminToken))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestBearerTokenValidation(t *testing.T) {
	g := newTestAPI(t)
	register(t, g, "alice", "pw1234", "user")

	resp := doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"bio": "x"},
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = doJSON(t, g, "PUT", "/users/alice/profile", map[string]string{"bio": "x"},
		map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}
