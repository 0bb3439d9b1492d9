package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bjpl/backendsim/pkg/auth"
	"github.com/bjpl/backendsim/pkg/crypto"
	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/rbac"
	"github.com/bjpl/backendsim/pkg/store"
	"github.com/bjpl/backendsim/pkg/syncq"
)

// ErrInvalidToken is returned for malformed, mis-signed, or expired
// bearer tokens.
var ErrInvalidToken = errors.New("gateway: invalid token")

// SyncAdmin is the dead-letter surface of the offline write queue.
type SyncAdmin interface {
	DeadLetters() ([]model.QueueItem, error)
	Requeue(id int64) error
}

// AuthAPI serves the local account, session, and profile endpoints that
// stand in for the real backend's auth surface while offline.
type AuthAPI struct {
	auth       *auth.Service
	store      store.DataStore
	sync       SyncAdmin
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	sessionTTL time.Duration
}

// NewAuthAPI creates the mock auth surface. signingKey is the HMAC key
// for issued access tokens.
func NewAuthAPI(svc *auth.Service, st store.DataStore, signingKey []byte, sessionTTL time.Duration) *AuthAPI {
	return &AuthAPI{
		auth:       svc,
		store:      st,
		signingKey: signingKey,
		issuer:     "backendsim",
		tokenTTL:   15 * time.Minute,
		sessionTTL: sessionTTL,
	}
}

// AttachSyncAdmin wires the offline write queue's dead-letter surface
// into the admin routes. Without it those routes answer 503.
func (a *AuthAPI) AttachSyncAdmin(sa SyncAdmin) {
	a.sync = sa
}

// Register installs the auth routes on a router.
func (a *AuthAPI) Register(r *Router) {
	r.Handle(http.MethodGet, "/health", a.handleHealth)
	r.Handle(http.MethodPost, "/auth/register", a.handleRegister)
	r.Handle(http.MethodPost, "/auth/login", a.handleLogin)
	r.Handle(http.MethodPost, "/auth/logout", a.handleLogout)
	r.Handle(http.MethodGet, "/auth/session", a.handleSession)
	r.Handle(http.MethodPost, "/auth/refresh", a.handleRefresh)
	r.Handle(http.MethodPost, "/auth/unlock", a.handleUnlock)
	r.Handle(http.MethodGet, "/users", a.handleListProfiles)
	r.Handle(http.MethodGet, "/users/:username/profile", a.handleGetProfile)
	r.Handle(http.MethodPut, "/users/:username/profile", a.handlePutProfile)
	r.Handle(http.MethodGet, "/sync/dead-letters", a.handleDeadLetters)
	r.Handle(http.MethodPost, "/sync/requeue", a.handleRequeue)
}

// apiClaims is the token payload for locally issued access tokens.
type apiClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// issueToken signs a short-lived HS256 access token for a verified user.
func (a *AuthAPI) issueToken(username string, role model.Role) (string, error) {
	now := time.Now()
	claims := apiClaims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

// validateToken parses a bearer token and returns its claims.
func (a *AuthAPI) validateToken(tokenString string) (*apiClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &apiClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.signingKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*apiClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// caller extracts and validates the Authorization bearer token.
func (a *AuthAPI) caller(req *MockRequest) (*apiClaims, error) {
	header := req.Headers["Authorization"]
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, ErrInvalidToken
	}
	return a.validateToken(token)
}

func (a *AuthAPI) handleHealth(_ context.Context, _ *MockRequest) (*model.Response, error) {
	return jsonResponse(http.StatusOK, map[string]string{"status": "ok", "mode": "mock"}), nil
}

type registerBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (a *AuthAPI) handleRegister(_ context.Context, req *MockRequest) (*model.Response, error) {
	var body registerBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if body.Password == "" {
		return errorResponse(http.StatusBadRequest, "password must not be empty"), nil
	}

	profile, err := a.auth.Register(body.Username, body.Password, body.Email, model.ParseRole(body.Role))
	switch {
	case err == nil:
		return jsonResponse(http.StatusCreated, profile), nil
	case errors.Is(err, store.ErrDuplicateUsername), errors.Is(err, store.ErrDuplicateEmail):
		return errorResponse(http.StatusConflict, err.Error()), nil
	case errors.Is(err, model.ErrUsernameEmpty), errors.Is(err, model.ErrUsernameTooLong),
		errors.Is(err, model.ErrUsernameInvalidChars), errors.Is(err, model.ErrEmailInvalid):
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	default:
		return nil, err
	}
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Profile      *model.Profile `json:"profile"`
	SessionID    string         `json:"session_id"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

func (a *AuthAPI) handleLogin(_ context.Context, req *MockRequest) (*model.Response, error) {
	var body loginBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	profile, err := a.auth.Verify(body.Username, body.Password)
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return errorResponse(http.StatusLocked, err.Error()), nil
	case errors.Is(err, auth.ErrInvalidCredentials):
		return errorResponse(http.StatusUnauthorized, err.Error()), nil
	case err != nil:
		return nil, err
	}

	// Only the hash of the refresh token is stored; the raw token exists
	// nowhere but this response.
	refresh, err := crypto.GenerateToken()
	if err != nil {
		return nil, err
	}
	sess, err := a.auth.CreateSession(profile.Username, a.sessionTTL, map[string]string{
		"role":         profile.Role.String(),
		"refresh_hash": crypto.HashToken(refresh),
	})
	if err != nil {
		return nil, err
	}
	token, err := a.issueToken(profile.Username, profile.Role)
	if err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, loginResponse{
		Profile:      profile,
		SessionID:    sess.ID,
		AccessToken:  token,
		RefreshToken: refresh,
		ExpiresAt:    sess.ExpiresAt,
	}), nil
}

type refreshBody struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a valid session's refresh token for a new
// access token. Expired sessions are gone by the time the lookup
// returns, so refresh cannot outlive the session.
func (a *AuthAPI) handleRefresh(_ context.Context, req *MockRequest) (*model.Response, error) {
	var body refreshBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	sess, err := a.auth.GetSession(body.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || body.RefreshToken == "" ||
		!crypto.Equal([]byte(crypto.HashToken(body.RefreshToken)), []byte(sess.Payload["refresh_hash"])) {
		return errorResponse(http.StatusUnauthorized, "invalid session or refresh token"), nil
	}
	token, err := a.issueToken(sess.Username, model.ParseRole(sess.Payload["role"]))
	if err != nil {
		return nil, err
	}
	if err := a.auth.TouchSession(sess.ID); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, map[string]string{"access_token": token}), nil
}

func (a *AuthAPI) handleLogout(_ context.Context, req *MockRequest) (*model.Response, error) {
	id := req.Query.Get("session_id")
	if id == "" {
		return errorResponse(http.StatusBadRequest, "session_id required"), nil
	}
	if err := a.auth.DeleteSession(id); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, map[string]string{"status": "logged_out"}), nil
}

// handleSession introspects a session; expired sessions are lazily purged
// and reported as gone.
func (a *AuthAPI) handleSession(_ context.Context, req *MockRequest) (*model.Response, error) {
	id := req.Query.Get("session_id")
	if id == "" {
		return errorResponse(http.StatusBadRequest, "session_id required"), nil
	}
	sess, err := a.auth.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return errorResponse(http.StatusNotFound, "session not found or expired"), nil
	}
	if err := a.auth.TouchSession(id); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, sess), nil
}

type unlockBody struct {
	Username string `json:"username"`
}

func (a *AuthAPI) handleUnlock(_ context.Context, req *MockRequest) (*model.Response, error) {
	claims, err := a.caller(req)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, err.Error()), nil
	}
	if msg := rbac.RequirePermission(model.ParseRole(claims.Role), model.PermUnlockAccount); msg != "" {
		return errorResponse(http.StatusForbidden, msg), nil
	}

	var body unlockBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if err := a.auth.Unlock(body.Username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResponse(http.StatusNotFound, "no such account"), nil
		}
		return nil, err
	}
	return jsonResponse(http.StatusOK, map[string]string{"status": "unlocked"}), nil
}

func (a *AuthAPI) handleListProfiles(_ context.Context, req *MockRequest) (*model.Response, error) {
	claims, err := a.caller(req)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, err.Error()), nil
	}
	if msg := rbac.RequirePermission(model.ParseRole(claims.Role), model.PermListUsers); msg != "" {
		return errorResponse(http.StatusForbidden, msg), nil
	}
	profiles, err := a.store.ListProfiles()
	if err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, profiles), nil
}

func (a *AuthAPI) handleGetProfile(_ context.Context, req *MockRequest) (*model.Response, error) {
	profile, err := a.store.GetProfile(req.Params["username"])
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return errorResponse(http.StatusNotFound, "profile not found"), nil
	}
	return jsonResponse(http.StatusOK, profile), nil
}

type profileBody struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
	Email       *string `json:"email"`
}

// handlePutProfile updates a profile. A user may edit its own profile;
// editing someone else's requires the edit-any-profile permission.
func (a *AuthAPI) handlePutProfile(_ context.Context, req *MockRequest) (*model.Response, error) {
	claims, err := a.caller(req)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, err.Error()), nil
	}
	username := req.Params["username"]
	if claims.Subject != username {
		if msg := rbac.RequirePermission(model.ParseRole(claims.Role), model.PermEditAnyProfile); msg != "" {
			return errorResponse(http.StatusForbidden, msg), nil
		}
	}

	var body profileBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	profile, err := a.store.GetProfile(username)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return errorResponse(http.StatusNotFound, "profile not found"), nil
	}
	if body.DisplayName != nil {
		profile.DisplayName = *body.DisplayName
	}
	if body.Bio != nil {
		profile.Bio = *body.Bio
	}
	if body.Email != nil {
		if err := model.ValidateEmail(*body.Email); err != nil {
			return errorResponse(http.StatusBadRequest, err.Error()), nil
		}
		profile.Email = *body.Email
	}
	profile.LastActiveAt = time.Now().UTC()
	if err := a.store.UpdateProfile(profile); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, profile), nil
}

// requireSyncAdmin authorizes the dead-letter routes. Returns nil when
// the caller may proceed.
func (a *AuthAPI) requireSyncAdmin(req *MockRequest) *model.Response {
	claims, err := a.caller(req)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, err.Error())
	}
	if msg := rbac.RequirePermission(model.ParseRole(claims.Role), model.PermRequeueSync); msg != "" {
		return errorResponse(http.StatusForbidden, msg)
	}
	if a.sync == nil {
		return errorResponse(http.StatusServiceUnavailable, "sync queue not attached")
	}
	return nil
}

func (a *AuthAPI) handleDeadLetters(_ context.Context, req *MockRequest) (*model.Response, error) {
	if resp := a.requireSyncAdmin(req); resp != nil {
		return resp, nil
	}
	dead, err := a.sync.DeadLetters()
	if err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, dead), nil
}

type requeueBody struct {
	ID int64 `json:"id"`
}

func (a *AuthAPI) handleRequeue(_ context.Context, req *MockRequest) (*model.Response, error) {
	if resp := a.requireSyncAdmin(req); resp != nil {
		return resp, nil
	}
	var body requeueBody
	if err := req.DecodeJSON(&body); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if err := a.sync.Requeue(body.ID); err != nil {
		if errors.Is(err, syncq.ErrNoDeadLetter) {
			return errorResponse(http.StatusNotFound, err.Error()), nil
		}
		return nil, err
	}
	return jsonResponse(http.StatusOK, map[string]string{"status": "requeued"}), nil
}
