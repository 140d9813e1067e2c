package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"instabot_go/internal/middleware"
	"instabot_go/models"
	"instabot_go/pkg/storage"
)

// memStore хранит пользователей и сессии в памяти.
type memStore struct {
	mu       sync.Mutex
	users    map[string]models.User
	sessions map[int]models.RefreshSession
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{users: map[string]models.User{}, sessions: map[int]models.RefreshSession{}}
}

func (m *memStore) CreateUser(u models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.users {
		if x.Username == u.Username || x.Email == u.Email {
			return nil, storage.ErrConflict
		}
	}
	u.CreatedAt, u.UpdatedAt = time.Now(), time.Now()
	m.users[u.ID] = u
	return &u, nil
}

func (m *memStore) GetUserByID(id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (m *memStore) GetUserByUsername(username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) AddRefreshSession(s models.RefreshSession) (*models.RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID, s.CreatedAt = m.nextID, time.Now()
	m.sessions[s.ID] = s
	return &s, nil
}

func (m *memStore) GetRefreshSession(token string) (*models.RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.RefreshToken == token {
			return &s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) RotateRefreshSession(id int, token string, expiresIn int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.RefreshToken, s.ExpiresIn, s.CreatedAt = token, expiresIn, time.Now()
	m.sessions[id] = s
	return nil
}

func (m *memStore) DeleteRefreshSession(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) DeleteRefreshSessionByToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.RefreshToken == token {
			delete(m.sessions, id)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) DeleteUserRefreshSessions(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func setup(t *testing.T) (*gin.Engine, *memStore, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := newMemStore()
	tokens := NewTokens("test-secret", time.Minute)
	svc := NewService(store, tokens, time.Hour, log)
	h := NewHandler(svc, HandlerConfig{AccessTTL: time.Minute, RefreshTTL: time.Hour}, log)

	r := gin.New()
	SetupRoutes(r.Group("/auth"), h, middleware.AuthRequired(tokens))
	return r, store, svc
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r http.Handler) TokenPair {
	t.Helper()
	w := do(r, http.MethodPost, "/auth/login", `{"username":"oleg","password":"secret1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	return pair
}

func TestRegisterLoginMe(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodPost, "/auth/register", `{"username":"oleg","email":"o@example.com","password":"secret1"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotContains(t, w.Body.String(), "hashed_password")

	w = do(r, http.MethodPost, "/auth/register", `{"username":"oleg","email":"x@example.com","password":"secret1"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/auth/login", `{"username":"oleg","password":"wrong"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	pair := login(t, r)
	require.Equal(t, "bearer", pair.TokenType)

	w = do(r, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Bearer " + pair.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"username":"oleg"`)
}

func TestRefreshRotates(t *testing.T) {
	r, _, _ := setup(t)
	do(r, http.MethodPost, "/auth/register", `{"username":"oleg","email":"o@example.com","password":"secret1"}`, nil)
	pair := login(t, r)

	w := do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var next TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// Старый токен после ротации недействителен.
	w = do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Invalid token"}`, w.Body.String())
}

func TestRefreshExpired(t *testing.T) {
	r, store, svc := setup(t)
	do(r, http.MethodPost, "/auth/register", `{"username":"oleg","email":"o@example.com","password":"secret1"}`, nil)
	pair := login(t, r)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	w := do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Token expired"}`, w.Body.String())
	require.Empty(t, store.sessions, "истёкшая сессия должна удаляться")
}

func TestLogoutAll(t *testing.T) {
	r, store, _ := setup(t)
	do(r, http.MethodPost, "/auth/register", `{"username":"oleg","email":"o@example.com","password":"secret1"}`, nil)
	login(t, r)
	pair := login(t, r)
	require.Len(t, store.sessions, 2)

	w := do(r, http.MethodPost, "/auth/logout-all", "", map[string]string{"Authorization": "Bearer " + pair.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, store.sessions)
}

func TestTokensRejectForeign(t *testing.T) {
	tokens := NewTokens("a", time.Minute)
	other := NewTokens("b", time.Minute)
	tok, err := other.Issue("u1")
	require.NoError(t, err)
	_, err = tokens.Parse(tok)
	require.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Parse(none)
	require.Error(t, err)

	expired := NewTokens("a", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err = expired.Issue("u1")
	require.NoError(t, err)
	_, err = tokens.Parse(tok)
	require.Error(t, err)
}
