package middleware

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/kiosk/internal/db"
)

type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemorySettings() *memorySettings {
	return &memorySettings{values: map[string]string{}}
}

func (m *memorySettings) GetSetting(_ context.Context, key string) (*db.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &db.Setting{Key: key, Value: v}, nil
}

func (m *memorySettings) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memorySettings) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func newTestRouter(t *testing.T, settings SettingsStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth, err := NewAuthMiddleware(settings, false)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/owner/setup", auth.SetupHandler)
	r.POST("/owner/login", auth.LoginHandler)
	r.POST("/owner/logout", auth.LogoutHandler)
	r.GET("/owner/status", auth.StatusHandler)
	protected := r.Group("/owner", auth.RequireAuth())
	protected.POST("/password", auth.ChangePasswordHandler)
	protected.POST("/sessions/revoke", auth.RevokeSessionsHandler)
	protected.GET("/jobs", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"jobs": []string{}}) })
	return r
}

func do(r http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func authCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("no auth cookie set")
	return nil
}

func TestSecretIsPersisted(t *testing.T) {
	settings := newMemorySettings()
	first, err := NewAuthMiddleware(settings, false)
	require.NoError(t, err)
	second, err := NewAuthMiddleware(settings, false)
	require.NoError(t, err)

	assert.Len(t, first.key, 32)
	assert.Equal(t, first.key, second.key)
}

func TestSetupThenLogin(t *testing.T) {
	r := newTestRouter(t, newMemorySettings())

	w := do(r, http.MethodGet, "/owner/status", "")
	assert.Contains(t, w.Body.String(), `"setup_required":true`)

	w = do(r, http.MethodPost, "/owner/login", `{"password":"hunter22"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/owner/setup", `{"password":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/owner/setup", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/owner/setup", `{"password":"another1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/owner/login", `{"password":"wrong-one"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/owner/login", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cookie := authCookie(t, w)

	w = do(r, http.MethodGet, "/owner/status", "", cookie)
	assert.Contains(t, w.Body.String(), `"authenticated":true`)
}

func TestRequireAuth(t *testing.T) {
	r := newTestRouter(t, newMemorySettings())

	w := do(r, http.MethodGet, "/owner/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/owner/jobs", "", &http.Cookie{Name: cookieName, Value: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/owner/setup", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cookie := authCookie(t, w)

	w = do(r, http.MethodGet, "/owner/jobs", "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/owner/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+cookie.Value)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePassword(t *testing.T) {
	r := newTestRouter(t, newMemorySettings())

	w := do(r, http.MethodPost, "/owner/setup", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cookie := authCookie(t, w)

	w = do(r, http.MethodPost, "/owner/password", `{"current_password":"nope","new_password":"swordfish"}`, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/owner/password", `{"current_password":"hunter22","new_password":"swordfish"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/owner/login", `{"password":"hunter22"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodPost, "/owner/login", `{"password":"swordfish"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRevokeSessionsEndsOtherTokens(t *testing.T) {
	settings := newMemorySettings()
	r := newTestRouter(t, settings)

	w := do(r, http.MethodPost, "/owner/sessions/revoke", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/owner/setup", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	tablet := authCookie(t, w)

	w = do(r, http.MethodPost, "/owner/login", `{"password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)
	laptop := authCookie(t, w)
	oldKey := settings.values[KeySigningKey]

	w = do(r, http.MethodPost, "/owner/sessions/revoke", "", laptop)
	require.Equal(t, http.StatusOK, w.Code)
	fresh := authCookie(t, w)
	assert.NotEqual(t, oldKey, settings.values[KeySigningKey])

	w = do(r, http.MethodGet, "/owner/jobs", "", tablet)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodGet, "/owner/jobs", "", laptop)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodGet, "/owner/jobs", "", fresh)
	assert.Equal(t, http.StatusOK, w.Code)

	// A restart picks up the rotated key.
	restarted, err := NewAuthMiddleware(settings, false)
	require.NoError(t, err)
	assert.Equal(t, settings.values[KeySigningKey], hex.EncodeToString(restarted.key))
}

func TestTokenSignedWithOtherKeyIsRejected(t *testing.T) {
	r := newTestRouter(t, newMemorySettings())

	other, err := NewAuthMiddleware(newMemorySettings(), false)
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ownerClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
		Owner:            true,
	}).SignedString(other.key)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/owner/jobs", "", &http.Cookie{Name: cookieName, Value: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
