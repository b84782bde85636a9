package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/kiosk/internal/db"
)

const (
	cookieName = "kiosk_auth"
	sessionTTL = 24 * time.Hour
	issuer     = "kiosk"

	// Settings keys. Deleting both puts the kiosk back into first-run setup.
	KeyOwnerPassword = "owner_password"
	KeySigningKey    = "jwt_secret"
)

var (
	errNoOwner       = errors.New("owner password not set")
	errWrongPassword = errors.New("wrong password")
)

// SettingsStore is the slice of the settings table owner sessions need.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

type ownerClaims struct {
	jwt.RegisteredClaims
	Owner bool `json:"owner"`
}

// AuthMiddleware guards the /owner routes. A session is an HS256 token kept
// in a cookie or sent as a bearer token; rotating the signing key ends all
// sessions at once.
type AuthMiddleware struct {
	settings SettingsStore
	secure   bool

	mu  sync.RWMutex
	key []byte
}

type passwordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

// NewAuthMiddleware loads the signing key, creating one on first start.
// The kiosk serves plain HTTP on localhost, so cookies are only marked
// secure when secureCookies is set.
func NewAuthMiddleware(settings SettingsStore, secureCookies bool) (*AuthMiddleware, error) {
	a := &AuthMiddleware{settings: settings, secure: secureCookies}

	ctx := context.Background()
	setting, err := settings.GetSetting(ctx, KeySigningKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		a.key, err = a.newSigningKey(ctx)
	case err == nil:
		a.key, err = hex.DecodeString(setting.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return a, nil
}

func (a *AuthMiddleware) newSigningKey(ctx context.Context) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := a.settings.SetSetting(ctx, KeySigningKey, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func (a *AuthMiddleware) signingKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.key
}

// checkPassword returns errNoOwner before setup and errWrongPassword on mismatch.
func (a *AuthMiddleware) checkPassword(ctx context.Context, password string) error {
	setting, err := a.settings.GetSetting(ctx, KeyOwnerPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoOwner
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(password)) != nil {
		return errWrongPassword
	}
	return nil
}

func (a *AuthMiddleware) setPassword(ctx context.Context, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.settings.SetSetting(ctx, KeyOwnerPassword, string(hashed))
}

func (a *AuthMiddleware) setupRequired(ctx context.Context) bool {
	_, err := a.settings.GetSetting(ctx, KeyOwnerPassword)
	return errors.Is(err, sql.ErrNoRows)
}

// startSession signs a fresh token and hands it to the browser.
func (a *AuthMiddleware) startSession(c *gin.Context) bool {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ownerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
		Owner: true,
	}).SignedString(a.signingKey())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to start session"})
		return false
	}
	c.SetCookie(cookieName, token, int(sessionTTL.Seconds()), "/", "", a.secure, true)
	return true
}

func (a *AuthMiddleware) endSession(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", a.secure, true)
}

func sessionToken(c *gin.Context) string {
	if raw, err := c.Cookie(cookieName); err == nil && raw != "" {
		return raw
	}
	if raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return raw
	}
	return ""
}

func (a *AuthMiddleware) ownerSession(c *gin.Context) bool {
	raw := sessionToken(c)
	if raw == "" {
		return false
	}

	var claims ownerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.signingKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	return err == nil && claims.Owner
}

func (a *AuthMiddleware) SetupHandler(c *gin.Context) {
	ctx := c.Request.Context()
	if !a.setupRequired(ctx) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Setup already completed"})
		return
	}

	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Password must be at least 6 characters"})
		return
	}
	if err := a.setPassword(ctx, req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to save password"})
		return
	}
	if a.startSession(c) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Setup completed"})
	}
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	switch err := a.checkPassword(c.Request.Context(), req.Password); {
	case errors.Is(err, errNoOwner):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Setup required"})
	case errors.Is(err, errWrongPassword):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid password"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Server error"})
	default:
		if a.startSession(c) {
			c.JSON(http.StatusOK, gin.H{"success": true})
		}
	}
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.endSession(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	if a.ownerSession(c) {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{SetupRequired: a.setupRequired(c.Request.Context())})
}

func (a *AuthMiddleware) ChangePasswordHandler(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	if err := a.checkPassword(ctx, req.CurrentPassword); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errWrongPassword) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"success": false, "error": "Current password is incorrect"})
		return
	}
	if err := a.setPassword(ctx, req.NewPassword); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update password"})
		return
	}
	if a.startSession(c) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password changed"})
	}
}

// RevokeSessionsHandler replaces the signing key so every issued token stops
// working, then starts a new session for the caller.
func (a *AuthMiddleware) RevokeSessionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	a.mu.Lock()
	err := a.settings.DeleteSetting(ctx, KeySigningKey)
	if err == nil {
		var key []byte
		if key, err = a.newSigningKey(ctx); err == nil {
			a.key = key
		}
	}
	a.mu.Unlock()

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to rotate signing key"})
		return
	}
	if a.startSession(c) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "All other sessions ended"})
	}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.ownerSession(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
			return
		}
		c.Set("owner", true)
		c.Next()
	}
}
