package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/rongwang/referral-server/internal/api"
	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/config"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/notify"
	"github.com/rongwang/referral-server/internal/repository"
	"github.com/rongwang/referral-server/internal/service"
)

// TestPassword is the password of every user created by CreateUser
const TestPassword = "testpassword"

// AdminEmail is configured as an admin address in the test config
const AdminEmail = "admin@example.com"

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository *repository.MemoryRepository
	Store      *cache.MemoryStore
	Notifier   *notify.Recorder
	Service    service.Service
	Config     *config.Config
	JWTSecret  []byte

	TestUserID  string
	TestUserJWT string
	AdminID     string
	AdminJWT    string
}

// SetupTestContext wires the API against in-memory storage, cache and
// notifications, and seeds one regular user and one admin
func SetupTestContext(t *testing.T) *TestContext {
	// Load configuration from environment
	cfg := config.LoadConfig()

	// Override with test-specific config
	cfg.Auth.JWTSecret = "test-secret-key"
	cfg.Auth.AdminEmails = []string{AdminEmail}
	cfg.Engine.StoreTimeout = 5 * time.Second
	cfg.Engine.MaxConflictRetries = 3
	cfg.Registration.PendingTTL = 90 * time.Second
	cfg.Registration.OTPPeriod = 90 * time.Second

	logger := zaptest.NewLogger(t)
	repo := repository.NewMemoryRepository()
	store := cache.NewMemoryStore()
	recorder := notify.NewRecorder()

	svc := service.NewDefaultService(repo, store, recorder, logger, cfg)
	handler := api.NewHandler(svc, logger)

	// Set up Gin router
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.SecretMiddleware(cfg.Auth.JWTSecret))
	handler.SetupRoutes(router)

	tc := &TestContext{
		Router:     router,
		Repository: repo,
		Store:      store,
		Notifier:   recorder,
		Service:    svc,
		Config:     cfg,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
	}

	testUser := tc.CreateUser(t, "Test User", "testuser@example.com", "")
	tc.TestUserID = testUser.ID
	tc.TestUserJWT = tc.TokenFor(t, testUser)

	admin := tc.CreateAdmin(t, "Admin", AdminEmail)
	tc.AdminID = admin.ID
	tc.AdminJWT = tc.TokenFor(t, admin)

	return tc
}

// CreateAdmin stores a verified user holding the admin role
func (tc *TestContext) CreateAdmin(t *testing.T, name, email string) *models.User {
	t.Helper()

	admin := tc.CreateUser(t, name, email, "")
	admin.Role = models.RoleAdmin
	require.NoError(t, tc.Repository.UpdateUser(context.Background(), admin))
	return admin
}

// CreateUser stores a verified user directly, bypassing registration.
// referredBy is the referrer's referral code or "".
func (tc *TestContext) CreateUser(t *testing.T, name, email, referredBy string) *models.User {
	t.Helper()

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{
		Email:         email,
		Name:          name,
		Phone:         "0400000000",
		Password:      string(hashedPassword),
		ReferralID:    "REF-" + strings.ToUpper(uuid.New().String()[:7]),
		Role:          models.RoleReferral,
		AccountStatus: models.StatusActive,
		EmailVerified: true,
	}
	if referredBy != "" {
		code := referredBy
		user.ReferralByID = &code
	}

	require.NoError(t, tc.Repository.CreateUser(context.Background(), user), "Failed to create test user")
	return user
}

// TokenFor signs a token for user with the test secret
func (tc *TestContext) TokenFor(t *testing.T, user *models.User) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID,
		"jti":  uuid.New().String(),
		"role": string(user.Role),
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	})

	tokenString, err := token.SignedString(tc.JWTSecret)
	require.NoError(t, err, "Failed to generate JWT token")
	return tokenString
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// DecodeJSON unmarshals a response body into v
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}
