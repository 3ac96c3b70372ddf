package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/config"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/notify"
	"github.com/rongwang/referral-server/internal/repository"
)

// faultyRepo lets a test intercept document writes and health checks
type faultyRepo struct {
	*repository.MemoryRepository
	update  func(ctx context.Context, u *models.User) error
	pingErr error
}

func (f *faultyRepo) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.MemoryRepository.Ping(ctx)
}

func (f *faultyRepo) UpdateUser(ctx context.Context, u *models.User) error {
	if f.update != nil {
		if err := f.update(ctx, u); err != nil {
			return err
		}
	}
	return f.MemoryRepository.UpdateUser(ctx, u)
}

type testEnv struct {
	svc      *DefaultService
	repo     *faultyRepo
	store    *cache.MemoryStore
	recorder *notify.Recorder
	logs     *observer.ObservedLogs
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:     "test-secret-key",
			TokenDuration: time.Hour,
			AdminEmails:   []string{"admin@example.com"},
		},
		Engine: config.EngineConfig{
			StoreTimeout:       time.Second,
			MaxConflictRetries: 3,
		},
		Registration: config.RegistrationConfig{
			PendingTTL: 90 * time.Second,
			OTPPeriod:  90 * time.Second,
		},
	}
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}

	repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository()}
	store := cache.NewMemoryStore()
	recorder := notify.NewRecorder()
	observed, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), observed))

	return &testEnv{
		svc:      NewDefaultService(repo, store, recorder, logger, cfg),
		repo:     repo,
		store:    store,
		recorder: recorder,
		logs:     logs,
	}
}

// seed stores a user referred by the given referral code ("" for none)
func (e *testEnv) seed(t *testing.T, name, referredBy string) *models.User {
	t.Helper()

	u := &models.User{
		Name:          name,
		Email:         strings.ToLower(name) + "@example.com",
		ReferralID:    "REF-" + strings.ToUpper(uuid.New().String()[:7]),
		Role:          models.RoleReferral,
		AccountStatus: models.StatusActive,
	}
	if referredBy != "" {
		code := referredBy
		u.ReferralByID = &code
	}
	require.NoError(t, e.repo.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) get(t *testing.T, id string) *models.User {
	t.Helper()

	u, err := e.repo.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

// chain seeds A <- B <- C <- D
func (e *testEnv) chain(t *testing.T) (a, b, c, d *models.User) {
	a = e.seed(t, "Alice", "")
	b = e.seed(t, "Bob", a.ReferralID)
	c = e.seed(t, "Carol", b.ReferralID)
	d = e.seed(t, "Dave", c.ReferralID)
	return a, b, c, d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.True(t, dec(expected).Equal(actual), "expected %s, got %s", expected, actual.String())
}
