package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/config"
	"github.com/rongwang/referral-server/internal/incentive"
	"github.com/rongwang/referral-server/internal/metrics"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/notify"
	"github.com/rongwang/referral-server/internal/repository"
)

// Service defines all the business logic operations
type Service interface {
	// Registration and authentication
	Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error)
	VerifyOTP(ctx context.Context, req models.VerifyOTPRequest) (*models.AuthResponse, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)
	GetProfile(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, req models.UpdateProfileRequest) (*models.User, error)

	// Sessions
	CheckSession(ctx context.Context, userID, tokenID string) (*models.User, error)
	RefreshToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) (*models.AuthResponse, error)
	Logout(ctx context.Context, tokenID string, expiresAt time.Time) error

	// Profit entries and their incentives
	AddProfit(ctx context.Context, userID string, amount decimal.Decimal) (*models.ProfitResult, error)
	DeleteProfit(ctx context.Context, userID, profitEntryID string) (*models.ProfitResult, error)
	DeleteIncentiveEntry(ctx context.Context, userID, profitEntryID string, stage *models.Stage) (*models.ProfitResult, error)
	ReplayProfit(ctx context.Context, userID, profitEntryID string) (*models.ProfitResult, error)

	// Reporting
	GetOwnIncentives(ctx context.Context, userID string) (*models.IncentivesResponse, error)
	GetOwnProfit(ctx context.Context, userID string) (*models.ProfitHistoryResponse, error)
	GetTeam(ctx context.Context, userID string) (*models.TeamResponse, error)
	AdminListIncentives(ctx context.Context, query models.ListQuery) (*models.AdminIncentivesResponse, error)
	AdminListProfit(ctx context.Context, query models.ListQuery) (*models.AdminProfitResponse, error)

	// User administration
	ListUsers(ctx context.Context, query models.ListQuery) (*models.UserListResponse, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	UpdateUserRole(ctx context.Context, userID string, role models.Role) (*models.User, error)
	UpdateUserStatus(ctx context.Context, userID, status string) (*models.User, error)
	SetSuperReferral(ctx context.Context, userID string, superReferral bool) (*models.User, error)
	DeleteUser(ctx context.Context, userID string) error

	// Ping reports whether the user directory is reachable
	Ping(ctx context.Context) error
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo     repository.Repository
	resolver *incentive.Resolver
	store    cache.Store
	notifier notify.Notifier
	logger   *zap.Logger

	jwtSecret     []byte
	tokenDuration time.Duration
	adminEmails   map[string]bool

	storeTimeout time.Duration
	maxRetries   int
	pendingTTL   time.Duration
	otpPeriod    time.Duration

	now func() time.Time
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(
	repo repository.Repository,
	store cache.Store,
	notifier notify.Notifier,
	logger *zap.Logger,
	cfg *config.Config,
) *DefaultService {
	admins := make(map[string]bool, len(cfg.Auth.AdminEmails))
	for _, email := range cfg.Auth.AdminEmails {
		admins[normalizeEmail(email)] = true
	}

	s := &DefaultService{
		repo:          repo,
		store:         store,
		notifier:      notifier,
		logger:        logger,
		jwtSecret:     []byte(cfg.Auth.JWTSecret),
		tokenDuration: cfg.Auth.TokenDuration,
		adminEmails:   admins,
		storeTimeout:  cfg.Engine.StoreTimeout,
		maxRetries:    cfg.Engine.MaxConflictRetries,
		pendingTTL:    cfg.Registration.PendingTTL,
		otpPeriod:     cfg.Registration.OTPPeriod,
		now:           func() time.Time { return time.Now().UTC() },
	}
	s.resolver = incentive.NewResolver(timedLookup{s})
	return s
}

// timedLookup bounds each referral code lookup of a chain walk
type timedLookup struct {
	s *DefaultService
}

func (l timedLookup) GetUserByReferralID(ctx context.Context, referralID string) (*models.User, error) {
	ctx, cancel := l.s.storeContext(ctx)
	defer cancel()
	return l.s.repo.GetUserByReferralID(ctx, referralID)
}

func (s *DefaultService) Ping(ctx context.Context) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.repo.Ping(ctx)
}

// chainContext detaches the ancestor walk from the caller's cancellation once
// the user's own document is written. Each hop stays bounded by storeContext.
func chainContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (s *DefaultService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// loadUser fetches a user document under the store timeout. A missing user
// is reported as ErrNotFound.
func (s *DefaultService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return user, nil
}

// mutateUser reads the user document, lets fn modify it and writes it back
// under the version check. A version conflict re-reads and re-applies fn, up
// to maxRetries times. When fn reports no change nothing is written.
func (s *DefaultService) mutateUser(ctx context.Context, userID string, fn func(u *models.User) (bool, error)) (*models.User, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		user, err := s.loadUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		changed, err := fn(user)
		if err != nil {
			return nil, err
		}
		if !changed {
			return user, nil
		}

		writeCtx, cancel := s.storeContext(ctx)
		err = s.repo.UpdateUser(writeCtx, user)
		cancel()
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("error updating user %s: %w", userID, err)
		}

		metrics.VersionConflictsTotal.Inc()
		s.logger.Debug("user document changed concurrently, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, fmt.Errorf("%w: user %s was modified concurrently, try again", ErrConflict, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
