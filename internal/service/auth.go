package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/incentive"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/notify"
	"github.com/rongwang/referral-server/internal/repository"
)

const (
	referralIDPrefix   = "REF-"
	referralIDLength   = 7
	referralIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	referralIDAttempts = 5

	otpIssuer = "referral-server"
)

// pendingRegistration is what Register parks in the TTL store until the
// one-time code is confirmed
type pendingRegistration struct {
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	PasswordHash string    `json:"passwordHash"`
	ReferralByID string    `json:"referralbyId,omitempty"`
	OTPSecret    string    `json:"otpSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

func pendingKey(email string) string {
	return "pending:" + email
}

// Authentication methods
func (s *DefaultService) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	email := normalizeEmail(req.Email)
	referralBy := strings.TrimSpace(req.ReferralByID)

	// Check if user already exists
	existingUser, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("error checking user existence: %w", err)
	}
	if existingUser != nil {
		return nil, fmt.Errorf("%w: user with this email already exists", ErrAlreadyExists)
	}

	if referralBy != "" {
		referrer, err := s.repo.GetUserByReferralID(ctx, referralBy)
		if err != nil {
			return nil, fmt.Errorf("error checking referral code: %w", err)
		}
		if referrer == nil {
			return nil, fmt.Errorf("%w: referral code %s does not exist", ErrValidation, referralBy)
		}
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      otpIssuer,
		AccountName: email,
		Period:      s.otpPeriodSeconds(),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("error generating otp secret: %w", err)
	}

	code, err := totp.GenerateCodeCustom(key.Secret(), s.now(), s.otpOpts())
	if err != nil {
		return nil, fmt.Errorf("error generating otp: %w", err)
	}

	pending, err := json.Marshal(pendingRegistration{
		Name:         strings.TrimSpace(req.Name),
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hashedPassword),
		ReferralByID: referralBy,
		OTPSecret:    key.Secret(),
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding pending registration: %w", err)
	}

	stored, err := s.store.SetIfAbsent(ctx, pendingKey(email), pending, s.pendingTTL)
	if err != nil {
		return nil, fmt.Errorf("error storing pending registration: %w", err)
	}
	if !stored {
		return nil, fmt.Errorf("%w: a registration for this email is already awaiting verification", ErrAlreadyExists)
	}

	s.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventOTP,
		Recipient: email,
		Data:      map[string]string{"name": req.Name, "otp": code},
		CreatedAt: s.now(),
	})

	s.logger.Info("registration pending verification", zap.String("email", email))

	return &models.RegisterResponse{
		Status:    "success",
		Message:   "OTP sent to email",
		Email:     email,
		ExpiresIn: int(s.pendingTTL.Seconds()),
	}, nil
}

func (s *DefaultService) VerifyOTP(ctx context.Context, req models.VerifyOTPRequest) (*models.AuthResponse, error) {
	email := normalizeEmail(req.Email)

	raw, err := s.store.Get(ctx, pendingKey(email))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("%w: no pending registration for %s, it may have expired", ErrNotFound, email)
		}
		return nil, fmt.Errorf("error reading pending registration: %w", err)
	}

	var pending pendingRegistration
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("error decoding pending registration: %w", err)
	}

	valid, err := totp.ValidateCustom(req.OTP, pending.OTPSecret, s.now(), s.otpOpts())
	if err != nil || !valid {
		return nil, fmt.Errorf("%w: invalid or expired OTP", ErrValidation)
	}

	role := models.RoleReferral
	if s.adminEmails[email] {
		role = models.RoleAdmin
	}

	user := &models.User{
		ID:            uuid.New().String(),
		Email:         email,
		Name:          pending.Name,
		Phone:         pending.Phone,
		Password:      pending.PasswordHash,
		Role:          role,
		AccountStatus: models.StatusActive,
		EmailVerified: true,
	}
	if pending.ReferralByID != "" {
		code := pending.ReferralByID
		user.ReferralByID = &code
	}

	if err := s.createWithReferralID(ctx, user); err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, pendingKey(email)); err != nil {
		s.logger.Warn("failed to clear pending registration", zap.String("email", email), zap.Error(err))
	}

	s.linkAncestors(ctx, user)

	s.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventWelcome,
		Recipient: email,
		Data:      map[string]string{"name": user.Name, "referralId": user.ReferralID},
		CreatedAt: s.now(),
	})

	return s.authResponse(user)
}

// createWithReferralID inserts user under a fresh referral code, drawing a new
// code when the generated one is already taken
func (s *DefaultService) createWithReferralID(ctx context.Context, user *models.User) error {
	for i := 0; i < referralIDAttempts; i++ {
		code, err := newReferralID()
		if err != nil {
			return fmt.Errorf("error generating referral id: %w", err)
		}
		user.ReferralID = code

		err = s.repo.CreateUser(ctx, user)
		switch {
		case err == nil:
			s.logger.Info("user created",
				zap.String("user_id", user.ID),
				zap.String("referral_id", user.ReferralID),
				zap.String("role", string(user.Role)),
			)
			return nil
		case errors.Is(err, repository.ErrDuplicateReferralID):
			continue
		case errors.Is(err, repository.ErrDuplicateEmail):
			return fmt.Errorf("%w: user with this email already exists", ErrAlreadyExists)
		default:
			return fmt.Errorf("error creating user: %w", err)
		}
	}
	return fmt.Errorf("error creating user: no free referral id after %d attempts", referralIDAttempts)
}

// linkAncestors records the new user on every ancestor up to stage 3. Failures
// are logged; the first profit entry creates any missing link anyway.
func (s *DefaultService) linkAncestors(ctx context.Context, user *models.User) {
	ctx = chainContext(ctx)
	ancestors, warning := s.resolver.Walk(ctx, user)
	if warning != nil {
		s.logChainWarning(*warning)
	}

	for _, a := range ancestors {
		stage := a.Stage
		_, err := s.mutateUser(ctx, a.User.ID, func(u *models.User) (bool, error) {
			return incentive.EnsureLink(&u.Referral, stage, user, s.now()), nil
		})
		if err != nil {
			s.logger.Warn("failed to link new user to ancestor",
				zap.String("user_id", user.ID),
				zap.String("ancestor_id", a.User.ID),
				zap.Int("stage", int(stage)),
				zap.Error(err),
			)
		}
	}
}

func (s *DefaultService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	// Get the user
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}

	if user == nil {
		return nil, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
	}

	if user.AccountStatus != models.StatusActive {
		return nil, fmt.Errorf("%w: account is %s", ErrUnauthorized, user.AccountStatus)
	}

	return s.authResponse(user)
}

func (s *DefaultService) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	return s.loadUser(ctx, userID)
}

// UpdateProfile changes the user's name, phone or email. A new email must not
// belong to another account.
func (s *DefaultService) UpdateProfile(ctx context.Context, userID string, req models.UpdateProfileRequest) (*models.User, error) {
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	email := normalizeEmail(req.Email)

	if email != "" {
		existingUser, err := s.repo.GetUserByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("error checking user existence: %w", err)
		}
		if existingUser != nil && existingUser.ID != userID {
			return nil, fmt.Errorf("%w: email is already in use by another account", ErrAlreadyExists)
		}
	}

	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		changed := false
		if name != "" && name != u.Name {
			u.Name, changed = name, true
		}
		if phone != "" && phone != u.Phone {
			u.Phone, changed = phone, true
		}
		if email != "" && email != u.Email {
			u.Email, changed = email, true
		}
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: email is already in use by another account", ErrAlreadyExists)
		}
		return nil, err
	}

	s.logger.Info("profile updated", zap.String("user_id", userID))
	return user, nil
}

func (s *DefaultService) authResponse(user *models.User) (*models.AuthResponse, error) {
	token, err := s.generateJWT(user)
	if err != nil {
		return nil, fmt.Errorf("error generating token: %w", err)
	}

	return &models.AuthResponse{
		Status:     "success",
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Role:       user.Role,
		ReferralID: user.ReferralID,
		Token:      token,
		ExpiresIn:  int(s.tokenDuration.Seconds()),
	}, nil
}

func (s *DefaultService) generateJWT(user *models.User) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"sub":  user.ID, // subject
		"jti":  uuid.New().String(),
		"role": string(user.Role),
		"exp":  now.Add(s.tokenDuration).Unix(),
		"iat":  now.Unix(), // issued at
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *DefaultService) otpPeriodSeconds() uint {
	if s.otpPeriod < time.Second {
		return 30
	}
	return uint(s.otpPeriod / time.Second)
}

func (s *DefaultService) otpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    s.otpPeriodSeconds(),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func newReferralID() (string, error) {
	var b strings.Builder
	b.WriteString(referralIDPrefix)
	alphabetSize := big.NewInt(int64(len(referralIDAlphabet)))
	for i := 0; i < referralIDLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b.WriteByte(referralIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}
