package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/models"
)

func revokedKey(tokenID string) string {
	return "revoked:" + tokenID
}

// CheckSession confirms that the holder of a token may still act: the token
// is not revoked and its subject exists and is active. The returned user
// carries the stored role, which supersedes the role claim.
func (s *DefaultService) CheckSession(ctx context.Context, userID, tokenID string) (*models.User, error) {
	if tokenID != "" {
		_, err := s.store.Get(ctx, revokedKey(tokenID))
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: token has been revoked", ErrUnauthorized)
		case !errors.Is(err, cache.ErrMiss):
			return nil, fmt.Errorf("error checking token revocation: %w", err)
		}
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: account no longer exists", ErrUnauthorized)
		}
		return nil, err
	}
	if user.AccountStatus != models.StatusActive {
		return nil, fmt.Errorf("%w: account is %s", ErrUnauthorized, user.AccountStatus)
	}
	return user, nil
}

// RefreshToken issues a fresh token for an active session and revokes the
// one presented
func (s *DefaultService) RefreshToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) (*models.AuthResponse, error) {
	user, err := s.CheckSession(ctx, userID, tokenID)
	if err != nil {
		return nil, err
	}

	resp, err := s.authResponse(user)
	if err != nil {
		return nil, err
	}
	if err := s.revoke(ctx, tokenID, expiresAt); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout revokes the token until it would have expired anyway
func (s *DefaultService) Logout(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token has no id", ErrValidation)
	}
	return s.revoke(ctx, tokenID, expiresAt)
}

func (s *DefaultService) revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	if _, err := s.store.SetIfAbsent(ctx, revokedKey(tokenID), []byte("1"), ttl); err != nil {
		return fmt.Errorf("error revoking token: %w", err)
	}
	s.logger.Info("session token revoked", zap.String("token_id", tokenID))
	return nil
}
