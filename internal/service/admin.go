package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/models"
)

func (s *DefaultService) ListUsers(ctx context.Context, query models.ListQuery) (*models.UserListResponse, error) {
	users, pagination, err := s.listPage(ctx, query)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}

	return &models.UserListResponse{
		Status:     "success",
		Users:      users,
		Pagination: pagination,
	}, nil
}

func (s *DefaultService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.loadUser(ctx, userID)
}

func (s *DefaultService) UpdateUserRole(ctx context.Context, userID string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		if u.Role == role {
			return false, nil
		}
		u.Role = role
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user role updated", zap.String("user_id", userID), zap.String("role", string(role)))
	return user, nil
}

func (s *DefaultService) UpdateUserStatus(ctx context.Context, userID, status string) (*models.User, error) {
	switch status {
	case models.StatusActive, models.StatusSuspended, models.StatusInactive:
	default:
		return nil, fmt.Errorf("%w: unknown account status %q", ErrValidation, status)
	}

	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		if u.AccountStatus == status {
			return false, nil
		}
		u.AccountStatus = status
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account status updated", zap.String("user_id", userID), zap.String("status", status))
	return user, nil
}

// SetSuperReferral changes the rate multiplier for future incentives only
func (s *DefaultService) SetSuperReferral(ctx context.Context, userID string, superReferral bool) (*models.User, error) {
	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		if u.SuperReferral == superReferral {
			return false, nil
		}
		u.SuperReferral = superReferral
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("super referral flag updated", zap.String("user_id", userID), zap.Bool("super_referral", superReferral))
	return user, nil
}

// DeleteUser removes the user document. Descendants keep their referral code,
// which no longer resolves, so their chains end below the deleted user.
// Incentives those descendants already earned for ancestors above the deleted
// user can then no longer be retracted through the chain.
func (s *DefaultService) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}

	links := 0
	for _, stage := range models.Stages {
		links += len(*user.Referral.Links(stage))
	}
	if links > 0 {
		s.logger.Warn("deleted user had referrals, their chains now end below it",
			zap.String("user_id", userID),
			zap.Int("referral_links", links),
		)
	}
	s.logger.Info("user deleted", zap.String("user_id", userID))
	return nil
}
