package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/incentive"
	"github.com/rongwang/referral-server/internal/metrics"
	"github.com/rongwang/referral-server/internal/models"
)

// AddProfit records a new profit entry on the user and credits every resolved
// ancestor. Only the write to the user's own document can fail the call;
// ancestor failures are reported in the result.
func (s *DefaultService) AddProfit(ctx context.Context, userID string, amount decimal.Decimal) (*models.ProfitResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: profit amount must be greater than zero", ErrValidation)
	}

	entry := models.ProfitEntry{
		ProfitEntryID: uuid.New().String(),
		Date:          s.now(),
		Amount:        amount,
	}

	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		u.FortnightlyProfit = append(u.FortnightlyProfit, models.ProfitBatch{
			History: []models.ProfitEntry{entry},
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ProfitEntriesTotal.WithLabelValues("add").Inc()

	result := &models.ProfitResult{
		Status:      "success",
		Message:     "Profit added",
		UserID:      user.ID,
		ProfitEntry: &entry,
		Incentives:  []models.StageCredit{},
	}
	s.propagate(ctx, user, entry, result)

	s.logger.Info("profit added",
		zap.String("user_id", user.ID),
		zap.String("profit_entry_id", entry.ProfitEntryID),
		zap.String("amount", amount.String()),
		zap.Int("ancestors_credited", len(result.Incentives)),
		zap.Bool("partial", result.Partial),
	)
	return result, nil
}

// DeleteProfit removes a profit entry from the user and retracts its
// incentives along the user's current chain. Deleting an entry that is gone
// is reported as ErrNotFound.
func (s *DefaultService) DeleteProfit(ctx context.Context, userID, profitEntryID string) (*models.ProfitResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(profitEntryID) == "" {
		return nil, fmt.Errorf("%w: userId and profitEntryId are required", ErrValidation)
	}

	var removed models.ProfitEntry
	user, err := s.mutateUser(ctx, userID, func(u *models.User) (bool, error) {
		entry, ok := u.FortnightlyProfit.Find(profitEntryID)
		if !ok {
			return false, fmt.Errorf("%w: profit entry %s", ErrNotFound, profitEntryID)
		}
		removed = entry
		u.FortnightlyProfit, _ = u.FortnightlyProfit.Remove(profitEntryID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ProfitEntriesTotal.WithLabelValues("delete").Inc()

	result := &models.ProfitResult{
		Status:      "success",
		Message:     "Profit entry deleted",
		UserID:      user.ID,
		ProfitEntry: &removed,
		Incentives:  []models.StageCredit{},
	}
	s.retract(ctx, user, profitEntryID, nil, result)

	s.logger.Info("profit deleted",
		zap.String("user_id", user.ID),
		zap.String("profit_entry_id", profitEntryID),
		zap.Int("ancestors_retracted", len(result.Incentives)),
		zap.Bool("partial", result.Partial),
	)
	return result, nil
}

// DeleteIncentiveEntry retracts the incentives derived from a profit entry
// without touching the user's own profit list. A non-nil stage limits the
// retraction to that hop.
func (s *DefaultService) DeleteIncentiveEntry(ctx context.Context, userID, profitEntryID string, stage *models.Stage) (*models.ProfitResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(profitEntryID) == "" {
		return nil, fmt.Errorf("%w: userId and profitEntryId are required", ErrValidation)
	}
	if stage != nil && !stage.Valid() {
		return nil, fmt.Errorf("%w: stage must be between 1 and %d", ErrValidation, models.MaxStage)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &models.ProfitResult{
		Status:     "success",
		Message:    "Incentive entries deleted",
		UserID:     user.ID,
		Incentives: []models.StageCredit{},
	}
	s.retract(ctx, user, profitEntryID, stage, result)

	if len(result.Incentives) == 0 && !result.Partial {
		return nil, fmt.Errorf("%w: no incentive entries for profit entry %s", ErrNotFound, profitEntryID)
	}
	return result, nil
}

// ReplayProfit re-applies an existing profit entry to the current chain.
// Ancestors that already carry the entry are left unchanged.
func (s *DefaultService) ReplayProfit(ctx context.Context, userID, profitEntryID string) (*models.ProfitResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(profitEntryID) == "" {
		return nil, fmt.Errorf("%w: userId and profitEntryId are required", ErrValidation)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry, ok := user.FortnightlyProfit.Find(profitEntryID)
	if !ok {
		return nil, fmt.Errorf("%w: profit entry %s", ErrNotFound, profitEntryID)
	}

	result := &models.ProfitResult{
		Status:      "success",
		Message:     "Profit entry replayed",
		UserID:      user.ID,
		ProfitEntry: &entry,
		Incentives:  []models.StageCredit{},
	}
	s.propagate(ctx, user, entry, result)
	return result, nil
}

// propagate appends the entry's stage incentive on each ancestor of user
func (s *DefaultService) propagate(ctx context.Context, user *models.User, entry models.ProfitEntry, result *models.ProfitResult) {
	ctx = chainContext(ctx)
	ancestors, warning := s.resolver.Walk(ctx, user)

	for _, a := range ancestors {
		stage := a.Stage
		credit := incentive.Credit{
			Stage:         stage,
			Descendant:    user,
			ProfitEntryID: entry.ProfitEntryID,
			Profit:        entry.Amount,
			Incentive:     incentive.Amount(entry.Amount, stage, a.User.SuperReferral),
		}

		applied := false
		ancestor, err := s.mutateUser(ctx, a.User.ID, func(u *models.User) (bool, error) {
			// Rate follows the flag as read in this attempt
			credit.Incentive = incentive.Amount(entry.Amount, stage, u.SuperReferral)
			applied = incentive.Append(&u.Referral, credit, s.now())
			return applied, nil
		})
		if err != nil {
			if s.hopFailed(a, err, result) {
				break
			}
			continue
		}

		if applied {
			metrics.IncentiveBatchesTotal.WithLabelValues("append", metrics.Stage(int(stage))).Inc()
		}
		result.Incentives = append(result.Incentives, models.StageCredit{
			Stage:      int(stage),
			StageLabel: stage.Label(),
			UserID:     ancestor.ID,
			Name:       ancestor.Name,
			Amount:     credit.Incentive,
			Applied:    applied,
		})
	}

	if warning != nil {
		s.addChainWarning(*warning, result)
	}
}

// retract removes the entry's batches from the ancestors of user. A non-nil
// only restricts it to one stage.
func (s *DefaultService) retract(ctx context.Context, user *models.User, profitEntryID string, only *models.Stage, result *models.ProfitResult) {
	ctx = chainContext(ctx)
	ancestors, warning := s.resolver.Walk(ctx, user)

	for _, a := range ancestors {
		stage := a.Stage
		if only != nil && stage != *only {
			continue
		}

		removed := false
		amount := decimal.Zero
		ancestor, err := s.mutateUser(ctx, a.User.ID, func(u *models.User) (bool, error) {
			amount, removed = incentive.Retract(&u.Referral, stage, user.ID, profitEntryID)
			return removed, nil
		})
		if err != nil {
			if s.hopFailed(a, err, result) {
				break
			}
			continue
		}
		if !removed {
			continue
		}

		metrics.IncentiveBatchesTotal.WithLabelValues("retract", metrics.Stage(int(stage))).Inc()
		result.Incentives = append(result.Incentives, models.StageCredit{
			Stage:      int(stage),
			StageLabel: stage.Label(),
			UserID:     ancestor.ID,
			Name:       ancestor.Name,
			Amount:     amount,
			Applied:    true,
		})
	}

	if warning != nil {
		s.addChainWarning(*warning, result)
	}
}

// hopFailed records an ancestor update failure on the result and reports
// whether the remaining hops must be skipped
func (s *DefaultService) hopFailed(a incentive.Ancestor, err error, result *models.ProfitResult) bool {
	result.Partial = true

	reason := "ancestor update failed"
	if isTimeout(err) {
		reason = "ancestor update timed out"
	}
	metrics.ChainWarningsTotal.WithLabelValues(reason).Inc()

	s.logger.Warn(reason,
		zap.String("user_id", result.UserID),
		zap.String("ancestor_id", a.User.ID),
		zap.Int("stage", int(a.Stage)),
		zap.Error(err),
	)
	result.Warnings = append(result.Warnings, models.Warning{
		UserID: a.User.ID,
		Stage:  int(a.Stage),
		Reason: reason,
		Detail: err.Error(),
	})

	return isTimeout(err)
}

func (s *DefaultService) addChainWarning(w incentive.ChainWarning, result *models.ProfitResult) {
	s.logChainWarning(w)

	warning := models.Warning{UserID: w.UserID, Stage: w.Stage, Reason: w.Reason}
	if w.Err != nil {
		warning.Detail = w.Err.Error()
		result.Partial = true
	}
	result.Warnings = append(result.Warnings, warning)
}

func (s *DefaultService) logChainWarning(w incentive.ChainWarning) {
	metrics.ChainWarningsTotal.WithLabelValues(w.Reason).Inc()
	s.logger.Warn("referral chain walk stopped early",
		zap.String("user_id", w.UserID),
		zap.Int("stage", w.Stage),
		zap.String("reason", w.Reason),
		zap.Error(w.Err),
	)
}
