package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/referral-server/internal/config"
	"github.com/rongwang/referral-server/internal/incentive"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/repository"
)

func TestAddProfitFourLevelScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c, d := env.chain(t)

	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Incentives, 3)

	requireDecimal(t, "150", incentive.Total(env.get(t, c.ID).Referral.DirectReferral))
	requireDecimal(t, "75", incentive.Total(env.get(t, b.ID).Referral.Stage2Referral))
	requireDecimal(t, "75", incentive.Total(env.get(t, a.ID).Referral.Stage3Referral))

	// Nothing leaks to other stages
	assert.Empty(t, env.get(t, c.ID).Referral.Stage2Referral)
	assert.Empty(t, env.get(t, b.ID).Referral.DirectReferral)
	assert.Empty(t, env.get(t, a.ID).Referral.DirectReferral)

	_, err = env.svc.DeleteProfit(ctx, d.ID, result.ProfitEntry.ProfitEntryID)
	require.NoError(t, err)

	for _, u := range []*models.User{a, b, c} {
		ref := env.get(t, u.ID).Referral
		for _, stage := range models.Stages {
			assert.Empty(t, *ref.Links(stage), "user %s stage %d", u.Name, stage)
		}
	}
	assert.Empty(t, env.get(t, d.ID).FortnightlyProfit)
}

func TestAddProfitConservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, _, d := env.chain(t)

	for _, amount := range []string{"1000", "0.01", "333.33", "12345.678"} {
		result, err := env.svc.AddProfit(ctx, d.ID, dec(amount))
		require.NoError(t, err)

		total := dec("0")
		for _, credit := range result.Incentives {
			total = total.Add(credit.Amount)
		}
		requireDecimal(t, dec(amount).Mul(dec("0.30")).String(), total)
	}
}

func TestAddProfitSuperReferral(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, _, d := env.chain(t)

	_, err := env.svc.SetSuperReferral(ctx, b.ID, true)
	require.NoError(t, err)

	_, err = env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)

	requireDecimal(t, "82.5", incentive.Total(env.get(t, b.ID).Referral.Stage2Referral))
	requireDecimal(t, "75", incentive.Total(env.get(t, a.ID).Referral.Stage3Referral))
}

func TestAddProfitTruncatedChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := env.seed(t, "Root", "")
	child := env.seed(t, "Child", root.ReferralID)

	result, err := env.svc.AddProfit(ctx, child.ID, dec("100"))
	require.NoError(t, err)
	require.Len(t, result.Incentives, 1)
	assert.Empty(t, result.Warnings)
	requireDecimal(t, "15", incentive.Total(env.get(t, root.ID).Referral.DirectReferral))

	// A dangling referral code ends the chain silently
	orphan := env.seed(t, "Orphan", "REF-GONE000")
	result, err = env.svc.AddProfit(ctx, orphan.ID, dec("100"))
	require.NoError(t, err)
	assert.Empty(t, result.Incentives)
	assert.Empty(t, result.Warnings)
	assert.False(t, result.Partial)
}

func TestAddProfitCycleTerminates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seed(t, "Ann", "REF-BBBBBBB")
	b := &models.User{Name: "Ben", Email: "ben@example.com", ReferralID: "REF-BBBBBBB", ReferralByID: &a.ReferralID}
	require.NoError(t, env.repo.CreateUser(ctx, b))

	result, err := env.svc.AddProfit(ctx, a.ID, dec("100"))
	require.NoError(t, err)
	require.Len(t, result.Incentives, 1)
	assert.Equal(t, b.ID, result.Incentives[0].UserID)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "referral cycle detected", result.Warnings[0].Reason)
	assert.False(t, result.Partial)
}

func TestAddProfitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.seed(t, "Val", "")

	_, err := env.svc.AddProfit(ctx, "", dec("10"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.AddProfit(ctx, u.ID, dec("0"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.AddProfit(ctx, u.ID, dec("-1"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.AddProfit(ctx, "nobody", dec("10"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfitEntryIDsAreUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.seed(t, "Uniq", "")

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		result, err := env.svc.AddProfit(ctx, u.ID, dec("5"))
		require.NoError(t, err)
		id := result.ProfitEntry.ProfitEntryID
		assert.False(t, seen[id], "duplicate profit entry id %s", id)
		seen[id] = true
	}
	assert.Len(t, env.get(t, u.ID).FortnightlyProfit.Entries(), 20)
}

func TestDeleteProfitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, c, d := env.chain(t)

	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	entryID := result.ProfitEntry.ProfitEntryID

	_, err = env.svc.DeleteProfit(ctx, d.ID, entryID)
	require.NoError(t, err)
	after := env.get(t, c.ID)

	_, err = env.svc.DeleteProfit(ctx, d.ID, entryID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, after.Version, env.get(t, c.ID).Version, "ancestor must not be rewritten")

	_, err = env.svc.DeleteProfit(ctx, "nobody", entryID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddDeleteSymmetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c, d := env.chain(t)

	// Existing history that must survive untouched
	_, err := env.svc.AddProfit(ctx, d.ID, dec("40"))
	require.NoError(t, err)
	_, err = env.svc.AddProfit(ctx, c.ID, dec("60"))
	require.NoError(t, err)

	snapshot := func() string {
		out := make(map[string]models.Referral)
		for _, u := range []*models.User{a, b, c} {
			out[u.ID] = env.get(t, u.ID).Referral
		}
		raw, err := json.Marshal(out)
		require.NoError(t, err)
		return string(raw)
	}

	before := snapshot()
	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	require.NotEqual(t, before, snapshot())

	_, err = env.svc.DeleteProfit(ctx, d.ID, result.ProfitEntry.ProfitEntryID)
	require.NoError(t, err)
	assert.JSONEq(t, before, snapshot())
}

func TestDeleteIncentiveEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c, d := env.chain(t)

	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	entryID := result.ProfitEntry.ProfitEntryID

	stage3 := models.Stage3
	retracted, err := env.svc.DeleteIncentiveEntry(ctx, d.ID, entryID, &stage3)
	require.NoError(t, err)
	require.Len(t, retracted.Incentives, 1)
	assert.Equal(t, a.ID, retracted.Incentives[0].UserID)
	requireDecimal(t, "75", retracted.Incentives[0].Amount)
	assert.Empty(t, env.get(t, a.ID).Referral.Stage3Referral)

	retracted, err = env.svc.DeleteIncentiveEntry(ctx, d.ID, entryID, nil)
	require.NoError(t, err)
	assert.Len(t, retracted.Incentives, 2)
	assert.Empty(t, env.get(t, b.ID).Referral.Stage2Referral)
	assert.Empty(t, env.get(t, c.ID).Referral.DirectReferral)

	// Profit itself is untouched
	_, ok := env.get(t, d.ID).FortnightlyProfit.Find(entryID)
	assert.True(t, ok)

	_, err = env.svc.DeleteIncentiveEntry(ctx, d.ID, entryID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	invalid := models.Stage(0)
	_, err = env.svc.DeleteIncentiveEntry(ctx, d.ID, entryID, &invalid)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.DeleteIncentiveEntry(ctx, "nobody", entryID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAppendsLoseNoWrites(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Engine.MaxConflictRetries = 1000
	})
	ctx := context.Background()

	parent := env.seed(t, "Parent", "")
	children := make([]*models.User, 10)
	for i := range children {
		children[i] = env.seed(t, fmt.Sprintf("Child%d", i), parent.ReferralID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(children)*3)
	for _, child := range children {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				result, err := env.svc.AddProfit(ctx, id, dec("100"))
				if err == nil && result.Partial {
					err = fmt.Errorf("partial result for %s", id)
				}
				errs <- err
			}(child.ID)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	ref := env.get(t, parent.ID).Referral
	assert.Len(t, ref.DirectReferral, len(children))
	for _, link := range ref.DirectReferral {
		assert.Len(t, link.History, 3)
	}
	requireDecimal(t, "450", incentive.Total(ref.DirectReferral))
}

func TestConflictRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.seed(t, "Busy", "")

	attempts := 0
	env.repo.update = func(ctx context.Context, user *models.User) error {
		attempts++
		return repository.ErrVersionConflict
	}

	_, err := env.svc.AddProfit(ctx, u.ID, dec("10"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 4, attempts)
}

func TestAncestorTimeoutMarksPartialAndReplayConverges(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Engine.StoreTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	a, b, c, d := env.chain(t)

	env.repo.update = func(ctx context.Context, user *models.User) error {
		if user.ID == b.ID {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	assert.True(t, result.Partial)
	require.Len(t, result.Incentives, 1)
	assert.Equal(t, c.ID, result.Incentives[0].UserID)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, b.ID, result.Warnings[0].UserID)
	assert.Equal(t, "ancestor update timed out", result.Warnings[0].Reason)

	// Remaining hop was skipped
	assert.Empty(t, env.get(t, a.ID).Referral.Stage3Referral)

	env.repo.update = nil
	replay, err := env.svc.ReplayProfit(ctx, d.ID, result.ProfitEntry.ProfitEntryID)
	require.NoError(t, err)
	assert.False(t, replay.Partial)
	require.Len(t, replay.Incentives, 3)
	assert.False(t, replay.Incentives[0].Applied)
	assert.True(t, replay.Incentives[1].Applied)
	assert.True(t, replay.Incentives[2].Applied)

	requireDecimal(t, "150", incentive.Total(env.get(t, c.ID).Referral.DirectReferral))
	requireDecimal(t, "75", incentive.Total(env.get(t, b.ID).Referral.Stage2Referral))
	requireDecimal(t, "75", incentive.Total(env.get(t, a.ID).Referral.Stage3Referral))

	// Replaying again changes nothing
	replay, err = env.svc.ReplayProfit(ctx, d.ID, result.ProfitEntry.ProfitEntryID)
	require.NoError(t, err)
	for _, credit := range replay.Incentives {
		assert.False(t, credit.Applied)
	}
	assert.Len(t, env.get(t, c.ID).Referral.DirectReferral[0].History, 1)
}

func TestAncestorHopsSurviveCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	a, b, c, d := env.chain(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away while the first ancestor is being written
	env.repo.update = func(_ context.Context, user *models.User) error {
		if user.ID == c.ID {
			cancel()
		}
		return nil
	}

	result, err := env.svc.AddProfit(ctx, d.ID, dec("1000"))
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Incentives, 3)

	requireDecimal(t, "150", incentive.Total(env.get(t, c.ID).Referral.DirectReferral))
	requireDecimal(t, "75", incentive.Total(env.get(t, b.ID).Referral.Stage2Referral))
	requireDecimal(t, "75", incentive.Total(env.get(t, a.ID).Referral.Stage3Referral))

	// Retraction is detached the same way
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	env.repo.update = func(_ context.Context, user *models.User) error {
		if user.ID == c.ID {
			cancel()
		}
		return nil
	}

	deleted, err := env.svc.DeleteProfit(ctx, d.ID, result.ProfitEntry.ProfitEntryID)
	require.NoError(t, err)
	assert.False(t, deleted.Partial)
	require.Len(t, deleted.Incentives, 3)
	assert.Empty(t, env.get(t, a.ID).Referral.Stage3Referral)
}
