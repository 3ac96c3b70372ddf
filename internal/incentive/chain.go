package incentive

import (
	"context"
	"fmt"

	"github.com/rongwang/referral-server/internal/models"
)

// UserLookup resolves a user by public referral code. A missing user is
// reported as (nil, nil).
type UserLookup interface {
	GetUserByReferralID(ctx context.Context, referralID string) (*models.User, error)
}

// Ancestor is a resolved hop of the referral chain
type Ancestor struct {
	Stage models.Stage
	User  *models.User
}

// ChainWarning is a non-fatal anomaly met while walking the chain
type ChainWarning struct {
	UserID string `json:"userId"`
	Stage  int    `json:"stage"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (w ChainWarning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("referral chain at stage %d (user %s): %s: %v", w.Stage, w.UserID, w.Reason, w.Err)
	}
	return fmt.Sprintf("referral chain at stage %d (user %s): %s", w.Stage, w.UserID, w.Reason)
}

func (w ChainWarning) Unwrap() error {
	return w.Err
}

// Resolver walks "who referred this user" upward through referral codes
type Resolver struct {
	lookup UserLookup
}

// NewResolver creates a resolver backed by the given lookup
func NewResolver(lookup UserLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// ResolveAncestor returns the direct referrer of user, or nil when user has no
// referrer or the referral code no longer resolves.
func (r *Resolver) ResolveAncestor(ctx context.Context, user *models.User) (*models.User, error) {
	code := user.ReferrerCode()
	if code == "" {
		return nil, nil
	}
	return r.lookup.GetUserByReferralID(ctx, code)
}

// Walk resolves up to MaxStage ancestors of start. A dangling referral code
// ends the walk silently. A lookup failure or a cycle ends it with a warning;
// ancestors resolved before that point are still returned.
func (r *Resolver) Walk(ctx context.Context, start *models.User) ([]Ancestor, *ChainWarning) {
	visited := map[string]bool{start.ID: true}
	ancestors := make([]Ancestor, 0, int(models.MaxStage))

	current := start
	for stage := models.StageDirect; stage <= models.MaxStage; stage++ {
		next, err := r.ResolveAncestor(ctx, current)
		if err != nil {
			return ancestors, &ChainWarning{UserID: current.ID, Stage: int(stage), Reason: "ancestor lookup failed", Err: err}
		}
		if next == nil {
			break
		}
		if visited[next.ID] {
			return ancestors, &ChainWarning{UserID: next.ID, Stage: int(stage), Reason: "referral cycle detected"}
		}
		visited[next.ID] = true
		ancestors = append(ancestors, Ancestor{Stage: stage, User: next})
		current = next
	}

	return ancestors, nil
}
