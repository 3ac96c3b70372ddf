package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rongwang/referral-server/internal/incentive"
	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/repository"
)

const (
	maxPageLimit    = 100
	teamLookupLimit = 8
)

func (s *DefaultService) GetOwnIncentives(ctx context.Context, userID string) (*models.IncentivesResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &models.IncentivesResponse{
		Status:   "success",
		UserID:   user.ID,
		Referral: user.Referral,
		Totals:   incentiveTotals(user.Referral),
	}, nil
}

func (s *DefaultService) GetOwnProfit(ctx context.Context, userID string) (*models.ProfitHistoryResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries := user.FortnightlyProfit.Entries()
	return &models.ProfitHistoryResponse{
		Status:      "success",
		UserID:      user.ID,
		Entries:     entries,
		TotalProfit: profitTotal(entries),
	}, nil
}

// GetTeam flattens the user's links across stages. A descendant listed at
// several stages appears once, under the closest stage.
func (s *DefaultService) GetTeam(ctx context.Context, userID string) (*models.TeamResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	team := make([]models.TeamMember, 0)
	for _, stage := range models.Stages {
		for _, link := range *user.Referral.Links(stage) {
			if seen[link.ReferredUserRef] {
				continue
			}
			seen[link.ReferredUserRef] = true
			team = append(team, models.TeamMember{
				UserID:         link.ReferredUserRef,
				Name:           link.ReferredUserName,
				Stage:          stage.Label(),
				StageNumber:    int(stage),
				TotalIncentive: incentive.Total([]models.ReferralLink{link}),
				History:        link.History,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(teamLookupLimit)
	for i := range team {
		member := &team[i]
		g.Go(func() error {
			lookupCtx, cancel := s.storeContext(gctx)
			defer cancel()

			descendant, err := s.repo.GetUserByID(lookupCtx, member.UserID)
			if err != nil {
				return fmt.Errorf("error getting team member %s: %w", member.UserID, err)
			}
			if descendant == nil {
				return nil
			}
			member.Name = descendant.Name
			member.Email = descendant.Email
			member.Phone = descendant.Phone
			member.Role = descendant.Role
			member.AccountStatus = descendant.AccountStatus
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.TeamResponse{
		Status: "success",
		Count:  len(team),
		Team:   team,
	}, nil
}

func (s *DefaultService) AdminListIncentives(ctx context.Context, query models.ListQuery) (*models.AdminIncentivesResponse, error) {
	users, pagination, err := s.listPage(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]models.UserIncentives, 0, len(users))
	for _, u := range users {
		out = append(out, models.UserIncentives{
			UserID:     u.ID,
			Name:       u.Name,
			Email:      u.Email,
			ReferralID: u.ReferralID,
			Referral:   u.Referral,
			Totals:     incentiveTotals(u.Referral),
		})
	}

	return &models.AdminIncentivesResponse{
		Status:     "success",
		Users:      out,
		Pagination: pagination,
	}, nil
}

func (s *DefaultService) AdminListProfit(ctx context.Context, query models.ListQuery) (*models.AdminProfitResponse, error) {
	users, pagination, err := s.listPage(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]models.UserProfit, 0, len(users))
	for _, u := range users {
		entries := u.FortnightlyProfit.Entries()
		out = append(out, models.UserProfit{
			UserID:            u.ID,
			Name:              u.Name,
			Email:             u.Email,
			FortnightlyProfit: entries,
			TotalProfit:       profitTotal(entries),
		})
	}

	return &models.AdminProfitResponse{
		Status:     "success",
		Users:      out,
		Pagination: pagination,
	}, nil
}

// listPage validates an admin query and loads the requested page of users
func (s *DefaultService) listPage(ctx context.Context, query models.ListQuery) ([]models.User, models.Pagination, error) {
	filter, err := toFilter(query)
	if err != nil {
		return nil, models.Pagination{}, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	users, total, err := s.repo.ListUsers(ctx, filter)
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("error listing users: %w", err)
	}

	return users, models.Pagination{
		TotalUsers:   total,
		TotalPages:   (total + filter.Limit - 1) / filter.Limit,
		CurrentPage:  filter.Page,
		UsersPerPage: filter.Limit,
	}, nil
}

func toFilter(query models.ListQuery) (models.UserFilter, error) {
	if query.Page < 1 {
		return models.UserFilter{}, fmt.Errorf("%w: page must be at least 1", ErrValidation)
	}
	if query.Limit < 1 || query.Limit > maxPageLimit {
		return models.UserFilter{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, maxPageLimit)
	}

	sortBy := query.SortBy
	if sortBy == "" {
		sortBy = "createdAt"
	}
	if _, ok := repository.SortColumn(sortBy); !ok {
		return models.UserFilter{}, fmt.Errorf("%w: cannot sort by %q", ErrValidation, sortBy)
	}

	sortOrder := query.SortOrder
	switch sortOrder {
	case "":
		sortOrder = "desc"
	case "asc", "desc":
	default:
		return models.UserFilter{}, fmt.Errorf("%w: sortOrder must be asc or desc", ErrValidation)
	}

	return models.UserFilter{
		Page:      query.Page,
		Limit:     query.Limit,
		SortBy:    sortBy,
		SortOrder: sortOrder,
		Name:      query.FilterByName,
	}, nil
}

func incentiveTotals(ref models.Referral) models.IncentiveTotals {
	totals := models.IncentiveTotals{
		DirectReferral: incentive.Total(ref.DirectReferral),
		Stage2Referral: incentive.Total(ref.Stage2Referral),
		Stage3Referral: incentive.Total(ref.Stage3Referral),
	}
	totals.Total = totals.DirectReferral.Add(totals.Stage2Referral).Add(totals.Stage3Referral)
	return totals
}

func profitTotal(entries []models.ProfitEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
