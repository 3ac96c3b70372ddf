package incentive

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rongwang/referral-server/internal/models"
)

// Credit describes one incentive to record on an ancestor's ledger
type Credit struct {
	Stage         models.Stage
	Descendant    *models.User
	ProfitEntryID string
	Profit        decimal.Decimal
	Incentive     decimal.Decimal
}

// Append records a credit under the ancestor's link for the descendant,
// creating the link on first use. It returns false when a batch for the same
// profit entry is already present, so retried appends never duplicate.
func Append(ref *models.Referral, credit Credit, now time.Time) bool {
	links := ref.Links(credit.Stage)
	if links == nil || credit.Descendant == nil {
		return false
	}

	idx := findLink(*links, credit.Descendant.ID)
	if idx < 0 {
		*links = append(*links, models.ReferralLink{
			ReferredUserRef:  credit.Descendant.ID,
			ReferredUserName: credit.Descendant.Name,
			History:          []models.IncentiveBatch{},
		})
		idx = len(*links) - 1
	}

	link := &(*links)[idx]
	for _, batch := range link.History {
		if batch.Carries(credit.ProfitEntryID) {
			return false
		}
	}

	link.History = append(link.History, models.IncentiveBatch{
		ProfitEntryID: credit.ProfitEntryID,
		CreatedAt:     now,
		IncentiveEntries: []models.IncentiveEntry{{
			Date:                 now,
			ProfitAmount:         credit.Profit,
			StageIncentiveAmount: credit.Incentive,
			ProfitEntryID:        credit.ProfitEntryID,
		}},
	})
	return true
}

// Retract drops every batch tied to the profit entry from the ancestor's link
// for the descendant. A link left without history is removed unless it was
// created at registration. Missing links or entries are not an error; the
// returned amount is the stage incentive removed and ok reports whether
// anything was removed.
func Retract(ref *models.Referral, stage models.Stage, descendantID, profitEntryID string) (removed decimal.Decimal, ok bool) {
	removed = decimal.Zero
	links := ref.Links(stage)
	if links == nil {
		return removed, false
	}

	idx := findLink(*links, descendantID)
	if idx < 0 {
		return removed, false
	}

	link := &(*links)[idx]
	kept := make([]models.IncentiveBatch, 0, len(link.History))
	for _, batch := range link.History {
		if !batch.Carries(profitEntryID) {
			kept = append(kept, batch)
			continue
		}
		for _, entry := range batch.IncentiveEntries {
			removed = removed.Add(entry.StageIncentiveAmount)
		}
	}
	if len(kept) == len(link.History) {
		return removed, false
	}
	link.History = kept

	if len(kept) == 0 && link.LinkedAt == nil {
		*links = append((*links)[:idx], (*links)[idx+1:]...)
	}
	return removed, true
}

// EnsureLink records the descendant under the ancestor at registration time.
// An existing link is marked as a registration link and otherwise untouched.
func EnsureLink(ref *models.Referral, stage models.Stage, descendant *models.User, now time.Time) bool {
	links := ref.Links(stage)
	if links == nil || descendant == nil {
		return false
	}

	if idx := findLink(*links, descendant.ID); idx >= 0 {
		if (*links)[idx].LinkedAt != nil {
			return false
		}
		linkedAt := now
		(*links)[idx].LinkedAt = &linkedAt
		return true
	}

	linkedAt := now
	*links = append(*links, models.ReferralLink{
		ReferredUserRef:  descendant.ID,
		ReferredUserName: descendant.Name,
		LinkedAt:         &linkedAt,
		History:          []models.IncentiveBatch{},
	})
	return true
}

// Total sums the stage incentives recorded under a link list
func Total(links []models.ReferralLink) decimal.Decimal {
	total := decimal.Zero
	for _, link := range links {
		for _, batch := range link.History {
			for _, entry := range batch.IncentiveEntries {
				total = total.Add(entry.StageIncentiveAmount)
			}
		}
	}
	return total
}

func findLink(links []models.ReferralLink, descendantID string) int {
	for i, link := range links {
		if link.ReferredUserRef == descendantID {
			return i
		}
	}
	return -1
}
