// Package incentive implements the referral chain walk and the per-stage
// incentive ledger kept on each ancestor's user document.
package incentive

import (
	"github.com/shopspring/decimal"

	"github.com/rongwang/referral-server/internal/models"
)

var (
	directRate = decimal.RequireFromString("0.15")
	stage2Rate = decimal.RequireFromString("0.075")
	stage3Rate = decimal.RequireFromString("0.075")

	// SuperReferralMultiplier scales every stage rate of a super-referral ancestor
	SuperReferralMultiplier = decimal.RequireFromString("1.10")
)

// Rate returns the incentive rate an ancestor earns at the given stage
func Rate(stage models.Stage, superReferral bool) decimal.Decimal {
	var rate decimal.Decimal
	switch stage {
	case models.StageDirect:
		rate = directRate
	case models.Stage2:
		rate = stage2Rate
	case models.Stage3:
		rate = stage3Rate
	default:
		return decimal.Zero
	}
	if superReferral {
		rate = rate.Mul(SuperReferralMultiplier)
	}
	return rate
}

// Amount is the stage incentive for a profit, always computed against the
// original profit rather than the previous stage's incentive.
func Amount(profit decimal.Decimal, stage models.Stage, superReferral bool) decimal.Decimal {
	return profit.Mul(Rate(stage, superReferral))
}
