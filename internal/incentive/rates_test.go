package incentive

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/rongwang/referral-server/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRate(t *testing.T) {
	tests := []struct {
		name  string
		stage models.Stage
		super bool
		want  string
	}{
		{"direct", models.StageDirect, false, "0.15"},
		{"stage2", models.Stage2, false, "0.075"},
		{"stage3", models.Stage3, false, "0.075"},
		{"direct super", models.StageDirect, true, "0.165"},
		{"stage2 super", models.Stage2, true, "0.0825"},
		{"beyond stage 3", models.Stage(4), false, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, dec(tt.want).Equal(Rate(tt.stage, tt.super)), "got %s", Rate(tt.stage, tt.super))
		})
	}
}

func TestAmountConservation(t *testing.T) {
	profit := dec("1234.56")

	total := decimal.Zero
	for _, stage := range models.Stages {
		total = total.Add(Amount(profit, stage, false))
	}

	assert.True(t, profit.Mul(dec("0.30")).Equal(total), "got %s", total)
	assert.True(t, dec("185.184").Equal(Amount(profit, models.StageDirect, false)))
}
