package models

import (
	"database/sql/driver"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip writes v the way the driver does and scans it back into dst
func roundTrip(t *testing.T, v driver.Valuer, dst interface{ Scan(interface{}) error }) []byte {
	t.Helper()

	raw, err := v.Value()
	require.NoError(t, err)
	b, ok := raw.([]byte)
	require.True(t, ok, "JSONB columns are written as []byte, got %T", raw)
	require.NoError(t, dst.Scan(b))
	return b
}

func TestProfitBatchesColumnRoundTrip(t *testing.T) {
	date := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	in := ProfitBatches{
		{History: []ProfitEntry{{ProfitEntryID: "p1", Date: date, Amount: decimal.RequireFromString("1234.5678")}}},
		{History: []ProfitEntry{{ProfitEntryID: "p2", Date: date.Add(time.Hour), Amount: decimal.RequireFromString("0.01")}}},
	}

	var out ProfitBatches
	roundTrip(t, in, &out)

	require.Len(t, out, 2)
	assert.Equal(t, "p1", out[0].History[0].ProfitEntryID)
	assert.True(t, out[0].History[0].Date.Equal(date))
	assert.True(t, decimal.RequireFromString("1234.5678").Equal(out[0].History[0].Amount))
	assert.True(t, decimal.RequireFromString("0.01").Equal(out[1].History[0].Amount))

	// A nil list is stored as [] and comes back empty
	var empty ProfitBatches
	b := roundTrip(t, ProfitBatches(nil), &empty)
	assert.JSONEq(t, `[]`, string(b))
	assert.Empty(t, empty)
}

func TestReferralColumnRoundTrip(t *testing.T) {
	linked := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	created := linked.Add(48 * time.Hour)
	in := Referral{
		DirectReferral: []ReferralLink{{
			ReferredUserRef:  "u-carol",
			ReferredUserName: "Carol",
			LinkedAt:         &linked,
			History: []IncentiveBatch{{
				ProfitEntryID: "p1",
				CreatedAt:     created,
				IncentiveEntries: []IncentiveEntry{{
					Date:                 created,
					ProfitAmount:         decimal.RequireFromString("1000"),
					StageIncentiveAmount: decimal.RequireFromString("150.00"),
					ProfitEntryID:        "p1",
				}},
			}},
		}},
		Stage3Referral: []ReferralLink{{ReferredUserRef: "u-dave", ReferredUserName: "Dave"}},
	}

	var out Referral
	b := roundTrip(t, in, &out)

	// Missing stages are written as [] rather than null
	assert.Contains(t, string(b), `"stage2Referral":[]`)

	require.Len(t, out.DirectReferral, 1)
	link := out.DirectReferral[0]
	assert.Equal(t, "u-carol", link.ReferredUserRef)
	require.NotNil(t, link.LinkedAt)
	assert.True(t, link.LinkedAt.Equal(linked))
	require.Len(t, link.History, 1)
	entry := link.History[0].IncentiveEntries[0]
	assert.True(t, decimal.RequireFromString("150").Equal(entry.StageIncentiveAmount))
	assert.True(t, decimal.RequireFromString("1000").Equal(entry.ProfitAmount))

	assert.Empty(t, out.Stage2Referral)
	require.Len(t, out.Stage3Referral, 1)
	assert.Nil(t, out.Stage3Referral[0].LinkedAt, "links created by a profit entry carry no linkedAt")
}

func TestScanJSONSources(t *testing.T) {
	var r Referral
	require.NoError(t, r.Scan(`{"directReferral":[{"user":"u1","name":"One","history":[]}]}`))
	require.Len(t, r.DirectReferral, 1)
	assert.Equal(t, "One", r.DirectReferral[0].ReferredUserName)

	// NULL leaves the destination untouched
	require.NoError(t, r.Scan(nil))
	assert.Len(t, r.DirectReferral, 1)

	var p ProfitBatches
	assert.Error(t, p.Scan(42))
	assert.Error(t, p.Scan([]byte(`{not json`)))
}
