package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the hop distance between a profit-bearing user and an ancestor
type Stage int

const (
	StageDirect Stage = 1
	Stage2      Stage = 2
	Stage3      Stage = 3
)

// MaxStage bounds every upward walk of the referral chain
const MaxStage = Stage3

// Stages lists the stages in team-view order
var Stages = []Stage{StageDirect, Stage2, Stage3}

// Valid reports whether s is one of the three incentive stages
func (s Stage) Valid() bool {
	return s >= StageDirect && s <= Stage3
}

// Label returns the referral bucket name used in API payloads
func (s Stage) Label() string {
	switch s {
	case StageDirect:
		return "directReferral"
	case Stage2:
		return "stage2Referral"
	case Stage3:
		return "stage3Referral"
	}
	return fmt.Sprintf("stage%dReferral", int(s))
}

// ProfitEntry is a single fortnightly profit credited to a user
type ProfitEntry struct {
	ProfitEntryID string          `json:"profitEntryId"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"fortnightlyProfit"`
}

// ProfitBatch groups profit entries; every addition creates a batch of one
type ProfitBatch struct {
	History []ProfitEntry `json:"history"`
}

// ProfitBatches is the user's fortnightlyProfit list
type ProfitBatches []ProfitBatch

// Entries flattens the batches preserving order
func (p ProfitBatches) Entries() []ProfitEntry {
	entries := make([]ProfitEntry, 0, len(p))
	for _, batch := range p {
		entries = append(entries, batch.History...)
	}
	return entries
}

// Find returns the entry with the given id
func (p ProfitBatches) Find(profitEntryID string) (ProfitEntry, bool) {
	for _, batch := range p {
		for _, entry := range batch.History {
			if entry.ProfitEntryID == profitEntryID {
				return entry, true
			}
		}
	}
	return ProfitEntry{}, false
}

// Remove drops the entry with the given id and any batch left empty by it
func (p ProfitBatches) Remove(profitEntryID string) (ProfitBatches, bool) {
	removed := false
	out := make(ProfitBatches, 0, len(p))
	for _, batch := range p {
		kept := make([]ProfitEntry, 0, len(batch.History))
		for _, entry := range batch.History {
			if entry.ProfitEntryID == profitEntryID {
				removed = true
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 && len(batch.History) > 0 {
			continue
		}
		out = append(out, ProfitBatch{History: kept})
	}
	return out, removed
}

// MarshalJSON encodes a nil list as []
func (p ProfitBatches) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ProfitBatch(p))
}

// Value implements driver.Valuer for the JSONB column
func (p ProfitBatches) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for the JSONB column
func (p *ProfitBatches) Scan(src interface{}) error {
	return scanJSON(src, p)
}

func (p ProfitBatches) clone() ProfitBatches {
	if p == nil {
		return nil
	}
	out := make(ProfitBatches, len(p))
	for i, batch := range p {
		out[i] = ProfitBatch{History: append([]ProfitEntry(nil), batch.History...)}
	}
	return out
}

// IncentiveEntry records one stage incentive derived from a profit entry
type IncentiveEntry struct {
	Date                 time.Time       `json:"date"`
	ProfitAmount         decimal.Decimal `json:"profitAmount"`
	StageIncentiveAmount decimal.Decimal `json:"stageIncentiveAmount"`
	ProfitEntryID        string          `json:"profitEntryId"`
}

// IncentiveBatch is one history item of a referral link
type IncentiveBatch struct {
	ProfitEntryID    string           `json:"profitEntryId"`
	CreatedAt        time.Time        `json:"createdAt"`
	IncentiveEntries []IncentiveEntry `json:"incentiveEntries"`
}

// Carries reports whether the batch belongs to the given profit entry
func (b IncentiveBatch) Carries(profitEntryID string) bool {
	if b.ProfitEntryID == profitEntryID {
		return true
	}
	for _, entry := range b.IncentiveEntries {
		if entry.ProfitEntryID == profitEntryID {
			return true
		}
	}
	return false
}

// ReferralLink is an ancestor's record of one descendant at one stage.
// LinkedAt is set when the link was created at registration time.
type ReferralLink struct {
	ReferredUserRef  string           `json:"user"`
	ReferredUserName string           `json:"name"`
	LinkedAt         *time.Time       `json:"linkedAt,omitempty"`
	History          []IncentiveBatch `json:"history"`
}

// Referral holds the three per-stage link lists of a user
type Referral struct {
	DirectReferral []ReferralLink `json:"directReferral"`
	Stage2Referral []ReferralLink `json:"stage2Referral"`
	Stage3Referral []ReferralLink `json:"stage3Referral"`
}

// Links returns the link list for a stage, nil for an unknown stage
func (r *Referral) Links(stage Stage) *[]ReferralLink {
	switch stage {
	case StageDirect:
		return &r.DirectReferral
	case Stage2:
		return &r.Stage2Referral
	case Stage3:
		return &r.Stage3Referral
	}
	return nil
}

// MarshalJSON always emits the three lists, [] rather than null
func (r Referral) MarshalJSON() ([]byte, error) {
	type plain Referral
	return json.Marshal(plain(r.normalized()))
}

// Value implements driver.Valuer for the JSONB column
func (r Referral) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for the JSONB column
func (r *Referral) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// normalized replaces nil lists with empty ones so JSON carries [] not null
func (r Referral) normalized() Referral {
	for _, stage := range Stages {
		links := r.Links(stage)
		if *links == nil {
			*links = []ReferralLink{}
		}
	}
	return r
}

func (r Referral) clone() Referral {
	var out Referral
	for _, stage := range Stages {
		src := *r.Links(stage)
		if src == nil {
			continue
		}
		dst := make([]ReferralLink, len(src))
		for i, link := range src {
			dst[i] = link
			if link.LinkedAt != nil {
				at := *link.LinkedAt
				dst[i].LinkedAt = &at
			}
			if link.History != nil {
				dst[i].History = make([]IncentiveBatch, len(link.History))
				for j, batch := range link.History {
					dst[i].History[j] = batch
					dst[i].History[j].IncentiveEntries = append([]IncentiveEntry(nil), batch.IncentiveEntries...)
				}
			}
		}
		*out.Links(stage) = dst
	}
	return out
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return errors.New("unsupported type for JSON column")
}
