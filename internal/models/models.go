package models

import (
	"time"
)

// Role is the access role of a user
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReferral Role = "referral"
	RoleTrader   Role = "trader"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleReferral, RoleTrader:
		return true
	}
	return false
}

// Account statuses
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusInactive  = "inactive"
)

// User is the persisted user document. FortnightlyProfit and Referral are stored
// as JSON columns and always rewritten together with the version counter.
type User struct {
	ID                string        `db:"id" json:"id"`
	Email             string        `db:"email" json:"email"`
	Name              string        `db:"name" json:"name"`
	Phone             string        `db:"phone" json:"phone"`
	Password          string        `db:"password" json:"-"` // Password hash, not returned in JSON
	ReferralID        string        `db:"referral_id" json:"referralId"`
	ReferralByID      *string       `db:"referral_by_id" json:"referralbyId"`
	Role              Role          `db:"role" json:"role"`
	SuperReferral     bool          `db:"super_referral" json:"superReferral"`
	AccountStatus     string        `db:"account_status" json:"accountStatus"`
	EmailVerified     bool          `db:"email_verified" json:"emailVerified"`
	FortnightlyProfit ProfitBatches `db:"fortnightly_profit" json:"fortnightlyProfit"`
	Referral          Referral      `db:"referral" json:"referral"`
	Version           int64         `db:"version" json:"-"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
}

// ReferrerCode returns the referral code of whoever referred u, or "" for root users
func (u *User) ReferrerCode() string {
	if u.ReferralByID == nil {
		return ""
	}
	return *u.ReferralByID
}

// Clone returns a deep copy of the user document
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.ReferralByID != nil {
		code := *u.ReferralByID
		c.ReferralByID = &code
	}
	c.FortnightlyProfit = u.FortnightlyProfit.clone()
	c.Referral = u.Referral.clone()
	return &c
}

// UserFilter selects a page of users for the admin views
type UserFilter struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
	Name      string
}

// Offset returns the number of rows skipped before the requested page
func (f UserFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}
