package models

import (
	"github.com/shopspring/decimal"
)

// Request models
type RegisterRequest struct {
	Name         string `json:"name" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	Phone        string `json:"phone" binding:"required"`
	Password     string `json:"password" binding:"required,min=8"`
	ReferralByID string `json:"referralbyId"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" binding:"required,email"`
	OTP   string `json:"otp" binding:"required,len=6,numeric"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// UpdateProfileRequest changes the caller's own contact details. Empty fields
// are left as they are.
type UpdateProfileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email" binding:"omitempty,email"`
	Phone string `json:"phone"`
}

// AddProfitRequest credits a profit entry to a user. ProfitAmount is checked
// by the service so that zero and negative amounts get the same error.
type AddProfitRequest struct {
	UserID       string          `json:"userId" binding:"required"`
	ProfitAmount decimal.Decimal `json:"profitAmount"`
}

type UpdateRoleRequest struct {
	Role Role `json:"role" binding:"required"`
}

type UpdateStatusRequest struct {
	AccountStatus string `json:"accountStatus" binding:"required"`
}

type UpdateSuperReferralRequest struct {
	SuperReferral *bool `json:"superReferral" binding:"required"`
}

// ListQuery is the admin paging and filtering query string
type ListQuery struct {
	Page         int    `form:"page,default=1"`
	Limit        int    `form:"limit,default=10"`
	SortBy       string `form:"sortBy,default=createdAt"`
	SortOrder    string `form:"sortOrder,default=desc"`
	FilterByName string `form:"filterByName"`
}

// Response models
type RegisterResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Email     string `json:"email"`
	ExpiresIn int    `json:"expiresIn"`
}

type AuthResponse struct {
	Status     string `json:"status"`
	UserID     string `json:"userId,omitempty"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       Role   `json:"role,omitempty"`
	ReferralID string `json:"referralId,omitempty"`
	Token      string `json:"token,omitempty"`
	ExpiresIn  int    `json:"expiresIn,omitempty"`
}

type UserResponse struct {
	Status string `json:"status"`
	User   *User  `json:"user"`
}

type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StageCredit is the effect of one profit operation on one ancestor
type StageCredit struct {
	Stage      int             `json:"stage"`
	StageLabel string          `json:"stageLabel"`
	UserID     string          `json:"userId"`
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"stageIncentiveAmount"`
	// Applied is false when the ancestor already carried the batch
	Applied bool `json:"applied"`
}

// Warning is a referral chain anomaly reported alongside a result
type Warning struct {
	UserID string `json:"userId,omitempty"`
	Stage  int    `json:"stage,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ProfitResult reports a profit entry operation. Partial is set when at least
// one ancestor could not be updated; the operation can be replayed.
type ProfitResult struct {
	Status      string        `json:"status"`
	Message     string        `json:"message,omitempty"`
	UserID      string        `json:"userId"`
	ProfitEntry *ProfitEntry  `json:"profitEntry,omitempty"`
	Incentives  []StageCredit `json:"incentives"`
	Warnings    []Warning     `json:"warnings,omitempty"`
	Partial     bool          `json:"partial"`
}

type IncentiveTotals struct {
	DirectReferral decimal.Decimal `json:"directReferral"`
	Stage2Referral decimal.Decimal `json:"stage2Referral"`
	Stage3Referral decimal.Decimal `json:"stage3Referral"`
	Total          decimal.Decimal `json:"total"`
}

type IncentivesResponse struct {
	Status   string          `json:"status"`
	UserID   string          `json:"userId"`
	Referral Referral        `json:"referral"`
	Totals   IncentiveTotals `json:"totals"`
}

type ProfitHistoryResponse struct {
	Status      string          `json:"status"`
	UserID      string          `json:"userId"`
	Entries     []ProfitEntry   `json:"fortnightlyProfit"`
	TotalProfit decimal.Decimal `json:"totalProfit"`
}

// TeamMember is one descendant in the flattened team view
type TeamMember struct {
	UserID         string           `json:"user"`
	Name           string           `json:"name"`
	Email          string           `json:"email,omitempty"`
	Phone          string           `json:"phone,omitempty"`
	Role           Role             `json:"role,omitempty"`
	AccountStatus  string           `json:"accountStatus,omitempty"`
	Stage          string           `json:"stage"`
	StageNumber    int              `json:"stageNumber"`
	TotalIncentive decimal.Decimal  `json:"totalIncentive"`
	History        []IncentiveBatch `json:"history"`
}

type TeamResponse struct {
	Status string       `json:"status"`
	Count  int          `json:"count"`
	Team   []TeamMember `json:"team"`
}

type Pagination struct {
	TotalUsers   int `json:"totalUsers"`
	TotalPages   int `json:"totalPages"`
	CurrentPage  int `json:"currentPage"`
	UsersPerPage int `json:"usersPerPage"`
}

type UserIncentives struct {
	UserID     string          `json:"userId"`
	Name       string          `json:"name"`
	Email      string          `json:"email"`
	ReferralID string          `json:"referralId"`
	Referral   Referral        `json:"referral"`
	Totals     IncentiveTotals `json:"totals"`
}

type AdminIncentivesResponse struct {
	Status     string           `json:"status"`
	Users      []UserIncentives `json:"users"`
	Pagination Pagination       `json:"pagination"`
}

type UserProfit struct {
	UserID            string          `json:"userId"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	FortnightlyProfit []ProfitEntry   `json:"fortnightlyProfit"`
	TotalProfit       decimal.Decimal `json:"totalProfit"`
}

type AdminProfitResponse struct {
	Status     string       `json:"status"`
	Users      []UserProfit `json:"users"`
	Pagination Pagination   `json:"pagination"`
}

type UserListResponse struct {
	Status     string     `json:"status"`
	Users      []User     `json:"users"`
	Pagination Pagination `json:"pagination"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
