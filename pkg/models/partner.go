package models

import (
	"time"
)

// Program is a partner program run by a workspace
type Program struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`
	Categories      []string  `json:"categories,omitempty"`
	Currency        string    `json:"currency"`
	ClickReward     int64     `json:"click_reward"`      // minor units per click
	LeadReward      int64     `json:"lead_reward"`       // minor units per lead
	SaleRewardBps   int64     `json:"sale_reward_bps"`   // basis points of sale amount
	MinPayoutAmount int64     `json:"min_payout_amount"` // minor units
	CreatedAt       time.Time `json:"created_at"`
}

// Partner is an affiliate who can enroll in programs
type Partner struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Country         string    `json:"country,omitempty"`
	PayoutCurrency  string    `json:"payout_currency,omitempty"`
	StripeAccountID string    `json:"stripe_account_id,omitempty"`
	PayoutsEnabled  bool      `json:"payouts_enabled"`
	Clicks          int64     `json:"clicks"`
	Leads           int64     `json:"leads"`
	Conversions     int64     `json:"conversions"`
	RankingScore    float64   `json:"ranking_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// EnrollmentStatus represents a partner's standing in a program
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentBanned   EnrollmentStatus = "banned"
)

// Enrollment links a partner to a program
type Enrollment struct {
	ID         string           `json:"id"`
	ProgramID  string           `json:"program_id"`
	PartnerID  string           `json:"partner_id"`
	Status     EnrollmentStatus `json:"status"`
	DiscountID string           `json:"discount_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// EnrollmentFilter narrows enrollment pages
type EnrollmentFilter struct {
	ProgramID  string
	Status     EnrollmentStatus
	DiscountID string
}

// Discount is a program-level discount backed by a provider coupon
type Discount struct {
	ID        string    `json:"id"`
	ProgramID string    `json:"program_id"`
	CouponID  string    `json:"coupon_id"`
	Amount    int64     `json:"amount"`
	Type      string    `json:"type"` // "percentage" or "flat"
	CreatedAt time.Time `json:"created_at"`
}

// DiscountCode is a partner-specific code for a discount. One per
// (enrollment, discount).
type DiscountCode struct {
	ID           string    `json:"id"`
	ProgramID    string    `json:"program_id"`
	PartnerID    string    `json:"partner_id"`
	EnrollmentID string    `json:"enrollment_id"`
	DiscountID   string    `json:"discount_id"`
	Code         string    `json:"code"`
	ProviderID   string    `json:"provider_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CommissionType is the event that earned a commission
type CommissionType string

const (
	CommissionClick CommissionType = "click"
	CommissionLead  CommissionType = "lead"
	CommissionSale  CommissionType = "sale"
)

// CommissionStatus tracks commission settlement
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionProcessed CommissionStatus = "processed"
	CommissionPaid      CommissionStatus = "paid"
)

// Commission is an amount earned by a partner for an event
type Commission struct {
	ID        string           `json:"id"`
	ProgramID string           `json:"program_id"`
	PartnerID string           `json:"partner_id"`
	Type      CommissionType   `json:"type"`
	Amount    int64            `json:"amount"`
	Earnings  int64            `json:"earnings"`
	Currency  string           `json:"currency"`
	Status    CommissionStatus `json:"status"`
	PayoutID  string           `json:"payout_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// CommissionFilter narrows commission pages and aggregates
type CommissionFilter struct {
	ProgramID string
	PartnerID string
	Type      CommissionType
	Status    CommissionStatus
	Since     time.Time
	Until     time.Time
}

// CommissionTotals aggregates commissions matching a filter
type CommissionTotals struct {
	Count    int   `json:"count"`
	Amount   int64 `json:"amount"`
	Earnings int64 `json:"earnings"`
}

// PayoutStatus tracks a payout through preparation and sending
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutSent       PayoutStatus = "sent"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout is money owed to a partner for a program
type Payout struct {
	ID          string       `json:"id"`
	ProgramID   string       `json:"program_id"`
	PartnerID   string       `json:"partner_id"`
	InvoiceID   string       `json:"invoice_id,omitempty"`
	Amount      int64        `json:"amount"`
	Fee         int64        `json:"fee"`
	Currency    string       `json:"currency"`
	Status      PayoutStatus `json:"status"`
	TransferID  string       `json:"transfer_id,omitempty"`
	Error       string       `json:"error,omitempty"`
	PeriodStart *time.Time   `json:"period_start,omitempty"`
	PeriodEnd   *time.Time   `json:"period_end,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`
}

// PayoutFilter narrows payout pages
type PayoutFilter struct {
	ProgramID string
	InvoiceID string
	Status    PayoutStatus
	MinAmount int64
}

// InvoiceStatus tracks the program-side charge for a payout batch
type InvoiceStatus string

const (
	InvoiceProcessing InvoiceStatus = "processing"
	InvoiceReady      InvoiceStatus = "ready"
	InvoiceSending    InvoiceStatus = "sending"
	InvoiceCompleted  InvoiceStatus = "completed"
	InvoiceFailed     InvoiceStatus = "failed"
)

// Invoice groups the payouts confirmed together for a program
type Invoice struct {
	ID          string        `json:"id"`
	ProgramID   string        `json:"program_id"`
	Amount      int64         `json:"amount"`
	Fee         int64         `json:"fee"`
	Total       int64         `json:"total"`
	Currency    string        `json:"currency"`
	Status      InvoiceStatus `json:"status"`
	PayoutCount int           `json:"payout_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// BountyMetric is the performance measure a bounty rewards
type BountyMetric string

const (
	BountyMetricLeads       BountyMetric = "leads"
	BountyMetricConversions BountyMetric = "conversions"
	BountyMetricSales       BountyMetric = "sales"
)

// Bounty rewards partners whose performance reaches a threshold
type Bounty struct {
	ID           string       `json:"id"`
	ProgramID    string       `json:"program_id"`
	Name         string       `json:"name"`
	Metric       BountyMetric `json:"metric"`
	Threshold    int64        `json:"threshold"`
	RewardAmount int64        `json:"reward_amount"`
	StartsAt     time.Time    `json:"starts_at"`
	EndsAt       *time.Time   `json:"ends_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BountySubmission records a partner's qualifying performance. One per
// (bounty, partner).
type BountySubmission struct {
	ID          string    `json:"id"`
	BountyID    string    `json:"bounty_id"`
	PartnerID   string    `json:"partner_id"`
	Status      string    `json:"status"`
	Performance int64     `json:"performance"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProgramSimilarity scores how alike two programs are
type ProgramSimilarity struct {
	ProgramID        string    `json:"program_id"`
	SimilarProgramID string    `json:"similar_program_id"`
	Score            float64   `json:"score"`
	Jaccard          float64   `json:"jaccard"`
	Cosine           float64   `json:"cosine"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Campaign is a one-off email broadcast to a program's partners
type Campaign struct {
	ID        string    `json:"id"`
	ProgramID string    `json:"program_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SentEmail is the idempotency record for an outbound email
type SentEmail struct {
	IdempotencyKey string    `json:"idempotency_key"`
	PartnerID      string    `json:"partner_id"`
	Template       string    `json:"template"`
	SentAt         time.Time `json:"sent_at"`
}
