package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("record already exists")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// ProgramStore reads and writes programs
type ProgramStore interface {
	CreateProgram(ctx context.Context, p *models.Program) error
	GetProgram(ctx context.Context, id string) (*models.Program, error)
	ListProgramsAfter(ctx context.Context, cursor string, limit int) ([]*models.Program, error)
}

// PartnerStore reads and writes partners and their enrollments
type PartnerStore interface {
	CreatePartner(ctx context.Context, p *models.Partner) error
	GetPartner(ctx context.Context, id string) (*models.Partner, error)
	GetPartners(ctx context.Context, ids []string) (map[string]*models.Partner, error)
	ListPartnersAfter(ctx context.Context, cursor string, limit int) ([]*models.Partner, error)
	UpdatePartnerRanking(ctx context.Context, id string, score float64) error

	CreateEnrollment(ctx context.Context, e *models.Enrollment) error
	ListEnrollmentsAfter(ctx context.Context, f models.EnrollmentFilter, cursor string, limit int) ([]*models.Enrollment, error)
}

// DiscountStore reads and writes discounts and partner discount codes
type DiscountStore interface {
	CreateDiscount(ctx context.Context, d *models.Discount) error
	GetDiscount(ctx context.Context, id string) (*models.Discount, error)
	// CreateDiscountCodes inserts codes, skipping (enrollment, discount)
	// duplicates, and returns how many rows were inserted.
	CreateDiscountCodes(ctx context.Context, codes []*models.DiscountCode) (int, error)
	ListDiscountCodesByEnrollments(ctx context.Context, discountID string, enrollmentIDs []string) (map[string]*models.DiscountCode, error)
}

// CommissionStore reads commissions
type CommissionStore interface {
	CreateCommission(ctx context.Context, c *models.Commission) error
	ListCommissionsAfter(ctx context.Context, f models.CommissionFilter, cursor string, limit int) ([]*models.Commission, error)
	SumCommissions(ctx context.Context, f models.CommissionFilter) (*models.CommissionTotals, error)
}

// PayoutStore reads and writes payouts and invoices
type PayoutStore interface {
	CreatePayout(ctx context.Context, p *models.Payout) error
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	ListPayoutsAfter(ctx context.Context, f models.PayoutFilter, cursor string, limit int) ([]*models.Payout, error)
	UpdatePayout(ctx context.Context, p *models.Payout) error

	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status models.InvoiceStatus) error
	// TransitionInvoice moves the invoice from one status to another and
	// returns ErrInvalidTransition when it is no longer in from.
	TransitionInvoice(ctx context.Context, id string, from, to models.InvoiceStatus) error
	// AttachPayouts moves pending payouts onto the invoice and adds the
	// amounts of the rows actually moved to the invoice totals, atomically.
	AttachPayouts(ctx context.Context, invoiceID string, payouts []*models.Payout) (int, error)
}

// BountyStore reads bounties and writes submissions
type BountyStore interface {
	CreateBounty(ctx context.Context, b *models.Bounty) error
	GetBounty(ctx context.Context, id string) (*models.Bounty, error)
	// CreateBountySubmissions skips (bounty, partner) duplicates
	CreateBountySubmissions(ctx context.Context, subs []*models.BountySubmission) (int, error)
	ListBountySubmissions(ctx context.Context, bountyID string) ([]*models.BountySubmission, error)
}

// SimilarityStore writes program similarity scores
type SimilarityStore interface {
	UpsertProgramSimilarities(ctx context.Context, sims []*models.ProgramSimilarity) error
	ListProgramSimilarities(ctx context.Context, programID string, limit int) ([]*models.ProgramSimilarity, error)
}

// CampaignStore reads campaigns and tracks sent emails
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	HasSentEmail(ctx context.Context, key string) (bool, error)
	// RecordSentEmail returns false when the key was already recorded
	RecordSentEmail(ctx context.Context, e *models.SentEmail) (bool, error)
}

// RunStore is the ledger of job runs and their pages
type RunStore interface {
	CreateRun(ctx context.Context, run *models.JobRun) error
	GetRun(ctx context.Context, id string) (*models.JobRun, error)
	// UpdateRun writes run only while the stored run is still running and
	// returns ErrInvalidTransition once it has finished.
	UpdateRun(ctx context.Context, run *models.JobRun) error
	ListRuns(ctx context.Context, f models.RunFilter) ([]*models.JobRun, error)

	// ClaimPage returns the existing record for (runID, cursor) or creates
	// a new one. created is false when the page was seen before.
	ClaimPage(ctx context.Context, runID, cursor string, number int) (page *models.PageRecord, created bool, err error)
	CompletePage(ctx context.Context, page *models.PageRecord) error
}

// QueueStore persists messages for the local queue
type QueueStore interface {
	// EnqueueMessage returns false when a message with the same
	// deduplication id already exists.
	EnqueueMessage(ctx context.Context, msg *models.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ClaimDueMessages moves up to limit queued messages whose NotBefore has
	// passed to delivering, counting the attempt, and returns them.
	ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error)
	TransitionMessage(ctx context.Context, msg *models.Message, to models.MessageStatus) error
	// ListStaleMessages returns up to limit messages left delivering since
	// before, oldest first.
	ListStaleMessages(ctx context.Context, before time.Time, limit int) ([]*models.Message, error)
	ListMessages(ctx context.Context, status models.MessageStatus, limit int) ([]*models.Message, error)
}

// MaintenanceStore supports retention cleanup
type MaintenanceStore interface {
	DeleteRunsBefore(ctx context.Context, before time.Time, limit int) (int, error)
	DeleteMessagesBefore(ctx context.Context, before time.Time, limit int) (int, error)
	Vacuum(ctx context.Context) error
}

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL implement it.
type Store interface {
	ProgramStore
	PartnerStore
	DiscountStore
	CommissionStore
	PayoutStore
	BountyStore
	SimilarityStore
	CampaignStore
	RunStore
	QueueStore
	MaintenanceStore

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string or SQLite path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "partnerbatch.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
