// Package jobs holds the batch workflows of the partner platform. Every job
// pages through its source table by ascending id and leaves continuation to
// the batch runner.
package jobs

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/payout"
	"github.com/psantana5/partnerbatch/pkg/providers"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// Job names
const (
	DiscountCodesSync   = "discount-codes.sync"
	PayoutsPrepare      = "payouts.prepare"
	PayoutsSend         = "payouts.send"
	CampaignsSend       = "campaigns.send"
	PartnersRank        = "partners.rank"
	ProgramsSimilarity  = "programs.similarity"
	BountiesAutoSubmit  = "bounties.auto-submit"
	CommissionsExport   = "commissions.export"
	DefaultPageSize     = 100
	providerPageSize    = 50
	defaultExportSubdir = "exports"
)

// DefaultPageSizes lists the page size of every job. Jobs calling external
// providers per record use smaller pages.
var DefaultPageSizes = map[string]int{
	DiscountCodesSync:  providerPageSize,
	PayoutsPrepare:     DefaultPageSize,
	PayoutsSend:        providerPageSize,
	CampaignsSend:      providerPageSize,
	PartnersRank:       DefaultPageSize,
	ProgramsSimilarity: DefaultPageSize,
	BountiesAutoSubmit: DefaultPageSize,
	CommissionsExport:  DefaultPageSize,
}

// Deps are the collaborators jobs need
type Deps struct {
	Store      store.Store
	Promotions providers.PromotionCodes
	Transfers  providers.Transfers
	Mailer     providers.Mailer
	Rates      *payout.Rates
	FeeRate    decimal.Decimal
	ExportDir  string
	PageSizes  map[string]int // overrides DefaultPageSizes
	Logger     *logging.Logger
}

// All returns a handler for every job
func All(deps Deps) []batch.Handler {
	if deps.FeeRate.IsZero() {
		deps.FeeRate = payout.DefaultFeeRate
	}
	if deps.ExportDir == "" {
		deps.ExportDir = defaultExportSubdir
	}
	return []batch.Handler{
		&discountCodesJob{base: newBase(DiscountCodesSync, deps), deps: deps},
		&payoutsPrepareJob{base: newBase(PayoutsPrepare, deps), deps: deps},
		&payoutsSendJob{base: newBase(PayoutsSend, deps), deps: deps},
		&campaignsJob{base: newBase(CampaignsSend, deps), deps: deps},
		&rankJob{base: newBase(PartnersRank, deps), deps: deps},
		&similarityJob{base: newBase(ProgramsSimilarity, deps), deps: deps},
		&bountiesJob{base: newBase(BountiesAutoSubmit, deps), deps: deps},
		&exportJob{base: newBase(CommissionsExport, deps), deps: deps},
	}
}

// NewRegistry registers every job
func NewRegistry(deps Deps) *batch.Registry {
	return batch.NewRegistry(All(deps)...)
}

type base struct {
	name string
	size int
}

func newBase(name string, deps Deps) base {
	size := DefaultPageSizes[name]
	if n, ok := deps.PageSizes[name]; ok && n > 0 {
		size = n
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	return base{name: name, size: size}
}

func (b base) Name() string  { return b.name }
func (b base) PageSize() int { return b.size }

// requireFields checks that every named field is non-empty
func requireFields(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %v", batch.ErrInvalidParams, missing)
}

// lookup maps a missing referenced entity to invalid params so the queue
// does not retry a page that can never succeed.
func lookup(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %q not found", batch.ErrInvalidParams, kind, id)
	}
	return fmt.Errorf("failed to load %s: %w", kind, err)
}

func partnerIDs(enrollments []*models.Enrollment) []string {
	ids := make([]string, len(enrollments))
	for i, e := range enrollments {
		ids[i] = e.PartnerID
	}
	return ids
}

func lastEnrollment(enrollments []*models.Enrollment) string {
	if len(enrollments) == 0 {
		return ""
	}
	return enrollments[len(enrollments)-1].ID
}
