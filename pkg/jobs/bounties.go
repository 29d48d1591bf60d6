package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
)

type bountyParams struct {
	BountyID string `json:"bountyId"`
}

// bountiesJob submits every approved partner whose performance in the bounty
// window reaches the threshold.
type bountiesJob struct {
	base
	deps Deps
}

func (j *bountiesJob) params(raw json.RawMessage) (*bountyParams, error) {
	var p bountyParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"bountyId": p.BountyID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *bountiesJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *bountiesJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	bounty, err := j.deps.Store.GetBounty(ctx, p.BountyID)
	if err != nil {
		return nil, lookup("bounty", p.BountyID, err)
	}
	commissionType, err := bountyCommissionType(bounty.Metric)
	if err != nil {
		return nil, err
	}

	enrollments, err := j.deps.Store.ListEnrollmentsAfter(ctx, models.EnrollmentFilter{
		ProgramID: bounty.ProgramID,
		Status:    models.EnrollmentApproved,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}

	var subs []*models.BountySubmission
	tally, err := batch.ForEach(ctx, batch.BestEffort, enrollments, func(ctx context.Context, e *models.Enrollment) error {
		f := models.CommissionFilter{
			ProgramID: bounty.ProgramID,
			PartnerID: e.PartnerID,
			Type:      commissionType,
			Since:     bounty.StartsAt,
		}
		if bounty.EndsAt != nil {
			f.Until = *bounty.EndsAt
		}
		totals, err := j.deps.Store.SumCommissions(ctx, f)
		if err != nil {
			return err
		}

		performance := int64(totals.Count)
		if bounty.Metric == models.BountyMetricSales {
			performance = totals.Amount
		}
		if performance < bounty.Threshold {
			return nil
		}
		subs = append(subs, &models.BountySubmission{
			ID:          models.NewID("bsub"),
			BountyID:    bounty.ID,
			PartnerID:   e.PartnerID,
			Status:      "submitted",
			Performance: performance,
			CreatedAt:   time.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	created := 0
	if len(subs) > 0 {
		created, err = j.deps.Store.CreateBountySubmissions(ctx, subs)
		if err != nil {
			return nil, fmt.Errorf("failed to store submissions: %w", err)
		}
	}

	result := batch.NewResult(len(enrollments), lastEnrollment(enrollments), tally)
	result.Message = fmt.Sprintf("%d submissions created", created)
	return result, nil
}

func bountyCommissionType(m models.BountyMetric) (models.CommissionType, error) {
	switch m {
	case models.BountyMetricLeads:
		return models.CommissionLead, nil
	case models.BountyMetricConversions, models.BountyMetricSales:
		return models.CommissionSale, nil
	default:
		return "", fmt.Errorf("%w: unknown bounty metric %q", batch.ErrInvalidParams, m)
	}
}
