package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/providers"
)

type discountCodesParams struct {
	ProgramID  string `json:"programId"`
	DiscountID string `json:"discountId"`
}

// discountCodesJob creates a provider promotion code for every approved
// enrollment on a discount that does not have one yet.
type discountCodesJob struct {
	base
	deps Deps
}

func (j *discountCodesJob) params(raw json.RawMessage) (*discountCodesParams, error) {
	var p discountCodesParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"programId": p.ProgramID, "discountId": p.DiscountID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *discountCodesJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *discountCodesJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	discount, err := j.deps.Store.GetDiscount(ctx, p.DiscountID)
	if err != nil {
		return nil, lookup("discount", p.DiscountID, err)
	}

	enrollments, err := j.deps.Store.ListEnrollmentsAfter(ctx, models.EnrollmentFilter{
		ProgramID:  p.ProgramID,
		Status:     models.EnrollmentApproved,
		DiscountID: p.DiscountID,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}

	ids := make([]string, len(enrollments))
	for i, e := range enrollments {
		ids[i] = e.ID
	}
	existing, err := j.deps.Store.ListDiscountCodesByEnrollments(ctx, p.DiscountID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}
	partners, err := j.deps.Store.GetPartners(ctx, partnerIDs(enrollments))
	if err != nil {
		return nil, fmt.Errorf("failed to load partners: %w", err)
	}

	var todo []*models.Enrollment
	for _, e := range enrollments {
		if _, ok := existing[e.ID]; !ok {
			todo = append(todo, e)
		}
	}

	var codes []*models.DiscountCode
	tally, err := batch.ForEach(ctx, batch.BestEffort, todo, func(ctx context.Context, e *models.Enrollment) error {
		partner, ok := partners[e.PartnerID]
		if !ok {
			return fmt.Errorf("partner %s not found", e.PartnerID)
		}
		code := discountCode(partner, discount, e.ID)
		pc, err := j.deps.Promotions.CreatePromotionCode(ctx, providers.PromotionCodeRequest{
			CouponID:       discount.CouponID,
			Code:           code,
			IdempotencyKey: "discount-code:" + e.ID + ":" + discount.ID,
			Metadata:       map[string]string{"partnerId": partner.ID, "programId": p.ProgramID},
		})
		if err != nil {
			return err
		}
		codes = append(codes, &models.DiscountCode{
			ID:           models.NewID("dcode"),
			ProgramID:    p.ProgramID,
			PartnerID:    partner.ID,
			EnrollmentID: e.ID,
			DiscountID:   discount.ID,
			Code:         pc.Code,
			ProviderID:   pc.ID,
			CreatedAt:    time.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(codes) > 0 {
		if _, err := j.deps.Store.CreateDiscountCodes(ctx, codes); err != nil {
			return nil, fmt.Errorf("failed to store discount codes: %w", err)
		}
	}

	result := batch.NewResult(len(enrollments), lastEnrollment(enrollments), tally)
	result.Message = fmt.Sprintf("%d codes created, %d already present", len(codes), len(enrollments)-len(todo))
	return result, nil
}

// discountCode derives a readable code such as ALICESMI20R7K2 from the
// partner name and discount amount. The enrollment suffix keeps codes unique
// between partners with similar names.
func discountCode(partner *models.Partner, d *models.Discount, enrollmentID string) string {
	name := providers.NormalizeCode(partner.Name)
	if len(name) > 8 {
		name = name[:8]
	}
	suffix := providers.NormalizeCode(enrollmentID)
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("%s%d%s", name, d.Amount, suffix)
}
