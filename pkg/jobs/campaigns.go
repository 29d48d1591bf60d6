package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/providers"
)

const campaignTemplate = "campaign"

type campaignParams struct {
	CampaignID string `json:"campaignId"`
}

// campaignsJob emails a campaign to every approved partner of its program,
// at most once per partner.
type campaignsJob struct {
	base
	deps Deps
}

func (j *campaignsJob) params(raw json.RawMessage) (*campaignParams, error) {
	var p campaignParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"campaignId": p.CampaignID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *campaignsJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *campaignsJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	campaign, err := j.deps.Store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, lookup("campaign", p.CampaignID, err)
	}

	enrollments, err := j.deps.Store.ListEnrollmentsAfter(ctx, models.EnrollmentFilter{
		ProgramID: campaign.ProgramID,
		Status:    models.EnrollmentApproved,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	partners, err := j.deps.Store.GetPartners(ctx, partnerIDs(enrollments))
	if err != nil {
		return nil, fmt.Errorf("failed to load partners: %w", err)
	}

	skipped := 0
	tally, err := batch.ForEach(ctx, batch.BestEffort, enrollments, func(ctx context.Context, e *models.Enrollment) error {
		partner, ok := partners[e.PartnerID]
		if !ok {
			return fmt.Errorf("partner %s not found", e.PartnerID)
		}
		key := campaign.ID + ":" + partner.ID
		sent, err := j.deps.Store.HasSentEmail(ctx, key)
		if err != nil {
			return err
		}
		if sent {
			skipped++
			return nil
		}

		err = j.deps.Mailer.Send(ctx, providers.Email{
			To:      partner.Email,
			Subject: campaign.Subject,
			Text:    renderCampaign(campaign.Body, partner),
			Headers: map[string]string{"X-Entity-Ref-ID": key},
		})
		if err != nil {
			return err
		}

		_, err = j.deps.Store.RecordSentEmail(ctx, &models.SentEmail{
			IdempotencyKey: key,
			PartnerID:      partner.ID,
			Template:       campaignTemplate,
			SentAt:         time.Now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := batch.NewResult(len(enrollments), lastEnrollment(enrollments), tally)
	if skipped > 0 {
		result.Message = fmt.Sprintf("%d already emailed", skipped)
	}
	return result, nil
}

// renderCampaign fills the {{name}} and {{email}} placeholders
func renderCampaign(body string, partner *models.Partner) string {
	return strings.NewReplacer(
		"{{name}}", partner.Name,
		"{{email}}", partner.Email,
	).Replace(body)
}
