package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/payout"
	"github.com/psantana5/partnerbatch/pkg/providers"
)

type payoutsPrepareParams struct {
	ProgramID string `json:"programId"`
	InvoiceID string `json:"invoiceId"`
}

// payoutsPrepareJob attaches the program's pending payouts above its minimum
// to an invoice, charging the payout fee. The last page marks the invoice
// ready.
type payoutsPrepareJob struct {
	base
	deps Deps
}

func (j *payoutsPrepareJob) params(raw json.RawMessage) (*payoutsPrepareParams, error) {
	var p payoutsPrepareParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"programId": p.ProgramID, "invoiceId": p.InvoiceID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *payoutsPrepareJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *payoutsPrepareJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	program, err := j.deps.Store.GetProgram(ctx, p.ProgramID)
	if err != nil {
		return nil, lookup("program", p.ProgramID, err)
	}
	invoice, err := j.deps.Store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, lookup("invoice", p.InvoiceID, err)
	}
	if invoice.ProgramID != program.ID {
		return nil, fmt.Errorf("%w: invoice %s belongs to program %s", batch.ErrInvalidParams, invoice.ID, invoice.ProgramID)
	}

	payouts, err := j.deps.Store.ListPayoutsAfter(ctx, models.PayoutFilter{
		ProgramID: program.ID,
		Status:    models.PayoutPending,
		MinAmount: program.MinPayoutAmount,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}

	tally, err := batch.ForEach(ctx, batch.Abort, payouts, func(ctx context.Context, po *models.Payout) error {
		if po.Currency != "" && invoice.Currency != "" && !strings.EqualFold(po.Currency, invoice.Currency) {
			return fmt.Errorf("payout %s currency %s does not match invoice %s", po.ID, po.Currency, invoice.Currency)
		}
		po.Fee = payout.Fee(po.Amount, j.deps.FeeRate)
		return nil
	})
	if err != nil {
		return nil, err
	}

	attached := 0
	if len(payouts) > 0 {
		attached, err = j.deps.Store.AttachPayouts(ctx, invoice.ID, payouts)
		if err != nil {
			return nil, fmt.Errorf("failed to attach payouts: %w", err)
		}
	}

	result := batch.NewResult(len(payouts), lastPayout(payouts), tally)
	result.Message = fmt.Sprintf("%d payouts attached to %s", attached, invoice.ID)
	return result, nil
}

func (j *payoutsPrepareJob) Finish(ctx context.Context, raw json.RawMessage, run *models.JobRun) error {
	p, err := j.params(raw)
	if err != nil {
		return err
	}
	return j.deps.Store.UpdateInvoiceStatus(ctx, p.InvoiceID, models.InvoiceReady)
}

type payoutsSendParams struct {
	InvoiceID string `json:"invoiceId"`
}

// payoutsSendJob transfers every processing payout on an invoice to the
// partner's connected account. The last page marks the invoice completed.
type payoutsSendJob struct {
	base
	deps Deps
}

func (j *payoutsSendJob) params(raw json.RawMessage) (*payoutsSendParams, error) {
	var p payoutsSendParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"invoiceId": p.InvoiceID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *payoutsSendJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *payoutsSendJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	invoice, err := j.deps.Store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, lookup("invoice", p.InvoiceID, err)
	}

	payouts, err := j.deps.Store.ListPayoutsAfter(ctx, models.PayoutFilter{
		InvoiceID: invoice.ID,
		Status:    models.PayoutProcessing,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}

	ids := make([]string, len(payouts))
	for i, po := range payouts {
		ids[i] = po.PartnerID
	}
	partners, err := j.deps.Store.GetPartners(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load partners: %w", err)
	}

	tally, err := batch.ForEach(ctx, batch.BestEffort, payouts, func(ctx context.Context, po *models.Payout) error {
		sendErr := j.send(ctx, invoice, po, partners[po.PartnerID])
		if sendErr != nil {
			po.Status = models.PayoutFailed
			po.Error = sendErr.Error()
		}
		if err := j.deps.Store.UpdatePayout(ctx, po); err != nil {
			return fmt.Errorf("failed to update payout %s: %w", po.ID, err)
		}
		return sendErr
	})
	if err != nil {
		return nil, err
	}

	return batch.NewResult(len(payouts), lastPayout(payouts), tally), nil
}

func (j *payoutsSendJob) send(ctx context.Context, invoice *models.Invoice, po *models.Payout, partner *models.Partner) error {
	if partner == nil {
		return fmt.Errorf("partner %s not found", po.PartnerID)
	}
	if !partner.PayoutsEnabled || partner.StripeAccountID == "" {
		return errors.New("partner has no payout account")
	}

	currency := po.Currency
	if currency == "" {
		currency = invoice.Currency
	}
	quote, err := payout.Calculate(po.Amount, currency, partner.PayoutCurrency, j.deps.FeeRate, j.deps.Rates)
	if err != nil {
		return err
	}

	tr, err := j.deps.Transfers.CreateTransfer(ctx, providers.TransferRequest{
		Amount:         quote.PayoutAmount,
		Currency:       quote.PayoutCurrency,
		Destination:    partner.StripeAccountID,
		TransferGroup:  invoice.ID,
		Description:    "Partner payout " + po.ID,
		IdempotencyKey: "payout:" + po.ID,
		Metadata:       map[string]string{"payoutId": po.ID, "invoiceId": invoice.ID},
	})
	if err != nil {
		return err
	}

	now := time.Now()
	po.Status = models.PayoutSent
	po.TransferID = tr.ID
	po.Error = ""
	po.PaidAt = &now
	return nil
}

func (j *payoutsSendJob) Finish(ctx context.Context, raw json.RawMessage, run *models.JobRun) error {
	p, err := j.params(raw)
	if err != nil {
		return err
	}
	return j.deps.Store.UpdateInvoiceStatus(ctx, p.InvoiceID, models.InvoiceCompleted)
}

func lastPayout(payouts []*models.Payout) string {
	if len(payouts) == 0 {
		return ""
	}
	return payouts[len(payouts)-1].ID
}
