package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	mu sync.RWMutex

	programs      map[string]*models.Program
	partners      map[string]*models.Partner
	enrollments   map[string]*models.Enrollment
	discounts     map[string]*models.Discount
	discountCodes map[string]*models.DiscountCode // key: enrollment/discount
	commissions   map[string]*models.Commission
	payouts       map[string]*models.Payout
	invoices      map[string]*models.Invoice
	bounties      map[string]*models.Bounty
	submissions   map[string]*models.BountySubmission // key: bounty/partner
	similarities  map[string]*models.ProgramSimilarity
	campaigns     map[string]*models.Campaign
	sentEmails    map[string]*models.SentEmail
	runs          map[string]*models.JobRun
	pages         map[string]*models.PageRecord // key: run/cursor

	queueMu  sync.Mutex
	messages map[string]*models.Message
	dedup    map[string]string // deduplication id -> message id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs:      make(map[string]*models.Program),
		partners:      make(map[string]*models.Partner),
		enrollments:   make(map[string]*models.Enrollment),
		discounts:     make(map[string]*models.Discount),
		discountCodes: make(map[string]*models.DiscountCode),
		commissions:   make(map[string]*models.Commission),
		payouts:       make(map[string]*models.Payout),
		invoices:      make(map[string]*models.Invoice),
		bounties:      make(map[string]*models.Bounty),
		submissions:   make(map[string]*models.BountySubmission),
		similarities:  make(map[string]*models.ProgramSimilarity),
		campaigns:     make(map[string]*models.Campaign),
		sentEmails:    make(map[string]*models.SentEmail),
		runs:          make(map[string]*models.JobRun),
		pages:         make(map[string]*models.PageRecord),
		messages:      make(map[string]*models.Message),
		dedup:         make(map[string]string),
	}
}

// pageAfter returns up to limit items with id > cursor in ascending id order
func pageAfter[T any](items map[string]*T, id func(*T) string, keep func(*T) bool, cursor string, limit int) []*T {
	out := make([]*T, 0)
	for _, item := range items {
		if id(item) <= cursor {
			continue
		}
		if keep != nil && !keep(item) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]*T, len(out))
	for i, item := range out {
		cp := *item
		result[i] = &cp
	}
	return result
}

func clone[T any](v *T) *T {
	cp := *v
	return &cp
}

// Programs

func (s *MemoryStore) CreateProgram(ctx context.Context, p *models.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.programs[p.ID]; ok {
		return ErrConflict
	}
	s.programs[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) GetProgram(ctx context.Context, id string) (*models.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) ListProgramsAfter(ctx context.Context, cursor string, limit int) ([]*models.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageAfter(s.programs, func(p *models.Program) string { return p.ID }, nil, cursor, limit), nil
}

// Partners and enrollments

func (s *MemoryStore) CreatePartner(ctx context.Context, p *models.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partners[p.ID]; ok {
		return ErrConflict
	}
	s.partners[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) GetPartners(ctx context.Context, ids []string) (map[string]*models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Partner, len(ids))
	for _, id := range ids {
		if p, ok := s.partners[id]; ok {
			out[id] = clone(p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPartnersAfter(ctx context.Context, cursor string, limit int) ([]*models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageAfter(s.partners, func(p *models.Partner) string { return p.ID }, nil, cursor, limit), nil
}

func (s *MemoryStore) UpdatePartnerRanking(ctx context.Context, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.RankingScore = score
	return nil
}

func (s *MemoryStore) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.ProgramID == e.ProgramID && existing.PartnerID == e.PartnerID {
			return ErrConflict
		}
	}
	s.enrollments[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) ListEnrollmentsAfter(ctx context.Context, f models.EnrollmentFilter, cursor string, limit int) ([]*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keep := func(e *models.Enrollment) bool {
		if f.ProgramID != "" && e.ProgramID != f.ProgramID {
			return false
		}
		if f.Status != "" && e.Status != f.Status {
			return false
		}
		if f.DiscountID != "" && e.DiscountID != f.DiscountID {
			return false
		}
		return true
	}
	return pageAfter(s.enrollments, func(e *models.Enrollment) string { return e.ID }, keep, cursor, limit), nil
}

// Discounts

func (s *MemoryStore) CreateDiscount(ctx context.Context, d *models.Discount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) GetDiscount(ctx context.Context, id string) (*models.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (s *MemoryStore) CreateDiscountCodes(ctx context.Context, codes []*models.DiscountCode) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range codes {
		key := c.EnrollmentID + "/" + c.DiscountID
		if _, ok := s.discountCodes[key]; ok {
			continue
		}
		s.discountCodes[key] = clone(c)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListDiscountCodesByEnrollments(ctx context.Context, discountID string, enrollmentIDs []string) (map[string]*models.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.DiscountCode)
	for _, id := range enrollmentIDs {
		if c, ok := s.discountCodes[id+"/"+discountID]; ok {
			out[id] = clone(c)
		}
	}
	return out, nil
}

// Commissions

func (s *MemoryStore) CreateCommission(ctx context.Context, c *models.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions[c.ID] = clone(c)
	return nil
}

func commissionMatches(f models.CommissionFilter, c *models.Commission) bool {
	if f.ProgramID != "" && c.ProgramID != f.ProgramID {
		return false
	}
	if f.PartnerID != "" && c.PartnerID != f.PartnerID {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !c.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func (s *MemoryStore) ListCommissionsAfter(ctx context.Context, f models.CommissionFilter, cursor string, limit int) ([]*models.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keep := func(c *models.Commission) bool { return commissionMatches(f, c) }
	return pageAfter(s.commissions, func(c *models.Commission) string { return c.ID }, keep, cursor, limit), nil
}

func (s *MemoryStore) SumCommissions(ctx context.Context, f models.CommissionFilter) (*models.CommissionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := &models.CommissionTotals{}
	for _, c := range s.commissions {
		if !commissionMatches(f, c) {
			continue
		}
		totals.Count++
		totals.Amount += c.Amount
		totals.Earnings += c.Earnings
	}
	return totals, nil
}

// Payouts and invoices

func (s *MemoryStore) CreatePayout(ctx context.Context, p *models.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) ListPayoutsAfter(ctx context.Context, f models.PayoutFilter, cursor string, limit int) ([]*models.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keep := func(p *models.Payout) bool {
		if f.ProgramID != "" && p.ProgramID != f.ProgramID {
			return false
		}
		if f.InvoiceID != "" && p.InvoiceID != f.InvoiceID {
			return false
		}
		if f.Status != "" && p.Status != f.Status {
			return false
		}
		return p.Amount >= f.MinAmount
	}
	return pageAfter(s.payouts, func(p *models.Payout) string { return p.ID }, keep, cursor, limit), nil
}

func (s *MemoryStore) UpdatePayout(ctx context.Context, p *models.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[p.ID]; !ok {
		return ErrNotFound
	}
	s.payouts[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; ok {
		return ErrConflict
	}
	s.invoices[inv.ID] = clone(inv)
	return nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inv), nil
}

func (s *MemoryStore) UpdateInvoiceStatus(ctx context.Context, id string, status models.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	inv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionInvoice(ctx context.Context, id string, from, to models.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != from {
		return ErrInvalidTransition
	}
	inv.Status = to
	inv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AttachPayouts(ctx context.Context, invoiceID string, payouts []*models.Payout) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return 0, ErrNotFound
	}
	attached := 0
	for _, p := range payouts {
		existing, ok := s.payouts[p.ID]
		if !ok || existing.Status != models.PayoutPending {
			continue
		}
		existing.Status = models.PayoutProcessing
		existing.InvoiceID = invoiceID
		existing.Fee = p.Fee
		inv.Amount += existing.Amount
		inv.Fee += p.Fee
		inv.Total += existing.Amount + p.Fee
		inv.PayoutCount++
		attached++
	}
	inv.UpdatedAt = time.Now()
	return attached, nil
}

// Bounties

func (s *MemoryStore) CreateBounty(ctx context.Context, b *models.Bounty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounties[b.ID] = clone(b)
	return nil
}

func (s *MemoryStore) GetBounty(ctx context.Context, id string) (*models.Bounty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bounties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (s *MemoryStore) CreateBountySubmissions(ctx context.Context, subs []*models.BountySubmission) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, sub := range subs {
		key := sub.BountyID + "/" + sub.PartnerID
		if _, ok := s.submissions[key]; ok {
			continue
		}
		s.submissions[key] = clone(sub)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListBountySubmissions(ctx context.Context, bountyID string) ([]*models.BountySubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keep := func(sub *models.BountySubmission) bool { return sub.BountyID == bountyID }
	return pageAfter(s.submissions, func(sub *models.BountySubmission) string { return sub.ID }, keep, "", 0), nil
}

// Similarities

func (s *MemoryStore) UpsertProgramSimilarities(ctx context.Context, sims []*models.ProgramSimilarity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sim := range sims {
		s.similarities[sim.ProgramID+"/"+sim.SimilarProgramID] = clone(sim)
	}
	return nil
}

func (s *MemoryStore) ListProgramSimilarities(ctx context.Context, programID string, limit int) ([]*models.ProgramSimilarity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ProgramSimilarity, 0)
	for _, sim := range s.similarities {
		if sim.ProgramID == programID {
			out = append(out, clone(sim))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].SimilarProgramID < out[j].SimilarProgramID
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Campaigns and emails

func (s *MemoryStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) HasSentEmail(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sentEmails[key]
	return ok, nil
}

func (s *MemoryStore) RecordSentEmail(ctx context.Context, e *models.SentEmail) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sentEmails[e.IdempotencyKey]; ok {
		return false, nil
	}
	s.sentEmails[e.IdempotencyKey] = clone(e)
	return true, nil
}

// Runs and pages

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrConflict
	}
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(run), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != models.RunStatusRunning {
		return ErrInvalidTransition
	}
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, f models.RunFilter) ([]*models.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.JobRun, 0)
	for _, run := range s.runs {
		if f.Job != "" && run.Job != f.Job {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		out = append(out, clone(run))
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimPage(ctx context.Context, runID, cursor string, number int) (*models.PageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "/" + cursor
	if existing, ok := s.pages[key]; ok {
		return clone(existing), false, nil
	}
	page := &models.PageRecord{
		ID:        models.NewID("pg"),
		RunID:     runID,
		Cursor:    cursor,
		Number:    number,
		CreatedAt: time.Now(),
	}
	s.pages[key] = page
	return clone(page), true, nil
}

func (s *MemoryStore) CompletePage(ctx context.Context, page *models.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := page.RunID + "/" + page.Cursor
	if _, ok := s.pages[key]; !ok {
		return ErrNotFound
	}
	s.pages[key] = clone(page)
	return nil
}

// Queue

func (s *MemoryStore) EnqueueMessage(ctx context.Context, msg *models.Message) (bool, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if msg.DeduplicationID != "" {
		if _, ok := s.dedup[msg.DeduplicationID]; ok {
			return false, nil
		}
		s.dedup[msg.DeduplicationID] = msg.ID
	}
	s.messages[msg.ID] = clone(msg)
	return true, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(msg), nil
}

func (s *MemoryStore) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	due := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.Status == models.MessageStatusQueued && !msg.NotBefore.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].ID < due[j].ID
		}
		return due[i].NotBefore.Before(due[j].NotBefore)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.Message, len(due))
	for i, msg := range due {
		msg.Status = models.MessageStatusDelivering
		msg.Attempts++
		msg.UpdatedAt = now
		out[i] = clone(msg)
	}
	return out, nil
}

func (s *MemoryStore) TransitionMessage(ctx context.Context, msg *models.Message, to models.MessageStatus) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	existing, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	if err := models.ValidateTransition(existing.Status, to); err != nil {
		return ErrInvalidTransition
	}
	msg.Status = to
	msg.UpdatedAt = time.Now()
	s.messages[msg.ID] = clone(msg)
	return nil
}

func (s *MemoryStore) ListStaleMessages(ctx context.Context, before time.Time, limit int) ([]*models.Message, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	stale := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.Status == models.MessageStatusDelivering && msg.UpdatedAt.Before(before) {
			stale = append(stale, clone(msg))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].UpdatedAt.Equal(stale[j].UpdatedAt) {
			return stale[i].ID < stale[j].ID
		}
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, status models.MessageStatus, limit int) ([]*models.Message, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	keep := func(m *models.Message) bool { return status == "" || m.Status == status }
	return pageAfter(s.messages, func(m *models.Message) string { return m.ID }, keep, "", limit), nil
}

// Maintenance

func (s *MemoryStore) DeleteRunsBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, run := range s.runs {
		if limit > 0 && deleted >= limit {
			break
		}
		if !run.Status.IsTerminal() || !run.UpdatedAt.Before(before) {
			continue
		}
		delete(s.runs, id)
		for key, page := range s.pages {
			if page.RunID == id {
				delete(s.pages, key)
			}
		}
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteMessagesBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	deleted := 0
	for id, msg := range s.messages {
		if limit > 0 && deleted >= limit {
			break
		}
		if !models.IsTerminalState(msg.Status) || !msg.UpdatedAt.Before(before) {
			continue
		}
		delete(s.messages, id)
		if msg.DeduplicationID != "" {
			delete(s.dedup, msg.DeduplicationID)
		}
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) Vacuum(ctx context.Context) error {
	return nil
}

// Lifecycle

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
