package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	runStoreTests(t, store)
}

// TestPostgreSQLIntegration tests the PostgreSQL store with a real database
// Set DATABASE_DSN environment variable to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	store, err := NewStore(Config{Type: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL store: %v", err)
	}
	defer store.Close()

	runStoreTests(t, store)
}

func TestNewStoreUnsupported(t *testing.T) {
	if _, err := NewStore(Config{Type: "oracle"}); !errors.Is(err, ErrUnsupportedDatabase) {
		t.Errorf("Expected ErrUnsupportedDatabase, got %v", err)
	}
}

func runStoreTests(t *testing.T, s Store) {
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	t.Run("PartnerPaging", func(t *testing.T) { testPartnerPaging(ctx, t, s) })
	t.Run("EnrollmentFilter", func(t *testing.T) { testEnrollmentFilter(ctx, t, s) })
	t.Run("DiscountCodesSkipDuplicates", func(t *testing.T) { testDiscountCodes(ctx, t, s) })
	t.Run("AttachPayouts", func(t *testing.T) { testAttachPayouts(ctx, t, s) })
	t.Run("CommissionTotals", func(t *testing.T) { testCommissionTotals(ctx, t, s) })
	t.Run("SentEmails", func(t *testing.T) { testSentEmails(ctx, t, s) })
	t.Run("Similarities", func(t *testing.T) { testSimilarities(ctx, t, s) })
	t.Run("RunsAndPages", func(t *testing.T) { testRunsAndPages(ctx, t, s) })
	t.Run("QueueMessages", func(t *testing.T) { testQueueMessages(ctx, t, s) })
	t.Run("Retention", func(t *testing.T) { testRetention(ctx, t, s) })
}

func testPartnerPaging(ctx context.Context, t *testing.T, s Store) {
	created := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		p := &models.Partner{
			ID:          models.NewID("pn"),
			Name:        fmt.Sprintf("Partner %d", i),
			Email:       fmt.Sprintf("partner%d@example.com", i),
			Clicks:      int64(100 * i),
			Conversions: int64(i),
			CreatedAt:   time.Now(),
		}
		if err := s.CreatePartner(ctx, p); err != nil {
			t.Fatalf("Failed to create partner: %v", err)
		}
		created = append(created, p.ID)
	}

	// Start just before the first partner created here so other rows
	// from a shared database do not interfere.
	first, err := s.ListPartnersAfter(ctx, created[0][:len(created[0])-1], 2)
	if err != nil {
		t.Fatalf("Failed to list partners: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 partners, got %d", len(first))
	}
	if first[0].ID >= first[1].ID {
		t.Errorf("Expected ascending ids, got %s then %s", first[0].ID, first[1].ID)
	}

	next, err := s.ListPartnersAfter(ctx, first[1].ID, 2)
	if err != nil {
		t.Fatalf("Failed to list partners: %v", err)
	}
	for _, p := range next {
		if p.ID <= first[1].ID {
			t.Errorf("Partner %s is not after cursor %s", p.ID, first[1].ID)
		}
	}

	if err := s.UpdatePartnerRanking(ctx, created[2], 0.42); err != nil {
		t.Fatalf("Failed to update ranking: %v", err)
	}
	p, err := s.GetPartner(ctx, created[2])
	if err != nil {
		t.Fatalf("Failed to get partner: %v", err)
	}
	if p.RankingScore != 0.42 {
		t.Errorf("Expected ranking 0.42, got %v", p.RankingScore)
	}

	if _, err := s.GetPartner(ctx, "pn_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	byID, err := s.GetPartners(ctx, []string{created[0], created[4], "pn_missing"})
	if err != nil {
		t.Fatalf("Failed to get partners: %v", err)
	}
	if len(byID) != 2 {
		t.Errorf("Expected 2 partners, got %d", len(byID))
	}
}

func testEnrollmentFilter(ctx context.Context, t *testing.T, s Store) {
	programID := models.NewID("prog")
	for i, status := range []models.EnrollmentStatus{models.EnrollmentApproved, models.EnrollmentPending, models.EnrollmentApproved} {
		e := &models.Enrollment{
			ID:        models.NewID("enr"),
			ProgramID: programID,
			PartnerID: fmt.Sprintf("pn_%d", i),
			Status:    status,
			CreatedAt: time.Now(),
		}
		if err := s.CreateEnrollment(ctx, e); err != nil {
			t.Fatalf("Failed to create enrollment: %v", err)
		}
	}

	dup := &models.Enrollment{ID: models.NewID("enr"), ProgramID: programID, PartnerID: "pn_0", Status: models.EnrollmentApproved, CreatedAt: time.Now()}
	if err := s.CreateEnrollment(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate enrollment, got %v", err)
	}

	approved, err := s.ListEnrollmentsAfter(ctx, models.EnrollmentFilter{ProgramID: programID, Status: models.EnrollmentApproved}, "", 10)
	if err != nil {
		t.Fatalf("Failed to list enrollments: %v", err)
	}
	if len(approved) != 2 {
		t.Errorf("Expected 2 approved enrollments, got %d", len(approved))
	}
}

func testDiscountCodes(ctx context.Context, t *testing.T, s Store) {
	discountID := models.NewID("disc")
	codes := []*models.DiscountCode{
		{ID: models.NewID("dc"), EnrollmentID: "enr_a", DiscountID: discountID, Code: "ALPHA10", CreatedAt: time.Now()},
		{ID: models.NewID("dc"), EnrollmentID: "enr_b", DiscountID: discountID, Code: "BRAVO10", CreatedAt: time.Now()},
	}
	n, err := s.CreateDiscountCodes(ctx, codes)
	if err != nil {
		t.Fatalf("Failed to create codes: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 inserted, got %d", n)
	}

	again := []*models.DiscountCode{
		{ID: models.NewID("dc"), EnrollmentID: "enr_a", DiscountID: discountID, Code: "ALPHA11", CreatedAt: time.Now()},
		{ID: models.NewID("dc"), EnrollmentID: "enr_c", DiscountID: discountID, Code: "CHARLIE10", CreatedAt: time.Now()},
	}
	n, err = s.CreateDiscountCodes(ctx, again)
	if err != nil {
		t.Fatalf("Failed to create codes: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected duplicate to be skipped, inserted %d", n)
	}

	existing, err := s.ListDiscountCodesByEnrollments(ctx, discountID, []string{"enr_a", "enr_c", "enr_z"})
	if err != nil {
		t.Fatalf("Failed to list codes: %v", err)
	}
	if len(existing) != 2 {
		t.Fatalf("Expected 2 codes, got %d", len(existing))
	}
	if existing["enr_a"].Code != "ALPHA10" {
		t.Errorf("Expected original code to be kept, got %s", existing["enr_a"].Code)
	}
}

func testAttachPayouts(ctx context.Context, t *testing.T, s Store) {
	programID := models.NewID("prog")
	invoice := &models.Invoice{
		ID:        models.NewID("inv"),
		ProgramID: programID,
		Currency:  "usd",
		Status:    models.InvoiceProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateInvoice(ctx, invoice); err != nil {
		t.Fatalf("Failed to create invoice: %v", err)
	}

	payouts := make([]*models.Payout, 0, 3)
	for i, status := range []models.PayoutStatus{models.PayoutPending, models.PayoutPending, models.PayoutSent} {
		p := &models.Payout{
			ID:        models.NewID("po"),
			ProgramID: programID,
			PartnerID: fmt.Sprintf("pn_%d", i),
			Amount:    1000,
			Currency:  "usd",
			Status:    status,
			CreatedAt: time.Now(),
		}
		if err := s.CreatePayout(ctx, p); err != nil {
			t.Fatalf("Failed to create payout: %v", err)
		}
		p.Fee = 30
		payouts = append(payouts, p)
	}

	attached, err := s.AttachPayouts(ctx, invoice.ID, payouts)
	if err != nil {
		t.Fatalf("Failed to attach payouts: %v", err)
	}
	if attached != 2 {
		t.Errorf("Expected 2 payouts attached, got %d", attached)
	}

	// Attaching again is a no-op because the payouts are no longer pending
	attached, err = s.AttachPayouts(ctx, invoice.ID, payouts)
	if err != nil {
		t.Fatalf("Failed to re-attach payouts: %v", err)
	}
	if attached != 0 {
		t.Errorf("Expected 0 payouts on re-attach, got %d", attached)
	}

	got, err := s.GetInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("Failed to get invoice: %v", err)
	}
	if got.Amount != 2000 || got.Fee != 60 || got.Total != 2060 || got.PayoutCount != 2 {
		t.Errorf("Unexpected invoice totals: amount=%d fee=%d total=%d count=%d",
			got.Amount, got.Fee, got.Total, got.PayoutCount)
	}

	processing, err := s.ListPayoutsAfter(ctx, models.PayoutFilter{InvoiceID: invoice.ID, Status: models.PayoutProcessing}, "", 10)
	if err != nil {
		t.Fatalf("Failed to list payouts: %v", err)
	}
	if len(processing) != 2 {
		t.Errorf("Expected 2 processing payouts, got %d", len(processing))
	}

	if err := s.UpdateInvoiceStatus(ctx, invoice.ID, models.InvoiceReady); err != nil {
		t.Fatalf("Failed to update invoice: %v", err)
	}
	if err := s.TransitionInvoice(ctx, invoice.ID, models.InvoiceReady, models.InvoiceSending); err != nil {
		t.Fatalf("Failed to claim invoice: %v", err)
	}
	if err := s.TransitionInvoice(ctx, invoice.ID, models.InvoiceReady, models.InvoiceSending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if err := s.TransitionInvoice(ctx, "inv_missing", models.InvoiceReady, models.InvoiceSending); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateInvoiceStatus(ctx, "inv_missing", models.InvoiceReady); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testCommissionTotals(ctx context.Context, t *testing.T, s Store) {
	programID := models.NewID("prog")
	for i := 0; i < 3; i++ {
		c := &models.Commission{
			ID:        models.NewID("cm"),
			ProgramID: programID,
			PartnerID: "pn_totals",
			Type:      models.CommissionSale,
			Amount:    int64(1000 * (i + 1)),
			Earnings:  int64(100 * (i + 1)),
			Currency:  "usd",
			Status:    models.CommissionPending,
			CreatedAt: time.Now(),
		}
		if err := s.CreateCommission(ctx, c); err != nil {
			t.Fatalf("Failed to create commission: %v", err)
		}
	}

	totals, err := s.SumCommissions(ctx, models.CommissionFilter{ProgramID: programID, Type: models.CommissionSale})
	if err != nil {
		t.Fatalf("Failed to sum commissions: %v", err)
	}
	if totals.Count != 3 || totals.Amount != 6000 || totals.Earnings != 600 {
		t.Errorf("Unexpected totals: %+v", totals)
	}

	page, err := s.ListCommissionsAfter(ctx, models.CommissionFilter{ProgramID: programID}, "", 2)
	if err != nil {
		t.Fatalf("Failed to list commissions: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("Expected 2 commissions, got %d", len(page))
	}
}

func testSentEmails(ctx context.Context, t *testing.T, s Store) {
	key := models.NewID("cmp") + ":pn_1"
	sent, err := s.HasSentEmail(ctx, key)
	if err != nil {
		t.Fatalf("Failed to check email: %v", err)
	}
	if sent {
		t.Fatal("Expected email not sent yet")
	}

	e := &models.SentEmail{IdempotencyKey: key, PartnerID: "pn_1", Template: "campaign", SentAt: time.Now()}
	recorded, err := s.RecordSentEmail(ctx, e)
	if err != nil || !recorded {
		t.Fatalf("Expected first record to succeed, got %v, %v", recorded, err)
	}
	recorded, err = s.RecordSentEmail(ctx, e)
	if err != nil {
		t.Fatalf("Failed to record email: %v", err)
	}
	if recorded {
		t.Error("Expected duplicate record to be rejected")
	}
}

func testSimilarities(ctx context.Context, t *testing.T, s Store) {
	programID := models.NewID("prog")
	sims := []*models.ProgramSimilarity{
		{ProgramID: programID, SimilarProgramID: "prog_b", Score: 0.3, UpdatedAt: time.Now()},
		{ProgramID: programID, SimilarProgramID: "prog_c", Score: 0.8, UpdatedAt: time.Now()},
	}
	if err := s.UpsertProgramSimilarities(ctx, sims); err != nil {
		t.Fatalf("Failed to upsert similarities: %v", err)
	}
	sims[0].Score = 0.9
	if err := s.UpsertProgramSimilarities(ctx, sims[:1]); err != nil {
		t.Fatalf("Failed to upsert similarities: %v", err)
	}

	got, err := s.ListProgramSimilarities(ctx, programID, 10)
	if err != nil {
		t.Fatalf("Failed to list similarities: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 similarities, got %d", len(got))
	}
	if got[0].SimilarProgramID != "prog_b" || got[0].Score != 0.9 {
		t.Errorf("Expected updated prog_b first, got %s (%v)", got[0].SimilarProgramID, got[0].Score)
	}
}

func testRunsAndPages(ctx context.Context, t *testing.T, s Store) {
	now := time.Now()
	run := &models.JobRun{
		ID:        models.NewID("run"),
		Job:       "partners.rank",
		Params:    json.RawMessage(`{"programId":"prog_1"}`),
		Status:    models.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate run id, got %v", err)
	}

	page, created, err := s.ClaimPage(ctx, run.ID, "", 1)
	if err != nil {
		t.Fatalf("Failed to claim page: %v", err)
	}
	if !created {
		t.Error("Expected first claim to create the page")
	}
	if page.Completed() {
		t.Error("New page should not be completed")
	}

	completedAt := time.Now()
	page.Count = 100
	page.NextCursor = "pn_100"
	page.CompletedAt = &completedAt
	if err := s.CompletePage(ctx, page); err != nil {
		t.Fatalf("Failed to complete page: %v", err)
	}

	again, created, err := s.ClaimPage(ctx, run.ID, "", 1)
	if err != nil {
		t.Fatalf("Failed to re-claim page: %v", err)
	}
	if created {
		t.Error("Expected redelivered page to be found, not created")
	}
	if !again.Completed() || again.NextCursor != "pn_100" || again.Count != 100 {
		t.Errorf("Unexpected page record: %+v", again)
	}

	run.Status = models.RunStatusCompleted
	run.Pages = 1
	run.Processed = 100
	run.Cursor = "pn_100"
	run.CompletedAt = &completedAt
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if got.Status != models.RunStatusCompleted || got.Processed != 100 || got.CompletedAt == nil {
		t.Errorf("Unexpected run: %+v", got)
	}
	if string(got.Params) != `{"programId":"prog_1"}` {
		t.Errorf("Unexpected params: %s", got.Params)
	}

	runs, err := s.ListRuns(ctx, models.RunFilter{Job: "partners.rank", Status: models.RunStatusCompleted})
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	found := false
	for _, r := range runs {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Error("Expected completed run in listing")
	}

	// A finished run is never rewritten, e.g. back to running by a page in flight
	got.Status = models.RunStatusRunning
	if err := s.UpdateRun(ctx, got); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if again, _ := s.GetRun(ctx, run.ID); again.Status != models.RunStatusCompleted {
		t.Errorf("Expected run to stay completed, got %s", again.Status)
	}

	if err := s.UpdateRun(ctx, &models.JobRun{ID: "run_missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testQueueMessages(ctx context.Context, t *testing.T, s Store) {
	now := time.Now()
	dedupID := models.NewID("run") + ":pn_1"
	msg := &models.Message{
		ID:              models.NewID("msg"),
		Destination:     "/cron/partners.rank",
		Body:            []byte(`{"job":"partners.rank"}`),
		DeduplicationID: dedupID,
		Status:          models.MessageStatusQueued,
		NotBefore:       now.Add(-time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ok, err := s.EnqueueMessage(ctx, msg)
	if err != nil || !ok {
		t.Fatalf("Expected enqueue to succeed, got %v, %v", ok, err)
	}

	dup := *msg
	dup.ID = models.NewID("msg")
	ok, err = s.EnqueueMessage(ctx, &dup)
	if err != nil {
		t.Fatalf("Failed to enqueue duplicate: %v", err)
	}
	if ok {
		t.Error("Expected duplicate deduplication id to be collapsed")
	}

	later := &models.Message{
		ID:          models.NewID("msg"),
		Destination: "/cron/partners.rank",
		Status:      models.MessageStatusQueued,
		NotBefore:   now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.EnqueueMessage(ctx, later); err != nil {
		t.Fatalf("Failed to enqueue delayed message: %v", err)
	}

	claimed, err := s.ClaimDueMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to claim messages: %v", err)
	}
	var mine *models.Message
	for _, m := range claimed {
		if m.ID == later.ID {
			t.Error("Delayed message should not be claimed")
		}
		if m.ID == msg.ID {
			mine = m
		}
	}
	if mine == nil {
		t.Fatal("Expected due message to be claimed")
	}
	if mine.Status != models.MessageStatusDelivering || mine.Attempts != 1 {
		t.Errorf("Unexpected claimed message: status=%s attempts=%d", mine.Status, mine.Attempts)
	}
	if string(mine.Body) != `{"job":"partners.rank"}` {
		t.Errorf("Unexpected body: %s", mine.Body)
	}

	// A claimed message is not claimed twice
	again, err := s.ClaimDueMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to claim messages: %v", err)
	}
	for _, m := range again {
		if m.ID == msg.ID {
			t.Error("Message claimed twice")
		}
	}

	contains := func(msgs []*models.Message, id string) bool {
		for _, m := range msgs {
			if m.ID == id {
				return true
			}
		}
		return false
	}
	stale, err := s.ListStaleMessages(ctx, now.Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("Failed to list stale messages: %v", err)
	}
	if !contains(stale, msg.ID) || contains(stale, later.ID) {
		t.Errorf("Expected only the delivering message to be stale, got %d messages", len(stale))
	}
	fresh, err := s.ListStaleMessages(ctx, now.Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("Failed to list stale messages: %v", err)
	}
	if contains(fresh, msg.ID) {
		t.Error("Message claimed after the cutoff reported stale")
	}

	if err := s.TransitionMessage(ctx, mine, models.MessageStatusQueued); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	delivered := time.Now()
	mine.DeliveredAt = &delivered
	if err := s.TransitionMessage(ctx, mine, models.MessageStatusDelivered); err != nil {
		t.Fatalf("Failed to mark delivered: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.Status != models.MessageStatusDelivered || got.DeliveredAt == nil {
		t.Errorf("Unexpected message: %+v", got)
	}
}

func testRetention(ctx context.Context, t *testing.T, s Store) {
	old := time.Now().Add(-48 * time.Hour)
	finished := &models.JobRun{ID: models.NewID("run"), Job: "partners.rank", Status: models.RunStatusCompleted, StartedAt: old, UpdatedAt: old}
	active := &models.JobRun{ID: models.NewID("run"), Job: "partners.rank", Status: models.RunStatusRunning, StartedAt: old, UpdatedAt: old}
	for _, r := range []*models.JobRun{finished, active} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("Failed to create run: %v", err)
		}
	}
	if _, _, err := s.ClaimPage(ctx, finished.ID, "", 1); err != nil {
		t.Fatalf("Failed to claim page: %v", err)
	}

	if _, err := s.DeleteRunsBefore(ctx, time.Now().Add(-24*time.Hour), 100); err != nil {
		t.Fatalf("Failed to delete runs: %v", err)
	}
	if _, err := s.GetRun(ctx, finished.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected finished run to be deleted, got %v", err)
	}
	if _, err := s.GetRun(ctx, active.ID); err != nil {
		t.Errorf("Expected running run to be kept, got %v", err)
	}

	if err := s.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}

// TestSQLiteConcurrentClaims checks that concurrent claims of the same page
// create exactly one record.
func TestSQLiteConcurrentClaims(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.ClaimPage(ctx, "run_shared", "pn_50", 2)
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one claim to create the page, got %d", createdCount)
	}
}
