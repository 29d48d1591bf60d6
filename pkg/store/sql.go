package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// schema is shared by both dialects; {{TS}}, {{REAL}} and {{BLOB}} are
// replaced with dialect column types.
const schema = `
CREATE TABLE IF NOT EXISTS programs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL,
	categories TEXT,
	currency TEXT NOT NULL,
	click_reward BIGINT NOT NULL DEFAULT 0,
	lead_reward BIGINT NOT NULL DEFAULT 0,
	sale_reward_bps BIGINT NOT NULL DEFAULT 0,
	min_payout_amount BIGINT NOT NULL DEFAULT 0,
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS partners (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	country TEXT,
	payout_currency TEXT,
	stripe_account_id TEXT,
	payouts_enabled BOOLEAN NOT NULL DEFAULT false,
	clicks BIGINT NOT NULL DEFAULT 0,
	leads BIGINT NOT NULL DEFAULT 0,
	conversions BIGINT NOT NULL DEFAULT 0,
	ranking_score {{REAL}} NOT NULL DEFAULT 0,
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS enrollments (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	discount_id TEXT,
	created_at {{TS}} NOT NULL,
	UNIQUE (program_id, partner_id)
);

CREATE INDEX IF NOT EXISTS idx_enrollments_program ON enrollments(program_id, status);

CREATE TABLE IF NOT EXISTS discounts (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	coupon_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	type TEXT NOT NULL,
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS discount_codes (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	enrollment_id TEXT NOT NULL,
	discount_id TEXT NOT NULL,
	code TEXT NOT NULL,
	provider_id TEXT,
	created_at {{TS}} NOT NULL,
	UNIQUE (enrollment_id, discount_id)
);

CREATE TABLE IF NOT EXISTS commissions (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	earnings BIGINT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	payout_id TEXT,
	created_at {{TS}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commissions_program ON commissions(program_id, partner_id);

CREATE TABLE IF NOT EXISTS payouts (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	invoice_id TEXT,
	amount BIGINT NOT NULL,
	fee BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	transfer_id TEXT,
	error TEXT,
	period_start {{TS}},
	period_end {{TS}},
	created_at {{TS}} NOT NULL,
	paid_at {{TS}}
);

CREATE INDEX IF NOT EXISTS idx_payouts_program_status ON payouts(program_id, status);
CREATE INDEX IF NOT EXISTS idx_payouts_invoice ON payouts(invoice_id);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	amount BIGINT NOT NULL DEFAULT 0,
	fee BIGINT NOT NULL DEFAULT 0,
	total BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	payout_count INTEGER NOT NULL DEFAULT 0,
	created_at {{TS}} NOT NULL,
	updated_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS bounties (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	name TEXT NOT NULL,
	metric TEXT NOT NULL,
	threshold BIGINT NOT NULL,
	reward_amount BIGINT NOT NULL,
	starts_at {{TS}} NOT NULL,
	ends_at {{TS}},
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS bounty_submissions (
	id TEXT PRIMARY KEY,
	bounty_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	performance BIGINT NOT NULL,
	created_at {{TS}} NOT NULL,
	UNIQUE (bounty_id, partner_id)
);

CREATE TABLE IF NOT EXISTS program_similarities (
	program_id TEXT NOT NULL,
	similar_program_id TEXT NOT NULL,
	score {{REAL}} NOT NULL,
	jaccard {{REAL}} NOT NULL,
	cosine {{REAL}} NOT NULL,
	updated_at {{TS}} NOT NULL,
	PRIMARY KEY (program_id, similar_program_id)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS sent_emails (
	idempotency_key TEXT PRIMARY KEY,
	partner_id TEXT NOT NULL,
	template TEXT NOT NULL,
	sent_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	job TEXT NOT NULL,
	params TEXT,
	status TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	last_cursor TEXT,
	error TEXT,
	started_at {{TS}} NOT NULL,
	updated_at {{TS}} NOT NULL,
	completed_at {{TS}}
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job_status ON job_runs(job, status);

CREATE TABLE IF NOT EXISTS page_records (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	start_cursor TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	record_count INTEGER NOT NULL DEFAULT 0,
	next_cursor TEXT,
	created_at {{TS}} NOT NULL,
	completed_at {{TS}},
	UNIQUE (run_id, start_cursor)
);

CREATE TABLE IF NOT EXISTS queue_messages (
	id TEXT PRIMARY KEY,
	destination TEXT NOT NULL,
	body {{BLOB}},
	deduplication_id TEXT UNIQUE,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	not_before {{TS}} NOT NULL,
	created_at {{TS}} NOT NULL,
	updated_at {{TS}} NOT NULL,
	delivered_at {{TS}}
);

CREATE INDEX IF NOT EXISTS idx_queue_messages_due ON queue_messages(status, not_before);
`

func (s *sqlStore) initSchema(ctx context.Context) error {
	var r *strings.Replacer
	switch s.dialect {
	case dialectPostgres:
		r = strings.NewReplacer("{{TS}}", "TIMESTAMPTZ", "{{REAL}}", "DOUBLE PRECISION", "{{BLOB}}", "BYTEA")
	default:
		r = strings.NewReplacer("{{TS}}", "DATETIME", "{{REAL}}", "REAL", "{{BLOB}}", "BLOB")
	}
	_, err := s.db.ExecContext(ctx, r.Replace(schema))
	return err
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, q execer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, s.conflict(err)
	}
	return res.RowsAffected()
}

// conflict maps a unique constraint violation to ErrConflict
func (s *sqlStore) conflict(err error) error {
	unique := false
	switch s.dialect {
	case dialectPostgres:
		unique = isPostgresUniqueViolation(err)
	case dialectSQLite:
		unique = isSQLiteUniqueViolation(err)
	}
	if unique {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *sqlStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Times are stored in UTC so SQLite text comparisons order correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func checkAffected(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Programs

const programColumns = `id, name, slug, categories, currency, click_reward, lead_reward, sale_reward_bps, min_payout_amount, created_at`

func scanProgram(row scanner) (*models.Program, error) {
	var p models.Program
	var categories sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &categories, &p.Currency, &p.ClickReward,
		&p.LeadReward, &p.SaleRewardBps, &p.MinPayoutAmount, &p.CreatedAt); err != nil {
		return nil, err
	}
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &p.Categories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
		}
	}
	return &p, nil
}

func (s *sqlStore) CreateProgram(ctx context.Context, p *models.Program) error {
	categories, err := json.Marshal(p.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO programs (`+programColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Slug, string(categories), p.Currency, p.ClickReward, p.LeadReward,
		p.SaleRewardBps, p.MinPayoutAmount, utc(p.CreatedAt))
	return err
}

func (s *sqlStore) GetProgram(ctx context.Context, id string) (*models.Program, error) {
	p, err := scanProgram(s.queryRow(ctx, s.db, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *sqlStore) ListProgramsAfter(ctx context.Context, cursor string, limit int) ([]*models.Program, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+programColumns+` FROM programs WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	programs := make([]*models.Program, 0)
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// Partners

const partnerColumns = `id, name, email, country, payout_currency, stripe_account_id, payouts_enabled, clicks, leads, conversions, ranking_score, created_at`

func scanPartner(row scanner) (*models.Partner, error) {
	var p models.Partner
	var country, currency, account sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &country, &currency, &account, &p.PayoutsEnabled,
		&p.Clicks, &p.Leads, &p.Conversions, &p.RankingScore, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Country = country.String
	p.PayoutCurrency = currency.String
	p.StripeAccountID = account.String
	return &p, nil
}

func (s *sqlStore) CreatePartner(ctx context.Context, p *models.Partner) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO partners (`+partnerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, nullString(p.Country), nullString(p.PayoutCurrency), nullString(p.StripeAccountID),
		p.PayoutsEnabled, p.Clicks, p.Leads, p.Conversions, p.RankingScore, utc(p.CreatedAt))
	return err
}

func (s *sqlStore) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	p, err := scanPartner(s.queryRow(ctx, s.db, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *sqlStore) GetPartners(ctx context.Context, ids []string) (map[string]*models.Partner, error) {
	out := make(map[string]*models.Partner, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx, s.db, `SELECT `+partnerColumns+` FROM partners WHERE id IN (`+inClause(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *sqlStore) ListPartnersAfter(ctx context.Context, cursor string, limit int) ([]*models.Partner, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+partnerColumns+` FROM partners WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := make([]*models.Partner, 0)
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, p)
	}
	return partners, rows.Err()
}

func (s *sqlStore) UpdatePartnerRanking(ctx context.Context, id string, score float64) error {
	return checkAffected(s.exec(ctx, s.db, `UPDATE partners SET ranking_score = ? WHERE id = ?`, score, id))
}

// Enrollments

const enrollmentColumns = `id, program_id, partner_id, status, discount_id, created_at`

func scanEnrollment(row scanner) (*models.Enrollment, error) {
	var e models.Enrollment
	var discountID sql.NullString
	if err := row.Scan(&e.ID, &e.ProgramID, &e.PartnerID, &e.Status, &discountID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.DiscountID = discountID.String
	return &e, nil
}

func (s *sqlStore) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	n, err := s.exec(ctx, s.db, `INSERT INTO enrollments (`+enrollmentColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (program_id, partner_id) DO NOTHING`,
		e.ID, e.ProgramID, e.PartnerID, e.Status, nullString(e.DiscountID), utc(e.CreatedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) ListEnrollmentsAfter(ctx context.Context, f models.EnrollmentFilter, cursor string, limit int) ([]*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id > ?`
	args := []any{cursor}
	if f.ProgramID != "" {
		query += ` AND program_id = ?`
		args = append(args, f.ProgramID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.DiscountID != "" {
		query += ` AND discount_id = ?`
		args = append(args, f.DiscountID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enrollments := make([]*models.Enrollment, 0)
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// Discounts

func (s *sqlStore) CreateDiscount(ctx context.Context, d *models.Discount) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO discounts (id, program_id, coupon_id, amount, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProgramID, d.CouponID, d.Amount, d.Type, utc(d.CreatedAt))
	return err
}

func (s *sqlStore) GetDiscount(ctx context.Context, id string) (*models.Discount, error) {
	var d models.Discount
	err := s.queryRow(ctx, s.db, `SELECT id, program_id, coupon_id, amount, type, created_at FROM discounts WHERE id = ?`, id).
		Scan(&d.ID, &d.ProgramID, &d.CouponID, &d.Amount, &d.Type, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *sqlStore) CreateDiscountCodes(ctx context.Context, codes []*models.DiscountCode) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range codes {
			n, err := s.exec(ctx, tx, `INSERT INTO discount_codes
				(id, program_id, partner_id, enrollment_id, discount_id, code, provider_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (enrollment_id, discount_id) DO NOTHING`,
				c.ID, c.ProgramID, c.PartnerID, c.EnrollmentID, c.DiscountID, c.Code,
				nullString(c.ProviderID), utc(c.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert discount code: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *sqlStore) ListDiscountCodesByEnrollments(ctx context.Context, discountID string, enrollmentIDs []string) (map[string]*models.DiscountCode, error) {
	out := make(map[string]*models.DiscountCode)
	if len(enrollmentIDs) == 0 {
		return out, nil
	}
	args := []any{discountID}
	for _, id := range enrollmentIDs {
		args = append(args, id)
	}
	rows, err := s.query(ctx, s.db, `SELECT id, program_id, partner_id, enrollment_id, discount_id, code, provider_id, created_at
		FROM discount_codes WHERE discount_id = ? AND enrollment_id IN (`+inClause(len(enrollmentIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c models.DiscountCode
		var providerID sql.NullString
		if err := rows.Scan(&c.ID, &c.ProgramID, &c.PartnerID, &c.EnrollmentID, &c.DiscountID, &c.Code,
			&providerID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ProviderID = providerID.String
		out[c.EnrollmentID] = &c
	}
	return out, rows.Err()
}

// Commissions

func commissionWhere(f models.CommissionFilter) (string, []any) {
	clauses := []string{}
	args := []any{}
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id = ?")
		args = append(args, f.ProgramID)
	}
	if f.PartnerID != "" {
		clauses = append(clauses, "partner_id = ?")
		args = append(args, f.PartnerID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, utc(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, utc(f.Until))
	}
	if len(clauses) == 0 {
		return "1 = 1", args
	}
	return strings.Join(clauses, " AND "), args
}

func (s *sqlStore) CreateCommission(ctx context.Context, c *models.Commission) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO commissions
		(id, program_id, partner_id, type, amount, earnings, currency, status, payout_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProgramID, c.PartnerID, c.Type, c.Amount, c.Earnings, c.Currency, c.Status,
		nullString(c.PayoutID), utc(c.CreatedAt))
	return err
}

func (s *sqlStore) ListCommissionsAfter(ctx context.Context, f models.CommissionFilter, cursor string, limit int) ([]*models.Commission, error) {
	where, args := commissionWhere(f)
	args = append([]any{cursor}, args...)
	args = append(args, limit)
	rows, err := s.query(ctx, s.db, `SELECT id, program_id, partner_id, type, amount, earnings, currency, status, payout_id, created_at
		FROM commissions WHERE id > ? AND `+where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commissions := make([]*models.Commission, 0)
	for rows.Next() {
		var c models.Commission
		var payoutID sql.NullString
		if err := rows.Scan(&c.ID, &c.ProgramID, &c.PartnerID, &c.Type, &c.Amount, &c.Earnings,
			&c.Currency, &c.Status, &payoutID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.PayoutID = payoutID.String
		commissions = append(commissions, &c)
	}
	return commissions, rows.Err()
}

func (s *sqlStore) SumCommissions(ctx context.Context, f models.CommissionFilter) (*models.CommissionTotals, error) {
	where, args := commissionWhere(f)
	var totals models.CommissionTotals
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(earnings), 0)
		FROM commissions WHERE `+where, args...).Scan(&totals.Count, &totals.Amount, &totals.Earnings)
	if err != nil {
		return nil, err
	}
	return &totals, nil
}

// Payouts

const payoutColumns = `id, program_id, partner_id, invoice_id, amount, fee, currency, status, transfer_id, error, period_start, period_end, created_at, paid_at`

func scanPayout(row scanner) (*models.Payout, error) {
	var p models.Payout
	var invoiceID, transferID, errMsg sql.NullString
	var periodStart, periodEnd, paidAt sql.NullTime
	if err := row.Scan(&p.ID, &p.ProgramID, &p.PartnerID, &invoiceID, &p.Amount, &p.Fee, &p.Currency,
		&p.Status, &transferID, &errMsg, &periodStart, &periodEnd, &p.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	p.InvoiceID = invoiceID.String
	p.TransferID = transferID.String
	p.Error = errMsg.String
	p.PeriodStart = timePtr(periodStart)
	p.PeriodEnd = timePtr(periodEnd)
	p.PaidAt = timePtr(paidAt)
	return &p, nil
}

func (s *sqlStore) CreatePayout(ctx context.Context, p *models.Payout) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO payouts (`+payoutColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProgramID, p.PartnerID, nullString(p.InvoiceID), p.Amount, p.Fee, p.Currency, p.Status,
		nullString(p.TransferID), nullString(p.Error), nullTime(p.PeriodStart), nullTime(p.PeriodEnd),
		utc(p.CreatedAt), nullTime(p.PaidAt))
	return err
}

func (s *sqlStore) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	p, err := scanPayout(s.queryRow(ctx, s.db, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *sqlStore) ListPayoutsAfter(ctx context.Context, f models.PayoutFilter, cursor string, limit int) ([]*models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id > ? AND amount >= ?`
	args := []any{cursor, f.MinAmount}
	if f.ProgramID != "" {
		query += ` AND program_id = ?`
		args = append(args, f.ProgramID)
	}
	if f.InvoiceID != "" {
		query += ` AND invoice_id = ?`
		args = append(args, f.InvoiceID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := make([]*models.Payout, 0)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func (s *sqlStore) UpdatePayout(ctx context.Context, p *models.Payout) error {
	return checkAffected(s.exec(ctx, s.db, `UPDATE payouts SET invoice_id = ?, amount = ?, fee = ?, currency = ?,
		status = ?, transfer_id = ?, error = ?, paid_at = ? WHERE id = ?`,
		nullString(p.InvoiceID), p.Amount, p.Fee, p.Currency, p.Status, nullString(p.TransferID),
		nullString(p.Error), nullTime(p.PaidAt), p.ID))
}

// Invoices

func (s *sqlStore) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO invoices
		(id, program_id, amount, fee, total, currency, status, payout_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ProgramID, inv.Amount, inv.Fee, inv.Total, inv.Currency, inv.Status,
		inv.PayoutCount, utc(inv.CreatedAt), utc(inv.UpdatedAt))
	return err
}

func (s *sqlStore) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.queryRow(ctx, s.db, `SELECT id, program_id, amount, fee, total, currency, status, payout_count, created_at, updated_at
		FROM invoices WHERE id = ?`, id).Scan(&inv.ID, &inv.ProgramID, &inv.Amount, &inv.Fee, &inv.Total,
		&inv.Currency, &inv.Status, &inv.PayoutCount, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *sqlStore) UpdateInvoiceStatus(ctx context.Context, id string, status models.InvoiceStatus) error {
	return checkAffected(s.exec(ctx, s.db, `UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		status, utc(time.Now()), id))
}

func (s *sqlStore) TransitionInvoice(ctx context.Context, id string, from, to models.InvoiceStatus) error {
	n, err := s.exec(ctx, s.db, `UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, utc(time.Now()), id, from)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetInvoice(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *sqlStore) AttachPayouts(ctx context.Context, invoiceID string, payouts []*models.Payout) (int, error) {
	attached := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var amount, fee int64
		for _, p := range payouts {
			var current int64
			if err := s.queryRow(ctx, tx, `SELECT amount FROM payouts WHERE id = ? AND status = ?`,
				p.ID, models.PayoutPending).Scan(&current); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			n, err := s.exec(ctx, tx, `UPDATE payouts SET status = ?, invoice_id = ?, fee = ? WHERE id = ? AND status = ?`,
				models.PayoutProcessing, invoiceID, p.Fee, p.ID, models.PayoutPending)
			if err != nil {
				return fmt.Errorf("failed to attach payout %s: %w", p.ID, err)
			}
			if n == 0 {
				continue
			}
			amount += current
			fee += p.Fee
			attached++
		}
		return checkAffected(s.exec(ctx, tx, `UPDATE invoices SET amount = amount + ?, fee = fee + ?, total = total + ?,
			payout_count = payout_count + ?, updated_at = ? WHERE id = ?`,
			amount, fee, amount+fee, attached, utc(time.Now()), invoiceID))
	})
	if err != nil {
		return 0, err
	}
	return attached, nil
}

// Bounties

func (s *sqlStore) CreateBounty(ctx context.Context, b *models.Bounty) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO bounties
		(id, program_id, name, metric, threshold, reward_amount, starts_at, ends_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProgramID, b.Name, b.Metric, b.Threshold, b.RewardAmount, utc(b.StartsAt),
		nullTime(b.EndsAt), utc(b.CreatedAt))
	return err
}

func (s *sqlStore) GetBounty(ctx context.Context, id string) (*models.Bounty, error) {
	var b models.Bounty
	var endsAt sql.NullTime
	err := s.queryRow(ctx, s.db, `SELECT id, program_id, name, metric, threshold, reward_amount, starts_at, ends_at, created_at
		FROM bounties WHERE id = ?`, id).Scan(&b.ID, &b.ProgramID, &b.Name, &b.Metric, &b.Threshold,
		&b.RewardAmount, &b.StartsAt, &endsAt, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	b.EndsAt = timePtr(endsAt)
	return &b, nil
}

func (s *sqlStore) CreateBountySubmissions(ctx context.Context, subs []*models.BountySubmission) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sub := range subs {
			n, err := s.exec(ctx, tx, `INSERT INTO bounty_submissions
				(id, bounty_id, partner_id, status, performance, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (bounty_id, partner_id) DO NOTHING`,
				sub.ID, sub.BountyID, sub.PartnerID, sub.Status, sub.Performance, utc(sub.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert bounty submission: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *sqlStore) ListBountySubmissions(ctx context.Context, bountyID string) ([]*models.BountySubmission, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, bounty_id, partner_id, status, performance, created_at
		FROM bounty_submissions WHERE bounty_id = ? ORDER BY id ASC`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*models.BountySubmission, 0)
	for rows.Next() {
		var sub models.BountySubmission
		if err := rows.Scan(&sub.ID, &sub.BountyID, &sub.PartnerID, &sub.Status, &sub.Performance, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// Similarities

func (s *sqlStore) UpsertProgramSimilarities(ctx context.Context, sims []*models.ProgramSimilarity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sim := range sims {
			if _, err := s.exec(ctx, tx, `INSERT INTO program_similarities
				(program_id, similar_program_id, score, jaccard, cosine, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (program_id, similar_program_id) DO UPDATE SET
					score = excluded.score, jaccard = excluded.jaccard,
					cosine = excluded.cosine, updated_at = excluded.updated_at`,
				sim.ProgramID, sim.SimilarProgramID, sim.Score, sim.Jaccard, sim.Cosine, utc(sim.UpdatedAt)); err != nil {
				return fmt.Errorf("failed to upsert similarity: %w", err)
			}
		}
		return nil
	})
}

func (s *sqlStore) ListProgramSimilarities(ctx context.Context, programID string, limit int) ([]*models.ProgramSimilarity, error) {
	query := `SELECT program_id, similar_program_id, score, jaccard, cosine, updated_at
		FROM program_similarities WHERE program_id = ? ORDER BY score DESC, similar_program_id ASC`
	args := []any{programID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sims := make([]*models.ProgramSimilarity, 0)
	for rows.Next() {
		var sim models.ProgramSimilarity
		if err := rows.Scan(&sim.ProgramID, &sim.SimilarProgramID, &sim.Score, &sim.Jaccard,
			&sim.Cosine, &sim.UpdatedAt); err != nil {
			return nil, err
		}
		sims = append(sims, &sim)
	}
	return sims, rows.Err()
}

// Campaigns

func (s *sqlStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO campaigns (id, program_id, subject, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ProgramID, c.Subject, c.Body, utc(c.CreatedAt))
	return err
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.queryRow(ctx, s.db, `SELECT id, program_id, subject, body, created_at FROM campaigns WHERE id = ?`, id).
		Scan(&c.ID, &c.ProgramID, &c.Subject, &c.Body, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *sqlStore) HasSentEmail(ctx context.Context, key string) (bool, error) {
	var count int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM sent_emails WHERE idempotency_key = ?`, key).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqlStore) RecordSentEmail(ctx context.Context, e *models.SentEmail) (bool, error) {
	n, err := s.exec(ctx, s.db, `INSERT INTO sent_emails (idempotency_key, partner_id, template, sent_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (idempotency_key) DO NOTHING`,
		e.IdempotencyKey, e.PartnerID, e.Template, utc(e.SentAt))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Runs

const runColumns = `id, job, params, status, pages, processed, failed, last_cursor, error, started_at, updated_at, completed_at`

func scanRun(row scanner) (*models.JobRun, error) {
	var run models.JobRun
	var params, cursor, errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.Job, &params, &run.Status, &run.Pages, &run.Processed, &run.Failed,
		&cursor, &errMsg, &run.StartedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		run.Params = json.RawMessage(params.String)
	}
	run.Cursor = cursor.String
	run.Error = errMsg.String
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, run *models.JobRun) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO job_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Job, nullString(string(run.Params)), run.Status, run.Pages, run.Processed, run.Failed,
		nullString(run.Cursor), nullString(run.Error), utc(run.StartedAt), utc(run.UpdatedAt), nullTime(run.CompletedAt))
	return err
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*models.JobRun, error) {
	run, err := scanRun(s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, run *models.JobRun) error {
	n, err := s.exec(ctx, s.db, `UPDATE job_runs SET status = ?, pages = ?, processed = ?, failed = ?,
		last_cursor = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
		run.Status, run.Pages, run.Processed, run.Failed, nullString(run.Cursor), nullString(run.Error),
		utc(run.UpdatedAt), nullTime(run.CompletedAt), run.ID, models.RunStatusRunning)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *sqlStore) ListRuns(ctx context.Context, f models.RunFilter) ([]*models.JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE 1 = 1`
	args := []any{}
	if f.Job != "" {
		query += ` AND job = ?`
		args = append(args, f.Job)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*models.JobRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Pages

const pageColumns = `id, run_id, start_cursor, page_number, record_count, next_cursor, created_at, completed_at`

func scanPage(row scanner) (*models.PageRecord, error) {
	var page models.PageRecord
	var next sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&page.ID, &page.RunID, &page.Cursor, &page.Number, &page.Count, &next,
		&page.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	page.NextCursor = next.String
	page.CompletedAt = timePtr(completedAt)
	return &page, nil
}

func (s *sqlStore) ClaimPage(ctx context.Context, runID, cursor string, number int) (*models.PageRecord, bool, error) {
	n, err := s.exec(ctx, s.db, `INSERT INTO page_records (id, run_id, start_cursor, page_number, record_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?) ON CONFLICT (run_id, start_cursor) DO NOTHING`,
		models.NewID("pg"), runID, cursor, number, utc(time.Now()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim page: %w", err)
	}
	page, err := scanPage(s.queryRow(ctx, s.db, `SELECT `+pageColumns+` FROM page_records WHERE run_id = ? AND start_cursor = ?`,
		runID, cursor))
	if err != nil {
		return nil, false, notFound(err)
	}
	return page, n > 0, nil
}

func (s *sqlStore) CompletePage(ctx context.Context, page *models.PageRecord) error {
	return checkAffected(s.exec(ctx, s.db, `UPDATE page_records SET record_count = ?, next_cursor = ?, completed_at = ?
		WHERE run_id = ? AND start_cursor = ?`,
		page.Count, nullString(page.NextCursor), nullTime(page.CompletedAt), page.RunID, page.Cursor))
}

// Queue

const messageColumns = `id, destination, body, deduplication_id, status, attempts, max_retries, last_error, not_before, created_at, updated_at, delivered_at`

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var dedup, lastErr sql.NullString
	var deliveredAt sql.NullTime
	if err := row.Scan(&msg.ID, &msg.Destination, &msg.Body, &dedup, &msg.Status, &msg.Attempts,
		&msg.MaxRetries, &lastErr, &msg.NotBefore, &msg.CreatedAt, &msg.UpdatedAt, &deliveredAt); err != nil {
		return nil, err
	}
	msg.DeduplicationID = dedup.String
	msg.LastError = lastErr.String
	msg.DeliveredAt = timePtr(deliveredAt)
	return &msg, nil
}

func (s *sqlStore) EnqueueMessage(ctx context.Context, msg *models.Message) (bool, error) {
	n, err := s.exec(ctx, s.db, `INSERT INTO queue_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		msg.ID, msg.Destination, msg.Body, nullString(msg.DeduplicationID), msg.Status, msg.Attempts,
		msg.MaxRetries, nullString(msg.LastError), utc(msg.NotBefore), utc(msg.CreatedAt), utc(msg.UpdatedAt),
		nullTime(msg.DeliveredAt))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.queryRow(ctx, s.db, `SELECT `+messageColumns+` FROM queue_messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return msg, nil
}

func (s *sqlStore) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	claimed := make([]*models.Message, 0)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT `+messageColumns+` FROM queue_messages
			WHERE status = ? AND not_before <= ? ORDER BY not_before ASC, id ASC LIMIT ?`,
			models.MessageStatusQueued, utc(now), limit)
		if err != nil {
			return err
		}
		due := make([]*models.Message, 0)
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, msg := range due {
			n, err := s.exec(ctx, tx, `UPDATE queue_messages SET status = ?, attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND status = ?`,
				models.MessageStatusDelivering, utc(now), msg.ID, models.MessageStatusQueued)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			msg.Status = models.MessageStatusDelivering
			msg.Attempts++
			msg.UpdatedAt = now
			claimed = append(claimed, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqlStore) TransitionMessage(ctx context.Context, msg *models.Message, to models.MessageStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current models.MessageStatus
		if err := s.queryRow(ctx, tx, `SELECT status FROM queue_messages WHERE id = ?`, msg.ID).Scan(&current); err != nil {
			return notFound(err)
		}
		if err := models.ValidateTransition(current, to); err != nil {
			return ErrInvalidTransition
		}
		now := time.Now()
		n, err := s.exec(ctx, tx, `UPDATE queue_messages SET status = ?, attempts = ?, last_error = ?, not_before = ?,
			updated_at = ?, delivered_at = ? WHERE id = ? AND status = ?`,
			to, msg.Attempts, nullString(msg.LastError), utc(msg.NotBefore), utc(now), nullTime(msg.DeliveredAt),
			msg.ID, current)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidTransition
		}
		msg.Status = to
		msg.UpdatedAt = now
		return nil
	})
}

func (s *sqlStore) ListStaleMessages(ctx context.Context, before time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultDeleteBatch
	}
	rows, err := s.query(ctx, s.db, `SELECT `+messageColumns+` FROM queue_messages
		WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC, id ASC LIMIT ?`,
		models.MessageStatusDelivering, utc(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stale := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, msg)
	}
	return stale, rows.Err()
}

func (s *sqlStore) ListMessages(ctx context.Context, status models.MessageStatus, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM queue_messages`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Maintenance

const defaultDeleteBatch = 1000

func (s *sqlStore) DeleteRunsBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDeleteBatch
	}
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT id FROM job_runs WHERE status IN (?, ?, ?) AND updated_at < ?
			ORDER BY id ASC LIMIT ?`,
			models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCanceled, utc(before), limit)
		if err != nil {
			return err
		}
		ids := make([]string, 0)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := s.exec(ctx, tx, `DELETE FROM page_records WHERE run_id = ?`, id); err != nil {
				return err
			}
			n, err := s.exec(ctx, tx, `DELETE FROM job_runs WHERE id = ?`, id)
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *sqlStore) DeleteMessagesBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDeleteBatch
	}
	n, err := s.exec(ctx, s.db, `DELETE FROM queue_messages WHERE id IN (
		SELECT id FROM queue_messages WHERE status IN (?, ?) AND updated_at < ? ORDER BY id ASC LIMIT ?)`,
		models.MessageStatusDelivered, models.MessageStatusFailed, utc(before), limit)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) Vacuum(ctx context.Context) error {
	stmt := "VACUUM"
	if s.dialect == dialectPostgres {
		stmt = "VACUUM ANALYZE"
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
