/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists payments, invoices and month closures with database/sql and
  go-sqlite3. Every ledger.UnitOfWork runs inside one SQL transaction.

KEY TABLES:
  invoices:        One row per invoice; line items as JSON; version column
  payments:        One row per payment; optional FK to invoices
  month_closures:  PRIMARY KEY (year, month) - at most one closure per month

CONCURRENCY:
  Transactions are opened with _txlock=immediate, so a writer takes the
  database write lock at BEGIN and units of work serialize. The pool holds
  a single connection. Lock contention (SQLITE_BUSY/LOCKED) is reported as
  ledger.ErrConflict, as is an invoice update whose version is stale.

UNIQUENESS:
  The (year, month) primary key rejects a second closure even when two
  closers race; the constraint error maps to ledger.ErrDuplicate.

MONEY:
  Decimals are stored as TEXT (decimal.String) and parsed back exactly.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := coordinator.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// timeLayout has fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_code TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		line_items_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		last_updated_at TEXT NOT NULL,
		UNIQUE(client_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_client
		ON invoices(client_id, period_year, period_month);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		date TEXT NOT NULL,
		concept TEXT NOT NULL DEFAULT '',
		linked_invoice_id TEXT REFERENCES invoices(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(linked_invoice_id) WHERE linked_invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_date
		ON payments(date);

	-- CRITICAL: at most one closure per month
	CREATE TABLE IF NOT EXISTS month_closures (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		income TEXT NOT NULL,
		expenses_json TEXT NOT NULL,
		therapist_compensation TEXT NOT NULL,
		compensation_overridden BOOLEAN NOT NULL DEFAULT FALSE,
		breakdown_json TEXT NOT NULL,
		total_expenses TEXT NOT NULL,
		net_profit TEXT NOT NULL,
		closed_by TEXT NOT NULL DEFAULT '',
		closed_at TEXT NOT NULL,
		PRIMARY KEY (year, month)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn ledger.UnitOfWork) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txStore routes every call through the open transaction.
type txStore struct {
	q querier
}

func (s *Store) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return getPayment(ctx, s.db, id)
}
func (t *txStore) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return getPayment(ctx, t.q, id)
}

func (s *Store) CreatePayment(ctx context.Context, p ledger.Payment) (string, error) {
	return createPayment(ctx, s.db, p)
}
func (t *txStore) CreatePayment(ctx context.Context, p ledger.Payment) (string, error) {
	return createPayment(ctx, t.q, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	return updatePayment(ctx, s.db, p)
}
func (t *txStore) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	return updatePayment(ctx, t.q, p)
}

func (s *Store) DeletePayment(ctx context.Context, id string) error {
	return deletePayment(ctx, s.db, id)
}
func (t *txStore) DeletePayment(ctx context.Context, id string) error {
	return deletePayment(ctx, t.q, id)
}

func (s *Store) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.db, paymentSelect+` WHERE linked_invoice_id = ? ORDER BY date, id`, invoiceID)
}
func (t *txStore) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Payment, error) {
	return queryPayments(ctx, t.q, paymentSelect+` WHERE linked_invoice_id = ? ORDER BY date, id`, invoiceID)
}

func (s *Store) ListPaymentsInRange(ctx context.Context, from, to time.Time) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.db, paymentSelect+` WHERE date >= ? AND date < ? ORDER BY date, id`,
		formatTime(from), formatTime(to))
}
func (t *txStore) ListPaymentsInRange(ctx context.Context, from, to time.Time) ([]ledger.Payment, error) {
	return queryPayments(ctx, t.q, paymentSelect+` WHERE date >= ? AND date < ? ORDER BY date, id`,
		formatTime(from), formatTime(to))
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	return getInvoice(ctx, s.db, id)
}
func (t *txStore) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	return getInvoice(ctx, t.q, id)
}

func (s *Store) CreateInvoice(ctx context.Context, inv ledger.Invoice) (string, error) {
	return createInvoice(ctx, s.db, inv)
}
func (t *txStore) CreateInvoice(ctx context.Context, inv ledger.Invoice) (string, error) {
	return createInvoice(ctx, t.q, inv)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	return updateInvoice(ctx, s.db, inv)
}
func (t *txStore) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	return updateInvoice(ctx, t.q, inv)
}

func (s *Store) ListInvoicesByClient(ctx context.Context, clientID string) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, s.db, invoiceSelect+` WHERE client_id = ? ORDER BY number`, clientID)
}
func (t *txStore) ListInvoicesByClient(ctx context.Context, clientID string) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, t.q, invoiceSelect+` WHERE client_id = ? ORDER BY number`, clientID)
}

func (s *Store) ListInvoicesByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, s.db, invoiceSelect+` WHERE period_year = ? AND period_month = ? ORDER BY client_id, number`,
		period.Year, int(period.Month))
}
func (t *txStore) ListInvoicesByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, t.q, invoiceSelect+` WHERE period_year = ? AND period_month = ? ORDER BY client_id, number`,
		period.Year, int(period.Month))
}

func (s *Store) GetClosure(ctx context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	return getClosure(ctx, s.db, year, month)
}
func (t *txStore) GetClosure(ctx context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	return getClosure(ctx, t.q, year, month)
}

func (s *Store) CreateClosure(ctx context.Context, mc ledger.MonthClosure) error {
	return createClosure(ctx, s.db, mc)
}
func (t *txStore) CreateClosure(ctx context.Context, mc ledger.MonthClosure) error {
	return createClosure(ctx, t.q, mc)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentSelect = `
	SELECT id, client_id, amount, method, date, concept, linked_invoice_id, created_at, updated_at
	FROM payments`

func getPayment(ctx context.Context, q querier, id string) (*ledger.Payment, error) {
	payments, err := queryPayments(ctx, q, paymentSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ledger.PaymentNotFound(id)
	}
	return &payments[0], nil
}

func createPayment(ctx context.Context, q querier, p ledger.Payment) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (id, client_id, amount, method, date, concept, linked_invoice_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.Amount.String(), string(p.Method), formatTime(p.Date), p.Concept,
		nullString(p.LinkedInvoiceID), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to insert payment: %w", err))
	}
	return p.ID, nil
}

func updatePayment(ctx context.Context, q querier, p ledger.Payment) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payments
		SET client_id = ?, amount = ?, method = ?, date = ?, concept = ?, linked_invoice_id = ?, updated_at = ?
		WHERE id = ?`,
		p.ClientID, p.Amount.String(), string(p.Method), formatTime(p.Date), p.Concept,
		nullString(p.LinkedInvoiceID), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update payment: %w", err))
	}
	return requireRow(res, ledger.PaymentNotFound(p.ID))
}

func deletePayment(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to delete payment: %w", err))
	}
	return requireRow(res, ledger.PaymentNotFound(id))
}

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                  ledger.Payment
			amount, method     string
			date, created, upd string
			linked             sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ClientID, &amount, &method, &date, &p.Concept, &linked, &created, &upd); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
		}
		p.Method = ledger.PaymentMethod(method)
		if err := parseTimes(
			timeField{date, &p.Date},
			timeField{created, &p.CreatedAt},
			timeField{upd, &p.UpdatedAt},
		); err != nil {
			return nil, fmt.Errorf("payment %s: %w", p.ID, err)
		}
		if linked.Valid {
			id := linked.String
			p.LinkedInvoiceID = &id
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceSelect = `
	SELECT id, number, client_id, client_code, period_year, period_month, line_items_json,
	       subtotal, tax, total_amount, amount_paid, status, version, created_at, last_updated_at
	FROM invoices`

func getInvoice(ctx context.Context, q querier, id string) (*ledger.Invoice, error) {
	invoices, err := queryInvoices(ctx, q, invoiceSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, ledger.InvoiceNotFound(id)
	}
	return &invoices[0], nil
}

func createInvoice(ctx context.Context, q querier, inv ledger.Invoice) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return "", fmt.Errorf("failed to encode line items: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO invoices (id, number, client_id, client_code, period_year, period_month, line_items_json,
		                      subtotal, tax, total_amount, amount_paid, status, version, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		inv.ID, inv.Number, inv.ClientID, inv.ClientCode, inv.Period.Year, int(inv.Period.Month), string(items),
		inv.Subtotal.String(), inv.Tax.String(), inv.TotalAmount.String(), inv.AmountPaid.String(),
		string(inv.Status), formatTime(inv.CreatedAt), formatTime(inv.LastUpdatedAt),
	)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to insert invoice: %w", err))
	}
	return inv.ID, nil
}

// updateInvoice writes only the balance fields; line items and totals are
// fixed at generation.
func updateInvoice(ctx context.Context, q querier, inv ledger.Invoice) error {
	res, err := q.ExecContext(ctx, `
		UPDATE invoices
		SET amount_paid = ?, status = ?, last_updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		inv.AmountPaid.String(), string(inv.Status), formatTime(inv.LastUpdatedAt), inv.ID, inv.Version,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update invoice: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := getInvoice(ctx, q, inv.ID); err != nil {
		return err
	}
	return fmt.Errorf("invoice %s changed since version %d: %w", inv.ID, inv.Version, ledger.ErrConflict)
}

func queryInvoices(ctx context.Context, q querier, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		var (
			inv                                ledger.Invoice
			month                              int
			items                              string
			subtotal, tax, total, paid, status string
			created, updated                   string
		)
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.ClientID, &inv.ClientCode, &inv.Period.Year, &month, &items,
			&subtotal, &tax, &total, &paid, &status, &inv.Version, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.Period.Month = time.Month(month)
		if err := json.Unmarshal([]byte(items), &inv.LineItems); err != nil {
			return nil, fmt.Errorf("invoice %s line items: %w", inv.ID, err)
		}
		if err := parseDecimals(
			decimalField{subtotal, &inv.Subtotal},
			decimalField{tax, &inv.Tax},
			decimalField{total, &inv.TotalAmount},
			decimalField{paid, &inv.AmountPaid},
		); err != nil {
			return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
		}
		inv.Status = ledger.InvoiceStatus(status)
		if err := parseTimes(
			timeField{created, &inv.CreatedAt},
			timeField{updated, &inv.LastUpdatedAt},
		); err != nil {
			return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// =============================================================================
// MONTH CLOSURES
// =============================================================================

func getClosure(ctx context.Context, q querier, year int, month time.Month) (*ledger.MonthClosure, error) {
	var (
		mc                            ledger.MonthClosure
		m                             int
		income, comp, totalExp, net   string
		expenses, breakdown, closedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT year, month, income, expenses_json, therapist_compensation, compensation_overridden,
		       breakdown_json, total_expenses, net_profit, closed_by, closed_at
		FROM month_closures WHERE year = ? AND month = ?`, year, int(month),
	).Scan(&mc.Year, &m, &income, &expenses, &comp, &mc.CompensationOverridden,
		&breakdown, &totalExp, &net, &mc.ClosedBy, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ClosureNotFound(ledger.NewPeriod(year, month))
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query closure: %w", err))
	}

	mc.Month = time.Month(m)
	if err := parseTimes(timeField{closedAt, &mc.ClosedAt}); err != nil {
		return nil, fmt.Errorf("closure %s: %w", mc.Period(), err)
	}
	if err := json.Unmarshal([]byte(expenses), &mc.Expenses); err != nil {
		return nil, fmt.Errorf("closure expenses: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &mc.TherapistBreakdown); err != nil {
		return nil, fmt.Errorf("closure breakdown: %w", err)
	}
	if err := parseDecimals(
		decimalField{income, &mc.Income},
		decimalField{comp, &mc.TherapistCompensation},
		decimalField{totalExp, &mc.TotalExpenses},
		decimalField{net, &mc.NetProfit},
	); err != nil {
		return nil, fmt.Errorf("closure %s: %w", mc.Period(), err)
	}
	return &mc, nil
}

func createClosure(ctx context.Context, q querier, mc ledger.MonthClosure) error {
	expenses, err := json.Marshal(mc.Expenses)
	if err != nil {
		return fmt.Errorf("failed to encode expenses: %w", err)
	}
	breakdown, err := json.Marshal(mc.TherapistBreakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO month_closures (year, month, income, expenses_json, therapist_compensation,
		                            compensation_overridden, breakdown_json, total_expenses, net_profit,
		                            closed_by, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.Year, int(mc.Month), mc.Income.String(), string(expenses), mc.TherapistCompensation.String(),
		mc.CompensationOverridden, string(breakdown), mc.TotalExpenses.String(), mc.NetProfit.String(),
		mc.ClosedBy, formatTime(mc.ClosedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert closure %s: %w", mc.Period(), err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError translates SQLite result codes into ledger errors.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %w", ledger.ErrDuplicate, err)
	}
	return err
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// decimalField pairs a stored TEXT value with its destination.
type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

type timeField struct {
	raw string
	dst *time.Time
}

func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := time.Parse(timeLayout, f.raw)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", f.raw, err)
		}
		*f.dst = t
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
