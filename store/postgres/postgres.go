/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Production store for multi-process deployments. Uses a pgx connection
  pool; every ledger.UnitOfWork runs in one SERIALIZABLE transaction.

CONFLICTS:
  SERIALIZABLE lets PostgreSQL abort one of two units of work that touch
  the same invoice. Serialization failures (40001) and deadlocks (40P01)
  surface as ledger.ErrConflict. The engine does not retry; the caller may.

UNIQUENESS:
  month_closures has PRIMARY KEY (year, month). A unique violation (23505)
  surfaces as ledger.ErrDuplicate.

SCHEMA:
  Managed by golang-migrate from the embedded migrations/ directory.
  Call Migrate before New on a fresh database.

SEE ALSO:
  - migrate.go: Embedded migrations
  - store/sqlite/sqlite.go: Single-file alternative
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/clinic-billing/ledger"
)

// SQLSTATE codes mapped to ledger errors.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn in a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn ledger.UnitOfWork) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		// Rollback after Commit is a no-op returning ErrTxClosed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &txStore{q: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	q querier
}

func (s *Store) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return getPayment(ctx, s.pool, id)
}
func (t *txStore) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return getPayment(ctx, t.q, id)
}

func (s *Store) CreatePayment(ctx context.Context, p ledger.Payment) (string, error) {
	return createPayment(ctx, s.pool, p)
}
func (t *txStore) CreatePayment(ctx context.Context, p ledger.Payment) (string, error) {
	return createPayment(ctx, t.q, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	return updatePayment(ctx, s.pool, p)
}
func (t *txStore) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	return updatePayment(ctx, t.q, p)
}

func (s *Store) DeletePayment(ctx context.Context, id string) error {
	return deletePayment(ctx, s.pool, id)
}
func (t *txStore) DeletePayment(ctx context.Context, id string) error {
	return deletePayment(ctx, t.q, id)
}

func (s *Store) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.pool, paymentSelect+` WHERE linked_invoice_id = $1 ORDER BY date, id`, invoiceID)
}
func (t *txStore) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Payment, error) {
	return queryPayments(ctx, t.q, paymentSelect+` WHERE linked_invoice_id = $1 ORDER BY date, id`, invoiceID)
}

func (s *Store) ListPaymentsInRange(ctx context.Context, from, to time.Time) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.pool, paymentSelect+` WHERE date >= $1 AND date < $2 ORDER BY date, id`, from, to)
}
func (t *txStore) ListPaymentsInRange(ctx context.Context, from, to time.Time) ([]ledger.Payment, error) {
	return queryPayments(ctx, t.q, paymentSelect+` WHERE date >= $1 AND date < $2 ORDER BY date, id`, from, to)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	return getInvoice(ctx, s.pool, id)
}
func (t *txStore) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	return getInvoice(ctx, t.q, id)
}

func (s *Store) CreateInvoice(ctx context.Context, inv ledger.Invoice) (string, error) {
	return createInvoice(ctx, s.pool, inv)
}
func (t *txStore) CreateInvoice(ctx context.Context, inv ledger.Invoice) (string, error) {
	return createInvoice(ctx, t.q, inv)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	return updateInvoice(ctx, s.pool, inv)
}
func (t *txStore) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	return updateInvoice(ctx, t.q, inv)
}

func (s *Store) ListInvoicesByClient(ctx context.Context, clientID string) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, s.pool, invoiceSelect+` WHERE client_id = $1 ORDER BY number`, clientID)
}
func (t *txStore) ListInvoicesByClient(ctx context.Context, clientID string) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, t.q, invoiceSelect+` WHERE client_id = $1 ORDER BY number`, clientID)
}

func (s *Store) ListInvoicesByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, s.pool, invoiceSelect+` WHERE period_year = $1 AND period_month = $2 ORDER BY client_id, number`,
		period.Year, int(period.Month))
}
func (t *txStore) ListInvoicesByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	return queryInvoices(ctx, t.q, invoiceSelect+` WHERE period_year = $1 AND period_month = $2 ORDER BY client_id, number`,
		period.Year, int(period.Month))
}

func (s *Store) GetClosure(ctx context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	return getClosure(ctx, s.pool, year, month)
}
func (t *txStore) GetClosure(ctx context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	return getClosure(ctx, t.q, year, month)
}

func (s *Store) CreateClosure(ctx context.Context, mc ledger.MonthClosure) error {
	return createClosure(ctx, s.pool, mc)
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
	payments, err := queryPayments(ctx, q, paymentSelect+` WHERE id = $1`, id)
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
	_, err := q.Exec(ctx, `
		INSERT INTO payments (id, client_id, amount, method, date, concept, linked_invoice_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.ClientID, p.Amount.String(), string(p.Method), p.Date, p.Concept,
		p.LinkedInvoiceID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to insert payment: %w", err))
	}
	return p.ID, nil
}

func updatePayment(ctx context.Context, q querier, p ledger.Payment) error {
	tag, err := q.Exec(ctx, `
		UPDATE payments
		SET client_id = $1, amount = $2, method = $3, date = $4, concept = $5, linked_invoice_id = $6, updated_at = $7
		WHERE id = $8`,
		p.ClientID, p.Amount.String(), string(p.Method), p.Date, p.Concept,
		p.LinkedInvoiceID, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update payment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.PaymentNotFound(p.ID)
	}
	return nil
}

func deletePayment(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to delete payment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.PaymentNotFound(id)
	}
	return nil
}

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p      ledger.Payment
			method string
		)
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Amount, &method, &p.Date, &p.Concept,
			&p.LinkedInvoiceID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Method = ledger.PaymentMethod(method)
		payments = append(payments, p)
	}
	return payments, mapError(rows.Err())
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceSelect = `
	SELECT id, number, client_id, client_code, period_year, period_month, line_items,
	       subtotal, tax, total_amount, amount_paid, status, version, created_at, last_updated_at
	FROM invoices`

func getInvoice(ctx context.Context, q querier, id string) (*ledger.Invoice, error) {
	invoices, err := queryInvoices(ctx, q, invoiceSelect+` WHERE id = $1`, id)
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
	_, err = q.Exec(ctx, `
		INSERT INTO invoices (id, number, client_id, client_code, period_year, period_month, line_items,
		                      subtotal, tax, total_amount, amount_paid, status, version, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)`,
		inv.ID, inv.Number, inv.ClientID, inv.ClientCode, inv.Period.Year, int(inv.Period.Month), items,
		inv.Subtotal.String(), inv.Tax.String(), inv.TotalAmount.String(), inv.AmountPaid.String(),
		string(inv.Status), inv.CreatedAt, inv.LastUpdatedAt,
	)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to insert invoice: %w", err))
	}
	return inv.ID, nil
}

func updateInvoice(ctx context.Context, q querier, inv ledger.Invoice) error {
	tag, err := q.Exec(ctx, `
		UPDATE invoices
		SET amount_paid = $1, status = $2, last_updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		inv.AmountPaid.String(), string(inv.Status), inv.LastUpdatedAt, inv.ID, inv.Version,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update invoice: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := getInvoice(ctx, q, inv.ID); err != nil {
		return err
	}
	return fmt.Errorf("invoice %s changed since version %d: %w", inv.ID, inv.Version, ledger.ErrConflict)
}

func queryInvoices(ctx context.Context, q querier, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		var (
			inv    ledger.Invoice
			month  int
			items  []byte
			status string
		)
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.ClientID, &inv.ClientCode, &inv.Period.Year, &month, &items,
			&inv.Subtotal, &inv.Tax, &inv.TotalAmount, &inv.AmountPaid, &status, &inv.Version,
			&inv.CreatedAt, &inv.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.Period.Month = time.Month(month)
		inv.Status = ledger.InvoiceStatus(status)
		if err := json.Unmarshal(items, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("invoice %s line items: %w", inv.ID, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, mapError(rows.Err())
}

// =============================================================================
// MONTH CLOSURES
// =============================================================================

func getClosure(ctx context.Context, q querier, year int, month time.Month) (*ledger.MonthClosure, error) {
	var (
		mc                  ledger.MonthClosure
		m                   int
		expenses, breakdown []byte
	)
	err := q.QueryRow(ctx, `
		SELECT year, month, income, expenses, therapist_compensation, compensation_overridden,
		       therapist_breakdown, total_expenses, net_profit, closed_by, closed_at
		FROM month_closures WHERE year = $1 AND month = $2`, year, int(month),
	).Scan(&mc.Year, &m, &mc.Income, &expenses, &mc.TherapistCompensation, &mc.CompensationOverridden,
		&breakdown, &mc.TotalExpenses, &mc.NetProfit, &mc.ClosedBy, &mc.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ClosureNotFound(ledger.NewPeriod(year, month))
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query closure: %w", err))
	}

	mc.Month = time.Month(m)
	if err := json.Unmarshal(expenses, &mc.Expenses); err != nil {
		return nil, fmt.Errorf("closure expenses: %w", err)
	}
	if err := json.Unmarshal(breakdown, &mc.TherapistBreakdown); err != nil {
		return nil, fmt.Errorf("closure breakdown: %w", err)
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
	_, err = q.Exec(ctx, `
		INSERT INTO month_closures (year, month, income, expenses, therapist_compensation,
		                            compensation_overridden, therapist_breakdown, total_expenses,
		                            net_profit, closed_by, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		mc.Year, int(mc.Month), mc.Income.String(), expenses, mc.TherapistCompensation.String(),
		mc.CompensationOverridden, breakdown, mc.TotalExpenses.String(), mc.NetProfit.String(),
		mc.ClosedBy, mc.ClosedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert closure %s: %w", mc.Period(), err))
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// mapError translates PostgreSQL SQLSTATEs into ledger errors. Errors that
// already carry a ledger sentinel pass through.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrDuplicate) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", ledger.ErrDuplicate, err)
	}
	return err
}
