// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one lock. Units of work hold
// the write lock for their whole duration, so they are serializable.
type Memory struct {
	mu       sync.RWMutex
	payments map[string]ledger.Payment
	invoices map[string]ledger.Invoice
	closures map[ledger.Period]ledger.MonthClosure
	newID    func() string
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		payments: make(map[string]ledger.Payment),
		invoices: make(map[string]ledger.Invoice),
		closures: make(map[ledger.Period]ledger.MonthClosure),
		newID:    uuid.NewString,
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn ledger.UnitOfWork) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	// A deadline that expired while fn ran still aborts the commit.
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	payments map[string]ledger.Payment
	invoices map[string]ledger.Invoice
	closures map[ledger.Period]ledger.MonthClosure
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		payments: make(map[string]ledger.Payment, len(m.payments)),
		invoices: make(map[string]ledger.Invoice, len(m.invoices)),
		closures: make(map[ledger.Period]ledger.MonthClosure, len(m.closures)),
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	for k, v := range m.closures {
		s.closures[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.payments = s.payments
	m.invoices = s.invoices
	m.closures = s.closures
}

// memoryTx runs with the parent's write lock already held.
type memoryTx struct {
	m *Memory
}

func (tx *memoryTx) GetPayment(_ context.Context, id string) (*ledger.Payment, error) {
	return tx.m.getPayment(id)
}

func (tx *memoryTx) CreatePayment(_ context.Context, p ledger.Payment) (string, error) {
	return tx.m.createPayment(p)
}

func (tx *memoryTx) UpdatePayment(_ context.Context, p ledger.Payment) error {
	return tx.m.updatePayment(p)
}

func (tx *memoryTx) DeletePayment(_ context.Context, id string) error {
	return tx.m.deletePayment(id)
}

func (tx *memoryTx) ListPaymentsByInvoice(_ context.Context, invoiceID string) ([]ledger.Payment, error) {
	return tx.m.listPaymentsByInvoice(invoiceID), nil
}

func (tx *memoryTx) ListPaymentsInRange(_ context.Context, from, to time.Time) ([]ledger.Payment, error) {
	return tx.m.listPaymentsInRange(from, to), nil
}

func (tx *memoryTx) GetInvoice(_ context.Context, id string) (*ledger.Invoice, error) {
	return tx.m.getInvoice(id)
}

func (tx *memoryTx) CreateInvoice(_ context.Context, inv ledger.Invoice) (string, error) {
	return tx.m.createInvoice(inv)
}

func (tx *memoryTx) UpdateInvoice(_ context.Context, inv ledger.Invoice) error {
	return tx.m.updateInvoice(inv)
}

func (tx *memoryTx) ListInvoicesByClient(_ context.Context, clientID string) ([]ledger.Invoice, error) {
	return tx.m.listInvoicesByClient(clientID), nil
}

func (tx *memoryTx) ListInvoicesByPeriod(_ context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	return tx.m.listInvoicesByPeriod(period), nil
}

func (tx *memoryTx) GetClosure(_ context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	return tx.m.getClosure(ledger.NewPeriod(year, month))
}

func (tx *memoryTx) CreateClosure(_ context.Context, mc ledger.MonthClosure) error {
	return tx.m.createClosure(mc)
}

// =============================================================================
// PLAIN READS AND WRITES (each takes the lock itself)
// =============================================================================

func (m *Memory) GetPayment(_ context.Context, id string) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayment(id)
}

func (m *Memory) CreatePayment(_ context.Context, p ledger.Payment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPayment(p)
}

func (m *Memory) UpdatePayment(_ context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePayment(p)
}

func (m *Memory) DeletePayment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePayment(id)
}

func (m *Memory) ListPaymentsByInvoice(_ context.Context, invoiceID string) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentsByInvoice(invoiceID), nil
}

func (m *Memory) ListPaymentsInRange(_ context.Context, from, to time.Time) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentsInRange(from, to), nil
}

func (m *Memory) GetInvoice(_ context.Context, id string) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoice(id)
}

func (m *Memory) CreateInvoice(_ context.Context, inv ledger.Invoice) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInvoice(inv)
}

func (m *Memory) UpdateInvoice(_ context.Context, inv ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInvoice(inv)
}

func (m *Memory) ListInvoicesByClient(_ context.Context, clientID string) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesByClient(clientID), nil
}

func (m *Memory) ListInvoicesByPeriod(_ context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesByPeriod(period), nil
}

func (m *Memory) GetClosure(_ context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getClosure(ledger.NewPeriod(year, month))
}

func (m *Memory) CreateClosure(_ context.Context, mc ledger.MonthClosure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createClosure(mc)
}

// =============================================================================
// LOCKED HELPERS - Caller holds the lock
// =============================================================================

func (m *Memory) getPayment(id string) (*ledger.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ledger.PaymentNotFound(id)
	}
	p = copyPayment(p)
	return &p, nil
}

func (m *Memory) createPayment(p ledger.Payment) (string, error) {
	if p.ID == "" {
		p.ID = m.newID()
	}
	if _, exists := m.payments[p.ID]; exists {
		return "", fmt.Errorf("payment %s: %w", p.ID, ledger.ErrDuplicate)
	}
	m.payments[p.ID] = copyPayment(p)
	return p.ID, nil
}

func (m *Memory) updatePayment(p ledger.Payment) error {
	if _, ok := m.payments[p.ID]; !ok {
		return ledger.PaymentNotFound(p.ID)
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *Memory) deletePayment(id string) error {
	if _, ok := m.payments[id]; !ok {
		return ledger.PaymentNotFound(id)
	}
	delete(m.payments, id)
	return nil
}

func (m *Memory) listPaymentsByInvoice(invoiceID string) []ledger.Payment {
	var result []ledger.Payment
	for _, p := range m.payments {
		if p.IsLinkedTo(invoiceID) {
			result = append(result, copyPayment(p))
		}
	}
	sortPayments(result)
	return result
}

func (m *Memory) listPaymentsInRange(from, to time.Time) []ledger.Payment {
	var result []ledger.Payment
	for _, p := range m.payments {
		if !p.Date.Before(from) && p.Date.Before(to) {
			result = append(result, copyPayment(p))
		}
	}
	sortPayments(result)
	return result
}

func (m *Memory) getInvoice(id string) (*ledger.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ledger.InvoiceNotFound(id)
	}
	inv = copyInvoice(inv)
	return &inv, nil
}

func (m *Memory) createInvoice(inv ledger.Invoice) (string, error) {
	if inv.ID == "" {
		inv.ID = m.newID()
	}
	if _, exists := m.invoices[inv.ID]; exists {
		return "", fmt.Errorf("invoice %s: %w", inv.ID, ledger.ErrDuplicate)
	}
	for _, other := range m.invoices {
		if other.ClientID == inv.ClientID && other.Number == inv.Number {
			return "", fmt.Errorf("invoice number %s: %w", inv.Number, ledger.ErrDuplicate)
		}
	}
	inv.Version = 1
	m.invoices[inv.ID] = copyInvoice(inv)
	return inv.ID, nil
}

func (m *Memory) updateInvoice(inv ledger.Invoice) error {
	current, ok := m.invoices[inv.ID]
	if !ok {
		return ledger.InvoiceNotFound(inv.ID)
	}
	if current.Version != inv.Version {
		return fmt.Errorf("invoice %s at version %d, write based on %d: %w",
			inv.ID, current.Version, inv.Version, ledger.ErrConflict)
	}
	inv.Version++
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *Memory) listInvoicesByClient(clientID string) []ledger.Invoice {
	var result []ledger.Invoice
	for _, inv := range m.invoices {
		if inv.ClientID == clientID {
			result = append(result, copyInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result
}

func (m *Memory) listInvoicesByPeriod(period ledger.Period) []ledger.Invoice {
	var result []ledger.Invoice
	for _, inv := range m.invoices {
		if inv.Period == period {
			result = append(result, copyInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ClientID != result[j].ClientID {
			return result[i].ClientID < result[j].ClientID
		}
		return result[i].Number < result[j].Number
	})
	return result
}

func (m *Memory) getClosure(p ledger.Period) (*ledger.MonthClosure, error) {
	mc, ok := m.closures[p]
	if !ok {
		return nil, ledger.ClosureNotFound(p)
	}
	mc = copyClosure(mc)
	return &mc, nil
}

func (m *Memory) createClosure(mc ledger.MonthClosure) error {
	key := mc.Period()
	if _, exists := m.closures[key]; exists {
		return fmt.Errorf("closure %s: %w", key, ledger.ErrDuplicate)
	}
	m.closures[key] = copyClosure(mc)
	return nil
}

// =============================================================================
// COPIES - Callers never share memory with the store
// =============================================================================

func copyPayment(p ledger.Payment) ledger.Payment {
	if p.LinkedInvoiceID != nil {
		id := *p.LinkedInvoiceID
		p.LinkedInvoiceID = &id
	}
	return p
}

func copyInvoice(inv ledger.Invoice) ledger.Invoice {
	inv.LineItems = append([]ledger.LineItem(nil), inv.LineItems...)
	return inv
}

func copyClosure(mc ledger.MonthClosure) ledger.MonthClosure {
	mc.Expenses = append([]ledger.Expense(nil), mc.Expenses...)
	mc.TherapistBreakdown = append([]ledger.TherapistCompensation(nil), mc.TherapistBreakdown...)
	return mc
}

func sortPayments(ps []ledger.Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].Date.Equal(ps[j].Date) {
			return ps[i].Date.Before(ps[j].Date)
		}
		return ps[i].ID < ps[j].ID
	})
}
