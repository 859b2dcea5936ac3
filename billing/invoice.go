package billing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// INVOICE DRAFT - What will be billed, before it is persisted
// =============================================================================

// InvoiceDraft is the priced content of an invoice that has not been
// generated yet. Remaining lists the billable refs left out by a partial
// selection; they stay eligible for a later invoice.
type InvoiceDraft struct {
	ClientID   string
	ClientCode string
	Period     ledger.Period
	LineItems  []ledger.LineItem
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
	Remaining  []string
	Contracts  []ContractBillingResult
}

// IsEmpty reports whether the draft bills nothing.
func (d InvoiceDraft) IsEmpty() bool { return len(d.LineItems) == 0 }

func (d *InvoiceDraft) add(item ledger.LineItem) {
	d.LineItems = append(d.LineItems, item)
	d.Subtotal = d.Subtotal.Add(item.BasePrice)
	d.Tax = d.Tax.Add(item.Tax)
	d.Total = d.Total.Add(item.Total)
}

func newDraft(clientID string) InvoiceDraft {
	return InvoiceDraft{
		ClientID: clientID,
		Subtotal: decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
	}
}

// SelectForInvoice picks the lines to bill from a client summary.
// A non-empty selection bills only the listed sessions (courtesy sessions
// are never billed); an empty selection bills every billable session.
func SelectForInvoice(summary ClientSummary, selectedSessionIDs []string) InvoiceDraft {
	draft := newDraft(summary.ClientID)

	if len(selectedSessionIDs) == 0 {
		for _, item := range summary.Items {
			draft.add(item)
		}
		return draft
	}

	selected := make(map[string]bool, len(selectedSessionIDs))
	for _, id := range selectedSessionIDs {
		selected[id] = true
	}
	for _, item := range summary.Items {
		if selected[item.Ref] {
			draft.add(item)
		} else {
			draft.Remaining = append(draft.Remaining, item.Ref)
		}
	}
	return draft
}

// BuildInvoiceDraft prices a client's period:
//  1. every discountable contract becomes one line at its final amount,
//     and the sessions it covers are not billed individually
//  2. remaining sessions are billed one line each (cancelled and courtesy
//     sessions excluded)
//  3. a non-empty selection restricts both kinds of lines to the listed refs
func BuildInvoiceDraft(clientID string, period ledger.Period, sessions []ledger.Session, contracts []ledger.Contract, selectedRefs []string) InvoiceDraft {
	var inPeriod []ledger.Session
	for _, s := range sessions {
		if s.ClientID == clientID && period.Contains(s.Date) {
			inPeriod = append(inPeriod, s)
		}
	}
	sortSessions(inPeriod)

	selected := make(map[string]bool, len(selectedRefs))
	for _, ref := range selectedRefs {
		selected[ref] = true
	}
	wanted := func(ref string) bool { return len(selected) == 0 || selected[ref] }

	draft := newDraft(clientID)
	draft.Period = period

	// A session claimed by one contract is not offered to the next.
	claimed := make(map[string]bool)
	for _, c := range contracts {
		if c.ClientID != clientID || !c.Discountable() {
			continue
		}
		var unclaimed []ledger.Session
		for _, s := range inPeriod {
			if !claimed[s.ID] {
				unclaimed = append(unclaimed, s)
			}
		}
		result := ApplyContractDiscount(c, unclaimed)
		for _, id := range result.MatchedSessionIDs {
			claimed[id] = true
		}
		draft.Contracts = append(draft.Contracts, result)

		if wanted(c.ID) {
			draft.add(result.LineItem(contractDescription(c, period)))
		} else {
			draft.Remaining = append(draft.Remaining, c.ID)
		}
	}

	var individual []ledger.Session
	for _, s := range inPeriod {
		if !claimed[s.ID] {
			individual = append(individual, s)
		}
	}
	summary, ok := AggregateByClient(individual)[clientID]
	if !ok {
		return draft
	}
	for _, item := range summary.Items {
		if wanted(item.Ref) {
			draft.add(item)
		} else {
			draft.Remaining = append(draft.Remaining, item.Ref)
		}
	}
	return draft
}

func contractDescription(c ledger.Contract, p ledger.Period) string {
	if c.ServiceType == "" {
		return "Monthly contract " + p.String()
	}
	return c.ServiceType + " monthly contract " + p.String()
}

// =============================================================================
// INVOICE NUMBERING
// =============================================================================

// NextInvoiceNumber returns the next three-digit sequence for a client code.
// Among existing numbers of the form "<clientCode>-<NNN>" it takes the
// highest NNN and adds one; with none it returns "001".
func NextInvoiceNumber(clientCode string, existing []string) string {
	prefix := clientCode + "-"
	max := 0
	for _, number := range existing {
		rest, ok := strings.CutPrefix(number, prefix)
		if !ok || rest == "" {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%03d", max+1)
}

// FormatInvoiceNumber joins a client code and a sequence: "034-037".
func FormatInvoiceNumber(clientCode, sequence string) string {
	return clientCode + "-" + sequence
}
