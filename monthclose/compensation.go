package monthclose

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// THERAPIST COMPENSATION - Default value of the "therapist payment" expense
// =============================================================================

// TherapistCost returns what a session pays its therapist: the explicit
// override when present, else hourly cost times duration, in cents.
func TherapistCost(s ledger.Session) decimal.Decimal {
	if s.TherapistTotalOverride != nil {
		return ledger.RoundMoney(*s.TherapistTotalOverride)
	}
	return ledger.RoundMoney(s.HourlyTherapistCost.Mul(s.Hours()))
}

// ComputeTherapistCompensation sums therapist cost over the completed
// sessions of the month (courtesy sessions included) plus the therapist
// amount of the month's shadow charges, grouped by therapist name.
// The breakdown is sorted by name.
func ComputeTherapistCompensation(sessions []ledger.Session, shadowCharges []ledger.ShadowCharge, year int, month time.Month) (decimal.Decimal, []ledger.TherapistCompensation) {
	period := ledger.NewPeriod(year, month)
	groups := make(map[string]*ledger.TherapistCompensation)

	group := func(id, name string) *ledger.TherapistCompensation {
		key := name
		if key == "" {
			key = id
		}
		g, ok := groups[key]
		if !ok {
			g = &ledger.TherapistCompensation{
				TherapistID:   id,
				TherapistName: key,
				SessionAmount: decimal.Zero,
				ShadowAmount:  decimal.Zero,
				Total:         decimal.Zero,
			}
			groups[key] = g
		}
		return g
	}

	for _, s := range sessions {
		if !s.IsCompleted() || !period.Contains(s.Date) {
			continue
		}
		g := group(s.TherapistID, s.TherapistName)
		cost := TherapistCost(s)
		g.Sessions++
		g.SessionAmount = g.SessionAmount.Add(cost)
		g.Total = g.Total.Add(cost)
	}

	for _, sc := range shadowCharges {
		if sc.Period != period {
			continue
		}
		g := group(sc.TherapistID, sc.TherapistName)
		g.ShadowAmount = g.ShadowAmount.Add(sc.TherapistAmount)
		g.Total = g.Total.Add(sc.TherapistAmount)
	}

	total := decimal.Zero
	breakdown := make([]ledger.TherapistCompensation, 0, len(groups))
	for _, g := range groups {
		total = total.Add(g.Total)
		breakdown = append(breakdown, *g)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].TherapistName < breakdown[j].TherapistName
	})
	return total, breakdown
}
