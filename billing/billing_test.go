package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march = ledger.NewPeriod(2025, time.March)

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

func session(id, clientID string, day int, hours float64, hourly string, status ledger.SessionStatus) ledger.Session {
	date := time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC)
	start := date.Add(10 * time.Hour)
	return ledger.Session{
		ID:                  id,
		Date:                date,
		Start:               start,
		End:                 start.Add(time.Duration(hours * float64(time.Hour))),
		ClientID:            clientID,
		TherapistID:         "th-1",
		TherapistName:       "Ana",
		ServiceType:         "therapy",
		HourlyClientPrice:   money(hourly),
		HourlyTherapistCost: money("200"),
		Status:              status,
	}
}

func fixedContract(id, clientID, base string) ledger.Contract {
	return ledger.Contract{
		ID:                id,
		ClientID:          clientID,
		ServiceType:       "therapy",
		MonthlyBaseAmount: money(base),
		Type:              ledger.ContractFixed,
	}
}

// =============================================================================
// SESSION PRICING
// =============================================================================

func TestPriceSession_HourlyPrice(t *testing.T) {
	// GIVEN: A 1.5h session at 500/h
	// WHEN: Pricing it
	// THEN: base 750, tax 16% = 120, total 870

	item := billing.PriceSession(session("s1", "c1", 3, 1.5, "500", ledger.SessionCompleted))

	assert.True(t, money("1.5").Equal(item.Hours))
	assert.True(t, money("750").Equal(item.BasePrice), "base: %s", item.BasePrice)
	assert.True(t, money("120").Equal(item.Tax), "tax: %s", item.Tax)
	assert.True(t, money("870").Equal(item.Total), "total: %s", item.Total)
	assert.Equal(t, ledger.LineSession, item.Kind)
	assert.Equal(t, "s1", item.Ref)
}

func TestPriceSession_TotalOverrideWins(t *testing.T) {
	// GIVEN: A session with an explicit total override
	s := session("s1", "c1", 3, 2, "500", ledger.SessionCompleted)
	override := money("1000")
	s.TotalOverride = &override

	// WHEN: Pricing it
	item := billing.PriceSession(s)

	// THEN: The override replaces hourly price times duration
	assert.True(t, money("1000").Equal(item.BasePrice))
	assert.True(t, money("160").Equal(item.Tax))
	assert.True(t, money("1160").Equal(item.Total))
}

func TestPriceSession_RoundsToCents(t *testing.T) {
	// GIVEN: 30 minutes at 333.33/h
	item := billing.PriceSession(session("s1", "c1", 3, 0.5, "333.33", ledger.SessionCompleted))

	// THEN: Base and tax are rounded to cents
	assert.True(t, money("166.67").Equal(item.BasePrice), "base: %s", item.BasePrice)
	assert.True(t, money("26.67").Equal(item.Tax), "tax: %s", item.Tax)
	assert.True(t, money("193.34").Equal(item.Total), "total: %s", item.Total)
}

// =============================================================================
// AGGREGATION
// =============================================================================

func TestAggregateByClient_SeparatesCourtesyAndCancelled(t *testing.T) {
	// GIVEN: One billable, one courtesy and one cancelled session
	courtesy := session("s2", "c1", 5, 1, "500", ledger.SessionCompleted)
	courtesy.Courtesy = true
	sessions := []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		courtesy,
		session("s3", "c1", 7, 1, "500", ledger.SessionCancelled),
		session("s4", "c2", 3, 2, "400", ledger.SessionConfirmed),
	}

	// WHEN: Aggregating
	summaries := billing.AggregateByClient(sessions)

	// THEN: Courtesy is tracked apart and cancelled only counted
	require.Len(t, summaries, 2)
	c1 := summaries["c1"]
	assert.Equal(t, 1, c1.TotalCount)
	assert.True(t, money("580").Equal(c1.GrandTotal))
	require.Len(t, c1.CourtesyItems, 1)
	assert.True(t, money("580").Equal(c1.CourtesyAmount))
	assert.True(t, money("1").Equal(c1.CourtesyHours))
	assert.Equal(t, 1, c1.CancelledCount)

	c2 := summaries["c2"]
	assert.True(t, money("800").Equal(c2.Subtotal))
	assert.True(t, money("2").Equal(c2.TotalHours))
}

func TestAggregateByClient_OrdersByDate(t *testing.T) {
	sessions := []ledger.Session{
		session("late", "c1", 20, 1, "100", ledger.SessionCompleted),
		session("early", "c1", 2, 1, "100", ledger.SessionCompleted),
	}

	summary := billing.AggregateByClient(sessions)["c1"]

	require.Len(t, summary.Items, 2)
	assert.Equal(t, "early", summary.Items[0].Ref)
	assert.Equal(t, "late", summary.Items[1].Ref)
}

// =============================================================================
// CONTRACT DISCOUNT
// =============================================================================

func TestApplyContractDiscount_CancelledSessionsReduceBase(t *testing.T) {
	// GIVEN: A 9000 fixed contract with 6 scheduled sessions, 2 cancelled
	// WHEN: Applying the discount
	// THEN: 1500 per session, 3000 discount, 6000 final

	var sessions []ledger.Session
	for i := 1; i <= 6; i++ {
		status := ledger.SessionCompleted
		if i <= 2 {
			status = ledger.SessionCancelled
		}
		sessions = append(sessions, session(string(rune('a'+i)), "c1", i, 1, "500", status))
	}

	result := billing.ApplyContractDiscount(fixedContract("k1", "c1", "9000"), sessions)

	assert.True(t, result.Applied)
	assert.Equal(t, 6, result.ScheduledCount)
	assert.Equal(t, 2, result.CancelledCount)
	assert.True(t, money("1500").Equal(result.PricePerSession))
	assert.True(t, money("3000").Equal(result.Discount))
	assert.True(t, money("6000").Equal(result.FinalAmount))
	assert.Len(t, result.MatchedSessionIDs, 6)
}

func TestApplyContractDiscount_UnevenBase(t *testing.T) {
	// GIVEN: A 1000 contract over 3 sessions, which does not split into whole cents
	// WHEN: Cancelling none, one, two or all of them
	// THEN: The discount is the rounded exact share and an all-cancelled month bills nothing

	tests := []struct {
		cancelled int
		discount  string
		final     string
	}{
		{0, "0", "1000"},
		{1, "333.33", "666.67"},
		{2, "666.67", "333.33"},
		{3, "1000", "0"},
	}
	for _, tt := range tests {
		var sessions []ledger.Session
		for i := 1; i <= 3; i++ {
			status := ledger.SessionCompleted
			if i <= tt.cancelled {
				status = ledger.SessionCancelled
			}
			sessions = append(sessions, session(string(rune('a'+i)), "c1", i, 1, "500", status))
		}

		result := billing.ApplyContractDiscount(fixedContract("k1", "c1", "1000"), sessions)

		assert.True(t, money("333.33").Equal(result.PricePerSession))
		assert.True(t, money(tt.discount).Equal(result.Discount), "cancelled=%d discount=%s", tt.cancelled, result.Discount)
		assert.True(t, money(tt.final).Equal(result.FinalAmount), "cancelled=%d final=%s", tt.cancelled, result.FinalAmount)
	}
}

func TestApplyContractDiscount_NothingScheduled(t *testing.T) {
	// GIVEN: A contract whose client had no sessions
	result := billing.ApplyContractDiscount(fixedContract("k1", "c1", "9000"), nil)

	// THEN: No division happens, the base is billed in full
	assert.True(t, result.Applied)
	assert.Equal(t, 0, result.ScheduledCount)
	assert.True(t, result.PricePerSession.IsZero())
	assert.True(t, result.Discount.IsZero())
	assert.True(t, money("9000").Equal(result.FinalAmount))
}

func TestApplyContractDiscount_NotDiscountable(t *testing.T) {
	hybrid := fixedContract("k1", "c1", "9000")
	hybrid.Type = ledger.ContractHybrid

	result := billing.ApplyContractDiscount(hybrid, []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCancelled),
	})

	assert.False(t, result.Applied)
	assert.Equal(t, 0, result.CancelledCount)
	assert.True(t, money("9000").Equal(result.FinalAmount))
}

func TestApplyContractDiscount_OnlyCoveredSessions(t *testing.T) {
	// GIVEN: A contract restricted to one therapist
	c := fixedContract("k1", "c1", "4000")
	c.TherapistIDs = []string{"th-1"}
	other := session("s3", "c1", 5, 1, "500", ledger.SessionCancelled)
	other.TherapistID = "th-2"

	result := billing.ApplyContractDiscount(c, []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		session("s2", "c1", 4, 1, "500", ledger.SessionCancelled),
		other,
		session("s4", "c2", 4, 1, "500", ledger.SessionCancelled),
	})

	// THEN: Only th-1 sessions of c1 count
	assert.Equal(t, 2, result.ScheduledCount)
	assert.Equal(t, 1, result.CancelledCount)
	assert.True(t, money("2000").Equal(result.FinalAmount))
}

// =============================================================================
// DRAFTS
// =============================================================================

func TestBuildInvoiceDraft_ContractReplacesCoveredSessions(t *testing.T) {
	// GIVEN: A fixed contract covering therapy, plus an uncovered evaluation
	eval := session("e1", "c1", 10, 1, "800", ledger.SessionCompleted)
	eval.ServiceType = "evaluation"
	sessions := []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		session("s2", "c1", 10, 1, "500", ledger.SessionCancelled),
		eval,
	}

	// WHEN: Building the draft
	draft := billing.BuildInvoiceDraft("c1", march, sessions, []ledger.Contract{fixedContract("k1", "c1", "4000")}, nil)

	// THEN: One contract line at 2000 and one evaluation line at 800
	require.Len(t, draft.LineItems, 2)
	assert.Equal(t, ledger.LineContract, draft.LineItems[0].Kind)
	assert.Equal(t, "k1", draft.LineItems[0].Ref)
	assert.True(t, money("2000").Equal(draft.LineItems[0].BasePrice))
	assert.Equal(t, "e1", draft.LineItems[1].Ref)
	assert.True(t, money("2800").Equal(draft.Subtotal))
	assert.True(t, money("448").Equal(draft.Tax))
	assert.True(t, money("3248").Equal(draft.Total))
	require.Len(t, draft.Contracts, 1)
	assert.Empty(t, draft.Remaining)
}

func TestBuildInvoiceDraft_SelectionLeavesRemaining(t *testing.T) {
	sessions := []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		session("s2", "c1", 4, 1, "500", ledger.SessionCompleted),
		session("s3", "c1", 5, 1, "500", ledger.SessionCompleted),
	}

	draft := billing.BuildInvoiceDraft("c1", march, sessions, nil, []string{"s2"})

	require.Len(t, draft.LineItems, 1)
	assert.Equal(t, "s2", draft.LineItems[0].Ref)
	assert.Equal(t, []string{"s1", "s3"}, draft.Remaining)
}

func TestBuildInvoiceDraft_IgnoresOtherMonthsAndClients(t *testing.T) {
	april := session("s2", "c1", 1, 1, "500", ledger.SessionCompleted)
	april.Date = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	draft := billing.BuildInvoiceDraft("c1", march, []ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		april,
		session("s3", "c2", 3, 1, "500", ledger.SessionCompleted),
	}, nil, nil)

	require.Len(t, draft.LineItems, 1)
	assert.Equal(t, "s1", draft.LineItems[0].Ref)
	assert.Equal(t, march, draft.Period)
}

func TestSelectForInvoice_CourtesyNeverBilled(t *testing.T) {
	courtesy := session("s2", "c1", 4, 1, "500", ledger.SessionCompleted)
	courtesy.Courtesy = true
	summary := billing.AggregateByClient([]ledger.Session{
		session("s1", "c1", 3, 1, "500", ledger.SessionCompleted),
		courtesy,
	})["c1"]

	draft := billing.SelectForInvoice(summary, []string{"s1", "s2"})

	require.Len(t, draft.LineItems, 1)
	assert.Equal(t, "s1", draft.LineItems[0].Ref)
	assert.True(t, money("580").Equal(draft.Total))
}

// =============================================================================
// NUMBERING
// =============================================================================

func TestNextInvoiceNumber(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     string
	}{
		{"first invoice", nil, "001"},
		{"after highest", []string{"034-001", "034-036", "034-002"}, "037"},
		{"other clients ignored", []string{"035-009", "034-003"}, "004"},
		{"malformed ignored", []string{"034-abc", "034-", "034-005"}, "006"},
		{"grows past three digits", []string{"034-999"}, "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.NextInvoiceNumber("034", tt.existing))
		})
	}
}

func TestFormatInvoiceNumber(t *testing.T) {
	assert.Equal(t, "034-037", billing.FormatInvoiceNumber("034", "037"))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateSession(t *testing.T) {
	valid := session("s1", "c1", 3, 1, "500", ledger.SessionCompleted)
	require.NoError(t, billing.ValidateSession(valid))

	backwards := valid
	backwards.End = valid.Start
	assert.ErrorIs(t, billing.ValidateSession(backwards), ledger.ErrInvalidRecord)

	negative := valid
	negative.HourlyClientPrice = money("-1")
	assert.ErrorIs(t, billing.ValidateSession(negative), ledger.ErrInvalidRecord)

	unknown := valid
	unknown.Status = "rescheduled"
	assert.ErrorIs(t, billing.ValidateSession(unknown), ledger.ErrInvalidRecord)

	missing := valid
	missing.ClientID = ""
	err := billing.ValidateSession(missing)
	assert.ErrorIs(t, err, ledger.ErrInvalidRecord)
	assert.Contains(t, err.Error(), "ClientID")
}

func TestValidatePaymentIntent(t *testing.T) {
	intent := ledger.PaymentIntent{
		ClientID: "c1",
		Amount:   money("100"),
		Method:   ledger.MethodCash,
		Date:     time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, billing.ValidatePaymentIntent(intent))

	zero := intent
	zero.Amount = decimal.Zero
	assert.ErrorIs(t, billing.ValidatePaymentIntent(zero), ledger.ErrInvalidAmount)

	badMethod := intent
	badMethod.Method = "crypto"
	assert.ErrorIs(t, billing.ValidatePaymentIntent(badMethod), ledger.ErrInvalidRecord)
}

func TestValidateShadowCharge(t *testing.T) {
	sc := ledger.ShadowCharge{
		ID:              "sh1",
		ClientID:        "c1",
		TherapistID:     "th-1",
		Period:          march,
		ClientAmount:    money("1000"),
		TherapistAmount: money("600"),
	}
	require.NoError(t, billing.ValidateShadowCharge(sc))

	sc.Period = ledger.NewPeriod(2025, 13)
	assert.ErrorIs(t, billing.ValidateShadowCharge(sc), ledger.ErrInvalidRecord)
}
