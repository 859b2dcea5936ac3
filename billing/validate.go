package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// BOUNDARY VALIDATION - Records from collaborators are checked once, here
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSession rejects sessions with missing fields, unknown status,
// negative prices or a non-positive duration.
func ValidateSession(s ledger.Session) error {
	if err := validate.Struct(s); err != nil {
		return invalid("session", s.ID, err)
	}
	if !s.End.After(s.Start) {
		return invalid("session", s.ID, errors.New("end time must be after start time"))
	}
	if err := nonNegative("hourlyClientPrice", s.HourlyClientPrice); err != nil {
		return invalid("session", s.ID, err)
	}
	if err := nonNegative("hourlyTherapistCost", s.HourlyTherapistCost); err != nil {
		return invalid("session", s.ID, err)
	}
	if s.TotalOverride != nil {
		if err := nonNegative("totalOverride", *s.TotalOverride); err != nil {
			return invalid("session", s.ID, err)
		}
	}
	if s.TherapistTotalOverride != nil {
		if err := nonNegative("therapistTotalOverride", *s.TherapistTotalOverride); err != nil {
			return invalid("session", s.ID, err)
		}
	}
	return nil
}

// ValidateContract rejects contracts with missing fields or a negative base.
func ValidateContract(c ledger.Contract) error {
	if err := validate.Struct(c); err != nil {
		return invalid("contract", c.ID, err)
	}
	if err := nonNegative("monthlyBaseAmount", c.MonthlyBaseAmount); err != nil {
		return invalid("contract", c.ID, err)
	}
	return nil
}

// ValidateShadowCharge rejects charges with missing fields or amounts.
func ValidateShadowCharge(sc ledger.ShadowCharge) error {
	if err := validate.Struct(sc); err != nil {
		return invalid("shadow charge", sc.ID, err)
	}
	if !sc.Period.Valid() {
		return invalid("shadow charge", sc.ID, fmt.Errorf("invalid month %s", sc.Period))
	}
	if err := nonNegative("clientAmount", sc.ClientAmount); err != nil {
		return invalid("shadow charge", sc.ID, err)
	}
	if err := nonNegative("therapistAmount", sc.TherapistAmount); err != nil {
		return invalid("shadow charge", sc.ID, err)
	}
	return nil
}

// ValidatePaymentIntent checks a payment intent. A non-positive amount is
// reported as ErrInvalidAmount, other problems as ErrInvalidRecord.
func ValidatePaymentIntent(pi ledger.PaymentIntent) error {
	if !pi.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ledger.ErrInvalidAmount, pi.Amount)
	}
	if err := validate.Struct(pi); err != nil {
		return invalid("payment", pi.ClientID, err)
	}
	return nil
}

// ValidateSessions validates every session and returns the first failure.
func ValidateSessions(sessions []ledger.Session) error {
	for _, s := range sessions {
		if err := ValidateSession(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateContracts validates every contract and returns the first failure.
func ValidateContracts(contracts []ledger.Contract) error {
	for _, c := range contracts {
		if err := ValidateContract(c); err != nil {
			return err
		}
	}
	return nil
}

func nonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

func invalid(entity, id string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
		}
		err = errors.New("invalid fields: " + strings.Join(fields, ", "))
	}
	if id == "" {
		return fmt.Errorf("%w: %s: %v", ledger.ErrInvalidRecord, entity, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ledger.ErrInvalidRecord, entity, id, err)
}
