package tax

import "fmt"

// Progressive withholding over cumulative year-to-date taxable income.
// Amounts are integer cents; no floats anywhere on the money path.

type Bracket struct {
	UpToCents           int64 // 0 means no upper bound
	RatePercent         int64
	QuickDeductionCents int64
}

var defaultBrackets = []Bracket{
	{UpToCents: 36_000_00, RatePercent: 3, QuickDeductionCents: 0},
	{UpToCents: 144_000_00, RatePercent: 10, QuickDeductionCents: 2_520_00},
	{UpToCents: 300_000_00, RatePercent: 20, QuickDeductionCents: 16_920_00},
	{UpToCents: 420_000_00, RatePercent: 25, QuickDeductionCents: 31_920_00},
	{UpToCents: 660_000_00, RatePercent: 30, QuickDeductionCents: 52_920_00},
	{UpToCents: 960_000_00, RatePercent: 35, QuickDeductionCents: 85_920_00},
	{UpToCents: 0, RatePercent: 45, QuickDeductionCents: 181_920_00},
}

type WithholdingInput struct {
	GrossCents     int64
	ExemptCents    int64
	DeductionCents int64
	WithheldCents  int64
}

type WithholdingResult struct {
	TaxableCents        int64
	LiabilityCents      int64
	DueCents            int64
	CreditCents         int64
	RatePercent         int64
	QuickDeductionCents int64
}

// Compute returns the withholding due this period given cumulative inputs.
// A negative delta (over-withheld so far) becomes a credit, never a refund.
func Compute(in WithholdingInput) (WithholdingResult, error) {
	if in.GrossCents < 0 || in.ExemptCents < 0 || in.DeductionCents < 0 || in.WithheldCents < 0 {
		return WithholdingResult{}, fmt.Errorf("tax: inputs must be non-negative")
	}

	taxable := in.GrossCents - in.ExemptCents - in.DeductionCents
	if taxable < 0 {
		taxable = 0
	}

	b := bracketFor(taxable)
	liability := taxable*b.RatePercent/100 - b.QuickDeductionCents
	if liability < 0 {
		liability = 0
	}

	due := liability - in.WithheldCents
	credit := int64(0)
	if due < 0 {
		credit = -due
		due = 0
	}

	return WithholdingResult{
		TaxableCents:        taxable,
		LiabilityCents:      liability,
		DueCents:            due,
		CreditCents:         credit,
		RatePercent:         b.RatePercent,
		QuickDeductionCents: b.QuickDeductionCents,
	}, nil
}

func bracketFor(taxableCents int64) Bracket {
	for _, b := range defaultBrackets {
		if b.UpToCents == 0 || taxableCents <= b.UpToCents {
			return b
		}
	}
	return defaultBrackets[len(defaultBrackets)-1]
}
