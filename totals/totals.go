// Package totals derives the monetary totals of a quote from its line items
// and the document-level discount and tax rules. Totals are never accepted
// from clients; every item mutation runs Compute again before commit.
package totals

import (
	"github.com/shopspring/decimal"

	"dealflow/apperr"
)

// ItemType separates one-off charges from subscriptions.
type ItemType string

const (
	ItemOneTime   ItemType = "one_time"
	ItemRecurring ItemType = "recurring"
)

// Interval is a recurrence or billing cadence.
type Interval string

const (
	IntervalMonth   Interval = "month"
	IntervalQuarter Interval = "quarter"
	IntervalYear    Interval = "year"
)

// Months returns the number of months in one interval.
func (i Interval) Months() int64 {
	switch i {
	case IntervalMonth:
		return 1
	case IntervalQuarter:
		return 3
	case IntervalYear:
		return 12
	}
	return 0
}

func (i Interval) Valid() bool { return i.Months() > 0 }

// DiscountKind selects how a document discount is applied.
type DiscountKind string

const (
	DiscountNone    DiscountKind = ""
	DiscountPercent DiscountKind = "percent"
	DiscountAmount  DiscountKind = "amount"
)

// Line is the pricing-relevant projection of a quote item.
type Line struct {
	Type               ItemType
	RecurrenceInterval Interval
	BillingInterval    Interval
	UnitPrice          decimal.Decimal
	Quantity           decimal.Decimal
	// Discount is an absolute amount off this line, capped at the line gross.
	Discount decimal.Decimal
}

// DiscountRule is the document-level discount.
type DiscountRule struct {
	Kind  DiscountKind
	Value decimal.Decimal
}

// TaxRule is a flat percentage applied after discounts.
type TaxRule struct {
	Rate decimal.Decimal
}

// Totals are the derived amounts persisted on a quote.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Equal compares amounts numerically, so 250 equals 250.00.
func (t Totals) Equal(o Totals) bool {
	return t.Subtotal.Equal(o.Subtotal) && t.Discount.Equal(o.Discount) && t.Tax.Equal(o.Tax) && t.Total.Equal(o.Total)
}

// Breakdown splits the subtotal for reporting.
type Breakdown struct {
	OneTime          decimal.Decimal
	Recurring        decimal.Decimal
	MonthlyRecurring decimal.Decimal
}

// Scale is the number of decimals amounts are rounded to.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Compute returns the totals for lines under the given rules. It is pure and
// idempotent: the same input always yields the same Totals.
func Compute(lines []Line, discount DiscountRule, tax TaxRule) Totals {
	subtotal := decimal.Zero
	itemDiscounts := decimal.Zero
	for _, l := range lines {
		gross := lineGross(l)
		subtotal = subtotal.Add(gross)
		itemDiscounts = itemDiscounts.Add(lineDiscount(l, gross))
	}

	net := subtotal.Sub(itemDiscounts)
	docDiscount := decimal.Zero
	switch discount.Kind {
	case DiscountPercent:
		docDiscount = net.Mul(discount.Value).Div(hundred)
	case DiscountAmount:
		docDiscount = decimal.Min(discount.Value, net)
	}
	if docDiscount.IsNegative() {
		docDiscount = decimal.Zero
	}

	totalDiscount := itemDiscounts.Add(docDiscount).Round(Scale)
	subtotal = subtotal.Round(Scale)
	taxable := subtotal.Sub(totalDiscount)
	taxAmount := taxable.Mul(tax.Rate).Div(hundred).Round(Scale)

	return Totals{
		Subtotal: subtotal,
		Discount: totalDiscount,
		Tax:      taxAmount,
		Total:    taxable.Add(taxAmount),
	}
}

// Summarize splits line gross into one-time and recurring buckets, with the
// recurring bucket also normalised to a monthly figure.
func Summarize(lines []Line) Breakdown {
	var b Breakdown
	for _, l := range lines {
		net := lineGross(l).Sub(lineDiscount(l, lineGross(l)))
		if l.Type != ItemRecurring {
			b.OneTime = b.OneTime.Add(net)
			continue
		}
		b.Recurring = b.Recurring.Add(net)
		if months := l.RecurrenceInterval.Months(); months > 0 {
			b.MonthlyRecurring = b.MonthlyRecurring.Add(net.Div(decimal.NewFromInt(months)))
		}
	}
	b.OneTime = b.OneTime.Round(Scale)
	b.Recurring = b.Recurring.Round(Scale)
	b.MonthlyRecurring = b.MonthlyRecurring.Round(Scale)
	return b
}

func lineGross(l Line) decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity)
}

func lineDiscount(l Line, gross decimal.Decimal) decimal.Decimal {
	if l.Discount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(l.Discount, gross)
}

// ValidateLine checks a single line, returning field violations keyed with prefix.
func ValidateLine(prefix string, l Line, f apperr.Fields) {
	switch l.Type {
	case ItemOneTime:
	case ItemRecurring:
		if !l.RecurrenceInterval.Valid() {
			f.Add(prefix+"recurrence_interval", "required_for_recurring")
		}
		if l.BillingInterval != "" && !l.BillingInterval.Valid() {
			f.Add(prefix+"billing_interval", "invalid")
		}
	default:
		f.Add(prefix+"type", "invalid")
	}
	if l.UnitPrice.IsNegative() {
		f.Add(prefix+"unit_price", "must_not_be_negative")
	}
	if !l.Quantity.IsPositive() {
		f.Add(prefix+"quantity", "must_be_positive")
	}
	if l.Discount.IsNegative() {
		f.Add(prefix+"discount", "must_not_be_negative")
	}
}

// ValidateRules checks the document-level rules.
func ValidateRules(discount DiscountRule, tax TaxRule, f apperr.Fields) {
	switch discount.Kind {
	case DiscountNone:
	case DiscountPercent:
		if discount.Value.IsNegative() || discount.Value.GreaterThan(hundred) {
			f.Add("discount_value", "out_of_range")
		}
	case DiscountAmount:
		if discount.Value.IsNegative() {
			f.Add("discount_value", "must_not_be_negative")
		}
	default:
		f.Add("discount_kind", "invalid")
	}
	if tax.Rate.IsNegative() || tax.Rate.GreaterThan(hundred) {
		f.Add("tax_rate", "out_of_range")
	}
}

// LineNet is the line gross less its capped item discount, rounded.
func LineNet(l Line) decimal.Decimal {
	gross := lineGross(l)
	return gross.Sub(lineDiscount(l, gross)).Round(Scale)
}
