package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every value type.
const Precision int32 = 8

var maxFixedPoint = decimal.New(math.MaxInt64, -Precision)

// Protocol bounds for the per-trade risk fraction.
var (
	MinRiskPercentage = decimal.RequireFromString("0.005")
	MaxRiskPercentage = decimal.RequireFromString("0.06")
)

// RiskBounds is the closed interval a RiskPercentage must fall in.
type RiskBounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultRiskBounds returns the protocol bounds [0.005, 0.06].
func DefaultRiskBounds() RiskBounds {
	return RiskBounds{Min: MinRiskPercentage, Max: MaxRiskPercentage}
}

func (b RiskBounds) String() string {
	return fmt.Sprintf("[%s, %s]", b.Min, b.Max)
}

// ToFixed truncates d to Precision digits and checks it fits the int64
// fixed-point range.
func ToFixed(d decimal.Decimal) (decimal.Decimal, error) {
	d = d.Truncate(Precision)
	if d.Abs().GreaterThan(maxFixedPoint) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds fixed-point range", ErrMathematicalOverflow, d)
	}
	return d, nil
}

// AccountEquity is a strictly positive account value.
type AccountEquity struct{ v decimal.Decimal }

func NewAccountEquity(v decimal.Decimal) (AccountEquity, error) {
	v, err := ToFixed(v)
	if err != nil {
		return AccountEquity{}, err
	}
	if !v.IsPositive() {
		return AccountEquity{}, invalidInput("equity", "> 0", v)
	}
	return AccountEquity{v: v}, nil
}

func ParseAccountEquity(s string) (AccountEquity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return AccountEquity{}, invalidInput("equity", "decimal", s)
	}
	return NewAccountEquity(d)
}

func (e AccountEquity) Decimal() decimal.Decimal { return e.v }
func (e AccountEquity) String() string           { return e.v.String() }
func (e AccountEquity) IsZero() bool             { return e.v.IsZero() }

func (e AccountEquity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.v.String())
}

func (e *AccountEquity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseAccountEquity(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// RiskPercentage is the fraction of equity put at risk on one trade,
// e.g. 0.02 for 2%.
type RiskPercentage struct{ v decimal.Decimal }

// NewRiskPercentage validates v against DefaultRiskBounds.
func NewRiskPercentage(v decimal.Decimal) (RiskPercentage, error) {
	return NewRiskPercentageWithin(v, DefaultRiskBounds())
}

func NewRiskPercentageWithin(v decimal.Decimal, bounds RiskBounds) (RiskPercentage, error) {
	v, err := ToFixed(v)
	if err != nil {
		return RiskPercentage{}, err
	}
	if v.LessThan(bounds.Min) || v.GreaterThan(bounds.Max) {
		return RiskPercentage{}, invalidInput("risk_percentage", bounds.String(), v)
	}
	return RiskPercentage{v: v}, nil
}

func ParseRiskPercentage(s string, bounds RiskBounds) (RiskPercentage, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return RiskPercentage{}, invalidInput("risk_percentage", "decimal", s)
	}
	return NewRiskPercentageWithin(d, bounds)
}

func (r RiskPercentage) Decimal() decimal.Decimal { return r.v }
func (r RiskPercentage) String() string           { return r.v.String() }
func (r RiskPercentage) IsZero() bool             { return r.v.IsZero() }

func (r RiskPercentage) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.v.String())
}

// PricePoint is a strictly positive price.
type PricePoint struct{ v decimal.Decimal }

func NewPricePoint(v decimal.Decimal) (PricePoint, error) {
	v, err := ToFixed(v)
	if err != nil {
		return PricePoint{}, err
	}
	if !v.IsPositive() {
		return PricePoint{}, invalidInput("price", "> 0", v)
	}
	return PricePoint{v: v}, nil
}

func ParsePricePoint(s string) (PricePoint, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return PricePoint{}, invalidInput("price", "decimal", s)
	}
	return NewPricePoint(d)
}

func (p PricePoint) Decimal() decimal.Decimal { return p.v }
func (p PricePoint) String() string           { return p.v.String() }
func (p PricePoint) IsZero() bool             { return p.v.IsZero() }
func (p PricePoint) Equal(o PricePoint) bool  { return p.v.Equal(o.v) }

// Distance returns |p - o|.
func (p PricePoint) Distance(o PricePoint) decimal.Decimal {
	return p.v.Sub(o.v).Abs()
}

func (p PricePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.v.String())
}

func (p *PricePoint) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePricePoint(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PositionSize is a non-negative quantity of the traded asset.
type PositionSize struct{ v decimal.Decimal }

func NewPositionSize(v decimal.Decimal) (PositionSize, error) {
	v, err := ToFixed(v)
	if err != nil {
		return PositionSize{}, err
	}
	if v.IsNegative() {
		return PositionSize{}, invalidInput("position_size", ">= 0", v)
	}
	return PositionSize{v: v}, nil
}

func (s PositionSize) Decimal() decimal.Decimal { return s.v }
func (s PositionSize) String() string           { return s.v.String() }
func (s PositionSize) IsZero() bool             { return s.v.IsZero() }

// Notional returns size × price.
func (s PositionSize) Notional(p PricePoint) decimal.Decimal {
	return s.v.Mul(p.v)
}

func (s PositionSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.v.String())
}

func (s *PositionSize) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	v, err := NewPositionSize(d)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
