package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT as well as exchange style Buy/Sell.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", invalidInput("side", "LONG|SHORT", s)
}

// TradeIntent is the raw request entering the loop. Zero Entry means
// "enter at market", zero Target means no target, zero Risk means the
// configured default risk.
type TradeIntent struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Entry  decimal.Decimal `json:"entry"`
	Stop   decimal.Decimal `json:"stop"`
	Target decimal.Decimal `json:"target"`
	Risk   decimal.Decimal `json:"risk"`
}

// TradeProposal is created once by Orient and never mutated.
type TradeProposal struct {
	id        string
	symbol    string
	side      Side
	entry     PricePoint
	stop      PricePoint
	target    *PricePoint
	equity    AccountEquity
	risk      RiskPercentage
	createdAt time.Time
}

// ProposalParams carries the already validated inputs of a proposal.
type ProposalParams struct {
	ID        string
	Symbol    string
	Side      Side
	Entry     PricePoint
	Stop      PricePoint
	Target    *PricePoint
	Equity    AccountEquity
	Risk      RiskPercentage
	CreatedAt time.Time
}

// NewTradeProposal checks the cross-field invariants: entry != stop and
// stop/target on the correct side of entry.
func NewTradeProposal(p ProposalParams) (TradeProposal, error) {
	if p.ID == "" {
		return TradeProposal{}, invalidInput("id", "non-empty", p.ID)
	}
	if p.Symbol == "" {
		return TradeProposal{}, invalidInput("symbol", "non-empty", p.Symbol)
	}
	if p.Side != SideLong && p.Side != SideShort {
		return TradeProposal{}, invalidInput("side", "LONG|SHORT", p.Side)
	}
	if p.Entry.IsZero() || p.Stop.IsZero() || p.Equity.IsZero() || p.Risk.IsZero() {
		return TradeProposal{}, invalidInput("proposal", "all values constructed", "zero value")
	}
	if p.Entry.Equal(p.Stop) {
		return TradeProposal{}, ErrZeroRiskDistance
	}
	entry, stop := p.Entry.Decimal(), p.Stop.Decimal()
	switch p.Side {
	case SideLong:
		if stop.GreaterThan(entry) {
			return TradeProposal{}, invalidInput("stop", "< entry for LONG", stop)
		}
		if p.Target != nil && !p.Target.Decimal().GreaterThan(entry) {
			return TradeProposal{}, invalidInput("target", "> entry for LONG", p.Target)
		}
	case SideShort:
		if stop.LessThan(entry) {
			return TradeProposal{}, invalidInput("stop", "> entry for SHORT", stop)
		}
		if p.Target != nil && !p.Target.Decimal().LessThan(entry) {
			return TradeProposal{}, invalidInput("target", "< entry for SHORT", p.Target)
		}
	}
	var target *PricePoint
	if p.Target != nil {
		t := *p.Target
		target = &t
	}
	return TradeProposal{
		id:        p.ID,
		symbol:    p.Symbol,
		side:      p.Side,
		entry:     p.Entry,
		stop:      p.Stop,
		target:    target,
		equity:    p.Equity,
		risk:      p.Risk,
		createdAt: p.CreatedAt.UTC(),
	}, nil
}

func (p TradeProposal) ID() string               { return p.id }
func (p TradeProposal) Symbol() string           { return p.symbol }
func (p TradeProposal) Side() Side               { return p.side }
func (p TradeProposal) Entry() PricePoint        { return p.entry }
func (p TradeProposal) Stop() PricePoint         { return p.stop }
func (p TradeProposal) Equity() AccountEquity    { return p.equity }
func (p TradeProposal) Risk() RiskPercentage     { return p.risk }
func (p TradeProposal) CreatedAt() time.Time     { return p.createdAt }
func (p TradeProposal) RiskDistance() decimal.Decimal {
	return p.entry.Distance(p.stop)
}

// Target returns the optional take-profit price.
func (p TradeProposal) Target() (PricePoint, bool) {
	if p.target == nil {
		return PricePoint{}, false
	}
	return *p.target, true
}

// Params returns a copy of the proposal inputs, used to derive a new proposal.
func (p TradeProposal) Params() ProposalParams {
	params := ProposalParams{
		ID:        p.id,
		Symbol:    p.symbol,
		Side:      p.side,
		Entry:     p.entry,
		Stop:      p.stop,
		Equity:    p.equity,
		Risk:      p.risk,
		CreatedAt: p.createdAt,
	}
	if p.target != nil {
		t := *p.target
		params.Target = &t
	}
	return params
}

// WithRisk returns a new proposal carrying a different risk percentage.
func (p TradeProposal) WithRisk(id string, risk RiskPercentage) (TradeProposal, error) {
	params := p.Params()
	params.ID = id
	params.Risk = risk
	return NewTradeProposal(params)
}

func (p TradeProposal) String() string {
	return fmt.Sprintf("%s %s %s entry=%s stop=%s risk=%s", p.id, p.side, p.symbol, p.entry, p.stop, p.risk)
}

type proposalJSON struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Side      Side           `json:"side"`
	Entry     PricePoint     `json:"entry"`
	Stop      PricePoint     `json:"stop"`
	Target    *PricePoint    `json:"target,omitempty"`
	Equity    AccountEquity  `json:"equity"`
	Risk      RiskPercentage `json:"risk"`
	CreatedAt time.Time      `json:"created_at"`
}

func (p TradeProposal) MarshalJSON() ([]byte, error) {
	return json.Marshal(proposalJSON{
		ID:        p.id,
		Symbol:    p.symbol,
		Side:      p.side,
		Entry:     p.entry,
		Stop:      p.stop,
		Target:    p.target,
		Equity:    p.equity,
		Risk:      p.risk,
		CreatedAt: p.createdAt,
	})
}
