package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityHard Severity = "HARD"
	SeveritySoft Severity = "SOFT"
)

// ViolationKind names the protocol rule that was breached.
type ViolationKind string

const (
	ViolationMaxTradeRisk          ViolationKind = "MaxTradeRisk"
	ViolationMaxPortfolioRisk      ViolationKind = "MaxPortfolioRisk"
	ViolationDailyLossLimit        ViolationKind = "DailyLossLimit"
	ViolationCircuitBreakerEngaged ViolationKind = "CircuitBreakerEngaged"
	ViolationLowRewardRisk         ViolationKind = "LowRewardRisk"
	ViolationSizing                ViolationKind = "PositionSizing"
)

type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
}

// RiskAssessment is the outcome of one rule, or the aggregate of all rules,
// for a single proposal.
type RiskAssessment struct {
	Rule         string          `json:"rule"`
	ProposalID   string          `json:"proposal_id"`
	PositionSize PositionSize    `json:"position_size"`
	RiskAmount   decimal.Decimal `json:"risk_amount"`
	RewardRisk   decimal.Decimal `json:"reward_risk"`
	Violations   []Violation     `json:"violations"`
	Approved     bool            `json:"approved"`
	Reasoning    string          `json:"reasoning"`
}

func (a RiskAssessment) HasHardViolation() bool {
	for _, v := range a.Violations {
		if v.Severity == SeverityHard {
			return true
		}
	}
	return false
}

// HasViolation reports whether any violation of kind k is present.
func (a RiskAssessment) HasViolation(k ViolationKind) bool {
	for _, v := range a.Violations {
		if v.Kind == k {
			return true
		}
	}
	return false
}

type ProtocolDecision string

const (
	DecisionApproved             ProtocolDecision = "Approved"
	DecisionApprovedWithWarnings ProtocolDecision = "ApprovedWithWarnings"
	DecisionRejected             ProtocolDecision = "Rejected"
)

func (d ProtocolDecision) IsApproval() bool {
	return d == DecisionApproved || d == DecisionApprovedWithWarnings
}

// DeriveDecision reduces per-rule assessments: any hard violation rejects,
// soft-only violations approve with warnings.
func DeriveDecision(assessments []RiskAssessment) ProtocolDecision {
	soft := false
	for _, a := range assessments {
		for _, v := range a.Violations {
			if v.Severity == SeverityHard {
				return DecisionRejected
			}
			soft = true
		}
	}
	if soft {
		return DecisionApprovedWithWarnings
	}
	return DecisionApproved
}

// Evaluation is the protocol's answer for one proposal.
type Evaluation struct {
	Proposal    TradeProposal    `json:"proposal"`
	Decision    ProtocolDecision `json:"decision"`
	Aggregate   RiskAssessment   `json:"aggregate"`
	Assessments []RiskAssessment `json:"assessments"`
}

// Reasoning joins the reasoning of every rule in registry order.
func (e Evaluation) Reasoning() string {
	parts := make([]string, 0, len(e.Assessments))
	for _, a := range e.Assessments {
		parts = append(parts, a.Rule+": "+a.Reasoning)
	}
	return strings.Join(parts, "; ")
}
