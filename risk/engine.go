// Package risk scores individual transactions against a family of
// behavioral heuristics. The engine is a pure function over a transaction
// view plus the sliding frequency windows it maintains internally; it
// performs no I/O. Callers persist the findings, enqueue validation and
// publish events.
package risk

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/chainguard-network/chainguard/types"
)

// Finding types produced by the heuristics.
const (
	TypeFlashLoan     = "FLASH_LOAN_ATTACK"
	TypeHighFrequency = "HIGH_FREQUENCY_BOT"
	TypeDDoS          = "DDOS_ATTACK"
	TypeSuspicious    = "SUSPICIOUS_ACTIVITY"
	TypeSpam          = "SPAM_ATTACK"
	TypeGovernance    = "GOVERNANCE_ATTACK"
	TypeDeployment    = "CONTRACT_DEPLOYMENT"
)

// Wei thresholds used by the value heuristics.
var (
	highValueWei  = uint256.MustFromDecimal("10000000000000000000")  // 10 ETH
	governanceWei = uint256.MustFromDecimal("25000000000000000000")  // 25 ETH
	failedLossWei = uint256.MustFromDecimal("100000000000000000000") // 100 ETH
	weiPerEth     = uint256.NewInt(1_000_000_000_000_000_000)
)

// Gas thresholds.
const (
	elevatedGas   = 300_000
	failedHighGas = 200_000
	governanceGas = 500_000
	extremeGas    = 1_000_000
)

var (
	evaluationMeter = metrics.NewRegisteredMeter("guard/risk/evaluations", nil)
	findingMeter    = metrics.NewRegisteredMeter("guard/risk/findings", nil)
)

// TxView is the engine's read-only view of one transaction. Addresses are
// expected normalized; To is empty for contract deployments.
type TxView struct {
	Hash            string
	From            string
	To              string
	ContractAddress string
	Value           *uint256.Int
	GasUsed         uint64
	Failed          bool
	Network         types.Network
}

// Assessment is the composite result for one transaction. Score is the
// maximum of the heuristic contributions, not their sum.
type Assessment struct {
	Score         int
	Level         types.RiskLevel
	PrimaryFactor string
	Findings      []*types.Finding
}

// LevelForScore buckets a composite score into a risk level.
func LevelForScore(score int) types.RiskLevel {
	switch {
	case score < 10:
		return types.RiskSafe
	case score < 30:
		return types.RiskLow
	case score < 65:
		return types.RiskMedium
	case score < 80:
		return types.RiskHigh
	default:
		return types.RiskCritical
	}
}

// Engine evaluates transactions. Safe for concurrent use; the only shared
// state is the internally synchronized frequency tracker.
type Engine struct {
	freq *frequencyTracker
}

// New creates an Engine. Call Start to run the background window sweep and
// Stop to terminate it.
func New() *Engine {
	return NewWithClock(mclock.System{})
}

// NewWithClock creates an Engine on an explicit clock.
func NewWithClock(clock mclock.Clock) *Engine {
	return &Engine{freq: newFrequencyTracker(clock)}
}

// Start launches the background sweep of stale frequency windows.
func (e *Engine) Start() { e.freq.start() }

// Stop terminates the background sweep.
func (e *Engine) Stop() { e.freq.stop() }

// TrackedKeys returns the number of live frequency windows.
func (e *Engine) TrackedKeys() int { return e.freq.len() }

type contribution struct {
	label string
	score int
}

// Evaluate scores one transaction. It records the transaction in the
// sender and receiver frequency windows as a side effect; everything else
// is pure. Findings carry no IDs; persistence assigns them.
func (e *Engine) Evaluate(view TxView) Assessment {
	evaluationMeter.Mark(1)

	value := view.Value
	if value == nil {
		value = new(uint256.Int)
	}
	from := strings.ToLower(view.From)
	to := strings.ToLower(view.To)

	senderCount := e.freq.record("from:" + from)
	receiverCount := 0
	if to != "" {
		receiverCount = e.freq.record("to:" + to)
	}

	var (
		contribs []contribution
		findings []*types.Finding
	)
	add := func(c contribution, f *types.Finding) {
		contribs = append(contribs, c)
		f.ContractAddress = view.ContractAddress
		findings = append(findings, f)
	}

	// H1: flash-loan pattern. Weighted parts, fires only at total >= 50.
	if score := flashLoanScore(value, view.GasUsed, view.Failed); score >= 50 {
		sev := types.SeverityMedium
		switch {
		case score >= 80:
			sev = types.SeverityCritical
		case score >= 65:
			sev = types.SeverityHigh
		}
		add(contribution{"Flash loan pattern", score}, &types.Finding{
			Type:           TypeFlashLoan,
			Severity:       sev,
			RuleConfidence: 0.75,
			Description: fmt.Sprintf("Flash loan pattern: %s ETH moved with %d gas (weighted score %d)",
				weiToEth(value), view.GasUsed, score),
		})
	}

	// H2: high-frequency sender, >5 tx in the 60s window.
	if senderCount > senderWindowLimit {
		add(contribution{"High-frequency sender", 45}, &types.Finding{
			Type:           TypeHighFrequency,
			Severity:       types.SeverityMedium,
			RuleConfidence: 0.65,
			Description: fmt.Sprintf("High-frequency activity: %d transactions from %s within 60s",
				senderCount, from),
		})
	}

	// H3: transaction flood on the receiving contract, >10 tx in 60s.
	if receiverCount > receiverWindowLimit {
		add(contribution{"Transaction flood", 70}, &types.Finding{
			Type:           TypeDDoS,
			Severity:       types.SeverityHigh,
			RuleConfidence: 0.7,
			Description: fmt.Sprintf("Transaction flood: %d transactions to %s within 60s",
				receiverCount, to),
		})
	}

	// H4: high-value transfer, value > 10 ETH.
	if value.Gt(highValueWei) {
		eth := weiToEth(value)
		add(contribution{"High value transfer: " + eth + " ETH", 40}, &types.Finding{
			Type:           TypeSuspicious,
			Severity:       types.SeverityMedium,
			RuleConfidence: 0.6,
			Description:    fmt.Sprintf("High value transfer: %s ETH in a single transaction", eth),
		})
	}

	// H5: failed transaction that still burned substantial gas.
	if view.Failed && view.GasUsed > failedHighGas {
		add(contribution{"Failed high-gas transaction", 25}, &types.Finding{
			Type:           TypeSuspicious,
			Severity:       types.SeverityLow,
			RuleConfidence: 0.5,
			Description: fmt.Sprintf("Failed transaction consumed %d gas; possible probing or frontrun attempt",
				view.GasUsed),
		})
	}

	// H6: spam / state bloat, extreme gas with zero value.
	if view.GasUsed > extremeGas && value.IsZero() {
		add(contribution{"Spam / state bloat", 65}, &types.Finding{
			Type:           TypeSpam,
			Severity:       types.SeverityHigh,
			RuleConfidence: 0.7,
			Description: fmt.Sprintf("Zero-value transaction consumed %d gas; state bloat or spam pattern",
				view.GasUsed),
		})
	}

	// H7: governance attack pattern. Shares inputs with H1; both may fire,
	// the composite is max-of so there is no double counting.
	if value.Gt(governanceWei) && view.GasUsed > governanceGas {
		add(contribution{"Governance attack pattern", 85}, &types.Finding{
			Type:           TypeGovernance,
			Severity:       types.SeverityCritical,
			RuleConfidence: 0.8,
			Description: fmt.Sprintf("Governance attack pattern: %s ETH moved with %d gas",
				weiToEth(value), view.GasUsed),
		})
	}

	// H8: contract deployment. Informational only.
	if to == "" {
		add(contribution{"Contract deployment", 0}, &types.Finding{
			Type:           TypeDeployment,
			Severity:       types.SeverityInfo,
			RuleConfidence: 0.9,
			Description:    fmt.Sprintf("Contract deployment by %s", from),
		})
	}

	findingMeter.Mark(int64(len(findings)))

	score, primary := 0, ""
	for _, c := range contribs {
		if c.score > score || primary == "" {
			score, primary = c.score, c.label
		}
	}
	if score > 100 {
		score = 100
	}
	return Assessment{
		Score:         score,
		Level:         LevelForScore(score),
		PrimaryFactor: primary,
		Findings:      findings,
	}
}

// flashLoanScore computes the weighted H1 score: value weight capped at
// 30, elevated-gas weight capped at 20, +25 for extreme gas, +15 for a
// failed transaction moving more than 100 ETH.
func flashLoanScore(value *uint256.Int, gasUsed uint64, failed bool) int {
	score := 0
	if value.Gt(highValueWei) {
		q := new(uint256.Int).Div(value, highValueWei)
		part := 30
		if q.IsUint64() && q.Uint64() <= 4 {
			part = 10 + 5*int(q.Uint64())
			if part > 30 {
				part = 30
			}
		}
		score += part
	}
	if gasUsed > elevatedGas {
		part := int((gasUsed - elevatedGas) / 10_000)
		if part > 20 {
			part = 20
		}
		score += part
	}
	if gasUsed > extremeGas {
		score += 25
	}
	if failed && value.Gt(failedLossWei) {
		score += 15
	}
	return score
}

// weiToEth renders a wei amount as a decimal ETH string with two
// fractional digits, for human-facing descriptions only.
func weiToEth(value *uint256.Int) string {
	whole := new(uint256.Int).Div(value, weiPerEth)
	rem := new(uint256.Int).Mod(value, weiPerEth)
	cents := new(uint256.Int).Div(rem, uint256.NewInt(10_000_000_000_000_000)) // 0.01 ETH
	return fmt.Sprintf("%s.%02d", whole.Dec(), cents.Uint64())
}
