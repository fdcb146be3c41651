package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/chainguard-network/chainguard/explorer"
	"github.com/chainguard-network/chainguard/publisher"
	"github.com/chainguard-network/chainguard/risk"
	"github.com/chainguard-network/chainguard/storage"
	"github.com/chainguard-network/chainguard/types"
	"github.com/chainguard-network/chainguard/validation"
)

// StepOutcome classifies what one transaction's trip through the
// pipeline amounted to.
type StepOutcome int

const (
	// Processed: persisted and analyzed.
	Processed StepOutcome = iota
	// Duplicate: hash already on record, short-circuited before any
	// downstream work.
	Duplicate
	// SkippedTransient: a transient store failure; nothing was persisted
	// and the transaction will be reconsidered by the next poll.
	SkippedTransient
	// Fatal: the row itself is unusable or violates a store constraint.
	// It is dropped; retrying would fail the same way.
	Fatal
)

func (o StepOutcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Duplicate:
		return "duplicate"
	case SkippedTransient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// pipeline drives one contract's per-transaction side effects in their
// fixed order: persist transaction and counters, score, persist findings,
// enqueue validation, publish on-chain records, emit push events. A
// failure short-circuits the remaining effects for that transaction only.
type pipeline struct {
	contract string
	network  types.Network

	store  Store
	engine *risk.Engine
	queue  FindingSink
	pub    RecordPublisher
	emit   func(ev types.PushEvent)
	log    log.Logger
}

// ingest runs one freshly observed transaction through the full pipeline.
// Duplicates are detected twice: cheaply up front, and authoritatively
// inside the serializable insert, so concurrent delivery over the watcher
// and the poller still counts each hash exactly once.
func (p *pipeline) ingest(ctx context.Context, row *types.Transaction) (StepOutcome, error) {
	if row.Hash == "" {
		fatalMeter.Mark(1)
		return Fatal, errors.New("transaction without hash")
	}
	seen, err := p.store.HasTransaction(ctx, row.Hash)
	if err != nil {
		transientMeter.Mark(1)
		return SkippedTransient, err
	}
	if seen {
		duplicateMeter.Mark(1)
		return Duplicate, nil
	}
	inserted, err := p.store.ApplyTransaction(ctx, p.contract, row)
	if err != nil {
		if storage.IsPermanent(err) {
			fatalMeter.Mark(1)
			return Fatal, err
		}
		transientMeter.Mark(1)
		return SkippedTransient, err
	}
	if !inserted {
		duplicateMeter.Mark(1)
		return Duplicate, nil
	}
	p.analyze(ctx, row)
	processedMeter.Mark(1)
	return Processed, nil
}

// analyze scores an already-persisted transaction and drives everything
// downstream of the insert. It returns the number of findings produced.
// Backfill analysis replays history through this entry point.
func (p *pipeline) analyze(ctx context.Context, row *types.Transaction) int {
	view := p.view(row)
	res := p.engine.Evaluate(view)

	if len(res.Findings) > 0 {
		if err := p.store.CreateFindings(ctx, res.Findings); err != nil {
			p.log.Error("Persisting findings failed", "tx", row.Hash, "findings", len(res.Findings), "err", err)
			return 0
		}
		for _, f := range res.Findings {
			p.queue.Enqueue(f, validation.PriorityForSeverity(f.Severity))
		}
	}

	p.publish(ctx, row, view, res)

	p.emit(&types.TransactionEvent{
		ContractAddress: p.contract,
		Transaction:     row,
		RiskScore:       res.Score,
		RiskLevel:       res.Level,
		PrimaryFactor:   res.PrimaryFactor,
	})
	for _, f := range res.Findings {
		p.emit(&types.FindingEvent{ContractAddress: p.contract, Finding: f, TxHash: row.Hash})
	}
	if len(res.Findings) > 0 {
		p.emit(&types.FindingsEvent{ContractAddress: p.contract, Findings: res.Findings, TxHash: row.Hash})
	}
	return len(res.Findings)
}

// publish emits the on-chain records: one SecurityAlert per finding and,
// above the score floor, one RiskScore. Publish failures are logged and
// never block the pipeline.
func (p *pipeline) publish(ctx context.Context, row *types.Transaction, view risk.TxView, res risk.Assessment) {
	txHash := common.HexToHash(row.Hash)
	value := view.Value.ToBig()

	for _, f := range res.Findings {
		alert := publisher.AlertFromFinding(f, txHash, value, row.GasUsed)
		if err := p.pub.PublishAlert(ctx, alert); err != nil {
			p.log.Warn("SecurityAlert publish failed", "tx", row.Hash, "type", f.Type, "err", err)
		}
	}

	score := &publisher.RiskScore{
		Timestamp:       uint64(time.Now().UTC().Unix()),
		ContractAddress: common.HexToAddress(p.contract),
		Sender:          common.HexToAddress(row.From),
		TxHash:          txHash,
		RiskScore:       uint8(res.Score),
		RiskLevel:       string(res.Level),
		PrimaryFactor:   res.PrimaryFactor,
		Value:           value,
		GasUsed:         row.GasUsed,
	}
	if err := p.pub.PublishRiskScore(ctx, score); err != nil {
		p.log.Warn("RiskScore publish failed", "tx", row.Hash, "score", res.Score, "err", err)
	}
}

// view builds the engine's read-only view of a persisted row.
func (p *pipeline) view(row *types.Transaction) risk.TxView {
	value, err := uint256.FromDecimal(row.Value)
	if err != nil {
		p.log.Warn("Transaction value not decimal, scoring as zero", "tx", row.Hash, "value", row.Value)
		value = new(uint256.Int)
	}
	return risk.TxView{
		Hash:            row.Hash,
		From:            row.From,
		To:              row.To,
		ContractAddress: p.contract,
		Value:           value,
		GasUsed:         row.GasUsed,
		Failed:          row.Status == types.TxFailed,
		Network:         p.network,
	}
}

// rowFromHistory converts one explorer entry into the persisted shape.
// The explorer client already normalizes addresses and hashes.
func rowFromHistory(h *explorer.Tx, contract string) *types.Transaction {
	status := types.TxSuccess
	if h.Failed {
		status = types.TxFailed
	}
	return &types.Transaction{
		Hash:            h.Hash,
		From:            h.From,
		To:              h.To,
		Value:           h.Value,
		GasUsed:         h.GasUsed,
		Status:          status,
		BlockNumber:     h.BlockNumber,
		Timestamp:       h.Timestamp,
		ContractAddress: contract,
	}
}
