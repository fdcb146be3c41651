package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chainguard-network/chainguard/risk"
	"github.com/chainguard-network/chainguard/types"
	"github.com/chainguard-network/chainguard/validation"
)

// pipeHarness drives the pipeline directly, without a supervisor.
type pipeHarness struct {
	store *memStore
	queue *fakeQueue
	pub   *fakePublisher
	bus   *fakeBus
	pipe  *pipeline
}

func newPipeHarness() *pipeHarness {
	h := &pipeHarness{
		store: newMemStore(),
		queue: &fakeQueue{},
		pub:   &fakePublisher{},
		bus:   &fakeBus{},
	}
	h.store.addContract(testContract, types.StatusHealthy, "100")
	h.pipe = &pipeline{
		contract: testContract,
		network:  testNetwork,
		store:    h.store,
		engine:   risk.New(),
		queue:    h.queue,
		pub:      h.pub,
		emit:     h.bus.Publish,
		log:      log.New("component", "pipeline"),
	}
	return h
}

func pendingRow(hash, value string, gasUsed uint64, failed bool) *types.Transaction {
	status := types.TxSuccess
	if failed {
		status = types.TxFailed
	}
	return &types.Transaction{
		Hash:            hash,
		From:            testSender,
		To:              testContract,
		Value:           value,
		GasUsed:         gasUsed,
		Status:          status,
		BlockNumber:     "101",
		Timestamp:       time.Unix(1_700_000_000, 0).UTC(),
		ContractAddress: testContract,
	}
}

func TestIngestHighValueFlowsDownstream(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x11", "11000000000000000000", 100_000, false)

	outcome, err := h.pipe.ingest(context.Background(), row)
	if err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	if _, ok := h.store.transaction("0x11"); !ok {
		t.Fatalf("transaction not persisted")
	}
	c := h.store.contract(testContract)
	if c.TotalTxs != 1 || c.LastProcessedBlock != "101" {
		t.Fatalf("counters not applied: totalTxs=%d cursor=%s", c.TotalTxs, c.LastProcessedBlock)
	}

	// Findings are persisted (id assigned) before they reach the queue.
	ids := h.store.findingIDs()
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("finding ids: %v", ids)
	}
	queued, prios := h.queue.enqueued()
	if len(queued) != 1 || queued[0] != ids[0] {
		t.Fatalf("queued findings: have %v want %v", queued, ids)
	}
	if prios[0] != validation.PriorityLow {
		t.Fatalf("priority: have %v want %v", prios[0], validation.PriorityLow)
	}

	alerts, scores := h.pub.published()
	if len(alerts) != 1 || alerts[0].AlertType != risk.TypeSuspicious {
		t.Fatalf("published alerts: %+v", alerts)
	}
	if len(scores) != 1 || scores[0].RiskScore != 40 || scores[0].RiskLevel != string(types.RiskMedium) {
		t.Fatalf("published scores: %+v", scores)
	}
	if scores[0].ContractAddress != common.HexToAddress(testContract) {
		t.Fatalf("score contract: %s", scores[0].ContractAddress)
	}

	txEvents := h.bus.ofKind(types.EventTransaction)
	if len(txEvents) != 1 {
		t.Fatalf("transaction events: %d", len(txEvents))
	}
	ev := txEvents[0].(*types.TransactionEvent)
	if ev.RiskScore != 40 || ev.RiskLevel != types.RiskMedium || !strings.HasPrefix(ev.PrimaryFactor, "High value transfer") {
		t.Fatalf("transaction event: %+v", ev)
	}
	if want := "contracts." + testContract + ".transaction"; ev.Topic() != want {
		t.Fatalf("topic: have %q want %q", ev.Topic(), want)
	}
	if h.bus.count(types.EventNewFinding) != 1 || h.bus.count(types.EventNewFindings) != 1 {
		t.Fatalf("finding events: %d single, %d batch",
			h.bus.count(types.EventNewFinding), h.bus.count(types.EventNewFindings))
	}
}

func TestIngestDuplicateShortCircuits(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x22", "11000000000000000000", 100_000, false)
	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("first ingest: outcome=%v err=%v", outcome, err)
	}

	again := pendingRow("0x22", "11000000000000000000", 100_000, false)
	outcome, err := h.pipe.ingest(context.Background(), again)
	if err != nil || outcome != Duplicate {
		t.Fatalf("second ingest: outcome=%v err=%v", outcome, err)
	}
	if h.store.txCount() != 1 {
		t.Fatalf("tx count: have %d want 1", h.store.txCount())
	}
	if c := h.store.contract(testContract); c.TotalTxs != 1 {
		t.Fatalf("counters advanced on duplicate: totalTxs=%d", c.TotalTxs)
	}
	if got := h.bus.count(types.EventTransaction); got != 1 {
		t.Fatalf("duplicate emitted events: %d", got)
	}
	if ids := h.store.findingIDs(); len(ids) != 1 {
		t.Fatalf("duplicate persisted findings: %v", ids)
	}
}

func TestIngestTransientFailureLeavesNoTrace(t *testing.T) {
	h := newPipeHarness()
	h.store.setApplyErr(errors.New("connection reset"))
	row := pendingRow("0x33", "0", 21_000, false)

	outcome, err := h.pipe.ingest(context.Background(), row)
	if err == nil || outcome != SkippedTransient {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	if h.store.txCount() != 0 || h.bus.count(types.EventTransaction) != 0 {
		t.Fatalf("transient failure left writes behind")
	}

	// The same transaction is still ingestible once the store recovers.
	h.store.setApplyErr(nil)
	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("retry ingest: outcome=%v err=%v", outcome, err)
	}
	if h.store.txCount() != 1 {
		t.Fatalf("retry did not persist")
	}
}

func TestIngestFatalRowIsDropped(t *testing.T) {
	h := newPipeHarness()

	// A row without a hash can never be keyed or deduplicated.
	outcome, err := h.pipe.ingest(context.Background(), pendingRow("", "0", 21_000, false))
	if err == nil || outcome != Fatal {
		t.Fatalf("hashless ingest: outcome=%v err=%v", outcome, err)
	}
	if h.store.txCount() != 0 {
		t.Fatalf("hashless row persisted")
	}

	// Integrity violations from the store are equally unrecoverable.
	h.store.setApplyErr(&pgconn.PgError{Code: "23502", Message: "null value in column"})
	outcome, err = h.pipe.ingest(context.Background(), pendingRow("0x99", "0", 21_000, false))
	if err == nil || outcome != Fatal {
		t.Fatalf("constraint ingest: outcome=%v err=%v", outcome, err)
	}
	if h.bus.count(types.EventTransaction) != 0 {
		t.Fatalf("fatal row emitted events")
	}
}

func TestBelowFloorPublishesAlertNotScore(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x44", "0", 250_000, true)

	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	alerts, scores := h.pub.published()
	if len(alerts) != 1 || alerts[0].AlertType != risk.TypeSuspicious || alerts[0].Severity != string(types.SeverityLow) {
		t.Fatalf("alerts: %+v", alerts)
	}
	if len(scores) != 0 {
		t.Fatalf("score published below floor: %+v", scores)
	}
	if ids, _ := h.queue.enqueued(); len(ids) != 1 {
		t.Fatalf("finding not queued: %v", ids)
	}
	if c := h.store.contract(testContract); c.FailedTxs != 1 {
		t.Fatalf("failed counter: have %d want 1", c.FailedTxs)
	}
}

func TestCleanTransactionEmitsAssessmentOnly(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x55", "1000", 21_000, false)

	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	if n := len(h.store.findingIDs()); n != 0 {
		t.Fatalf("clean transaction produced %d findings", n)
	}
	alerts, scores := h.pub.published()
	if len(alerts) != 0 || len(scores) != 0 {
		t.Fatalf("clean transaction published records: %d alerts, %d scores", len(alerts), len(scores))
	}
	txEvents := h.bus.ofKind(types.EventTransaction)
	if len(txEvents) != 1 {
		t.Fatalf("transaction events: %d", len(txEvents))
	}
	if ev := txEvents[0].(*types.TransactionEvent); ev.RiskScore != 0 || ev.RiskLevel != types.RiskSafe {
		t.Fatalf("assessment: %+v", ev)
	}
	if h.bus.count(types.EventNewFinding) != 0 || h.bus.count(types.EventNewFindings) != 0 {
		t.Fatalf("finding events for clean transaction")
	}
}

func TestFindingPersistFailureShortCircuits(t *testing.T) {
	h := newPipeHarness()
	h.store.setFindingErr(errors.New("insert failed"))
	row := pendingRow("0x66", "11000000000000000000", 100_000, false)

	outcome, err := h.pipe.ingest(context.Background(), row)
	if err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	if h.store.txCount() != 1 {
		t.Fatalf("transaction should stay persisted")
	}
	if ids, _ := h.queue.enqueued(); len(ids) != 0 {
		t.Fatalf("unpersisted findings queued: %v", ids)
	}
	alerts, scores := h.pub.published()
	if len(alerts) != 0 || len(scores) != 0 {
		t.Fatalf("records published after finding persist failure")
	}
	if h.bus.count(types.EventTransaction) != 0 {
		t.Fatalf("events emitted after finding persist failure")
	}
}

func TestGovernancePatternPublishesEverything(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x77", "50000000000000000000", 1_100_000, false)

	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	ids := h.store.findingIDs()
	if len(ids) != 3 {
		t.Fatalf("findings: have %d want 3", len(ids))
	}
	queued, prios := h.queue.enqueued()
	if len(queued) != 3 {
		t.Fatalf("queued findings: %v", queued)
	}
	// Heuristic order: flash loan (HIGH), high value (MEDIUM), governance (CRITICAL).
	want := []validation.Priority{validation.PriorityMedium, validation.PriorityLow, validation.PriorityHigh}
	for i, p := range prios {
		if p != want[i] {
			t.Fatalf("priority[%d]: have %v want %v", i, p, want[i])
		}
	}

	alerts, scores := h.pub.published()
	if len(alerts) != 3 {
		t.Fatalf("alerts: have %d want 3", len(alerts))
	}
	if len(scores) != 1 || scores[0].RiskScore != 85 || scores[0].RiskLevel != string(types.RiskCritical) {
		t.Fatalf("scores: %+v", scores)
	}
	if scores[0].PrimaryFactor != "Governance attack pattern" {
		t.Fatalf("primary factor: %q", scores[0].PrimaryFactor)
	}
	if h.bus.count(types.EventNewFinding) != 3 || h.bus.count(types.EventNewFindings) != 1 {
		t.Fatalf("finding events: %d single, %d batch",
			h.bus.count(types.EventNewFinding), h.bus.count(types.EventNewFindings))
	}
}

func TestNonDecimalValueScoredZero(t *testing.T) {
	h := newPipeHarness()
	row := pendingRow("0x88", "0xdeadbeef", 21_000, false)

	if outcome, err := h.pipe.ingest(context.Background(), row); err != nil || outcome != Processed {
		t.Fatalf("ingest: outcome=%v err=%v", outcome, err)
	}
	if n := len(h.store.findingIDs()); n != 0 {
		t.Fatalf("non-decimal value produced %d findings", n)
	}
	txEvents := h.bus.ofKind(types.EventTransaction)
	if len(txEvents) != 1 || txEvents[0].(*types.TransactionEvent).RiskScore != 0 {
		t.Fatalf("assessment for unparsable value: %+v", txEvents)
	}
}
