package monitor

import (
	"fmt"
	"time"

	"github.com/chainguard-network/chainguard/types"
)

// analysisProgressEvery is how many replayed transactions pass between
// progress pushes and summary-alert rewrites.
const analysisProgressEvery = 10

// AlertTypeSystem marks the transient summary alert kept current while a
// backfill analysis runs; the alert is deleted when the replay finishes.
const AlertTypeSystem = "SYSTEM"

// AlertTypeMonitoringFailure marks the operational alert raised when
// supervision abandons a contract.
const AlertTypeMonitoringFailure = "MONITORING_FAILURE"

// analyzeBackfill replays freshly backfilled transactions through the
// scoring half of the pipeline. The rows are already persisted, so the
// replay produces findings, validation work, on-chain records and push
// events without touching the contract's counters. Progress surfaces two
// ways: a push event every few transactions, and a single summary alert
// rewritten in place and removed on completion.
func (ing *ingester) analyzeBackfill(inserted []*types.Transaction) {
	defer ing.wg.Done()
	ctx := ing.ctx
	total := len(inserted)
	started := time.Now()
	ing.log.Info("Analyzing backfilled history", "txs", total)

	summary := &types.Alert{
		ContractAddress: ing.contract,
		Type:            AlertTypeSystem,
		Severity:        types.SeverityInfo,
		Description:     fmt.Sprintf("Background analysis running: 0/%d historical transactions", total),
	}
	if err := ing.sup.store.CreateAlert(ctx, summary); err != nil {
		ing.log.Warn("Analysis summary alert not created", "err", err)
		summary = nil
	}

	findings := 0
	for i, row := range inserted {
		if ctx.Err() != nil {
			return
		}
		findings += ing.pipe.analyze(ctx, row)

		done := i + 1
		if done%analysisProgressEvery != 0 || done == total {
			continue
		}
		ing.sup.emit(ing.contract, &types.BackfillProgressEvent{
			ContractAddress: ing.contract,
			Processed:       done,
			Total:           total,
			FindingsSoFar:   findings,
		})
		if summary != nil {
			desc := fmt.Sprintf("Background analysis running: %d/%d historical transactions, %d findings",
				done, total, findings)
			if err := ing.sup.store.UpdateAlertDescription(ctx, summary.ID, desc); err != nil {
				ing.log.Debug("Analysis summary update failed", "err", err)
			}
		}
	}

	if summary != nil {
		if err := ing.sup.store.DeleteAlert(ctx, summary.ID); err != nil {
			ing.log.Warn("Analysis summary alert not removed", "alert", summary.ID, "err", err)
		}
	}
	ing.sup.emit(ing.contract, &types.BackfillCompleteEvent{
		ContractAddress: ing.contract,
		Total:           total,
		Findings:        findings,
		DurationMs:      time.Since(started).Milliseconds(),
	})
	ing.log.Info("Backfill analysis complete", "txs", total, "findings", findings,
		"elapsed", time.Since(started))
}
