package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/chainguard-network/chainguard/types"
)

// Ingester states reported through Health and Status.
const (
	stateStarting = "starting"
	stateRetrying = "retrying"
	stateActive   = "active"
)

// ingester is the per-contract ingestion task and its control block. The
// run goroutine owns the subscription and timers; the supervisor reads
// snapshots under the mutex and stops the task by canceling its context.
type ingester struct {
	sup      *Supervisor
	contract string
	network  types.Network
	chain    Chain
	history  History
	pipe     *pipeline
	log      log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heads  chan *gethtypes.Header
	signer gethtypes.Signer

	mu             sync.Mutex
	state          string
	attempts       int
	sub            ethereum.Subscription
	fallbackActive bool
	watcherEver    bool
	lastHead       uint64
	lastProgressAt time.Time
}

func newIngester(sup *Supervisor, contract string, network types.Network, chain Chain, history History) *ingester {
	ctx, cancel := context.WithCancel(context.Background())
	ing := &ingester{
		sup:      sup,
		contract: contract,
		network:  network,
		chain:    chain,
		history:  history,
		log:      log.New("component", "monitor", "contract", contract, "network", network),
		ctx:      ctx,
		cancel:   cancel,
		heads:    make(chan *gethtypes.Header, headBuffer),
		state:    stateStarting,
		attempts: 1,
	}
	ing.pipe = &pipeline{
		contract: contract,
		network:  network,
		store:    sup.store,
		engine:   sup.engine,
		queue:    sup.queue,
		pub:      sup.pub,
		emit:     func(ev types.PushEvent) { sup.emit(contract, ev) },
		log:      ing.log,
	}
	return ing
}

// start launches the ingestion task.
func (ing *ingester) start() {
	ing.wg.Add(1)
	go ing.run()
}

// stop cancels the task and waits until every goroutine, timer and
// subscription it owns is gone.
func (ing *ingester) stop() {
	ing.cancel()
	ing.wg.Wait()
}

// run brings the ingester up, retrying transient failures with a growing
// delay, and then services the delivery loop until stopped. After the
// retry budget is spent the supervisor's failure handler takes over.
func (ing *ingester) run() {
	defer ing.wg.Done()

	t := ing.sup.timing
	delay := t.bringupBase
	for attempt := 1; ; attempt++ {
		err := ing.bringUp()
		if err == nil {
			break
		}
		if ing.ctx.Err() != nil {
			return
		}
		if attempt >= t.maxAttempts {
			ing.sup.monitorFailed(ing, attempt, err)
			return
		}
		ing.setRetrying(attempt + 1)
		ing.log.Warn("Monitor bring-up failed, retrying", "attempt", attempt, "retryIn", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ing.ctx.Done():
			return
		}
		delay = delay * 3 / 2
		if delay > t.bringupCap {
			delay = t.bringupCap
		}
	}

	ing.mu.Lock()
	ing.state = stateActive
	ing.mu.Unlock()
	ing.loop()
}

// bringUp performs one end-to-end start attempt: backfill the missed
// history, kick off its background analysis, install the block watcher
// (falling back to polling if that fails) and mark the contract healthy.
func (ing *ingester) bringUp() error {
	ctx := ing.ctx

	contract, err := ing.sup.store.ContractByAddress(ctx, ing.contract)
	if err != nil {
		return err
	}
	if err := ing.setStatus(types.StatusAnalyzing, "Backfilling transaction history"); err != nil {
		return err
	}

	chainID, err := ing.chain.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	ing.signer = gethtypes.LatestSignerForChainID(chainID)

	// Everything after lastProcessedBlock is missing history.
	start, ok := new(big.Int).SetString(contract.LastProcessedBlock, 10)
	if !ok {
		start = new(big.Int)
	}
	start.Add(start, big.NewInt(1))
	history, err := ing.history.TransactionsSince(ctx, ing.contract, start)
	if err != nil {
		return fmt.Errorf("backfill fetch: %w", err)
	}
	rows := make([]*types.Transaction, len(history))
	for i, h := range history {
		rows[i] = rowFromHistory(h, ing.contract)
	}
	res, err := ing.sup.store.ApplyBackfill(ctx, ing.contract, rows)
	if err != nil {
		return fmt.Errorf("backfill apply: %w", err)
	}
	ing.log.Info("Backfill complete", "fromBlock", start, "fetched", len(rows),
		"inserted", len(res.Inserted), "duplicates", res.Duplicate)

	if len(res.Inserted) > 0 {
		ing.wg.Add(1)
		go ing.analyzeBackfill(res.Inserted)
	}

	// A watcher that will not come up is not a bring-up failure; polling
	// carries the contract until the reconnect timer restores it.
	sub, err := ing.chain.SubscribeNewHeads(ctx, ing.heads)
	ing.mu.Lock()
	if err != nil {
		ing.sub = nil
		ing.fallbackActive = true
		ing.mu.Unlock()
		ing.log.Warn("Block watcher unavailable, starting in polling mode", "err", err)
	} else {
		ing.sub = sub
		ing.fallbackActive = false
		ing.watcherEver = true
		ing.mu.Unlock()
	}

	if err := ing.sup.store.ResolveFailedMonitors(ctx, ing.contract); err != nil {
		ing.log.Debug("Resolving old failure records failed", "err", err)
	}
	return ing.setStatus(types.StatusHealthy, ing.statusMessage())
}

func (ing *ingester) statusMessage() string {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.fallbackActive || ing.sub == nil {
		return "Monitoring active (polling)"
	}
	return "Monitoring active"
}

// loop services watcher deliveries and, in fallback, the polling and
// reconnection timers. Timers are armed only while the watcher is down.
func (ing *ingester) loop() {
	poll := time.NewTimer(time.Hour)
	stopTimer(poll)
	reconnect := time.NewTimer(time.Hour)
	stopTimer(reconnect)
	defer poll.Stop()
	defer reconnect.Stop()
	defer ing.unsubscribe()

	if !ing.watcherLive() {
		resetTimer(poll, 0) // close the gap immediately
		resetTimer(reconnect, ing.sup.timing.reconnect)
	}

	for {
		var errc <-chan error
		ing.mu.Lock()
		if ing.sub != nil {
			errc = ing.sub.Err()
		}
		ing.mu.Unlock()

		select {
		case head := <-ing.heads:
			ing.onHead(head)

		case err := <-errc:
			ing.log.Warn("Block watcher failed, switching to polling fallback", "err", err)
			ing.enterFallback()
			resetTimer(poll, 0)
			resetTimer(reconnect, ing.sup.timing.reconnect)

		case <-poll.C:
			ing.pollOnce()
			resetTimer(poll, ing.pollCadence())

		case <-reconnect.C:
			if ing.resubscribe() {
				stopTimer(poll)
				stopTimer(reconnect)
			} else {
				resetTimer(reconnect, ing.sup.timing.reconnect)
			}

		case <-ing.ctx.Done():
			return
		}
	}
}

func (ing *ingester) watcherLive() bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.sub != nil
}

// enterFallback tears the broken subscription down. Idempotent.
func (ing *ingester) enterFallback() {
	ing.mu.Lock()
	sub := ing.sub
	ing.sub = nil
	ing.fallbackActive = true
	ing.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// resubscribe attempts to restore the head subscription.
func (ing *ingester) resubscribe() bool {
	sub, err := ing.chain.SubscribeNewHeads(ing.ctx, ing.heads)
	if err != nil {
		ing.log.Debug("Watcher reconnect failed", "err", err)
		return false
	}
	ing.mu.Lock()
	ing.sub = sub
	ing.fallbackActive = false
	ing.watcherEver = true
	ing.mu.Unlock()
	ing.log.Info("Block watcher re-established")
	return true
}

func (ing *ingester) unsubscribe() {
	ing.mu.Lock()
	sub := ing.sub
	ing.sub = nil
	ing.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// pollCadence is slow once a watcher existed (polling only covers its
// outages) and fast when polling is the sole delivery path.
func (ing *ingester) pollCadence() time.Duration {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.watcherEver {
		return ing.sup.timing.fallback
	}
	return ing.sup.timing.idle
}

// onHead processes one new block: fetch it with full transactions, filter
// the ones touching the contract, complete them with their receipts and
// run each through the pipeline.
func (ing *ingester) onHead(head *gethtypes.Header) {
	headMeter.Mark(1)
	if ing.sup.Paused() {
		return
	}
	ctx := ing.ctx

	block, err := ing.chain.BlockByNumber(ctx, head.Number)
	if err != nil {
		ing.log.Warn("Block fetch failed", "block", head.Number, "err", err)
		return
	}
	ing.mu.Lock()
	ing.lastHead = block.NumberU64()
	ing.lastProgressAt = time.Now().UTC()
	ing.mu.Unlock()

	for _, tx := range block.Transactions() {
		from, mine := ing.matches(tx)
		if !mine {
			continue
		}
		receipt, err := ing.chain.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			// Not persisted; the next poll will reconsider it.
			ing.log.Warn("Receipt fetch failed", "tx", tx.Hash(), "err", err)
			transientMeter.Mark(1)
			continue
		}
		row := ing.rowFromChain(tx, from, receipt, block)
		outcome, err := ing.pipe.ingest(ctx, row)
		switch {
		case outcome == Fatal:
			ing.log.Error("Transaction dropped", "tx", row.Hash, "err", err)
		case err != nil:
			ing.log.Warn("Transaction skipped", "tx", row.Hash, "outcome", outcome, "err", err)
		case outcome == Processed:
			ing.log.Debug("Transaction processed", "tx", row.Hash, "block", row.BlockNumber)
		}
	}
}

// matches reports whether a transaction touches the monitored contract
// and returns the normalized sender. The sender is only recovered when
// the cheap receiver check misses.
func (ing *ingester) matches(tx *gethtypes.Transaction) (string, bool) {
	if to := tx.To(); to != nil && types.SameAddress(to.Hex(), ing.contract) {
		from, err := gethtypes.Sender(ing.signer, tx)
		if err != nil {
			ing.log.Warn("Sender recovery failed", "tx", tx.Hash(), "err", err)
			return "", false
		}
		norm, _ := types.NormalizeAddress(from.Hex())
		return norm, true
	}
	from, err := gethtypes.Sender(ing.signer, tx)
	if err != nil {
		return "", false
	}
	if !types.SameAddress(from.Hex(), ing.contract) {
		return "", false
	}
	norm, _ := types.NormalizeAddress(from.Hex())
	return norm, true
}

// rowFromChain converts a mined transaction plus its receipt into the
// persisted shape.
func (ing *ingester) rowFromChain(tx *gethtypes.Transaction, from string, receipt *gethtypes.Receipt, block *gethtypes.Block) *types.Transaction {
	to := ""
	if t := tx.To(); t != nil {
		to, _ = types.NormalizeAddress(t.Hex())
	}
	status := types.TxSuccess
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		status = types.TxFailed
	}
	return &types.Transaction{
		Hash:            tx.Hash().Hex(),
		From:            from,
		To:              to,
		Value:           tx.Value().String(),
		GasUsed:         receipt.GasUsed,
		Status:          status,
		BlockNumber:     block.Number().String(),
		Timestamp:       time.Unix(int64(block.Time()), 0).UTC(),
		ContractAddress: ing.contract,
	}
}

// pollOnce fetches everything past the contract's lastProcessedBlock from
// the explorer and runs it through the pipeline. The store's monotone
// block cursor makes re-polling the same range safe.
func (ing *ingester) pollOnce() {
	pollMeter.Mark(1)
	if ing.sup.Paused() {
		return
	}
	ctx := ing.ctx

	contract, err := ing.sup.store.ContractByAddress(ctx, ing.contract)
	if err != nil {
		ing.log.Warn("Poll skipped, contract load failed", "err", err)
		return
	}
	start, ok := new(big.Int).SetString(contract.LastProcessedBlock, 10)
	if !ok {
		start = new(big.Int)
	}
	start.Add(start, big.NewInt(1))

	history, err := ing.history.TransactionsSince(ctx, ing.contract, start)
	if err != nil {
		// Polling failures do not degrade the monitor further; the next
		// tick tries again.
		ing.log.Warn("Polling fetch failed", "fromBlock", start, "err", err)
		return
	}
	processed, duplicates := 0, 0
	for _, h := range history {
		outcome, err := ing.pipe.ingest(ctx, rowFromHistory(h, ing.contract))
		switch {
		case outcome == Fatal:
			ing.log.Error("Polled transaction dropped", "tx", h.Hash, "err", err)
		case err != nil:
			ing.log.Warn("Polled transaction skipped", "tx", h.Hash, "err", err)
		case outcome == Processed:
			processed++
		case outcome == Duplicate:
			duplicates++
		}
	}
	if processed > 0 {
		ing.log.Info("Polling ingested transactions", "count", processed, "duplicates", duplicates)
	}
}

// setStatus writes the contract's processing state and pushes the update
// to subscribed clients.
func (ing *ingester) setStatus(status types.ContractStatus, message string) error {
	if err := ing.sup.store.SetContractStatus(ing.ctx, ing.contract, status, message); err != nil {
		return err
	}
	ing.sup.pushContractState(ing.ctx, ing.contract)
	return nil
}

func (ing *ingester) setRetrying(attempt int) {
	ing.mu.Lock()
	ing.state = stateRetrying
	ing.attempts = attempt
	ing.mu.Unlock()
}

// Snapshot is one ingester's control-block state for health reporting.
type Snapshot struct {
	Contract            string        `json:"contract"`
	Network             types.Network `json:"network"`
	State               string        `json:"state"`
	Attempts            int           `json:"attempts"`
	WatcherLive         bool          `json:"watcherLive"`
	FallbackActive      bool          `json:"fallbackActive"`
	LastHead            uint64        `json:"lastHead,omitempty"`
	LastWatcherProgress time.Time     `json:"lastWatcherProgress,omitempty"`
}

func (ing *ingester) snapshot() Snapshot {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return Snapshot{
		Contract:            ing.contract,
		Network:             ing.network,
		State:               ing.state,
		Attempts:            ing.attempts,
		WatcherLive:         ing.sub != nil,
		FallbackActive:      ing.fallbackActive,
		LastHead:            ing.lastHead,
		LastWatcherProgress: ing.lastProgressAt,
	}
}

// stopTimer stops a timer and drains a pending tick so a later Reset
// starts clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
