package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainguard-network/chainguard/risk"
	"github.com/chainguard-network/chainguard/types"
)

// teardownTimeout bounds the store writes performed while a monitor is
// being stopped or abandoned, when no caller context exists.
const teardownTimeout = 10 * time.Second

// Config wires the supervisor to its collaborators.
type Config struct {
	Store     Store
	Chains    map[types.Network]Chain
	Histories map[types.Network]History
	Engine    *risk.Engine
	Queue     FindingSink
	Publisher RecordPublisher
	Bus       EventBus
}

// Supervisor owns the lifecycle of per-contract ingesters, the global
// pause switch, health reporting and all push emission. Control blocks
// are keyed by normalized contract address.
type Supervisor struct {
	store     Store
	chains    map[types.Network]Chain
	histories map[types.Network]History
	engine    *risk.Engine
	queue     FindingSink
	pub       RecordPublisher
	bus       EventBus
	log       log.Logger
	timing    timing

	paused atomic.Bool

	mu       sync.Mutex
	monitors map[string]*ingester
	failed   map[string]*FailureRecord
	stats    map[string]map[string]uint64
	closed   bool
}

// FailureRecord describes a contract whose supervision was abandoned.
type FailureRecord struct {
	Network  types.Network `json:"network"`
	Reason   string        `json:"reason"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}

// NewSupervisor builds a supervisor. Call Restore to register the
// publishing schemas and bring every contract on record under monitoring.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		store:     cfg.Store,
		chains:    cfg.Chains,
		histories: cfg.Histories,
		engine:    cfg.Engine,
		queue:     cfg.Queue,
		pub:       cfg.Publisher,
		bus:       cfg.Bus,
		log:       log.New("component", "supervisor"),
		timing:    defaultTiming(),
		monitors:  make(map[string]*ingester),
		failed:    make(map[string]*FailureRecord),
		stats:     make(map[string]map[string]uint64),
	}
}

// Restore registers the on-chain schemas and starts a monitor for every
// contract on record that is not explicitly stopped. Schema registration
// failure is logged, not fatal: publishes skip while the ids are unset.
func (s *Supervisor) Restore(ctx context.Context) error {
	if err := s.pub.RegisterSchemas(ctx); err != nil {
		s.log.Warn("Schema registration incomplete, publishes will skip", "err", err)
	}
	contracts, err := s.store.Contracts(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load contracts: %w", err)
	}
	started := 0
	for _, c := range contracts {
		if c.Status == types.StatusStopped {
			continue
		}
		if err := s.Start(c.Address, c.Network); err != nil {
			s.log.Error("Monitor start failed", "contract", c.Address, "err", err)
			continue
		}
		started++
	}
	s.log.Info("Monitoring restored", "contracts", started, "skipped", len(contracts)-started)
	return nil
}

// Start brings a contract under monitoring. Idempotent: a contract that
// is already monitored is left alone; a previously failed one gets a
// fresh retry budget.
func (s *Supervisor) Start(address string, network types.Network) error {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return err
	}
	chain, ok := s.chains[network]
	if !ok {
		return fmt.Errorf("monitor: no chain client for network %q", network)
	}
	history, ok := s.histories[network]
	if !ok {
		return fmt.Errorf("monitor: no history source for network %q", network)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("monitor: supervisor is closed")
	}
	if _, exists := s.monitors[addr]; exists {
		s.mu.Unlock()
		s.log.Debug("Monitor already running", "contract", addr)
		return nil
	}
	delete(s.failed, addr)
	ing := newIngester(s, addr, network, chain, history)
	s.monitors[addr] = ing
	activeGauge.Update(int64(len(s.monitors)))
	s.mu.Unlock()

	ing.start()
	s.log.Info("Monitor starting", "contract", addr, "network", network)
	return nil
}

// Stop takes a contract out of monitoring: the ingester's subscription,
// timers and background work are all gone when Stop returns, and the
// contract is marked stopped. Returns whether a monitor existed.
func (s *Supervisor) Stop(address string) bool {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return false
	}
	s.mu.Lock()
	ing, ok := s.monitors[addr]
	if ok {
		delete(s.monitors, addr)
		activeGauge.Update(int64(len(s.monitors)))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ing.stop()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.store.SetContractStatus(ctx, addr, types.StatusStopped, "Monitoring stopped"); err != nil {
		s.log.Warn("Stopped contract status not recorded", "contract", addr, "err", err)
	}
	s.pushContractState(ctx, addr)
	s.log.Info("Monitor stopped", "contract", addr)
	return true
}

// Pause toggles the global drop switch. While paused, ingesters discard
// block and poll deliveries without persisting anything.
func (s *Supervisor) Pause(paused bool) {
	was := s.paused.Swap(paused)
	if was == paused {
		return
	}
	if paused {
		s.log.Warn("Monitoring paused, incoming events are dropped")
	} else {
		s.log.Info("Monitoring resumed")
	}
}

// Paused reports the global drop switch.
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// Close tears every ingester down without touching contract status, so a
// restart resumes monitoring where it left off.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	monitors := make([]*ingester, 0, len(s.monitors))
	for _, ing := range s.monitors {
		monitors = append(monitors, ing)
	}
	s.monitors = make(map[string]*ingester)
	activeGauge.Update(0)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ing := range monitors {
		wg.Add(1)
		go func(ing *ingester) {
			defer wg.Done()
			ing.stop()
		}(ing)
	}
	wg.Wait()
	s.log.Info("Monitor supervisor closed", "monitors", len(monitors))
}

// monitorFailed is the ingester's last resort: the retry budget is spent.
// The contract is marked errored, the failure is recorded for operators,
// a critical alert is raised and clients are notified.
func (s *Supervisor) monitorFailed(ing *ingester, attempts int, cause error) {
	addr, network := ing.contract, ing.network
	s.mu.Lock()
	if s.monitors[addr] == ing {
		delete(s.monitors, addr)
		activeGauge.Update(int64(len(s.monitors)))
	}
	s.failed[addr] = &FailureRecord{
		Network:  network,
		Reason:   cause.Error(),
		Attempts: attempts,
		At:       time.Now().UTC(),
	}
	s.mu.Unlock()
	failureMeter.Mark(1)
	s.log.Error("Monitoring abandoned", "contract", addr, "attempts", attempts, "err", cause)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.store.SetContractStatus(ctx, addr, types.StatusError, "Monitoring failed: "+cause.Error()); err != nil {
		s.log.Warn("Errored contract status not recorded", "contract", addr, "err", err)
	}
	if err := s.store.CreateFailedMonitor(ctx, &types.FailedMonitor{
		ContractAddress: addr,
		Network:         network,
		Reason:          cause.Error(),
		Attempts:        attempts,
		LastAttempt:     time.Now().UTC(),
	}); err != nil {
		s.log.Warn("Failure record not persisted", "contract", addr, "err", err)
	}
	if err := s.store.CreateAlert(ctx, &types.Alert{
		ContractAddress: addr,
		Type:            AlertTypeMonitoringFailure,
		Severity:        types.SeverityCritical,
		Description: fmt.Sprintf("Monitoring for %s on %s failed after %d attempts: %v",
			addr, network, attempts, cause),
		Recommendation: "Check the chain endpoints, then restart monitoring for this contract.",
	}); err != nil {
		s.log.Warn("Failure alert not persisted", "contract", addr, "err", err)
	}
	s.emit(addr, &types.MonitoringFailureEvent{
		ContractAddress: addr,
		Network:         network,
		Reason:          cause.Error(),
		Attempts:        attempts,
	})
	s.pushContractState(ctx, addr)
}

// emit publishes one push event and bumps the per-contract counters that
// EventStats reports.
func (s *Supervisor) emit(contract string, ev types.PushEvent) {
	s.mu.Lock()
	byKind := s.stats[contract]
	if byKind == nil {
		byKind = make(map[string]uint64)
		s.stats[contract] = byKind
	}
	byKind[ev.Kind()]++
	s.mu.Unlock()
	s.bus.Publish(ev)
}

// EmitContractUpdate pushes a refreshed contract to subscribed clients.
// The baseline job calls this after every successful recomputation.
func (s *Supervisor) EmitContractUpdate(c *types.Contract) {
	s.emit(c.Address, &types.ContractUpdateEvent{ContractAddress: c.Address, Contract: c})
}

// pushContractState reloads a contract and pushes its current row.
func (s *Supervisor) pushContractState(ctx context.Context, addr string) {
	c, err := s.store.ContractByAddress(ctx, addr)
	if err != nil {
		s.log.Debug("Contract reload for push failed", "contract", addr, "err", err)
		return
	}
	s.EmitContractUpdate(c)
}

// Health is the supervisor's coarse liveness summary.
type Health struct {
	Paused   bool     `json:"paused"`
	Active   []string `json:"active"`
	Retrying []string `json:"retrying"`
	Failed   []string `json:"failed"`
}

// Health reports which monitors are live, which are still fighting their
// way up and which have been abandoned.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Paused:   s.paused.Load(),
		Active:   []string{},
		Retrying: []string{},
		Failed:   []string{},
	}
	for addr, ing := range s.monitors {
		if snap := ing.snapshot(); snap.State == stateActive {
			h.Active = append(h.Active, addr)
		} else {
			h.Retrying = append(h.Retrying, addr)
		}
	}
	for addr := range s.failed {
		h.Failed = append(h.Failed, addr)
	}
	sort.Strings(h.Active)
	sort.Strings(h.Retrying)
	sort.Strings(h.Failed)
	return h
}

// Status returns one control-block snapshot per monitored contract,
// ordered by address.
func (s *Supervisor) Status() []Snapshot {
	s.mu.Lock()
	monitors := make([]*ingester, 0, len(s.monitors))
	for _, ing := range s.monitors {
		monitors = append(monitors, ing)
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, len(monitors))
	for i, ing := range monitors {
		snaps[i] = ing.snapshot()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Contract < snaps[j].Contract })
	return snaps
}

// Failures returns the abandoned monitors by address.
func (s *Supervisor) Failures() map[string]*FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*FailureRecord, len(s.failed))
	for addr, rec := range s.failed {
		cp := *rec
		out[addr] = &cp
	}
	return out
}

// EventStats returns the per-contract push counters by event kind.
func (s *Supervisor) EventStats() map[string]map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]uint64, len(s.stats))
	for contract, byKind := range s.stats {
		cp := make(map[string]uint64, len(byKind))
		for kind, n := range byKind {
			cp[kind] = n
		}
		out[contract] = cp
	}
	return out
}

// MonitorCount returns the number of running monitors.
func (s *Supervisor) MonitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}
