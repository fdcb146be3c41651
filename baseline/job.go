package baseline

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-network/chainguard/storage"
	"github.com/chainguard-network/chainguard/types"
)

const (
	// refreshInterval is how often baselines are recomputed. A cycle also
	// runs once at startup so restarts never serve day-old statistics.
	refreshInterval = 6 * time.Hour
	// maxParallel bounds concurrent per-contract recomputations.
	maxParallel = 4
)

var (
	runsMeter    = metrics.NewRegisteredMeter("guard/baseline/runs", nil)
	updatedMeter = metrics.NewRegisteredMeter("guard/baseline/updated", nil)
	skippedMeter = metrics.NewRegisteredMeter("guard/baseline/skipped", nil)
)

// Store is the slice of the persistence layer the job needs.
type Store interface {
	Contracts(ctx context.Context) ([]*types.Contract, error)
	SuccessfulTransactionsSince(ctx context.Context, contractAddr string, since time.Time) ([]*types.Transaction, error)
	UpdateContractBaseline(ctx context.Context, addr string, b storage.Baseline) error
	UpsertFunctionGasProfile(ctx context.Context, p *types.FunctionGasProfile) error
}

// Job periodically recomputes behavioral baselines for every monitored
// contract. It runs in the background and never blocks ingestion; the risk
// engine simply reads whatever baseline is current.
type Job struct {
	store Store
	log   log.Logger

	// Notify, when set, is invoked with the refreshed contract after each
	// successful baseline write. The supervisor uses it to fan the update
	// out to dashboard subscribers.
	Notify func(*types.Contract)

	interval time.Duration
	now      func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewJob builds a baseline job over the given store.
func NewJob(store Store) *Job {
	return &Job{
		store:    store,
		log:      log.New("component", "baseline"),
		interval: refreshInterval,
		now:      time.Now,
		quit:     make(chan struct{}),
	}
}

// Start launches the refresh loop. The first cycle runs immediately.
func (j *Job) Start() {
	j.wg.Add(1)
	go j.loop()
	j.log.Info("Baseline job started", "interval", j.interval)
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
func (j *Job) Stop() {
	select {
	case <-j.quit:
		return
	default:
	}
	close(j.quit)
	j.wg.Wait()
	j.log.Info("Baseline job stopped")
}

func (j *Job) loop() {
	defer j.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-j.quit
		cancel()
	}()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.quit:
			return
		}
	}
}

// RunOnce recomputes the baseline of every known contract. Contracts are
// processed in parallel with a small bound; one failing contract does not
// abort the cycle.
func (j *Job) RunOnce(ctx context.Context) {
	runsMeter.Mark(1)
	start := j.now()

	contracts, err := j.store.Contracts(ctx)
	if err != nil {
		j.log.Error("Baseline cycle failed to list contracts", "err", err)
		return
	}

	var group errgroup.Group
	group.SetLimit(maxParallel)
	for _, c := range contracts {
		c := c
		group.Go(func() error {
			j.refresh(ctx, c)
			return nil
		})
	}
	group.Wait()

	j.log.Info("Baseline cycle complete", "contracts", len(contracts), "elapsed", time.Since(start))
}

// refresh recomputes and persists one contract's baseline.
func (j *Job) refresh(ctx context.Context, c *types.Contract) {
	since := j.now().AddDate(0, 0, -windowDays)
	txs, err := j.store.SuccessfulTransactionsSince(ctx, c.Address, since)
	if err != nil {
		j.log.Error("Baseline window query failed", "contract", c.Address, "err", err)
		return
	}

	st, ok := Compute(txs)
	if !ok {
		skippedMeter.Mark(1)
		j.log.Debug("Baseline skipped, window too small", "contract", c.Address, "samples", st.Samples)
		return
	}

	now := j.now()
	b := storage.Baseline{
		AvgGas:      st.AvgGas,
		GasStdDev:   st.GasStdDev,
		TxFrequency: st.TxFrequency,
		AvgValue:    st.AvgValue.String(),
		ValueStdDev: st.ValueStdDev.String(),
		UpdatedAt:   now,
	}
	if err := j.store.UpdateContractBaseline(ctx, c.Address, b); err != nil {
		j.log.Error("Baseline write failed", "contract", c.Address, "err", err)
		return
	}
	// Until calldata is captured there is a single whole-contract profile.
	profile := &types.FunctionGasProfile{
		ContractAddress:  c.Address,
		FunctionSelector: placeholderSelector,
		AvgGas:           st.AvgGas,
		MinGas:           st.MinGas,
		MaxGas:           st.MaxGas,
		StdDevGas:        st.GasStdDev,
		CallCount:        uint64(st.Samples),
		LastUpdated:      now,
	}
	if err := j.store.UpsertFunctionGasProfile(ctx, profile); err != nil {
		j.log.Error("Gas profile write failed", "contract", c.Address, "err", err)
	}
	updatedMeter.Mark(1)

	if j.Notify != nil {
		fresh := *c
		fresh.BaselineGas = st.AvgGas
		fresh.BaselineGasStdDev = st.GasStdDev
		fresh.BaselineTxFrequency = st.TxFrequency
		fresh.BaselineValue = b.AvgValue
		fresh.BaselineValueStdDev = b.ValueStdDev
		fresh.BaselineLastUpdated = &now
		j.Notify(&fresh)
	}
	j.log.Debug("Baseline refreshed", "contract", c.Address,
		"samples", st.Samples, "avgGas", st.AvgGas, "txPerDay", st.TxFrequency)
}
