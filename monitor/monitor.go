// Package monitor runs the ingestion side of the service: one ingester
// task per monitored contract, coordinated by a supervisor. An ingester
// keeps its contract's transaction history complete by backfilling from
// the explorer, following new blocks over a head subscription, and
// falling back to polling when the subscription breaks. Every observed
// transaction flows through a fixed pipeline: persist, score, persist
// findings, enqueue validation, publish on-chain records, fan out push
// events. The supervisor owns monitor lifecycle, the global pause
// switch, health reporting and all push emission.
package monitor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/chainguard-network/chainguard/explorer"
	"github.com/chainguard-network/chainguard/publisher"
	"github.com/chainguard-network/chainguard/storage"
	"github.com/chainguard-network/chainguard/types"
	"github.com/chainguard-network/chainguard/validation"
)

const (
	// bringupBase is the first retry delay of a failing ingester bring-up;
	// subsequent delays grow by half, capped at bringupCap, for at most
	// bringupAttempts attempts before supervision gives up.
	bringupBase     = 5 * time.Second
	bringupCap      = time.Minute
	bringupAttempts = 10

	// reconnectEvery is how often a fallen watcher is re-established.
	reconnectEvery = 30 * time.Second
	// fallbackEvery is the polling cadence after a watcher was lost.
	fallbackEvery = 5 * time.Minute
	// idleEvery is the polling cadence when no watcher was ever installed
	// and polling is the only delivery path.
	idleEvery = time.Minute

	// headBuffer absorbs short bursts of head notifications.
	headBuffer = 16
)

// timing groups the ingester delays. Production uses the package
// defaults; tests shrink them.
type timing struct {
	bringupBase time.Duration
	bringupCap  time.Duration
	maxAttempts int
	reconnect   time.Duration
	fallback    time.Duration
	idle        time.Duration
}

func defaultTiming() timing {
	return timing{
		bringupBase: bringupBase,
		bringupCap:  bringupCap,
		maxAttempts: bringupAttempts,
		reconnect:   reconnectEvery,
		fallback:    fallbackEvery,
		idle:        idleEvery,
	}
}

var (
	headMeter      = metrics.NewRegisteredMeter("guard/monitor/heads", nil)
	processedMeter = metrics.NewRegisteredMeter("guard/monitor/processed", nil)
	duplicateMeter = metrics.NewRegisteredMeter("guard/monitor/duplicates", nil)
	transientMeter = metrics.NewRegisteredMeter("guard/monitor/transient", nil)
	fatalMeter     = metrics.NewRegisteredMeter("guard/monitor/fatal", nil)
	pollMeter      = metrics.NewRegisteredMeter("guard/monitor/polls", nil)
	failureMeter   = metrics.NewRegisteredMeter("guard/monitor/failures", nil)
	activeGauge    = metrics.NewRegisteredGauge("guard/monitor/active", nil)
)

// Store is the persistence surface the monitor drives.
type Store interface {
	Contracts(ctx context.Context) ([]*types.Contract, error)
	ContractByAddress(ctx context.Context, addr string) (*types.Contract, error)
	SetContractStatus(ctx context.Context, addr string, status types.ContractStatus, message string) error

	HasTransaction(ctx context.Context, hash string) (bool, error)
	ApplyTransaction(ctx context.Context, contractAddr string, tx *types.Transaction) (bool, error)
	ApplyBackfill(ctx context.Context, contractAddr string, txs []*types.Transaction) (*storage.BackfillResult, error)

	CreateFindings(ctx context.Context, findings []*types.Finding) error
	CreateAlert(ctx context.Context, a *types.Alert) error
	UpdateAlertDescription(ctx context.Context, id, description string) error
	DeleteAlert(ctx context.Context, id string) error

	CreateFailedMonitor(ctx context.Context, m *types.FailedMonitor) error
	ResolveFailedMonitors(ctx context.Context, addr string) error
}

// Chain is one network's chain access: head subscriptions and the block
// and receipt lookups driven by them.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
}

// History is the explorer-style transaction list used for backfill and
// the polling fallback.
type History interface {
	TransactionsSince(ctx context.Context, address string, startBlock *big.Int) ([]*explorer.Tx, error)
}

// FindingSink accepts findings for asynchronous validation.
type FindingSink interface {
	Enqueue(f *types.Finding, priority validation.Priority) bool
}

// RecordPublisher writes SecurityAlert and RiskScore records on-chain.
type RecordPublisher interface {
	RegisterSchemas(ctx context.Context) error
	PublishAlert(ctx context.Context, alert *publisher.SecurityAlert) error
	PublishRiskScore(ctx context.Context, score *publisher.RiskScore) error
}

// EventBus fans push events out to subscribed clients.
type EventBus interface {
	Publish(ev types.PushEvent)
}
