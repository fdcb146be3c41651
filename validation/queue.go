// Package validation confirms findings through an external LLM validator
// before they become user-visible alerts. Work is queued in a priority
// FIFO with a single worker; the queue is the backpressure point for the
// LLM integration, bounded by a per-minute rate window and a hard daily
// budget. A finding is enqueued at most once per process lifetime.
package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/chainguard-network/chainguard/types"
)

const (
	// rateLimit / rateWindow bound the validator call rate.
	rateLimit  = 10
	rateWindow = time.Minute

	// Daily spend is tracked in cents to keep the accounting exact.
	dailyBudgetCents = 1000 // 10.00 units
	itemCostCents    = 1    // 0.01 per item

	// validateTimeout is the hard deadline for one validator request.
	validateTimeout = 120 * time.Second

	// maxAttempts bounds the retries of one item; backoff doubles per
	// attempt.
	maxAttempts = 3

	idlePoll = time.Second
)

var (
	enqueuedMeter  = metrics.NewRegisteredMeter("guard/validation/enqueued", nil)
	completedMeter = metrics.NewRegisteredMeter("guard/validation/completed", nil)
	failedMeter    = metrics.NewRegisteredMeter("guard/validation/failed", nil)
	waitingGauge   = metrics.NewRegisteredGauge("guard/validation/waiting", nil)
)

// Priority orders queue items; lower rank runs first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityForSeverity maps a finding severity to its queue priority:
// CRITICAL validates first, HIGH next, everything else last.
func PriorityForSeverity(sev types.Severity) Priority {
	switch sev {
	case types.SeverityCritical:
		return PriorityHigh
	case types.SeverityHigh:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Store is the slice of the persistent store the queue writes to.
type Store interface {
	MarkFindingValidated(ctx context.Context, id string) error
	CreateAlert(ctx context.Context, a *types.Alert) error
}

// Validator reviews one finding. Implemented by Client.
type Validator interface {
	Validate(ctx context.Context, f *types.Finding, sessionID string) (*Result, error)
}

type workItem struct {
	Finding    *types.Finding
	Priority   Priority
	EnqueuedAt time.Time
	Attempts   int
}

// Queue is the validation work queue. Safe for concurrent use; a single
// worker goroutine drains it.
type Queue struct {
	store     Store
	validator Validator
	log       log.Logger

	// Timing knobs, fixed at construction. Tests shrink them.
	idlePoll    time.Duration
	window      time.Duration
	backoffUnit time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	items  []*workItem
	seen   mapset.Set[string] // finding ids ever enqueued
	active int

	paused     bool // manual switch
	autoPaused bool // budget exhaustion, clears at midnight

	windowStart time.Time
	windowCount int

	day       string // current accounting day, local time
	costCents int

	completed uint64
	failed    uint64

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates an empty queue. Call Start to launch the worker.
func NewQueue(store Store, validator Validator) *Queue {
	return &Queue{
		store:       store,
		validator:   validator,
		log:         log.New("component", "validation"),
		idlePoll:    idlePoll,
		window:      rateWindow,
		backoffUnit: time.Second,
		timeout:     validateTimeout,
		now:         time.Now,
		seen:        mapset.NewSet[string](),
		kick:        make(chan struct{}, 1),
	}
}

// Enqueue queues one finding for validation. A finding id that was ever
// enqueued before is rejected, reported as false; the queue stays bounded
// however often the pipeline replays a transaction.
func (q *Queue) Enqueue(f *types.Finding, priority Priority) bool {
	if f == nil || f.ID == "" {
		return false
	}
	if !q.seen.Add(f.ID) {
		return false
	}
	item := &workItem{Finding: f, Priority: priority, EnqueuedAt: q.now()}

	q.mu.Lock()
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority > priority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	waitingGauge.Update(int64(len(q.items)))
	q.mu.Unlock()

	enqueuedMeter.Mark(1)
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return true
}

// Pause flips the manual switch. Pausing does not abort the item in
// flight; it stops further dequeues.
func (q *Queue) Pause(paused bool) {
	q.mu.Lock()
	changed := q.paused != paused
	q.paused = paused
	q.mu.Unlock()
	if changed {
		q.log.Info("Validation queue pause switched", "paused", paused)
		if !paused {
			select {
			case q.kick <- struct{}{}:
			default:
			}
		}
	}
}

// Start launches the worker. Idempotent while running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quit != nil {
		return
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.quit = make(chan struct{})
	q.day = q.now().Format("2006-01-02")
	q.wg.Add(1)
	go q.loop(q.quit)
	q.log.Info("Validation queue started", "ratelimit", rateLimit, "budget", formatCents(dailyBudgetCents))
}

// Stop terminates the worker and cancels any in-flight validator call.
func (q *Queue) Stop() {
	q.mu.Lock()
	quit := q.quit
	q.quit = nil
	cancel := q.cancel
	q.mu.Unlock()
	if quit == nil {
		return
	}
	cancel()
	close(quit)
	q.wg.Wait()
}

func (q *Queue) loop(quit chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-quit:
			return
		default:
		}
		delay, item := q.schedule()
		if item != nil {
			q.process(item, quit)
			continue
		}
		select {
		case <-time.After(delay):
		case <-q.kick:
		case <-quit:
			return
		}
	}
}

// schedule is one scheduler tick: it either hands out the next item, or
// returns how long to wait before looking again. The daily accounting
// rolls over here so an exhausted budget un-pauses itself after midnight.
func (q *Queue) schedule() (time.Duration, *workItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if day := now.Format("2006-01-02"); day != q.day {
		q.day = day
		q.costCents = 0
		if q.autoPaused {
			q.autoPaused = false
			q.log.Info("Daily validation budget reset, resuming")
		}
	}

	if q.paused || q.autoPaused || len(q.items) == 0 {
		return q.idlePoll, nil
	}
	if !q.windowStart.IsZero() && now.Sub(q.windowStart) >= q.window {
		q.windowStart, q.windowCount = time.Time{}, 0
	}
	if q.windowCount >= rateLimit {
		return q.windowStart.Add(q.window).Sub(now), nil
	}
	if q.costCents+itemCostCents > dailyBudgetCents {
		q.autoPaused = true
		q.log.Warn("Daily validation budget exhausted, pausing until midnight",
			"spent", formatCents(q.costCents), "budget", formatCents(dailyBudgetCents))
		return untilMidnight(now), nil
	}

	item := q.items[0]
	q.items = q.items[1:]
	waitingGauge.Update(int64(len(q.items)))
	q.active = 1
	return 0, item
}

// process runs one item to a terminal outcome: validated (with or without
// an alert), or dropped after the retry budget.
func (q *Queue) process(item *workItem, quit chan struct{}) {
	f := item.Finding
	sessionID := uuid.NewString()

	var (
		res *Result
		err error
	)
	for item.Attempts = 1; item.Attempts <= maxAttempts; item.Attempts++ {
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		res, err = q.validator.Validate(ctx, f, sessionID)
		cancel()
		if err == nil {
			break
		}
		q.log.Warn("Validator call failed", "finding", f.ID, "type", f.Type,
			"attempt", item.Attempts, "err", err)
		if item.Attempts == maxAttempts {
			break
		}
		select {
		case <-time.After(q.backoffUnit << item.Attempts):
		case <-quit:
			q.settle(outcomeAborted)
			return
		}
	}
	if err != nil {
		failedMeter.Mark(1)
		q.settle(outcomeFailed)
		q.log.Error("Dropping finding after failed validation attempts",
			"finding", f.ID, "type", f.Type, "attempts", maxAttempts)
		return
	}

	if res.Valid {
		if err := q.store.CreateAlert(q.ctx, q.alertFor(f, res)); err != nil {
			q.log.Error("Failed to persist confirmed alert", "finding", f.ID, "err", err)
		}
	}
	if err := q.store.MarkFindingValidated(q.ctx, f.ID); err != nil {
		q.log.Error("Failed to mark finding validated", "finding", f.ID, "err", err)
	}
	completedMeter.Mark(1)
	q.settle(outcomeCompleted)
	q.log.Debug("Finding validated", "finding", f.ID, "type", f.Type,
		"valid", res.Valid, "confidence", res.Confidence)
}

// alertFor builds the user-visible alert from the validator's verdict.
// The validator's severity wins when it parses; the finding keeps its own
// severity regardless.
func (q *Queue) alertFor(f *types.Finding, res *Result) *types.Alert {
	severity := f.Severity
	if s, err := types.ParseSeverity(res.Severity); err == nil {
		severity = s
	}
	valid := true
	return &types.Alert{
		ContractAddress: f.ContractAddress,
		Type:            f.Type,
		Severity:        severity,
		Description:     f.Description,
		Recommendation:  res.Recommendation,
		LLMValid:        &valid,
		LLMConfidence:   res.Confidence,
		LLMReason:       res.Reason,
		LLMContext:      res.AdditionalContext,
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeAborted // shutdown mid-flight; no accounting
)

// settle closes out one item. Rate and cost counters move on completion,
// not on dispatch, and a failed item spends budget like a completed one
// since its validator calls happened either way.
func (q *Queue) settle(o outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = 0
	if o == outcomeAborted {
		return
	}
	if q.windowStart.IsZero() {
		q.windowStart = q.now()
	}
	q.windowCount++
	q.costCents += itemCostCents
	if o == outcomeCompleted {
		q.completed++
	} else {
		q.failed++
	}
}

// Stats is the queue's self-description for the operational API.
type Stats struct {
	Waiting         int     `json:"waiting"`
	Active          int     `json:"active"`
	Completed       uint64  `json:"completed"`
	Failed          uint64  `json:"failed"`
	TotalCost       float64 `json:"totalCost"`
	BudgetRemaining float64 `json:"budgetRemaining"`
	RateWindowUsed  int     `json:"rateWindowUsed"`
	RateWindowLimit int     `json:"rateWindowLimit"`
	Paused          bool    `json:"paused"`
	AutoPaused      bool    `json:"autoPaused"`
}

// Stats returns a consistent snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	used := q.windowCount
	if !q.windowStart.IsZero() && q.now().Sub(q.windowStart) >= q.window {
		used = 0
	}
	remaining := dailyBudgetCents - q.costCents
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Waiting:         len(q.items),
		Active:          q.active,
		Completed:       q.completed,
		Failed:          q.failed,
		TotalCost:       float64(q.costCents) / 100,
		BudgetRemaining: float64(remaining) / 100,
		RateWindowUsed:  used,
		RateWindowLimit: rateLimit,
		Paused:          q.paused,
		AutoPaused:      q.autoPaused,
	}
}

// untilMidnight returns how long to sleep for the daily reset, padded one
// second past the boundary so the rollover check sees the new day.
func untilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now) + time.Second
}

func formatCents(cents int) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
