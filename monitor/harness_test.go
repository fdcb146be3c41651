package monitor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/google/uuid"

	"github.com/chainguard-network/chainguard/explorer"
	"github.com/chainguard-network/chainguard/publisher"
	"github.com/chainguard-network/chainguard/risk"
	"github.com/chainguard-network/chainguard/storage"
	"github.com/chainguard-network/chainguard/types"
	"github.com/chainguard-network/chainguard/validation"
)

const (
	testContract = "0xc0ffee7890123456789012345678901234567890"
	testSender   = "0xaaaa567890123456789012345678901234567890"
	testNetwork  = types.NetworkTestnet
)

var testChainID = big.NewInt(1337)

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func dec(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// testAddr derives a distinct normalized address from a prefix and index.
func testAddr(prefix byte, i int) string {
	var a common.Address
	a[0] = prefix
	a[18] = byte(i >> 8)
	a[19] = byte(i)
	return strings.ToLower(a.Hex())
}

var hashSeq atomic.Uint64

// historyEntry fabricates one explorer transaction with a unique hash.
func historyEntry(block uint64, from, to, value string, gasUsed uint64, failed bool) *explorer.Tx {
	return &explorer.Tx{
		Hash:        fmt.Sprintf("0x%064x", hashSeq.Add(1)),
		From:        from,
		To:          to,
		Value:       value,
		GasUsed:     gasUsed,
		Failed:      failed,
		Timestamp:   time.Unix(1_700_000_000+int64(block), 0).UTC(),
		BlockNumber: strconv.FormatUint(block, 10),
	}
}

// memStore is an in-memory Store with the same observable semantics as
// the real one: duplicate hashes are no-ops, counters and the block
// cursor advance with inserts, and created rows get their ids assigned.
type memStore struct {
	mu sync.Mutex

	contracts map[string]*types.Contract
	txs       map[string]*types.Transaction
	findings  []*types.Finding
	alerts    map[string]*types.Alert
	alertDesc map[string][]string
	deleted   []*types.Alert
	failures  []*types.FailedMonitor
	statusLog map[string][]types.ContractStatus

	applyErr   error
	findingErr error
}

func newMemStore() *memStore {
	return &memStore{
		contracts: make(map[string]*types.Contract),
		txs:       make(map[string]*types.Transaction),
		alerts:    make(map[string]*types.Alert),
		alertDesc: make(map[string][]string),
		statusLog: make(map[string][]types.ContractStatus),
	}
}

func (s *memStore) addContract(addr string, status types.ContractStatus, lastBlock string) *types.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &types.Contract{
		ID:                  uuid.NewString(),
		Address:             addr,
		Network:             testNetwork,
		Status:              status,
		LastProcessedBlock:  lastBlock,
		BaselineValue:       "0",
		BaselineValueStdDev: "0",
	}
	s.contracts[addr] = c
	cp := *c
	return &cp
}

func (s *memStore) Contracts(context.Context) ([]*types.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *memStore) ContractByAddress(_ context.Context, addr string) (*types.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", storage.ErrNotFound, addr)
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) SetContractStatus(_ context.Context, addr string, status types.ContractStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return fmt.Errorf("%w: contract %s", storage.ErrNotFound, addr)
	}
	c.Status = status
	c.StatusMessage = message
	s.statusLog[addr] = append(s.statusLog[addr], status)
	return nil
}

func (s *memStore) HasTransaction(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txs[hash]
	return ok, nil
}

func (s *memStore) ApplyTransaction(_ context.Context, contractAddr string, tx *types.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return false, s.applyErr
	}
	if _, dup := s.txs[tx.Hash]; dup {
		return false, nil
	}
	c, ok := s.contracts[contractAddr]
	if !ok {
		return false, fmt.Errorf("%w: contract %s", storage.ErrNotFound, contractAddr)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	cp := *tx
	s.txs[tx.Hash] = &cp
	c.AvgGas = (c.AvgGas*c.TotalTxs + tx.GasUsed) / (c.TotalTxs + 1)
	c.TotalTxs++
	if tx.Status == types.TxFailed {
		c.FailedTxs++
	}
	if dec(tx.BlockNumber).Cmp(dec(c.LastProcessedBlock)) > 0 {
		c.LastProcessedBlock = tx.BlockNumber
	}
	ts := tx.Timestamp
	c.LastActivity = &ts
	return true, nil
}

func (s *memStore) ApplyBackfill(_ context.Context, contractAddr string, txs []*types.Transaction) (*storage.BackfillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	res := &storage.BackfillResult{}
	if len(txs) == 0 {
		return res, nil
	}
	c, ok := s.contracts[contractAddr]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", storage.ErrNotFound, contractAddr)
	}
	res.MaxBlock = c.LastProcessedBlock
	for _, tx := range txs {
		if _, dup := s.txs[tx.Hash]; dup {
			res.Duplicate++
			continue
		}
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		cp := *tx
		s.txs[tx.Hash] = &cp
		res.Inserted = append(res.Inserted, tx)
		res.TotalGas += tx.GasUsed
		if tx.Status == types.TxFailed {
			res.Failed++
		}
		if dec(tx.BlockNumber).Cmp(dec(res.MaxBlock)) > 0 {
			res.MaxBlock = tx.BlockNumber
		}
	}
	if len(res.Inserted) == 0 {
		return res, nil
	}
	c.TotalTxs += uint64(len(res.Inserted))
	c.FailedTxs += uint64(res.Failed)
	c.AvgGas = res.TotalGas / uint64(len(res.Inserted))
	c.LastProcessedBlock = res.MaxBlock
	return res, nil
}

func (s *memStore) CreateFindings(_ context.Context, findings []*types.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findingErr != nil {
		return s.findingErr
	}
	for _, f := range findings {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		cp := *f
		s.findings = append(s.findings, &cp)
	}
	return nil
}

func (s *memStore) CreateAlert(_ context.Context, a *types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	s.alerts[a.ID] = &cp
	s.alertDesc[a.ID] = append(s.alertDesc[a.ID], a.Description)
	return nil
}

func (s *memStore) UpdateAlertDescription(_ context.Context, id, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", storage.ErrNotFound, id)
	}
	a.Description = description
	s.alertDesc[id] = append(s.alertDesc[id], description)
	return nil
}

func (s *memStore) DeleteAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", storage.ErrNotFound, id)
	}
	delete(s.alerts, id)
	s.deleted = append(s.deleted, a)
	return nil
}

func (s *memStore) CreateFailedMonitor(_ context.Context, m *types.FailedMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := *m
	s.failures = append(s.failures, &cp)
	return nil
}

func (s *memStore) ResolveFailedMonitors(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.failures {
		if m.ContractAddress == addr {
			m.Resolved = true
		}
	}
	return nil
}

func (s *memStore) setApplyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyErr = err
}

func (s *memStore) setFindingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findingErr = err
}

func (s *memStore) contract(addr string) types.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return types.Contract{}
	}
	return *c
}

func (s *memStore) txCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func (s *memStore) transaction(hash string) (types.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return types.Transaction{}, false
	}
	return *tx, true
}

func (s *memStore) findingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.findings))
	for i, f := range s.findings {
		ids[i] = f.ID
	}
	return ids
}

func (s *memStore) alertsOfType(typ string) []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Alert
	for _, a := range s.alerts {
		if a.Type == typ {
			out = append(out, *a)
		}
	}
	return out
}

func (s *memStore) deletedOfType(typ string) []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Alert
	for _, a := range s.deleted {
		if a.Type == typ {
			out = append(out, *a)
		}
	}
	return out
}

func (s *memStore) alertDescriptions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alertDesc[id]...)
}

func (s *memStore) statusHistory(addr string) []types.ContractStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ContractStatus(nil), s.statusLog[addr]...)
}

func (s *memStore) failureRecords() []types.FailedMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FailedMonitor, len(s.failures))
	for i, m := range s.failures {
		out[i] = *m
	}
	return out
}

// fakeSub is a scriptable head subscription.
type fakeSub struct {
	errc   chan error
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) fail(err error) { s.errc <- err }

// chainTx pairs a signed transaction with its scripted receipt.
type chainTx struct {
	tx      *gethtypes.Transaction
	receipt *gethtypes.Receipt
}

// signedTx builds a mined-looking transaction to a destination address.
func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to string, value *big.Int, gasUsed uint64, failed bool) chainTx {
	t.Helper()
	dest := common.HexToAddress(to)
	tx := gethtypes.MustSignNewTx(key, gethtypes.LatestSignerForChainID(testChainID), &gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    value,
		Gas:      2_000_000,
		GasPrice: big.NewInt(1),
	})
	status := gethtypes.ReceiptStatusSuccessful
	if failed {
		status = gethtypes.ReceiptStatusFailed
	}
	return chainTx{tx: tx, receipt: &gethtypes.Receipt{TxHash: tx.Hash(), Status: status, GasUsed: gasUsed}}
}

// fakeChain scripts blocks, receipts and head subscriptions.
type fakeChain struct {
	mu       sync.Mutex
	blocks   map[uint64]*gethtypes.Block
	receipts map[common.Hash]*gethtypes.Receipt
	subs     []*fakeSub
	heads    chan<- *gethtypes.Header
	subErr   error
	dials    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[uint64]*gethtypes.Block),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(testChainID), nil
}

func (c *fakeChain) BlockByNumber(_ context.Context, number *big.Int) (*gethtypes.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("block %s not found", number)
	}
	return b, nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("receipt %s not found", txHash)
	}
	return r, nil
}

func (c *fakeChain) SubscribeNewHeads(_ context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.subErr != nil {
		return nil, c.subErr
	}
	sub := &fakeSub{errc: make(chan error, 1)}
	c.subs = append(c.subs, sub)
	c.heads = ch
	return sub, nil
}

// addBlock registers a block with full bodies plus its receipts and
// returns the header to deliver.
func (c *fakeChain) addBlock(num uint64, txs ...chainTx) *gethtypes.Header {
	list := make([]*gethtypes.Transaction, len(txs))
	for i, tx := range txs {
		list[i] = tx.tx
	}
	header := &gethtypes.Header{
		Number: new(big.Int).SetUint64(num),
		Time:   uint64(time.Now().Unix()),
	}
	block := gethtypes.NewBlock(header, &gethtypes.Body{Transactions: list}, nil, trie.NewStackTrie(nil))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[num] = block
	for _, tx := range txs {
		c.receipts[tx.tx.Hash()] = tx.receipt
	}
	return block.Header()
}

// deliver pushes a head notification to the subscribed ingester.
func (c *fakeChain) deliver(t *testing.T, head *gethtypes.Header) {
	t.Helper()
	c.mu.Lock()
	ch := c.heads
	c.mu.Unlock()
	if ch == nil {
		t.Fatalf("no head subscription to deliver to")
	}
	ch <- head
}

// breakSub fails the most recent subscription.
func (c *fakeChain) breakSub(err error) {
	c.mu.Lock()
	var sub *fakeSub
	if n := len(c.subs); n > 0 {
		sub = c.subs[n-1]
	}
	c.mu.Unlock()
	if sub != nil {
		sub.fail(err)
	}
}

func (c *fakeChain) setSubErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subErr = err
}

func (c *fakeChain) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *fakeChain) openSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.subs {
		if !sub.unsubscribed() {
			n++
		}
	}
	return n
}

// fakeHistory serves scripted explorer entries filtered by start block.
type fakeHistory struct {
	mu      sync.Mutex
	entries []*explorer.Tx
	err     error
	froms   []*big.Int
}

func (h *fakeHistory) TransactionsSince(_ context.Context, _ string, startBlock *big.Int) ([]*explorer.Tx, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.froms = append(h.froms, new(big.Int).Set(startBlock))
	if h.err != nil {
		return nil, h.err
	}
	var out []*explorer.Tx
	for _, e := range h.entries {
		if dec(e.BlockNumber).Cmp(startBlock) >= 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) add(entries ...*explorer.Tx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
}

func (h *fakeHistory) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *fakeHistory) lastFrom() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.froms) == 0 {
		return nil
	}
	return new(big.Int).Set(h.froms[len(h.froms)-1])
}

// fakeQueue records enqueued findings.
type fakeQueue struct {
	mu         sync.Mutex
	ids        []string
	priorities []validation.Priority
}

func (q *fakeQueue) Enqueue(f *types.Finding, priority validation.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, f.ID)
	q.priorities = append(q.priorities, priority)
	return true
}

func (q *fakeQueue) enqueued() ([]string, []validation.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...), append([]validation.Priority(nil), q.priorities...)
}

// fakePublisher records published records. PublishRiskScore mirrors the
// real publisher's contract and drops scores below the floor.
type fakePublisher struct {
	mu      sync.Mutex
	schemas int
	alerts  []*publisher.SecurityAlert
	scores  []*publisher.RiskScore
}

func (p *fakePublisher) RegisterSchemas(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas++
	return nil
}

func (p *fakePublisher) PublishAlert(_ context.Context, alert *publisher.SecurityAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *fakePublisher) PublishRiskScore(_ context.Context, score *publisher.RiskScore) error {
	if score.RiskScore < publisher.RiskScoreFloor {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores = append(p.scores, score)
	return nil
}

func (p *fakePublisher) schemaCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schemas
}

func (p *fakePublisher) published() ([]*publisher.SecurityAlert, []*publisher.RiskScore) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*publisher.SecurityAlert(nil), p.alerts...),
		append([]*publisher.RiskScore(nil), p.scores...)
}

// fakeBus collects push events in emission order.
type fakeBus struct {
	mu     sync.Mutex
	events []types.PushEvent
}

func (b *fakeBus) Publish(ev types.PushEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) ofKind(kind string) []types.PushEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.PushEvent
	for _, ev := range b.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (b *fakeBus) count(kind string) int {
	return len(b.ofKind(kind))
}

// harness wires a supervisor to fakes with shrunk delays.
type harness struct {
	store   *memStore
	chain   *fakeChain
	history *fakeHistory
	queue   *fakeQueue
	pub     *fakePublisher
	bus     *fakeBus
	sup     *Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		chain:   newFakeChain(),
		history: &fakeHistory{},
		queue:   &fakeQueue{},
		pub:     &fakePublisher{},
		bus:     &fakeBus{},
	}
	h.sup = NewSupervisor(Config{
		Store:     h.store,
		Chains:    map[types.Network]Chain{testNetwork: h.chain},
		Histories: map[types.Network]History{testNetwork: h.history},
		Engine:    risk.New(),
		Queue:     h.queue,
		Publisher: h.pub,
		Bus:       h.bus,
	})
	h.sup.timing = timing{
		bringupBase: time.Millisecond,
		bringupCap:  4 * time.Millisecond,
		maxAttempts: 3,
		reconnect:   25 * time.Millisecond,
		fallback:    10 * time.Millisecond,
		idle:        10 * time.Millisecond,
	}
	t.Cleanup(h.sup.Close)
	return h
}

func (h *harness) waitHealthy(t *testing.T, addr string) {
	t.Helper()
	waitFor(t, "contract healthy", func() bool {
		return h.store.contract(addr).Status == types.StatusHealthy
	})
}

// startMonitored seeds a contract with an empty cursor history and waits
// until its monitor is up.
func (h *harness) startMonitored(t *testing.T, addr string) {
	t.Helper()
	h.store.addContract(addr, types.StatusPending, "100")
	if err := h.sup.Start(addr, testNetwork); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitHealthy(t, addr)
}
