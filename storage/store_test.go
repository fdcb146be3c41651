package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chainguard-network/chainguard/types"
)

func TestRoundedAvg(t *testing.T) {
	for _, tt := range []struct {
		oldAvg, oldCount, add, want uint64
	}{
		{0, 0, 100_000, 100_000},
		{100, 1, 200, 150},
		{3, 1, 4, 4},           // 3.5 rounds up
		{21_000, 9, 0, 18_900}, // 18900.0
		{50_000, 99, 150_000, 51_000},
	} {
		if got := roundedAvg(tt.oldAvg, tt.oldCount, tt.add); got != tt.want {
			t.Fatalf("roundedAvg(%d,%d,%d): have %d want %d", tt.oldAvg, tt.oldCount, tt.add, got, tt.want)
		}
	}
}

func TestCmpDecimal(t *testing.T) {
	for _, tt := range []struct {
		a, b string
		want int
	}{
		{"", "0", 0},
		{"10", "9", 1},
		{"9", "10", -1},
		{"12345678901234567890123456789", "12345678901234567890123456788", 1},
		{"0", "", 0},
	} {
		if got := cmpDecimal(tt.a, tt.b); got != tt.want {
			t.Fatalf("cmpDecimal(%q,%q): have %d want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsWriteConflict(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	deadlock := &pgconn.PgError{Code: "40P01"}
	other := &pgconn.PgError{Code: "23505"}

	if !isWriteConflict(serialization) || !isWriteConflict(fmt.Errorf("wrap: %w", serialization)) {
		t.Fatalf("serialization failure not recognized")
	}
	if !isWriteConflict(deadlock) {
		t.Fatalf("deadlock not recognized")
	}
	if isWriteConflict(other) {
		t.Fatalf("unique violation misclassified as write conflict")
	}
	if isWriteConflict(errors.New("plain")) {
		t.Fatalf("plain error misclassified")
	}
}

func TestIsPermanent(t *testing.T) {
	notNull := &pgconn.PgError{Code: "23502"}
	badText := &pgconn.PgError{Code: "22P02"}
	conflict := &pgconn.PgError{Code: "40001"}

	if !IsPermanent(notNull) || !IsPermanent(fmt.Errorf("wrap: %w", notNull)) {
		t.Fatalf("integrity violation not recognized")
	}
	if !IsPermanent(badText) {
		t.Fatalf("data exception not recognized")
	}
	if IsPermanent(conflict) {
		t.Fatalf("write conflict misclassified as permanent")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatalf("plain error misclassified")
	}
}

// Integration tests below need a live database.

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store integration test")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testContract(t *testing.T, s *Store) *types.Contract {
	t.Helper()
	addr := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")[:40]
	c := &types.Contract{
		Address: addr,
		Name:    "integration",
		Network: types.NetworkTestnet,
		Status:  types.StatusPending,
	}
	if err := s.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	t.Cleanup(func() { s.DeleteContract(context.Background(), addr) })
	return c
}

func sampleTx(contract string, block uint64, status types.TxStatus) *types.Transaction {
	return &types.Transaction{
		Hash:            "0x" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")[:64],
		From:            "0xaaaa567890123456789012345678901234567890",
		To:              contract,
		Value:           "1000000000000000000",
		GasUsed:         60_000,
		Status:          status,
		BlockNumber:     fmt.Sprintf("%d", block),
		Timestamp:       time.Now().UTC(),
		ContractAddress: contract,
	}
}

func TestApplyTransactionDedup(t *testing.T) {
	s := openTestStore(t)
	c := testContract(t, s)
	ctx := context.Background()

	tx := sampleTx(c.Address, 100, types.TxSuccess)
	inserted, err := s.ApplyTransaction(ctx, c.Address, tx)
	if err != nil || !inserted {
		t.Fatalf("first apply: inserted=%v err=%v", inserted, err)
	}

	dup := *tx
	dup.ID = ""
	inserted, err = s.ApplyTransaction(ctx, c.Address, &dup)
	if err != nil {
		t.Fatalf("duplicate apply errored: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate hash reported as inserted")
	}

	got, err := s.ContractByAddress(ctx, c.Address)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if got.TotalTxs != 1 {
		t.Fatalf("counters incremented twice: totalTxs=%d", got.TotalTxs)
	}
	if got.LastProcessedBlock != "100" {
		t.Fatalf("lastProcessedBlock: have %q want %q", got.LastProcessedBlock, "100")
	}
}

func TestApplyTransactionNeverRegressesBlock(t *testing.T) {
	s := openTestStore(t)
	c := testContract(t, s)
	ctx := context.Background()

	if _, err := s.ApplyTransaction(ctx, c.Address, sampleTx(c.Address, 200, types.TxSuccess)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// An older transaction arriving late must not move the watermark back.
	if _, err := s.ApplyTransaction(ctx, c.Address, sampleTx(c.Address, 150, types.TxFailed)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := s.ContractByAddress(ctx, c.Address)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if got.LastProcessedBlock != "200" {
		t.Fatalf("lastProcessedBlock regressed: %q", got.LastProcessedBlock)
	}
	if got.TotalTxs != 2 || got.FailedTxs != 1 {
		t.Fatalf("counters: totalTxs=%d failedTxs=%d", got.TotalTxs, got.FailedTxs)
	}
}

func TestApplyBackfillBatch(t *testing.T) {
	s := openTestStore(t)
	c := testContract(t, s)
	ctx := context.Background()

	txs := []*types.Transaction{
		sampleTx(c.Address, 10, types.TxSuccess),
		sampleTx(c.Address, 11, types.TxFailed),
		sampleTx(c.Address, 12, types.TxSuccess),
	}
	res, err := s.ApplyBackfill(ctx, c.Address, txs)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(res.Inserted) != 3 || res.Failed != 1 || res.MaxBlock != "12" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Replaying the same batch is a no-op.
	replayed := make([]*types.Transaction, len(txs))
	for i, tx := range txs {
		cp := *tx
		cp.ID = ""
		replayed[i] = &cp
	}
	res2, err := s.ApplyBackfill(ctx, c.Address, replayed)
	if err != nil {
		t.Fatalf("replay backfill: %v", err)
	}
	if len(res2.Inserted) != 0 || res2.Duplicate != 3 {
		t.Fatalf("replay not idempotent: %+v", res2)
	}

	got, _ := s.ContractByAddress(ctx, c.Address)
	if got.TotalTxs != 3 || got.FailedTxs != 1 {
		t.Fatalf("counters after replay: totalTxs=%d failedTxs=%d", got.TotalTxs, got.FailedTxs)
	}
}

func TestDeleteContractCascades(t *testing.T) {
	s := openTestStore(t)
	c := testContract(t, s)
	ctx := context.Background()

	if _, err := s.ApplyTransaction(ctx, c.Address, sampleTx(c.Address, 5, types.TxSuccess)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.CreateFindings(ctx, []*types.Finding{{
		ContractAddress: c.Address, Type: "SPAM_ATTACK", Severity: types.SeverityHigh, Description: "x",
	}}); err != nil {
		t.Fatalf("findings: %v", err)
	}
	if err := s.CreateAlert(ctx, &types.Alert{
		ContractAddress: c.Address, Type: "SPAM_ATTACK", Severity: types.SeverityHigh, Description: "x",
	}); err != nil {
		t.Fatalf("alert: %v", err)
	}

	if err := s.DeleteContract(ctx, c.Address); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ContractByAddress(ctx, c.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("contract survived delete: %v", err)
	}
	n, err := s.CountTransactions(ctx, c.Address)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("transactions survived cascade: %d", n)
	}
}
