package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainguard-network/chainguard/types"
)

// HasTransaction reports whether a transaction hash is already persisted.
// The ingester uses it to short-circuit duplicates before any downstream
// work; ApplyTransaction re-checks inside its own transaction.
func (s *Store) HasTransaction(ctx context.Context, hash string) (bool, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var n int64
	err := s.db.WithContext(octx).Model(&types.Transaction{}).Where("hash = ?", hash).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("storage: has transaction: %w", err)
	}
	return n > 0, nil
}

// ApplyTransaction persists one transaction and updates the owning
// contract's counters atomically: totalTxs, failedTxs, the running gas
// average, lastProcessedBlock (monotone) and lastActivity. A duplicate
// hash is a no-op reported as inserted=false.
func (s *Store) ApplyTransaction(ctx context.Context, contractAddr string, tx *types.Transaction) (bool, error) {
	inserted := false
	err := s.serializable(ctx, func(dbtx *gorm.DB) error {
		inserted = false

		var n int64
		if err := dbtx.Model(&types.Transaction{}).Where("hash = ?", tx.Hash).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			dupMeter.Mark(1)
			return nil
		}
		if err := dbtx.Create(tx).Error; err != nil {
			return err
		}

		var contract types.Contract
		if err := dbtx.Where("address = ?", contractAddr).First(&contract).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contract %s", ErrNotFound, contractAddr)
			}
			return err
		}

		updates := map[string]any{
			"avg_gas":       roundedAvg(contract.AvgGas, contract.TotalTxs, tx.GasUsed),
			"total_txs":     contract.TotalTxs + 1,
			"last_activity": tx.Timestamp,
		}
		if tx.Status == types.TxFailed {
			updates["failed_txs"] = contract.FailedTxs + 1
		}
		if cmpDecimal(tx.BlockNumber, contract.LastProcessedBlock) > 0 {
			updates["last_processed_block"] = tx.BlockNumber
		}
		if err := dbtx.Model(&types.Contract{}).Where("address = ?", contractAddr).Updates(updates).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: apply transaction %s: %w", tx.Hash, err)
	}
	if inserted {
		insertMeter.Mark(1)
	}
	return inserted, nil
}

// BackfillResult summarizes one historical batch.
type BackfillResult struct {
	Inserted  []*types.Transaction // rows actually written, in input order
	Duplicate int
	Failed    int    // failed-status count among inserted rows
	TotalGas  uint64 // gas sum over inserted rows
	MaxBlock  string // highest block number seen, decimal
}

// ApplyBackfill persists a batch of historical transactions and updates
// the contract's counters once for the whole batch: totalTxs grows by the
// inserted count, failedTxs by the failures among them, avgGas is set to
// the batch average, and lastProcessedBlock advances to the highest block
// seen. Duplicates are skipped via the hash unique key.
func (s *Store) ApplyBackfill(ctx context.Context, contractAddr string, txs []*types.Transaction) (*BackfillResult, error) {
	res := &BackfillResult{}
	if len(txs) == 0 {
		return res, nil
	}
	err := s.serializable(ctx, func(dbtx *gorm.DB) error {
		*res = BackfillResult{}

		var contract types.Contract
		if err := dbtx.Where("address = ?", contractAddr).First(&contract).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contract %s", ErrNotFound, contractAddr)
			}
			return err
		}
		res.MaxBlock = contract.LastProcessedBlock

		for _, tx := range txs {
			ins := dbtx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "hash"}},
				DoNothing: true,
			}).Create(tx)
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected == 0 {
				res.Duplicate++
				continue
			}
			res.Inserted = append(res.Inserted, tx)
			res.TotalGas += tx.GasUsed
			if tx.Status == types.TxFailed {
				res.Failed++
			}
			if cmpDecimal(tx.BlockNumber, res.MaxBlock) > 0 {
				res.MaxBlock = tx.BlockNumber
			}
		}
		if len(res.Inserted) == 0 {
			return nil
		}

		updates := map[string]any{
			"total_txs":            contract.TotalTxs + uint64(len(res.Inserted)),
			"failed_txs":           contract.FailedTxs + uint64(res.Failed),
			"avg_gas":              res.TotalGas / uint64(len(res.Inserted)),
			"last_processed_block": res.MaxBlock,
			"last_activity":        txs[len(txs)-1].Timestamp,
		}
		return dbtx.Model(&types.Contract{}).Where("address = ?", contractAddr).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("storage: apply backfill for %s: %w", contractAddr, err)
	}
	insertMeter.Mark(int64(len(res.Inserted)))
	dupMeter.Mark(int64(res.Duplicate))
	return res, nil
}

// CountTransactions returns the number of persisted transactions for a
// contract.
func (s *Store) CountTransactions(ctx context.Context, contractAddr string) (uint64, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var n int64
	err := s.db.WithContext(octx).Model(&types.Transaction{}).
		Where("contract_address = ?", contractAddr).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("storage: count transactions: %w", err)
	}
	return uint64(n), nil
}

// SuccessfulTransactionsSince returns the successful transactions of a
// contract newer than the cutoff, ordered by timestamp. The baseline job
// feeds on this.
func (s *Store) SuccessfulTransactionsSince(ctx context.Context, contractAddr string, since time.Time) ([]*types.Transaction, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var txs []*types.Transaction
	err := s.db.WithContext(octx).
		Where("contract_address = ? AND status = ? AND timestamp >= ?", contractAddr, types.TxSuccess, since).
		Order("timestamp ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load baseline window: %w", err)
	}
	return txs, nil
}
