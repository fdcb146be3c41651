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

// CreateContract registers a contract for monitoring. The address must be
// normalized by the caller.
func (s *Store) CreateContract(ctx context.Context, c *types.Contract) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(octx).Create(c).Error; err != nil {
		return fmt.Errorf("storage: create contract: %w", err)
	}
	return nil
}

// ContractByAddress loads one contract.
func (s *Store) ContractByAddress(ctx context.Context, addr string) (*types.Contract, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var c types.Contract
	err := s.db.WithContext(octx).Where("address = ?", addr).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: contract %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load contract: %w", err)
	}
	return &c, nil
}

// Contracts returns all registered contracts ordered by creation time.
func (s *Store) Contracts(ctx context.Context) ([]*types.Contract, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var cs []*types.Contract
	if err := s.db.WithContext(octx).Order("created_at ASC").Find(&cs).Error; err != nil {
		return nil, fmt.Errorf("storage: list contracts: %w", err)
	}
	return cs, nil
}

// SetContractStatus transitions the per-contract state machine.
func (s *Store) SetContractStatus(ctx context.Context, addr string, status types.ContractStatus, message string) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(octx).Model(&types.Contract{}).Where("address = ?", addr).
		Updates(map[string]any{"status": status, "status_message": message})
	if res.Error != nil {
		return fmt.Errorf("storage: set contract status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: contract %s", ErrNotFound, addr)
	}
	return nil
}

// Baseline is the rolling statistics block written by the baseline job.
type Baseline struct {
	AvgGas      uint64
	GasStdDev   uint64
	TxFrequency float64
	AvgValue    string // decimal wei
	ValueStdDev string // decimal wei
	UpdatedAt   time.Time
}

// UpdateContractBaseline stores a freshly computed baseline.
func (s *Store) UpdateContractBaseline(ctx context.Context, addr string, b Baseline) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(octx).Model(&types.Contract{}).Where("address = ?", addr).
		Updates(map[string]any{
			"baseline_gas":           b.AvgGas,
			"baseline_gas_std_dev":   b.GasStdDev,
			"baseline_tx_frequency":  b.TxFrequency,
			"baseline_value":         b.AvgValue,
			"baseline_value_std_dev": b.ValueStdDev,
			"baseline_last_updated":  b.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update baseline: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: contract %s", ErrNotFound, addr)
	}
	return nil
}

// DeleteContract removes a contract and everything hanging off it.
func (s *Store) DeleteContract(ctx context.Context, addr string) error {
	err := s.serializable(ctx, func(dbtx *gorm.DB) error {
		for _, model := range []any{&types.Transaction{}, &types.Finding{}, &types.Alert{}, &types.FailedMonitor{}} {
			if err := dbtx.Where("contract_address = ?", addr).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := dbtx.Where("contract_address = ?", addr).Delete(&types.FunctionGasProfile{}).Error; err != nil {
			return err
		}
		return dbtx.Where("address = ?", addr).Delete(&types.Contract{}).Error
	})
	if err != nil {
		return fmt.Errorf("storage: delete contract %s: %w", addr, err)
	}
	return nil
}

// CreateFindings persists a batch of findings, assigning their IDs.
func (s *Store) CreateFindings(ctx context.Context, findings []*types.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	octx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(octx).Create(findings).Error; err != nil {
		return fmt.Errorf("storage: create findings: %w", err)
	}
	return nil
}

// MarkFindingValidated flags a finding as seen by the validator.
func (s *Store) MarkFindingValidated(ctx context.Context, id string) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(octx).Model(&types.Finding{}).Where("id = ?", id).Update("validated", true)
	if res.Error != nil {
		return fmt.Errorf("storage: mark finding validated: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: finding %s", ErrNotFound, id)
	}
	return nil
}

// FindingsByContract lists the findings of one contract, newest first.
func (s *Store) FindingsByContract(ctx context.Context, addr string, limit int) ([]*types.Finding, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	q := s.db.WithContext(octx).Where("contract_address = ?", addr).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var fs []*types.Finding
	if err := q.Find(&fs).Error; err != nil {
		return nil, fmt.Errorf("storage: list findings: %w", err)
	}
	return fs, nil
}

// CreateAlert persists a user-visible alert.
func (s *Store) CreateAlert(ctx context.Context, a *types.Alert) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(octx).Create(a).Error; err != nil {
		return fmt.Errorf("storage: create alert: %w", err)
	}
	return nil
}

// UpdateAlertDescription rewrites an alert's description in place. The
// backfill analysis task uses this to keep its single progress alert
// current instead of flooding the feed.
func (s *Store) UpdateAlertDescription(ctx context.Context, id, description string) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(octx).Model(&types.Alert{}).Where("id = ?", id).Update("description", description)
	if res.Error != nil {
		return fmt.Errorf("storage: update alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// DeleteAlert removes an alert.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(octx).Where("id = ?", id).Delete(&types.Alert{}).Error; err != nil {
		return fmt.Errorf("storage: delete alert: %w", err)
	}
	return nil
}

// AlertsByContract lists the alerts of one contract, newest first.
func (s *Store) AlertsByContract(ctx context.Context, addr string, limit int) ([]*types.Alert, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	q := s.db.WithContext(octx).Where("contract_address = ?", addr).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var as []*types.Alert
	if err := q.Find(&as).Error; err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	return as, nil
}

// CreateFailedMonitor records an abandoned contract.
func (s *Store) CreateFailedMonitor(ctx context.Context, m *types.FailedMonitor) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(octx).Create(m).Error; err != nil {
		return fmt.Errorf("storage: create failed monitor: %w", err)
	}
	return nil
}

// ResolveFailedMonitors marks a contract's failure records resolved.
// Called when monitoring comes back up after an abandonment.
func (s *Store) ResolveFailedMonitors(ctx context.Context, addr string) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(octx).Model(&types.FailedMonitor{}).
		Where("contract_address = ? AND resolved = false", addr).
		Update("resolved", true).Error
	if err != nil {
		return fmt.Errorf("storage: resolve failed monitors: %w", err)
	}
	return nil
}

// FailedMonitors lists unresolved failures.
func (s *Store) FailedMonitors(ctx context.Context) ([]*types.FailedMonitor, error) {
	octx, cancel := opCtx(ctx)
	defer cancel()
	var ms []*types.FailedMonitor
	if err := s.db.WithContext(octx).Where("resolved = false").Order("last_attempt DESC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("storage: list failed monitors: %w", err)
	}
	return ms, nil
}

// UpsertFunctionGasProfile writes a per-selector gas profile, replacing
// any previous row for the same (contract, selector) key.
func (s *Store) UpsertFunctionGasProfile(ctx context.Context, p *types.FunctionGasProfile) error {
	octx, cancel := opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(octx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_address"}, {Name: "function_selector"}},
		UpdateAll: true,
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("storage: upsert gas profile: %w", err)
	}
	return nil
}
