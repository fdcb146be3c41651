// Package storage is the persistent store of the monitoring core. It is
// the only state shared across tasks; every write that touches a
// contract's counters runs under a serializable transaction with a single
// jittered retry on write conflict.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chainguard-network/chainguard/types"
)

const (
	// opTimeout bounds any single store operation issued by the core.
	opTimeout = 5 * time.Second

	// Write-conflict retry window.
	retryJitterMin = 100 * time.Millisecond
	retryJitterMax = 300 * time.Millisecond
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: serialization conflict")
)

var (
	insertMeter   = metrics.NewRegisteredMeter("guard/storage/txs/inserted", nil)
	dupMeter      = metrics.NewRegisteredMeter("guard/storage/txs/duplicate", nil)
	conflictMeter = metrics.NewRegisteredMeter("guard/storage/conflicts", nil)
)

// Store wraps the relational database. Safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log log.Logger
}

// Open connects to the database and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	s := &Store{db: db, log: log.New("component", "storage")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, log: log.New("component", "storage")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&types.User{},
		&types.Contract{},
		&types.Transaction{},
		&types.Finding{},
		&types.Alert{},
		&types.FailedMonitor{},
		&types.FunctionGasProfile{},
	)
	if err != nil {
		return fmt.Errorf("storage: migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// opCtx derives the bounded context used for a single store operation.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// isWriteConflict recognizes the postgres serialization failure class
// (40001) and deadlock detection (40P01).
func isWriteConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsPermanent reports whether a store error is a data exception or an
// integrity violation (SQLSTATE classes 22 and 23). Retrying the same
// row cannot fix these; callers drop the row instead of requeueing it.
func IsPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		class := pgErr.Code[:2]
		return class == "22" || class == "23"
	}
	return false
}

// serializable runs fn inside a serializable transaction, retrying exactly
// once after 100-300ms of jitter when the store reports a write conflict.
func (s *Store) serializable(ctx context.Context, fn func(tx *gorm.DB) error) error {
	run := func() error {
		octx, cancel := opCtx(ctx)
		defer cancel()
		return s.db.WithContext(octx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := run()
	if err == nil || !isWriteConflict(err) {
		return err
	}
	conflictMeter.Mark(1)
	s.log.Debug("Write conflict, retrying once", "err", err)

	jitter := retryJitterMin + time.Duration(rand.Int63n(int64(retryJitterMax-retryJitterMin+1)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := run(); err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// cmpDecimal compares two non-negative big integers serialized as decimal
// strings; empty strings count as zero.
func cmpDecimal(a, b string) int {
	ai := decimalToBig(a)
	bi := decimalToBig(b)
	return ai.Cmp(bi)
}

func decimalToBig(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// roundedAvg returns round((oldAvg*oldCount + add) / (oldCount+1)).
func roundedAvg(oldAvg, oldCount, add uint64) uint64 {
	num := oldAvg*oldCount + add
	den := oldCount + 1
	return (num + den/2) / den
}
