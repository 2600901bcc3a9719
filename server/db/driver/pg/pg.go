// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pg is a db.Store backed by PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/server/db/driver/pg/internal"
	"github.com/happychain/boopd/sub"
)

// DriverName is the name registered with the db package.
const DriverName = "pg"

const defaultQueryTimeout = 30 * time.Second

var log = sub.Disabled

// UseLogger sets the logger for the pg package.
func UseLogger(logger sub.Logger) {
	log = logger
}

// Config holds the Store's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	QueryTimeout                   time.Duration
}

// Store is a db.Store in a PostgreSQL database.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

var _ db.Store = (*Store)(nil)

// NewStore connects to the database and prepares the tables. Use Close when
// done with the Store.
func NewStore(cfg *Config) (*Store, error) {
	sqlDB, err := connect(cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// Put the PostgreSQL time zone in UTC.
	initTZ, err := checkCurrentTimeZone(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if initTZ != "UTC" {
		log.Infof("Switching PostgreSQL time zone to UTC for this session.")
		if _, err = sqlDB.Exec(`SET TIME ZONE UTC`); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to set time zone to UTC: %w", err)
		}
	}

	pgVersion, err := retrievePGVersion(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info(pgVersion)

	if err = prepareTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Store{db: sqlDB, queryTimeout: queryTimeout}, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryOne(ctx context.Context, stmt string, key common.Hash) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var v []byte
	err := s.db.QueryRowContext(ctx, stmt, key[:]).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	return v, err
}

func (s *Store) FindReceipt(ctx context.Context, boopHash common.Hash) (*boop.Receipt, error) {
	v, err := s.queryOne(ctx, internal.SelectReceipt, boopHash)
	if err != nil {
		return nil, err
	}
	return db.DecodeReceipt(v)
}

// SaveReceipt inserts the receipt. If a receipt is already stored, it must be
// identical.
func (s *Store) SaveReceipt(ctx context.Context, r *boop.Receipt) error {
	enc, err := db.EncodeReceipt(r)
	if err != nil {
		return err
	}
	var txHash []byte
	if h := r.TxHash(); h != (common.Hash{}) {
		txHash = h[:]
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	n, err := sqlExec(qctx, s.db, internal.InsertReceipt, r.BoopHash[:], string(r.Status), txHash, enc)
	if err != nil {
		return fmt.Errorf("error inserting receipt %s: %w", r.BoopHash, err)
	}
	if n == 1 {
		return nil
	}
	stored, err := s.queryOne(ctx, internal.SelectReceipt, r.BoopHash)
	if err != nil {
		return err
	}
	return db.CheckDuplicate(r.BoopHash, stored, enc)
}

func (s *Store) FindBoop(ctx context.Context, boopHash common.Hash) (*boop.Boop, error) {
	v, err := s.queryOne(ctx, internal.SelectBoop, boopHash)
	if err != nil {
		return nil, err
	}
	return db.DecodeBoop(v)
}

func (s *Store) SaveBoop(ctx context.Context, boopHash common.Hash, b *boop.Boop) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := sqlExec(ctx, s.db, internal.UpsertBoop, boopHash[:], b.Account[:], db.EncodeBoop(b))
	if err != nil {
		return fmt.Errorf("error storing boop %s: %w", boopHash, err)
	}
	return nil
}

type driver struct{}

// Open creates the Store. The cfg must be a *Config.
func (driver) Open(_ context.Context, cfg any) (db.Store, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewStore(c)
	case Config:
		return NewStore(&c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

func (driver) UseLogger(logger sub.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register(DriverName, driver{})
}
