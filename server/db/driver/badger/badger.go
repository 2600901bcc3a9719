// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package badger is a db.Store backed by a badger key-value database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/sub"
)

// DriverName is the name registered with the db package.
const DriverName = "badger"

const (
	receiptPrefix byte = 'r'
	boopPrefix    byte = 'b'

	gcInterval = 5 * time.Minute
)

var log = sub.Disabled

// UseLogger sets the logger for the badger package.
func UseLogger(logger sub.Logger) {
	log = logger
}

// badgerLoggerWrapper wraps sub.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf
// and Debugf to Tracef.
type badgerLoggerWrapper struct {
	sub.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf -> sub.Logger.Tracef
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {
	log.Tracef(s, a...)
}

// Infof -> sub.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Debugf(s, a...)
}

// Warningf -> sub.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}

// Config is the configuration for the badger Store.
type Config struct {
	// Path is the database directory. If InMemory is set, Path is ignored.
	Path     string
	InMemory bool
}

// Store is a db.Store in a badger database.
type Store struct {
	*badger.DB
	quit chan struct{}
	wg   sync.WaitGroup
}

var _ db.Store = (*Store)(nil)

// NewStore opens or creates the database and starts value log garbage
// collection.
func NewStore(cfg *Config) (*Store, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path != "":
		opts = badger.DefaultOptions(cfg.Path)
	default:
		return nil, errors.New("no database path")
	}
	bdb, err := badger.Open(opts.WithLogger(&badgerLoggerWrapper{log}))
	if err != nil {
		return nil, err
	}
	s := &Store{DB: bdb, quit: make(chan struct{})}
	s.wg.Add(1)
	go s.gc()
	return s, nil
}

func (s *Store) gc() {
	defer s.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				log.Errorf("garbage collection error: %v", err)
			}
		case <-s.quit:
			return
		}
	}
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	close(s.quit)
	s.wg.Wait()
	return s.DB.Close()
}

func prefixedKey(prefix byte, h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = prefix
	copy(k[1:], h[:])
	return k
}

func (s *Store) get(k []byte) (v []byte, err error) {
	err = s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return db.ErrNotFound
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return
}

func (s *Store) FindReceipt(_ context.Context, boopHash common.Hash) (*boop.Receipt, error) {
	v, err := s.get(prefixedKey(receiptPrefix, boopHash))
	if err != nil {
		return nil, err
	}
	return db.DecodeReceipt(v)
}

func (s *Store) SaveReceipt(_ context.Context, r *boop.Receipt) error {
	enc, err := db.EncodeReceipt(r)
	if err != nil {
		return err
	}
	k := prefixedKey(receiptPrefix, r.BoopHash)
	return s.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case err == nil:
			stored, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return db.CheckDuplicate(r.BoopHash, stored, enc)
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set(k, enc)
		default:
			return err
		}
	})
}

func (s *Store) FindBoop(_ context.Context, boopHash common.Hash) (*boop.Boop, error) {
	v, err := s.get(prefixedKey(boopPrefix, boopHash))
	if err != nil {
		return nil, err
	}
	return db.DecodeBoop(v)
}

func (s *Store) SaveBoop(_ context.Context, boopHash common.Hash, b *boop.Boop) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixedKey(boopPrefix, boopHash), db.EncodeBoop(b))
	})
}

type driver struct{}

// Open creates the Store. The cfg must be a *Config.
func (driver) Open(_ context.Context, cfg any) (db.Store, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
	return NewStore(c)
}

func (driver) UseLogger(logger sub.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register(DriverName, driver{})
}
