// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt is a db.Store backed by a bbolt file.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/sub"
)

// DriverName is the name registered with the db package.
const DriverName = "bolt"

var (
	receiptsBucket = []byte("receipts")
	boopsBucket    = []byte("boops")
	metaBucket     = []byte("meta")
	versionKey     = []byte("version")
)

const dbVersion = 1

var log = sub.Disabled

// UseLogger sets the logger for the bolt package.
func UseLogger(logger sub.Logger) {
	log = logger
}

// Config is the configuration for the bolt Store.
type Config struct {
	Path string
}

// Store is a db.Store in a bbolt file.
type Store struct {
	*bbolt.DB
}

var _ db.Store = (*Store)(nil)

// NewStore opens or creates the database file.
func NewStore(cfg *Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("no database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}
	bdb, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", cfg.Path, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{receiptsBucket, boopsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("error creating %s bucket: %w", name, err)
			}
		}
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(versionKey); v == nil {
			return meta.Put(versionKey, []byte{dbVersion})
		} else if len(v) != 1 || v[0] > dbVersion {
			return fmt.Errorf("unknown database version %x", v)
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	log.Infof("Opened bolt database at %s", cfg.Path)
	return &Store{DB: bdb}, nil
}

func (s *Store) FindReceipt(_ context.Context, boopHash common.Hash) (r *boop.Receipt, err error) {
	return r, s.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(receiptsBucket).Get(boopHash[:])
		if v == nil {
			return db.ErrNotFound
		}
		r, err = db.DecodeReceipt(v)
		return err
	})
}

func (s *Store) SaveReceipt(_ context.Context, r *boop.Receipt) error {
	enc, err := db.EncodeReceipt(r)
	if err != nil {
		return err
	}
	return s.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(receiptsBucket)
		if stored := bkt.Get(r.BoopHash[:]); stored != nil {
			return db.CheckDuplicate(r.BoopHash, stored, enc)
		}
		return bkt.Put(r.BoopHash[:], enc)
	})
}

func (s *Store) FindBoop(_ context.Context, boopHash common.Hash) (b *boop.Boop, err error) {
	return b, s.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boopsBucket).Get(boopHash[:])
		if v == nil {
			return db.ErrNotFound
		}
		b, err = db.DecodeBoop(v)
		return err
	})
}

func (s *Store) SaveBoop(_ context.Context, boopHash common.Hash, b *boop.Boop) error {
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boopsBucket).Put(boopHash[:], db.EncodeBoop(b))
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
