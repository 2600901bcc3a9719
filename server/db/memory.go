// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/sub"
)

// MemoryDriverName is the name of the in-memory driver.
const MemoryDriverName = "memory"

// MemoryStore is a non-durable Store for tests and ephemeral deployments.
type MemoryStore struct {
	mtx      sync.RWMutex
	receipts map[common.Hash][]byte
	boops    map[common.Hash][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[common.Hash][]byte),
		boops:    make(map[common.Hash][]byte),
	}
}

func (s *MemoryStore) FindReceipt(_ context.Context, boopHash common.Hash) (*boop.Receipt, error) {
	s.mtx.RLock()
	b, found := s.receipts[boopHash]
	s.mtx.RUnlock()
	if !found {
		return nil, ErrNotFound
	}
	return DecodeReceipt(b)
}

func (s *MemoryStore) SaveReceipt(_ context.Context, r *boop.Receipt) error {
	b, err := EncodeReceipt(r)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if stored, found := s.receipts[r.BoopHash]; found {
		return CheckDuplicate(r.BoopHash, stored, b)
	}
	s.receipts[r.BoopHash] = b
	return nil
}

func (s *MemoryStore) FindBoop(_ context.Context, boopHash common.Hash) (*boop.Boop, error) {
	s.mtx.RLock()
	b, found := s.boops[boopHash]
	s.mtx.RUnlock()
	if !found {
		return nil, ErrNotFound
	}
	return DecodeBoop(b)
}

func (s *MemoryStore) SaveBoop(_ context.Context, boopHash common.Hash, b *boop.Boop) error {
	s.mtx.Lock()
	s.boops[boopHash] = EncodeBoop(b)
	s.mtx.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryDriver struct{}

func (memoryDriver) Open(_ context.Context, cfg any) (Store, error) {
	if cfg != nil {
		return nil, fmt.Errorf("memory driver takes no configuration, got %T", cfg)
	}
	return NewMemoryStore(), nil
}

func (memoryDriver) UseLogger(sub.Logger) {}

func init() {
	Register(MemoryDriverName, memoryDriver{})
}
