package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deposit-gateway/internal/gateway"
)

// ErrOutsideFootprint indicates a write to a record the call did not declare.
var ErrOutsideFootprint = errors.New("storage: write outside declared footprint")

type balanceKey struct {
	account common.Address
	asset   common.Address
}

// MemoryStore is an in-process gateway.Store. Each record has its own mutex;
// a call holds the mutexes of its footprint for its whole duration and
// stages writes locally until it succeeds.
type MemoryStore struct {
	locks keyedLocks

	mu        sync.RWMutex
	config    gateway.Config
	window    gateway.GlobalRateWindow
	limits    map[common.Address]gateway.AssetRateLimit
	whitelist map[common.Address]struct{}
	balances  map[balanceKey]uint64
	outcomes  []gateway.Outcome
}

var (
	_ gateway.Store = (*MemoryStore)(nil)
	_ OutcomeStore  = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store holding cfg.
func NewMemoryStore(cfg gateway.Config) *MemoryStore {
	return &MemoryStore{
		config:    cfg,
		limits:    make(map[common.Address]gateway.AssetRateLimit),
		whitelist: make(map[common.Address]struct{}),
		balances:  make(map[balanceKey]uint64),
	}
}

// Atomically runs fn with exclusive access to the footprint and applies its
// staged writes only when fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, fp gateway.Footprint, fn func(gateway.Ledger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := fp.LockKeys()
	unlock := s.locks.lock(keys)
	defer unlock()

	tx := newMemoryTx(s, keys)
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// Credit adds amount of asset to account outside any deposit call.
func (s *MemoryStore) Credit(ctx context.Context, account, asset common.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock([]string{gateway.BalanceKey(account, asset)})
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{account: account, asset: asset}
	next := s.balances[key] + amount
	if next < amount {
		return fmt.Errorf("%w: balance overflow", gateway.ErrInvalidAmount)
	}
	s.balances[key] = next
	return nil
}

// Outcomes returns a copy of the outcome log in emission order.
func (s *MemoryStore) Outcomes() []gateway.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// ListRecentOutcomes lists up to limit outcomes, newest first.
func (s *MemoryStore) ListRecentOutcomes(_ context.Context, limit int) ([]gateway.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.outcomes) {
		limit = len(s.outcomes)
	}
	out := make([]gateway.Outcome, 0, limit)
	for i := len(s.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.outcomes[i])
	}
	return out, nil
}

// ListOutcomesBetween lists outcomes created in [from, to), oldest first.
func (s *MemoryStore) ListOutcomesBetween(_ context.Context, from, to time.Time) ([]gateway.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.Outcome, 0)
	for _, o := range s.outcomes {
		if !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteOutcomesBefore prunes outcomes created before cutoff.
func (s *MemoryStore) DeleteOutcomesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outcomes[:0]
	var removed int64
	for _, o := range s.outcomes {
		if o.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	s.outcomes = kept
	return removed, nil
}

// ListAssetLimits returns every persisted per-asset record ordered by asset.
func (s *MemoryStore) ListAssetLimits(context.Context) ([]gateway.AssetRateLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limits := make([]gateway.AssetRateLimit, 0, len(s.limits))
	for _, limit := range s.limits {
		limits = append(limits, limit)
	}
	sort.Slice(limits, func(i, j int) bool {
		return limits[i].Asset.Hex() < limits[j].Asset.Hex()
	})
	return limits, nil
}

// TryAdvisoryLock always succeeds: a single process owns the store.
func (s *MemoryStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	return func() {}, true, nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.config != nil {
		s.config = *tx.config
	}
	if tx.window != nil {
		s.window = *tx.window
	}
	for asset, limit := range tx.limits {
		s.limits[asset] = limit
	}
	for asset, listed := range tx.whitelist {
		if listed {
			s.whitelist[asset] = struct{}{}
		} else {
			delete(s.whitelist, asset)
		}
	}
	for key, amount := range tx.balances {
		s.balances[key] = amount
	}
	s.outcomes = append(s.outcomes, tx.outcomes...)
}

type memoryTx struct {
	s        *MemoryStore
	writable map[string]struct{}

	config    *gateway.Config
	window    *gateway.GlobalRateWindow
	limits    map[common.Address]gateway.AssetRateLimit
	whitelist map[common.Address]bool
	balances  map[balanceKey]uint64
	outcomes  []gateway.Outcome
}

func newMemoryTx(s *MemoryStore, keys []string) *memoryTx {
	writable := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		writable[key] = struct{}{}
	}
	return &memoryTx{
		s:         s,
		writable:  writable,
		limits:    make(map[common.Address]gateway.AssetRateLimit),
		whitelist: make(map[common.Address]bool),
		balances:  make(map[balanceKey]uint64),
	}
}

func (tx *memoryTx) require(key string) error {
	if _, ok := tx.writable[key]; !ok {
		return fmt.Errorf("%w: %s", ErrOutsideFootprint, key)
	}
	return nil
}

func (tx *memoryTx) Config(context.Context) (gateway.Config, error) {
	if tx.config != nil {
		return *tx.config, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.config, nil
}

func (tx *memoryTx) SaveConfig(_ context.Context, cfg gateway.Config) error {
	if err := tx.require(gateway.ConfigKey); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx.config = &cfg
	return nil
}

func (tx *memoryTx) GlobalWindow(context.Context) (gateway.GlobalRateWindow, error) {
	if tx.window != nil {
		return *tx.window, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.window, nil
}

func (tx *memoryTx) SaveGlobalWindow(_ context.Context, w gateway.GlobalRateWindow) error {
	if err := tx.require(gateway.WindowKey); err != nil {
		return err
	}
	tx.window = &w
	return nil
}

func (tx *memoryTx) AssetLimit(ctx context.Context, asset common.Address) (gateway.AssetRateLimit, error) {
	if limit, ok := tx.limits[asset]; ok {
		return limit, nil
	}
	tx.s.mu.RLock()
	limit, ok := tx.s.limits[asset]
	tx.s.mu.RUnlock()
	if ok {
		return limit, nil
	}
	cfg, err := tx.Config(ctx)
	if err != nil {
		return gateway.AssetRateLimit{}, err
	}
	return gateway.NewAssetRateLimit(asset, cfg.DefaultEpochDuration), nil
}

func (tx *memoryTx) SaveAssetLimit(_ context.Context, limit gateway.AssetRateLimit) error {
	if err := tx.require(gateway.AssetKey(limit.Asset)); err != nil {
		return err
	}
	tx.limits[limit.Asset] = limit
	return nil
}

func (tx *memoryTx) IsWhitelisted(_ context.Context, asset common.Address) (bool, error) {
	if listed, ok := tx.whitelist[asset]; ok {
		return listed, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, listed := tx.s.whitelist[asset]
	return listed, nil
}

func (tx *memoryTx) SetWhitelisted(_ context.Context, asset common.Address, listed bool) error {
	if err := tx.require(gateway.WhitelistKey); err != nil {
		return err
	}
	tx.whitelist[asset] = listed
	return nil
}

func (tx *memoryTx) Balance(_ context.Context, account, asset common.Address) (uint64, error) {
	return tx.balance(balanceKey{account: account, asset: asset}), nil
}

func (tx *memoryTx) balance(key balanceKey) uint64 {
	if amount, ok := tx.balances[key]; ok {
		return amount
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.balances[key]
}

func (tx *memoryTx) Transfer(_ context.Context, asset common.Address, amount uint64, from, to common.Address) error {
	if err := tx.require(gateway.BalanceKey(from, asset)); err != nil {
		return err
	}
	if err := tx.require(gateway.BalanceKey(to, asset)); err != nil {
		return err
	}

	fromKey := balanceKey{account: from, asset: asset}
	toKey := balanceKey{account: to, asset: asset}
	fromBalance := tx.balance(fromKey)
	if fromBalance < amount {
		return fmt.Errorf("%w: %s holds %d of %s, needs %d",
			gateway.ErrInsufficientBalance, from.Hex(), fromBalance, asset.Hex(), amount)
	}
	if from == to {
		return nil
	}
	toBalance := tx.balance(toKey)
	if toBalance+amount < toBalance {
		return fmt.Errorf("%w: balance overflow", gateway.ErrInvalidAmount)
	}
	tx.balances[fromKey] = fromBalance - amount
	tx.balances[toKey] = toBalance + amount
	return nil
}

func (tx *memoryTx) Emit(_ context.Context, outcome gateway.Outcome) error {
	tx.outcomes = append(tx.outcomes, outcome)
	return nil
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutexes for keys in the given order and returns a
// function releasing them in reverse.
func (k *keyedLocks) lock(keys []string) func() {
	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := k.get(key)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
