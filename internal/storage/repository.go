package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deposit-gateway/internal/gateway"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	ensureConfigSQL = `INSERT INTO gateway_config (
        id, admin, pauser, min_cap_usd, max_cap_usd, paused, price_feed_id,
        confidence_threshold, max_price_age, default_epoch_duration, strict_gas_payload
    ) VALUES (
        1,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	selectConfigSQL = `SELECT
        admin,
        pauser,
        min_cap_usd::text,
        max_cap_usd::text,
        paused,
        price_feed_id,
        confidence_threshold::text,
        max_price_age::text,
        default_epoch_duration::text,
        strict_gas_payload
    FROM gateway_config
    WHERE id = 1`

	updateConfigSQL = `UPDATE gateway_config
    SET admin                  = $1,
        pauser                 = $2,
        min_cap_usd            = $3,
        max_cap_usd            = $4,
        paused                 = $5,
        price_feed_id          = $6,
        confidence_threshold   = $7,
        max_price_age          = $8,
        default_epoch_duration = $9,
        strict_gas_payload     = $10,
        updated_at             = NOW()
    WHERE id = 1;`

	selectWindowSQL = `SELECT cap_usd::text, window_id::text, consumed_usd::text
    FROM global_rate_window
    WHERE id = 1`

	updateWindowSQL = `UPDATE global_rate_window
    SET cap_usd = $1, window_id = $2, consumed_usd = $3
    WHERE id = 1;`

	ensureAssetLimitSQL = `INSERT INTO asset_rate_limits (asset, epoch_duration)
    VALUES ($1, $2)
    ON CONFLICT (asset) DO NOTHING;`

	selectAssetLimitSQL = `SELECT limit_per_epoch::text, epoch_duration::text, epoch_id::text, used_this_epoch::text
    FROM asset_rate_limits
    WHERE asset = $1`

	listAssetLimitsSQL = `SELECT asset, limit_per_epoch::text, epoch_duration::text, epoch_id::text, used_this_epoch::text
    FROM asset_rate_limits
    ORDER BY asset;`

	upsertAssetLimitSQL = `INSERT INTO asset_rate_limits (asset, limit_per_epoch, epoch_duration, epoch_id, used_this_epoch)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (asset) DO UPDATE
    SET limit_per_epoch = EXCLUDED.limit_per_epoch,
        epoch_duration  = EXCLUDED.epoch_duration,
        epoch_id        = EXCLUDED.epoch_id,
        used_this_epoch = EXCLUDED.used_this_epoch;`

	isWhitelistedSQL   = `SELECT EXISTS (SELECT 1 FROM token_whitelist WHERE asset = $1);`
	addWhitelistSQL    = `INSERT INTO token_whitelist (asset) VALUES ($1) ON CONFLICT (asset) DO NOTHING;`
	removeWhitelistSQL = `DELETE FROM token_whitelist WHERE asset = $1;`

	selectBalanceSQL = `SELECT amount::text FROM balances WHERE account = $1 AND asset = $2`

	debitBalanceSQL = `UPDATE balances
    SET amount = amount - $3
    WHERE account = $1 AND asset = $2 AND amount >= $3;`

	creditBalanceSQL = `INSERT INTO balances (account, asset, amount)
    VALUES ($1,$2,$3)
    ON CONFLICT (account, asset) DO UPDATE
    SET amount = balances.amount + EXCLUDED.amount;`

	insertOutcomeSQL = `INSERT INTO outcomes (
        id, sender, recipient, asset, amount, payload, payload_hash,
        revert_recipient, revert_msg, tx_type, signature_data, usd_value, window_id, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    );`

	outcomeColumns = `id, sender, recipient, asset, amount::text, payload, payload_hash,
        revert_recipient, revert_msg, tx_type, signature_data, usd_value::text, window_id::text, created_at`

	listRecentOutcomesSQL = `SELECT ` + outcomeColumns + `
    FROM outcomes
    ORDER BY created_at DESC, seq DESC
    LIMIT $1;`

	listOutcomesBetweenSQL = `SELECT ` + outcomeColumns + `
    FROM outcomes
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, seq;`

	deleteOutcomesBeforeSQL = `DELETE FROM outcomes WHERE created_at < $1;`

	lockKeySQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OutcomeStore defines read and retention operations on the outcome log.
type OutcomeStore interface {
	ListRecentOutcomes(ctx context.Context, limit int) ([]gateway.Outcome, error)
	ListOutcomesBetween(ctx context.Context, from, to time.Time) ([]gateway.Outcome, error)
	DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// AssetLimitLister enumerates persisted per-asset records.
type AssetLimitLister interface {
	ListAssetLimits(ctx context.Context) ([]gateway.AssetRateLimit, error)
}

// Creditor funds accounts outside any deposit call.
type Creditor interface {
	Credit(ctx context.Context, account, asset common.Address, amount uint64) error
}

// Backend is everything the service needs from a storage implementation.
type Backend interface {
	gateway.Store
	OutcomeStore
	AssetLimitLister
	AdvisoryLocker
	Creditor
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Store is the PostgreSQL-backed gateway state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureConfig seeds the configuration row when the database has none yet.
// An existing row is left untouched so admin changes survive restarts.
func (s *Store) EnsureConfig(ctx context.Context, cfg gateway.Config) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ensureConfigSQL, configArgs(cfg)...); err != nil {
		return fmt.Errorf("ensure gateway config: %w", err)
	}
	return nil
}

// ListAssetLimits returns every persisted per-asset record.
func (s *Store) ListAssetLimits(ctx context.Context) ([]gateway.AssetRateLimit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAssetLimitsSQL)
	if err != nil {
		return nil, fmt.Errorf("list asset limits: %w", err)
	}
	defer rows.Close()

	limits := make([]gateway.AssetRateLimit, 0)
	for rows.Next() {
		var asset string
		var fields [4]string
		if err := rows.Scan(&asset, &fields[0], &fields[1], &fields[2], &fields[3]); err != nil {
			return nil, err
		}
		limit, err := assetLimitFromFields(common.HexToAddress(asset), fields)
		if err != nil {
			return nil, err
		}
		limits = append(limits, limit)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return limits, nil
}

// Atomically runs fn inside a read-committed transaction. Footprint records
// are locked up front in canonical order; the transaction commits only when
// fn succeeds.
func (s *Store) Atomically(ctx context.Context, fp gateway.Footprint, fn func(gateway.Ledger) error) (err error) {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	ledger := &pgLedger{tx: tx, footprint: fp.Canonical()}
	if err := ledger.lockFootprint(ctx); err != nil {
		return err
	}
	if err := fn(ledger); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Credit adds amount of asset to account.
func (s *Store) Credit(ctx context.Context, account, asset common.Address, amount uint64) error {
	fp := gateway.Footprint{Balances: []gateway.Holding{{Account: account, Asset: asset}}}
	return s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		return l.(*pgLedger).credit(ctx, account, asset, amount)
	})
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListRecentOutcomes lists up to limit outcomes, newest first.
func (s *Store) ListRecentOutcomes(ctx context.Context, limit int) ([]gateway.Outcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentOutcomesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// ListOutcomesBetween lists outcomes created in [from, to), oldest first.
func (s *Store) ListOutcomesBetween(ctx context.Context, from, to time.Time) ([]gateway.Outcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listOutcomesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list outcomes between: %w", err)
	}
	return collectOutcomes(rows)
}

// DeleteOutcomesBefore prunes outcomes created before cutoff.
func (s *Store) DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteOutcomesBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete outcomes before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOutcomes(rows pgx.Rows) ([]gateway.Outcome, error) {
	defer rows.Close()
	outcomes := make([]gateway.Outcome, 0)
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

func scanOutcome(rows pgx.Rows) (gateway.Outcome, error) {
	var row outcomeRow
	if err := rows.Scan(
		&row.ID,
		&row.Sender,
		&row.Recipient,
		&row.Asset,
		&row.Amount,
		&row.Payload,
		&row.PayloadHash,
		&row.RevertTo,
		&row.RevertMsg,
		&row.TxType,
		&row.SignatureData,
		&row.USDValue,
		&row.WindowID,
		&row.CreatedAt,
	); err != nil {
		return gateway.Outcome{}, err
	}
	return row.outcome()
}

// pgLedger is the gateway.Ledger view of one open transaction.
type pgLedger struct {
	tx        pgx.Tx
	footprint gateway.Footprint
}

func (l *pgLedger) lockFootprint(ctx context.Context) error {
	fp := l.footprint
	if fp.Config {
		if _, err := l.tx.Exec(ctx, selectConfigSQL+" FOR UPDATE"); err != nil {
			return fmt.Errorf("lock gateway config: %w", err)
		}
	}
	if fp.Window {
		if _, err := l.tx.Exec(ctx, selectWindowSQL+" FOR UPDATE"); err != nil {
			return fmt.Errorf("lock global window: %w", err)
		}
	}
	if fp.Whitelist {
		if _, err := l.tx.Exec(ctx, lockKeySQL, gateway.WhitelistKey); err != nil {
			return fmt.Errorf("lock whitelist: %w", err)
		}
	}
	if len(fp.Assets) > 0 {
		cfg, err := l.Config(ctx)
		if err != nil {
			return err
		}
		for _, asset := range fp.Assets {
			if _, err := l.tx.Exec(ctx, ensureAssetLimitSQL, asset.Hex(), formatUint(cfg.DefaultEpochDuration)); err != nil {
				return fmt.Errorf("ensure asset limit %s: %w", asset.Hex(), err)
			}
			if _, err := l.tx.Exec(ctx, selectAssetLimitSQL+" FOR UPDATE", asset.Hex()); err != nil {
				return fmt.Errorf("lock asset limit %s: %w", asset.Hex(), err)
			}
		}
	}
	for _, h := range fp.Balances {
		if _, err := l.tx.Exec(ctx, lockKeySQL, gateway.BalanceKey(h.Account, h.Asset)); err != nil {
			return fmt.Errorf("lock balance %s/%s: %w", h.Account.Hex(), h.Asset.Hex(), err)
		}
	}
	return nil
}

func (l *pgLedger) require(key string) error {
	for _, held := range l.footprint.LockKeys() {
		if held == key {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideFootprint, key)
}

func (l *pgLedger) Config(ctx context.Context) (gateway.Config, error) {
	var (
		admin, pauser, feed                    string
		minCap, maxCap, confidence, age, epoch string
		paused, strict                         bool
	)
	err := l.tx.QueryRow(ctx, selectConfigSQL).Scan(
		&admin, &pauser, &minCap, &maxCap, &paused, &feed, &confidence, &age, &epoch, &strict,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Config{}, fmt.Errorf("load gateway config: %w", ErrNotConfigured)
	}
	if err != nil {
		return gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
	}

	cfg := gateway.Config{
		Admin:            common.HexToAddress(admin),
		Pauser:           common.HexToAddress(pauser),
		Paused:           paused,
		PriceFeedID:      feed,
		StrictGasPayload: strict,
	}
	for _, field := range []struct {
		dst *uint64
		src string
	}{
		{&cfg.MinCapUSD, minCap},
		{&cfg.MaxCapUSD, maxCap},
		{&cfg.ConfidenceThreshold, confidence},
		{&cfg.MaxPriceAge, age},
		{&cfg.DefaultEpochDuration, epoch},
	} {
		if *field.dst, err = parseUint(field.src); err != nil {
			return gateway.Config{}, fmt.Errorf("parse gateway config: %w", err)
		}
	}
	return cfg, nil
}

func (l *pgLedger) SaveConfig(ctx context.Context, cfg gateway.Config) error {
	if err := l.require(gateway.ConfigKey); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := l.tx.Exec(ctx, updateConfigSQL, configArgs(cfg)...); err != nil {
		return fmt.Errorf("save gateway config: %w", err)
	}
	return nil
}

func (l *pgLedger) GlobalWindow(ctx context.Context) (gateway.GlobalRateWindow, error) {
	var capUSD, windowID, consumed string
	if err := l.tx.QueryRow(ctx, selectWindowSQL).Scan(&capUSD, &windowID, &consumed); err != nil {
		return gateway.GlobalRateWindow{}, fmt.Errorf("load global window: %w", err)
	}
	var (
		w   gateway.GlobalRateWindow
		err error
	)
	if w.CapUSD, err = parseUint(capUSD); err != nil {
		return w, fmt.Errorf("parse window cap: %w", err)
	}
	if w.WindowID, err = parseUint(windowID); err != nil {
		return w, fmt.Errorf("parse window id: %w", err)
	}
	if w.ConsumedUSD, err = parseUint(consumed); err != nil {
		return w, fmt.Errorf("parse window consumption: %w", err)
	}
	return w, nil
}

func (l *pgLedger) SaveGlobalWindow(ctx context.Context, w gateway.GlobalRateWindow) error {
	if err := l.require(gateway.WindowKey); err != nil {
		return err
	}
	_, err := l.tx.Exec(ctx, updateWindowSQL, formatUint(w.CapUSD), formatUint(w.WindowID), formatUint(w.ConsumedUSD))
	if err != nil {
		return fmt.Errorf("save global window: %w", err)
	}
	return nil
}

func (l *pgLedger) AssetLimit(ctx context.Context, asset common.Address) (gateway.AssetRateLimit, error) {
	var fields [4]string
	err := l.tx.QueryRow(ctx, selectAssetLimitSQL, asset.Hex()).Scan(&fields[0], &fields[1], &fields[2], &fields[3])
	if errors.Is(err, pgx.ErrNoRows) {
		cfg, cfgErr := l.Config(ctx)
		if cfgErr != nil {
			return gateway.AssetRateLimit{}, cfgErr
		}
		return gateway.NewAssetRateLimit(asset, cfg.DefaultEpochDuration), nil
	}
	if err != nil {
		return gateway.AssetRateLimit{}, fmt.Errorf("load asset limit %s: %w", asset.Hex(), err)
	}
	return assetLimitFromFields(asset, fields)
}

func (l *pgLedger) SaveAssetLimit(ctx context.Context, limit gateway.AssetRateLimit) error {
	if err := l.require(gateway.AssetKey(limit.Asset)); err != nil {
		return err
	}
	_, err := l.tx.Exec(ctx, upsertAssetLimitSQL,
		limit.Asset.Hex(),
		formatUint(limit.LimitPerEpoch),
		formatUint(limit.EpochDuration),
		formatUint(limit.EpochID),
		formatUint(limit.UsedThisEpoch),
	)
	if err != nil {
		return fmt.Errorf("save asset limit %s: %w", limit.Asset.Hex(), err)
	}
	return nil
}

func (l *pgLedger) IsWhitelisted(ctx context.Context, asset common.Address) (bool, error) {
	var listed bool
	if err := l.tx.QueryRow(ctx, isWhitelistedSQL, asset.Hex()).Scan(&listed); err != nil {
		return false, fmt.Errorf("query whitelist: %w", err)
	}
	return listed, nil
}

func (l *pgLedger) SetWhitelisted(ctx context.Context, asset common.Address, listed bool) error {
	if err := l.require(gateway.WhitelistKey); err != nil {
		return err
	}
	query := removeWhitelistSQL
	if listed {
		query = addWhitelistSQL
	}
	if _, err := l.tx.Exec(ctx, query, asset.Hex()); err != nil {
		return fmt.Errorf("update whitelist: %w", err)
	}
	return nil
}

func (l *pgLedger) Balance(ctx context.Context, account, asset common.Address) (uint64, error) {
	var amount string
	err := l.tx.QueryRow(ctx, selectBalanceSQL, account.Hex(), asset.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return parseUint(amount)
}

func (l *pgLedger) Transfer(ctx context.Context, asset common.Address, amount uint64, from, to common.Address) error {
	if err := l.require(gateway.BalanceKey(from, asset)); err != nil {
		return err
	}
	if err := l.require(gateway.BalanceKey(to, asset)); err != nil {
		return err
	}

	tag, err := l.tx.Exec(ctx, debitBalanceSQL, from.Hex(), asset.Hex(), formatUint(amount))
	if err != nil {
		return fmt.Errorf("debit %s: %w", from.Hex(), err)
	}
	if tag.RowsAffected() == 0 && amount > 0 {
		return fmt.Errorf("%w: %s cannot cover %d of %s", gateway.ErrInsufficientBalance, from.Hex(), amount, asset.Hex())
	}
	return l.credit(ctx, to, asset, amount)
}

func (l *pgLedger) credit(ctx context.Context, account, asset common.Address, amount uint64) error {
	if err := l.require(gateway.BalanceKey(account, asset)); err != nil {
		return err
	}
	if _, err := l.tx.Exec(ctx, creditBalanceSQL, account.Hex(), asset.Hex(), formatUint(amount)); err != nil {
		return fmt.Errorf("credit %s: %w", account.Hex(), err)
	}
	return nil
}

func (l *pgLedger) Emit(ctx context.Context, outcome gateway.Outcome) error {
	row := newOutcomeRow(outcome)
	_, err := l.tx.Exec(ctx, insertOutcomeSQL,
		row.ID,
		row.Sender,
		row.Recipient,
		row.Asset,
		row.Amount,
		row.Payload,
		row.PayloadHash,
		row.RevertTo,
		row.RevertMsg,
		row.TxType,
		row.SignatureData,
		row.USDValue,
		row.WindowID,
		row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func configArgs(cfg gateway.Config) []any {
	return []any{
		cfg.Admin.Hex(),
		cfg.Pauser.Hex(),
		formatUint(cfg.MinCapUSD),
		formatUint(cfg.MaxCapUSD),
		cfg.Paused,
		cfg.PriceFeedID,
		formatUint(cfg.ConfidenceThreshold),
		formatUint(cfg.MaxPriceAge),
		formatUint(cfg.DefaultEpochDuration),
		cfg.StrictGasPayload,
	}
}

func assetLimitFromFields(asset common.Address, fields [4]string) (gateway.AssetRateLimit, error) {
	limit := gateway.AssetRateLimit{Asset: asset}
	var err error
	for i, dst := range []*uint64{&limit.LimitPerEpoch, &limit.EpochDuration, &limit.EpochID, &limit.UsedThisEpoch} {
		if *dst, err = parseUint(fields[i]); err != nil {
			return gateway.AssetRateLimit{}, fmt.Errorf("parse asset limit %s: %w", asset.Hex(), err)
		}
	}
	return limit, nil
}
