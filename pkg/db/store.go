package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Decimal columns are stored as TEXT so amounts round-trip exactly.
const schema = `
CREATE TABLE IF NOT EXISTS watched_wallets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address TEXT NOT NULL,
    label TEXT,
    type TEXT NOT NULL DEFAULT 'insider',
    is_active BOOLEAN DEFAULT TRUE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(address)
);

CREATE TABLE IF NOT EXISTS trade_intents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_wallet TEXT NOT NULL,
    signature TEXT NOT NULL,
    instruction_index INTEGER NOT NULL DEFAULT 0,
    from_token TEXT NOT NULL,
    to_token TEXT NOT NULL,
    token_address TEXT NOT NULL,
    token_decimals INTEGER NOT NULL DEFAULT 9,
    direction TEXT NOT NULL,
    amount TEXT NOT NULL,
    observed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(signature, instruction_index)
);

CREATE TABLE IF NOT EXISTS replicated_trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_signature TEXT NOT NULL,
    direction TEXT NOT NULL,
    token_address TEXT NOT NULL,
    token_decimals INTEGER NOT NULL DEFAULT 9,
    amount_in TEXT NOT NULL DEFAULT '0',
    amount_out TEXT NOT NULL DEFAULT '0',
    price TEXT NOT NULL DEFAULT '0',
    price_impact TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    reason TEXT DEFAULT '',
    tx_signature TEXT DEFAULT '',
    executed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallet_performance (
    wallet_address TEXT PRIMARY KEY,
    total_trades INTEGER DEFAULT 0,
    successful_trades INTEGER DEFAULT 0,
    success_rate REAL DEFAULT 0,
    last_trade_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS replication_settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    max_trade_size TEXT NOT NULL,
    min_trade_size TEXT NOT NULL,
    stop_loss_pct TEXT NOT NULL,
    take_profit_pct TEXT NOT NULL,
    slippage_tolerance_pct TEXT NOT NULL,
    auto_trading_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    enabled_tokens TEXT NOT NULL DEFAULT '[]',
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_intent_wallet ON trade_intents(source_wallet);
CREATE INDEX IF NOT EXISTS idx_intent_sig ON trade_intents(signature);
CREATE INDEX IF NOT EXISTS idx_trade_token ON replicated_trades(token_address);
CREATE INDEX IF NOT EXISTS idx_trade_status ON replicated_trades(status);
CREATE INDEX IF NOT EXISTS idx_trade_source ON replicated_trades(source_signature);
`

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Watched Wallets ----

func (s *Store) UpsertWallet(address, label, typ string, isActive bool) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO watched_wallets (address, label, type, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			label = excluded.label,
			type = excluded.type,
			is_active = excluded.is_active`,
		address, label, typ, isActive)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) SetWalletActive(address string, active bool) error {
	_, err := s.db.Exec("UPDATE watched_wallets SET is_active=? WHERE address=?", active, address)
	return err
}

func (s *Store) ActiveWallets() ([]WatchedWallet, error) {
	rows, err := s.db.Query(`
		SELECT id, address, COALESCE(label,''), type, is_active, created_at
		FROM watched_wallets WHERE is_active=TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []WatchedWallet
	for rows.Next() {
		var w WatchedWallet
		if err := rows.Scan(&w.ID, &w.Address, &w.Label, &w.Type, &w.IsActive, &w.CreatedAt); err != nil {
			continue
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// ---- Trade Intents ----

// InsertIntent records a decoded intent. Re-delivery of the same signature is
// absorbed by the UNIQUE constraint; the caller learns nothing was inserted
// via the returned bool.
func (s *Store) InsertIntent(intent TradeIntent) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO trade_intents
		(source_wallet, signature, instruction_index, from_token, to_token, token_address, token_decimals, direction, amount, observed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		intent.SourceWallet, intent.Signature, intent.InstructionIndex,
		intent.FromToken, intent.ToToken, intent.TokenAddress, intent.TokenDecimals,
		intent.Direction, intent.Amount.String(), intent.ObservedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) HasIntent(signature string) (bool, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM trade_intents WHERE signature=?", signature).Scan(&n)
	return n > 0, err
}

func (s *Store) IntentsForWallet(wallet string, limit int) ([]TradeIntent, error) {
	rows, err := s.db.Query(`
		SELECT id, source_wallet, signature, instruction_index, from_token, to_token,
		       token_address, token_decimals, direction, amount, observed_at
		FROM trade_intents WHERE source_wallet=? ORDER BY observed_at DESC LIMIT ?`,
		wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []TradeIntent
	for rows.Next() {
		var in TradeIntent
		var amount string
		if err := rows.Scan(&in.ID, &in.SourceWallet, &in.Signature, &in.InstructionIndex,
			&in.FromToken, &in.ToToken, &in.TokenAddress, &in.TokenDecimals, &in.Direction, &amount, &in.ObservedAt); err != nil {
			continue
		}
		in.Amount, _ = decimal.NewFromString(amount)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// ---- Replicated Trades ----

func (s *Store) InsertTrade(t ReplicatedTrade) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO replicated_trades
		(source_signature, direction, token_address, token_decimals, amount_in, amount_out, price, price_impact, status, reason, tx_signature, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.SourceSignature, t.Direction, t.TokenAddress, t.TokenDecimals,
		t.AmountIn.String(), t.AmountOut.String(), t.Price.String(), t.PriceImpact.String(),
		t.Status, t.Reason, t.TxSignature, t.ExecutedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinalizeTrade moves a pending trade to its terminal status, exactly once.
func (s *Store) FinalizeTrade(id int64, status string, amountOut decimal.Decimal, reason string) error {
	if status != TradeStatusCompleted && status != TradeStatusFailed {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.Exec(`
		UPDATE replicated_trades SET status=?, amount_out=?, reason=?
		WHERE id=? AND status=?`,
		status, amountOut.String(), reason, id, TradeStatusPending)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("trade %d is not pending", id)
	}
	return nil
}

// AttachConfirmation is the only permitted mutation of a terminal trade row.
func (s *Store) AttachConfirmation(id int64, txSignature string) error {
	_, err := s.db.Exec(`
		UPDATE replicated_trades SET tx_signature=?
		WHERE id=? AND status IN (?, ?)`,
		txSignature, id, TradeStatusCompleted, TradeStatusFailed)
	return err
}

func (s *Store) CompletedTrades() ([]ReplicatedTrade, error) {
	return s.tradesWhere("status=?", TradeStatusCompleted)
}

func (s *Store) TradesForToken(token string) ([]ReplicatedTrade, error) {
	return s.tradesWhere("token_address=?", token)
}

func (s *Store) tradesWhere(cond string, args ...interface{}) ([]ReplicatedTrade, error) {
	rows, err := s.db.Query(`
		SELECT id, source_signature, direction, token_address, token_decimals, amount_in, amount_out,
		       price, price_impact, status, COALESCE(reason,''), COALESCE(tx_signature,''), executed_at
		FROM replicated_trades WHERE `+cond+` ORDER BY executed_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []ReplicatedTrade
	for rows.Next() {
		var t ReplicatedTrade
		var amountIn, amountOut, price, impact string
		if err := rows.Scan(&t.ID, &t.SourceSignature, &t.Direction, &t.TokenAddress, &t.TokenDecimals,
			&amountIn, &amountOut, &price, &impact, &t.Status, &t.Reason, &t.TxSignature, &t.ExecutedAt); err != nil {
			continue
		}
		t.AmountIn, _ = decimal.NewFromString(amountIn)
		t.AmountOut, _ = decimal.NewFromString(amountOut)
		t.Price, _ = decimal.NewFromString(price)
		t.PriceImpact, _ = decimal.NewFromString(impact)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---- Wallet Performance ----

// RecomputePerformance rebuilds the aggregate row for one watched wallet from
// the intent and trade ledgers. Running it twice against an unchanged ledger
// yields the same row.
func (s *Store) RecomputePerformance(wallet string) (*WalletPerformance, error) {
	perf := &WalletPerformance{WalletAddress: wallet}

	err := s.db.QueryRow(
		"SELECT COUNT(*), MAX(observed_at) FROM trade_intents WHERE source_wallet=?",
		wallet).Scan(&perf.TotalTrades, &nullTime{&perf.LastTradeAt})
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM replicated_trades rt
		JOIN trade_intents ti ON rt.source_signature = ti.signature
		WHERE ti.source_wallet=? AND rt.status=?`,
		wallet, TradeStatusCompleted).Scan(&perf.SuccessfulTrades)
	if err != nil {
		return nil, err
	}

	if perf.TotalTrades > 0 {
		perf.SuccessRate = float64(perf.SuccessfulTrades) / float64(perf.TotalTrades)
	}

	_, err = s.db.Exec(`
		INSERT INTO wallet_performance (wallet_address, total_trades, successful_trades, success_rate, last_trade_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			total_trades = excluded.total_trades,
			successful_trades = excluded.successful_trades,
			success_rate = excluded.success_rate,
			last_trade_at = excluded.last_trade_at`,
		wallet, perf.TotalTrades, perf.SuccessfulTrades, perf.SuccessRate, perf.LastTradeAt)
	return perf, err
}

func (s *Store) GetPerformance(wallet string) (*WalletPerformance, error) {
	var p WalletPerformance
	err := s.db.QueryRow(`
		SELECT wallet_address, total_trades, successful_trades, success_rate, last_trade_at
		FROM wallet_performance WHERE wallet_address=?`, wallet).
		Scan(&p.WalletAddress, &p.TotalTrades, &p.SuccessfulTrades, &p.SuccessRate, &nullTime{&p.LastTradeAt})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ---- Replication Settings ----

func (s *Store) SaveSettings(cfg ReplicationSettings) error {
	tokens, _ := json.Marshal(cfg.EnabledTokens)
	_, err := s.db.Exec(`
		INSERT INTO replication_settings
		(id, max_trade_size, min_trade_size, stop_loss_pct, take_profit_pct, slippage_tolerance_pct, auto_trading_enabled, enabled_tokens, updated_at)
		VALUES (1,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			max_trade_size = excluded.max_trade_size,
			min_trade_size = excluded.min_trade_size,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			slippage_tolerance_pct = excluded.slippage_tolerance_pct,
			auto_trading_enabled = excluded.auto_trading_enabled,
			enabled_tokens = excluded.enabled_tokens,
			updated_at = CURRENT_TIMESTAMP`,
		cfg.MaxTradeSize.String(), cfg.MinTradeSize.String(),
		cfg.StopLossPct.String(), cfg.TakeProfitPct.String(), cfg.SlippageTolerancePct.String(),
		cfg.AutoTradingEnabled, string(tokens))
	return err
}

func (s *Store) LoadSettings() (*ReplicationSettings, error) {
	var cfg ReplicationSettings
	var maxSize, minSize, sl, tp, slip, tokens string
	err := s.db.QueryRow(`
		SELECT max_trade_size, min_trade_size, stop_loss_pct, take_profit_pct,
		       slippage_tolerance_pct, auto_trading_enabled, enabled_tokens, updated_at
		FROM replication_settings WHERE id=1`).
		Scan(&maxSize, &minSize, &sl, &tp, &slip, &cfg.AutoTradingEnabled, &tokens, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.MaxTradeSize, _ = decimal.NewFromString(maxSize)
	cfg.MinTradeSize, _ = decimal.NewFromString(minSize)
	cfg.StopLossPct, _ = decimal.NewFromString(sl)
	cfg.TakeProfitPct, _ = decimal.NewFromString(tp)
	cfg.SlippageTolerancePct, _ = decimal.NewFromString(slip)
	if err := json.Unmarshal([]byte(tokens), &cfg.EnabledTokens); err != nil {
		cfg.EnabledTokens = nil
	}
	return &cfg, nil
}

// ---- Stats ----

func (s *Store) GetStats() (map[string]int64, error) {
	stats := map[string]int64{}
	tables := []string{"watched_wallets", "trade_intents", "replicated_trades"}

	for _, t := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err == nil {
			stats[t] = count
		}
	}

	var completed int64
	s.db.QueryRow("SELECT COUNT(*) FROM replicated_trades WHERE status=?", TradeStatusCompleted).Scan(&completed)
	stats["completed_trades"] = completed

	return stats, nil
}

// nullTime scans a nullable timestamp into a *time.Time field.
type nullTime struct {
	dst **time.Time
}

func (n *nullTime) Scan(v interface{}) error {
	var nt sql.NullTime
	if err := nt.Scan(v); err != nil {
		*n.dst = nil
		return nil
	}
	if nt.Valid {
		t := nt.Time
		*n.dst = &t
	} else {
		*n.dst = nil
	}
	return nil
}
