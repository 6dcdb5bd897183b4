package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---- Core Models ----

type WatchedWallet struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	Type      string    `json:"type"` // "insider","whale"
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// TradeIntent is the normalized description of a detected swap, before any
// replication decision. Immutable once recorded; (Signature, InstructionIndex)
// is the natural key used for dedup.
type TradeIntent struct {
	ID               int64           `json:"id"`
	SourceWallet     string          `json:"source_wallet"`
	Signature        string          `json:"signature"`
	InstructionIndex int             `json:"instruction_index"`
	FromToken        string          `json:"from_token"`
	ToToken          string          `json:"to_token"`
	TokenAddress     string          `json:"token_address"` // the non-quote side
	TokenDecimals    int             `json:"token_decimals"`
	Direction        string          `json:"direction"` // "buy","sell"
	Amount           decimal.Decimal `json:"amount"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// Key identifies an intent for dedup purposes.
func (t TradeIntent) Key() string {
	return t.Signature
}

const (
	TradeStatusPending   = "pending"
	TradeStatusCompleted = "completed"
	TradeStatusFailed    = "failed"
	TradeStatusRejected  = "rejected"
)

// ReplicatedTrade is one mirrored execution attempt. Terminal rows
// (completed/failed) are never mutated afterwards, except to attach the
// settlement confirmation signature.
type ReplicatedTrade struct {
	ID              int64           `json:"id"`
	SourceSignature string          `json:"source_signature"`
	Direction       string          `json:"direction"` // "buy","sell"
	TokenAddress    string          `json:"token_address"`
	TokenDecimals   int             `json:"token_decimals"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	AmountOut       decimal.Decimal `json:"amount_out"`
	Price           decimal.Decimal `json:"price"` // oracle price at execution
	PriceImpact     decimal.Decimal `json:"price_impact"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason"` // reject/failure reason code
	TxSignature     string          `json:"tx_signature"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// Position is a projection over completed trades for one token. The trade
// ledger is authoritative; positions are recomputed, never stored.
type Position struct {
	TokenAddress  string          `json:"token_address"`
	TokenDecimals int             `json:"token_decimals"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"` // average cost in quote units
	CurrentPrice  decimal.Decimal `json:"current_price"`
}

// WalletPerformance is recomputed from the ledger; it is never independently
// mutable.
type WalletPerformance struct {
	WalletAddress    string     `json:"wallet_address"`
	TotalTrades      int64      `json:"total_trades"`
	SuccessfulTrades int64      `json:"successful_trades"`
	SuccessRate      float64    `json:"success_rate"`
	LastTradeAt      *time.Time `json:"last_trade_at"`
}

// ReplicationSettings is the single-row user configuration read by the policy
// layer and the position sweep.
type ReplicationSettings struct {
	MaxTradeSize         decimal.Decimal `json:"max_trade_size"`
	MinTradeSize         decimal.Decimal `json:"min_trade_size"`
	StopLossPct          decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct        decimal.Decimal `json:"take_profit_pct"`
	SlippageTolerancePct decimal.Decimal `json:"slippage_tolerance_pct"`
	AutoTradingEnabled   bool            `json:"auto_trading_enabled"`
	EnabledTokens        []string        `json:"enabled_tokens"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
