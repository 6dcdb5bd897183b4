package policy

import (
	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/db"
)

// Rejection reason codes, persisted verbatim on the trade row.
const (
	ReasonAutoTradingDisabled = "auto_trading_disabled"
	ReasonTokenDisabled       = "token_disabled"
	ReasonZeroAmount          = "zero_amount"
	ReasonBelowMinimum        = "below_minimum"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonSlippageExceeded    = "slippage_exceeded"
)

// Decision is the outcome of evaluating one intent against the user's
// settings. A rejected decision carries the first failing reason; checks run
// in a fixed order so rejections are deterministic.
type Decision struct {
	Accepted    bool
	Reason      string
	SizedAmount decimal.Decimal
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

// Size caps the observed amount at the configured maximum. Amounts below the
// minimum are not raised; they are rejected by Evaluate instead, since
// mirroring a dust trade at the minimum would overstate the insider's
// conviction.
func Size(amount decimal.Decimal, s db.ReplicationSettings) decimal.Decimal {
	if amount.GreaterThan(s.MaxTradeSize) {
		return s.MaxTradeSize
	}
	return amount
}

// Screen runs the gates that need nothing beyond the intent and the settings:
// auto-trading switch, token allowlist, zero amount, minimum size. Callers run
// it before fetching quotes or balances, so a disabled configuration never
// generates external traffic.
func Screen(intent db.TradeIntent, s db.ReplicationSettings) Decision {
	if !s.AutoTradingEnabled {
		return reject(ReasonAutoTradingDisabled)
	}
	if !tokenEnabled(intent.TokenAddress, s.EnabledTokens) {
		return reject(ReasonTokenDisabled)
	}
	if !intent.Amount.IsPositive() {
		return reject(ReasonZeroAmount)
	}
	if intent.Amount.LessThan(s.MinTradeSize) {
		return reject(ReasonBelowMinimum)
	}

	// The size cap is denominated in SOL, so it binds the buy side only; a
	// sell exits whatever token amount the intent carries.
	sized := intent.Amount
	if intent.Direction == "buy" {
		sized = Size(intent.Amount, s)
	}
	return Decision{Accepted: true, SizedAmount: sized}
}

// Evaluate runs the full gate sequence for one intent. balance is the user
// wallet's spendable quote balance; priceImpact is the quoted impact
// percentage for the sized amount.
func Evaluate(intent db.TradeIntent, s db.ReplicationSettings, balance, priceImpact decimal.Decimal) Decision {
	d := Screen(intent, s)
	if !d.Accepted {
		return d
	}
	if intent.Direction == "buy" && d.SizedAmount.GreaterThan(balance) {
		return reject(ReasonInsufficientBalance)
	}
	if priceImpact.GreaterThan(s.SlippageTolerancePct) {
		return reject(ReasonSlippageExceeded)
	}
	return d
}

// tokenEnabled treats an empty allowlist as "all tokens enabled".
func tokenEnabled(token string, enabled []string) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, t := range enabled {
		if t == token {
			return true
		}
	}
	return false
}

// StopLossHit reports whether price has fallen to or through the stop-loss
// threshold below entry.
func StopLossHit(entry, current, stopLossPct decimal.Decimal) bool {
	if !entry.IsPositive() || !stopLossPct.IsPositive() {
		return false
	}
	threshold := entry.Mul(decimal.NewFromInt(100).Sub(stopLossPct)).Div(decimal.NewFromInt(100))
	return current.LessThanOrEqual(threshold)
}

// TakeProfitHit reports whether price has risen to or through the take-profit
// threshold above entry.
func TakeProfitHit(entry, current, takeProfitPct decimal.Decimal) bool {
	if !entry.IsPositive() || !takeProfitPct.IsPositive() {
		return false
	}
	threshold := entry.Mul(decimal.NewFromInt(100).Add(takeProfitPct)).Div(decimal.NewFromInt(100))
	return current.GreaterThanOrEqual(threshold)
}
