package trader

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/chain"
	"github.com/insider-mirror/pkg/db"
	"github.com/insider-mirror/pkg/oracle"
	"github.com/insider-mirror/pkg/policy"
)

// solDecimals is the base-unit scale of the SOL side of every route. The
// token side uses the mint decimals the decoder resolved onto the intent.
const solDecimals = 9

// Execution failure reasons, beyond the policy rejection codes.
const (
	reasonQuoteUnavailable   = "quote_unavailable"
	reasonBalanceUnavailable = "balance_unavailable"
	reasonSwapBuildFailed    = "swap_build_failed"
	reasonSigningFailed      = "signing_failed"
	reasonSubmitFailed       = "submit_failed"
	reasonNotConfirmed       = "not_confirmed"
)

// Store is what the replicator needs from the persistence layer.
type Store interface {
	LoadSettings() (*db.ReplicationSettings, error)
	InsertTrade(t db.ReplicatedTrade) (int64, error)
	FinalizeTrade(id int64, status string, amountOut decimal.Decimal, reason string) error
	AttachConfirmation(id int64, txSignature string) error
	RecomputePerformance(wallet string) (*db.WalletPerformance, error)
	CompletedTrades() ([]db.ReplicatedTrade, error)
}

// Chain is the subset of the chain client the replicator submits through.
type Chain interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	Submit(ctx context.Context, tx *solana.Transaction) (string, error)
	WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) error
}

// Oracle prices the token for the trade ledger.
type Oracle interface {
	Price(ctx context.Context, token string) (oracle.Quote, error)
}

// Replicator mirrors accepted intents into the user wallet. One attempt per
// intent: a failed execution is recorded and never retried, so the ledger
// stays an honest account of what actually happened.
type Replicator struct {
	store  Store
	chain  Chain
	dex    Dex
	oracle Oracle
	signer chain.Signer // nil runs in paper mode: fills recorded, nothing submitted

	userWallet     string
	confirmTimeout time.Duration
}

func NewReplicator(store Store, ch Chain, dex Dex, orc Oracle, signer chain.Signer, userWallet string) *Replicator {
	return &Replicator{
		store:          store,
		chain:          ch,
		dex:            dex,
		oracle:         orc,
		signer:         signer,
		userWallet:     userWallet,
		confirmTimeout: 2 * time.Minute,
	}
}

// Replicate evaluates one intent and, when accepted, executes the mirrored
// swap. Every path leaves exactly one trade row behind: rejected, completed
// or failed.
func (r *Replicator) Replicate(ctx context.Context, intent db.TradeIntent) {
	settings, err := r.store.LoadSettings()
	if err != nil {
		log.Error().Err(err).Msg("settings load failed, intent skipped")
		return
	}

	// Quote-independent gates first: a disabled configuration or a dust
	// intent never generates aggregator traffic.
	decision := policy.Screen(intent, *settings)
	if !decision.Accepted {
		log.Info().
			Str("token", intent.TokenAddress).
			Str("direction", intent.Direction).
			Str("reason", decision.Reason).
			Msg("intent rejected")
		r.record(intent, intent.Amount, decimal.Zero, decimal.Zero, db.TradeStatusRejected, decision.Reason)
		return
	}
	sized := decision.SizedAmount

	inputMint, outputMint := WrappedSOL, intent.TokenAddress
	inDecimals, outDecimals := solDecimals, intent.TokenDecimals
	if intent.Direction == "sell" {
		inputMint, outputMint = intent.TokenAddress, WrappedSOL
		inDecimals, outDecimals = intent.TokenDecimals, solDecimals
	}

	slippageBps := int(settings.SlippageTolerancePct.Mul(decimal.NewFromInt(100)).IntPart())
	quote, err := r.dex.Quote(ctx, inputMint, outputMint, toBaseUnits(sized, inDecimals), slippageBps)
	if err != nil {
		log.Warn().Err(err).Str("token", intent.TokenAddress).Msg("quote failed")
		r.record(intent, sized, decimal.Zero, decimal.Zero, db.TradeStatusFailed, reasonQuoteUnavailable)
		return
	}

	balance := decimal.Zero
	if intent.Direction == "buy" {
		balance, err = r.chain.Balance(ctx, r.userWallet)
		if err != nil {
			log.Warn().Err(err).Msg("balance check failed")
			r.record(intent, sized, quote.PriceImpactPct, decimal.Zero, db.TradeStatusFailed, reasonBalanceUnavailable)
			return
		}
	}

	price := decimal.Zero
	if q, err := r.oracle.Price(ctx, intent.TokenAddress); err == nil {
		price = q.PriceUSD
	}

	decision = policy.Evaluate(intent, *settings, balance, quote.PriceImpactPct)
	if !decision.Accepted {
		log.Info().
			Str("token", intent.TokenAddress).
			Str("direction", intent.Direction).
			Str("reason", decision.Reason).
			Msg("intent rejected")
		r.record(intent, sized, quote.PriceImpactPct, price, db.TradeStatusRejected, decision.Reason)
		return
	}

	id, err := r.store.InsertTrade(db.ReplicatedTrade{
		SourceSignature: intent.Signature,
		Direction:       intent.Direction,
		TokenAddress:    intent.TokenAddress,
		TokenDecimals:   intent.TokenDecimals,
		AmountIn:        decision.SizedAmount,
		AmountOut:       decimal.Zero,
		Price:           price,
		PriceImpact:     quote.PriceImpactPct,
		Status:          db.TradeStatusPending,
		ExecutedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("sig", intent.Signature).Msg("trade insert failed")
		return
	}

	filled := quote.OutAmount.Shift(-int32(outDecimals))

	if r.signer == nil {
		r.finalize(intent, id, db.TradeStatusCompleted, filled, "")
		log.Info().
			Str("token", intent.TokenAddress).
			Str("direction", intent.Direction).
			Str("amount_in", decision.SizedAmount.String()).
			Str("amount_out", filled.String()).
			Msg("paper fill recorded")
		return
	}

	tx, err := r.dex.BuildSwap(ctx, quote, r.signer.PublicKey())
	if err != nil {
		log.Error().Err(err).Msg("swap build failed")
		r.finalize(intent, id, db.TradeStatusFailed, decimal.Zero, reasonSwapBuildFailed)
		return
	}
	if err := r.signer.Sign(ctx, tx); err != nil {
		log.Error().Err(err).Msg("signing failed")
		r.finalize(intent, id, db.TradeStatusFailed, decimal.Zero, reasonSigningFailed)
		return
	}

	sig, err := r.chain.Submit(ctx, tx)
	if err != nil {
		log.Error().Err(err).Msg("submit failed")
		r.finalize(intent, id, db.TradeStatusFailed, decimal.Zero, reasonSubmitFailed)
		return
	}

	if err := r.chain.WaitForConfirmation(ctx, sig, r.confirmTimeout); err != nil {
		log.Error().Err(err).Str("tx", sig).Msg("confirmation failed")
		r.finalize(intent, id, db.TradeStatusFailed, decimal.Zero, reasonNotConfirmed)
		_ = r.store.AttachConfirmation(id, sig)
		return
	}

	r.finalize(intent, id, db.TradeStatusCompleted, filled, "")
	_ = r.store.AttachConfirmation(id, sig)
	log.Info().
		Str("token", intent.TokenAddress).
		Str("direction", intent.Direction).
		Str("amount_in", decision.SizedAmount.String()).
		Str("tx", sig).
		Msg("trade replicated")
}

func (r *Replicator) finalize(intent db.TradeIntent, id int64, status string, amountOut decimal.Decimal, reason string) {
	if err := r.store.FinalizeTrade(id, status, amountOut, reason); err != nil {
		log.Error().Err(err).Int64("trade", id).Msg("trade finalize failed")
	}
	if _, err := r.store.RecomputePerformance(intent.SourceWallet); err != nil {
		log.Warn().Err(err).Str("wallet", intent.SourceWallet).Msg("performance recompute failed")
	}
}

// record writes a terminal row for an intent that never reached the chain.
func (r *Replicator) record(intent db.TradeIntent, amountIn, impact, price decimal.Decimal, status, reason string) {
	_, err := r.store.InsertTrade(db.ReplicatedTrade{
		SourceSignature: intent.Signature,
		Direction:       intent.Direction,
		TokenAddress:    intent.TokenAddress,
		TokenDecimals:   intent.TokenDecimals,
		AmountIn:        amountIn,
		AmountOut:       decimal.Zero,
		Price:           price,
		PriceImpact:     impact,
		Status:          status,
		Reason:          reason,
		ExecutedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("sig", intent.Signature).Msg("trade insert failed")
		return
	}
	if _, err := r.store.RecomputePerformance(intent.SourceWallet); err != nil {
		log.Warn().Err(err).Str("wallet", intent.SourceWallet).Msg("performance recompute failed")
	}
}

// toBaseUnits converts a human-scale amount to the mint's integer base units.
func toBaseUnits(d decimal.Decimal, decimals int) uint64 {
	return uint64(d.Shift(int32(decimals)).IntPart())
}
