package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/db"
	"github.com/insider-mirror/pkg/policy"
)

// sweepWallet labels forced exits in the intent ledger so they are not
// attributed to any watched wallet.
const sweepWallet = "risk-sweep"

// BuildPositions folds the completed trade ledger into per-token positions.
// The ledger is authoritative; positions are recomputed on every call, never
// stored. Entry price is the volume-weighted average of the buy fills' oracle
// prices.
func BuildPositions(trades []db.ReplicatedTrade) []db.Position {
	type acc struct {
		net      decimal.Decimal
		cost     decimal.Decimal // Σ price × amount over buys
		bought   decimal.Decimal
		decimals int
	}
	byToken := make(map[string]*acc)
	var order []string

	for _, t := range trades {
		if t.Status != db.TradeStatusCompleted {
			continue
		}
		a, ok := byToken[t.TokenAddress]
		if !ok {
			a = &acc{net: decimal.Zero, cost: decimal.Zero, bought: decimal.Zero, decimals: t.TokenDecimals}
			byToken[t.TokenAddress] = a
			order = append(order, t.TokenAddress)
		}
		switch t.Direction {
		case "buy":
			a.net = a.net.Add(t.AmountOut)
			a.cost = a.cost.Add(t.Price.Mul(t.AmountOut))
			a.bought = a.bought.Add(t.AmountOut)
		case "sell":
			a.net = a.net.Sub(t.AmountIn)
		}
	}

	var positions []db.Position
	for _, token := range order {
		a := byToken[token]
		if !a.net.IsPositive() {
			continue
		}
		entry := decimal.Zero
		if a.bought.IsPositive() {
			entry = a.cost.Div(a.bought)
		}
		positions = append(positions, db.Position{
			TokenAddress:  token,
			TokenDecimals: a.decimals,
			NetAmount:     a.net,
			EntryPrice:    entry,
		})
	}
	return positions
}

// SweepStore adds intent recording to the replicator's store surface, so a
// forced exit leaves the same intent/trade pair an observed swap would.
type SweepStore interface {
	Store
	InsertIntent(intent db.TradeIntent) (bool, error)
}

// Sweeper periodically re-prices open positions and forces an exit through
// the normal replication path when stop-loss or take-profit crosses. A
// position whose exit was already attempted stays on the books but is not
// re-audited every pass; the attempt marker clears when the position closes
// or the price moves back inside the band.
type Sweeper struct {
	store      SweepStore
	oracle     Oracle
	replicator *Replicator
	schedule   string
	cron       *cron.Cron
	attempted  map[string]bool
}

func NewSweeper(store SweepStore, orc Oracle, repl *Replicator, schedule string) *Sweeper {
	return &Sweeper{
		store:      store,
		oracle:     orc,
		replicator: repl,
		schedule:   schedule,
		cron:       cron.New(),
		attempted:  make(map[string]bool),
	}
}

// Start schedules the sweep. The schedule uses cron syntax, e.g. "@every 30s".
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("position sweep started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass over all open positions.
func (s *Sweeper) Sweep(ctx context.Context) {
	settings, err := s.store.LoadSettings()
	if err != nil {
		log.Error().Err(err).Msg("settings load failed, sweep skipped")
		return
	}
	if !settings.AutoTradingEnabled {
		return
	}
	trades, err := s.store.CompletedTrades()
	if err != nil {
		log.Error().Err(err).Msg("trade ledger read failed, sweep skipped")
		return
	}

	positions := BuildPositions(trades)
	open := make(map[string]bool, len(positions))

	for _, pos := range positions {
		open[pos.TokenAddress] = true

		quote, err := s.oracle.Price(ctx, pos.TokenAddress)
		if err != nil {
			log.Warn().Err(err).Str("token", pos.TokenAddress).Msg("sweep price unavailable")
			continue
		}

		var trigger string
		switch {
		case policy.StopLossHit(pos.EntryPrice, quote.PriceUSD, settings.StopLossPct):
			trigger = "stop_loss"
		case policy.TakeProfitHit(pos.EntryPrice, quote.PriceUSD, settings.TakeProfitPct):
			trigger = "take_profit"
		default:
			delete(s.attempted, pos.TokenAddress)
			continue
		}

		if s.attempted[pos.TokenAddress] {
			continue
		}
		s.attempted[pos.TokenAddress] = true

		log.Info().
			Str("token", pos.TokenAddress).
			Str("trigger", trigger).
			Str("entry", pos.EntryPrice.String()).
			Str("price", quote.PriceUSD.String()).
			Msg("forced exit triggered")
		s.forceExit(ctx, pos, trigger)
	}

	// Closed positions free their attempt markers.
	for token := range s.attempted {
		if !open[token] {
			delete(s.attempted, token)
		}
	}
}

// forceExit sells the whole position through the replication path, so the
// exit obeys the same sizing and slippage gates as any other trade.
func (s *Sweeper) forceExit(ctx context.Context, pos db.Position, trigger string) {
	intent := db.TradeIntent{
		SourceWallet:  sweepWallet,
		Signature:     fmt.Sprintf("%s-%s-%d", trigger, pos.TokenAddress, time.Now().UnixNano()),
		FromToken:     pos.TokenAddress,
		ToToken:       WrappedSOL,
		TokenAddress:  pos.TokenAddress,
		TokenDecimals: pos.TokenDecimals,
		Direction:     "sell",
		Amount:        pos.NetAmount,
		ObservedAt:    time.Now().UTC(),
	}

	inserted, err := s.store.InsertIntent(intent)
	if err != nil {
		log.Error().Err(err).Str("token", pos.TokenAddress).Msg("exit intent insert failed")
		return
	}
	if !inserted {
		return
	}
	s.replicator.Replicate(ctx, intent)
}
