package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/db"
	"github.com/insider-mirror/pkg/oracle"
	"github.com/insider-mirror/pkg/policy"
)

// ── fakes ──

type memStore struct {
	mu       sync.Mutex
	settings db.ReplicationSettings
	trades   []db.ReplicatedTrade
	intents  []db.TradeIntent
	perf     []string
}

func newMemStore() *memStore {
	return &memStore{settings: db.ReplicationSettings{
		MaxTradeSize:         dec("5"),
		MinTradeSize:         dec("0.1"),
		StopLossPct:          dec("10"),
		TakeProfitPct:        dec("25"),
		SlippageTolerancePct: dec("1"),
		AutoTradingEnabled:   true,
	}}
}

func (m *memStore) LoadSettings() (*db.ReplicationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	return &s, nil
}

func (m *memStore) InsertTrade(t db.ReplicatedTrade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, t)
	return t.ID, nil
}

func (m *memStore) FinalizeTrade(id int64, status string, amountOut decimal.Decimal, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.trades {
		if m.trades[i].ID == id {
			if m.trades[i].Status != db.TradeStatusPending {
				return fmt.Errorf("trade %d is not pending", id)
			}
			m.trades[i].Status = status
			m.trades[i].AmountOut = amountOut
			m.trades[i].Reason = reason
			return nil
		}
	}
	return fmt.Errorf("trade %d not found", id)
}

func (m *memStore) AttachConfirmation(id int64, txSignature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.trades {
		if m.trades[i].ID == id {
			m.trades[i].TxSignature = txSignature
		}
	}
	return nil
}

func (m *memStore) RecomputePerformance(wallet string) (*db.WalletPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perf = append(m.perf, wallet)
	return &db.WalletPerformance{WalletAddress: wallet}, nil
}

func (m *memStore) CompletedTrades() ([]db.ReplicatedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.ReplicatedTrade
	for _, t := range m.trades {
		if t.Status == db.TradeStatusCompleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) InsertIntent(intent db.TradeIntent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	return true, nil
}

func (m *memStore) all() []db.ReplicatedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.ReplicatedTrade(nil), m.trades...)
}

type fakeDex struct {
	mu         sync.Mutex
	quote      *SwapQuote
	quoteErr   error
	quoteCalls int
	lastAmount uint64
}

func (f *fakeDex) Quote(_ context.Context, inputMint, outputMint string, amount uint64, _ int) (*SwapQuote, error) {
	f.mu.Lock()
	f.quoteCalls++
	f.lastAmount = amount
	f.mu.Unlock()
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	q := *f.quote
	q.InputMint, q.OutputMint = inputMint, outputMint
	q.InAmount = decimal.New(int64(amount), 0)
	return &q, nil
}

func (f *fakeDex) BuildSwap(_ context.Context, _ *SwapQuote, _ solana.PublicKey) (*solana.Transaction, error) {
	return nil, fmt.Errorf("no swap building in paper tests")
}

type fakeChain struct {
	mu      sync.Mutex
	balance decimal.Decimal
	submits int
}

func (f *fakeChain) Balance(context.Context, string) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeChain) Submit(context.Context, *solana.Transaction) (string, error) {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	return "txsig", nil
}

func (f *fakeChain) WaitForConfirmation(context.Context, string, time.Duration) error {
	return nil
}

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (f *fakeOracle) Price(_ context.Context, token string) (oracle.Quote, error) {
	return oracle.Quote{TokenAddress: token, PriceUSD: f.price}, f.err
}

func buyIntent(amount string) db.TradeIntent {
	return db.TradeIntent{
		SourceWallet:  "insider1",
		Signature:     "srcsig",
		TokenAddress:  "mint1",
		TokenDecimals: 9,
		Direction:     "buy",
		Amount:        dec(amount),
		ObservedAt:    time.Now(),
	}
}

// ── tests ──

func TestReplicatePaperFill(t *testing.T) {
	store := newMemStore()
	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.4")}}
	r := NewReplicator(store, ch, dex, &fakeOracle{price: dec("1.5")}, nil, "userwallet")

	r.Replicate(context.Background(), buyIntent("10"))

	trades := store.all()
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Status != db.TradeStatusCompleted {
		t.Fatalf("status got=%q want=completed (reason %q)", tr.Status, tr.Reason)
	}
	if !tr.AmountIn.Equal(dec("5")) {
		t.Fatalf("amount in got=%s want=5 (clamped)", tr.AmountIn)
	}
	if !tr.AmountOut.Equal(dec("4")) {
		t.Fatalf("amount out got=%s want=4", tr.AmountOut)
	}
	if !tr.Price.Equal(dec("1.5")) {
		t.Fatalf("price got=%s want=1.5", tr.Price)
	}
	if ch.submits != 0 {
		t.Fatalf("paper mode submitted %d transactions", ch.submits)
	}
	if len(store.perf) != 1 || store.perf[0] != "insider1" {
		t.Fatalf("performance recompute calls: %v", store.perf)
	}
}

func TestReplicateRejectionLeavesAuditRow(t *testing.T) {
	store := newMemStore()
	store.settings.AutoTradingEnabled = false
	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("1000000000"), PriceImpactPct: dec("0.1")}}
	r := NewReplicator(store, ch, dex, &fakeOracle{price: dec("1")}, nil, "userwallet")

	r.Replicate(context.Background(), buyIntent("1"))

	trades := store.all()
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].Status != db.TradeStatusRejected || trades[0].Reason != policy.ReasonAutoTradingDisabled {
		t.Fatalf("got status=%q reason=%q", trades[0].Status, trades[0].Reason)
	}
	if ch.submits != 0 {
		t.Fatal("rejected intent reached the chain")
	}
	if dex.quoteCalls != 0 {
		t.Fatalf("disabled auto-trading still requested %d quotes", dex.quoteCalls)
	}
}

func TestReplicateSlippageRejection(t *testing.T) {
	store := newMemStore()
	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("1000000000"), PriceImpactPct: dec("2")}}
	r := NewReplicator(store, ch, dex, &fakeOracle{price: dec("1")}, nil, "userwallet")

	r.Replicate(context.Background(), buyIntent("1"))

	trades := store.all()
	if len(trades) != 1 || trades[0].Reason != policy.ReasonSlippageExceeded {
		t.Fatalf("expected slippage rejection, got %+v", trades)
	}
}

func TestReplicateQuoteFailureRecordsFailed(t *testing.T) {
	store := newMemStore()
	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quoteErr: fmt.Errorf("aggregator down")}
	r := NewReplicator(store, ch, dex, &fakeOracle{price: dec("1")}, nil, "userwallet")

	r.Replicate(context.Background(), buyIntent("1"))

	trades := store.all()
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].Status != db.TradeStatusFailed || trades[0].Reason != reasonQuoteUnavailable {
		t.Fatalf("got status=%q reason=%q", trades[0].Status, trades[0].Reason)
	}
	if ch.submits != 0 {
		t.Fatal("failed quote still reached the chain")
	}
}

func TestSweepForcesStopLossExit(t *testing.T) {
	store := newMemStore()
	// Open position: 100 tokens of a 6-decimals mint bought at 100 USD average.
	store.trades = append(store.trades, db.ReplicatedTrade{
		ID: 1, TokenAddress: "mint1", TokenDecimals: 6, Direction: "buy", Status: db.TradeStatusCompleted,
		AmountIn: dec("5"), AmountOut: dec("100"), Price: dec("100"),
	})

	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.1")}}
	orc := &fakeOracle{price: dec("89")} // below the 10% stop at 90
	r := NewReplicator(store, ch, dex, orc, nil, "userwallet")
	s := NewSweeper(store, orc, r, "@every 30s")

	s.Sweep(context.Background())

	if len(store.intents) != 1 {
		t.Fatalf("got %d exit intents, want 1", len(store.intents))
	}
	exit := store.intents[0]
	if exit.Direction != "sell" || exit.TokenAddress != "mint1" || !exit.Amount.Equal(dec("100")) {
		t.Fatalf("exit intent wrong: %+v", exit)
	}
	if exit.TokenDecimals != 6 {
		t.Fatalf("exit decimals got=%d want=6", exit.TokenDecimals)
	}
	// 100 tokens at 6 decimals, not the SOL scale.
	if dex.lastAmount != 100_000_000 {
		t.Fatalf("quoted base units got=%d want=100000000", dex.lastAmount)
	}

	trades := store.all()
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[1].Direction != "sell" || trades[1].Status != db.TradeStatusCompleted {
		t.Fatalf("forced sell got status=%q reason=%q", trades[1].Status, trades[1].Reason)
	}
}

func TestSweepSkipsWhenAutoTradingDisabled(t *testing.T) {
	store := newMemStore()
	store.settings.AutoTradingEnabled = false
	store.trades = append(store.trades, db.ReplicatedTrade{
		ID: 1, TokenAddress: "mint1", TokenDecimals: 9, Direction: "buy", Status: db.TradeStatusCompleted,
		AmountIn: dec("5"), AmountOut: dec("100"), Price: dec("100"),
	})

	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.1")}}
	orc := &fakeOracle{price: dec("89")}
	r := NewReplicator(store, &fakeChain{balance: dec("100")}, dex, orc, nil, "userwallet")
	s := NewSweeper(store, orc, r, "@every 30s")

	for i := 0; i < 3; i++ {
		s.Sweep(context.Background())
	}

	if len(store.intents) != 0 {
		t.Fatalf("disabled auto-trading still forced exits: %+v", store.intents)
	}
	if len(store.all()) != 1 {
		t.Fatalf("disabled auto-trading grew the ledger: %d rows", len(store.all()))
	}
}

func TestSweepAuditsStuckExitOnce(t *testing.T) {
	store := newMemStore()
	// Dust position below the 0.1 minimum: the forced exit is rejected, the
	// position stays open, and repeated sweeps must not re-audit it.
	store.trades = append(store.trades, db.ReplicatedTrade{
		ID: 1, TokenAddress: "mint1", TokenDecimals: 9, Direction: "buy", Status: db.TradeStatusCompleted,
		AmountIn: dec("0.002"), AmountOut: dec("0.05"), Price: dec("100"),
	})

	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.1")}}
	orc := &fakeOracle{price: dec("89")}
	r := NewReplicator(store, &fakeChain{balance: dec("100")}, dex, orc, nil, "userwallet")
	s := NewSweeper(store, orc, r, "@every 30s")

	for i := 0; i < 3; i++ {
		s.Sweep(context.Background())
	}

	if len(store.intents) != 1 {
		t.Fatalf("got %d exit intents, want 1", len(store.intents))
	}
	trades := store.all()
	if len(trades) != 2 {
		t.Fatalf("got %d trade rows, want 2", len(trades))
	}
	if trades[1].Status != db.TradeStatusRejected || trades[1].Reason != policy.ReasonBelowMinimum {
		t.Fatalf("stuck exit got status=%q reason=%q", trades[1].Status, trades[1].Reason)
	}
}

func TestReplicateSellScalesByTokenDecimals(t *testing.T) {
	store := newMemStore()
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.1")}}
	r := NewReplicator(store, &fakeChain{balance: dec("100")}, dex, &fakeOracle{price: dec("1")}, nil, "userwallet")

	r.Replicate(context.Background(), db.TradeIntent{
		SourceWallet:  "insider1",
		Signature:     "sellsig",
		TokenAddress:  "mint6",
		TokenDecimals: 6,
		Direction:     "sell",
		Amount:        dec("0.123456"),
		ObservedAt:    time.Now(),
	})

	if dex.lastAmount != 123456 {
		t.Fatalf("quoted base units got=%d want=123456", dex.lastAmount)
	}
	trades := store.all()
	if len(trades) != 1 || trades[0].Status != db.TradeStatusCompleted {
		t.Fatalf("sell did not complete: %+v", trades)
	}
	// The SOL side of a sell fill is 9 decimals.
	if !trades[0].AmountOut.Equal(dec("4")) {
		t.Fatalf("amount out got=%s want=4", trades[0].AmountOut)
	}
}

func TestSweepHoldsInsideBand(t *testing.T) {
	store := newMemStore()
	store.trades = append(store.trades, db.ReplicatedTrade{
		ID: 1, TokenAddress: "mint1", Direction: "buy", Status: db.TradeStatusCompleted,
		AmountIn: dec("5"), AmountOut: dec("100"), Price: dec("100"),
	})

	ch := &fakeChain{balance: dec("100")}
	dex := &fakeDex{quote: &SwapQuote{OutAmount: dec("4000000000"), PriceImpactPct: dec("0.1")}}
	orc := &fakeOracle{price: dec("91")} // inside the 90..125 band
	r := NewReplicator(store, ch, dex, orc, nil, "userwallet")
	s := NewSweeper(store, orc, r, "@every 30s")

	s.Sweep(context.Background())

	if len(store.intents) != 0 {
		t.Fatalf("price inside the band forced an exit: %+v", store.intents)
	}
	if len(store.all()) != 1 {
		t.Fatal("unexpected trade rows after hold sweep")
	}
}
