package policy

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/db"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSettings() db.ReplicationSettings {
	return db.ReplicationSettings{
		MaxTradeSize:         dec("5"),
		MinTradeSize:         dec("0.1"),
		StopLossPct:          dec("10"),
		TakeProfitPct:        dec("25"),
		SlippageTolerancePct: dec("1"),
		AutoTradingEnabled:   true,
	}
}

func intent(amount string) db.TradeIntent {
	return db.TradeIntent{
		TokenAddress: "TokenMint111",
		Direction:    "buy",
		Amount:       dec(amount),
	}
}

func TestSizeClampsToMax(t *testing.T) {
	s := testSettings()
	if got := Size(dec("10"), s); !got.Equal(dec("5")) {
		t.Fatalf("Size(10) got=%s want=5", got)
	}
	if got := Size(dec("2"), s); !got.Equal(dec("2")) {
		t.Fatalf("Size(2) got=%s want=2", got)
	}
}

func TestEvaluateAccepts(t *testing.T) {
	d := Evaluate(intent("10"), testSettings(), dec("100"), dec("0.5"))
	if !d.Accepted {
		t.Fatalf("expected accept, got reason %q", d.Reason)
	}
	if !d.SizedAmount.Equal(dec("5")) {
		t.Fatalf("sized got=%s want=5", d.SizedAmount)
	}
}

func TestEvaluateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*db.ReplicationSettings, *db.TradeIntent)
		balance string
		impact  string
		want    string
	}{
		{"auto trading off", func(s *db.ReplicationSettings, _ *db.TradeIntent) { s.AutoTradingEnabled = false }, "100", "0", ReasonAutoTradingDisabled},
		{"token not enabled", func(s *db.ReplicationSettings, _ *db.TradeIntent) { s.EnabledTokens = []string{"OtherMint"} }, "100", "0", ReasonTokenDisabled},
		{"zero amount", func(_ *db.ReplicationSettings, i *db.TradeIntent) { i.Amount = decimal.Zero }, "100", "0", ReasonZeroAmount},
		{"dust amount", func(_ *db.ReplicationSettings, i *db.TradeIntent) { i.Amount = dec("0.01") }, "100", "0", ReasonBelowMinimum},
		{"balance too low", nil, "1", "0", ReasonInsufficientBalance},
		{"impact above tolerance", nil, "100", "2", ReasonSlippageExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings()
			i := intent("10")
			if tc.mutate != nil {
				tc.mutate(&s, &i)
			}
			d := Evaluate(i, s, dec(tc.balance), dec(tc.impact))
			if d.Accepted {
				t.Fatalf("expected rejection %q, got accept", tc.want)
			}
			if d.Reason != tc.want {
				t.Fatalf("reason got=%q want=%q", d.Reason, tc.want)
			}
		})
	}
}

func TestScreenRunsQuoteFreeGatesOnly(t *testing.T) {
	s := testSettings()
	s.AutoTradingEnabled = false
	if d := Screen(intent("1"), s); d.Accepted || d.Reason != ReasonAutoTradingDisabled {
		t.Fatalf("got accepted=%v reason=%q", d.Accepted, d.Reason)
	}

	// Balance and slippage are not Screen's concern: a screened buy is
	// accepted and sized even when the wallet could never afford it.
	d := Screen(intent("10"), testSettings())
	if !d.Accepted {
		t.Fatalf("expected accept, got reason %q", d.Reason)
	}
	if !d.SizedAmount.Equal(dec("5")) {
		t.Fatalf("sized got=%s want=5", d.SizedAmount)
	}
}

func TestEvaluateSellIgnoresBalance(t *testing.T) {
	i := intent("2")
	i.Direction = "sell"
	d := Evaluate(i, testSettings(), decimal.Zero, dec("0.2"))
	if !d.Accepted {
		t.Fatalf("sell should not require quote balance, got reason %q", d.Reason)
	}
}

func TestEvaluateAllowlistMatch(t *testing.T) {
	s := testSettings()
	s.EnabledTokens = []string{"TokenMint111"}
	d := Evaluate(intent("1"), s, dec("100"), decimal.Zero)
	if !d.Accepted {
		t.Fatalf("allowlisted token rejected: %q", d.Reason)
	}
}

func TestStopLossThreshold(t *testing.T) {
	entry := dec("100")
	sl := dec("10") // threshold at 90
	if !StopLossHit(entry, dec("89"), sl) {
		t.Fatal("price 89 should trigger stop-loss")
	}
	if !StopLossHit(entry, dec("90"), sl) {
		t.Fatal("price 90 at the threshold should trigger stop-loss")
	}
	if StopLossHit(entry, dec("91"), sl) {
		t.Fatal("price 91 should not trigger stop-loss")
	}
	if StopLossHit(decimal.Zero, dec("89"), sl) {
		t.Fatal("zero entry must never trigger")
	}
}

func TestTakeProfitThreshold(t *testing.T) {
	entry := dec("100")
	tp := dec("25") // threshold at 125
	if !TakeProfitHit(entry, dec("126"), tp) {
		t.Fatal("price 126 should trigger take-profit")
	}
	if !TakeProfitHit(entry, dec("125"), tp) {
		t.Fatal("price 125 at the threshold should trigger take-profit")
	}
	if TakeProfitHit(entry, dec("124"), tp) {
		t.Fatal("price 124 should not trigger take-profit")
	}
}
