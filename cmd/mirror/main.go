package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insider-mirror/pkg/chain"
	"github.com/insider-mirror/pkg/config"
	"github.com/insider-mirror/pkg/dashboard"
	"github.com/insider-mirror/pkg/db"
	"github.com/insider-mirror/pkg/decoder"
	"github.com/insider-mirror/pkg/monitor"
	"github.com/insider-mirror/pkg/oracle"
	"github.com/insider-mirror/pkg/trader"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	log.Info().Msg("👁 Insider Mirror starting...")

	cfg, err := config.Load()
	if err != nil { log.Fatal().Err(err).Msg("config load failed") }
	if err := cfg.Validate(); err != nil { log.Fatal().Err(err).Msg("config invalid") }

	store, err := db.NewStore(cfg.DBPath)
	if err != nil { log.Fatal().Err(err).Msg("database init failed") }
	defer store.Close()

	// Seed watchlist and settings from config
	for _, w := range cfg.WatchedWallets { store.UpsertWallet(w.Address, w.Label, w.Type, true) }
	if _, err := store.LoadSettings(); errors.Is(err, sql.ErrNoRows) {
		store.SaveSettings(db.ReplicationSettings{
			MaxTradeSize: cfg.MaxTradeSize, MinTradeSize: cfg.MinTradeSize,
			StopLossPct: cfg.StopLossPct, TakeProfitPct: cfg.TakeProfitPct,
			SlippageTolerancePct: cfg.SlippageTolerancePct,
			AutoTradingEnabled:   cfg.AutoTradingEnabled,
			EnabledTokens:        cfg.EnabledTokens,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; log.Info().Msg("shutting down..."); cancel() }()

	ch, err := chain.New(ctx, cfg.SolanaRPCURL, cfg.SolanaBackupRPCURL, cfg.SolanaWSURL, 30*time.Second)
	if err != nil { log.Fatal().Err(err).Msg("chain connect failed") }
	defer ch.Close()

	var signer chain.Signer
	if cfg.UserPrivateKey != "" {
		ws, err := chain.NewWalletSigner(cfg.UserPrivateKey)
		if err != nil { log.Fatal().Err(err).Msg("wallet key invalid") }
		signer = ws
		log.Info().Str("wallet", ws.PublicKey().String()).Msg("live trading enabled")
	} else {
		log.Info().Msg("no USER_PRIVATE_KEY set, running in paper mode")
	}

	orc := oracle.New(cfg.OracleBaseURL, cfg.BirdeyeBaseURL, cfg.BirdeyeAPIKey, cfg.OracleTimeout, cfg.OracleCacheTTL)
	dex := trader.NewJupiterClient(cfg.JupiterBaseURL, &http.Client{Timeout: cfg.OracleTimeout})
	repl := trader.NewReplicator(store, ch, dex, orc, signer, cfg.UserWallet)

	dec := decoder.New(cfg.DexProgramIDs, cfg.QuoteMints)
	mon := monitor.New(ch, dec, store, repl.Replicate, monitor.Options{
		SignatureLookback: cfg.SignatureLookback,
		Backoff:           cfg.SubscribeBackoff,
		MaxRetries:        cfg.MaxSubscribeRetries,
	})

	wallets, err := store.ActiveWallets()
	if err != nil { log.Fatal().Err(err).Msg("watchlist read failed") }
	if len(wallets) == 0 { log.Warn().Msg("no active wallets, set WATCHED_WALLETS") }
	mon.Start(ctx, wallets)
	defer mon.Stop()

	sweeper := trader.NewSweeper(store, orc, repl, cfg.SweepSchedule)
	if err := sweeper.Start(ctx); err != nil { log.Fatal().Err(err).Msg("sweep schedule invalid") }
	defer sweeper.Stop()

	if cfg.StatusPort > 0 {
		api := dashboard.New(store, orc, mon.State, cfg.StatusPort)
		go func() {
			if err := api.Run(); err != nil { log.Error().Err(err).Msg("status API stopped") }
		}()
	}

	printSummary(cfg, store, wallets, signer != nil)
	<-ctx.Done()
	log.Info().Msg("goodbye 👋")
}

func printSummary(cfg *config.Config, store *db.Store, wallets []db.WatchedWallet, live bool) {
	stats, _ := store.GetStats()
	header := color.New(color.FgCyan, color.Bold)
	fmt.Println("\n" + strings.Repeat("═", 60))
	header.Println("  👁 INSIDER MIRROR - RUNNING")
	fmt.Println(strings.Repeat("═", 60))
	fmt.Printf("  Watching:  %d wallets\n", len(wallets))
	for _, w := range wallets { fmt.Printf("    • %s (%s, %s)\n", abbrev(w.Address), w.Label, w.Type) }
	mode := color.YellowString("paper")
	if live { mode = color.GreenString("live") }
	fmt.Printf("  Mode:      %s\n", mode)
	fmt.Printf("  Sizing:    %s - %s SOL\n", cfg.MinTradeSize, cfg.MaxTradeSize)
	fmt.Printf("  Risk:      SL %s%% / TP %s%%\n", cfg.StopLossPct, cfg.TakeProfitPct)
	if cfg.StatusPort > 0 { fmt.Printf("  API:       http://localhost:%d/api/stats\n", cfg.StatusPort) }
	if stats != nil { fmt.Printf("  DB:        %d intents, %d trades\n", stats["trade_intents"], stats["replicated_trades"]) }
	fmt.Println(strings.Repeat("═", 60) + "\n")
}

func abbrev(addr string) string {
	if len(addr) <= 12 { return addr }
	return addr[:8] + "..."
}
