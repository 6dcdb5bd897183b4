package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// WatchedWalletSeed is a wallet configured up-front via env, before the
// store takes over as the source of truth.
type WatchedWalletSeed struct {
	Address string
	Label   string
	Type    string // "insider" or "whale"
}

type Config struct {
	// Solana RPC
	SolanaRPCURL       string
	SolanaBackupRPCURL string
	SolanaWSURL        string

	// DEX programs whose instructions are recognized as swaps
	DexProgramIDs []solana.PublicKey

	// Quote mints (SOL/USDC/USDT) used for buy/sell classification
	QuoteMints map[string]bool

	// User wallet whose capital mirrors the observed trades. Without a
	// private key the replicator runs in paper mode.
	UserWallet     string
	UserPrivateKey string

	// Swap routing
	JupiterBaseURL string

	// Price APIs
	OracleBaseURL  string
	BirdeyeBaseURL string
	BirdeyeAPIKey  string
	OracleTimeout  time.Duration
	OracleCacheTTL time.Duration

	// Monitoring
	SignatureLookback   int
	SubscribeBackoff    time.Duration
	MaxSubscribeRetries int

	// Position sweep
	SweepSchedule string

	// Status API port; 0 disables the server
	StatusPort int

	// Replication defaults (persisted to the store on first run)
	MaxTradeSize         decimal.Decimal
	MinTradeSize         decimal.Decimal
	StopLossPct          decimal.Decimal
	TakeProfitPct        decimal.Decimal
	SlippageTolerancePct decimal.Decimal
	AutoTradingEnabled   bool
	EnabledTokens        []string

	// Seed watchlist
	WatchedWallets []WatchedWalletSeed

	// DB
	DBPath string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SolanaRPCURL:       envOr("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		SolanaBackupRPCURL: os.Getenv("SOLANA_BACKUP_RPC_URL"),
		SolanaWSURL:        envOr("SOLANA_WS_URL", "wss://api.mainnet-beta.solana.com"),

		UserWallet:     os.Getenv("USER_WALLET"),
		UserPrivateKey: os.Getenv("USER_PRIVATE_KEY"),

		JupiterBaseURL: envOr("JUPITER_BASE_URL", "https://quote-api.jup.ag/v6"),

		OracleBaseURL:  envOr("ORACLE_BASE_URL", "https://api.dexscreener.com"),
		BirdeyeBaseURL: envOr("BIRDEYE_BASE_URL", "https://public-api.birdeye.so"),
		BirdeyeAPIKey:  os.Getenv("BIRDEYE_API_KEY"),
		OracleTimeout:  time.Duration(envInt("ORACLE_TIMEOUT_SECONDS", 10)) * time.Second,
		OracleCacheTTL: time.Duration(envInt("ORACLE_CACHE_TTL_SECONDS", 60)) * time.Second,

		SignatureLookback:   envInt("SIGNATURE_LOOKBACK", 5),
		SubscribeBackoff:    time.Duration(envInt("SUBSCRIBE_BACKOFF_SECONDS", 1)) * time.Second,
		MaxSubscribeRetries: envInt("MAX_SUBSCRIBE_RETRIES", 5),

		SweepSchedule: envOr("POSITION_SWEEP_SCHEDULE", "@every 30s"),
		StatusPort:    envInt("STATUS_PORT", 8080),

		MaxTradeSize:         envDecimal("MAX_TRADE_SIZE", "5"),
		MinTradeSize:         envDecimal("MIN_TRADE_SIZE", "0.1"),
		StopLossPct:          envDecimal("STOP_LOSS_PCT", "10"),
		TakeProfitPct:        envDecimal("TAKE_PROFIT_PCT", "25"),
		SlippageTolerancePct: envDecimal("SLIPPAGE_TOLERANCE_PCT", "1"),
		AutoTradingEnabled:   envOr("AUTO_TRADING_ENABLED", "false") == "true",
		EnabledTokens:        splitTrim(os.Getenv("ENABLED_TOKENS")),

		DBPath: envOr("DB_PATH", "insider_mirror.db"),
	}

	// DEX program ids: Raydium AMM v4 and Orca whirlpool by default
	ids := splitTrim(envOr("DEX_PROGRAM_IDS",
		"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8,9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP"))
	for _, id := range ids {
		pk, err := solana.PublicKeyFromBase58(id)
		if err != nil {
			return nil, fmt.Errorf("invalid DEX program id %q: %w", id, err)
		}
		cfg.DexProgramIDs = append(cfg.DexProgramIDs, pk)
	}

	// Quote mints: wrapped SOL, USDC, USDT
	cfg.QuoteMints = map[string]bool{}
	for _, m := range splitTrim(envOr("QUOTE_MINTS",
		"So11111111111111111111111111111111111111112,"+
			"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v,"+
			"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")) {
		cfg.QuoteMints[m] = true
	}

	// Parse watchlist seed: "addr:label:type,addr:label:type"
	for _, w := range splitTrim(os.Getenv("WATCHED_WALLETS")) {
		parts := strings.SplitN(w, ":", 3)
		seed := WatchedWalletSeed{Address: parts[0], Type: "insider"}
		if len(parts) >= 2 {
			seed.Label = parts[1]
		}
		if len(parts) == 3 && parts[2] != "" {
			seed.Type = parts[2]
		}
		cfg.WatchedWallets = append(cfg.WatchedWallets, seed)
	}

	return cfg, nil
}

// Validate rejects half-configured setups before monitoring starts.
func (c *Config) Validate() error {
	if c.SolanaRPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if c.SolanaWSURL == "" {
		return fmt.Errorf("SOLANA_WS_URL is required")
	}
	if len(c.DexProgramIDs) == 0 {
		return fmt.Errorf("at least one DEX_PROGRAM_IDS entry is required")
	}
	if c.UserWallet != "" {
		if _, err := solana.PublicKeyFromBase58(c.UserWallet); err != nil {
			return fmt.Errorf("USER_WALLET is not a valid address: %w", err)
		}
	}
	for _, w := range c.WatchedWallets {
		if _, err := solana.PublicKeyFromBase58(w.Address); err != nil {
			return fmt.Errorf("watched wallet %q is not a valid address: %w", w.Address, err)
		}
		if w.Type != "insider" && w.Type != "whale" {
			return fmt.Errorf("watched wallet %s has unknown type %q", w.Address, w.Type)
		}
	}
	if c.MinTradeSize.GreaterThan(c.MaxTradeSize) {
		return fmt.Errorf("MIN_TRADE_SIZE %s exceeds MAX_TRADE_SIZE %s", c.MinTradeSize, c.MaxTradeSize)
	}
	for name, pct := range map[string]decimal.Decimal{
		"STOP_LOSS_PCT":          c.StopLossPct,
		"TAKE_PROFIT_PCT":        c.TakeProfitPct,
		"SLIPPAGE_TOLERANCE_PCT": c.SlippageTolerancePct,
	} {
		if pct.IsNegative() {
			return fmt.Errorf("%s must be non-negative, got %s", name, pct)
		}
	}
	return nil
}

// helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
