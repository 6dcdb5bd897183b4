package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/insider-mirror/pkg/db"
	"github.com/insider-mirror/pkg/oracle"
	"github.com/insider-mirror/pkg/trader"
)

// StateFn reports the live subscription state for a wallet address.
type StateFn func(address string) string

// Server exposes the mirror's state as a small JSON API: watchlist, detected
// intents, replicated trades, open positions and replication settings.
type Server struct {
	store  *db.Store
	oracle *oracle.Client
	state  StateFn
	port   int
}

func New(store *db.Store, orc *oracle.Client, state StateFn, port int) *Server {
	return &Server{store: store, oracle: orc, state: state, port: port}
}

func (s *Server) Run() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/stats", cors(s.handleStats))
	mux.HandleFunc("/api/wallets", cors(s.handleWallets))
	mux.HandleFunc("/api/wallets/toggle", cors(s.handleToggleWallet))
	mux.HandleFunc("/api/intents", cors(s.handleIntents))
	mux.HandleFunc("/api/trades", cors(s.handleTrades))
	mux.HandleFunc("/api/positions", cors(s.handlePositions))
	mux.HandleFunc("/api/settings", cors(s.handleSettings))

	addr := fmt.Sprintf(":%d", s.port)
	log.Info().Str("addr", addr).Msg("🌐 status API started")
	return http.ListenAndServe(addr, mux)
}

func cors(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.GetStats()
	writeJSON(w, stats)
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	wallets, _ := s.store.ActiveWallets()

	type walletView struct {
		db.WatchedWallet
		State       string                `json:"state"`
		Performance *db.WalletPerformance `json:"performance,omitempty"`
	}

	var result []walletView
	for _, wl := range wallets {
		v := walletView{WatchedWallet: wl}
		if s.state != nil {
			v.State = s.state(wl.Address)
		}
		if perf, err := s.store.GetPerformance(wl.Address); err == nil {
			v.Performance = perf
		}
		result = append(result, v)
	}
	writeJSON(w, result)
}

func (s *Server) handleToggleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "POST only", 405)
		return
	}
	var req struct {
		Address string `json:"address"`
		Active  bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "invalid json", 400)
		return
	}
	if err := s.store.SetWalletActive(req.Address, req.Active); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	log.Info().Str("wallet", req.Address).Bool("active", req.Active).Msg("wallet toggled via API")
	writeJSON(w, map[string]interface{}{"status": "ok", "note": "subscription changes apply on next restart"})
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		http.Error(w, "wallet query parameter required", 400)
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	intents, _ := s.store.IntentsForWallet(wallet, limit)
	writeJSON(w, intents)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		trades, _ := s.store.TradesForToken(token)
		writeJSON(w, trades)
		return
	}
	trades, _ := s.store.CompletedTrades()
	writeJSON(w, trades)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	trades, _ := s.store.CompletedTrades()
	positions := trader.BuildPositions(trades)
	for i := range positions {
		if q, err := s.oracle.Price(context.Background(), positions[i].TokenAddress); err == nil {
			positions[i].CurrentPrice = q.PriceUSD
		}
	}
	writeJSON(w, positions)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		settings, err := s.store.LoadSettings()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, settings)
	case "POST":
		var settings db.ReplicationSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		if settings.MinTradeSize.GreaterThan(settings.MaxTradeSize) {
			http.Error(w, "min_trade_size exceeds max_trade_size", 400)
			return
		}
		if err := s.store.SaveSettings(settings); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		log.Info().Bool("auto_trading", settings.AutoTradingEnabled).Msg("settings updated via API")
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		http.Error(w, "GET or POST", 405)
	}
}
