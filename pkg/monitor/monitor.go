package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/insider-mirror/pkg/chain"
	"github.com/insider-mirror/pkg/db"
)

// Subscription states per watched wallet.
const (
	StateUnsubscribed = "unsubscribed"
	StateSubscribed   = "subscribed"
	StateDegraded     = "degraded"
)

// ChainSource is what the monitor needs from the chain layer.
type ChainSource interface {
	SubscribeLogs(ctx context.Context, address string) (<-chan chain.LogEvent, func(), error)
	RecentSignatures(ctx context.Context, address string, limit int) ([]string, error)
	FetchTransaction(ctx context.Context, signature string) (*chain.Transaction, error)
}

// IntentDecoder turns a fetched transaction into zero or more intents.
type IntentDecoder interface {
	Decode(tx *chain.Transaction, sourceWallet string) []db.TradeIntent
}

// IntentStore records intents; the (signature, instruction index) unique
// constraint makes InsertIntent the second dedup line behind the in-memory
// seen set.
type IntentStore interface {
	InsertIntent(intent db.TradeIntent) (bool, error)
}

// Handler receives each newly recorded intent.
type Handler func(ctx context.Context, intent db.TradeIntent)

type Options struct {
	SignatureLookback int
	Backoff           time.Duration
	MaxRetries        int
	// SeenLimit caps the in-memory dedup set; the store's UNIQUE constraint
	// stays the durable line once old signatures age out.
	SeenLimit int
}

// Monitor keeps one live log subscription per watched wallet and pushes each
// new trade intent to the handler exactly once. A wallet whose subscription
// keeps failing is marked degraded; the others keep running.
type Monitor struct {
	source  ChainSource
	decoder IntentDecoder
	store   IntentStore
	handler Handler
	opts    Options

	mu       sync.Mutex
	states   map[string]string
	seen     map[string]bool
	seenRing []string
	seenIdx  int

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

func New(source ChainSource, decoder IntentDecoder, store IntentStore, handler Handler, opts Options) *Monitor {
	if opts.SignatureLookback <= 0 {
		opts.SignatureLookback = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.SeenLimit <= 0 {
		opts.SeenLimit = 4096
	}
	return &Monitor{
		source:   source,
		decoder:  decoder,
		store:    store,
		handler:  handler,
		opts:     opts,
		states:   make(map[string]string),
		seen:     make(map[string]bool),
		seenRing: make([]string, opts.SeenLimit),
	}
}

// Start launches one subscription loop per wallet. It returns immediately;
// the loops run until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context, wallets []db.WatchedWallet) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)

	for _, w := range wallets {
		if !w.IsActive {
			continue
		}
		w := w
		m.setState(w.Address, StateUnsubscribed)
		m.group.Go(func() error {
			m.watch(runCtx, w)
			return nil
		})
	}
}

// Stop tears down all subscriptions and waits for the loops to drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.group != nil {
			_ = m.group.Wait()
		}
	})
}

// State reports the subscription state for one wallet address.
func (m *Monitor) State(address string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[address]; ok {
		return s
	}
	return StateUnsubscribed
}

func (m *Monitor) setState(address, state string) {
	m.mu.Lock()
	m.states[address] = state
	m.mu.Unlock()
}

// watch maintains the subscription for a single wallet, reconnecting with
// exponential backoff. After MaxRetries consecutive failures the wallet is
// marked degraded and retries continue at the capped interval.
func (m *Monitor) watch(ctx context.Context, w db.WatchedWallet) {
	failures := 0
	backoff := m.opts.Backoff

	for {
		if ctx.Err() != nil {
			m.setState(w.Address, StateUnsubscribed)
			return
		}

		events, cancelSub, err := m.source.SubscribeLogs(ctx, w.Address)
		if err != nil {
			failures++
			if failures >= m.opts.MaxRetries {
				m.setState(w.Address, StateDegraded)
				log.Error().Err(err).Str("wallet", w.Address).Int("failures", failures).
					Msg("wallet subscription degraded")
			} else {
				log.Warn().Err(err).Str("wallet", w.Address).Msg("subscribe failed, retrying")
			}
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		failures = 0
		backoff = m.opts.Backoff
		m.setState(w.Address, StateSubscribed)
		log.Info().Str("wallet", w.Address).Str("label", w.Label).Msg("wallet subscribed")

		// Catch up on anything that landed while we were disconnected.
		m.catchUp(ctx, w)

	recv:
		for {
			select {
			case <-ctx.Done():
				cancelSub()
				m.setState(w.Address, StateUnsubscribed)
				return
			case ev, ok := <-events:
				if !ok {
					break recv
				}
				if ev.Err != nil {
					continue
				}
				m.process(ctx, w, ev.Signature)
			}
		}
		cancelSub()

		if ctx.Err() == nil {
			log.Warn().Str("wallet", w.Address).Msg("subscription closed, reconnecting")
		}
	}
}

func (m *Monitor) catchUp(ctx context.Context, w db.WatchedWallet) {
	sigs, err := m.source.RecentSignatures(ctx, w.Address, m.opts.SignatureLookback)
	if err != nil {
		log.Warn().Err(err).Str("wallet", w.Address).Msg("signature catch-up failed")
		return
	}
	// Oldest first so intents land in chain order.
	for i := len(sigs) - 1; i >= 0; i-- {
		m.process(ctx, w, sigs[i])
	}
}

// process fetches, decodes and records one signature, dispatching each intent
// that was not seen before.
func (m *Monitor) process(ctx context.Context, w db.WatchedWallet, signature string) {
	m.mu.Lock()
	if m.seen[signature] {
		m.mu.Unlock()
		return
	}
	m.seen[signature] = true
	if old := m.seenRing[m.seenIdx]; old != "" {
		delete(m.seen, old)
	}
	m.seenRing[m.seenIdx] = signature
	m.seenIdx = (m.seenIdx + 1) % len(m.seenRing)
	m.mu.Unlock()

	tx, err := m.source.FetchTransaction(ctx, signature)
	if err != nil {
		// Unmark so a later catch-up can retry the fetch.
		m.mu.Lock()
		delete(m.seen, signature)
		m.mu.Unlock()
		log.Warn().Err(err).Str("sig", signature).Msg("transaction fetch failed")
		return
	}
	if tx == nil {
		return
	}

	for _, intent := range m.decoder.Decode(tx, w.Address) {
		inserted, err := m.store.InsertIntent(intent)
		if err != nil {
			log.Error().Err(err).Str("sig", signature).Msg("intent insert failed")
			continue
		}
		if !inserted {
			// Another path already recorded this intent.
			continue
		}
		log.Info().
			Str("wallet", w.Address).
			Str("token", intent.TokenAddress).
			Str("direction", intent.Direction).
			Str("amount", intent.Amount.String()).
			Msg("trade intent detected")
		if m.handler != nil {
			m.handler(ctx, intent)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
