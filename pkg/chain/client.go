package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// sustainedFailures is how many consecutive RPC errors trigger a failover to
// the backup endpoint.
const sustainedFailures = 3

// Client wraps the Solana RPC and websocket endpoints behind bounded,
// failover-aware calls. It is the only place that talks to the chain.
type Client struct {
	wsURL       string
	callTimeout time.Duration

	mu          sync.Mutex
	active      *rpc.Client
	standby     *rpc.Client
	consecutive int

	wsOnce   sync.Once
	wsClient *ws.Client
	wsErr    error
	wsCtx    context.Context
}

// New connects to the primary endpoint, falling back to the backup when the
// primary does not answer a health check.
func New(ctx context.Context, primaryURL, backupURL, wsURL string, callTimeout time.Duration) (*Client, error) {
	c := &Client{
		wsURL:       wsURL,
		callTimeout: callTimeout,
		active:      rpc.New(primaryURL),
	}
	if backupURL != "" {
		c.standby = rpc.New(backupURL)
	}

	pingCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := c.active.GetHealth(pingCtx); err != nil {
		if c.standby == nil {
			return nil, fmt.Errorf("primary RPC unhealthy and no backup configured: %w", err)
		}
		log.Warn().Err(err).Msg("primary RPC unhealthy, starting on backup")
		c.active, c.standby = c.standby, c.active

		pingCtx2, cancel2 := context.WithTimeout(ctx, callTimeout)
		defer cancel2()
		if _, err := c.active.GetHealth(pingCtx2); err != nil {
			return nil, fmt.Errorf("all RPC endpoints unhealthy: %w", err)
		}
	}
	c.wsCtx = ctx
	return c, nil
}

func (c *Client) rpcClient() *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) markFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	if c.consecutive >= sustainedFailures && c.standby != nil {
		log.Warn().Int("failures", c.consecutive).Msg("sustained RPC failure, failing over")
		c.active, c.standby = c.standby, c.active
		c.consecutive = 0
	}
}

func (c *Client) markSuccess() {
	c.mu.Lock()
	c.consecutive = 0
	c.mu.Unlock()
}

// Balance returns the SOL balance of an address.
func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid address %q: %w", address, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	out, err := c.rpcClient().GetBalance(callCtx, pk, rpc.CommitmentConfirmed)
	if err != nil {
		c.markFailure()
		return decimal.Zero, fmt.Errorf("getBalance %s: %w", address, err)
	}
	c.markSuccess()
	return decimal.NewFromUint64(out.Value).Shift(-9), nil
}

// RecentSignatures returns up to limit most recent signatures for an address,
// newest first. Failed transactions are filtered out.
func (c *Client) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	out, err := c.rpcClient().GetSignaturesForAddressWithOpts(callCtx, pk, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		c.markFailure()
		return nil, fmt.Errorf("getSignaturesForAddress %s: %w", address, err)
	}
	c.markSuccess()

	var sigs []string
	for _, s := range out {
		if s == nil || s.Err != nil {
			continue
		}
		sigs = append(sigs, s.Signature.String())
	}
	return sigs, nil
}

// FetchTransaction resolves one signature into the neutral transaction form.
func (c *Client) FetchTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	maxVersion := uint64(0)
	out, err := c.rpcClient().GetParsedTransaction(callCtx, sig, &rpc.GetParsedTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		c.markFailure()
		return nil, fmt.Errorf("getTransaction %s: %w", signature, err)
	}
	c.markSuccess()
	if out == nil {
		return nil, nil
	}
	return fromParsed(sig, out), nil
}

// Submit sends a signed transaction and returns its signature.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	sig, err := c.rpcClient().SendTransactionWithOpts(callCtx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		c.markFailure()
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	c.markSuccess()
	return sig.String(), nil
}

// WaitForConfirmation polls signature status until the transaction confirms,
// reverts, or the deadline passes.
func (c *Client) WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		out, err := c.rpcClient().GetSignatureStatuses(callCtx, true, sig)
		cancel()
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s reverted on chain", signature)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation timeout for %s", signature)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubscribeLogs opens a log subscription mentioning the address. Events are
// delivered on the returned channel until cancel is called or the
// subscription drops; the channel is closed either way.
func (c *Client) SubscribeLogs(ctx context.Context, address string) (<-chan LogEvent, func(), error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	wsc, err := c.websocket()
	if err != nil {
		return nil, nil, err
	}

	sub, err := wsc.LogsSubscribeMentions(pk, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, nil, fmt.Errorf("logsSubscribe %s: %w", address, err)
	}

	events := make(chan LogEvent, 16)
	recvCtx, cancelRecv := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer sub.Unsubscribe()
		for {
			got, err := sub.Recv(recvCtx)
			if err != nil {
				if recvCtx.Err() == nil {
					log.Warn().Err(err).Str("addr", address).Msg("log subscription dropped")
				}
				return
			}
			if got == nil {
				continue
			}
			ev := LogEvent{Signature: got.Value.Signature.String(), Err: got.Value.Err}
			select {
			case events <- ev:
			case <-recvCtx.Done():
				return
			}
		}
	}()

	return events, cancelRecv, nil
}

// websocket lazily dials the shared websocket endpoint.
func (c *Client) websocket() (*ws.Client, error) {
	c.wsOnce.Do(func() {
		ctx := c.wsCtx
		if ctx == nil {
			ctx = context.Background()
		}
		c.wsClient, c.wsErr = ws.Connect(ctx, c.wsURL)
	})
	if c.wsErr != nil {
		return nil, fmt.Errorf("websocket connect: %w", c.wsErr)
	}
	return c.wsClient, nil
}

// Close releases the websocket connection.
func (c *Client) Close() {
	if c.wsClient != nil {
		c.wsClient.Close()
	}
}
