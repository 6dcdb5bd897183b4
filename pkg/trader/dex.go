package trader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// WrappedSOL is the quote mint every mirrored swap routes through.
const WrappedSOL = "So11111111111111111111111111111111111111112"

// SwapQuote is one priced route for a prospective swap. The raw response is
// kept so the swap transaction can be built from the exact quoted route.
type SwapQuote struct {
	InputMint      string
	OutputMint     string
	InAmount       decimal.Decimal // base units
	OutAmount      decimal.Decimal // base units
	PriceImpactPct decimal.Decimal
	raw            json.RawMessage
}

// Dex prices swaps and builds the transactions that execute them.
type Dex interface {
	Quote(ctx context.Context, inputMint, outputMint string, amountBaseUnits uint64, slippageBps int) (*SwapQuote, error)
	BuildSwap(ctx context.Context, q *SwapQuote, user solana.PublicKey) (*solana.Transaction, error)
}

// JupiterClient routes swaps through the Jupiter aggregator API.
type JupiterClient struct {
	http    *http.Client
	baseURL string
}

func NewJupiterClient(baseURL string, client *http.Client) *JupiterClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &JupiterClient{http: client, baseURL: baseURL}
}

type jupQuote struct {
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

func (j *JupiterClient) Quote(ctx context.Context, inputMint, outputMint string, amountBaseUnits uint64, slippageBps int) (*SwapQuote, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		j.baseURL, inputMint, outputMint, amountBaseUnits, slippageBps)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := j.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter quote: status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("jupiter quote decode: %w", err)
	}
	var q jupQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("jupiter quote decode: %w", err)
	}

	inAmt, err := decimal.NewFromString(q.InAmount)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote inAmount %q: %w", q.InAmount, err)
	}
	outAmt, err := decimal.NewFromString(q.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote outAmount %q: %w", q.OutAmount, err)
	}
	// Impact comes back as a fraction; the policy layer works in percent.
	impact, err := decimal.NewFromString(q.PriceImpactPct)
	if err != nil {
		impact = decimal.Zero
	}

	return &SwapQuote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       inAmt,
		OutAmount:      outAmt,
		PriceImpactPct: impact.Mul(decimal.NewFromInt(100)),
		raw:            raw,
	}, nil
}

type jupSwapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type jupSwapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func (j *JupiterClient) BuildSwap(ctx context.Context, q *SwapQuote, user solana.PublicKey) (*solana.Transaction, error) {
	if q == nil || q.raw == nil {
		return nil, fmt.Errorf("swap requires a quote")
	}

	body, err := json.Marshal(jupSwapRequest{
		QuoteResponse:    q.raw,
		UserPublicKey:    user.String(),
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter swap: status %d", resp.StatusCode)
	}

	var out jupSwapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("jupiter swap decode: %w", err)
	}

	rawTx, err := base64.StdEncoding.DecodeString(out.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("jupiter swap transaction decode: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		return nil, fmt.Errorf("jupiter swap transaction parse: %w", err)
	}
	return tx, nil
}
