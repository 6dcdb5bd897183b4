package decoder

import (
	"encoding/binary"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/insider-mirror/pkg/chain"
	"github.com/insider-mirror/pkg/db"
)

// defaultDecimals is used when a mint has no balance entry in the
// transaction meta. SOL and most SPL pool tokens use 9.
const defaultDecimals = 9

// Decoder classifies fetched transactions into trade intents. It is pure:
// no chain or store access, no clock reads beyond the transaction itself.
type Decoder struct {
	programs map[solana.PublicKey]bool
	quotes   map[string]bool
}

func New(programIDs []solana.PublicKey, quoteMints map[string]bool) *Decoder {
	programs := make(map[solana.PublicKey]bool, len(programIDs))
	for _, id := range programIDs {
		programs[id] = true
	}
	return &Decoder{programs: programs, quotes: quoteMints}
}

// Decode extracts every swap the transaction carries against a recognized
// DEX program. A transaction with no recognized swap instruction yields nil,
// as does a failed transaction. Multiple swap instructions yield one intent
// each, sharing the signature but distinguished by instruction index.
func (d *Decoder) Decode(tx *chain.Transaction, sourceWallet string) []db.TradeIntent {
	if tx == nil || tx.Failed {
		return nil
	}

	observed := tx.BlockTime
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	var intents []db.TradeIntent
	for idx, ix := range tx.Instructions {
		if !d.programs[ix.ProgramID] {
			continue
		}
		// Swap instructions carry at least payer, input mint account and
		// output mint account. Anything shorter is pool admin traffic.
		if len(ix.Accounts) < 3 {
			continue
		}

		fromMint := ix.Accounts[1].String()
		toMint := ix.Accounts[2].String()

		direction, token := d.classify(fromMint, toMint)
		if direction == "" {
			continue
		}

		amount := instructionAmount(ix, fromMint, tx)
		if amount.IsZero() {
			amount = balanceDelta(tx, token)
		}
		if amount.IsZero() {
			continue
		}

		intents = append(intents, db.TradeIntent{
			SourceWallet:     sourceWallet,
			Signature:        tx.Signature,
			InstructionIndex: idx,
			FromToken:        fromMint,
			ToToken:          toMint,
			TokenAddress:     token,
			TokenDecimals:    int(mintDecimals(tx, token)),
			Direction:        direction,
			Amount:           amount,
			ObservedAt:       observed,
		})
	}
	return intents
}

// classify maps the mint pair to a direction and the traded (non-quote)
// token. Quote-to-quote swaps are not trades worth mirroring.
func (d *Decoder) classify(fromMint, toMint string) (direction, token string) {
	fromQuote := d.quotes[fromMint]
	toQuote := d.quotes[toMint]
	switch {
	case fromQuote && !toQuote:
		return "buy", toMint
	case !fromQuote && toQuote:
		return "sell", fromMint
	case !fromQuote && !toQuote:
		// Token-to-token swap: treat as a buy of the output side.
		return "buy", toMint
	default:
		return "", ""
	}
}

// instructionAmount reads the u64 input amount the swap instruction encodes
// after its 8-byte discriminator, scaled by the input mint's decimals.
func instructionAmount(ix chain.Instruction, fromMint string, tx *chain.Transaction) decimal.Decimal {
	if len(ix.Data) < 16 {
		return decimal.Zero
	}
	raw := binary.LittleEndian.Uint64(ix.Data[8:16])
	if raw == 0 {
		return decimal.Zero
	}
	return decimal.NewFromUint64(raw).Shift(-int32(mintDecimals(tx, fromMint)))
}

func mintDecimals(tx *chain.Transaction, mint string) uint8 {
	for _, b := range tx.PostTokenBalances {
		if b.Mint == mint {
			return b.Decimals
		}
	}
	for _, b := range tx.PreTokenBalances {
		if b.Mint == mint {
			return b.Decimals
		}
	}
	return defaultDecimals
}

// balanceDelta recovers the traded size from the fee payer's pre/post token
// balances when the instruction data is opaque.
func balanceDelta(tx *chain.Transaction, mint string) decimal.Decimal {
	pre := ownerBalance(tx.PreTokenBalances, tx.FeePayer, mint)
	post := ownerBalance(tx.PostTokenBalances, tx.FeePayer, mint)
	return post.Sub(pre).Abs()
}

func ownerBalance(balances []chain.TokenBalance, owner, mint string) decimal.Decimal {
	for _, b := range balances {
		if b.Owner == owner && b.Mint == mint {
			return b.Amount
		}
	}
	return decimal.Zero
}
