package chain

import (
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Instruction is one top-level instruction of a fetched transaction, reduced
// to what the decoder needs.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// TokenBalance is an owner's balance of one mint at a snapshot boundary.
// Amount is exact: parsed from the RPC's raw integer string and scaled by the
// mint's decimals.
type TokenBalance struct {
	Owner    string
	Mint     string
	Decimals uint8
	Amount   decimal.Decimal
}

// Transaction is the resolved record for one signature, independent of the
// RPC wire types.
type Transaction struct {
	Signature         string
	BlockTime         time.Time
	FeePayer          string
	Failed            bool
	Instructions      []Instruction
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// LogEvent is one subscription notification for a watched address.
type LogEvent struct {
	Signature string
	Err       interface{}
}

// fromParsed converts an RPC parsed-transaction result into the neutral form.
func fromParsed(sig solana.Signature, out *rpc.GetParsedTransactionResult) *Transaction {
	tx := &Transaction{Signature: sig.String()}

	if out.BlockTime != nil {
		tx.BlockTime = out.BlockTime.Time()
	}
	if out.Meta != nil {
		tx.Failed = out.Meta.Err != nil
		tx.PreTokenBalances = convertBalances(out.Meta.PreTokenBalances)
		tx.PostTokenBalances = convertBalances(out.Meta.PostTokenBalances)
	}
	if out.Transaction != nil {
		msg := out.Transaction.Message
		if len(msg.AccountKeys) > 0 {
			tx.FeePayer = msg.AccountKeys[0].PublicKey.String()
		}
		for _, ix := range msg.Instructions {
			if ix == nil {
				continue
			}
			tx.Instructions = append(tx.Instructions, Instruction{
				ProgramID: ix.ProgramId,
				Accounts:  ix.Accounts,
				Data:      []byte(ix.Data),
			})
		}
	}
	return tx
}

func convertBalances(in []rpc.TokenBalance) []TokenBalance {
	var out []TokenBalance
	for _, b := range in {
		if b.UiTokenAmount == nil {
			continue
		}
		tb := TokenBalance{
			Mint:     b.Mint.String(),
			Decimals: b.UiTokenAmount.Decimals,
			Amount:   exactAmount(b.UiTokenAmount.Amount, b.UiTokenAmount.Decimals),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		out = append(out, tb)
	}
	return out
}

// exactAmount scales a raw integer amount string by the mint decimals without
// going through floating point.
func exactAmount(raw string, decimals uint8) decimal.Decimal {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -int32(decimals))
}
