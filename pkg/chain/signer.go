package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer signs transactions for the mirroring wallet. Kept as an interface so
// key custody can move out of process without touching the trading path.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// WalletSigner signs with an in-memory private key loaded from config.
type WalletSigner struct {
	key solana.PrivateKey
}

func NewWalletSigner(base58Key string) (*WalletSigner, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &WalletSigner{key: key}, nil
}

func (w *WalletSigner) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *WalletSigner) Sign(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	return err
}
