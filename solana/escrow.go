package solana

import (
	"context"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Transferrer moves USDC out of the platform escrow wallet.
type Transferrer interface {
	TransferUSDC(ctx context.Context, recipient solanago.PublicKey, amount *USDCAmount, memo string) (solanago.Signature, error)
}

// EscrowConfig holds what the escrow wallet needs to sign USDC transfers.
type EscrowConfig struct {
	RPCEndpoint    string
	USDCMint       solanago.PublicKey
	EscrowKey      solanago.PrivateKey
	ConfirmTimeout time.Duration
}

// EscrowTransferrer sends USDC from the escrow wallet over RPC and waits for
// confirmation.
type EscrowTransferrer struct {
	client *rpc.Client
	cfg    EscrowConfig
}

// NewEscrowTransferrer returns a Transferrer bound to the configured RPC endpoint.
func NewEscrowTransferrer(cfg EscrowConfig) *EscrowTransferrer {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &EscrowTransferrer{client: NewRPCClient(cfg.RPCEndpoint), cfg: cfg}
}

// EscrowWallet returns the public key funds are sent from.
func (t *EscrowTransferrer) EscrowWallet() solanago.PublicKey {
	return t.cfg.EscrowKey.PublicKey()
}

// TransferUSDC sends amount to recipient with memo attached. The transaction
// must reach the confirmed commitment level for the call to succeed.
func (t *EscrowTransferrer) TransferUSDC(ctx context.Context, recipient solanago.PublicKey, amount *USDCAmount, memo string) (solanago.Signature, error) {
	if !amount.IsPositive() {
		return solanago.Signature{}, fmt.Errorf("transfer amount must be positive")
	}
	sig, err := SendUSDCWithMemo(
		ctx,
		t.client,
		t.cfg.USDCMint,
		t.cfg.EscrowKey,
		recipient,
		amount.ToSmallestUnit().Uint64(),
		memo,
	)
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("failed to send usdc: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
	defer cancel()
	if err := ConfirmTransaction(confirmCtx, t.client, sig, rpc.CommitmentConfirmed); err != nil {
		return sig, fmt.Errorf("transfer %s not confirmed: %w", sig, err)
	}
	return sig, nil
}
