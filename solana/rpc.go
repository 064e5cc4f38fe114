package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/memo"
	spltoken "github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// confirmPollInterval is how often ConfirmTransaction polls signature status.
var confirmPollInterval = 3 * time.Second

// commitmentRank orders commitment levels so "at least confirmed" is a
// comparison.
var commitmentRank = map[rpc.CommitmentType]int{
	rpc.CommitmentProcessed: 1,
	rpc.CommitmentConfirmed: 2,
	rpc.CommitmentFinalized: 3,
}

// NewRPCClient returns a client for endpoint, or devnet when endpoint is empty.
func NewRPCClient(endpoint string) *rpc.Client {
	if endpoint == "" {
		endpoint = rpc.DevNet_RPC
	}
	return rpc.New(endpoint)
}

// CheckRPCHealth reports whether the node behind client is healthy.
func CheckRPCHealth(ctx context.Context, client *rpc.Client) error {
	if _, err := client.GetHealth(ctx); err != nil {
		return fmt.Errorf("solana rpc unhealthy: %w", err)
	}
	return nil
}

func LoadPrivateKeyFromBase58(s string) (solanago.PrivateKey, error) {
	k, err := solanago.PrivateKeyFromBase58(s)
	if err != nil {
		return solanago.PrivateKey{}, fmt.Errorf("failed to parse base58 private key: %w", err)
	}
	return k, nil
}

func PublicKeyFromBase58(s string) (solanago.PublicKey, error) {
	k, err := solanago.PublicKeyFromBase58(s)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("invalid base58 public key %q: %w", s, err)
	}
	return k, nil
}

// transferInstructions builds memo + ATA creation + TransferChecked for a
// USDC payout from owner to recipient. Missing token accounts are created
// with owner paying rent.
func transferInstructions(
	ctx context.Context,
	client *rpc.Client,
	mint, owner, recipient solanago.PublicKey,
	amount uint64,
	memoText string,
) ([]solanago.Instruction, error) {
	var ixs []solanago.Instruction
	if memoText != "" {
		ixs = append(ixs, solanago.NewInstruction(memo.ProgramID, solanago.AccountMetaSlice{}, []byte(memoText)))
	}

	var atas [2]solanago.PublicKey
	for i, wallet := range []solanago.PublicKey{owner, recipient} {
		ata, _, err := solanago.FindAssociatedTokenAddress(wallet, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive token account for %s: %w", wallet, err)
		}
		atas[i] = ata
		ix, err := ensureTokenAccount(ctx, client, ata, owner, wallet, mint)
		if err != nil {
			return nil, err
		}
		if ix != nil {
			ixs = append(ixs, ix)
		}
	}

	transfer, err := spltoken.NewTransferCheckedInstruction(
		amount, USDC_DECIMALS, atas[0], mint, atas[1], owner, []solanago.PublicKey{},
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	return append(ixs, transfer), nil
}

// ensureTokenAccount returns a create instruction when ata does not exist yet,
// or nil when it does.
func ensureTokenAccount(ctx context.Context, client *rpc.Client, ata, payer, wallet, mint solanago.PublicKey) (solanago.Instruction, error) {
	_, err := client.GetAccountInfo(ctx, ata)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up token account %s: %w", ata, err)
	}
	ix, err := associatedtokenaccount.NewCreateInstruction(payer, wallet, mint).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build create-account instruction for %s: %w", wallet, err)
	}
	return ix, nil
}

func signAndSend(ctx context.Context, client *rpc.Client, ixs []solanago.Instruction, signer solanago.PrivateKey) (solanago.Signature, error) {
	payer := signer.PublicKey()
	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	tx, err := solanago.NewTransaction(ixs, recent.Value.Blockhash, solanago.TransactionPayer(payer))
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k.Equals(payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return solanago.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return solanago.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// SendUSDCWithMemo sends amount base units of USDC from the signer to
// recipient. The memo carries the payment id and must not be empty. The
// returned signature is unconfirmed.
func SendUSDCWithMemo(
	ctx context.Context,
	client *rpc.Client,
	mint solanago.PublicKey,
	signer solanago.PrivateKey,
	recipient solanago.PublicKey,
	amount uint64,
	memoText string,
) (solanago.Signature, error) {
	if memoText == "" {
		return solanago.Signature{}, errors.New("memo is required for usdc payouts")
	}
	ixs, err := transferInstructions(ctx, client, mint, signer.PublicKey(), recipient, amount, memoText)
	if err != nil {
		return solanago.Signature{}, err
	}
	return signAndSend(ctx, client, ixs, signer)
}

// ConfirmTransaction polls until sig reaches at least the wanted commitment,
// fails on chain, or ctx is done.
func ConfirmTransaction(ctx context.Context, client *rpc.Client, sig solanago.Signature, want rpc.CommitmentType) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
		res, err := client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for confirmation of %s: %w", sig, ctx.Err())
			}
			return fmt.Errorf("failed to get signature status for %s: %w", sig, err)
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}
		st := res.Value[0]
		if st.Err != nil {
			return fmt.Errorf("transaction %s failed: %v", sig, st.Err)
		}
		if commitmentRank[rpc.CommitmentType(st.ConfirmationStatus)] >= commitmentRank[want] {
			return nil
		}
	}
}
