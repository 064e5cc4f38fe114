package mt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
)

// SignatureVerifier checks that signature over message was produced by the
// key behind wallet.
type SignatureVerifier interface {
	Verify(wallet, message, signature string) error
}

var errSignatureMismatch = errors.New("signature does not match wallet")

// WalletVerifier verifies personal_sign signatures from EVM wallets (0x
// addresses) and ed25519 signatures from Solana wallets (base58 addresses).
type WalletVerifier struct{}

func (WalletVerifier) Verify(wallet, message, signature string) error {
	if common.IsHexAddress(wallet) {
		return verifyEVM(wallet, message, signature)
	}
	return verifySolana(wallet, message, signature)
}

func verifyEVM(wallet, message, signature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// wallets emit V as 27/28; SigToPub wants 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := accounts.TextHash([]byte(message))
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != common.HexToAddress(wallet) {
		return errSignatureMismatch
	}
	return nil
}

func verifySolana(wallet, message, signature string) error {
	pub, err := solanago.PublicKeyFromBase58(wallet)
	if err != nil {
		return fmt.Errorf("invalid wallet address: %w", err)
	}
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		raw, hexErr := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
		if hexErr != nil || len(raw) != len(sig) {
			return fmt.Errorf("decode signature: %w", err)
		}
		copy(sig[:], raw)
	}
	if !sig.Verify(pub, []byte(message)) {
		return errSignatureMismatch
	}
	return nil
}
