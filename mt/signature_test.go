package mt

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signEVM(t *testing.T, message string) (wallet, signature string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

func TestWalletVerifierEVM(t *testing.T) {
	wallet, sig := signEVM(t, "hello")
	v := WalletVerifier{}

	assert.NoError(t, v.Verify(wallet, "hello", sig))
	assert.Error(t, v.Verify(wallet, "goodbye", sig))

	other, _ := signEVM(t, "hello")
	assert.ErrorIs(t, v.Verify(other, "hello", sig), errSignatureMismatch)

	assert.Error(t, v.Verify(wallet, "hello", "0x1234"))
	assert.Error(t, v.Verify(wallet, "hello", "not-hex"))
}

func TestWalletVerifierSolana(t *testing.T) {
	priv, wallet := newSolanaWallet(t)
	sig, err := priv.Sign([]byte("hello"))
	require.NoError(t, err)
	v := WalletVerifier{}

	assert.NoError(t, v.Verify(wallet, "hello", sig.String()))
	assert.NoError(t, v.Verify(wallet, "hello", hex.EncodeToString(sig[:])), "hex signatures are accepted")
	assert.ErrorIs(t, v.Verify(wallet, "goodbye", sig.String()), errSignatureMismatch)
	assert.Error(t, v.Verify("not-a-key", "hello", sig.String()))
	assert.Error(t, v.Verify(wallet, "hello", "garbage"))
}

func TestValidWalletAddress(t *testing.T) {
	_, sol := newSolanaWallet(t)
	evm, _ := signEVM(t, "x")
	assert.True(t, ValidWalletAddress(sol))
	assert.True(t, ValidWalletAddress(evm))
	assert.False(t, ValidWalletAddress("0x123"))
	assert.False(t, ValidWalletAddress("hello world"))
}
