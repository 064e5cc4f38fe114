package http

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/brojonat/moldtank/http/api"
	"github.com/brojonat/moldtank/mt"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/skip2/go-qrcode"
)

// FundingConfig is where posters send escrow deposits.
type FundingConfig struct {
	EscrowWallet solanago.PublicKey
	USDCMint     solanago.PublicKey
	// InvoiceTTL is how long a generated invoice is advertised as valid.
	InvoiceTTL time.Duration
}

// FundingConfigFromEnv reads the escrow wallet and mint. It returns nil when
// no escrow wallet is configured.
func FundingConfigFromEnv() (*FundingConfig, error) {
	wallet := os.Getenv(EnvSolanaEscrowWallet)
	if wallet == "" {
		return nil, nil
	}
	escrow, err := solanago.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvSolanaEscrowWallet, err)
	}
	mint, err := solanago.PublicKeyFromBase58(os.Getenv(EnvSolanaUSDCMintAddress))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvSolanaUSDCMintAddress, err)
	}
	return &FundingConfig{EscrowWallet: escrow, USDCMint: mint}, nil
}

// generateFundingInvoice builds the Solana Pay request that funds b. The memo
// is the bounty id so the deposit can be matched when it lands.
func generateFundingInvoice(cfg FundingConfig, b *mt.Bounty, now time.Time) (api.FundingInvoice, error) {
	ttl := cfg.InvoiceTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := now.UTC().Add(ttl)
	if b.Deadline.Before(expires) {
		expires = b.Deadline
	}

	paymentURL := buildSolanaPayURL(cfg.EscrowWallet.String(), b.Amount.String(), cfg.USDCMint.String(), b.ID, b.Title)
	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		return api.FundingInvoice{}, fmt.Errorf("failed to generate QR code: %w", err)
	}

	return api.FundingInvoice{
		BountyID:     b.ID,
		PayToAddress: cfg.EscrowWallet.String(),
		USDCMint:     cfg.USDCMint.String(),
		Amount:       b.Amount.Copy(),
		Memo:         b.ID,
		ExpiresAt:    expires,
		PaymentURL:   paymentURL,
		QRCodeData:   qrCodeData,
	}, nil
}

// buildSolanaPayURL creates a Solana Pay transfer request.
// Format: solana:{recipient}?amount={amount}&spl-token={mint}&memo={memo}&label={label}&message={message}
func buildSolanaPayURL(recipient, amount, usdcMint, memo, title string) string {
	params := url.Values{}
	params.Set("amount", amount)
	params.Set("spl-token", usdcMint)
	params.Set("memo", memo)
	params.Set("label", "MoldTank Bounty")
	params.Set("message", "Escrow deposit for "+title)
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode renders data as a 256px PNG and returns it base64 encoded.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
