package solana

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestNewUSDCAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		want    *big.Int
		wantErr bool
	}{
		{"zero", 0.0, big.NewInt(0), false},
		{"one_usdc", 1.0, big.NewInt(1_000_000), false},
		{"fractional_usdc", 0.5, big.NewInt(500_000), false},
		{"small_fractional_usdc", 0.000001, big.NewInt(1), false},
		{"large_amount", 123456.789012, big.NewInt(123456_789012), false},
		{"max_precision", 99.123456, big.NewInt(99_123456), false},
		// TODO: Add test case for amounts exceeding standard float64 precision if needed
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewUSDCAmount(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewUSDCAmount() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Value.Cmp(tt.want) != 0 {
				t.Errorf("NewUSDCAmount() got = %v, want %v", got.Value, tt.want)
			}
		})
	}
}

func TestUSDCAmount_ToUSDC(t *testing.T) {
	tests := []struct {
		name   string
		amount *USDCAmount
		want   float64
	}{
		{"zero", &USDCAmount{Value: big.NewInt(0)}, 0.0},
		{"one_usdc", &USDCAmount{Value: big.NewInt(1_000_000)}, 1.0},
		{"fractional_usdc", &USDCAmount{Value: big.NewInt(500_000)}, 0.5},
		{"small_fractional_usdc", &USDCAmount{Value: big.NewInt(1)}, 0.000001},
		{"large_amount", &USDCAmount{Value: big.NewInt(123456_789012)}, 123456.789012},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Use a small tolerance for float comparison
			tolerance := 0.0000001
			got := tt.amount.ToUSDC()
			if diff := got - tt.want; diff > tolerance || diff < -tolerance {
				t.Errorf("ToUSDC() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUSDCAmount_Add(t *testing.T) {
	a1, _ := NewUSDCAmount(1.23)
	a2, _ := NewUSDCAmount(4.56)
	want, _ := NewUSDCAmount(5.79)

	got := a1.Add(a2)
	if got.Cmp(want) != 0 {
		t.Errorf("Add() = %v, want %v", got.Value, want.Value)
	}
}

func TestUSDCAmount_Sub(t *testing.T) {
	a1, _ := NewUSDCAmount(5.79)
	a2, _ := NewUSDCAmount(1.23)
	want, _ := NewUSDCAmount(4.56)

	got := a1.Sub(a2)
	if got.Cmp(want) != 0 {
		t.Errorf("Sub() = %v, want %v", got.Value, want.Value)
	}
}

func TestUSDCAmount_Cmp(t *testing.T) {
	a1, _ := NewUSDCAmount(1.0)
	a2, _ := NewUSDCAmount(2.0)
	a3, _ := NewUSDCAmount(1.0)

	if a1.Cmp(a2) != -1 {
		t.Errorf("Cmp(a1, a2) want -1")
	}
	if a2.Cmp(a1) != 1 {
		t.Errorf("Cmp(a2, a1) want 1")
	}
	if a1.Cmp(a3) != 0 {
		t.Errorf("Cmp(a1, a3) want 0")
	}
}

func TestParseUSDCAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"whole", "100", 100_000_000, false},
		{"two_decimals", "95.00", 95_000_000, false},
		{"leading_dot", ".5", 500_000, false},
		{"smallest", "0.000001", 1, false},
		{"negative", "-1.5", -1_500_000, false},
		{"too_precise", "1.0000001", 0, true},
		{"garbage", "abc", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUSDCAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUSDCAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got.Int64() != tt.want {
				t.Errorf("ParseUSDCAmount(%q) = %d, want %d", tt.input, got.Int64(), tt.want)
			}
		})
	}
}

func TestUSDCAmount_BasisPoints(t *testing.T) {
	amount, _ := ParseUSDCAmount("100.00")
	fee := amount.BasisPoints(500)
	if fee.String() != "5.00" {
		t.Errorf("BasisPoints(500) = %s, want 5.00", fee)
	}
	if payout := amount.Sub(fee); payout.String() != "95.00" {
		t.Errorf("payout = %s, want 95.00", payout)
	}

	// rounds down to the smallest unit
	odd := NewUSDCAmountFromSmallest(3)
	if got := odd.BasisPoints(5000); got.Int64() != 1 {
		t.Errorf("BasisPoints rounding = %d, want 1", got.Int64())
	}
}

func TestUSDCAmount_String(t *testing.T) {
	tests := []struct {
		units int64
		want  string
	}{
		{0, "0.00"},
		{1, "0.000001"},
		{1_500_000, "1.50"},
		{95_000_000, "95.00"},
		{-2_250_000, "-2.25"},
	}
	for _, tt := range tests {
		if got := NewUSDCAmountFromSmallest(tt.units).String(); got != tt.want {
			t.Errorf("String(%d) = %s, want %s", tt.units, got, tt.want)
		}
	}
}

func TestUSDCAmount_JSON(t *testing.T) {
	var payload struct {
		Amount *USDCAmount `json:"amount"`
		Quoted *USDCAmount `json:"quoted"`
	}
	if err := json.Unmarshal([]byte(`{"amount": 12.5, "quoted": "0.25"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Amount.Int64() != 12_500_000 || payload.Quoted.Int64() != 250_000 {
		t.Fatalf("unexpected amounts %d %d", payload.Amount.Int64(), payload.Quoted.Int64())
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"amount":12.50,"quoted":0.25}` {
		t.Errorf("marshal = %s", b)
	}
}
