package solana

import (
	"context"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/mock"
)

// MockTransferrer is a mock implementation of Transferrer for testing
type MockTransferrer struct {
	mock.Mock
}

// TransferUSDC mocks the TransferUSDC method
func (m *MockTransferrer) TransferUSDC(ctx context.Context, recipient solanago.PublicKey, amount *USDCAmount, memo string) (solanago.Signature, error) {
	args := m.Called(ctx, recipient, amount, memo)
	return args.Get(0).(solanago.Signature), args.Error(1)
}
