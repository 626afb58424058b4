package adapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient defines an interface for Ethereum client operations to enable mocking.
// It covers the calls the mint pipeline needs: fee data, gas estimation,
// transaction submission and receipt tracking.
//
//go:generate mockgen -source=ethclient.go -destination=../mocks/ethclient.go -package=mocks -mock_names=EthClient=MockEthClient
type EthClient interface {
	// ChainID returns the chain id of the connected network
	ChainID(ctx context.Context) (*big.Int, error)

	// HeaderByNumber returns a header by number (nil for latest)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// SuggestGasTipCap suggests a priority fee per gas
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas needed to execute the call
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// PendingNonceAt returns the next nonce for the account, including pending transactions
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// SendTransaction submits a signed transaction to the network
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns the receipt of a mined transaction
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// CallContract executes a read-only contract call
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// Close closes the connection
	Close()
}

// EthClientDialer defines an interface for dialing Ethereum clients
//
//go:generate mockgen -source=ethclient.go -destination=../mocks/ethclient.go -package=mocks -mock_names=EthClientDialer=MockEthClientDialer
type EthClientDialer interface {
	Dial(ctx context.Context, rawurl string) (EthClient, error)
}

// RealEthClientDialer implements EthClientDialer using the standard ethclient package
type RealEthClientDialer struct{}

// NewEthClientDialer creates a new real Ethereum client dialer
func NewEthClientDialer() EthClientDialer {
	return &RealEthClientDialer{}
}

func (a *RealEthClientDialer) Dial(ctx context.Context, rawurl string) (EthClient, error) {
	return ethclient.DialContext(ctx, rawurl)
}
