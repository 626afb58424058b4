package mint

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
)

// TxStatus classifies a tracked transaction's terminal state
type TxStatus string

const (
	// TxConfirmed means the transaction succeeded with the required depth
	TxConfirmed TxStatus = "confirmed"
	// TxReverted means the transaction was mined but reverted. Terminal and
	// non-retriable for that submission.
	TxReverted TxStatus = "reverted"
	// TxTimedOut means no terminal state was observed within the wait budget.
	// Ambiguous: the tx may still land, so it must be re-queried, never
	// blindly resubmitted.
	TxTimedOut TxStatus = "timed_out"
)

// TxOutcome reports how a tracked transaction ended
type TxOutcome struct {
	Status        TxStatus
	Receipt       *types.Receipt
	Confirmations uint64
	BlockNumber   uint64
	GasUsed       uint64
}

// Monitor polls a submitted transaction to a terminal state
type Monitor struct {
	client       adapter.EthClient
	clock        adapter.Clock
	pollInterval time.Duration
}

func NewMonitor(client adapter.EthClient, clock adapter.Clock, pollInterval time.Duration) *Monitor {
	return &Monitor{
		client:       client,
		clock:        clock,
		pollInterval: pollInterval,
	}
}

// Await polls until the transaction reaches the required confirmation depth,
// reverts, or the timeout elapses. The error mirrors the outcome status:
// domain.ErrTransactionReverted, domain.ErrTransactionTimedOut, or nil for a
// confirmation. Timing out does not cancel the on-chain transaction; the
// caller reconciles later via the recorded hash.
func (m *Monitor) Await(ctx context.Context, txHash common.Hash, confirmations uint64, timeout time.Duration) (*TxOutcome, error) {
	deadline := m.clock.Now().Add(timeout)

	for {
		receipt, err := m.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return &TxOutcome{
					Status:      TxReverted,
					Receipt:     receipt,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
				}, domain.ErrTransactionReverted
			}
			depth, derr := m.confirmationDepth(ctx, receipt.BlockNumber)
			if derr == nil && depth >= confirmations {
				return &TxOutcome{
					Status:        TxConfirmed,
					Receipt:       receipt,
					Confirmations: depth,
					BlockNumber:   receipt.BlockNumber.Uint64(),
					GasUsed:       receipt.GasUsed,
				}, nil
			}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep polling
		case err != nil:
			// Transient RPC failure, keep polling until the deadline
		}

		if !m.clock.Now().Before(deadline) {
			return &TxOutcome{Status: TxTimedOut}, domain.ErrTransactionTimedOut
		}

		select {
		case <-ctx.Done():
			return &TxOutcome{Status: TxTimedOut}, ctx.Err()
		case <-m.clock.After(m.pollInterval):
		}
	}
}

// confirmationDepth counts blocks from the receipt's block to the head,
// inclusive of the mined block
func (m *Monitor) confirmationDepth(ctx context.Context, minedAt *big.Int) (uint64, error) {
	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	if head.Number.Cmp(minedAt) < 0 {
		return 0, nil
	}
	depth := new(big.Int).Sub(head.Number, minedAt)
	return depth.Uint64() + 1, nil
}
