package mint

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
)

const (
	// gasBufferPercent is applied on top of the node's gas-limit estimate
	gasBufferPercent = 20

	// fallbackTipWei is the priority fee used when the node cannot suggest one
	fallbackTipWei = 2_000_000_000 // 2 gwei

	// fallbackBaseFeeWei is the base fee used when the latest header is
	// unavailable or pre-EIP-1559
	fallbackBaseFeeWei = 30_000_000_000 // 30 gwei
)

// FeeEnvelope is a bounded fee plan for one transaction
type FeeEnvelope struct {
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// MaxCost returns the worst-case total fee in wei
func (e FeeEnvelope) MaxCost() *big.Int {
	return new(big.Int).Mul(e.GasFeeCap, new(big.Int).SetUint64(e.GasLimit))
}

// Estimator computes fee envelopes from current network conditions. Individual
// RPC failures fall back to conservative fixed values rather than failing the
// mint outright, trading overpayment risk for availability.
type Estimator struct {
	client adapter.EthClient

	// fallbackGasLimit is the fixed gas budget used when estimation fails
	fallbackGasLimit uint64

	// feeCapCeiling bounds the per-gas fee cap; nil disables the check
	feeCapCeiling *big.Int
}

func NewEstimator(client adapter.EthClient, fallbackGasLimit uint64, feeCapCeiling *big.Int) *Estimator {
	return &Estimator{
		client:           client,
		fallbackGasLimit: fallbackGasLimit,
		feeCapCeiling:    feeCapCeiling,
	}
}

// Estimate computes a fee envelope for a call. Returns
// domain.ErrGasPriceTooHigh when the computed fee cap exceeds the configured
// ceiling.
func (e *Estimator) Estimate(ctx context.Context, msg ethereum.CallMsg) (FeeEnvelope, error) {
	return e.estimate(ctx, msg, false)
}

// EstimateReduced recomputes the envelope with the priority fee halved. Used
// for the single bounded retry after a gas-price rejection.
func (e *Estimator) EstimateReduced(ctx context.Context, msg ethereum.CallMsg) (FeeEnvelope, error) {
	return e.estimate(ctx, msg, true)
}

func (e *Estimator) estimate(ctx context.Context, msg ethereum.CallMsg, reducedTip bool) (FeeEnvelope, error) {
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "tip suggestion failed, using fallback", zap.Error(err))
		tip = big.NewInt(fallbackTipWei)
	}
	if reducedTip {
		tip = new(big.Int).Div(tip, big.NewInt(2))
	}

	baseFee := big.NewInt(fallbackBaseFeeWei)
	if head, err := e.client.HeaderByNumber(ctx, nil); err != nil {
		logger.WarnCtx(ctx, "header fetch failed, using fallback base fee", zap.Error(err))
	} else if head.BaseFee != nil {
		baseFee = head.BaseFee
	}

	// Standard headroom for base fee growth while the tx is pending
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gasLimit, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		logger.WarnCtx(ctx, "gas estimation failed, using fixed budget",
			zap.Uint64("fallback_gas_limit", e.fallbackGasLimit), zap.Error(err))
		gasLimit = e.fallbackGasLimit
	} else {
		gasLimit += gasLimit * gasBufferPercent / 100
	}

	if e.feeCapCeiling != nil && feeCap.Cmp(e.feeCapCeiling) > 0 {
		return FeeEnvelope{}, fmt.Errorf("fee cap %s wei exceeds ceiling %s wei: %w",
			feeCap.String(), e.feeCapCeiling.String(), domain.ErrGasPriceTooHigh)
	}

	return FeeEnvelope{
		GasLimit:  gasLimit,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	}, nil
}
