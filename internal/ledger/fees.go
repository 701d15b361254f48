package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy computes withdrawal fees from a configured percentage, rounded to
// whole nuggets and capped. Deposits never carry a fee.
type FeePolicy struct {
	percent decimal.Decimal
	maxFee  int64
}

// NewFeePolicy parses the configured percent, e.g. "0.10" for a 10% fee.
// maxFee <= 0 disables the cap.
func NewFeePolicy(percent string, maxFee int64) (*FeePolicy, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return nil, fmt.Errorf("parse fee percent %q: %w", percent, err)
	}
	if p.IsNegative() {
		return nil, fmt.Errorf("fee percent %q is negative", percent)
	}
	return &FeePolicy{percent: p, maxFee: maxFee}, nil
}

// WithdrawalFee returns the fee charged on top of a withdrawal amount.
func (f *FeePolicy) WithdrawalFee(amount int64) int64 {
	fee := decimal.NewFromInt(amount).Mul(f.percent).Round(0).IntPart()
	if f.maxFee > 0 && fee > f.maxFee {
		fee = f.maxFee
	}
	return fee
}

// TotalCost is the balance impact of withdrawing amount.
func (f *FeePolicy) TotalCost(amount int64) int64 {
	return amount + f.WithdrawalFee(amount)
}
