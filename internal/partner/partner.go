// Package partner provides the engine-side adapters for data owned by
// neighboring services: the membership tier a customer's platform fee comes
// from and the contractor payout directory. Until those services expose an
// API the adapters are config-backed.
package partner

import (
	"github.com/shopspring/decimal"

	"github.com/renolink/escrow/internal/escrow"
)

// StaticMembership serves the configured default platform fee percentage for
// every customer. Implements escrow.MembershipLookup.
type StaticMembership struct {
	feePercent decimal.Decimal
}

func NewStaticMembership(feePercent decimal.Decimal) *StaticMembership {
	return &StaticMembership{feePercent: feePercent}
}

func (m *StaticMembership) PlatformFeePercent(customerID string) (decimal.Decimal, error) {
	return m.feePercent, nil
}

// StaticPayeeDirectory treats every contractor as payable, with a payout
// account derived from the contractor ID. Implements escrow.PayeeLookup.
type StaticPayeeDirectory struct{}

func NewStaticPayeeDirectory() *StaticPayeeDirectory {
	return &StaticPayeeDirectory{}
}

func (d *StaticPayeeDirectory) PayeeAccount(contractorID string) (escrow.PayeeAccount, error) {
	return escrow.PayeeAccount{
		Payable:          true,
		PayoutAccountRef: "acct_" + contractorID,
	}, nil
}
