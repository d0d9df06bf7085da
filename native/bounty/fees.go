package bounty

import (
	"fmt"
	"math/big"
)

// DefaultFeeBps is the platform fee applied to cancellation and expiry
// refunds, in basis points (2.5%).
const DefaultFeeBps uint32 = 250

// ComputeFee splits a gross amount into platform fee and net payout for the
// given operation kind. The fee is realised at refund time only: prize
// distributions and deposits move the full amount, matching the policy the
// escrow contract enforces on chain. Fee division floors, so rounding always
// favours the claimant, and net + fee == gross holds for every input.
func ComputeFee(gross *big.Int, kind PaymentKind, feeBps uint32) (fee, net *big.Int, err error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, nil, fmt.Errorf("bounty: gross amount must be non-negative")
	}
	if feeBps > 10_000 {
		return nil, nil, fmt.Errorf("bounty: fee bps out of range: %d", feeBps)
	}
	if kind != PaymentRefund {
		return big.NewInt(0), new(big.Int).Set(gross), nil
	}
	fee = new(big.Int).Mul(gross, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	net = new(big.Int).Sub(gross, fee)
	return fee, net, nil
}
