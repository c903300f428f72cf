package coinselect

import (
	"sort"

	"github.com/ecashwallet/walletd/amount"
)

// Denom is a denomination that can be withdrawn.
type Denom struct {
	DenomPubHash string
	Value        amount.Amount
	FeeWithdraw  amount.Amount
}

// DenomCount is how many coins of a denomination are withdrawn.
type DenomCount struct {
	Denom Denom
	Count uint32
}

// WithdrawalSelection is the result of SelectWithdrawalDenoms.
type WithdrawalSelection struct {
	Selected []DenomCount

	// TotalCoinValue is the face value of all selected coins.
	TotalCoinValue amount.Amount

	// TotalWithdrawCost is the face value plus the withdraw fees.
	TotalWithdrawCost amount.Amount
}

// SelectWithdrawalDenoms greedily picks the largest denominations whose
// value plus withdraw fee still fit into avail. All denominations must have
// avail's currency.
func SelectWithdrawalDenoms(avail amount.Amount,
	denoms []Denom) WithdrawalSelection {

	currency := avail.Currency
	sel := WithdrawalSelection{
		TotalCoinValue:    amount.Zero(currency),
		TotalWithdrawCost: amount.Zero(currency),
	}

	sorted := make([]Denom, 0, len(denoms))
	for _, d := range denoms {
		if d.Value.Currency == currency &&
			d.FeeWithdraw.Currency == currency {

			sorted = append(sorted, d)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return cmp(sorted[i].Value, sorted[j].Value) > 0
	})

	remaining := avail
	for _, d := range sorted {
		cost := add(d.Value, d.FeeWithdraw)
		if cost.IsZero() {
			continue
		}

		var count uint32
		for cmp(remaining, cost) >= 0 {
			remaining = sub(remaining, cost)
			sel.TotalCoinValue = add(sel.TotalCoinValue, d.Value)
			sel.TotalWithdrawCost = add(sel.TotalWithdrawCost, cost)
			count++
		}

		if count > 0 {
			sel.Selected = append(sel.Selected, DenomCount{
				Denom: d,
				Count: count,
			})
		}
	}

	return sel
}
