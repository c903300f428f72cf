package walletdb

import (
	"sort"

	"github.com/ecashwallet/walletd/amount"
	"github.com/lightningnetwork/lnd/kvdb"
)

// Balance summarizes the funds of one currency.
type Balance struct {
	Currency string

	// Available is the residual value of all fresh coins that aren't
	// suspended.
	Available amount.Amount

	// PendingIncoming is the estimated output of unfinished refreshes.
	PendingIncoming amount.Amount
}

// FetchBalancesTx computes the balance of every currency the wallet holds.
// The result is sorted by currency.
func FetchBalancesTx(tx kvdb.RTx) ([]Balance, error) {
	balances := make(map[string]*Balance)
	get := func(currency string) *Balance {
		b, ok := balances[currency]
		if !ok {
			b = &Balance{
				Currency:        currency,
				Available:       amount.Zero(currency),
				PendingIncoming: amount.Zero(currency),
			}
			balances[currency] = b
		}

		return b
	}

	err := ForAllCoinsTx(tx, func(c *Coin) error {
		if c.Status != CoinFresh || c.Suspended {
			return nil
		}

		b := get(c.CurrentAmount.Currency)

		var err error
		b.Available, _, err = amount.Add(b.Available, c.CurrentAmount)

		return err
	})
	if err != nil {
		return nil, err
	}

	err = ForAllRefreshGroupsTx(tx, func(g *RefreshGroup) error {
		if g.Finished() {
			return nil
		}

		for i, out := range g.EstimatedOutputPerCoin {
			if g.StatusPerCoin[i] != RefreshCoinPending {
				continue
			}

			b := get(out.Currency)

			var err error
			b.PendingIncoming, _, err = amount.Add(
				b.PendingIncoming, out,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Balance, 0, len(balances))
	for _, b := range balances {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Currency < result[j].Currency
	})

	return result, nil
}

// FetchBalances computes the balance of every currency the wallet holds.
func (d *DB) FetchBalances() ([]Balance, error) {
	var balances []Balance
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		balances, err = FetchBalancesTx(tx)

		return err
	}, func() {
		balances = nil
	})

	return balances, err
}
