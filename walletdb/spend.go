package walletdb

import (
	"fmt"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/build"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/retry"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
)

// PayCandidates are the coins a contract can be paid with.
type PayCandidates struct {
	Coins []coinselect.CandidateCoin

	// WireFeesPerExchange holds the wire fee of every eligible exchange
	// that has one for the contract's wire method.
	WireFeesPerExchange map[string]amount.Amount
}

// exchangeAccepted reports whether the contract accepts coins of the
// exchange, either directly or through one of its auditors.
func exchangeAccepted(e *Exchange, cd *contractterms.ContractData) bool {
	for _, allowed := range cd.AllowedExchanges {
		if allowed.ExchangePub == e.MasterPublicKey {
			return true
		}
	}

	for _, allowed := range cd.AllowedAuditors {
		for _, auditor := range e.Auditors {
			if auditor.AuditorPub == allowed.AuditorPub {
				return true
			}
		}
	}

	return false
}

// spendable reports whether a coin of the denomination can be deposited at
// now.
func spendable(c *Coin, d *Denomination, now time.Time) bool {
	switch {
	case c.Suspended:
		return false
	case c.Status != CoinFresh:
		return false
	case d.IsRevoked || !d.IsOffered:
		return false
	case !now.Before(d.StampExpireDeposit):
		return false
	}

	return true
}

// FetchPayCandidatesTx collects the fresh coins of every exchange the
// contract accepts, together with the exchanges' wire fees at the contract
// timestamp.
func FetchPayCandidatesTx(tx kvdb.RTx, cd *contractterms.ContractData,
	now time.Time) (*PayCandidates, error) {

	candidates := &PayCandidates{
		WireFeesPerExchange: make(map[string]amount.Amount),
	}

	eligible := make(map[string]struct{})
	err := ForAllExchangesTx(tx, func(e *Exchange) error {
		if !exchangeAccepted(e, cd) {
			return nil
		}
		eligible[e.BaseURL] = struct{}{}

		fee, ok := e.WireFeeAt(cd.WireMethod, cd.Timestamp)
		if ok && fee.Currency == cd.Amount.Currency {
			candidates.WireFeesPerExchange[e.BaseURL] = fee
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(eligible) == 0 {
		return candidates, nil
	}

	err = ForAllCoinsTx(tx, func(c *Coin) error {
		if _, ok := eligible[c.ExchangeBaseURL]; !ok {
			return nil
		}
		if c.CurrentAmount.Currency != cd.Amount.Currency {
			return nil
		}

		d, err := FetchDenominationTx(tx, c.ExchangeBaseURL,
			c.DenomPubHash)
		if err != nil {
			log.Warnf("Coin %s without denomination: %v",
				c.CoinPub, err)
			return nil
		}
		if !spendable(c, d, now) {
			return nil
		}

		candidates.Coins = append(candidates.Coins,
			coinselect.CandidateCoin{
				CoinPub:         c.CoinPub,
				ExchangeBaseURL: c.ExchangeBaseURL,
				Available:       c.CurrentAmount,
				FeeDeposit:      d.FeeDeposit,
			})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return candidates, nil
}

// withdrawableDenomsTx returns the denominations of an exchange new coins
// can be obtained from at now.
func withdrawableDenomsTx(tx kvdb.RTx, exchangeBaseURL string,
	now time.Time) ([]coinselect.Denom, error) {

	var denoms []coinselect.Denom
	err := ForAllDenominationsTx(tx, exchangeBaseURL,
		func(d *Denomination) error {
			if !d.Withdrawable(now) {
				return nil
			}
			denoms = append(denoms, coinselect.Denom{
				DenomPubHash: d.DenomPubHash,
				Value:        d.Value,
				FeeWithdraw:  d.FeeWithdraw,
			})

			return nil
		},
	)

	return denoms, err
}

// RefreshCost estimates how much of amountLeft is lost when a coin of the
// refreshed denomination is melted into coins of the given denominations:
// the refresh fee plus the value that can't be withdrawn again.
func RefreshCost(denoms []coinselect.Denom, refreshed *Denomination,
	amountLeft amount.Amount) amount.Amount {

	withdrawAmount, _, err := amount.Sub(amountLeft, refreshed.FeeRefresh)
	if err != nil {
		return amountLeft
	}

	sel := coinselect.SelectWithdrawalDenoms(withdrawAmount, denoms)

	cost, _, err := amount.Sub(amountLeft, sel.TotalCoinValue)
	if err != nil {
		return amountLeft
	}

	return cost
}

// denomCache memoizes denomination lookups within one transaction.
type denomCache struct {
	tx  kvdb.RTx
	now time.Time

	denoms       map[string]*Denomination
	withdrawable map[string][]coinselect.Denom
}

func newDenomCache(tx kvdb.RTx, now time.Time) *denomCache {
	return &denomCache{
		tx:           tx,
		now:          now,
		denoms:       make(map[string]*Denomination),
		withdrawable: make(map[string][]coinselect.Denom),
	}
}

func (c *denomCache) denomOf(coin *Coin) (*Denomination, error) {
	key := coin.ExchangeBaseURL + "\x00" + coin.DenomPubHash
	if d, ok := c.denoms[key]; ok {
		return d, nil
	}

	d, err := FetchDenominationTx(c.tx, coin.ExchangeBaseURL,
		coin.DenomPubHash)
	if err != nil {
		return nil, fmt.Errorf("denomination of coin %s: %w",
			coin.CoinPub, err)
	}
	c.denoms[key] = d

	return d, nil
}

func (c *denomCache) withdrawableOf(exchangeBaseURL string) (
	[]coinselect.Denom, error) {

	if denoms, ok := c.withdrawable[exchangeBaseURL]; ok {
		return denoms, nil
	}

	denoms, err := withdrawableDenomsTx(c.tx, exchangeBaseURL, c.now)
	if err != nil {
		return nil, err
	}
	c.withdrawable[exchangeBaseURL] = denoms

	return denoms, nil
}

// TotalPayCostTx returns what a selection costs the wallet: the coin
// contributions plus the estimated cost of refreshing each coin's change.
func TotalPayCostTx(tx kvdb.RTx, sel *coinselect.PayCoinSelection,
	now time.Time) (amount.Amount, error) {

	cache := newDenomCache(tx, now)
	total := amount.Zero(sel.PaymentAmount.Currency)

	for i, coinPub := range sel.CoinPubs {
		contrib := sel.CoinContributions[i]

		coin, err := FetchCoinTx(tx, coinPub)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("coin %s: %w",
				coinPub, err)
		}
		d, err := cache.denomOf(coin)
		if err != nil {
			return amount.Amount{}, err
		}
		denoms, err := cache.withdrawableOf(coin.ExchangeBaseURL)
		if err != nil {
			return amount.Amount{}, err
		}

		amountLeft, _, err := amount.Sub(d.Value, contrib)
		if err != nil {
			return amount.Amount{}, err
		}
		refreshCost := RefreshCost(denoms, d, amountLeft)

		total, _, err = amount.Add(total, contrib, refreshCost)
		if err != nil {
			return amount.Amount{}, err
		}
	}

	return total, nil
}

// allocationConflict builds the invariant violation reported when a coin's
// stored allocation contradicts a spend.
func allocationConflict(coinPub, format string,
	args ...interface{}) error {

	err := errorcodes.Wrap(
		ErrAllocationConflict,
		errorcodes.WalletLedgerInvariantViolated,
		errorcodes.KindInvariant,
		"coin %s: %s", coinPub, fmt.Sprintf(format, args...),
	)
	log.Criticalf("Ledger invariant violated: %v", err)

	return err
}

// ApplyCoinSpendTx commits the coins of a selection to the allocation id.
// Fresh coins become dormant with their contribution deducted, and their
// change is moved into a new refresh group that is returned. Coins already
// carrying the same allocation with the same amount are left alone, so
// applying a selection twice has no further effect and returns a nil group.
// Any other allocation state is a ledger invariant violation.
func ApplyCoinSpendTx(tx kvdb.RwTx, allocationID string,
	sel *coinselect.PayCoinSelection, reason RefreshReason,
	now time.Time) (*RefreshGroup, error) {

	if len(sel.CoinPubs) != len(sel.CoinContributions) {
		return nil, fmt.Errorf("selection has %d coins but %d "+
			"contributions", len(sel.CoinPubs),
			len(sel.CoinContributions))
	}

	var touched []string
	for i, coinPub := range sel.CoinPubs {
		contrib := sel.CoinContributions[i]

		coin, err := FetchCoinTx(tx, coinPub)
		if err != nil {
			return nil, fmt.Errorf("coin allocated for payment: %w",
				err)
		}

		if coin.Status != CoinFresh {
			alloc := coin.Allocation
			switch {
			case alloc == nil:
				return nil, allocationConflict(coinPub,
					"already spent without allocation")

			case alloc.ID != allocationID:
				return nil, allocationConflict(coinPub,
					"allocated to %s, not %s", alloc.ID,
					allocationID)
			}

			c, err := amount.Cmp(alloc.Amount, contrib)
			if err != nil || c != 0 {
				return nil, allocationConflict(coinPub,
					"allocated %v, not %v", alloc.Amount,
					contrib)
			}

			continue
		}

		remaining, saturated, err := amount.Sub(
			coin.CurrentAmount, contrib,
		)
		if err != nil {
			return nil, err
		}
		if saturated {
			err := errorcodes.Wrap(
				ErrInsufficientCoinValue,
				errorcodes.WalletLedgerInvariantViolated,
				errorcodes.KindInvariant,
				"coin %s has %v, contribution %v", coinPub,
				coin.CurrentAmount, contrib,
			)
			log.Criticalf("Ledger invariant violated: %v", err)

			return nil, err
		}

		coin.Status = CoinDormant
		coin.Allocation = &CoinAllocation{
			ID:     allocationID,
			Amount: contrib,
		}
		coin.CurrentAmount = remaining
		if err := PutCoinTx(tx, coin); err != nil {
			return nil, err
		}

		touched = append(touched, coinPub)
	}

	if len(touched) == 0 {
		log.Debugf("Allocation %s already applied", allocationID)
		return nil, nil
	}

	return CreateRefreshGroupTx(tx, touched, reason, now)
}

// CreateRefreshGroupTx moves the residual value of the coins into a new
// refresh group. Each coin becomes dormant with a zero residual, and the
// group's estimated output accounts for the refresh fee and the change that
// can't be withdrawn again. A group without coins is finished at once.
func CreateRefreshGroupTx(tx kvdb.RwTx, coinPubs []string,
	reason RefreshReason, now time.Time) (*RefreshGroup, error) {

	g := &RefreshGroup{
		RefreshGroupID:         uuid.NewString(),
		Reason:                 reason,
		OldCoinPubs:            make([]string, 0, len(coinPubs)),
		InputPerCoin:           make([]amount.Amount, 0, len(coinPubs)),
		EstimatedOutputPerCoin: make([]amount.Amount, 0, len(coinPubs)),
		StatusPerCoin: make(
			[]RefreshCoinStatus, 0, len(coinPubs),
		),
		Retry:            retry.NewInfo(now),
		TimestampCreated: now,
	}

	cache := newDenomCache(tx, now)
	for _, coinPub := range coinPubs {
		coin, err := FetchCoinTx(tx, coinPub)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", coinPub, err)
		}
		d, err := cache.denomOf(coin)
		if err != nil {
			return nil, err
		}
		denoms, err := cache.withdrawableOf(coin.ExchangeBaseURL)
		if err != nil {
			return nil, err
		}

		input := coin.CurrentAmount
		coin.CurrentAmount = amount.Zero(input.Currency)
		coin.Status = CoinDormant
		if err := PutCoinTx(tx, coin); err != nil {
			return nil, err
		}

		cost := RefreshCost(denoms, d, input)
		output, _, err := amount.Sub(input, cost)
		if err != nil {
			return nil, err
		}

		g.OldCoinPubs = append(g.OldCoinPubs, coinPub)
		g.InputPerCoin = append(g.InputPerCoin, input)
		g.EstimatedOutputPerCoin = append(
			g.EstimatedOutputPerCoin, output,
		)
		g.StatusPerCoin = append(g.StatusPerCoin, RefreshCoinPending)
	}

	if len(coinPubs) == 0 {
		log.Warnf("Created refresh group %s with zero coins",
			g.RefreshGroupID)
		g.TimestampFinished = now
	}

	if err := PutRefreshGroupTx(tx, g); err != nil {
		return nil, err
	}

	log.Debugf("Created refresh group %s (%v) for %d coins",
		g.RefreshGroupID, reason, len(coinPubs))
	log.Tracef("Refresh group %s: %v", g.RefreshGroupID,
		build.SpewLogClosure(g))

	return g, nil
}
