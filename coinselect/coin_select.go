package coinselect

import (
	"fmt"
	"sort"

	"github.com/ecashwallet/walletd/amount"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CandidateCoin is a spendable coin offered to the selection.
type CandidateCoin struct {
	// CoinPub is the coin's public key.
	CoinPub string

	// ExchangeBaseURL is the exchange that issued the coin.
	ExchangeBaseURL string

	// Available is the residual value of the coin.
	Available amount.Amount

	// FeeDeposit is the deposit fee of the coin's denomination.
	FeeDeposit amount.Amount
}

// PreviousCoin is a coin already committed to the payment whose contribution
// has to be kept.
type PreviousCoin struct {
	CoinPub         string
	ExchangeBaseURL string
	Contribution    amount.Amount
	FeeDeposit      amount.Amount
}

// Request holds everything the selection needs. It never performs I/O, so
// the caller gathers candidates and fees up front.
type Request struct {
	// Candidates must already be filtered to spendable coins of eligible
	// exchanges.
	Candidates []CandidateCoin

	// WireFeesPerExchange is the wire fee each exchange charges for the
	// contract's wire method at the contract's timestamp.
	WireFeesPerExchange map[string]amount.Amount

	// ContractAmount is the price of the contract.
	ContractAmount amount.Amount

	// DepositFeeLimit is how much deposit fee the merchant covers.
	DepositFeeLimit amount.Amount

	// WireFeeLimit is how much wire fee the merchant covers.
	WireFeeLimit amount.Amount

	// WireFeeAmortization spreads the wire fee not covered by the
	// merchant over this many transactions.
	WireFeeAmortization uint32

	// PreviousPayCoins are kept in the selection with their committed
	// contributions. Only set when repairing an existing selection.
	PreviousPayCoins []PreviousCoin
}

// PayCoinSelection is the result of a successful selection. CoinPubs and
// CoinContributions are parallel.
type PayCoinSelection struct {
	// PaymentAmount is the amount requested by the merchant.
	PaymentAmount amount.Amount

	// CoinPubs are the public keys of the selected coins.
	CoinPubs []string

	// CoinContributions is the amount each coin contributes.
	CoinContributions []amount.Amount

	// CustomerWireFees is the share of the wire fees the customer pays.
	CustomerWireFees amount.Amount

	// CustomerDepositFees is the share of the deposit fees the customer
	// pays.
	CustomerDepositFees amount.Amount
}

// TotalContribution sums the contributions of all selected coins.
func (s *PayCoinSelection) TotalContribution() amount.Amount {
	total := amount.Zero(s.PaymentAmount.Currency)
	for _, c := range s.CoinContributions {
		total = add(total, c)
	}

	return total
}

// tally tracks how much is still to be covered while coins are added.
type tally struct {
	payRemaining           amount.Amount
	wireFeeLimitRemaining  amount.Amount
	depositLimitRemaining  amount.Amount
	customerDepositFees    amount.Amount
	customerWireFees       amount.Amount
	wireFeeCoveredExchange map[string]struct{}
}

// addCoinFees accounts for the fees of one more coin from the exchange. The
// exchange's wire fee is charged once per payment: first against the wire
// fee limit, then amortized against the remaining deposit fee limit. The
// coin's deposit fee is charged against the deposit fee limit. Whatever the
// limits don't cover is added to the amount still to be paid.
func (t *tally) addCoinFees(wireFees map[string]amount.Amount,
	amortization uint32, exchange string, feeDeposit amount.Amount) {

	currency := t.payRemaining.Currency

	if _, ok := t.wireFeeCoveredExchange[exchange]; !ok {
		wf, ok := wireFees[exchange]
		if !ok {
			wf = amount.Zero(currency)
		}

		forgiven := minAmount(t.wireFeeLimitRemaining, wf)
		t.wireFeeLimitRemaining = sub(
			t.wireFeeLimitRemaining, forgiven,
		)

		remaining := sub(wf, forgiven).Divide(amortization)

		depositForgiven := minAmount(
			t.depositLimitRemaining, remaining,
		)
		t.depositLimitRemaining = sub(
			t.depositLimitRemaining, depositForgiven,
		)

		remaining = sub(remaining, depositForgiven)
		t.customerWireFees = add(t.customerWireFees, remaining)
		t.payRemaining = add(t.payRemaining, remaining)

		t.wireFeeCoveredExchange[exchange] = struct{}{}
	}

	dfForgiven := minAmount(feeDeposit, t.depositLimitRemaining)
	t.depositLimitRemaining = sub(t.depositLimitRemaining, dfForgiven)

	dfRemaining := sub(feeDeposit, dfForgiven)
	t.customerDepositFees = add(t.customerDepositFees, dfRemaining)
	t.payRemaining = add(t.payRemaining, dfRemaining)
}

// SelectPayCoins picks coins to pay the contract amount plus the fees the
// merchant doesn't cover. Coins are taken largest first, ties broken by the
// lower deposit fee and then by the lower public key. An absent result means
// the candidates can't cover the payment, which is not an error. An error is
// only returned for malformed requests.
func SelectPayCoins(req *Request) (fn.Option[PayCoinSelection], error) {
	none := fn.None[PayCoinSelection]()

	if err := req.validate(); err != nil {
		return none, err
	}

	currency := req.ContractAmount.Currency
	t := &tally{
		payRemaining:           req.ContractAmount,
		wireFeeLimitRemaining:  req.WireFeeLimit,
		depositLimitRemaining:  req.DepositFeeLimit,
		customerDepositFees:    amount.Zero(currency),
		customerWireFees:       amount.Zero(currency),
		wireFeeCoveredExchange: make(map[string]struct{}),
	}

	var (
		coinPubs      []string
		contributions []amount.Amount
		prevCoinPubs  = make(map[string]struct{})
	)

	// Coins of the previous selection are tallied first, so only the
	// remaining gap is filled with new coins.
	for _, prev := range req.PreviousPayCoins {
		t.addCoinFees(
			req.WireFeesPerExchange, req.WireFeeAmortization,
			prev.ExchangeBaseURL, prev.FeeDeposit,
		)
		t.payRemaining = sub(t.payRemaining, prev.Contribution)

		coinPubs = append(coinPubs, prev.CoinPub)
		contributions = append(contributions, prev.Contribution)
		prevCoinPubs[prev.CoinPub] = struct{}{}
	}

	candidates := arrangeCandidates(req.Candidates)
	for _, coin := range candidates {
		// Depositing the coin would cost more than it gives the
		// merchant.
		if cmp(coin.FeeDeposit, coin.Available) > 0 {
			continue
		}

		if t.payRemaining.IsZero() {
			break
		}

		// A coin can't contribute twice to the same payment.
		if _, ok := prevCoinPubs[coin.CoinPub]; ok {
			continue
		}

		t.addCoinFees(
			req.WireFeesPerExchange, req.WireFeeAmortization,
			coin.ExchangeBaseURL, coin.FeeDeposit,
		)

		spend := minAmount(t.payRemaining, coin.Available)
		spend = maxAmount(spend, coin.FeeDeposit)
		t.payRemaining = sub(t.payRemaining, spend)

		coinPubs = append(coinPubs, coin.CoinPub)
		contributions = append(contributions, spend)
	}

	if !t.payRemaining.IsZero() {
		log.Debugf("Coin selection infeasible for %v, %v left "+
			"uncovered with %d candidates", req.ContractAmount,
			t.payRemaining, len(req.Candidates))

		return none, nil
	}

	return fn.Some(PayCoinSelection{
		PaymentAmount:       req.ContractAmount,
		CoinPubs:            coinPubs,
		CoinContributions:   contributions,
		CustomerWireFees:    t.customerWireFees,
		CustomerDepositFees: t.customerDepositFees,
	}), nil
}

// arrangeCandidates returns a copy of the candidates ordered by available
// amount descending, deposit fee ascending and coin public key ascending.
func arrangeCandidates(coins []CandidateCoin) []CandidateCoin {
	arranged := make([]CandidateCoin, len(coins))
	copy(arranged, coins)

	sort.SliceStable(arranged, func(i, j int) bool {
		a, b := arranged[i], arranged[j]
		if c := cmp(a.Available, b.Available); c != 0 {
			return c > 0
		}
		if c := cmp(a.FeeDeposit, b.FeeDeposit); c != 0 {
			return c < 0
		}

		return a.CoinPub < b.CoinPub
	})

	return arranged
}

// validate checks that all amounts of the request share the contract's
// currency, so the arithmetic helpers below can't fail.
func (r *Request) validate() error {
	currency := r.ContractAmount.Currency

	check := func(what string, a amount.Amount) error {
		if a.Currency != currency {
			return fmt.Errorf("%w: %s has currency %s, contract "+
				"has %s", amount.ErrCurrencyMismatch, what,
				a.Currency, currency)
		}

		return nil
	}

	if err := check("deposit fee limit", r.DepositFeeLimit); err != nil {
		return err
	}
	if err := check("wire fee limit", r.WireFeeLimit); err != nil {
		return err
	}
	for exchange, wf := range r.WireFeesPerExchange {
		if err := check("wire fee of "+exchange, wf); err != nil {
			return err
		}
	}
	for _, c := range r.Candidates {
		if err := check("coin "+c.CoinPub, c.Available); err != nil {
			return err
		}
		if err := check("fee of "+c.CoinPub, c.FeeDeposit); err != nil {
			return err
		}
	}
	for _, p := range r.PreviousPayCoins {
		if err := check("coin "+p.CoinPub, p.Contribution); err != nil {
			return err
		}
		if err := check("fee of "+p.CoinPub, p.FeeDeposit); err != nil {
			return err
		}
	}

	return nil
}

// The helpers below operate on amounts already known to share a currency.

func add(a, b amount.Amount) amount.Amount {
	sum, _, _ := amount.Add(a, b)
	return sum
}

func sub(a, b amount.Amount) amount.Amount {
	diff, _, _ := amount.Sub(a, b)
	return diff
}

func cmp(a, b amount.Amount) int {
	c, _ := amount.Cmp(a, b)
	return c
}

func minAmount(a, b amount.Amount) amount.Amount {
	if cmp(a, b) <= 0 {
		return a
	}

	return b
}

func maxAmount(a, b amount.Amount) amount.Amount {
	if cmp(a, b) >= 0 {
		return a
	}

	return b
}
