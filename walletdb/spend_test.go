package walletdb

import (
	"testing"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func applySpend(db *DB, id string,
	sel *coinselect.PayCoinSelection) (*RefreshGroup, error) {

	var g *RefreshGroup
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		var err error
		g, err = ApplyCoinSpendTx(
			tx, id, sel, RefreshReasonPay, db.Now(),
		)

		return err
	}, func() {
		g = nil
	})

	return g, err
}

func TestApplyCoinSpend(t *testing.T) {
	t.Parallel()

	db, _ := makeTestDB(t)
	populate(t, db, map[string]uint64{"a": 5, "b": 2, "c": 1})

	sel := testSelection([]string{"a", "b"}, "KUDOS:2.5", "KUDOS:2")

	g, err := applySpend(db, "proposal:p1", sel)
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Equal(t, []string{"a", "b"}, g.OldCoinPubs)
	require.Equal(t, []amount.Amount{
		amount.MustParse("KUDOS:2.5"), amount.Zero("KUDOS"),
	}, g.InputPerCoin)
	require.False(t, g.Finished())
	require.Equal(t, []RefreshCoinStatus{
		RefreshCoinPending, RefreshCoinPending,
	}, g.StatusPerCoin)

	// 2.49 remains after the refresh fee and only a 2 KUDOS coin fits.
	require.Equal(t, amount.MustParse("KUDOS:2"),
		g.EstimatedOutputPerCoin[0])
	require.Equal(t, amount.Zero("KUDOS"), g.EstimatedOutputPerCoin[1])

	for pub, contrib := range map[string]string{
		"a": "KUDOS:2.5", "b": "KUDOS:2",
	} {
		coin, err := db.FetchCoin(pub)
		require.NoError(t, err)
		require.Equal(t, CoinDormant, coin.Status)
		require.True(t, coin.CurrentAmount.IsZero())
		require.Equal(t, "proposal:p1", coin.Allocation.ID)
		require.Equal(t, amount.MustParse(contrib),
			coin.Allocation.Amount)
	}

	coin, err := db.FetchCoin("c")
	require.NoError(t, err)
	require.Equal(t, CoinFresh, coin.Status)

	// Applying the same allocation again changes nothing.
	g, err = applySpend(db, "proposal:p1", sel)
	require.NoError(t, err)
	require.Nil(t, g)

	groups, err := db.FetchAllRefreshGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	// Extending the selection only spends the new coin.
	extended := testSelection(
		[]string{"a", "b", "c"}, "KUDOS:2.5", "KUDOS:2", "KUDOS:1",
	)
	g, err = applySpend(db, "proposal:p1", extended)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, g.OldCoinPubs)
}

func TestApplyCoinSpendConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		sel  *coinselect.PayCoinSelection
	}{
		{
			name: "other allocation",
			id:   "proposal:p2",
			sel:  testSelection([]string{"a"}, "KUDOS:2.5"),
		},
		{
			name: "other amount",
			id:   "proposal:p1",
			sel:  testSelection([]string{"a"}, "KUDOS:3"),
		},
		{
			name: "refreshed coin",
			id:   "proposal:p1",
			sel:  testSelection([]string{"r"}, "KUDOS:1"),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			db, _ := makeTestDB(t)
			populate(t, db, map[string]uint64{"a": 5, "r": 1})

			_, err := applySpend(
				db, "proposal:p1",
				testSelection([]string{"a"}, "KUDOS:2.5"),
			)
			require.NoError(t, err)

			err = kvdb.Update(db, func(tx kvdb.RwTx) error {
				_, err := CreateRefreshGroupTx(
					tx, []string{"r"}, RefreshReasonManual,
					db.Now(),
				)

				return err
			}, func() {})
			require.NoError(t, err)

			_, err = applySpend(db, test.id, test.sel)
			require.ErrorIs(t, err, ErrAllocationConflict)
			require.Equal(t, errorcodes.KindInvariant,
				errorcodes.KindOf(err))
			require.True(t, errorcodes.HasCode(
				err, errorcodes.WalletLedgerInvariantViolated,
			))

			// The failed transaction left the coin untouched.
			coin, err := db.FetchCoin("a")
			require.NoError(t, err)
			require.Equal(t, "proposal:p1", coin.Allocation.ID)
		})
	}
}

func TestApplyCoinSpendOverdraw(t *testing.T) {
	t.Parallel()

	db, _ := makeTestDB(t)
	populate(t, db, map[string]uint64{"a": 1})

	_, err := applySpend(
		db, "proposal:p1", testSelection([]string{"a"}, "KUDOS:2"),
	)
	require.ErrorIs(t, err, ErrInsufficientCoinValue)

	coin, err := db.FetchCoin("a")
	require.NoError(t, err)
	require.Equal(t, CoinFresh, coin.Status)
	require.Nil(t, coin.Allocation)
}

func TestCreateEmptyRefreshGroup(t *testing.T) {
	t.Parallel()

	db, clk := makeTestDB(t)

	var g *RefreshGroup
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		var err error
		g, err = CreateRefreshGroupTx(
			tx, nil, RefreshReasonScheduled, clk.Now(),
		)

		return err
	}, func() {})
	require.NoError(t, err)
	require.True(t, g.Finished())

	stored, err := db.FetchRefreshGroup(g.RefreshGroupID)
	require.NoError(t, err)
	require.True(t, stored.Finished())
	require.Equal(t, RefreshReasonScheduled, stored.Reason)
}

func TestTotalPayCost(t *testing.T) {
	t.Parallel()

	db, _ := makeTestDB(t)
	populate(t, db, map[string]uint64{"a": 5, "b": 1})

	sel := testSelection([]string{"a", "b"}, "KUDOS:2.5", "KUDOS:1")

	var total amount.Amount
	err := kvdb.View(db, func(tx kvdb.RTx) error {
		var err error
		total, err = TotalPayCostTx(tx, sel, db.Now())

		return err
	}, func() {})
	require.NoError(t, err)

	// Coin a leaves 2.5 of change, of which 2 is refreshed back, coin b
	// leaves nothing.
	require.Equal(t, amount.MustParse("KUDOS:4"), total)
}

func TestRefreshCost(t *testing.T) {
	t.Parallel()

	denoms := []coinselect.Denom{
		{
			DenomPubHash: "1",
			Value:        amount.MustParse("KUDOS:1"),
			FeeWithdraw:  amount.MustParse("KUDOS:0.1"),
		},
		{
			DenomPubHash: "0.5",
			Value:        amount.MustParse("KUDOS:0.5"),
			FeeWithdraw:  amount.Zero("KUDOS"),
		},
	}
	refreshed := testDenom(5)

	tests := []struct {
		left string
		cost string
	}{
		{"KUDOS:0", "KUDOS:0"},
		{"KUDOS:0.01", "KUDOS:0.01"},
		{"KUDOS:1.11", "KUDOS:0.11"},
		{"KUDOS:2", "KUDOS:0.5"},
	}

	for _, test := range tests {
		cost := RefreshCost(
			denoms, refreshed, amount.MustParse(test.left),
		)
		require.Equal(t, amount.MustParse(test.cost), cost, test.left)
	}
}

func TestFetchPayCandidates(t *testing.T) {
	t.Parallel()

	db, clk := makeTestDB(t)
	populate(t, db, map[string]uint64{"fresh": 5, "suspended": 2})

	suspended, err := db.FetchCoin("suspended")
	require.NoError(t, err)
	suspended.Suspended = true
	require.NoError(t, db.PutCoin(suspended))

	revoked := testDenom(10)
	revoked.IsRevoked = true
	require.NoError(t, db.PutDenomination(revoked))
	require.NoError(t, db.PutCoin(testCoin("revoked", revoked)))

	expired := testDenom(20)
	expired.StampExpireDeposit = clk.Now()
	require.NoError(t, db.PutDenomination(expired))
	require.NoError(t, db.PutCoin(testCoin("expired", expired)))

	other := testDenom(1)
	other.ExchangeBaseURL = "https://other.example.com/"
	require.NoError(t, db.PutExchange(&Exchange{
		BaseURL:         other.ExchangeBaseURL,
		MasterPublicKey: "other",
		Currency:        "KUDOS",
	}))
	require.NoError(t, db.PutDenomination(other))
	require.NoError(t, db.PutCoin(testCoin("other", other)))

	cd, err := contractterms.Extract(
		testTerms(t, "o1", ""), "merchantsig",
	)
	require.NoError(t, err)

	fetch := func(cd *contractterms.ContractData) *PayCandidates {
		var c *PayCandidates
		err := kvdb.View(db, func(tx kvdb.RTx) error {
			var err error
			c, err = FetchPayCandidatesTx(tx, cd, clk.Now())

			return err
		}, func() {})
		require.NoError(t, err)

		return c
	}

	c := fetch(cd)
	require.Len(t, c.Coins, 1)
	require.Equal(t, coinselect.CandidateCoin{
		CoinPub:         "fresh",
		ExchangeBaseURL: testExchangeURL,
		Available:       amount.MustParse("KUDOS:5"),
		FeeDeposit:      amount.MustParse("KUDOS:0.01"),
	}, c.Coins[0])
	require.Equal(t, map[string]amount.Amount{
		testExchangeURL: amount.MustParse("KUDOS:0.01"),
	}, c.WireFeesPerExchange)

	// An exchange is also accepted through a trusted auditor.
	byAuditor := *cd
	byAuditor.AllowedExchanges = nil
	byAuditor.AllowedAuditors = []contractterms.AllowedAuditor{{
		AuditorPub: "auditor",
	}}
	require.Len(t, fetch(&byAuditor).Coins, 1)

	// Without a wire fee for the method, no fee is reported.
	otherMethod := *cd
	otherMethod.WireMethod = "iban"
	require.Empty(t, fetch(&otherMethod).WireFeesPerExchange)

	// Coins of another currency are never candidates.
	otherCurrency := *cd
	otherCurrency.Amount = amount.MustParse("EUR:3")
	require.Empty(t, fetch(&otherCurrency).Coins)

	// Outside the wire fee window the exchange has no fee.
	late := *cd
	late.Timestamp = clk.Now().Add(2 * time.Hour)
	require.Empty(t, fetch(&late).WireFeesPerExchange)
}

func TestFetchBalances(t *testing.T) {
	t.Parallel()

	db, _ := makeTestDB(t)
	populate(t, db, map[string]uint64{"a": 5, "b": 2, "c": 1})

	_, err := applySpend(
		db, "proposal:p1", testSelection([]string{"a"}, "KUDOS:2.5"),
	)
	require.NoError(t, err)

	eur := testDenom(1)
	eur.ExchangeBaseURL = "https://euro.example.com/"
	eur.Value = amount.MustParse("EUR:1")
	coin := testCoin("eur", eur)
	require.NoError(t, db.PutCoin(coin))

	balances, err := db.FetchBalances()
	require.NoError(t, err)
	require.Equal(t, []Balance{
		{
			Currency:        "EUR",
			Available:       amount.MustParse("EUR:1"),
			PendingIncoming: amount.Zero("EUR"),
		},
		{
			Currency:        "KUDOS",
			Available:       amount.MustParse("KUDOS:3"),
			PendingIncoming: amount.MustParse("KUDOS:2"),
		},
	}, balances)
}
