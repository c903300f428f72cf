package walletdb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

const (
	testExchangeURL = "https://exchange.example.com/"
	testMasterPub   = "master"
	testMerchantURL = "https://backend.example.com/"
)

var testTime = time.Unix(1_700_000_000, 0)

// makeTestDB creates an empty ledger in a temporary directory.
func makeTestDB(t *testing.T) (*DB, *clock.TestClock) {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "wallet")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	clk := clock.NewTestClock(testTime)
	db, err := CreateWithBackend(backend, clk)
	require.NoError(t, err)

	return db, clk
}

func testExchange() *Exchange {
	return &Exchange{
		BaseURL:         testExchangeURL,
		MasterPublicKey: testMasterPub,
		Currency:        "KUDOS",
		Auditors: []AuditorInfo{{
			AuditorBaseURL: "https://auditor.example.com/",
			AuditorPub:     "auditor",
		}},
		WireFees: map[string][]WireFee{
			"x-taler-bank": {{
				WireFee:    amount.MustParse("KUDOS:0.01"),
				ClosingFee: amount.MustParse("KUDOS:0.01"),
				StartStamp: testTime.Add(-time.Hour),
				EndStamp:   testTime.Add(time.Hour),
				Sig:        "wiresig",
			}},
		},
		LastUpdate: testTime,
	}
}

// testDenom returns a withdrawable denomination worth value KUDOS.
func testDenom(value uint64) *Denomination {
	return &Denomination{
		ExchangeBaseURL:     testExchangeURL,
		DenomPubHash:        amount.New("KUDOS", value, 0).String(),
		DenomPub:            "pub",
		Value:               amount.New("KUDOS", value, 0),
		FeeWithdraw:         amount.Zero("KUDOS"),
		FeeDeposit:          amount.MustParse("KUDOS:0.01"),
		FeeRefresh:          amount.MustParse("KUDOS:0.01"),
		FeeRefund:           amount.MustParse("KUDOS:0.01"),
		StampStart:          testTime.Add(-24 * time.Hour),
		StampExpireWithdraw: testTime.Add(24 * time.Hour),
		StampExpireDeposit:  testTime.Add(48 * time.Hour),
		StampExpireLegal:    testTime.Add(72 * time.Hour),
		IsOffered:           true,
		MasterSig:           "sig",
	}
}

func testCoin(pub string, d *Denomination) *Coin {
	return &Coin{
		CoinPub:         pub,
		CoinPriv:        pub + "-priv",
		ExchangeBaseURL: d.ExchangeBaseURL,
		DenomPubHash:    d.DenomPubHash,
		DenomSig:        "denomsig",
		CurrentAmount:   d.Value,
		Status:          CoinFresh,
		Source: CoinSource{
			Type: CoinSourceWithdraw,
			ID:   "reserve",
		},
	}
}

// populate stores the test exchange with 1, 2 and 5 KUDOS denominations
// and one coin per given value.
func populate(t *testing.T, db *DB, coins map[string]uint64) {
	t.Helper()

	require.NoError(t, db.PutExchange(testExchange()))
	for _, v := range []uint64{1, 2, 5} {
		require.NoError(t, db.PutDenomination(testDenom(v)))
	}
	for pub, v := range coins {
		require.NoError(t, db.PutCoin(testCoin(pub, testDenom(v))))
	}
}

func testTerms(t *testing.T, orderID, fulfillmentURL string) []byte {
	t.Helper()

	terms := map[string]interface{}{
		"summary":           "test order",
		"order_id":          orderID,
		"amount":            "KUDOS:3",
		"fulfillment_url":   fulfillmentURL,
		"max_fee":           "KUDOS:0.5",
		"max_wire_fee":      "KUDOS:0.1",
		"merchant_base_url": testMerchantURL,
		"merchant_pub":      "merchantpub",
		"merchant":          map[string]interface{}{"name": "shop"},
		"exchanges": []interface{}{map[string]interface{}{
			"url":        testExchangeURL,
			"master_pub": testMasterPub,
		}},
		"auditors": []interface{}{},
		"timestamp": map[string]interface{}{
			"t_ms": testTime.UnixMilli(),
		},
		"refund_deadline": map[string]interface{}{
			"t_ms": testTime.Add(time.Hour).UnixMilli(),
		},
		"pay_deadline": map[string]interface{}{
			"t_ms": testTime.Add(time.Hour).UnixMilli(),
		},
		"wire_transfer_deadline": map[string]interface{}{
			"t_ms": "never",
		},
		"h_wire":      "wirehash",
		"wire_method": "x-taler-bank",
		"nonce":       "nonce",
	}

	raw, err := json.Marshal(terms)
	require.NoError(t, err)

	return raw
}

func testDownload(t *testing.T, orderID,
	fulfillmentURL string) *ProposalDownload {

	t.Helper()

	raw := testTerms(t, orderID, fulfillmentURL)
	cd, err := contractterms.Extract(raw, "merchantsig")
	require.NoError(t, err)

	return &ProposalDownload{
		ContractTermsRaw: raw,
		ContractData:     cd,
	}
}

func testSelection(pubs []string,
	contribs ...string) *coinselect.PayCoinSelection {

	sel := &coinselect.PayCoinSelection{
		PaymentAmount:       amount.MustParse("KUDOS:3"),
		CoinPubs:            pubs,
		CustomerWireFees:    amount.Zero("KUDOS"),
		CustomerDepositFees: amount.Zero("KUDOS"),
	}
	for _, c := range contribs {
		sel.CoinContributions = append(
			sel.CoinContributions, amount.MustParse(c),
		)
	}

	return sel
}
