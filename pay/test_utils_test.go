package pay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletcrypto"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

const (
	testExchangeURL = "https://exchange.example.com/"
	testMasterPub   = "master"
	testMerchantURL = "https://backend.example.com/"
	testWireMethod  = "x-taler-bank"
)

var testTime = time.Unix(1_700_000_000, 0)

type jsonObject = map[string]interface{}

// reply is a canned merchant response.
type reply struct {
	status int
	body   interface{}
}

// fakeMerchant is a merchant backend that signs with a real key.
type fakeMerchant struct {
	t    *testing.T
	keys *walletcrypto.KeyPair

	mu sync.Mutex

	// terms are the contract terms per order id.
	terms map[string]map[string]interface{}

	// claimReply, if set, replaces the claim response.
	claimReply *reply

	// claimSigner, if set, signs the contract terms instead of keys.
	claimSigner *walletcrypto.KeyPair

	// payReplies are consumed by pay requests, an empty list accepts the
	// payment.
	payReplies []reply

	// paidReply, if set, replaces the 204 of the paid endpoint.
	paidReply *reply

	claims []*merchant.ClaimRequest
	pays   []*merchant.PayRequest
	paids  []*merchant.PaidRequest
}

func newFakeMerchant(t *testing.T) *fakeMerchant {
	keys, err := walletcrypto.NewKeyPair()
	require.NoError(t, err)

	return &fakeMerchant{
		t:     t,
		keys:  keys,
		terms: make(map[string]map[string]interface{}),
	}
}

// addOrder creates an order for amount with the given fulfillment URL.
func (f *fakeMerchant) addOrder(orderID, amt,
	fulfillmentURL string) map[string]interface{} {

	f.mu.Lock()
	defer f.mu.Unlock()

	terms := map[string]interface{}{
		"summary":           "test order",
		"order_id":          orderID,
		"amount":            amt,
		"fulfillment_url":   fulfillmentURL,
		"max_fee":           "KUDOS:0.5",
		"max_wire_fee":      "KUDOS:0.1",
		"merchant_base_url": testMerchantURL,
		"merchant_pub":      f.keys.Pub,
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
		"wire_method": testWireMethod,
		"nonce":       "nonce",
	}
	f.terms[orderID] = terms

	return terms
}

func (f *fakeMerchant) rawTerms(orderID string) []byte {
	raw, err := json.Marshal(f.terms[orderID])
	require.NoError(f.t, err)

	return raw
}

func (f *fakeMerchant) termsHash(orderID string) chainhash.Hash {
	h, err := contractterms.Hash(f.rawTerms(orderID))
	require.NoError(f.t, err)

	return h
}

func respond(url string, r reply) *merchant.Response {
	var body []byte
	switch b := r.body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		body, _ = json.Marshal(b)
	}

	return &merchant.Response{Status: r.status, Body: body, URL: url}
}

// PostJSON implements merchant.Transport.
func (f *fakeMerchant) PostJSON(_ context.Context, rawURL string,
	body interface{}) (*merchant.Response, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(rawURL, testMerchantURL+"orders/")
	orderID, endpoint, _ := strings.Cut(path, "/")

	switch endpoint {
	case "claim":
		f.claims = append(f.claims, body.(*merchant.ClaimRequest))
		if f.claimReply != nil {
			return respond(rawURL, *f.claimReply), nil
		}

		raw := f.rawTerms(orderID)
		h, err := contractterms.Hash(raw)
		if err != nil {
			// Let the wallet find out on its own.
			h = chainhash.Hash{}
		}

		signer := f.keys
		if f.claimSigner != nil {
			signer = f.claimSigner
		}
		sig, err := walletcrypto.SignContractTerms(signer.Priv, h)
		require.NoError(f.t, err)

		return respond(rawURL, reply{
			status: http.StatusOK,
			body: map[string]interface{}{
				"contract_terms": json.RawMessage(raw),
				"sig":            sig,
			},
		}), nil

	case "pay":
		f.pays = append(f.pays, body.(*merchant.PayRequest))
		if len(f.payReplies) > 0 {
			r := f.payReplies[0]
			f.payReplies = f.payReplies[1:]

			return respond(rawURL, r), nil
		}

		sig, err := walletcrypto.SignPaymentOK(
			f.keys.Priv, f.termsHash(orderID),
		)
		require.NoError(f.t, err)

		return respond(rawURL, reply{
			status: http.StatusOK,
			body:   map[string]interface{}{"sig": sig},
		}), nil

	case "paid":
		f.paids = append(f.paids, body.(*merchant.PaidRequest))
		if f.paidReply != nil {
			return respond(rawURL, *f.paidReply), nil
		}

		return respond(rawURL, reply{status: http.StatusNoContent}), nil
	}

	return nil, fmt.Errorf("unexpected request to %v", rawURL)
}

func (f *fakeMerchant) numPays() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pays)
}

func (f *fakeMerchant) lastPay() *merchant.PayRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pays[len(f.pays)-1]
}

type notifications struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (n *notifications) Notify(note *notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, note)
}

func (n *notifications) types() []notify.Type {
	n.mu.Lock()
	defer n.mu.Unlock()

	var types []notify.Type
	for _, note := range n.sent {
		types = append(types, note.Type)
	}

	return types
}

type testContext struct {
	t        *testing.T
	db       *walletdb.DB
	clock    *clock.TestClock
	merchant *fakeMerchant
	notes    *notifications
	mgr      *Manager

	// coins maps a test coin name to its public key.
	coins map[string]string
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "wallet")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	clk := clock.NewTestClock(testTime)
	db, err := walletdb.CreateWithBackend(backend, clk)
	require.NoError(t, err)

	fm := newFakeMerchant(t)
	notes := &notifications{}

	mgr := New(&Config{
		DB:          db,
		Merchant:    merchant.NewClient(fm),
		Notifier:    notes,
		Locks:       multimutex.NewManager(),
		RetryPolicy: retry.DefaultPolicy(),
		Clock:       clk,
	})
	mgr.policy.Clock = clk
	require.NoError(t, mgr.Start())
	t.Cleanup(func() {
		require.NoError(t, mgr.Stop())
	})

	require.NoError(t, db.PutExchange(&walletdb.Exchange{
		BaseURL:         testExchangeURL,
		MasterPublicKey: testMasterPub,
		Currency:        "KUDOS",
		WireFees: map[string][]walletdb.WireFee{
			testWireMethod: {{
				WireFee:    amount.MustParse("KUDOS:0.01"),
				ClosingFee: amount.MustParse("KUDOS:0.01"),
				StartStamp: testTime.Add(-time.Hour),
				EndStamp:   testTime.Add(time.Hour),
			}},
		},
		LastUpdate: testTime,
	}))

	return &testContext{
		t:        t,
		db:       db,
		clock:    clk,
		merchant: fm,
		notes:    notes,
		mgr:      mgr,
		coins:    make(map[string]string),
	}
}

// testDenom returns a denomination worth value KUDOS without fees.
func testDenom(value uint64) *walletdb.Denomination {
	zero := amount.Zero("KUDOS")

	return &walletdb.Denomination{
		ExchangeBaseURL:     testExchangeURL,
		DenomPubHash:        fmt.Sprintf("denom-%d", value),
		DenomPub:            "pub",
		Value:               amount.New("KUDOS", value, 0),
		FeeWithdraw:         zero,
		FeeDeposit:          zero,
		FeeRefresh:          zero,
		FeeRefund:           zero,
		StampStart:          testTime.Add(-24 * time.Hour),
		StampExpireWithdraw: testTime.Add(24 * time.Hour),
		StampExpireDeposit:  testTime.Add(48 * time.Hour),
		StampExpireLegal:    testTime.Add(72 * time.Hour),
		IsOffered:           true,
	}
}

// addCoin stores a fresh coin of the given value under a test name.
func (c *testContext) addCoin(name string, value uint64) {
	d := testDenom(value)
	require.NoError(c.t, c.db.PutDenomination(d))

	kp, err := walletcrypto.NewKeyPair()
	require.NoError(c.t, err)

	require.NoError(c.t, c.db.PutCoin(&walletdb.Coin{
		CoinPub:         kp.Pub,
		CoinPriv:        kp.Priv,
		ExchangeBaseURL: testExchangeURL,
		DenomPubHash:    d.DenomPubHash,
		DenomSig:        "denomsig",
		CurrentAmount:   d.Value,
		Status:          walletdb.CoinFresh,
	}))
	c.coins[kp.Pub] = name
	c.coins[name] = kp.Pub
}

// names translates coin public keys to test names.
func (c *testContext) names(pubs []string) []string {
	names := make([]string, 0, len(pubs))
	for _, pub := range pubs {
		names = append(names, c.coins[pub])
	}

	return names
}

func (c *testContext) coin(name string) *walletdb.Coin {
	coin, err := c.db.FetchCoin(c.coins[name])
	require.NoError(c.t, err)

	return coin
}

func (c *testContext) purchase(id string) *walletdb.Purchase {
	p, err := c.db.FetchPurchase(id)
	require.NoError(c.t, err)

	return p
}

func (c *testContext) proposal(id string) *walletdb.Proposal {
	p, err := c.db.FetchProposal(id)
	require.NoError(c.t, err)

	return p
}

// download creates and downloads a proposal for an order.
func (c *testContext) download(orderID, sessionID string) string {
	id, err := c.mgr.StartDownloadProposal(
		context.Background(), testMerchantURL, orderID, sessionID, "",
		"",
	)
	require.NoError(c.t, err)

	return id
}

func contributions(amts []amount.Amount) []string {
	res := make([]string, 0, len(amts))
	for _, a := range amts {
		res = append(res, a.String())
	}

	return res
}
