package pay

import (
	"context"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/walletcrypto"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// TestDownloadProposal checks that a download claims the order once and
// that a new session gets its own proposal.
func TestDownloadProposal(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")

	id := ctx.download("o1", "")
	p := ctx.proposal(id)
	require.Equal(t, walletdb.ProposalProposed, p.Status)
	require.NotNil(t, p.Download)
	require.Equal(t, "o1", p.Download.ContractData.OrderID)
	require.Equal(t, ctx.merchant.termsHash("o1"),
		p.Download.ContractData.ContractTermsHash)
	require.Nil(t, p.LastError)

	// The nonce sent to the merchant belongs to the stored key.
	require.Len(t, ctx.merchant.claims, 1)
	require.Equal(t, p.NoncePub, ctx.merchant.claims[0].Nonce)
	pub, err := walletcrypto.PublicFromPrivate(p.NoncePriv)
	require.NoError(t, err)
	require.Equal(t, p.NoncePub, pub)

	// The same request reuses the proposal without claiming again.
	require.Equal(t, id, ctx.download("o1", ""))
	require.Len(t, ctx.merchant.claims, 1)

	// Another session creates a new proposal.
	other := ctx.download("o1", "s2")
	require.NotEqual(t, id, other)
	require.Len(t, ctx.merchant.claims, 2)

	require.Equal(t, []notify.Type{
		notify.ProposalDownloaded, notify.ProposalDownloaded,
	}, ctx.notes.types())
}

// TestDownloadProposalInvalidTerms checks that unacceptable contract terms
// fail the proposal for good.
func TestDownloadProposalInvalidTerms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(f *fakeMerchant, terms jsonObject)
		code   errorcodes.Code
	}{
		{
			name: "missing order id",
			mutate: func(_ *fakeMerchant, terms jsonObject) {
				delete(terms, "order_id")
			},
			code: errorcodes.WalletContractTermsMalformed,
		},
		{
			name: "fractional number",
			mutate: func(_ *fakeMerchant, terms jsonObject) {
				terms["extra"] = jsonObject{
					"weight": 1.5,
				}
			},
			code: errorcodes.WalletContractTermsMalformed,
		},
		{
			name: "signed by another key",
			mutate: func(f *fakeMerchant, _ jsonObject) {
				other, err := walletcrypto.NewKeyPair()
				require.NoError(f.t, err)
				f.claimSigner = other
			},
			code: errorcodes.WalletContractTermsSignatureBad,
		},
		{
			name: "other merchant",
			mutate: func(_ *fakeMerchant, terms jsonObject) {
				terms["merchant_base_url"] =
					"https://evil.example.com/"
			},
			code: errorcodes.WalletContractTermsBaseURLMismatch,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx := newTestContext(t)
			terms := ctx.merchant.addOrder("o1", "KUDOS:3", "")
			test.mutate(ctx.merchant, terms)

			id, err := ctx.mgr.StartDownloadProposal(
				context.Background(), testMerchantURL, "o1", "",
				"", "",
			)
			require.Error(t, err)
			require.True(t, errorcodes.HasCode(err, test.code))
			require.Equal(t, errorcodes.KindValidation,
				errorcodes.KindOf(err))

			p := ctx.proposal(id)
			require.Equal(t, walletdb.ProposalPermanentlyFailed,
				p.Status)
			require.Nil(t, p.Retry)
			require.True(t, errorcodes.HasCode(
				p.LastError, test.code,
			))
			require.Equal(t, []notify.Type{
				notify.ProposalOperationError,
			}, ctx.notes.types())

			// The failure is reported when checking the payment.
			_, err = ctx.mgr.CheckPayment(
				context.Background(), id, "",
			)
			require.True(t, errorcodes.HasCode(err, test.code))

			// No task is left for the proposal.
			require.Empty(t, ctx.pendingTasks())
		})
	}
}

// TestDownloadAlreadyClaimed checks that an order claimed by another wallet
// is retried with backoff.
func TestDownloadAlreadyClaimed(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")
	ctx.merchant.claimReply = &reply{
		status: http.StatusConflict,
		body: jsonObject{
			"code": errorcodes.MerchantClaimAlreadyClaimed,
			"hint": "claimed",
		},
	}

	id, err := ctx.mgr.StartDownloadProposal(
		context.Background(), testMerchantURL, "o1", "", "", "",
	)
	require.True(t, errorcodes.HasCode(
		err, errorcodes.WalletOrderAlreadyClaimed,
	))

	p := ctx.proposal(id)
	require.Equal(t, walletdb.ProposalDownloading, p.Status)
	require.EqualValues(t, 1, p.Retry.Counter)
	require.True(t, p.Retry.NextRetry.After(testTime))
	require.True(t, errorcodes.HasCode(
		p.LastError, errorcodes.WalletOrderAlreadyClaimed,
	))

	// The download stays pending until its retry is due.
	tasks := ctx.pendingTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, scheduler.TaskProposalDownload, tasks[0].Type)
	require.True(t, p.Retry.NextRetry.Equal(tasks[0].TimestampDue))

	// Once the merchant hands out the terms, a forced retry succeeds.
	ctx.merchant.mu.Lock()
	ctx.merchant.claimReply = nil
	ctx.merchant.mu.Unlock()

	err = ctx.mgr.ProcessDownloadProposal(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, walletdb.ProposalProposed, ctx.proposal(id).Status)
}

// TestConfirmPay checks the first payment of a proposal and the replay of
// the proof of payment afterwards.
func TestConfirmPay(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.addCoin("b", 3)
	ctx.merchant.addOrder("o1", "KUDOS:6", "")

	id := ctx.download("o1", "s1")

	res, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.NoError(t, err)
	require.Equal(t, ConfirmPayDone, res.Status)
	require.Equal(t, ctx.merchant.rawTerms("o1"), res.ContractTermsRaw)

	require.Equal(t, walletdb.ProposalAccepted, ctx.proposal(id).Status)

	purchase := ctx.purchase(id)
	require.Equal(t, []string{"a", "b"},
		ctx.names(purchase.PayCoinSelection.CoinPubs))
	require.Equal(t, []string{"KUDOS:5", "KUDOS:1"},
		contributions(purchase.PayCoinSelection.CoinContributions))
	require.True(t, purchase.Paid())
	require.False(t, purchase.PaymentSubmitPending)
	require.Nil(t, purchase.PayRetry)
	require.Equal(t, "s1", purchase.LastSessionID)
	require.NotEmpty(t, purchase.MerchantPaySig)
	require.True(t, testTime.Equal(purchase.TimestampFirstSuccessfulPay))

	// The coins were spent for the proposal.
	for _, name := range []string{"a", "b"} {
		coin := ctx.coin(name)
		require.Equal(t, walletdb.CoinDormant, coin.Status)
		require.Equal(t, allocationID(id), coin.Allocation.ID)
	}

	// Every deposit permission carries a valid coin signature.
	cd := purchase.Download.ContractData
	pay := ctx.merchant.lastPay()
	require.Equal(t, "s1", pay.SessionID)
	require.Len(t, pay.Coins, 2)
	for _, perm := range pay.Coins {
		coin := ctx.coin(ctx.coins[perm.CoinPub])
		require.True(t, walletcrypto.VerifyDepositPermission(
			&walletcrypto.DepositPermissionRequest{
				CoinPub:           coin.CoinPub,
				ContractTermsHash: cd.ContractTermsHash,
				DenomPubHash:      coin.DenomPubHash,
				DenomSig:          coin.DenomSig,
				ExchangeBaseURL:   coin.ExchangeBaseURL,
				FeeDeposit:        testDenom(5).FeeDeposit,
				MerchantPub:       cd.MerchantPub,
				RefundDeadline:    cd.RefundDeadline,
				SpendAmount:       perm.Contribution,
				Timestamp:         cd.Timestamp,
				WireInfoHash:      cd.WireInfoHash,
			}, perm.CoinSig,
		))
	}

	require.Equal(t, []notify.Type{
		notify.ProposalDownloaded, notify.ProposalAccepted,
		notify.RefreshGroupCreated, notify.PayOperationSuccess,
	}, ctx.notes.types())

	// Confirming again proves the payment instead of paying twice.
	res, err = ctx.mgr.ConfirmPay(context.Background(), id, "s2")
	require.NoError(t, err)
	require.Equal(t, ConfirmPayDone, res.Status)
	require.Equal(t, 1, ctx.merchant.numPays())
	require.Len(t, ctx.merchant.paids, 1)

	paid := ctx.merchant.paids[0]
	require.Equal(t, "s2", paid.SessionID)
	require.Equal(t, purchase.MerchantPaySig, paid.Sig)
	require.Equal(t, hex.EncodeToString(cd.ContractTermsHash[:]),
		paid.ContractTermsHash)
	require.Equal(t, "s2", ctx.purchase(id).LastSessionID)

	// The first payment time is kept.
	require.True(t, testTime.Equal(
		ctx.purchase(id).TimestampFirstSuccessfulPay,
	))
}

func TestConfirmPayInsufficientBalance(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 2)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")

	id := ctx.download("o1", "")

	_, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.True(t, errorcodes.HasCode(
		err, errorcodes.WalletInsufficientBalance,
	))

	// Nothing was spent.
	require.Equal(t, walletdb.CoinFresh, ctx.coin("a").Status)
	require.Equal(t, walletdb.ProposalProposed, ctx.proposal(id).Status)
	_, err = ctx.db.FetchPurchase(id)
	require.ErrorIs(t, err, walletdb.ErrPurchaseNotFound)
}

// TestPayTransientFailure checks that a server error leaves the payment
// pending for a retry.
func TestPayTransientFailure(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")
	ctx.merchant.payReplies = []reply{{
		status: http.StatusBadGateway,
		body:   "upstream failed",
	}}

	id := ctx.download("o1", "")

	res, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.NoError(t, err)
	require.Equal(t, ConfirmPayPending, res.Status)
	require.NotNil(t, res.LastError)
	require.Equal(t, http.StatusBadGateway, res.LastError.HTTPStatus)

	purchase := ctx.purchase(id)
	require.True(t, purchase.PaymentSubmitPending)
	require.False(t, purchase.Paid())
	require.EqualValues(t, 1, purchase.PayRetry.Counter)

	tasks := ctx.pendingTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, scheduler.TaskPay, tasks[0].Type)
	require.Equal(t, id, tasks[0].ID)

	err = ctx.mgr.ProcessPurchasePay(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, 2, ctx.merchant.numPays())

	purchase = ctx.purchase(id)
	require.True(t, purchase.Paid())
	require.False(t, purchase.PaymentSubmitPending)
	require.Empty(t, ctx.pendingTasks())

	// A paid purchase isn't submitted again.
	err = ctx.mgr.ProcessPurchasePay(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, 2, ctx.merchant.numPays())
}

// TestPayRejected checks that a purchase the merchant refuses is frozen.
func TestPayRejected(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")
	ctx.merchant.payReplies = []reply{{
		status: http.StatusBadRequest,
		body: jsonObject{
			"code": 2100,
			"hint": "bad coins",
		},
	}}

	id := ctx.download("o1", "")

	_, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.Error(t, err)
	require.Equal(t, errorcodes.KindRejected, errorcodes.KindOf(err))

	purchase := ctx.purchase(id)
	require.True(t, purchase.PayFrozen)
	require.Nil(t, purchase.PayRetry)
	require.Equal(t, http.StatusBadRequest,
		purchase.LastPayError.HTTPStatus)
	require.Empty(t, ctx.pendingTasks())

	err = ctx.mgr.ProcessPurchasePay(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, 1, ctx.merchant.numPays())
}

// TestPayConflictRecovery checks that a coin the exchange reports as spent
// is replaced while the other coins keep their contribution.
func TestPayConflictRecovery(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.addCoin("b", 3)
	ctx.addCoin("d", 2)
	ctx.merchant.addOrder("o1", "KUDOS:6", "")
	ctx.merchant.payReplies = []reply{{
		status: http.StatusConflict,
		body: jsonObject{
			"code":     errorcodes.MerchantPayInsufficientFunds,
			"hint":     "coin spent",
			"coin_pub": ctx.coins["b"],
			"exchange_code": errorcodes.
				ExchangeDepositInsufficientFunds,
		},
	}}

	id := ctx.download("o1", "")

	res, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.NoError(t, err)
	require.Equal(t, ConfirmPayPending, res.Status)
	require.Equal(t, errorcodes.KindConflict, res.LastError.Kind)

	require.Eventually(t, func() bool {
		p, err := ctx.db.FetchPurchase(id)
		if err != nil {
			return false
		}

		return len(p.PayCoinSelection.CoinPubs) == 2 &&
			ctx.coins[p.PayCoinSelection.CoinPubs[1]] == "d"
	}, 5*time.Second, 10*time.Millisecond)

	purchase := ctx.purchase(id)
	require.Equal(t, []string{"a", "d"},
		ctx.names(purchase.PayCoinSelection.CoinPubs))
	require.Equal(t, []string{"KUDOS:5", "KUDOS:1"},
		contributions(purchase.PayCoinSelection.CoinContributions))
	require.Nil(t, purchase.CoinDepositPermissions)
	require.True(t, purchase.PaymentSubmitPending)
	require.Equal(t, allocationID(id), ctx.coin("d").Allocation.ID)

	err = ctx.mgr.ProcessPurchasePay(context.Background(), id, true)
	require.NoError(t, err)

	pay := ctx.merchant.lastPay()
	require.Len(t, pay.Coins, 2)
	require.Equal(t, ctx.coins["d"], pay.Coins[1].CoinPub)
	require.True(t, ctx.purchase(id).Paid())
}

// TestRepurchase checks that an order for an article bought before leads
// to the earlier purchase.
func TestRepurchase(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "https://shop.example.com/art")
	ctx.merchant.addOrder("o2", "KUDOS:3", "https://shop.example.com/art")

	res, err := ctx.mgr.PreparePay(
		context.Background(), "taler://pay/backend.example.com/o1/",
	)
	require.NoError(t, err)
	require.Equal(t, PaymentPossible, res.Status)
	first := res.ProposalID

	_, err = ctx.mgr.ConfirmPay(context.Background(), first, "")
	require.NoError(t, err)

	res, err = ctx.mgr.PreparePay(
		context.Background(), "taler://pay/backend.example.com/o2/",
	)
	require.NoError(t, err)
	require.Equal(t, AlreadyConfirmed, res.Status)
	require.Equal(t, first, res.ProposalID)
	require.True(t, res.Paid)
	require.Equal(t, ctx.merchant.rawTerms("o1"), res.ContractTermsRaw)

	second, err := ctx.db.FetchProposalByOrder(testMerchantURL, "o2")
	require.NoError(t, err)
	require.Equal(t, walletdb.ProposalRepurchase, second.Status)
	require.Equal(t, first, second.RepurchaseProposalID)
	require.Equal(t, 1, ctx.merchant.numPays())
}

func TestPreparePay(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 2)
	ctx.addCoin("b", 2)
	ctx.merchant.addOrder("cheap", "KUDOS:3", "")
	ctx.merchant.addOrder("expensive", "KUDOS:5", "")

	res, err := ctx.mgr.PreparePay(
		context.Background(), "taler://pay/backend.example.com/cheap/",
	)
	require.NoError(t, err)
	require.Equal(t, PaymentPossible, res.Status)
	require.Equal(t, "KUDOS:3", res.AmountRaw.String())

	// Both coins are spent, the change of 1 can't be refreshed into a
	// coin without a 1 KUDOS denomination and is lost.
	require.Equal(t, "KUDOS:4", res.AmountEffective.String())

	res, err = ctx.mgr.PreparePay(
		context.Background(),
		"taler://pay/backend.example.com/expensive/",
	)
	require.NoError(t, err)
	require.Equal(t, InsufficientBalance, res.Status)

	_, err = ctx.mgr.PreparePay(context.Background(), "taler://withdraw/x")
	require.True(t, errorcodes.HasCode(
		err, errorcodes.WalletInvalidTalerPayURI,
	))
}

// TestPreparePaySessionMove checks that checking a paid purchase from a new
// session proves the payment for it.
func TestPreparePaySessionMove(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")

	id := ctx.download("o1", "s1")
	_, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.NoError(t, err)

	res, err := ctx.mgr.CheckPayment(context.Background(), id, "s1")
	require.NoError(t, err)
	require.Equal(t, AlreadyConfirmed, res.Status)
	require.True(t, res.Paid)
	require.Empty(t, ctx.merchant.paids)

	ctx.merchant.paidReply = &reply{status: http.StatusServiceUnavailable}
	res, err = ctx.mgr.CheckPayment(context.Background(), id, "s2")
	require.NoError(t, err)
	require.False(t, res.Paid)
	require.True(t, ctx.purchase(id).PaymentSubmitPending)

	ctx.merchant.paidReply = nil
	res, err = ctx.mgr.CheckPayment(context.Background(), id, "s3")
	require.NoError(t, err)
	require.True(t, res.Paid)
	require.Len(t, ctx.merchant.paids, 2)
	require.Equal(t, "s3", ctx.purchase(id).LastSessionID)
	require.False(t, ctx.purchase(id).PaymentSubmitPending)
}

func TestRefuseProposal(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")
	ctx.merchant.addOrder("o2", "KUDOS:3", "")

	id := ctx.download("o1", "")
	require.NoError(t, ctx.mgr.RefuseProposal(context.Background(), id))
	require.Equal(t, walletdb.ProposalRefused, ctx.proposal(id).Status)

	// Refusing twice is fine, paying a refused proposal isn't.
	require.NoError(t, ctx.mgr.RefuseProposal(context.Background(), id))
	_, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.ErrorIs(t, err, ErrProposalNotPayable)

	paid := ctx.download("o2", "")
	_, err = ctx.mgr.ConfirmPay(context.Background(), paid, "")
	require.NoError(t, err)

	err = ctx.mgr.RefuseProposal(context.Background(), paid)
	require.ErrorIs(t, err, ErrProposalNotPayable)

	require.Equal(t, notify.ProposalRefused, ctx.notes.types()[1])
}

// TestAutoRefund checks that paying an auto refund contract requests a
// refund query.
func TestAutoRefund(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	terms := ctx.merchant.addOrder("o1", "KUDOS:3", "")
	terms["auto_refund"] = jsonObject{"d_ms": 60_000}

	id := ctx.download("o1", "")
	_, err := ctx.mgr.ConfirmPay(context.Background(), id, "")
	require.NoError(t, err)

	purchase := ctx.purchase(id)
	require.True(t, purchase.RefundQueryRequested)
	require.NotNil(t, purchase.RefundStatusRetry)
	require.True(t, testTime.Add(time.Minute).Equal(
		purchase.AutoRefundDeadline,
	))

	tasks := ctx.pendingTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, scheduler.TaskRefundQuery, tasks[0].Type)
	require.True(t, testTime.Equal(tasks[0].TimestampDue))
}

func TestPayTimeout(t *testing.T) {
	t.Parallel()

	require.Equal(t, 15*time.Second, payTimeout(1))
	require.Equal(t, 15*time.Second, payTimeout(4))
	require.Equal(t, 30*time.Second, payTimeout(5))
	require.Equal(t, 45*time.Second, payTimeout(12))
}

func (c *testContext) pendingTasks() []scheduler.PendingTask {
	var tasks []scheduler.PendingTask
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		var err error
		tasks, err = c.mgr.PendingTasks(tx, c.clock.Now())

		return err
	}, func() {
		tasks = nil
	})
	require.NoError(c.t, err)

	return tasks
}

// TestSelectPayCoinsMalformed checks that a selection request mixing
// currencies is reported as an error instead of as insufficient balance.
func TestSelectPayCoinsMalformed(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.addCoin("a", 5)
	ctx.merchant.addOrder("o1", "KUDOS:3", "")

	id := ctx.download("o1", "")
	cd := ctx.proposal(id).Download.ContractData

	sel, err := ctx.mgr.selectPayCoins(cd, nil)
	require.NoError(t, err)
	require.True(t, sel.IsSome())

	prev := []coinselect.PreviousCoin{{
		CoinPub:         "other",
		ExchangeBaseURL: testExchangeURL,
		Contribution:    amount.MustParse("EUR:1"),
		FeeDeposit:      amount.Zero("EUR"),
	}}
	sel, err = ctx.mgr.selectPayCoins(cd, prev)
	require.ErrorIs(t, err, amount.ErrCurrencyMismatch)
	require.True(t, sel.IsNone())
}
