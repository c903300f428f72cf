package pay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletcrypto"
	"github.com/ecashwallet/walletd/walletdb"
)

// payTimeout is the deadline of a pay request. Payments with more coins
// take longer for the merchant to deposit.
func payTimeout(numCoins int) time.Duration {
	return payTimeoutPerBatch *
		time.Duration(1+numCoins/payTimeoutBatchSize)
}

// transientServerError reports whether a failed request hit a server error
// that is still retried silently.
func transientServerError(err error, payRetry *retry.Info) bool {
	httpErr, ok := merchant.AsHTTPError(err)
	if !ok || httpErr.Status < 500 || httpErr.Status > 599 {
		return false
	}

	return payRetry == nil || payRetry.Counter <= maxTransientPayRetries
}

// ProcessPurchasePay submits a purchase that still waits for the merchant.
// With forceNow the retry state is reset first.
func (m *Manager) ProcessPurchasePay(ctx context.Context, proposalID string,
	forceNow bool) error {

	m.proposalMtx.Lock(proposalID)
	defer m.proposalMtx.Unlock(proposalID)

	if forceNow {
		_, err := m.updatePurchase(
			proposalID, func(p *walletdb.Purchase) bool {
				if !p.PaymentSubmitPending {
					return false
				}
				p.PayRetry = retry.NewInfo(m.now())

				return true
			},
		)
		if err != nil && !errors.Is(err, walletdb.ErrPurchaseNotFound) {
			return err
		}
	}

	purchase, err := m.cfg.DB.FetchPurchase(proposalID)
	switch {
	case errors.Is(err, walletdb.ErrPurchaseNotFound):
		return nil
	case err != nil:
		return err
	}
	if !purchase.PaymentSubmitPending || purchase.PayFrozen {
		return nil
	}

	_, err = m.submitPayRecordingFailure(ctx, proposalID)

	return err
}

// submitPayRecordingFailure submits the purchase and records a failure on
// it.
func (m *Manager) submitPayRecordingFailure(ctx context.Context,
	proposalID string) (*ConfirmPayResult, error) {

	res, err := m.SubmitPay(ctx, proposalID)
	if err != nil {
		paySubmissions.WithLabelValues("failed").Inc()
		m.incrementPurchasePayRetry(proposalID, err)

		return nil, err
	}

	paySubmissions.WithLabelValues(res.Status.String()).Inc()

	return res, nil
}

// SubmitPay sends the deposit permissions of a purchase to the merchant.
// Once the merchant confirmed the payment, the proof of payment is sent
// instead, e.g. to open a new session.
func (m *Manager) SubmitPay(ctx context.Context,
	proposalID string) (*ConfirmPayResult, error) {

	purchase, err := m.cfg.DB.FetchPurchase(proposalID)
	if err != nil {
		return nil, fmt.Errorf("purchase %v: %w", proposalID, err)
	}
	if purchase.AbortStatus != walletdb.AbortNone {
		return nil, errorcodes.New(
			errorcodes.WalletPurchaseAborted,
			errorcodes.KindRejected, "purchase %v was aborted",
			proposalID,
		)
	}

	if purchase.MerchantPaySig != "" {
		return m.replayPay(ctx, purchase)
	}

	cd := purchase.Download.ContractData

	perms := purchase.CoinDepositPermissions
	if perms == nil {
		perms, err = m.depositPermissions(
			cd, &purchase.PayCoinSelection,
		)
		if err != nil {
			return nil, err
		}
	}

	log.Debugf("Submitting %d coins for purchase %v", len(perms),
		proposalID)

	var resp *merchant.PayResponse
	err = m.cfg.Locks.RunExclusive(
		ctx, []string{multimutex.CoinSpendingToken},
		func(ctx context.Context) error {
			reqCtx, cancel := context.WithTimeout(
				ctx, payTimeout(len(perms)),
			)
			defer cancel()

			var err error
			resp, err = m.cfg.Merchant.Pay(
				reqCtx, cd.MerchantBaseURL, cd.OrderID,
				&merchant.PayRequest{
					Coins:     perms,
					SessionID: purchase.LastSessionID,
				},
			)

			return err
		},
	)
	if err != nil {
		return m.handlePayFailure(purchase, err)
	}

	if !walletcrypto.VerifyPaymentOK(
		resp.Sig, cd.ContractTermsHash, cd.MerchantPub,
	) {

		return nil, errorcodes.New(
			errorcodes.WalletPaySignatureInvalid,
			errorcodes.KindValidation,
			"merchant's payment signature for %v is invalid",
			proposalID,
		)
	}

	if err := m.storeFirstPaySuccess(proposalID, purchase.LastSessionID,
		resp.Sig); err != nil {

		return nil, err
	}

	m.notify(&notify.Notification{
		Type:       notify.PayOperationSuccess,
		ProposalID: proposalID,
	})

	return &ConfirmPayResult{
		Status:           ConfirmPayDone,
		ContractTermsRaw: purchase.Download.ContractTermsRaw,
	}, nil
}

// handlePayFailure classifies a failed pay request.
func (m *Manager) handlePayFailure(purchase *walletdb.Purchase,
	err error) (*ConfirmPayResult, error) {

	proposalID := purchase.ProposalID
	opErr := errorcodes.FromError(err)

	httpErr, ok := merchant.AsHTTPError(err)
	switch {
	case transientServerError(err, purchase.PayRetry):
		log.Infof("Merchant failed to process payment %v, retrying: "+
			"%v", proposalID, err)

		m.incrementPurchasePayRetry(proposalID, nil)

		return &ConfirmPayResult{
			Status:    ConfirmPayPending,
			LastError: opErr,
		}, nil

	case !ok:
		return nil, err

	case httpErr.Status == http.StatusBadRequest:
		log.Errorf("Merchant rejected payment %v, freezing: %v",
			proposalID, err)

		_, dbErr := m.updatePurchase(
			proposalID, func(p *walletdb.Purchase) bool {
				p.PayFrozen = true
				p.LastPayError = opErr
				p.PayRetry = nil

				return true
			},
		)
		if dbErr != nil {
			return nil, dbErr
		}

		return nil, err

	case httpErr.Status == http.StatusConflict &&
		httpErr.Code() == errorcodes.MerchantPayInsufficientFunds:

		log.Warnf("Merchant reports insufficient funds for %v: %v",
			proposalID, err)

		m.recoverInBackground(proposalID, err)

		// Back off so the recovery can replace the coins before the
		// next attempt.
		m.incrementPurchasePayRetry(proposalID, nil)

		return &ConfirmPayResult{
			Status:    ConfirmPayPending,
			LastError: opErr,
		}, nil

	default:
		return nil, err
	}
}

// recoverInBackground starts the conflict recovery of a purchase. A failed
// recovery is recorded on the proposal.
func (m *Manager) recoverInBackground(proposalID string, payErr error) {
	started := m.bg.Go(context.Background(), func(ctx context.Context) {
		err := m.HandleInsufficientFunds(ctx, proposalID, payErr)
		if err == nil {
			return
		}

		log.Errorf("Conflict recovery of %v failed: %v", proposalID,
			err)
		m.incrementProposalRetry(proposalID, errorcodes.Wrap(
			err, errorcodes.WalletUnexpectedException,
			errorcodes.KindInternal, "conflict recovery failed",
		))
	})
	if !started {
		log.Warnf("Not recovering purchase %v, shutting down",
			proposalID)
	}
}

// replayPay proves an earlier payment to the merchant, which binds it to
// the purchase's current session.
func (m *Manager) replayPay(ctx context.Context,
	purchase *walletdb.Purchase) (*ConfirmPayResult, error) {

	proposalID := purchase.ProposalID
	cd := purchase.Download.ContractData

	reqCtx, cancel := context.WithTimeout(
		ctx, payTimeout(len(purchase.PayCoinSelection.CoinPubs)),
	)
	defer cancel()

	h := cd.ContractTermsHash
	err := m.cfg.Merchant.Paid(
		reqCtx, cd.MerchantBaseURL, cd.OrderID, &merchant.PaidRequest{
			Sig:               purchase.MerchantPaySig,
			ContractTermsHash: hex.EncodeToString(h[:]),
			SessionID:         purchase.LastSessionID,
		},
	)
	switch {
	case transientServerError(err, purchase.PayRetry):
		m.incrementPurchasePayRetry(proposalID, nil)

		return &ConfirmPayResult{
			Status:    ConfirmPayPending,
			LastError: errorcodes.FromError(err),
		}, nil

	case err != nil:
		return nil, err
	}

	_, err = m.updatePurchase(proposalID, func(p *walletdb.Purchase) bool {
		p.PaymentSubmitPending = false
		p.LastPayError = nil
		p.PayRetry = nil
		p.LastSessionID = purchase.LastSessionID

		return true
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Replayed payment %v for session %q", proposalID,
		purchase.LastSessionID)

	m.notify(&notify.Notification{
		Type:       notify.PayOperationSuccess,
		ProposalID: proposalID,
	})

	return &ConfirmPayResult{
		Status:           ConfirmPayDone,
		ContractTermsRaw: purchase.Download.ContractTermsRaw,
	}, nil
}

// storeFirstPaySuccess records the merchant's confirmation. The first
// confirmation also arms the refund query of an auto refund contract.
func (m *Manager) storeFirstPaySuccess(proposalID, sessionID,
	sig string) error {

	_, err := m.updatePurchase(proposalID, func(p *walletdb.Purchase) bool {
		now := m.now()

		firstSuccess := !p.Paid()
		if firstSuccess {
			p.TimestampFirstSuccessfulPay = now
		}
		p.PaymentSubmitPending = false
		p.LastPayError = nil
		p.LastSessionID = sessionID
		p.PayRetry = nil
		p.MerchantPaySig = sig

		autoRefund := p.Download.ContractData.AutoRefund
		if firstSuccess && autoRefund > 0 {
			p.RefundQueryRequested = true
			p.RefundStatusRetry = retry.NewInfo(now)
			p.AutoRefundDeadline = now.Add(autoRefund)
		}

		return true
	})
	if err != nil {
		return fmt.Errorf("unable to store payment of %v: %w",
			proposalID, err)
	}

	log.Infof("Merchant confirmed payment %v", proposalID)

	return nil
}
