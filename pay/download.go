package pay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletcrypto"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
)

// reusable reports whether an existing proposal for the same order can
// serve a new download request.
func reusable(p *walletdb.Proposal, sessionID, claimToken,
	noncePriv string) bool {

	return p.DownloadSessionID == sessionID &&
		(noncePriv == "" || p.NoncePriv == noncePriv) &&
		p.ClaimToken == claimToken
}

// StartDownloadProposal returns the proposal of an order and downloads its
// contract terms. An existing proposal for the order is reused if it was
// created with the same session, claim token and nonce. An empty noncePriv
// creates a fresh nonce.
func (m *Manager) StartDownloadProposal(ctx context.Context, merchantBaseURL,
	orderID, sessionID, claimToken, noncePriv string) (string, error) {

	old, err := m.cfg.DB.FetchProposalByOrder(merchantBaseURL, orderID)
	switch {
	case err == nil && reusable(old, sessionID, claimToken, noncePriv):
		log.Debugf("Reusing proposal %v for order %v", old.ProposalID,
			orderID)

		err := m.ProcessDownloadProposal(ctx, old.ProposalID, false)

		return old.ProposalID, err

	case err != nil && !errors.Is(err, walletdb.ErrProposalNotFound):
		return "", err
	}

	var noncePub string
	if noncePriv != "" {
		noncePub, err = walletcrypto.PublicFromPrivate(noncePriv)
		if err != nil {
			return "", errorcodes.Wrap(
				err, errorcodes.WalletInvalidTalerPayURI,
				errorcodes.KindValidation, "invalid nonce",
			)
		}
	} else {
		kp, err := walletcrypto.NewKeyPair()
		if err != nil {
			return "", err
		}
		noncePriv, noncePub = kp.Priv, kp.Pub
	}

	now := m.now()
	proposal := &walletdb.Proposal{
		ProposalID:        uuid.NewString(),
		OrderID:           orderID,
		MerchantBaseURL:   merchantBaseURL,
		NoncePriv:         noncePriv,
		NoncePub:          noncePub,
		ClaimToken:        claimToken,
		DownloadSessionID: sessionID,
		Status:            walletdb.ProposalDownloading,
		Timestamp:         now,
		Retry:             retry.NewInfo(now),
	}

	id := proposal.ProposalID
	err = kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		// A matching proposal may have been created concurrently.
		existing, err := walletdb.FetchProposalByOrderTx(
			tx, merchantBaseURL, orderID,
		)
		switch {
		case err == nil && reusable(
			existing, sessionID, claimToken, noncePriv,
		):
			id = existing.ProposalID
			return nil

		case err != nil &&
			!errors.Is(err, walletdb.ErrProposalNotFound):

			return err
		}

		return walletdb.PutProposalTx(tx, proposal)
	}, func() {
		id = proposal.ProposalID
	})
	if err != nil {
		return "", fmt.Errorf("unable to store proposal: %w", err)
	}

	log.Infof("Created proposal %v for order %v of %v", id, orderID,
		merchantBaseURL)

	return id, m.ProcessDownloadProposal(ctx, id, false)
}

// ProcessDownloadProposal claims the contract terms of a downloading
// proposal and validates them. With forceNow the retry state is reset
// first. Concurrent calls for the same proposal share one download.
func (m *Manager) ProcessDownloadProposal(ctx context.Context, id string,
	forceNow bool) error {

	_, err, shared := m.downloads.Do(id, func() (interface{}, error) {
		return nil, m.processDownloadProposal(ctx, id, forceNow)
	})
	if shared {
		log.Tracef("Download of proposal %v was shared", id)
	}

	return err
}

func (m *Manager) processDownloadProposal(ctx context.Context, id string,
	forceNow bool) error {

	if forceNow {
		_, err := m.updateProposal(id, func(p *walletdb.Proposal) bool {
			if p.Retry == nil {
				return false
			}
			p.Retry = retry.NewInfo(m.now())

			return true
		})
		if err != nil && !errors.Is(err, walletdb.ErrProposalNotFound) {
			return err
		}
	}

	err := m.downloadProposal(ctx, id)
	if err == nil {
		proposalDownloads.WithLabelValues("ok").Inc()
		return nil
	}

	var reported *reportedError
	if errors.As(err, &reported) {
		proposalDownloads.WithLabelValues("permanent").Inc()
		return reported.err
	}

	proposalDownloads.WithLabelValues("failed").Inc()
	m.incrementProposalRetry(id, err)

	return err
}

// failProposalPermanently stops all work on a proposal whose contract
// terms are unacceptable.
func (m *Manager) failProposalPermanently(id string,
	opErr *errorcodes.OperationError) error {

	log.Warnf("Proposal %v failed permanently: %v", id, opErr)

	_, err := m.updateProposal(id, func(p *walletdb.Proposal) bool {
		p.Retry = nil
		p.LastError = opErr
		p.Status = walletdb.ProposalPermanentlyFailed

		return true
	})
	if err != nil {
		return err
	}

	m.notify(&notify.Notification{
		Type:       notify.ProposalOperationError,
		ProposalID: id,
		Error:      opErr,
	})

	return &reportedError{err: opErr}
}

func (m *Manager) downloadProposal(ctx context.Context, id string) error {
	proposal, err := m.cfg.DB.FetchProposal(id)
	switch {
	case errors.Is(err, walletdb.ErrProposalNotFound):
		return nil
	case err != nil:
		return err
	}
	if proposal.Status != walletdb.ProposalDownloading {
		return nil
	}

	timeout := retry.Clamp(
		retry.Duration(proposal.Retry, m.now()), minClaimTimeout,
		maxClaimTimeout,
	)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	claim, err := m.cfg.Merchant.Claim(
		reqCtx, proposal.MerchantBaseURL, proposal.OrderID,
		&merchant.ClaimRequest{
			Nonce: proposal.NoncePub,
			Token: proposal.ClaimToken,
		},
	)
	if err != nil {
		httpErr, ok := merchant.AsHTTPError(err)
		claimed := errorcodes.MerchantClaimAlreadyClaimed
		if ok && httpErr.Code() == claimed {
			return errorcodes.Wrap(
				err, errorcodes.WalletOrderAlreadyClaimed,
				errorcodes.KindRejected, "order %v was "+
					"claimed by another wallet",
				proposal.OrderID,
			)
		}

		return err
	}

	raw := []byte(claim.ContractTerms)
	if err := contractterms.ValidateForgettable(raw); err != nil {
		return m.failProposalPermanently(id, errorcodes.Wrap(
			err, errorcodes.WalletContractTermsMalformed,
			errorcodes.KindValidation,
			"validation for well-formedness failed",
		))
	}

	cd, err := contractterms.Extract(raw, claim.Sig)
	if err != nil {
		return m.failProposalPermanently(id, errorcodes.Wrap(
			err, errorcodes.WalletContractTermsMalformed,
			errorcodes.KindValidation,
			"schema validation failed",
		))
	}

	if !walletcrypto.VerifyContractTerms(
		cd.ContractTermsHash, claim.Sig, cd.MerchantPub,
	) {

		return m.failProposalPermanently(id, errorcodes.New(
			errorcodes.WalletContractTermsSignatureBad,
			errorcodes.KindValidation,
			"merchant's signature on contract terms is invalid",
		))
	}

	if !contractterms.SameBaseURL(
		proposal.MerchantBaseURL, cd.MerchantBaseURL,
	) {

		return m.failProposalPermanently(id, errorcodes.New(
			errorcodes.WalletContractTermsBaseURLMismatch,
			errorcodes.KindValidation,
			"merchant base URL mismatch: proposal uses %v, "+
				"contract terms %v", proposal.MerchantBaseURL,
			cd.MerchantBaseURL,
		))
	}

	err = kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		p, err := walletdb.FetchProposalTx(tx, id)
		if err != nil {
			return err
		}
		if p.Status != walletdb.ProposalDownloading {
			return nil
		}

		p.Download = &walletdb.ProposalDownload{
			ContractTermsRaw: raw,
			ContractData:     cd,
		}
		p.LastError = nil
		p.Status = walletdb.ProposalProposed

		if !walletdb.IndexableFulfillmentURL(cd.FulfillmentURL) {
			return walletdb.PutProposalTx(tx, p)
		}

		earlier, err := walletdb.FetchPurchaseByFulfillmentURLTx(
			tx, cd.FulfillmentURL,
		)
		switch {
		case err == nil:
			log.Infof("Proposal %v repurchases %v", id,
				earlier.ProposalID)

			p.Status = walletdb.ProposalRepurchase
			p.RepurchaseProposalID = earlier.ProposalID

		case !errors.Is(err, walletdb.ErrPurchaseNotFound):
			return err
		}

		return walletdb.PutProposalTx(tx, p)
	}, func() {})
	if err != nil {
		return err
	}

	m.notify(&notify.Notification{
		Type:       notify.ProposalDownloaded,
		ProposalID: id,
	})

	return nil
}
