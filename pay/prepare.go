package pay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/walletdb"
)

// PreparePayStatus is what the wallet can do with a proposal.
type PreparePayStatus uint8

const (
	// PaymentPossible means the wallet holds enough coins.
	PaymentPossible PreparePayStatus = iota

	// InsufficientBalance means no coin selection covers the contract.
	InsufficientBalance

	// AlreadyConfirmed means a purchase for the proposal exists.
	AlreadyConfirmed
)

// String returns the name of the status.
func (s PreparePayStatus) String() string {
	switch s {
	case PaymentPossible:
		return "payment-possible"
	case InsufficientBalance:
		return "insufficient-balance"
	case AlreadyConfirmed:
		return "already-confirmed"
	default:
		return "unknown"
	}
}

// PreparePayResult describes a downloaded proposal to the user.
type PreparePayResult struct {
	Status PreparePayStatus

	// ProposalID is the proposal to confirm. For a repurchase it is the
	// proposal of the earlier purchase.
	ProposalID string

	ContractTermsRaw []byte

	// AmountRaw is the price of the contract.
	AmountRaw amount.Amount

	// AmountEffective is what paying costs the wallet. Only set for
	// PaymentPossible.
	AmountEffective amount.Amount

	// Paid is set for AlreadyConfirmed once the merchant confirmed the
	// payment in the current session.
	Paid bool
}

// PreparePay downloads the proposal of a taler pay URI and checks whether
// it can be paid.
func (m *Manager) PreparePay(ctx context.Context,
	talerPayURI string) (*PreparePayResult, error) {

	uri, err := ParsePayURI(talerPayURI)
	if err != nil {
		return nil, err
	}

	proposalID, err := m.StartDownloadProposal(
		ctx, uri.MerchantBaseURL, uri.OrderID, uri.SessionID,
		uri.ClaimToken, uri.NoncePriv,
	)
	if err != nil {
		return nil, err
	}

	return m.CheckPayment(ctx, proposalID, uri.SessionID)
}

// CheckPayment reports the payment state of a downloaded proposal. If the
// proposal was already paid in another session, the payment is proven for
// sessionID.
func (m *Manager) CheckPayment(ctx context.Context, proposalID,
	sessionID string) (*PreparePayResult, error) {

	proposal, err := m.cfg.DB.FetchProposal(proposalID)
	if err != nil {
		return nil, fmt.Errorf("proposal %v: %w", proposalID, err)
	}

	if proposal.Status == walletdb.ProposalRepurchase {
		log.Debugf("Proposal %v repurchases %v", proposalID,
			proposal.RepurchaseProposalID)

		proposalID = proposal.RepurchaseProposalID
		proposal, err = m.cfg.DB.FetchProposal(proposalID)
		if err != nil {
			return nil, fmt.Errorf("repurchased proposal %v: %w",
				proposalID, err)
		}
	}

	switch {
	case proposal.Status == walletdb.ProposalPermanentlyFailed &&
		proposal.LastError != nil:

		return nil, proposal.LastError

	case proposal.Download == nil:
		return nil, fmt.Errorf("proposal %v: %w", proposalID,
			ErrProposalNotDownloaded)
	}

	cd := proposal.Download.ContractData
	result := &PreparePayResult{
		ProposalID:       proposalID,
		ContractTermsRaw: proposal.Download.ContractTermsRaw,
		AmountRaw:        cd.Amount,
	}

	purchase, err := m.cfg.DB.FetchPurchase(proposalID)
	switch {
	case errors.Is(err, walletdb.ErrPurchaseNotFound):
		return m.checkUnpaid(proposal, result)

	case err != nil:
		return nil, err
	}

	result.Status = AlreadyConfirmed

	if purchase.LastSessionID != sessionID {
		log.Debugf("Purchase %v moves to session %q", proposalID,
			sessionID)

		res, err := m.moveToSession(ctx, proposalID, sessionID)
		if err != nil {
			return nil, err
		}
		result.Paid = res.Status == ConfirmPayDone

		return result, nil
	}

	result.Paid = purchase.Paid() && !purchase.PaymentSubmitPending

	return result, nil
}

// checkUnpaid completes result for a proposal without purchase.
func (m *Manager) checkUnpaid(proposal *walletdb.Proposal,
	result *PreparePayResult) (*PreparePayResult, error) {

	if proposal.Status != walletdb.ProposalProposed {
		return nil, fmt.Errorf("proposal %v is %v: %w",
			proposal.ProposalID, proposal.Status,
			ErrProposalNotPayable)
	}

	res, err := m.selectPayCoins(proposal.Download.ContractData, nil)
	if err != nil {
		return nil, err
	}
	if res.IsNone() {
		result.Status = InsufficientBalance
		return result, nil
	}

	sel := res.UnsafeFromSome()
	result.AmountEffective, err = m.TotalPayCost(&sel)
	if err != nil {
		return nil, err
	}
	result.Status = PaymentPossible

	return result, nil
}

// moveToSession binds a purchase to a new session and submits it.
func (m *Manager) moveToSession(ctx context.Context, proposalID,
	sessionID string) (*ConfirmPayResult, error) {

	m.proposalMtx.Lock(proposalID)
	defer m.proposalMtx.Unlock(proposalID)

	_, err := m.updatePurchase(proposalID, func(p *walletdb.Purchase) bool {
		p.LastSessionID = sessionID
		p.PaymentSubmitPending = true

		return true
	})
	if err != nil {
		return nil, err
	}

	return m.submitPayRecordingFailure(ctx, proposalID)
}
