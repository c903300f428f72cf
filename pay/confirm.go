package pay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletcrypto"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
)

// ConfirmPayStatus tells whether a payment completed.
type ConfirmPayStatus uint8

const (
	// ConfirmPayDone means the merchant accepted the payment.
	ConfirmPayDone ConfirmPayStatus = iota

	// ConfirmPayPending means the payment is retried in the background.
	ConfirmPayPending
)

// String returns the name of the status.
func (s ConfirmPayStatus) String() string {
	switch s {
	case ConfirmPayDone:
		return "done"
	case ConfirmPayPending:
		return "pending"
	default:
		return "unknown"
	}
}

// ConfirmPayResult is the outcome of a payment attempt.
type ConfirmPayResult struct {
	Status ConfirmPayStatus

	// ContractTermsRaw is set for ConfirmPayDone.
	ContractTermsRaw []byte

	// LastError is the failure that left the payment pending, if any.
	LastError *errorcodes.OperationError
}

// allocationID is the allocation id of the coins spent for a proposal.
func allocationID(proposalID string) string {
	return "proposal:" + proposalID
}

// ConfirmPay pays a proposal. The first call selects coins and commits
// them to the purchase, later calls only resubmit the existing purchase. A
// non-empty sessionIDOverride replaces the session of the payment.
func (m *Manager) ConfirmPay(ctx context.Context, proposalID,
	sessionIDOverride string) (*ConfirmPayResult, error) {

	m.proposalMtx.Lock(proposalID)
	defer m.proposalMtx.Unlock(proposalID)

	log.Debugf("Confirming payment of proposal %v (session override %q)",
		proposalID, sessionIDOverride)

	proposal, err := m.cfg.DB.FetchProposal(proposalID)
	if err != nil {
		return nil, fmt.Errorf("proposal %v: %w", proposalID, err)
	}
	if proposal.Download == nil {
		return nil, fmt.Errorf("proposal %v: %w", proposalID,
			ErrProposalNotDownloaded)
	}

	_, err = m.updatePurchase(proposalID, func(p *walletdb.Purchase) bool {
		if sessionIDOverride == "" ||
			sessionIDOverride == p.LastSessionID {

			return false
		}

		p.LastSessionID = sessionIDOverride
		p.PaymentSubmitPending = true

		return true
	})
	switch {
	case err == nil:
		log.Debugf("Purchase %v exists, resubmitting", proposalID)
		return m.submitPayRecordingFailure(ctx, proposalID)

	case !errors.Is(err, walletdb.ErrPurchaseNotFound):
		return nil, err
	}

	if proposal.Status != walletdb.ProposalProposed {
		return nil, fmt.Errorf("proposal %v is %v: %w", proposalID,
			proposal.Status, ErrProposalNotPayable)
	}

	cd := proposal.Download.ContractData
	sessionID := sessionIDOverride
	if sessionID == "" {
		sessionID = proposal.DownloadSessionID
	}

	var group *walletdb.RefreshGroup
	err = m.cfg.Locks.RunExclusive(
		ctx, []string{multimutex.CoinSpendingToken},
		func(ctx context.Context) error {
			res, err := m.selectPayCoins(cd, nil)
			if err != nil {
				return err
			}
			sel, err := res.UnwrapOrErr(insufficientBalance(cd))
			if err != nil {
				return err
			}

			perms, err := m.depositPermissions(cd, &sel)
			if err != nil {
				return err
			}

			group, err = m.recordConfirmPay(
				proposalID, &sel, perms, sessionID,
			)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	m.notify(&notify.Notification{
		Type:       notify.ProposalAccepted,
		ProposalID: proposalID,
	})
	if group != nil {
		m.notify(&notify.Notification{
			Type:           notify.RefreshGroupCreated,
			RefreshGroupID: group.RefreshGroupID,
		})
	}

	return m.submitPayRecordingFailure(ctx, proposalID)
}

// recordConfirmPay accepts the proposal, writes its purchase and spends the
// selected coins in one transaction.
func (m *Manager) recordConfirmPay(proposalID string,
	sel *coinselect.PayCoinSelection,
	perms []merchant.CoinDepositPermission,
	sessionID string) (*walletdb.RefreshGroup, error) {

	var group *walletdb.RefreshGroup
	err := kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		now := m.now()

		p, err := walletdb.FetchProposalTx(tx, proposalID)
		if err != nil {
			return err
		}

		totalCost, err := walletdb.TotalPayCostTx(tx, sel, now)
		if err != nil {
			return err
		}

		p.Status = walletdb.ProposalAccepted
		p.LastError = nil
		p.Retry = nil
		if err := walletdb.PutProposalTx(tx, p); err != nil {
			return err
		}

		purchase := &walletdb.Purchase{
			ProposalID:             proposalID,
			Download:               p.Download,
			PayCoinSelection:       *sel,
			PayCoinSelectionUID:    uuid.NewString(),
			CoinDepositPermissions: perms,
			TotalPayCost:           totalCost,
			AbortStatus:            walletdb.AbortNone,
			PayRetry:               retry.NewInfo(now),
			LastSessionID:          sessionID,
			PaymentSubmitPending:   true,
			Refunds: make(
				map[string]*walletdb.Refund,
			),
			TimestampAccept:        now,
		}
		if err := walletdb.PutPurchaseTx(tx, purchase); err != nil {
			return err
		}

		group, err = walletdb.ApplyCoinSpendTx(
			tx, allocationID(proposalID), sel,
			walletdb.RefreshReasonPay, now,
		)

		return err
	}, func() {
		group = nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to record payment of %v: %w",
			proposalID, err)
	}

	log.Infof("Accepted proposal %v, paying with %d coins",
		proposalID, len(sel.CoinPubs))

	return group, nil
}

// depositPermissions signs a deposit permission for every coin of the
// selection.
func (m *Manager) depositPermissions(cd *contractterms.ContractData,
	sel *coinselect.PayCoinSelection) ([]merchant.CoinDepositPermission,
	error) {

	var perms []merchant.CoinDepositPermission
	err := kvdb.View(m.cfg.DB, func(tx kvdb.RTx) error {
		for i, coinPub := range sel.CoinPubs {
			coin, err := walletdb.FetchCoinTx(tx, coinPub)
			if err != nil {
				return err
			}

			denom, err := walletdb.FetchDenominationTx(
				tx, coin.ExchangeBaseURL, coin.DenomPubHash,
			)
			if err != nil {
				return err
			}

			contribution := sel.CoinContributions[i]
			sig, err := walletcrypto.SignDepositPermission(
				&walletcrypto.DepositPermissionRequest{
					CoinPriv:          coin.CoinPriv,
					CoinPub:           coin.CoinPub,
					ContractTermsHash: cd.ContractTermsHash,
					DenomPubHash:      coin.DenomPubHash,
					DenomSig:          coin.DenomSig,
					ExchangeBaseURL:   coin.ExchangeBaseURL,
					FeeDeposit:        denom.FeeDeposit,
					MerchantPub:       cd.MerchantPub,
					RefundDeadline:    cd.RefundDeadline,
					SpendAmount:       contribution,
					Timestamp:         cd.Timestamp,
					WireInfoHash:      cd.WireInfoHash,
				},
			)
			if err != nil {
				return fmt.Errorf("unable to sign deposit "+
					"permission of coin %v: %w", coinPub,
					err)
			}

			perms = append(perms, merchant.CoinDepositPermission{
				CoinPub:      coin.CoinPub,
				CoinSig:      sig,
				Contribution: contribution,
				DenomPubHash: coin.DenomPubHash,
				DenomSig:     coin.DenomSig,
				ExchangeURL:  coin.ExchangeBaseURL,
			})
		}

		return nil
	}, func() {
		perms = nil
	})

	return perms, err
}

// RefuseProposal declines a proposal that waits for the user's decision.
// Refusing a refused proposal again is a no-op.
func (m *Manager) RefuseProposal(_ context.Context, proposalID string) error {
	var refused bool
	p, err := m.updateProposal(proposalID, func(p *walletdb.Proposal) bool {
		if p.Status != walletdb.ProposalProposed {
			return false
		}
		p.Status = walletdb.ProposalRefused
		refused = true

		return true
	})
	switch {
	case err != nil:
		return fmt.Errorf("proposal %v: %w", proposalID, err)

	case refused:
		log.Infof("Refused proposal %v", proposalID)
		m.notify(&notify.Notification{
			Type:       notify.ProposalRefused,
			ProposalID: proposalID,
		})

		return nil

	case p.Status == walletdb.ProposalRefused:
		return nil

	default:
		return fmt.Errorf("proposal %v is %v: %w", proposalID,
			p.Status, ErrProposalNotPayable)
	}
}

// HandleInsufficientFunds repairs the coin selection of a purchase after
// the exchange reported a coin as spent. Every other coin keeps its
// contribution and the missing amount is covered by new coins. If no coins
// are left to cover it, the purchase is left as it is.
func (m *Manager) HandleInsufficientFunds(ctx context.Context,
	proposalID string, payErr error) error {

	httpErr, ok := merchant.AsHTTPError(payErr)
	if !ok || httpErr.Detail == nil {
		return fmt.Errorf("no conflict details in %w", payErr)
	}
	if code := httpErr.ExchangeCode(); code !=
		errorcodes.ExchangeDepositInsufficientFunds {

		return fmt.Errorf("unsupported exchange error code %v", code)
	}
	brokenCoinPub := httpErr.Detail.CoinPub

	m.proposalMtx.Lock(proposalID)
	defer m.proposalMtx.Unlock(proposalID)

	payConflicts.Inc()

	purchase, err := m.cfg.DB.FetchPurchase(proposalID)
	if err != nil {
		return fmt.Errorf("purchase %v: %w", proposalID, err)
	}
	cd := purchase.Download.ContractData

	log.Infof("Coin %v of purchase %v is spent, selecting new coins",
		brokenCoinPub, proposalID)

	var group *walletdb.RefreshGroup
	err = m.cfg.Locks.RunExclusive(
		ctx, []string{multimutex.CoinSpendingToken},
		func(ctx context.Context) error {
			prev, err := m.previousPayCoins(
				&purchase.PayCoinSelection, brokenCoinPub,
			)
			if err != nil {
				return err
			}

			res, err := m.selectPayCoins(cd, prev)
			if err != nil {
				return err
			}
			if res.IsNone() {
				log.Warnf("No coins left to repair purchase %v",
					proposalID)
				return nil
			}
			sel := res.UnsafeFromSome()

			group, err = m.replaceSelection(proposalID, &sel)

			return err
		},
	)
	if err != nil {
		return err
	}

	if group != nil {
		m.notify(&notify.Notification{
			Type:           notify.RefreshGroupCreated,
			RefreshGroupID: group.RefreshGroupID,
		})
	}

	return nil
}

// previousPayCoins lists the coins of a selection except the broken one.
func (m *Manager) previousPayCoins(sel *coinselect.PayCoinSelection,
	brokenCoinPub string) ([]coinselect.PreviousCoin, error) {

	var prev []coinselect.PreviousCoin
	err := kvdb.View(m.cfg.DB, func(tx kvdb.RTx) error {
		for i, coinPub := range sel.CoinPubs {
			if coinPub == brokenCoinPub {
				continue
			}

			coin, err := walletdb.FetchCoinTx(tx, coinPub)
			if err != nil {
				return err
			}
			denom, err := walletdb.FetchDenominationTx(
				tx, coin.ExchangeBaseURL, coin.DenomPubHash,
			)
			if err != nil {
				return err
			}

			prev = append(prev, coinselect.PreviousCoin{
				CoinPub:         coinPub,
				ExchangeBaseURL: coin.ExchangeBaseURL,
				Contribution:    sel.CoinContributions[i],
				FeeDeposit:      denom.FeeDeposit,
			})
		}

		return nil
	}, func() {
		prev = nil
	})

	return prev, err
}

// replaceSelection stores a repaired selection under a new selection id and
// spends the coins it adds.
func (m *Manager) replaceSelection(proposalID string,
	sel *coinselect.PayCoinSelection) (*walletdb.RefreshGroup, error) {

	var group *walletdb.RefreshGroup
	err := kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		now := m.now()

		p, err := walletdb.FetchPurchaseTx(tx, proposalID)
		if err != nil {
			return err
		}

		totalCost, err := walletdb.TotalPayCostTx(tx, sel, now)
		if err != nil {
			return err
		}

		p.PayCoinSelection = *sel
		p.PayCoinSelectionUID = uuid.NewString()
		p.CoinDepositPermissions = nil
		p.TotalPayCost = totalCost
		if err := walletdb.PutPurchaseTx(tx, p); err != nil {
			return err
		}

		group, err = walletdb.ApplyCoinSpendTx(
			tx, allocationID(proposalID), sel,
			walletdb.RefreshReasonPay, now,
		)

		return err
	}, func() {
		group = nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to replace selection of %v: %w",
			proposalID, err)
	}

	log.Infof("Purchase %v now pays with %v", proposalID, sel.CoinPubs)

	return group, nil
}
