package pay

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/build"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"golang.org/x/sync/singleflight"
)

const (
	// maxTransientPayRetries is how often a 5xx reply of the merchant is
	// retried before it is reported as an error.
	maxTransientPayRetries = 5

	// minClaimTimeout and maxClaimTimeout bound the deadline of a claim
	// request, which otherwise grows with the time spent retrying.
	minClaimTimeout = 5 * time.Second
	maxClaimTimeout = 60 * time.Second

	// payTimeoutPerBatch is the deadline of a pay request per started
	// batch of payTimeoutBatchSize coins.
	payTimeoutPerBatch  = 15 * time.Second
	payTimeoutBatchSize = 5
)

var (
	// ErrProposalNotDownloaded is returned when a proposal has no
	// contract terms yet.
	ErrProposalNotDownloaded = errors.New("proposal not downloaded")

	// ErrProposalNotPayable is returned when a proposal is in a state
	// that can't lead to a payment.
	ErrProposalNotPayable = errors.New("proposal can't be paid")

	// ErrInsufficientBalance is returned when no coin selection covers
	// the contract.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Config holds the dependencies of the payment manager.
type Config struct {
	// DB is the ledger.
	DB *walletdb.DB

	// Merchant talks to merchant backends.
	Merchant *merchant.Client

	// Notifier receives the notifications of the payment flow.
	Notifier notify.Notifier

	// Locks serializes every mutation of the coin pool.
	Locks *multimutex.Manager

	// RetryPolicy schedules retries of failed downloads and payments.
	RetryPolicy retry.Policy

	// Clock is the time source.
	Clock clock.Clock
}

// Manager drives proposals and purchases through their life cycle.
type Manager struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg    *Config
	policy retry.Policy

	// downloads coalesces concurrent downloads of the same proposal.
	downloads singleflight.Group

	// proposalMtx serializes the payment steps of one proposal.
	proposalMtx *multimutex.Mutex[string]

	// bg owns the conflict recoveries running in the background.
	bg *fn.GoroutineManager
}

// New creates a payment manager.
func New(cfg *Config) *Manager {
	policy := cfg.RetryPolicy
	if policy.Clock == nil {
		policy.Clock = cfg.Clock
	}

	return &Manager{
		cfg:         cfg,
		policy:      policy,
		proposalMtx: multimutex.NewMutex[string](),
		bg:          fn.NewGoroutineManager(),
	}
}

// Start marks the manager as running.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Payment manager started")

	return nil
}

// Stop cancels running conflict recoveries and waits for them to return.
func (m *Manager) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Payment manager shutting down...")
	m.bg.Stop()

	return nil
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock.Now()
}

func (m *Manager) notify(n *notify.Notification) {
	m.cfg.Notifier.Notify(n)
}

// reportedError is a failure that was already recorded on its record.
type reportedError struct {
	err *errorcodes.OperationError
}

func (e *reportedError) Error() string {
	return e.err.Error()
}

func (e *reportedError) Unwrap() error {
	return e.err
}

// updateProposal applies f to the stored proposal and writes it back if f
// returns true.
func (m *Manager) updateProposal(id string,
	f func(p *walletdb.Proposal) bool) (*walletdb.Proposal, error) {

	var proposal *walletdb.Proposal
	err := kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		p, err := walletdb.FetchProposalTx(tx, id)
		if err != nil {
			return err
		}
		proposal = p

		if !f(p) {
			return nil
		}

		return walletdb.PutProposalTx(tx, p)
	}, func() {
		proposal = nil
	})

	return proposal, err
}

// updatePurchase applies f to the stored purchase and writes it back if f
// returns true.
func (m *Manager) updatePurchase(id string,
	f func(p *walletdb.Purchase) bool) (*walletdb.Purchase, error) {

	var purchase *walletdb.Purchase
	err := kvdb.Update(m.cfg.DB, func(tx kvdb.RwTx) error {
		p, err := walletdb.FetchPurchaseTx(tx, id)
		if err != nil {
			return err
		}
		purchase = p

		if !f(p) {
			return nil
		}

		return walletdb.PutPurchaseTx(tx, p)
	}, func() {
		purchase = nil
	})

	return purchase, err
}

// incrementProposalRetry records a failed download attempt.
func (m *Manager) incrementProposalRetry(id string, err error) {
	opErr := errorcodes.FromError(err)

	_, dbErr := m.updateProposal(id, func(p *walletdb.Proposal) bool {
		if p.Retry == nil {
			return false
		}

		m.policy.Increment(p.Retry)
		p.LastError = opErr

		return true
	})
	if dbErr != nil {
		log.Errorf("Unable to record failure of proposal %v: %v", id,
			dbErr)
		return
	}

	if opErr != nil {
		m.notify(&notify.Notification{
			Type:       notify.ProposalOperationError,
			ProposalID: id,
			Error:      opErr,
		})
	}
}

// incrementPurchasePayRetry records a failed pay attempt. A nil err bumps
// the retry state without recording an error. The retry state of a frozen
// purchase is left alone.
func (m *Manager) incrementPurchasePayRetry(id string, err error) {
	var opErr *errorcodes.OperationError
	if err != nil {
		opErr = errorcodes.FromError(err)
	}

	_, dbErr := m.updatePurchase(id, func(p *walletdb.Purchase) bool {
		if p.PayFrozen {
			return false
		}

		if p.PayRetry == nil {
			p.PayRetry = retry.NewInfo(m.now())
		}
		m.policy.Increment(p.PayRetry)
		p.LastPayError = opErr

		return true
	})
	if dbErr != nil {
		log.Errorf("Unable to record pay failure of %v: %v", id, dbErr)
		return
	}

	if opErr != nil {
		m.notify(&notify.Notification{
			Type:       notify.PayOperationError,
			ProposalID: id,
			Error:      opErr,
		})
	}
}

// selectPayCoins runs the coin selection for a contract over the coins the
// ledger currently holds.
func (m *Manager) selectPayCoins(cd *contractterms.ContractData,
	prev []coinselect.PreviousCoin) (fn.Option[coinselect.PayCoinSelection],
	error) {

	var candidates *walletdb.PayCandidates
	err := kvdb.View(m.cfg.DB, func(tx kvdb.RTx) error {
		var err error
		candidates, err = walletdb.FetchPayCandidatesTx(tx, cd, m.now())

		return err
	}, func() {
		candidates = nil
	})
	if err != nil {
		return fn.None[coinselect.PayCoinSelection](), err
	}

	log.Debugf("Selecting coins for order %v among %d candidates",
		cd.OrderID, len(candidates.Coins))

	sel, err := coinselect.SelectPayCoins(&coinselect.Request{
		Candidates:          candidates.Coins,
		WireFeesPerExchange: candidates.WireFeesPerExchange,
		ContractAmount:      cd.Amount,
		DepositFeeLimit:     cd.MaxDepositFee,
		WireFeeLimit:        cd.MaxWireFee,
		WireFeeAmortization: cd.WireFeeAmortization,
		PreviousPayCoins:    prev,
	})
	if err != nil {
		return sel, err
	}

	log.Tracef("Coin selection for order %v: %v", cd.OrderID,
		build.SpewLogClosure(sel))

	return sel, nil
}

// insufficientBalance is the error of a contract no coin selection covers.
func insufficientBalance(cd *contractterms.ContractData) error {
	return errorcodes.Wrap(
		ErrInsufficientBalance, errorcodes.WalletInsufficientBalance,
		errorcodes.KindRejected, "coins don't cover %v for order %v",
		cd.Amount, cd.OrderID,
	)
}

// TotalPayCost returns what a selection costs the wallet, including the
// value lost when refreshing the change.
func (m *Manager) TotalPayCost(
	sel *coinselect.PayCoinSelection) (amount.Amount, error) {

	var total amount.Amount
	err := kvdb.View(m.cfg.DB, func(tx kvdb.RTx) error {
		var err error
		total, err = walletdb.TotalPayCostTx(tx, sel, m.now())

		return err
	}, func() {
		total = amount.Amount{}
	})
	if err != nil {
		return amount.Amount{}, fmt.Errorf("unable to compute pay "+
			"cost: %w", err)
	}

	return total, nil
}
