package walletdb

import (
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/contractterms"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/retry"
)

// AuditorInfo is an auditor an exchange publishes.
type AuditorInfo struct {
	AuditorBaseURL string
	AuditorPub     string
}

// WireFee is the fee an exchange charges for wire transfers of one method
// during a validity window.
type WireFee struct {
	WireFee    amount.Amount
	ClosingFee amount.Amount
	StartStamp time.Time
	EndStamp   time.Time
	Sig        string
}

// Exchange is an exchange the wallet knows.
type Exchange struct {
	BaseURL         string
	MasterPublicKey string
	Currency        string
	Auditors        []AuditorInfo

	// WireFees maps a wire method to its fee schedule.
	WireFees map[string][]WireFee

	LastUpdate time.Time
}

// WireFeeAt returns the wire fee for method at time t. Both ends of a fee's
// window are inclusive.
func (e *Exchange) WireFeeAt(method string, t time.Time) (amount.Amount,
	bool) {

	for _, fee := range e.WireFees[method] {
		if !t.Before(fee.StartStamp) && !t.After(fee.EndStamp) {
			return fee.WireFee, true
		}
	}

	return amount.Amount{}, false
}

// Denomination is a coin class of an exchange. Denominations are never
// modified once stored, a key rotation stores new ones.
type Denomination struct {
	ExchangeBaseURL string
	DenomPubHash    string
	DenomPub        string

	Value       amount.Amount
	FeeWithdraw amount.Amount
	FeeDeposit  amount.Amount
	FeeRefresh  amount.Amount
	FeeRefund   amount.Amount

	StampStart          time.Time
	StampExpireWithdraw time.Time
	StampExpireDeposit  time.Time
	StampExpireLegal    time.Time

	IsRevoked bool
	IsOffered bool
	MasterSig string
}

// Withdrawable reports whether new coins of the denomination can be
// obtained at now. The last five minutes of the withdraw window are
// excluded.
func (d *Denomination) Withdrawable(now time.Time) bool {
	lastWithdraw := d.StampExpireWithdraw.Add(-5 * time.Minute)

	return !now.Before(d.StampStart) && now.Before(lastWithdraw) &&
		!d.IsRevoked && d.IsOffered
}

// CoinStatus is the spend state of a coin.
type CoinStatus uint8

const (
	// CoinFresh coins can be selected for payments.
	CoinFresh CoinStatus = iota

	// CoinDormant coins were committed to a spend or refresh. A coin
	// never becomes fresh again.
	CoinDormant
)

// String returns the name of the status.
func (s CoinStatus) String() string {
	switch s {
	case CoinFresh:
		return "fresh"
	case CoinDormant:
		return "dormant"
	default:
		return "unknown"
	}
}

// CoinSourceType is how the wallet obtained a coin.
type CoinSourceType uint8

const (
	CoinSourceWithdraw CoinSourceType = iota
	CoinSourceRefresh
	CoinSourceRecoup
)

// CoinSource is the provenance of a coin.
type CoinSource struct {
	Type  CoinSourceType
	ID    string
	Index uint32
}

// CoinAllocation binds part of a coin's value to one spend.
type CoinAllocation struct {
	ID     string
	Amount amount.Amount
}

// Coin is a coin owned by the wallet.
type Coin struct {
	CoinPub         string
	CoinPriv        string
	ExchangeBaseURL string
	DenomPubHash    string
	DenomSig        string

	// CurrentAmount is the residual value. It never exceeds the
	// denomination value.
	CurrentAmount amount.Amount

	Status CoinStatus

	// Allocation is set once the coin is committed to a payment and
	// never changes afterwards.
	Allocation *CoinAllocation

	Suspended bool
	Source    CoinSource
}

// ProposalStatus is the state of a proposal.
type ProposalStatus uint8

const (
	// ProposalDownloading proposals wait for their contract terms.
	ProposalDownloading ProposalStatus = iota

	// ProposalProposed proposals wait for the user's decision.
	ProposalProposed

	// ProposalAccepted proposals have a purchase.
	ProposalAccepted

	// ProposalRepurchase proposals point to an earlier purchase of the
	// same fulfillment URL.
	ProposalRepurchase

	// ProposalRefused proposals were declined by the user.
	ProposalRefused

	// ProposalPermanentlyFailed proposals had invalid contract terms.
	ProposalPermanentlyFailed
)

// String returns the name of the status.
func (s ProposalStatus) String() string {
	switch s {
	case ProposalDownloading:
		return "downloading"
	case ProposalProposed:
		return "proposed"
	case ProposalAccepted:
		return "accepted"
	case ProposalRepurchase:
		return "repurchase"
	case ProposalRefused:
		return "refused"
	case ProposalPermanentlyFailed:
		return "permanently-failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalRepurchase, ProposalRefused, ProposalPermanentlyFailed,
		ProposalAccepted:

		return true
	default:
		return false
	}
}

// ProposalDownload is the contract a proposal downloaded.
type ProposalDownload struct {
	// ContractTermsRaw are the terms as received from the merchant.
	ContractTermsRaw []byte

	// ContractData is derived from ContractTermsRaw and carries the
	// merchant signature.
	ContractData *contractterms.ContractData
}

// Proposal is a merchant order being downloaded or waiting for the user.
type Proposal struct {
	ProposalID      string
	OrderID         string
	MerchantBaseURL string

	NoncePriv string
	NoncePub  string

	// ClaimToken is empty if the order has none.
	ClaimToken string

	DownloadSessionID string
	Status            ProposalStatus
	Download          *ProposalDownload

	// RepurchaseProposalID is set for ProposalRepurchase.
	RepurchaseProposalID string

	Timestamp time.Time
	Retry     *retry.Info
	LastError *errorcodes.OperationError
}

// AbortStatus tells whether a purchase is being aborted.
type AbortStatus uint8

const (
	AbortNone AbortStatus = iota
	AbortRefund
	AbortFinished
)

// RefundStatus is the state of a refund of a single coin.
type RefundStatus uint8

const (
	RefundPending RefundStatus = iota
	RefundApplied
	RefundFailed
)

// Refund is a refund the merchant granted for a coin.
type Refund struct {
	CoinPub        string
	RTransactionID uint64
	Amount         amount.Amount
	ExecutionTime  time.Time
	Status         RefundStatus
}

// RefundKey returns the key of the refund in Purchase.Refunds.
func (r *Refund) RefundKey() string {
	return refundKey(r.CoinPub, r.RTransactionID)
}

// Purchase is a proposal the wallet committed coins to. It shares the
// proposal's id.
type Purchase struct {
	ProposalID string
	Download   *ProposalDownload

	PayCoinSelection    coinselect.PayCoinSelection
	PayCoinSelectionUID string

	// CoinDepositPermissions caches the signed permissions for the
	// current selection. Nil if they have to be computed.
	CoinDepositPermissions []merchant.CoinDepositPermission

	TotalPayCost amount.Amount
	AbortStatus  AbortStatus

	PayRetry          *retry.Info
	RefundStatusRetry *retry.Info

	// MerchantPaySig is set on the first successful payment.
	MerchantPaySig string

	LastSessionID        string
	PaymentSubmitPending bool
	PayFrozen            bool

	Refunds              map[string]*Refund
	RefundQueryRequested bool
	AutoRefundDeadline   time.Time

	LastPayError *errorcodes.OperationError

	TimestampAccept             time.Time
	TimestampFirstSuccessfulPay time.Time
}

// Paid reports whether the merchant confirmed the payment.
func (p *Purchase) Paid() bool {
	return !p.TimestampFirstSuccessfulPay.IsZero()
}

// RefreshReason is why coins are refreshed.
type RefreshReason uint8

const (
	RefreshReasonPay RefreshReason = iota
	RefreshReasonRefund
	RefreshReasonAbortPay
	RefreshReasonRecoup
	RefreshReasonManual
	RefreshReasonScheduled
)

// String returns the name of the reason.
func (r RefreshReason) String() string {
	switch r {
	case RefreshReasonPay:
		return "pay"
	case RefreshReasonRefund:
		return "refund"
	case RefreshReasonAbortPay:
		return "abort-pay"
	case RefreshReasonRecoup:
		return "recoup"
	case RefreshReasonManual:
		return "manual"
	case RefreshReasonScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// RefreshCoinStatus is the state of one coin of a refresh group.
type RefreshCoinStatus uint8

const (
	RefreshCoinPending RefreshCoinStatus = iota
	RefreshCoinFinished
	RefreshCoinFrozen
)

// RefreshGroup converts the residual value of spent coins into fresh coins.
type RefreshGroup struct {
	RefreshGroupID string
	Reason         RefreshReason

	// OldCoinPubs, InputPerCoin, EstimatedOutputPerCoin and StatusPerCoin
	// are parallel.
	OldCoinPubs            []string
	InputPerCoin           []amount.Amount
	EstimatedOutputPerCoin []amount.Amount
	StatusPerCoin          []RefreshCoinStatus

	Retry     *retry.Info
	LastError *errorcodes.OperationError

	TimestampCreated  time.Time
	TimestampFinished time.Time
}

// Finished reports whether the refresh of every coin ended.
func (g *RefreshGroup) Finished() bool {
	return !g.TimestampFinished.IsZero()
}
