package errorcodes

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error identifier shared with wallet front ends,
// merchants and exchanges.
type Code uint32

const (
	// Codes reported by exchanges and merchants.
	ExchangeDepositInsufficientFunds    Code = 1200
	MerchantPayInsufficientFunds        Code = 2150
	MerchantClaimAlreadyClaimed         Code = 2301
	MerchantGenericOrderUnknown         Code = 2000
	MerchantGenericInstanceUnknown      Code = 2005
	ExchangeGenericCoinUnknown          Code = 1301
	ExchangeDepositRefundDeadlineBefore Code = 1220

	// Codes raised by the wallet itself.
	WalletUnexpectedException          Code = 7001
	WalletReceivedMalformedResponse    Code = 7002
	WalletNetworkError                 Code = 7003
	WalletHTTPRequestThrottled         Code = 7004
	WalletUnexpectedRequestError       Code = 7005
	WalletInvalidTalerPayURI           Code = 7008
	WalletCoreAPIOperationUnknown      Code = 7010
	WalletHTTPRequestGenericTimeout    Code = 7013
	WalletOrderAlreadyClaimed          Code = 7014
	WalletContractTermsBaseURLMismatch Code = 7018
	WalletContractTermsSignatureBad    Code = 7019
	WalletContractTermsMalformed       Code = 7020
	WalletLedgerInvariantViolated      Code = 7050
	WalletInsufficientBalance          Code = 7051
	WalletPurchaseAborted              Code = 7052
	WalletPaySignatureInvalid          Code = 7053
)

var codeNames = map[Code]string{
	ExchangeDepositInsufficientFunds:    "EXCHANGE_DEPOSIT_INSUFFICIENT_FUNDS",
	MerchantPayInsufficientFunds:        "MERCHANT_POST_ORDERS_ID_PAY_INSUFFICIENT_FUNDS",
	MerchantClaimAlreadyClaimed:         "MERCHANT_POST_ORDERS_ID_CLAIM_ALREADY_CLAIMED",
	MerchantGenericOrderUnknown:         "MERCHANT_GENERIC_ORDER_UNKNOWN",
	MerchantGenericInstanceUnknown:      "MERCHANT_GENERIC_INSTANCE_UNKNOWN",
	ExchangeGenericCoinUnknown:          "EXCHANGE_GENERIC_COIN_UNKNOWN",
	ExchangeDepositRefundDeadlineBefore: "EXCHANGE_DEPOSIT_REFUND_DEADLINE_AFTER_WIRE_DEADLINE",
	WalletUnexpectedException:           "WALLET_UNEXPECTED_EXCEPTION",
	WalletReceivedMalformedResponse:     "WALLET_RECEIVED_MALFORMED_RESPONSE",
	WalletNetworkError:                  "WALLET_NETWORK_ERROR",
	WalletHTTPRequestThrottled:          "WALLET_HTTP_REQUEST_THROTTLED",
	WalletUnexpectedRequestError:        "WALLET_UNEXPECTED_REQUEST_ERROR",
	WalletInvalidTalerPayURI:            "WALLET_INVALID_TALER_PAY_URI",
	WalletCoreAPIOperationUnknown:       "WALLET_CORE_API_OPERATION_UNKNOWN",
	WalletHTTPRequestGenericTimeout:     "WALLET_HTTP_REQUEST_GENERIC_TIMEOUT",
	WalletOrderAlreadyClaimed:           "WALLET_ORDER_ALREADY_CLAIMED",
	WalletContractTermsBaseURLMismatch:  "WALLET_CONTRACT_TERMS_BASE_URL_MISMATCH",
	WalletContractTermsSignatureBad:     "WALLET_CONTRACT_TERMS_SIGNATURE_INVALID",
	WalletContractTermsMalformed:        "WALLET_CONTRACT_TERMS_MALFORMED",
	WalletLedgerInvariantViolated:       "WALLET_LEDGER_INVARIANT_VIOLATED",
	WalletInsufficientBalance:           "WALLET_INSUFFICIENT_BALANCE",
	WalletPurchaseAborted:               "WALLET_PURCHASE_ABORTED",
	WalletPaySignatureInvalid:           "WALLET_PAY_SIGNATURE_INVALID",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("CODE_%d", uint32(c))
}

// Kind classifies a failure by how the wallet reacts to it.
type Kind uint8

const (
	// KindInternal is an unexpected failure without a better
	// classification. It is retried like a transient failure.
	KindInternal Kind = iota

	// KindValidation is a client side validation failure of data
	// received from a peer. It is permanent.
	KindValidation

	// KindTransient covers network failures, timeouts and 5xx replies.
	// The work is retried with backoff.
	KindTransient

	// KindConflict is a protocol conflict with a domain specific
	// recovery, such as reselecting coins after insufficient funds.
	KindConflict

	// KindRejected is a permanent rejection by the peer. The affected
	// record is frozen until the user intervenes.
	KindRejected

	// KindInvariant is a violated ledger invariant. It indicates a bug
	// and is never retried.
	KindInvariant
)

// String returns a human readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Permanent returns true if work failing with this kind must not be retried.
func (k Kind) Permanent() bool {
	switch k {
	case KindValidation, KindRejected, KindInvariant:
		return true
	default:
		return false
	}
}

// OperationError is a failure carrying a stable code, so it can be recorded
// on a ledger record and shown to the user without re-deriving state.
type OperationError struct {
	// Code is the stable identifier.
	Code Code `json:"code"`

	// Kind classifies the failure.
	Kind Kind `json:"kind"`

	// Hint is a human readable description.
	Hint string `json:"hint"`

	// HTTPStatus is the status code of the reply that caused the
	// failure, if any.
	HTTPStatus int `json:"http_status,omitempty"`

	// Detail optionally carries the peer's raw error body.
	Detail string `json:"detail,omitempty"`

	err error
}

// New creates an operation error.
func New(code Code, kind Kind, format string,
	args ...interface{}) *OperationError {

	return &OperationError{
		Code: code,
		Kind: kind,
		Hint: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an operation error caused by err.
func Wrap(err error, code Code, kind Kind, format string,
	args ...interface{}) *OperationError {

	return &OperationError{
		Code: code,
		Kind: kind,
		Hint: fmt.Sprintf(format, args...),
		err:  err,
	}
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%v (%d, %v): %s", e.Code, uint32(e.Code), e.Kind,
		e.Hint)
	if e.err != nil && e.err.Error() != e.Hint {
		msg += ": " + e.err.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *OperationError) Unwrap() error {
	return e.err
}

// Is matches operation errors by code.
func (e *OperationError) Is(target error) bool {
	var other *OperationError
	if !errors.As(target, &other) {
		return false
	}

	return other.Code == e.Code
}

// FromError returns the operation error carried by err, or wraps err as an
// unexpected failure.
func FromError(err error) *OperationError {
	if err == nil {
		return nil
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	return Wrap(err, WalletUnexpectedException, KindInternal, "%v", err)
}

// KindOf returns the kind of err, KindInternal if it carries none.
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}

	return KindInternal
}

// HasCode returns true if err carries the given code.
func HasCode(err error, code Code) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code == code
	}

	return false
}
