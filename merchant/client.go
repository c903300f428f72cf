package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/errorcodes"
)

// ClaimRequest is the body of a claim request.
type ClaimRequest struct {
	Nonce string `json:"nonce"`
	Token string `json:"token,omitempty"`
}

// ClaimResponse carries the claimed contract terms and the merchant's
// signature over their hash.
type ClaimResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

// CoinDepositPermission authorizes the merchant to deposit part of a coin.
type CoinDepositPermission struct {
	CoinPub      string        `json:"coin_pub"`
	CoinSig      string        `json:"coin_sig"`
	Contribution amount.Amount `json:"contribution"`
	DenomPubHash string        `json:"h_denom"`
	DenomSig     string        `json:"ub_sig"`
	ExchangeURL  string        `json:"exchange_url"`
}

// PayRequest is the body of a pay request.
type PayRequest struct {
	Coins     []CoinDepositPermission `json:"coins"`
	SessionID string                  `json:"session_id,omitempty"`
}

// PayResponse is the merchant's confirmation of a payment.
type PayResponse struct {
	Sig string `json:"sig"`
}

// PaidRequest proves an earlier payment for a new session.
type PaidRequest struct {
	Sig               string `json:"sig"`
	ContractTermsHash string `json:"h_contract"`
	SessionID         string `json:"session_id"`
}

// ErrorDetail is the structured error body of a merchant or exchange.
type ErrorDetail struct {
	Code               errorcodes.Code `json:"code"`
	Hint               string          `json:"hint,omitempty"`
	CoinPub            string          `json:"coin_pub,omitempty"`
	ExchangeURL        string          `json:"exchange_url,omitempty"`
	ExchangeHTTPStatus int             `json:"exchange_http_status,omitempty"`
	ExchangeCode       errorcodes.Code `json:"exchange_code,omitempty"`
	ExchangeReply      *ErrorDetail    `json:"exchange_reply,omitempty"`
}

// HTTPError is an unexpected status returned by a merchant.
type HTTPError struct {
	// Status is the HTTP status code.
	Status int

	// URL is the requested URL.
	URL string

	// Detail is the decoded error body. It is nil if the body wasn't a
	// structured error.
	Detail *ErrorDetail

	// Body is the raw response body.
	Body []byte
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s returned %d: %v %s", e.URL, e.Status,
			e.Detail.Code, e.Detail.Hint)
	}

	return fmt.Sprintf("%s returned %d", e.URL, e.Status)
}

// Code returns the merchant's error code, zero if there is none.
func (e *HTTPError) Code() errorcodes.Code {
	if e.Detail == nil {
		return 0
	}

	return e.Detail.Code
}

// ExchangeCode returns the code the exchange reported through the merchant.
func (e *HTTPError) ExchangeCode() errorcodes.Code {
	if e.Detail == nil {
		return 0
	}
	if e.Detail.ExchangeReply != nil {
		return e.Detail.ExchangeReply.Code
	}

	return e.Detail.ExchangeCode
}

// AsHTTPError returns the HTTPError carried by err.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}

	return nil, false
}

// newHTTPError builds the error of an unexpected response and classifies it.
func newHTTPError(resp *Response) *errorcodes.OperationError {
	httpErr := &HTTPError{
		Status: resp.Status,
		URL:    resp.URL,
		Body:   resp.Body,
	}

	var detail ErrorDetail
	if err := json.Unmarshal(resp.Body, &detail); err == nil &&
		detail.Code != 0 {

		httpErr.Detail = &detail
	}

	var kind errorcodes.Kind
	switch {
	case resp.Status >= 500:
		kind = errorcodes.KindTransient
	case resp.Status == http.StatusConflict:
		kind = errorcodes.KindConflict
	case resp.Status == http.StatusTooManyRequests:
		kind = errorcodes.KindTransient
	default:
		kind = errorcodes.KindRejected
	}

	opErr := errorcodes.Wrap(
		httpErr, errorcodes.WalletUnexpectedRequestError, kind,
		"unexpected status %d from %s", resp.Status, resp.URL,
	)
	opErr.HTTPStatus = resp.Status
	opErr.Detail = string(resp.Body)

	return opErr
}

// Client talks to merchant backends.
type Client struct {
	transport Transport
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// OrderURL returns the URL of an order endpoint.
func OrderURL(merchantBaseURL, orderID, endpoint string) string {
	base := strings.TrimSuffix(merchantBaseURL, "/")

	return fmt.Sprintf("%s/orders/%s/%s", base, url.PathEscape(orderID),
		endpoint)
}

// Claim claims an order. A 409 reply is returned as an HTTPError whose code
// tells whether the order was claimed by another wallet.
func (c *Client) Claim(ctx context.Context, merchantBaseURL, orderID string,
	req *ClaimRequest) (*ClaimResponse, error) {

	resp, err := c.transport.PostJSON(
		ctx, OrderURL(merchantBaseURL, orderID, "claim"), req,
	)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, newHTTPError(resp)
	}

	var claim ClaimResponse
	if err := resp.JSON(&claim); err != nil {
		return nil, err
	}
	if len(claim.ContractTerms) == 0 || claim.Sig == "" {
		return nil, errorcodes.New(
			errorcodes.WalletReceivedMalformedResponse,
			errorcodes.KindTransient,
			"claim response from %s incomplete", resp.URL,
		)
	}

	return &claim, nil
}

// Pay submits deposit permissions.
func (c *Client) Pay(ctx context.Context, merchantBaseURL, orderID string,
	req *PayRequest) (*PayResponse, error) {

	resp, err := c.transport.PostJSON(
		ctx, OrderURL(merchantBaseURL, orderID, "pay"), req,
	)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, newHTTPError(resp)
	}

	var pay PayResponse
	if err := resp.JSON(&pay); err != nil {
		return nil, err
	}

	return &pay, nil
}

// Paid proves a completed payment for a new session. The merchant answers
// with an empty 204 reply.
func (c *Client) Paid(ctx context.Context, merchantBaseURL, orderID string,
	req *PaidRequest) error {

	resp, err := c.transport.PostJSON(
		ctx, OrderURL(merchantBaseURL, orderID, "paid"), req,
	)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusNoContent {
		return newHTTPError(resp)
	}

	return nil
}
