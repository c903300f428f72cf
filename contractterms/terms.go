package contractterms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ecashwallet/walletd/amount"
)

// Timestamp is an absolute time on the wire, encoded as {"t_ms": n} or
// {"t_ms": "never"}.
type Timestamp struct {
	time.Time
	Never bool
}

type wireTimestamp struct {
	TMs json.RawMessage `json:"t_ms"`
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Never {
		return []byte(`{"t_ms":"never"}`), nil
	}

	return []byte(fmt.Sprintf(`{"t_ms":%d}`, t.UnixMilli())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var w wireTimestamp
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.TMs) == 0 {
		return fmt.Errorf("timestamp without t_ms")
	}
	if string(w.TMs) == `"never"` {
		*t = Timestamp{Never: true}
		return nil
	}

	var ms int64
	if err := json.Unmarshal(w.TMs, &ms); err != nil {
		return fmt.Errorf("bad t_ms: %w", err)
	}
	*t = Timestamp{Time: time.UnixMilli(ms)}

	return nil
}

// RelativeTime is a duration on the wire, encoded as {"d_ms": n} or
// {"d_ms": "forever"}.
type RelativeTime struct {
	time.Duration
	Forever bool
}

type wireRelativeTime struct {
	DMs json.RawMessage `json:"d_ms"`
}

// MarshalJSON implements json.Marshaler.
func (r RelativeTime) MarshalJSON() ([]byte, error) {
	if r.Forever {
		return []byte(`{"d_ms":"forever"}`), nil
	}

	return []byte(fmt.Sprintf(`{"d_ms":%d}`, r.Milliseconds())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RelativeTime) UnmarshalJSON(b []byte) error {
	var w wireRelativeTime
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.DMs) == 0 {
		return fmt.Errorf("duration without d_ms")
	}
	if string(w.DMs) == `"forever"` {
		*r = RelativeTime{Duration: math.MaxInt64, Forever: true}
		return nil
	}

	var ms int64
	if err := json.Unmarshal(w.DMs, &ms); err != nil {
		return fmt.Errorf("bad d_ms: %w", err)
	}
	*r = RelativeTime{Duration: time.Duration(ms) * time.Millisecond}

	return nil
}

// MerchantInfo describes the merchant.
type MerchantInfo struct {
	Name string `json:"name"`
}

// ExchangeHandle is an exchange the merchant accepts.
type ExchangeHandle struct {
	URL       string `json:"url"`
	MasterPub string `json:"master_pub"`
}

// AuditorHandle is an auditor the merchant trusts.
type AuditorHandle struct {
	Name       string `json:"name"`
	AuditorPub string `json:"auditor_pub"`
	URL        string `json:"url"`
}

// ContractTerms is the decoded form of the terms a merchant signs.
type ContractTerms struct {
	Summary              string            `json:"summary"`
	OrderID              string            `json:"order_id"`
	Amount               amount.Amount     `json:"amount"`
	FulfillmentURL       string            `json:"fulfillment_url,omitempty"`
	FulfillmentMessage   string            `json:"fulfillment_message,omitempty"`
	MaxFee               amount.Amount     `json:"max_fee"`
	MaxWireFee           *amount.Amount    `json:"max_wire_fee,omitempty"`
	WireFeeAmortization  *uint32           `json:"wire_fee_amortization,omitempty"`
	MerchantBaseURL      string            `json:"merchant_base_url"`
	MerchantPub          string            `json:"merchant_pub"`
	Merchant             MerchantInfo      `json:"merchant"`
	Exchanges            []ExchangeHandle  `json:"exchanges"`
	Auditors             []AuditorHandle   `json:"auditors"`
	Timestamp            Timestamp         `json:"timestamp"`
	RefundDeadline       Timestamp         `json:"refund_deadline"`
	PayDeadline          Timestamp         `json:"pay_deadline"`
	WireTransferDeadline Timestamp         `json:"wire_transfer_deadline"`
	AutoRefund           *RelativeTime     `json:"auto_refund,omitempty"`
	HWire                string            `json:"h_wire"`
	WireMethod           string            `json:"wire_method"`
	Nonce                string            `json:"nonce"`
	Products             []json.RawMessage `json:"products,omitempty"`
	Extra                json.RawMessage   `json:"extra,omitempty"`
}

// Parse decodes contract terms and checks that the members the wallet needs
// are present.
func Parse(raw []byte) (*ContractTerms, error) {
	var ct ContractTerms
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	missing := func(name string) error {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}

	switch {
	case ct.OrderID == "":
		return nil, missing("order_id")
	case ct.Amount.Currency == "":
		return nil, missing("amount")
	case ct.MaxFee.Currency == "":
		return nil, missing("max_fee")
	case ct.MerchantBaseURL == "":
		return nil, missing("merchant_base_url")
	case ct.MerchantPub == "":
		return nil, missing("merchant_pub")
	case ct.Timestamp.IsZero() && !ct.Timestamp.Never:
		return nil, missing("timestamp")
	case ct.PayDeadline.IsZero() && !ct.PayDeadline.Never:
		return nil, missing("pay_deadline")
	case ct.WireMethod == "":
		return nil, missing("wire_method")
	case ct.HWire == "":
		return nil, missing("h_wire")
	case ct.Nonce == "":
		return nil, missing("nonce")
	}

	if ct.MaxFee.Currency != ct.Amount.Currency {
		return nil, fmt.Errorf("%w: max_fee currency %s differs from "+
			"amount currency %s", ErrMalformed, ct.MaxFee.Currency,
			ct.Amount.Currency)
	}
	if ct.MaxWireFee != nil &&
		ct.MaxWireFee.Currency != ct.Amount.Currency {

		return nil, fmt.Errorf("%w: max_wire_fee currency %s differs "+
			"from amount currency %s", ErrMalformed,
			ct.MaxWireFee.Currency, ct.Amount.Currency)
	}

	return &ct, nil
}

// AllowedAuditor is an auditor accepted by the contract.
type AllowedAuditor struct {
	AuditorBaseURL string
	AuditorPub     string
}

// AllowedExchange is an exchange accepted by the contract.
type AllowedExchange struct {
	ExchangeBaseURL string
	ExchangePub     string
}

// ContractData is the part of the contract terms the wallet works with,
// together with the merchant's signature over their hash.
type ContractData struct {
	Amount               amount.Amount
	ContractTermsHash    chainhash.Hash
	FulfillmentURL       string
	MerchantBaseURL      string
	MerchantPub          string
	MerchantSig          string
	MerchantName         string
	OrderID              string
	Summary              string
	Nonce                string
	AutoRefund           time.Duration
	MaxWireFee           amount.Amount
	MaxDepositFee        amount.Amount
	Timestamp            time.Time
	PayDeadline          time.Time
	RefundDeadline       time.Time
	WireTransferDeadline time.Time
	WireFeeAmortization  uint32
	AllowedAuditors      []AllowedAuditor
	AllowedExchanges     []AllowedExchange
	WireMethod           string
	WireInfoHash         string
}

// Extract parses the raw terms and derives the contract data. The merchant
// signature is not checked here.
func Extract(raw []byte, merchantSig string) (*ContractData, error) {
	ct, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	h, err := Hash(raw)
	if err != nil {
		return nil, err
	}

	maxWireFee := amount.Zero(ct.Amount.Currency)
	if ct.MaxWireFee != nil {
		maxWireFee = *ct.MaxWireFee
	}

	amortization := uint32(1)
	if ct.WireFeeAmortization != nil && *ct.WireFeeAmortization > 0 {
		amortization = *ct.WireFeeAmortization
	}

	var autoRefund time.Duration
	if ct.AutoRefund != nil {
		autoRefund = ct.AutoRefund.Duration
	}

	cd := &ContractData{
		Amount:               ct.Amount,
		ContractTermsHash:    h,
		FulfillmentURL:       ct.FulfillmentURL,
		MerchantBaseURL:      ct.MerchantBaseURL,
		MerchantPub:          ct.MerchantPub,
		MerchantSig:          merchantSig,
		MerchantName:         ct.Merchant.Name,
		OrderID:              ct.OrderID,
		Summary:              ct.Summary,
		Nonce:                ct.Nonce,
		AutoRefund:           autoRefund,
		MaxWireFee:           maxWireFee,
		MaxDepositFee:        ct.MaxFee,
		Timestamp:            ct.Timestamp.Time,
		PayDeadline:          ct.PayDeadline.Time,
		RefundDeadline:       ct.RefundDeadline.Time,
		WireTransferDeadline: ct.WireTransferDeadline.Time,
		WireFeeAmortization:  amortization,
		WireMethod:           ct.WireMethod,
		WireInfoHash:         ct.HWire,
	}

	for _, a := range ct.Auditors {
		cd.AllowedAuditors = append(cd.AllowedAuditors, AllowedAuditor{
			AuditorBaseURL: a.URL,
			AuditorPub:     a.AuditorPub,
		})
	}
	for _, e := range ct.Exchanges {
		cd.AllowedExchanges = append(cd.AllowedExchanges,
			AllowedExchange{
				ExchangeBaseURL: e.URL,
				ExchangePub:     e.MasterPub,
			})
	}

	return cd, nil
}

// SameBaseURL compares two base URLs ignoring a trailing slash.
func SameBaseURL(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
