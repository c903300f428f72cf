package contractterms

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleTerms() map[string]interface{} {
	return map[string]interface{}{
		"summary":           "Hello World",
		"order_id":          "2021.100-01",
		"amount":            "KUDOS:6",
		"fulfillment_url":   "https://shop.example.com/article/1",
		"max_fee":           "KUDOS:0.5",
		"max_wire_fee":      "KUDOS:0.1",
		"merchant_base_url": "https://backend.example.com/",
		"merchant_pub":      "aa",
		"merchant":          map[string]interface{}{"name": "shop"},
		"exchanges": []interface{}{map[string]interface{}{
			"url":        "https://exchange.example.com/",
			"master_pub": "bb",
		}},
		"auditors":               []interface{}{},
		"timestamp":              map[string]interface{}{"t_ms": 1000},
		"refund_deadline":        map[string]interface{}{"t_ms": 2000},
		"pay_deadline":           map[string]interface{}{"t_ms": 3000},
		"wire_transfer_deadline": map[string]interface{}{"t_ms": "never"},
		"auto_refund":            map[string]interface{}{"d_ms": 60000},
		"h_wire":                 "cc",
		"wire_method":            "x-taler-bank",
		"nonce":                  "dd",
	}
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return b
}

func TestExtract(t *testing.T) {
	t.Parallel()

	raw := encode(t, sampleTerms())
	cd, err := Extract(raw, "sig")
	require.NoError(t, err)

	require.Equal(t, "KUDOS:6", cd.Amount.String())
	require.Equal(t, "KUDOS:0.5", cd.MaxDepositFee.String())
	require.Equal(t, "KUDOS:0.1", cd.MaxWireFee.String())
	require.EqualValues(t, 1, cd.WireFeeAmortization)
	require.Equal(t, time.UnixMilli(3000), cd.PayDeadline)
	require.True(t, cd.WireTransferDeadline.IsZero())
	require.Equal(t, time.Minute, cd.AutoRefund)
	require.Equal(t, "shop", cd.MerchantName)
	require.Len(t, cd.AllowedExchanges, 1)
	require.Equal(t, "bb", cd.AllowedExchanges[0].ExchangePub)
	require.Equal(t, "sig", cd.MerchantSig)

	h, err := Hash(raw)
	require.NoError(t, err)
	require.Equal(t, h, cd.ContractTermsHash)
}

func TestParseMissingFields(t *testing.T) {
	t.Parallel()

	for _, field := range []string{
		"order_id", "amount", "max_fee", "merchant_base_url",
		"merchant_pub", "timestamp", "pay_deadline", "wire_method",
		"h_wire", "nonce",
	} {
		terms := sampleTerms()
		delete(terms, field)

		_, err := Parse(encode(t, terms))
		require.ErrorIs(t, err, ErrMalformed, field)
		require.Contains(t, err.Error(), field)
	}

	terms := sampleTerms()
	terms["max_fee"] = "EUR:1"
	_, err := Parse(encode(t, terms))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestValidateForgettable(t *testing.T) {
	t.Parallel()

	forgottenHash := strings.Repeat("ab", forgottenHashLen)

	tests := []struct {
		name  string
		terms string
		valid bool
	}{
		{
			name:  "plain",
			terms: `{"a": 1, "b": ["x", true, null]}`,
			valid: true,
		},
		{
			name:  "forgettable with salt",
			terms: `{"a": 1, "$forgettable": {"a": "salt"}}`,
			valid: true,
		},
		{
			name:  "forgettable member missing",
			terms: `{"$forgettable": {"a": "salt"}}`,
		},
		{
			name:  "forgettable salt not a string",
			terms: `{"a": 1, "$forgettable": {"a": true}}`,
		},
		{
			name:  "forgotten",
			terms: `{"$forgotten": {"a": "` + forgottenHash + `"}}`,
			valid: true,
		},
		{
			name: "forgotten but present",
			terms: `{"a": 1, "$forgotten": {"a": "` +
				forgottenHash + `"}}`,
		},
		{
			name:  "forgotten hash too short",
			terms: `{"$forgotten": {"a": "abab"}}`,
		},
		{
			name:  "bad member name",
			terms: `{"a-b": 1}`,
		},
		{
			name:  "fractional number",
			terms: `{"a": 1.5}`,
		},
		{
			name:  "unsafe integer",
			terms: `{"a": 9007199254740993}`,
		},
		{
			name:  "nested",
			terms: `{"p": [{"d": "x", "$forgettable": {"d": "s"}}]}`,
			valid: true,
		},
	}

	for _, test := range tests {
		err := ValidateForgettable([]byte(test.terms))
		if test.valid {
			require.NoError(t, err, test.name)
		} else {
			require.ErrorIs(t, err, ErrMalformed, test.name)
		}
	}
}

// TestForgetKeepsHash checks that forgetting a member leaves the contract
// terms hash unchanged and produces terms that still validate.
func TestForgetKeepsHash(t *testing.T) {
	t.Parallel()

	terms := sampleTerms()
	terms["extra"] = map[string]interface{}{
		"secret":       "address",
		"$forgettable": map[string]interface{}{"secret": true},
	}

	salted, err := SaltForgettable(encode(t, terms))
	require.NoError(t, err)
	require.NoError(t, ValidateForgettable(salted))

	h1, err := Hash(salted)
	require.NoError(t, err)

	forgotten, err := Forget(salted, func(path []string) bool {
		return len(path) == 2 && path[0] == "extra" &&
			path[1] == "secret"
	})
	require.NoError(t, err)
	require.NotContains(t, string(forgotten), "address")
	require.NoError(t, ValidateForgettable(forgotten))

	h2, err := Hash(forgotten)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSameBaseURL(t *testing.T) {
	t.Parallel()

	require.True(t, SameBaseURL("https://a.example/", "https://a.example"))
	require.False(t, SameBaseURL("https://a.example/", "https://b.example/"))
}
