package pay

import (
	"testing"

	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/stretchr/testify/require"
)

func TestParsePayURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		uri  string
		want *PayURI
	}{
		{
			name: "plain",
			uri:  "taler://pay/shop.example.com/order-1/session",
			want: &PayURI{
				MerchantBaseURL: "https://shop.example.com/",
				OrderID:         "order-1",
				SessionID:       "session",
			},
		},
		{
			name: "instance path and claim token",
			uri: "taler://pay/Shop.Example.com/instances/blog/" +
				"order-1/?c=token",
			want: &PayURI{
				MerchantBaseURL: "https://shop.example.com/" +
					"instances/blog/",
				OrderID:    "order-1",
				ClaimToken: "token",
			},
		},
		{
			name: "plain http",
			uri:  "TALER+HTTP://PAY/localhost:8080/o%2F1/s?n=priv",
			want: &PayURI{
				MerchantBaseURL: "http://localhost:8080/",
				OrderID:         "o/1",
				SessionID:       "s",
				NoncePriv:       "priv",
			},
		},
	}

	for _, test := range tests {
		got, err := ParsePayURI(test.uri)
		require.NoError(t, err, test.name)
		require.Equal(t, test.want, got, test.name)
	}
}

func TestParsePayURIInvalid(t *testing.T) {
	t.Parallel()

	for _, uri := range []string{
		"",
		"https://shop.example.com/order/session",
		"taler://withdraw/shop.example.com/order/session",
		"taler://pay/shop.example.com/order",
		"taler://pay//order/session",
		"taler://pay/shop.example.com//session",
	} {
		_, err := ParsePayURI(uri)
		require.True(t, errorcodes.HasCode(
			err, errorcodes.WalletInvalidTalerPayURI,
		), uri)
	}
}
