package pay

import (
	"net/url"
	"strings"

	"github.com/ecashwallet/walletd/errorcodes"
)

// PayURI is a decoded taler pay URI.
type PayURI struct {
	// MerchantBaseURL always ends with a slash.
	MerchantBaseURL string
	OrderID         string
	SessionID       string

	// ClaimToken is the value of the c parameter, if present.
	ClaimToken string

	// NoncePriv is the value of the n parameter, if present.
	NoncePriv string
}

var payURIPrefixes = []struct {
	prefix string
	proto  string
}{
	{"taler://pay/", "https"},
	{"taler+http://pay/", "http"},
}

func invalidPayURI(s string) error {
	return errorcodes.New(
		errorcodes.WalletInvalidTalerPayURI, errorcodes.KindValidation,
		"invalid taler pay URI %q", s,
	)
}

// ParsePayURI decodes a URI of the form
// taler://pay/{host}/{path...}/{orderId}/{sessionId}[?c={claimToken}].
// The taler+http scheme selects a merchant reached over plain HTTP.
func ParsePayURI(s string) (*PayURI, error) {
	var rest, proto string
	for _, p := range payURIPrefixes {
		if len(s) >= len(p.prefix) &&
			strings.EqualFold(s[:len(p.prefix)], p.prefix) {

			rest, proto = s[len(p.prefix):], p.proto
			break
		}
	}
	if proto == "" {
		return nil, invalidPayURI(s)
	}

	path, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, invalidPayURI(s)
	}

	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return nil, invalidPayURI(s)
	}

	host := strings.ToLower(parts[0])
	orderID, err := url.PathUnescape(parts[len(parts)-2])
	if err != nil || host == "" || orderID == "" {
		return nil, invalidPayURI(s)
	}
	sessionID, err := url.PathUnescape(parts[len(parts)-1])
	if err != nil {
		return nil, invalidPayURI(s)
	}

	base := append([]string{host}, parts[1:len(parts)-2]...)

	return &PayURI{
		MerchantBaseURL: proto + "://" + strings.Join(base, "/") + "/",
		OrderID:         orderID,
		SessionID:       sessionID,
		ClaimToken:      query.Get("c"),
		NoncePriv:       query.Get("n"),
	}, nil
}
