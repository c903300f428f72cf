package merchant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ecashwallet/walletd/errorcodes"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond is the sustained request rate allowed per
	// origin.
	DefaultRequestsPerSecond = 10

	// DefaultBurst is the number of requests allowed at once per origin.
	DefaultBurst = 20

	// maxResponseSize bounds the size of response bodies read.
	maxResponseSize = 4 << 20
)

// Response is a completed HTTP exchange.
type Response struct {
	// Status is the HTTP status code.
	Status int

	// Body is the raw response body.
	Body []byte

	// URL is the requested URL.
	URL string
}

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errorcodes.Wrap(
			err, errorcodes.WalletReceivedMalformedResponse,
			errorcodes.KindTransient, "malformed response from %s",
			r.URL,
		)
	}

	return nil
}

// Transport posts JSON documents. It performs no retries; deadlines come
// from the context.
type Transport interface {
	// PostJSON sends body as JSON to rawURL.
	PostJSON(ctx context.Context, rawURL string,
		body interface{}) (*Response, error)
}

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	RequestsPerSecond float64 `long:"ratelimit" description:"Sustained number of requests per second allowed to a single origin"`
	Burst             int     `long:"burst" description:"Number of requests allowed at once to a single origin"`
	UserAgent         string  `long:"useragent" description:"User agent sent with every request"`
}

// DefaultTransportConfig returns the default transport settings.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultBurst,
		UserAgent:         "walletd",
	}
}

// HTTPTransport is a Transport over net/http that throttles requests per
// origin.
type HTTPTransport struct {
	cfg    *TransportConfig
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPTransport creates a transport. A nil client uses a default one.
func NewHTTPTransport(cfg *TransportConfig,
	client *http.Client) *HTTPTransport {

	if client == nil {
		client = &http.Client{}
	}

	return &HTTPTransport{
		cfg:      cfg,
		client:   client,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the rate limiter of the URL's origin.
func (t *HTTPTransport) limiter(u *url.URL) *rate.Limiter {
	origin := u.Scheme + "://" + u.Host

	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[origin]
	if !ok {
		l = rate.NewLimiter(
			rate.Limit(t.cfg.RequestsPerSecond), t.cfg.Burst,
		)
		t.limiters[origin] = l
	}

	return l
}

// PostJSON implements Transport.
func (t *HTTPTransport) PostJSON(ctx context.Context, rawURL string,
	body interface{}) (*Response, error) {

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errorcodes.Wrap(
			err, errorcodes.WalletUnexpectedRequestError,
			errorcodes.KindValidation, "invalid url %q", rawURL,
		)
	}

	if !t.limiter(u).Allow() {
		return nil, errorcodes.New(
			errorcodes.WalletHTTPRequestThrottled,
			errorcodes.KindTransient,
			"request to %s throttled", u.Host,
		)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("unable to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, rawURL, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, errorcodes.Wrap(
			err, errorcodes.WalletUnexpectedRequestError,
			errorcodes.KindValidation, "unable to build request",
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}

	log.Debugf("POST %s -> %d (%v)", rawURL, resp.StatusCode,
		time.Since(start))

	return &Response{Status: resp.StatusCode, Body: b, URL: rawURL}, nil
}

// classifyTransportError maps a failed round trip to a transient error.
func classifyTransportError(err error, rawURL string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorcodes.Wrap(
			err, errorcodes.WalletHTTPRequestGenericTimeout,
			errorcodes.KindTransient, "request to %s timed out",
			rawURL,
		)
	}

	return errorcodes.Wrap(
		err, errorcodes.WalletNetworkError, errorcodes.KindTransient,
		"request to %s failed", rawURL,
	)
}
