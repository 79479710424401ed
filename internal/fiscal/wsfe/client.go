// Package wsfe is the HTTP client for the e-invoicing gateway that fronts
// the authority's voucher service. The transport layer tags every failure
// with a machine-readable category; callers never inspect error text.
package wsfe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/fiscalia-erp/fiscalia/internal/fiscal"
	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

// Client talks to the voucher gateway.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient constructs a Client for the given gateway base URL.
func NewClient(base string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type authHeader struct {
	Token string `json:"token"`
	Sign  string `json:"sign"`
	CUIT  string `json:"cuit"`
}

type lastRequest struct {
	Auth        authHeader `json:"auth"`
	PointOfSale int        `json:"point_of_sale"`
	Kind        int        `json:"kind"`
}

type lastResponse struct {
	Number int64 `json:"number"`
}

type authorizeRequest struct {
	Auth    authHeader           `json:"auth"`
	Voucher fiscal.VoucherPayload `json:"voucher"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authorizeResponse struct {
	Result    string         `json:"result"`
	CAE       string         `json:"cae"`
	CAEExpiry string         `json:"cae_expiry"`
	Errors    []gatewayError `json:"errors"`
}

// codeServiceUnavailable is the authority's explicit availability signal,
// delivered in-band with a 200 envelope.
const codeServiceUnavailable = "SERVICE_UNAVAILABLE"

// LastAuthorized returns the highest authorized sequence number for the
// point of sale and voucher kind. A pure read; errors propagate with their
// transport category and no further interpretation.
func (c *Client) LastAuthorized(ctx context.Context, creds taxpayer.Credentials, pointOfSale int, kind fiscal.VoucherKind) (int64, error) {
	body := lastRequest{
		Auth:        authHeader{Token: creds.Token, Sign: creds.Sign, CUIT: creds.CUIT},
		PointOfSale: pointOfSale,
		Kind:        int(kind),
	}
	var out lastResponse
	if err := c.post(ctx, "/fev1/last", body, &out, false); err != nil {
		return 0, err
	}
	return out.Number, nil
}

// Authorize submits a single voucher registration. Failures after the
// request body was sent are marked ambiguous: the authority may have
// accepted the voucher even though no response arrived.
func (c *Client) Authorize(ctx context.Context, creds taxpayer.Credentials, payload fiscal.VoucherPayload) (fiscal.Authorization, error) {
	body := authorizeRequest{
		Auth:    authHeader{Token: creds.Token, Sign: creds.Sign, CUIT: creds.CUIT},
		Voucher: payload,
	}
	raw, resp, err := c.roundTrip(ctx, "/fev1/authorize", body, true)
	if err != nil {
		return fiscal.Authorization{}, err
	}
	if resp.Result != "A" {
		return fiscal.Authorization{}, &fiscal.Error{
			Category: fiscal.CategoryRejected,
			Op:       "authorize",
			Err:      fmt.Errorf("authority rejected voucher: %s", joinErrors(resp.Errors)),
		}
	}
	auth := fiscal.Authorization{CAE: resp.CAE, Raw: raw}
	if resp.CAEExpiry != "" {
		expiry, perr := time.Parse("20060102", resp.CAEExpiry)
		if perr != nil {
			return fiscal.Authorization{}, &fiscal.Error{
				Category: fiscal.CategoryInternal,
				Op:       "authorize",
				Err:      fmt.Errorf("unparseable cae expiry %q: %w", resp.CAEExpiry, perr),
			}
		}
		auth.Expiry = expiry
		auth.ExpiryPresent = true
	}
	return auth, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any, ambiguous bool) error {
	_, _, err := c.roundTripInto(ctx, path, in, out, ambiguous)
	return err
}

func (c *Client) roundTrip(ctx context.Context, path string, in any, ambiguous bool) (json.RawMessage, *authorizeResponse, error) {
	var out authorizeResponse
	raw, _, err := c.roundTripInto(ctx, path, in, &out, ambiguous)
	if err != nil {
		return nil, nil, err
	}
	if hasCode(out.Errors, codeServiceUnavailable) {
		return nil, nil, &fiscal.Error{
			Category: fiscal.CategoryUnavailable,
			Op:       "gateway " + path,
			Err:      errors.New("authority reported service unavailable"),
		}
	}
	return raw, &out, nil
}

func (c *Client) roundTripInto(ctx context.Context, path string, in, out any, ambiguous bool) (json.RawMessage, int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, 0, &fiscal.Error{Category: fiscal.CategoryInternal, Op: "encode " + path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, &fiscal.Error{Category: fiscal.CategoryInternal, Op: "request " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, categorize("gateway "+path, err, ambiguous)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, categorize("read "+path, err, ambiguous)
	}

	if err := statusError(path, resp.StatusCode, ambiguous); err != nil {
		return nil, resp.StatusCode, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, resp.StatusCode, &fiscal.Error{Category: fiscal.CategoryInternal, Op: "decode " + path, Err: err}
	}
	return raw, resp.StatusCode, nil
}

// statusError maps non-2xx responses to categorized failures. 503 means the
// service refused the request outright; 502 and 504 mean an intermediary
// failed and the request may have been forwarded.
func statusError(path string, status int, ambiguous bool) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusServiceUnavailable:
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: "gateway " + path, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: "gateway " + path, Ambiguous: ambiguous, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &fiscal.Error{Category: fiscal.CategoryAuth, Op: "gateway " + path, Err: fmt.Errorf("status %d", status)}
	case status >= 400 && status < 500:
		return &fiscal.Error{Category: fiscal.CategoryRejected, Op: "gateway " + path, Err: fmt.Errorf("status %d", status)}
	default:
		return &fiscal.Error{Category: fiscal.CategoryInternal, Op: "gateway " + path, Ambiguous: ambiguous, Err: fmt.Errorf("status %d", status)}
	}
}

// categorize tags transport-level failures. Timeouts are ambiguous when the
// request may already have been sent; refused connections and DNS failures
// never reached the service.
func categorize(op string, err error, ambiguous bool) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled):
		return &fiscal.Error{Category: fiscal.CategoryInternal, Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: op, Ambiguous: ambiguous, Err: err}
	case errors.As(err, &dnsErr):
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: op, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: op, Ambiguous: ambiguous, Err: err}
	}
	if errors.As(err, &netErr) {
		return &fiscal.Error{Category: fiscal.CategoryUnavailable, Op: op, Err: err}
	}
	return &fiscal.Error{Category: fiscal.CategoryInternal, Op: op, Err: err}
}

func hasCode(errs []gatewayError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func joinErrors(errs []gatewayError) string {
	if len(errs) == 0 {
		return "no detail"
	}
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e.Code + " " + e.Message
	}
	return out
}
