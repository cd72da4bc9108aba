// Package gateway is the HTTP adapter for the card/UPI payment gateway.
//
// It creates order intents through the gateway REST API and verifies the
// signature the gateway attaches to client-side payment confirmations. It
// never touches order storage.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/foodstore/internal/domain/payment"
)

var _ payment.Gateway = (*Client)(nil)

// Config holds gateway credentials and endpoint.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
}

// APIError is a 4xx response from the gateway.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d %s: %s", e.StatusCode, e.Code, e.Description)
}

// TransientError is a network failure or 5xx response.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: transient %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client talks to the gateway REST API.
type Client struct {
	http    *http.Client
	baseURL string
	keyID   string
	secret  []byte
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	transport http.RoundTripper
	tp        trace.TracerProvider
	mp        metric.MeterProvider
}

// WithTransport sets the base round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithTelemetry instruments outgoing requests.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(o *clientOptions) {
		o.tp = tp
		o.mp = mp
	}
}

// New creates a gateway Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.KeySecret == "" {
		return nil, errors.New("gateway key secret is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}

	o := clientOptions{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}
	var otelOpts []otelhttp.Option
	if o.tp != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tp))
	}
	if o.mp != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.mp))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(o.transport, otelOpts...),
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		keyID:   cfg.KeyID,
		secret:  []byte(cfg.KeySecret),
	}, nil
}

// CreateIntent registers an order with the gateway for the exact amount,
// expressed in minor units.
func (c *Client) CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (*payment.Intent, error) {
	minor, err := payment.MinorUnits(amount)
	if err != nil {
		return nil, err
	}
	if minor == 0 {
		return nil, errors.Wrap(payment.ErrAmountOutOfRange, "amount must be positive")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(minor)
	e.FieldStart("currency")
	e.Str(currency)
	e.FieldStart("receipt")
	e.Str(orderID)
	e.FieldStart("notes")
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(orderID)
	e.ObjEnd()
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, string(c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 400:
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	intent, err := decodeIntent(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode intent")
	}
	if intent.GatewayOrderID == "" {
		return nil, errors.New("gateway returned empty order id")
	}
	switch intent.Amount {
	case 0:
		intent.Amount = minor
	case minor:
	default:
		return nil, errors.Errorf("gateway registered amount %d, requested %d", intent.Amount, minor)
	}
	intent.KeyID = c.keyID
	if intent.Currency == "" {
		intent.Currency = currency
	}
	return intent, nil
}

// Verify checks a client-submitted confirmation.
func (c *Client) Verify(conf payment.Confirmation) (payment.VerifiedPayment, error) {
	return VerifySignature(c.secret, conf)
}

func decodeIntent(body []byte) (*payment.Intent, error) {
	var intent payment.Intent
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			intent.GatewayOrderID, err = d.Str()
		case "amount":
			intent.Amount, err = d.Int64()
		case "currency":
			intent.Currency, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// decodeAPIError parses {"error":{"code":..., "description":...}}. Unparseable
// bodies still yield an APIError with the status code.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	d := jx.DecodeBytes(body)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "code":
				apiErr.Code, err = d.Str()
			case "description":
				apiErr.Description, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	return apiErr
}
