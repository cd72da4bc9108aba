// Package handler exposes the storefront checkout API over HTTP.
package handler

import (
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
	"github.com/xenking/foodstore/internal/idempotency"
)

const maxBodyBytes = 1 << 20

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	ImageBaseURL string
	// RequestTimeout bounds handler execution. Zero disables it.
	RequestTimeout time.Duration
}

// Handler serves the /api routes.
type Handler struct {
	products     product.Repository
	orders       *order.Service
	idem         idempotency.Store
	validate     *validator.Validate
	imageBaseURL string
	timeout      time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key replay protection on checkout.
func WithIdempotency(s idempotency.Store) Option {
	return func(h *Handler) { h.idem = s }
}

// New constructs a Handler.
func New(cfg Config, products product.Repository, orders *order.Service, opts ...Option) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	h := &Handler{
		products:     products,
		orders:       orders,
		validate:     v,
		imageBaseURL: cfg.ImageBaseURL,
		timeout:      cfg.RequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a chi router with the API mounted under /api behind sec.
// Callers may add further routes such as health probes.
func (h *Handler) Router(sec *Security) chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		r.Use(sec.Authenticate)

		r.Get("/products", h.ListProducts)
		r.Get("/products/{productId}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/checkout", h.Checkout)
			r.Post("/checkout/confirm", h.ConfirmPayment)
			r.Post("/checkout/failure", h.ReportPaymentFailure)
			r.Post("/coupons/evaluate", h.EvaluateCoupon)
		})

		r.Get("/orders/{orderId}", h.GetOrder)

		r.With(RequireScope(adminScope), middleware.AllowContentType("application/json")).
			Patch("/admin/orders/{orderId}/status", h.UpdateOrderStatus)
	})
	return r
}

// decodable is a request DTO that reads itself from JSON.
type decodable interface {
	Decode(d *jx.Decoder) error
}

// decodeBody reads and validates a JSON request body into dst.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst decodable) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &requestError{msg: "request body too large or unreadable"}
	}
	if err := dst.Decode(jx.DecodeBytes(body)); err != nil {
		return &requestError{msg: "invalid JSON body"}
	}
	if err := h.validate.Struct(dst); err != nil {
		return &requestError{msg: validationMessage(err)}
	}
	return nil
}

// requestError is a malformed request, reported as 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return field + " is too long"
		}
		return field + " must be at most " + fe.Param()
	default:
		return field + " is invalid"
	}
}

// apiError is the error body {"code","message"} with optional details.
type apiError struct {
	Status    int
	Message   string
	Reason    string
	OrderID   string
	Retryable bool
}

func (e apiError) encode(enc *jx.Encoder) {
	enc.Obj(func(enc *jx.Encoder) {
		enc.FieldStart("code")
		enc.Int(e.Status)
		enc.FieldStart("message")
		enc.Str(e.Message)
		if e.Reason != "" {
			enc.FieldStart("reason")
			enc.Str(e.Reason)
		}
		if e.OrderID != "" {
			enc.FieldStart("orderId")
			enc.Str(e.OrderID)
		}
		if e.Retryable {
			enc.FieldStart("retryable")
			enc.Bool(true)
		}
	})
}

// mapError converts domain errors to API errors. Unknown errors become 500
// without leaking their text.
func mapError(err error) apiError {
	var (
		reqErr     *requestError
		rejection  *coupon.RejectionError
		quantity   *order.InvalidQuantityError
		missing    *order.ProductNotFoundError
		gatewayErr *order.GatewayError
		illegal    *order.IllegalTransitionError
	)
	switch {
	case errors.As(err, &reqErr):
		return apiError{Status: http.StatusBadRequest, Message: reqErr.msg}
	case errors.Is(err, order.ErrEmptyItems):
		return apiError{Status: http.StatusBadRequest, Message: order.ErrEmptyItems.Error()}
	case errors.As(err, &rejection):
		return apiError{
			Status:  http.StatusUnprocessableEntity,
			Message: rejection.Reason.Message(),
			Reason:  string(rejection.Reason),
		}
	case errors.As(err, &quantity):
		return apiError{Status: http.StatusUnprocessableEntity, Message: quantity.Error()}
	case errors.As(err, &missing):
		return apiError{Status: http.StatusUnprocessableEntity, Message: missing.Error()}
	case errors.Is(err, order.ErrZeroTotal):
		return apiError{Status: http.StatusUnprocessableEntity, Message: order.ErrZeroTotal.Error()}
	case errors.Is(err, order.ErrTotalOutOfRange), errors.Is(err, payment.ErrAmountOutOfRange):
		return apiError{Status: http.StatusUnprocessableEntity, Message: order.ErrTotalOutOfRange.Error()}
	case errors.As(err, &gatewayErr):
		return apiError{
			Status:    http.StatusServiceUnavailable,
			Message:   "payment gateway unavailable, retry checkout",
			OrderID:   gatewayErr.OrderID,
			Retryable: gatewayErr.Retryable(),
		}
	case errors.Is(err, order.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Message: "order not found"}
	case errors.Is(err, product.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Message: "product not found"}
	case errors.As(err, &illegal):
		return apiError{Status: http.StatusConflict, Message: illegal.Error()}
	case errors.Is(err, order.ErrTransitionConflict):
		return apiError{Status: http.StatusConflict, Message: "order was modified concurrently"}
	case errors.Is(err, idempotency.ErrInProgress):
		return apiError{Status: http.StatusConflict, Message: idempotency.ErrInProgress.Error()}
	case errors.Is(err, idempotency.ErrKeyReused):
		return apiError{Status: http.StatusUnprocessableEntity, Message: idempotency.ErrKeyReused.Error()}
	default:
		return apiError{Status: http.StatusInternalServerError, Message: "internal server error"}
	}
}

// fail writes err as an API error, logging server-side failures.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.Status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	var enc jx.Encoder
	e.encode(&enc)
	writeJSON(w, e.Status, enc.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// respond encodes a response with fn and writes it with status.
func respond(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	writeJSON(w, status, e.Bytes())
}
