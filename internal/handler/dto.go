package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/jx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
)

// Requests.

type itemDTO struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"max=1000"`
}

func (it *itemDTO) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			it.ProductID, err = d.Str()
		case "quantity":
			it.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
}

func decodeItems(d *jx.Decoder) ([]itemDTO, error) {
	var items []itemDTO
	err := d.Arr(func(d *jx.Decoder) error {
		var it itemDTO
		if err := it.Decode(d); err != nil {
			return err
		}
		items = append(items, it)
		return nil
	})
	return items, err
}

func toItemRequests(items []itemDTO) []order.ItemRequest {
	return lo.Map(items, func(it itemDTO, _ int) order.ItemRequest {
		return order.ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	})
}

// optStr reads a string that may be null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

type checkoutRequest struct {
	Items      []itemDTO `json:"items" validate:"max=100,dive"`
	CouponCode string    `json:"couponCode" validate:"max=64"`
}

func (req *checkoutRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			req.Items, err = decodeItems(d)
		case "couponCode":
			req.CouponCode, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// fingerprint hashes the fields that shape the order. Unknown fields and
// coupon code case do not change it.
func (req *checkoutRequest) fingerprint() string {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("items")
		e.Arr(func(e *jx.Encoder) {
			for _, it := range req.Items {
				e.Obj(func(e *jx.Encoder) {
					e.FieldStart("productId")
					e.Str(it.ProductID)
					e.FieldStart("quantity")
					e.Int(it.Quantity)
				})
			}
		})
		e.FieldStart("couponCode")
		e.Str(coupon.NormalizeCode(req.CouponCode))
	})
	sum := sha256.Sum256(e.Bytes())
	return hex.EncodeToString(sum[:])
}

type evaluateRequest struct {
	Items      []itemDTO `json:"items" validate:"max=100,dive"`
	CouponCode string    `json:"couponCode" validate:"required,max=64"`
}

func (req *evaluateRequest) Decode(d *jx.Decoder) error {
	var c checkoutRequest
	if err := c.Decode(d); err != nil {
		return err
	}
	req.Items, req.CouponCode = c.Items, c.CouponCode
	return nil
}

// confirmRequest carries the client-relayed gateway callback. Payment id and
// signature are checked by signature verification, not here, so a forged or
// empty signature still settles the order as failed.
type confirmRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" validate:"required,max=128"`
	GatewayPaymentID string `json:"gatewayPaymentId" validate:"max=128"`
	Signature        string `json:"signature" validate:"max=256"`
}

func (req *confirmRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "gatewayOrderId":
			req.GatewayOrderID, err = d.Str()
		case "gatewayPaymentId":
			req.GatewayPaymentID, err = optStr(d)
		case "signature":
			req.Signature, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

type failureRequest struct {
	GatewayOrderID string `json:"gatewayOrderId" validate:"required,max=128"`
	Reason         string `json:"reason" validate:"required,max=64,printascii"`
}

func (req *failureRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "gatewayOrderId":
			req.GatewayOrderID, err = d.Str()
		case "reason":
			req.Reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=processing shipped delivered cancelled"`
}

func (req *statusRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		req.Status, err = d.Str()
		return err
	})
}

// Responses.

func money(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Num(jx.Num(v.StringFixed(2)))
}

func timestamp(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339))
}

func (h *Handler) encodeProduct(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("id")
		e.Str(p.ID)
		e.FieldStart("name")
		e.Str(p.Name)
		money(e, "price", p.Price)
		e.FieldStart("category")
		e.Str(p.Category)
		if p.PackSize != "" {
			e.FieldStart("packSize")
			e.Str(p.PackSize)
		}
		e.FieldStart("vegetarian")
		e.Bool(p.Vegetarian)
		e.FieldStart("image")
		e.Obj(func(e *jx.Encoder) {
			for _, img := range []struct{ name, path string }{
				{"thumbnail", p.Image.Thumbnail},
				{"full", p.Image.Full},
			} {
				if img.path == "" {
					continue
				}
				e.FieldStart(img.name)
				e.Str(h.imageBaseURL + img.path)
			}
		})
	})
}

func encodeLineItems(e *jx.Encoder, items []order.LineItem) {
	e.FieldStart("items")
	e.Arr(func(e *jx.Encoder) {
		for _, li := range items {
			e.Obj(func(e *jx.Encoder) {
				e.FieldStart("productId")
				e.Str(li.ProductID)
				e.FieldStart("name")
				e.Str(li.Name)
				e.FieldStart("quantity")
				e.Int(li.Quantity)
				money(e, "unitPrice", li.UnitPrice)
				money(e, "total", li.Total())
			})
		}
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("id")
		e.Str(o.ID)
		if o.UserID != "" {
			e.FieldStart("userId")
			e.Str(o.UserID)
		}
		e.FieldStart("status")
		e.Str(string(o.Status))
		encodeLineItems(e, o.LineItems)
		money(e, "subtotal", o.Subtotal)
		money(e, "discount", o.Discount())
		if code := o.CouponCode(); code != "" {
			e.FieldStart("couponCode")
			e.Str(code)
		}
		money(e, "totalPrice", o.TotalPrice)
		e.FieldStart("currency")
		e.Str(o.Currency)
		e.FieldStart("payment")
		e.Obj(func(e *jx.Encoder) {
			p := o.Payment
			if p.GatewayOrderID != "" {
				e.FieldStart("gatewayOrderId")
				e.Str(p.GatewayOrderID)
			}
			if p.GatewayPaymentID != "" {
				e.FieldStart("gatewayPaymentId")
				e.Str(p.GatewayPaymentID)
			}
			e.FieldStart("signatureVerified")
			e.Bool(p.SignatureVerified)
			e.FieldStart("isPaid")
			e.Bool(p.IsPaid)
			if p.FailureReason != "" {
				e.FieldStart("failureReason")
				e.Str(p.FailureReason)
			}
		})
		timestamp(e, "createdAt", o.CreatedAt)
		if o.PaidAt != nil {
			timestamp(e, "paidAt", *o.PaidAt)
		}
	})
}

func encodeIntent(e *jx.Encoder, in *payment.Intent) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("gatewayOrderId")
		e.Str(in.GatewayOrderID)
		e.FieldStart("amount")
		e.Int64(in.Amount)
		e.FieldStart("currency")
		e.Str(in.Currency)
		e.FieldStart("keyId")
		e.Str(in.KeyID)
	})
}
