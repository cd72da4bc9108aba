package main

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/coupon"
)

// decodeCampaign parses one JSON line into a coupon definition. Omitted
// fields get the defaults of a one-use-per-customer, always-valid campaign.
//
//	{"code":"DIWALI25","discountType":"percentage","discountValue":25,
//	 "maximumDiscount":200,"usageLimit":5000,"validUntil":"2026-11-15T00:00:00Z"}
func decodeCampaign(line []byte, now time.Time) (coupon.Coupon, error) {
	c := coupon.Coupon{
		DiscountType: coupon.DiscountPercentage,
		PerUserLimit: 1,
		ValidFrom:    now.UTC(),
		ValidUntil:   now.AddDate(1, 0, 0).UTC(),
		IsActive:     true,
	}

	d := jx.DecodeBytes(line)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			var code string
			code, err = d.Str()
			c.Code = coupon.NormalizeCode(code)
		case "description":
			c.Description, err = d.Str()
		case "discountType":
			var t string
			t, err = d.Str()
			c.DiscountType = coupon.DiscountType(t)
		case "discountValue":
			c.DiscountValue, err = decodeDecimal(d)
		case "minimumPurchase":
			c.MinimumPurchase, err = decodeDecimal(d)
		case "maximumDiscount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			c.MaximumDiscount = &v
		case "usageLimit":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v int
			v, err = d.Int()
			c.UsageLimit = &v
		case "perUserLimit":
			c.PerUserLimit, err = d.Int()
		case "validFrom":
			c.ValidFrom, err = decodeTime(d)
		case "validUntil":
			c.ValidUntil, err = decodeTime(d)
		case "isActive":
			c.IsActive, err = d.Bool()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "decode")
	}
	if err := c.Validate(); err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "validate")
	}
	return c, nil
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// codeSet remembers codes across all input files. The bloom filter answers
// most lookups for unseen codes; only probable hits consult the exact set.
type codeSet struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	exact  map[string]struct{}
	probes int
}

func newCodeSet(expected uint, fpr float64) *codeSet {
	return &codeSet{
		filter: bloom.NewWithEstimates(expected, fpr),
		exact:  make(map[string]struct{}),
	}
}

// Add records code and reports whether it was not seen before.
func (s *codeSet) Add(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter.TestString(code) {
		s.probes++
		if _, ok := s.exact[code]; ok {
			return false
		}
	}
	s.filter.AddString(code)
	s.exact[code] = struct{}{}
	return true
}

// Len returns the number of distinct codes recorded.
func (s *codeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exact)
}

// Probes returns how many lookups fell through to the exact set.
func (s *codeSet) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}
