// Package memory implements the storage contracts in process memory.
//
// A single mutex guards all state, so multi-entity updates such as marking an
// order paid together with its coupon redemption are atomic.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xenking/foodstore/internal/domain/auth"
	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
)

var (
	_ product.Repository = (*Store)(nil)
	_ coupon.Repository  = (*Store)(nil)
	_ auth.Repository    = (*Store)(nil)
	_ order.Repository   = (*Orders)(nil)
)

// Store holds products, coupons, API keys and orders.
type Store struct {
	mu        sync.Mutex
	products  map[string]product.Product
	coupons   map[string]*coupon.Coupon
	keys      map[string]auth.APIKeyInfo
	orders    map[string]*order.Order
	byGateway map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products:  map[string]product.Product{},
		coupons:   map[string]*coupon.Coupon{},
		keys:      map[string]auth.APIKeyInfo{},
		orders:    map[string]*order.Order{},
		byGateway: map[string]string{},
	}
}

// Orders returns the order repository view of the store.
func (s *Store) Orders() *Orders {
	return &Orders{s: s}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutCoupon inserts or replaces a coupon under its normalized code.
func (s *Store) PutCoupon(c coupon.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = coupon.NormalizeCode(c.Code)
	c.UsedBy = cloneCounts(c.UsedBy)
	s.coupons[c.Code] = &c
}

// Coupon returns a full copy of a stored coupon.
func (s *Store) Coupon(code string) (coupon.Coupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return coupon.Coupon{}, false
	}
	out := *c
	out.UsedBy = cloneCounts(c.UsedBy)
	return out, true
}

// PutAPIKey registers an API key by its hash.
func (s *Store) PutAPIKey(k auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyHash] = k
}

func (s *Store) List(_ context.Context) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]product.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b product.Product) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) GetByID(_ context.Context, id string) (*product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []product.Product
	seen := map[string]bool{}
	for _, id := range ids {
		if p, ok := s.products[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) FindByCode(_ context.Context, code, userID string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.Reject(code, coupon.ReasonNotFound)
	}
	out := *c
	out.UsedBy = map[string]int{}
	if userID != "" {
		out.UsedBy[userID] = c.UsedBy[userID]
	}
	return &out, nil
}

func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &k, nil
}

// Orders implements order.Repository on top of a Store.
type Orders struct {
	s *Store
}

func (r *Orders) Create(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *Orders) GetByGatewayOrderID(_ context.Context, gatewayOrderID string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, err := r.byGatewayLocked(gatewayOrderID)
	if err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

func (r *Orders) byGatewayLocked(gatewayOrderID string) (*order.Order, error) {
	id, ok := r.s.byGateway[gatewayOrderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return r.s.orders[id], nil
}

func (r *Orders) AttachIntent(_ context.Context, id, gatewayOrderID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != order.StatusCreated {
		return order.ErrTransitionConflict
	}
	if owner, taken := r.s.byGateway[gatewayOrderID]; taken && owner != id {
		return order.ErrDuplicateGatewayOrder
	}
	o.Status = order.StatusAwaitingPayment
	o.Payment.GatewayOrderID = gatewayOrderID
	o.UpdatedAt = time.Now().UTC()
	r.s.byGateway[gatewayOrderID] = id
	return nil
}

func (r *Orders) MarkPaid(_ context.Context, p payment.VerifiedPayment, paidAt time.Time) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, err := r.byGatewayLocked(p.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusAwaitingPayment {
		return nil, order.ErrTransitionConflict
	}

	if code := o.CouponCode(); code != "" {
		c, ok := r.s.coupons[code]
		if !ok {
			return nil, coupon.Reject(code, coupon.ReasonNotFound)
		}
		if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
			return nil, coupon.Reject(code, coupon.ReasonGlobalLimitReached)
		}
		if o.UserID != "" && c.UsedBy[o.UserID] >= c.PerUserLimit {
			return nil, coupon.Reject(code, coupon.ReasonPerUserLimitReached)
		}
		c.UsageCount++
		if o.UserID != "" {
			if c.UsedBy == nil {
				c.UsedBy = map[string]int{}
			}
			c.UsedBy[o.UserID]++
		}
	}

	o.Status = order.StatusPaid
	o.Payment.GatewayPaymentID = p.GatewayPaymentID
	o.Payment.SignatureVerified = true
	o.Payment.IsPaid = true
	o.PaidAt = &paidAt
	o.UpdatedAt = paidAt
	return cloneOrder(o), nil
}

func (r *Orders) MarkPaymentFailed(_ context.Context, gatewayOrderID string, f order.Failure) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, err := r.byGatewayLocked(gatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusAwaitingPayment {
		return nil, order.ErrTransitionConflict
	}
	o.Status = order.StatusPaymentFailed
	if f.GatewayPaymentID != "" {
		o.Payment.GatewayPaymentID = f.GatewayPaymentID
	}
	o.Payment.SignatureVerified = f.SignatureVerified
	o.Payment.FailureReason = f.Reason
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (r *Orders) UpdateStatus(_ context.Context, id string, from, to order.Status) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != from {
		return nil, order.ErrTransitionConflict
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func cloneOrder(o *order.Order) *order.Order {
	out := *o
	out.LineItems = slices.Clone(o.LineItems)
	if o.Coupon != nil {
		c := *o.Coupon
		out.Coupon = &c
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		out.PaidAt = &t
	}
	return &out
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
