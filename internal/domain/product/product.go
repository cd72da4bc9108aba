// Package product describes the packaged food catalog that carts are priced
// against.
package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a sellable pack. Price is the catalog price of one pack and is
// the only price checkout trusts.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	// PackSize is the printed net quantity, e.g. "500g" or "1L".
	PackSize   string
	Vegetarian bool
	Image      Image
}

// Image holds image paths relative to the configured CDN base.
type Image struct {
	Thumbnail string
	Full      string
}

// Validate checks that p can be listed and priced.
func (p Product) Validate() error {
	switch {
	case p.ID == "":
		return errors.New("product id is required")
	case p.Name == "":
		return errors.Errorf("product %s: name is required", p.ID)
	case !p.Price.IsPositive():
		return errors.Errorf("product %s: price must be positive", p.ID)
	case !p.Price.Equal(p.Price.Round(2)):
		return errors.Errorf("product %s: price has more than two decimal places", p.ID)
	}
	return nil
}

// Repository reads the catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
