package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/auth"
	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/product"
	"github.com/xenking/foodstore/internal/storage/postgres"
)

type productJSON struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Category   string          `json:"category"`
	PackSize   string          `json:"packSize"`
	Vegetarian *bool           `json:"vegetarian"`
	Image      struct {
		Thumbnail string `json:"thumbnail"`
		Full      string `json:"full"`
	} `json:"image"`
}

// toProduct maps a seed entry to a catalog product. Entries without an
// explicit flag are vegetarian, matching the column default.
func (p productJSON) toProduct() product.Product {
	return product.Product{
		ID:         p.ID,
		Name:       p.Name,
		Price:      p.Price,
		Category:   p.Category,
		PackSize:   p.PackSize,
		Vegetarian: lo.FromPtrOr(p.Vegetarian, true),
		Image: product.Image{
			Thumbnail: p.Image.Thumbnail,
			Full:      p.Image.Full,
		},
	}
}

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or STORE_DATABASE_URL / DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or STORE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STORE_API_KEY_PEPPER env)")
	flag.Parse()

	databaseURL = firstNonEmpty(databaseURL, os.Getenv("STORE_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or STORE_DATABASE_URL")
		os.Exit(1)
	}
	apiKey = firstNonEmpty(apiKey, os.Getenv("STORE_SEED_API_KEY"))
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or STORE_SEED_API_KEY")
		os.Exit(1)
	}
	apiKeyPepper = firstNonEmpty(apiKeyPepper, os.Getenv("STORE_API_KEY_PEPPER"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func firstNonEmpty(values ...string) string {
	v, _ := lo.Find(values, func(s string) bool { return s != "" })
	return v
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, postgres.NewCouponRepository(pool), time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, entry := range products {
		p := entry.toProduct()
		if err := p.Validate(); err != nil {
			return err
		}
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

// sampleCoupons returns the demo campaigns, valid for a year from now.
func sampleCoupons(now time.Time) []coupon.Coupon {
	from := now.Add(-time.Hour).UTC()
	until := now.AddDate(1, 0, 0).UTC()
	return []coupon.Coupon{
		{
			Code:            "SAVE20",
			Description:     "20% off, up to 150",
			DiscountType:    coupon.DiscountPercentage,
			DiscountValue:   decimal.NewFromInt(20),
			MaximumDiscount: lo.ToPtr(decimal.NewFromInt(150)),
			UsageLimit:      lo.ToPtr(1000),
			PerUserLimit:    1,
			ValidFrom:       from,
			ValidUntil:      until,
			IsActive:        true,
		},
		{
			Code:            "MIN500",
			Description:     "50 off orders of 500 or more",
			DiscountType:    coupon.DiscountFixed,
			DiscountValue:   decimal.NewFromInt(50),
			MinimumPurchase: decimal.NewFromInt(500),
			PerUserLimit:    3,
			ValidFrom:       from,
			ValidUntil:      until,
			IsActive:        true,
		},
		{
			Code:          "FLAT50",
			Description:   "Flat 50 off",
			DiscountType:  coupon.DiscountFixed,
			DiscountValue: decimal.NewFromInt(50),
			UsageLimit:    lo.ToPtr(100),
			PerUserLimit:  1,
			ValidFrom:     from,
			ValidUntil:    until,
			IsActive:      true,
		},
	}
}

func seedCoupons(ctx context.Context, repo *postgres.CouponRepository, now time.Time) error {
	slog.Info("seeding sample coupons")

	for _, c := range sampleCoupons(now) {
		if err := c.Validate(); err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}
		if err := repo.Upsert(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}

		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	if err := repo.Upsert(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKeyHex([]byte(pepper), apiKey),
		Name:    "Default storefront key",
		Scopes:  []string{auth.ScopeAdmin},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("scope", auth.ScopeAdmin))

	return nil
}
