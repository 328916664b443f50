// Command seed-db loads the catalog, opening stock, a demo referral partner,
// and an admin API key into PostgreSQL. Safe to re-run: every write is an
// upsert.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/httpapi"
	"github.com/strandworks/storefront/internal/storage/postgres"
)

type catalogJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Variants []variantJSON `json:"variants"`
}

type variantJSON struct {
	Label      string     `json:"label"`
	StockUnits int        `json:"stock_units"`
	Tiers      []tierJSON `json:"tiers"`
}

type tierJSON struct {
	Quantity    int             `json:"quantity"`
	BundlePrice decimal.Decimal `json:"bundle_price"`
}

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or STOREFRONT_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("STOREFRONT_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or STOREFRONT_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STOREFRONT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedDemoPartner(ctx, pool); err != nil {
		return errors.Wrap(err, "seed demo partner")
	}
	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var products []catalogJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if _, err := pool.Exec(ctx,
			`INSERT INTO products (id, name, category) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category`,
			p.ID, p.Name, p.Category,
		); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		for i, v := range p.Variants {
			if _, err := pool.Exec(ctx,
				`INSERT INTO product_variants (product_id, label, position) VALUES ($1, $2, $3)
				 ON CONFLICT (product_id, label) DO UPDATE SET position = EXCLUDED.position`,
				p.ID, v.Label, i,
			); err != nil {
				return errors.Wrapf(err, "upsert variant %s/%s", p.ID, v.Label)
			}

			for _, t := range v.Tiers {
				if _, err := pool.Exec(ctx,
					`INSERT INTO pricing_tiers (product_id, variant_label, quantity, bundle_price)
					 VALUES ($1, $2, $3, $4)
					 ON CONFLICT (product_id, variant_label, quantity)
					 DO UPDATE SET bundle_price = EXCLUDED.bundle_price`,
					p.ID, v.Label, t.Quantity, t.BundlePrice,
				); err != nil {
					return errors.Wrapf(err, "upsert tier %s/%s q%d", p.ID, v.Label, t.Quantity)
				}
			}

			// Opening stock only: never clobber a live stock level.
			if _, err := pool.Exec(ctx,
				`INSERT INTO inventory (product_id, variant_label, stock_units) VALUES ($1, $2, $3)
				 ON CONFLICT (product_id, variant_label) DO NOTHING`,
				p.ID, v.Label, v.StockUnits,
			); err != nil {
				return errors.Wrapf(err, "seed stock %s/%s", p.ID, v.Label)
			}
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.Int("variants", len(p.Variants)))
	}

	return nil
}

func seedDemoPartner(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding demo referral partner")

	if _, err := pool.Exec(ctx,
		`INSERT INTO referral_partners (id, name, active, default_discount)
		 VALUES ('demo-partner', 'Science Friends', TRUE, 10)
		 ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return errors.Wrap(err, "upsert demo partner")
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO referral_codes
		 (id, partner_id, code, discount_type, discount_value, max_redemptions, active)
		 VALUES ('demo-code', 'demo-partner', 'SCIFRIENDS10', 'percent', 10, 0, TRUE)
		 ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return errors.Wrap(err, "upsert demo code")
	}

	slog.Info("upserted demo partner", slog.String("code", "SCIFRIENDS10"))
	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	keyHash := httpapi.HashKey([]byte(pepper), apiKey)

	if _, err := pool.Exec(ctx,
		`INSERT INTO api_keys (id, key_hash, name, scopes, active)
		 VALUES ('admin', $1, 'Admin key', $2, TRUE)
		 ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash`,
		keyHash, []string{"orders", "partners", "inventory"},
	); err != nil {
		return errors.Wrap(err, "upsert admin API key")
	}

	slog.Info("upserted API key", slog.String("id", "admin"))
	return nil
}
