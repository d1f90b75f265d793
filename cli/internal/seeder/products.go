// Package seeder fills a development catalog with fake products.
package seeder

import (
	"context"
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/backbone/cli/internal/client"
)

// ProductCreator is the part of the gateway client the seeder needs.
type ProductCreator interface {
	CreateProduct(ctx context.Context, req client.CreateProductRequest) (*client.Product, error)
}

// Config bounds the generated products.
type Config struct {
	Count         int
	MinPriceCents int64
	MaxPriceCents int64
	MaxStock      int
	Seed          int64 // 0 picks a random seed
}

func DefaultConfig() Config {
	return Config{Count: 20, MinPriceCents: 199, MaxPriceCents: 49999, MaxStock: 100}
}

// Generator produces product requests from a seeded faker.
type Generator struct {
	cfg   Config
	faker *gofakeit.Faker
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg, faker: gofakeit.New(cfg.Seed)}
}

// Product returns the i-th fake product. SKUs are unique within a run.
func (g *Generator) Product(i int) client.CreateProductRequest {
	name := g.faker.ProductName()
	return client.CreateProductRequest{
		SKU:         fmt.Sprintf("%s-%04d", skuPrefix(g.faker.ProductCategory()), i+1),
		Name:        name,
		Description: g.faker.ProductDescription(),
		PriceCents:  int64(g.faker.IntRange(int(g.cfg.MinPriceCents), int(g.cfg.MaxPriceCents))),
		Stock:       g.faker.IntRange(0, g.cfg.MaxStock),
	}
}

func skuPrefix(category string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(category) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
		if b.Len() == 3 {
			break
		}
	}
	for b.Len() < 3 {
		b.WriteByte('X')
	}
	return b.String()
}

// Result counts what a run created.
type Result struct {
	Created []*client.Product
	Failed  int
}

// Run creates cfg.Count products, continuing past individual failures.
// onError is called for each failure and may be nil.
func Run(ctx context.Context, creator ProductCreator, cfg Config, onError func(i int, err error)) (Result, error) {
	if cfg.Count <= 0 {
		return Result{}, fmt.Errorf("count must be positive")
	}
	if cfg.MaxPriceCents < cfg.MinPriceCents {
		return Result{}, fmt.Errorf("max price below min price")
	}

	gen := NewGenerator(cfg)
	var res Result
	for i := 0; i < cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := creator.CreateProduct(ctx, gen.Product(i))
		if err != nil {
			res.Failed++
			if onError != nil {
				onError(i, err)
			}
			continue
		}
		res.Created = append(res.Created, p)
	}
	return res, nil
}
