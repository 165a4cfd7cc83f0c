// Package catalog is the client side of the product catalog collaborator.
// Price lookups go through a circuit breaker; while the circuit is open (or
// the catalog errors) the last price seen for the product, cached in Redis,
// serves as the fallback.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	pb "github.com/ogozo/proto-definitions/gen/go/product"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ogozo/service-order/internal/breaker"
	"github.com/ogozo/service-order/internal/logging"
)

var (
	// ErrUnknownProduct means the catalog has no such product. This is a
	// validation failure, not a dependency failure, and never uses the
	// price cache.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrPriceUnavailable means the catalog call failed and no cached
	// price exists to fall back on.
	ErrPriceUnavailable = errors.New("price unavailable")
)

type Client struct {
	products pb.ProductServiceClient
	cb       *breaker.Breaker[float64]
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewClient(products pb.ProductServiceClient, cache *redis.Client, cacheTTL time.Duration, settings breaker.Settings) *Client {
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool {
			return !errors.Is(err, ErrUnknownProduct)
		}
	}
	return &Client{
		products: products,
		cb:       breaker.New[float64](settings),
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

func (c *Client) GetPrice(ctx context.Context, productID string) (float64, error) {
	price, err := c.cb.Call(ctx, func(ctx context.Context) (float64, error) {
		resp, err := c.products.GetProduct(ctx, &pb.GetProductRequest{ProductId: productID})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
			}
			return 0, err
		}
		if resp.GetProduct() == nil {
			return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
		return resp.GetProduct().GetPrice(), nil
	})
	if err == nil {
		c.cachePrice(ctx, productID, price)
		return price, nil
	}
	if errors.Is(err, ErrUnknownProduct) {
		return 0, err
	}

	cached, cacheErr := c.cache.Get(ctx, priceKey(productID)).Float64()
	if cacheErr == nil {
		logging.Warn(ctx, "serving cached price after catalog failure",
			zap.String("product_id", productID), zap.Float64("price", cached), zap.Error(err))
		return cached, nil
	}
	return 0, fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, productID, err)
}

func (c *Client) cachePrice(ctx context.Context, productID string, price float64) {
	if err := c.cache.Set(ctx, priceKey(productID), price, c.cacheTTL).Err(); err != nil {
		logging.Warn(ctx, "failed to cache price", zap.String("product_id", productID), zap.Error(err))
	}
}

func priceKey(productID string) string { return "price:" + productID }
