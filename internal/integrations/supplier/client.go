// Package supplier describes the parts-vendor stock lookups used by the stock engine.
package supplier

import (
	"context"
)

// ProductDetail is the vendor's view of one SKU. Status is the raw vendor
// status and may be empty when the vendor gave no authoritative signal.
type ProductDetail struct {
	SKU            string
	VariantID      string
	Status         string
	Label          string
	InStockQty     *int
	StatusSource   string
	QuantitySource string
}

// Client offers three lookups of increasing cost. Batch calls omit entries
// the vendor could not resolve instead of failing the whole batch.
type Client interface {
	// VariantQuantities returns variantID -> quantity for known variants.
	VariantQuantities(ctx context.Context, variantIDs []string) (map[string]int, error)
	// SkuDetails returns normalized SKU -> detail.
	SkuDetails(ctx context.Context, skus []string) (map[string]ProductDetail, error)
	LookupPart(ctx context.Context, sku string) (ProductDetail, error)
}

// Chunk splits ids into slices of at most size items.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
