package stocksync

import (
	"time"

	"github.com/BearBump/PartSync/internal/models"
)

// Change is the status/quantity diff between two snapshots of the same order.
type Change struct {
	PreviousStatus models.StockStatus
	NextStatus     models.StockStatus
	PreviousQty    *int
	NextQty        *int
}

// DescribeChange returns nil unless the normalized status or quantity moved.
// A missing quantity is its own state and differs from zero. The first
// observation of an order (prev == nil) is not a change.
func DescribeChange(prev *models.StockSnapshot, next models.StockSnapshot) *Change {
	if prev == nil {
		return nil
	}
	ps := models.NormalizeStockStatus(string(prev.Status))
	ns := models.NormalizeStockStatus(string(next.Status))
	if ps == ns && sameQty(prev.InStockQty, next.InStockQty) {
		return nil
	}
	return &Change{
		PreviousStatus: ps,
		NextStatus:     ns,
		PreviousQty:    prev.InStockQty,
		NextQty:        next.InStockQty,
	}
}

func ShouldPersistHistory(prev *models.StockSnapshot, next models.StockSnapshot) bool {
	if prev == nil {
		return true
	}
	if !prev.CheckedAt.Equal(next.CheckedAt) {
		return true
	}
	return DescribeChange(prev, next) != nil
}

// InferStatus is used when the vendor gave a quantity but no status.
// Without a positive quantity a sold_out baseline sticks, anything else
// becomes backordered so the two do not flap.
func InferStatus(qty *int, baseline models.StockStatus) models.StockStatus {
	if qty == nil {
		return models.StockUnknown
	}
	if *qty > 0 {
		return models.StockInStock
	}
	if baseline == models.StockSoldOut {
		return models.StockSoldOut
	}
	return models.StockBackordered
}

func sameQty(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// sameContent compares everything that is persisted on the order except checkedAt.
func sameContent(a, b models.StockSnapshot) bool {
	return a.SKU == b.SKU &&
		a.Status == b.Status &&
		a.Label == b.Label &&
		sameQty(a.InStockQty, b.InStockQty) &&
		a.VariantID == b.VariantID &&
		a.StatusSource == b.StatusSource &&
		a.QuantitySource == b.QuantitySource &&
		a.Error == b.Error
}

func failureTTL(interval time.Duration) time.Duration {
	return max(interval, minFailureTTL)
}
