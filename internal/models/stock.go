package models

import (
	"strings"
	"time"
)

type StockStatus string

const (
	StockInStock     StockStatus = "in_stock"
	StockBackordered StockStatus = "backordered"
	StockSoldOut     StockStatus = "sold_out"
	StockUnknown     StockStatus = "unknown"
)

// NormalizeStockStatus lowercases and maps anything outside the known set to unknown.
func NormalizeStockStatus(raw string) StockStatus {
	s := StockStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StockInStock, StockBackordered, StockSoldOut:
		return s
	default:
		return StockUnknown
	}
}

func (s StockStatus) Label() string {
	switch s {
	case StockInStock:
		return "In Stock"
	case StockBackordered:
		return "Backordered"
	case StockSoldOut:
		return "Sold Out"
	default:
		return "Unknown"
	}
}

func NormalizeSKU(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

type StockSnapshot struct {
	SKU            string      `json:"sku"`
	Status         StockStatus `json:"status"`
	Label          string      `json:"label"`
	InStockQty     *int        `json:"inStockQty"`
	VariantID      string      `json:"variantId,omitempty"`
	StatusSource   string      `json:"statusSource,omitempty"`
	QuantitySource string      `json:"quantitySource,omitempty"`
	CheckedAt      time.Time   `json:"checkedAt"`
	Error          string      `json:"error,omitempty"`
}

// OrderStockSnapshot is the denormalized copy stored on an order record.
type OrderStockSnapshot struct {
	OrderID string `json:"orderId"`
	StockSnapshot
}

// StockHistoryEntry is append-only; (OrderID, CheckedAt) is unique.
type StockHistoryEntry struct {
	OrderID        string      `json:"orderId"`
	SKU            string      `json:"sku"`
	Status         StockStatus `json:"status"`
	Label          string      `json:"label"`
	InStockQty     *int        `json:"inStockQty"`
	VariantID      string      `json:"variantId,omitempty"`
	StatusSource   string      `json:"statusSource,omitempty"`
	QuantitySource string      `json:"quantitySource,omitempty"`
	CheckedAt      time.Time   `json:"checkedAt"`
	Error          string      `json:"error,omitempty"`
}

func HistoryEntryFrom(s OrderStockSnapshot) StockHistoryEntry {
	return StockHistoryEntry{
		OrderID:        s.OrderID,
		SKU:            s.SKU,
		Status:         s.Status,
		Label:          s.Label,
		InStockQty:     s.InStockQty,
		VariantID:      s.VariantID,
		StatusSource:   s.StatusSource,
		QuantitySource: s.QuantitySource,
		CheckedAt:      s.CheckedAt,
		Error:          s.Error,
	}
}

// ClampQuantity rounds away negatives; vendors occasionally report oversold stock as < 0.
func ClampQuantity(q int) int {
	if q < 0 {
		return 0
	}
	return q
}
