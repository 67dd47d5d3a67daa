package messages

import (
	"time"
)

const (
	TypeTrackingChanged = "tracking.changed"
	TypeStockChanged    = "stock.changed"
)

// TrackingChanged is published when a reference's status or delivered flag moves.
type TrackingChanged struct {
	Type           string     `json:"type"`
	Carrier        string     `json:"carrier"`
	TrackingNumber string     `json:"tracking_number"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	Status         string     `json:"status,omitempty"`
	Delivered      bool       `json:"delivered"`
	ETA            *time.Time `json:"eta,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}

type StockChanged struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	SKU            string    `json:"sku"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Status         string    `json:"status"`
	PreviousQty    *int      `json:"previous_qty,omitempty"`
	Qty            *int      `json:"qty,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

const (
	DomainTracking = "tracking"
	DomainStock    = "stock"
)

// RefreshRequested asks the worker for a forced cycle. An empty Domain means both.
type RefreshRequested struct {
	Domain      string    `json:"domain,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
