package models

import "strings"

const OrderStatusRequested = "Requested"

type Order struct {
	ID               string
	Status           string
	Vendor           string
	VendorPartNumber string
	GroupID          string
	Tracking         []TrackingReference
	Stock            *OrderStockSnapshot
}

type OrderGroup struct {
	ID       string
	Tracking []TrackingReference
}

type OrderFilter struct {
	Status string
}

func IsVendorWCP(name string) bool {
	low := strings.ToLower(name)
	return strings.Contains(low, "wcp") ||
		strings.Contains(low, "wcproducts") ||
		strings.Contains(low, "west coast products")
}

// IsActiveVendorOrder reports whether the order takes part in vendor stock sync.
func IsActiveVendorOrder(o *Order) bool {
	if o == nil || o.Status != OrderStatusRequested || o.GroupID != "" {
		return false
	}
	sku := NormalizeSKU(o.VendorPartNumber)
	if sku == "" {
		return false
	}
	return IsVendorWCP(o.Vendor) || strings.HasPrefix(sku, "WCP-")
}
