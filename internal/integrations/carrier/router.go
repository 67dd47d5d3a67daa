package carrier

import (
	"context"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
)

// Router dispatches over the closed carrier set. A nil slot behaves like an unsupported carrier.
type Router struct {
	UPS   Client
	FedEx Client
	USPS  Client
}

func (r *Router) FetchTracking(ctx context.Context, c models.Carrier, creds models.ProviderSettings, number string) (models.TrackingResult, error) {
	var client Client
	switch c {
	case models.CarrierUPS:
		client = r.UPS
	case models.CarrierFedEx:
		client = r.FedEx
	case models.CarrierUSPS:
		client = r.USPS
	default:
		return models.TrackingResult{}, syncerr.Unsupported(string(c))
	}
	if client == nil {
		return models.TrackingResult{}, syncerr.Unsupported(string(c))
	}
	return client.GetTracking(ctx, creds, number)
}
