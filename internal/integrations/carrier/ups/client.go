package ups

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/PartSync/internal/integrations/carrier"
	"github.com/BearBump/PartSync/internal/integrations/carrier/oauth"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	provider       = "ups"
	DefaultBaseURL = "https://onlinetools.ups.com"
)

type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  *oauth.TokenSource
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpc := carrier.NewHTTPClient()
	return &Client{
		baseURL: baseURL,
		httpc:   httpc,
		tokens:  oauth.NewTokenSource(provider, baseURL+"/security/v1/oauth/token", oauth.AuthStyleBasicHeader, httpc),
	}
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.tokens.WithClock(now)
	return c
}

type upsStatus struct {
	Description string `json:"description"`
	Code        string `json:"code"`
	Type        string `json:"type"`
}

type upsActivity struct {
	Status upsStatus `json:"status"`
	Date   string    `json:"date"`
	Time   string    `json:"time"`
}

type upsDeliveryDate struct {
	Type string `json:"type"`
	Date string `json:"date"`
}

type upsPackage struct {
	TrackingNumber string            `json:"trackingNumber"`
	CurrentStatus  *upsStatus        `json:"currentStatus"`
	Activity       []upsActivity     `json:"activity"`
	DeliveryDate   []upsDeliveryDate `json:"deliveryDate"`
	DeliveryTime   *struct {
		Type      string `json:"type"`
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	} `json:"deliveryTime"`
}

type upsResp struct {
	TrackResponse struct {
		Shipment []struct {
			Package []upsPackage `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

func (c *Client) GetTracking(ctx context.Context, creds models.ProviderSettings, trackNumber string) (models.TrackingResult, error) {
	token, err := c.tokens.Token(ctx, creds.UPSClientID, creds.UPSClientSecret)
	if err != nil {
		return models.TrackingResult{}, err
	}

	u := c.baseURL + "/api/track/v1/details/" + url.PathEscape(trackNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "new request"))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("transId", uuid.NewString())
	req.Header.Set("transactionSrc", "partsync")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(creds.UPSClientID, creds.UPSClientSecret)
	}
	if resp.StatusCode/100 != 2 {
		return models.TrackingResult{}, carrier.ReadError(resp, provider, "track")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "read body"))
	}
	var r upsResp
	if err := json.Unmarshal(body, &r); err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "decode"))
	}

	res := normalize(r, trackNumber)
	res.Raw = models.TruncateRaw(string(body))
	return res, nil
}

func normalize(r upsResp, trackNumber string) models.TrackingResult {
	res := models.TrackingResult{
		Summary:     fmt.Sprintf("UPS %s", trackNumber),
		TrackingURL: models.BuildTrackingURL(provider, trackNumber),
	}
	if len(r.TrackResponse.Shipment) == 0 || len(r.TrackResponse.Shipment[0].Package) == 0 {
		return res
	}
	pkg := r.TrackResponse.Shipment[0].Package[0]

	var lastEvent *time.Time
	if len(pkg.Activity) > 0 {
		a := pkg.Activity[0]
		res.Status = a.Status.Description
		lastEvent = carrier.ParseTime(a.Date + a.Time)
	}
	if res.Status == "" && pkg.CurrentStatus != nil {
		res.Status = pkg.CurrentStatus.Description
	}
	if res.Status != "" {
		res.Summary = res.Status
	}
	res.Delivered = carrier.IsDelivered(res.Status)

	// SDD/RDD: scheduled or rescheduled date. DEL: actual delivery.
	var typed, generic, actual *time.Time
	for _, d := range pkg.DeliveryDate {
		t := carrier.ParseTime(d.Date)
		switch strings.ToUpper(d.Type) {
		case "RDD", "SDD":
			if typed == nil {
				typed = t
			}
		case "DEL":
			actual = t
		default:
			if generic == nil {
				generic = t
			}
		}
	}
	var window *time.Time
	if pkg.DeliveryTime != nil && len(pkg.DeliveryDate) > 0 {
		day := pkg.DeliveryDate[0].Date
		window = carrier.FirstTime(
			carrier.ParseTime(day+pkg.DeliveryTime.EndTime),
			carrier.ParseTime(day+pkg.DeliveryTime.StartTime),
		)
	}
	res.ETA = carrier.FirstTime(typed, generic, window)

	if res.Delivered {
		res.LastEventTime = carrier.FirstTime(actual, lastEvent)
	} else {
		res.LastEventTime = lastEvent
	}
	return res
}
