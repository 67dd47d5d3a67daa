package fedex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/PartSync/internal/integrations/carrier"
	"github.com/BearBump/PartSync/internal/integrations/carrier/oauth"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/pkg/errors"
)

const (
	provider       = "fedex"
	DefaultBaseURL = "https://apis.fedex.com"
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
		tokens:  oauth.NewTokenSource(provider, baseURL+"/oauth/token", oauth.AuthStyleForm, httpc),
	}
}

type trackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

type trackingInfo struct {
	TrackingNumberInfo trackingNumberInfo `json:"trackingNumberInfo"`
}

type trackReq struct {
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
	TrackingInfo         []trackingInfo `json:"trackingInfo"`
}

type dateAndTime struct {
	Type     string `json:"type"`
	DateTime string `json:"dateTime"`
	Value    string `json:"value"`
}

func (d dateAndTime) at() *time.Time {
	return carrier.FirstTime(carrier.ParseTime(d.Value), carrier.ParseTime(d.DateTime))
}

type window struct {
	Window struct {
		Begins string `json:"begins"`
		Ends   string `json:"ends"`
	} `json:"window"`
}

func (w *window) bound() *time.Time {
	if w == nil {
		return nil
	}
	return carrier.FirstTime(carrier.ParseTime(w.Window.Ends), carrier.ParseTime(w.Window.Begins))
}

type estimateFields struct {
	EstimatedDeliveryTimestamp   string `json:"estimatedDeliveryTimestamp"`
	EstimatedDeliveryTime        string `json:"estimatedDeliveryTime"`
	EstimatedDeliveryDateAndTime string `json:"estimatedDeliveryDateAndTime"`
	EstimatedDeliveryDate        string `json:"estimatedDeliveryDate"`
}

func (f estimateFields) first() *time.Time {
	return firstParsed(f.EstimatedDeliveryTimestamp, f.EstimatedDeliveryTime, f.EstimatedDeliveryDateAndTime, f.EstimatedDeliveryDate)
}

type deliveryDetails struct {
	estimateFields
	ActualDeliveryTimestamp   string `json:"actualDeliveryTimestamp"`
	ActualDeliveryDateAndTime string `json:"actualDeliveryDateAndTime"`
	ActualDeliveryTime        string `json:"actualDeliveryTime"`
	ActualDeliveryDate        string `json:"actualDeliveryDate"`
}

func (d *deliveryDetails) actual() *time.Time {
	if d == nil {
		return nil
	}
	return firstParsed(d.ActualDeliveryTimestamp, d.ActualDeliveryDateAndTime, d.ActualDeliveryTime, d.ActualDeliveryDate)
}

func (d *deliveryDetails) estimated() *time.Time {
	if d == nil {
		return nil
	}
	return d.estimateFields.first()
}

type scanEvent struct {
	Date             string `json:"date"`
	EventDescription string `json:"eventDescription"`
	EventType        string `json:"eventType"`
}

type trackResult struct {
	LatestStatusDetail struct {
		Code           string `json:"code"`
		Description    string `json:"description"`
		StatusByLocale string `json:"statusByLocale"`
	} `json:"latestStatusDetail"`
	estimateFields
	DateAndTimes                []dateAndTime    `json:"dateAndTimes"`
	ScanEvents                  []scanEvent      `json:"scanEvents"`
	DeliveryDetails             *deliveryDetails `json:"deliveryDetails"`
	EstimatedDeliveryTimeWindow *window          `json:"estimatedDeliveryTimeWindow"`
	StandardTransitTimeWindow   *window          `json:"standardTransitTimeWindow"`
	Error                       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type trackResp struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackingNumber string        `json:"trackingNumber"`
			TrackResults   []trackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (c *Client) GetTracking(ctx context.Context, creds models.ProviderSettings, trackNumber string) (models.TrackingResult, error) {
	token, err := c.tokens.Token(ctx, creds.FedExClientID, creds.FedExClientSecret)
	if err != nil {
		return models.TrackingResult{}, err
	}

	b, err := json.Marshal(trackReq{
		IncludeDetailedScans: true,
		TrackingInfo:         []trackingInfo{{TrackingNumberInfo: trackingNumberInfo{TrackingNumber: trackNumber}}},
	})
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "marshal"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(b))
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-locale", "en_US")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(creds.FedExClientID, creds.FedExClientSecret)
	}
	if resp.StatusCode/100 != 2 {
		return models.TrackingResult{}, carrier.ReadError(resp, provider, "track")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "read body"))
	}
	var r trackResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "decode"))
	}

	res := normalize(r, trackNumber)
	res.Raw = models.TruncateRaw(string(raw))
	return res, nil
}

// Типы dateAndTimes в порядке приоритета.
var (
	estimateTypes = []string{
		"ESTIMATED_DELIVERY",
		"APPOINTMENT_DELIVERY",
		"SHIPMENT_ESTIMATED_DELIVERY_TIMESTAMP",
		"ESTIMATED_DELIVERY_DATE",
		"ESTIMATED_DELIVERY_TIMESTAMP",
		"COMMITMENT",
	}
	actualTypes = []string{"ACTUAL_DELIVERY", "DELIVERY", "ACTUAL_DELIVERY_TIMESTAMP"}
)

func firstParsed(values ...string) *time.Time {
	for _, v := range values {
		if t := carrier.ParseTime(v); t != nil {
			return t
		}
	}
	return nil
}

// pickDate returns the first parseable entry, trying types in order.
func pickDate(list []dateAndTime, types []string) *time.Time {
	for _, typ := range types {
		for _, d := range list {
			if !strings.EqualFold(d.Type, typ) {
				continue
			}
			if t := d.at(); t != nil {
				return t
			}
		}
	}
	return nil
}

func normalize(r trackResp, trackNumber string) models.TrackingResult {
	res := models.TrackingResult{
		Summary:     fmt.Sprintf("FedEx %s", trackNumber),
		TrackingURL: models.BuildTrackingURL(provider, trackNumber),
	}
	if len(r.Output.CompleteTrackResults) == 0 || len(r.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return res
	}
	tr := r.Output.CompleteTrackResults[0].TrackResults[0]
	if tr.Error != nil && tr.Error.Message != "" {
		res.Summary = tr.Error.Message
		return res
	}

	var lastScan *time.Time
	var latestScan scanEvent
	if len(tr.ScanEvents) > 0 {
		latestScan = tr.ScanEvents[0]
		lastScan = carrier.ParseTime(latestScan.Date)
	}

	res.Status = firstNonEmpty(tr.LatestStatusDetail.Description, tr.LatestStatusDetail.StatusByLocale, latestScan.EventDescription)
	if res.Status != "" {
		res.Summary = res.Status
	}
	code := tr.LatestStatusDetail.Code
	if code == "" {
		code = latestScan.EventType
	}
	res.Delivered = strings.EqualFold(code, "DL") || carrier.IsDelivered(res.Status)

	if res.Delivered {
		actual := carrier.FirstTime(pickDate(tr.DateAndTimes, actualTypes), tr.DeliveryDetails.actual())
		res.LastEventTime = carrier.FirstTime(actual, lastScan)
		return res
	}
	res.ETA = carrier.FirstTime(
		pickDate(tr.DateAndTimes, estimateTypes),
		tr.estimateFields.first(),
		tr.DeliveryDetails.estimated(),
		tr.EstimatedDeliveryTimeWindow.bound(),
		tr.StandardTransitTimeWindow.bound(),
	)
	res.LastEventTime = lastScan
	return res
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
