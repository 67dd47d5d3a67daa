package usps

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/BearBump/PartSync/internal/integrations/carrier"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/pkg/errors"
)

const (
	provider       = "usps"
	DefaultBaseURL = "https://secure.shippingapis.com"
)

// Client talks to the USERID-authenticated TrackV2 XML API.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   carrier.NewHTTPClient(),
	}
}

type trackFieldRequest struct {
	XMLName  xml.Name `xml:"TrackFieldRequest"`
	UserID   string   `xml:"USERID,attr"`
	Revision int      `xml:"Revision"`
	TrackID  struct {
		ID string `xml:"ID,attr"`
	} `xml:"TrackID"`
}

type trackInfo struct {
	ID                    string   `xml:"ID,attr"`
	TrackSummary          string   `xml:"TrackSummary"`
	TrackDetail           []string `xml:"TrackDetail"`
	ExpectedDeliveryDate  string   `xml:"ExpectedDeliveryDate"`
	PredictedDeliveryDate string   `xml:"PredictedDeliveryDate"`
	Error                 *struct {
		Description string `xml:"Description"`
	} `xml:"Error"`
}

type trackResponse struct {
	XMLName   xml.Name
	TrackInfo []trackInfo `xml:"TrackInfo"`
	// root <Error> only
	Number      string `xml:"Number"`
	Description string `xml:"Description"`
}

func (c *Client) GetTracking(ctx context.Context, creds models.ProviderSettings, trackNumber string) (models.TrackingResult, error) {
	if creds.USPSUserID == "" {
		return models.TrackingResult{}, syncerr.Missing(provider, "USPS User ID")
	}

	reqBody := trackFieldRequest{UserID: creds.USPSUserID, Revision: 1}
	reqBody.TrackID.ID = trackNumber
	x, err := xml.Marshal(reqBody)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "marshal"))
	}

	q := url.Values{}
	q.Set("API", "TrackV2")
	q.Set("XML", string(x))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ShippingAPI.dll?"+q.Encode(), nil)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "new request"))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return models.TrackingResult{}, carrier.ReadError(resp, provider, "track")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "read body"))
	}
	var r trackResponse
	if err := xml.Unmarshal(raw, &r); err != nil {
		return models.TrackingResult{}, syncerr.Transient(provider, "track", errors.Wrap(err, "decode"))
	}

	// USPS answers 200 with a root <Error> for a bad USERID.
	if r.XMLName.Local == "Error" {
		err := errors.Errorf("usps error %s: %s", r.Number, r.Description)
		if strings.Contains(strings.ToLower(r.Description), "authorization") {
			return models.TrackingResult{}, syncerr.Auth(provider, "track", err)
		}
		return models.TrackingResult{}, syncerr.Transient(provider, "track", err)
	}

	res := normalize(r, trackNumber)
	res.Raw = models.TruncateRaw(string(raw))
	return res, nil
}

func normalize(r trackResponse, trackNumber string) models.TrackingResult {
	res := models.TrackingResult{
		Summary:     fmt.Sprintf("USPS %s", trackNumber),
		TrackingURL: models.BuildTrackingURL(provider, trackNumber),
	}
	if len(r.TrackInfo) == 0 {
		return res
	}
	info := r.TrackInfo[0]

	status := strings.TrimSpace(info.TrackSummary)
	if status == "" && len(info.TrackDetail) > 0 {
		status = strings.TrimSpace(info.TrackDetail[0])
	}
	if status == "" && info.Error != nil {
		res.Summary = strings.TrimSpace(info.Error.Description)
		return res
	}

	res.Status = status
	if status != "" {
		res.Summary = status
	}
	res.Delivered = carrier.IsDelivered(status)
	if !res.Delivered {
		res.ETA = carrier.FirstTime(
			carrier.ParseTime(info.ExpectedDeliveryDate),
			carrier.ParseTime(info.PredictedDeliveryDate),
		)
	}
	return res
}
