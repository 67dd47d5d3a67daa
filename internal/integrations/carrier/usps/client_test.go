package usps

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ShippingAPI.dll", r.URL.Path)
		require.Equal(t, "TrackV2", r.URL.Query().Get("API"))

		var req trackFieldRequest
		require.NoError(t, xml.Unmarshal([]byte(r.URL.Query().Get("XML")), &req))
		require.Equal(t, "USER1", req.UserID)
		require.Equal(t, "9400", req.TrackID.ID)

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

var creds = models.ProviderSettings{USPSUserID: "USER1"}

func TestGetTracking_InTransit(t *testing.T) {
	srv := newServer(t, http.StatusOK, `<?xml version="1.0" encoding="UTF-8"?>
<TrackResponse><TrackInfo ID="9400">
<TrackSummary>Your item arrived at our USPS facility in COPPELL, TX 75099.</TrackSummary>
<ExpectedDeliveryDate>January 6, 2025</ExpectedDeliveryDate>
</TrackInfo></TrackResponse>`)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "9400")
	require.NoError(t, err)
	require.Contains(t, res.Status, "COPPELL")
	require.False(t, res.Delivered)
	require.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), *res.ETA)
	require.Equal(t, "https://tools.usps.com/go/TrackConfirmAction?tLabels=9400", res.TrackingURL)
}

func TestGetTracking_DeliveredFromDetail(t *testing.T) {
	srv := newServer(t, http.StatusOK, `<TrackResponse><TrackInfo ID="9400">
<TrackDetail>Delivered, In/At Mailbox</TrackDetail>
<TrackDetail>Out for Delivery</TrackDetail>
</TrackInfo></TrackResponse>`)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "9400")
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, "Delivered, In/At Mailbox", res.Summary)
	require.Nil(t, res.ETA)
}

func TestGetTracking_RootErrorIsAuthFailure(t *testing.T) {
	srv := newServer(t, http.StatusOK, `<Error><Number>80040B1A</Number><Description>Authorization failure.  You are not authorized to connect to this server.</Description></Error>`)
	defer srv.Close()

	_, err := New(srv.URL).GetTracking(context.Background(), creds, "9400")
	require.Equal(t, syncerr.AuthFailure, syncerr.KindOf(err))
}

func TestGetTracking_ItemError(t *testing.T) {
	srv := newServer(t, http.StatusOK, `<TrackResponse><TrackInfo ID="9400"><Error><Number>-2147219302</Number><Description>The Postal Service could not locate the tracking information.</Description></Error></TrackInfo></TrackResponse>`)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "9400")
	require.NoError(t, err)
	require.Empty(t, res.Status)
	require.Contains(t, res.Summary, "could not locate")
}

func TestGetTracking_HTTPFailureIsTransient(t *testing.T) {
	srv := newServer(t, http.StatusServiceUnavailable, "busy")
	defer srv.Close()

	_, err := New(srv.URL).GetTracking(context.Background(), creds, "9400")
	require.Equal(t, syncerr.TransientNetwork, syncerr.KindOf(err))
}

func TestGetTracking_MissingUserID(t *testing.T) {
	_, err := New("").GetTracking(context.Background(), models.ProviderSettings{}, "9400")
	require.Equal(t, syncerr.CredentialsMissing, syncerr.KindOf(err))
	require.Contains(t, err.Error(), "USPS User ID missing")
}
