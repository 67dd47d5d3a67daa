package fedex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

var creds = models.ProviderSettings{FedExClientID: "id", FedExClientSecret: "secret"}

func newServer(t *testing.T, trackStatus int, body string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "id", r.PostForm.Get("client_id"))
		require.Equal(t, "secret", r.PostForm.Get("client_secret"))
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3599}`))
	})
	mux.HandleFunc("/track/v1/trackingnumbers", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req trackReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.TrackingInfo, 1)
		require.Equal(t, "7946", req.TrackingInfo[0].TrackingNumberInfo.TrackingNumber)

		if trackStatus != 0 {
			w.WriteHeader(trackStatus)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	return httptest.NewServer(mux)
}

func TestGetTracking_InTransit(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackingNumber":"7946","trackResults":[{
		"latestStatusDetail":{"code":"IT","description":"In transit"},
		"dateAndTimes":[{"type":"ESTIMATED_DELIVERY","dateTime":"2025-01-06T17:00:00-05:00"}],
		"scanEvents":[{"date":"2025-01-03T08:12:00-05:00","eventDescription":"Departed FedEx hub"}]
	}]}]}}`
	srv := newServer(t, 0, body)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "7946")
	require.NoError(t, err)
	require.Equal(t, "In transit", res.Status)
	require.False(t, res.Delivered)
	require.Equal(t, time.Date(2025, 1, 6, 22, 0, 0, 0, time.UTC), *res.ETA)
	require.Equal(t, time.Date(2025, 1, 3, 13, 12, 0, 0, time.UTC), *res.LastEventTime)
	require.Equal(t, "https://www.fedex.com/fedextrack/?tracknumbers=7946", res.TrackingURL)
}

func TestGetTracking_WindowFallback(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"IT","description":"On the way"},
		"estimatedDeliveryTimeWindow":{"window":{"begins":"2025-01-07T09:00:00Z","ends":"2025-01-07T18:00:00Z"}}
	}]}]}}`
	srv := newServer(t, 0, body)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "7946")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 7, 18, 0, 0, 0, time.UTC), *res.ETA)
}

func TestGetTracking_DeliveredPrefersActualDelivery(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"DL","description":"Delivered"},
		"dateAndTimes":[
			{"type":"ACTUAL_DELIVERY","dateTime":"2025-01-05T12:30:00Z"},
			{"type":"ESTIMATED_DELIVERY","dateTime":"2025-01-06T00:00:00Z"}
		],
		"scanEvents":[{"date":"2025-01-05T12:35:00Z"}]
	}]}]}}`
	srv := newServer(t, 0, body)
	defer srv.Close()

	res, err := New(srv.URL).GetTracking(context.Background(), creds, "7946")
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Nil(t, res.ETA)
	require.Equal(t, time.Date(2025, 1, 5, 12, 30, 0, 0, time.UTC), *res.LastEventTime)
}

func TestGetTracking_Unauthorized(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, "")
	defer srv.Close()

	_, err := New(srv.URL).GetTracking(context.Background(), creds, "7946")
	require.Equal(t, syncerr.AuthFailure, syncerr.KindOf(err))
}

func TestGetTracking_MissingCredentials(t *testing.T) {
	_, err := New("http://127.0.0.1:0").GetTracking(context.Background(), models.ProviderSettings{FedExClientID: "id"}, "7946")
	require.Equal(t, syncerr.CredentialsMissing, syncerr.KindOf(err))
}

func TestNormalize_ResultError(t *testing.T) {
	var r trackResp
	require.NoError(t, json.Unmarshal([]byte(`{"output":{"completeTrackResults":[{"trackResults":[{
		"error":{"code":"TRACKING.TRACKINGNUMBER.NOTFOUND","message":"Tracking number cannot be found."}
	}]}]}}`), &r))

	res := normalize(r, "7946")
	require.Equal(t, "Tracking number cannot be found.", res.Summary)
	require.Empty(t, res.Status)
	require.False(t, res.Delivered)
}

func decodeResult(t *testing.T, result string) trackResp {
	t.Helper()
	var r trackResp
	require.NoError(t, json.Unmarshal([]byte(`{"output":{"completeTrackResults":[{"trackResults":[`+result+`]}]}}`), &r))
	return r
}

func TestNormalize_ETATiers(t *testing.T) {
	cases := []struct {
		name   string
		result string
		want   time.Time
	}{
		{
			name: "typed value key beats generic field",
			result: `{"latestStatusDetail":{"code":"IT","description":"In transit"},
				"dateAndTimes":[{"type":"SHIPMENT_ESTIMATED_DELIVERY_TIMESTAMP","value":"2025-01-05T10:00:00Z"}],
				"estimatedDeliveryTimestamp":"2025-01-06T17:00:00Z"}`,
			want: time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "typed entries in priority order",
			result: `{"latestStatusDetail":{"code":"IT","description":"In transit"},
				"dateAndTimes":[
					{"type":"ESTIMATED_DELIVERY_TIMESTAMP","dateTime":"2025-01-08T00:00:00Z"},
					{"type":"ESTIMATED_DELIVERY_DATE","value":"2025-01-07"}
				]}`,
			want: time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "generic field beats window",
			result: `{"latestStatusDetail":{"code":"IT","description":"In transit"},
				"estimatedDeliveryTimestamp":"2025-01-06T17:00:00Z",
				"standardTransitTimeWindow":{"window":{"ends":"2025-01-09T00:00:00Z"}}}`,
			want: time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC),
		},
		{
			name: "delivery details estimate beats window",
			result: `{"latestStatusDetail":{"code":"IT","description":"In transit"},
				"deliveryDetails":{"estimatedDeliveryDate":"2025-01-04"},
				"estimatedDeliveryTimeWindow":{"window":{"ends":"2025-01-09T00:00:00Z"}}}`,
			want: time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "standard window begins when nothing else",
			result: `{"latestStatusDetail":{"code":"IT","description":"In transit"},
				"standardTransitTimeWindow":{"window":{"begins":"2025-01-10T00:00:00Z"}}}`,
			want: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := normalize(decodeResult(t, tc.result), "7946")
			require.False(t, res.Delivered)
			require.NotNil(t, res.ETA)
			require.Equal(t, tc.want, *res.ETA)
		})
	}
}

func TestNormalize_ActualDeliveryFallbacks(t *testing.T) {
	res := normalize(decodeResult(t, `{"latestStatusDetail":{"code":"DL","description":"Delivered"},
		"dateAndTimes":[{"type":"DELIVERY","value":"2025-01-05T12:30:00Z"}],
		"scanEvents":[{"date":"2025-01-05T12:35:00Z"}]}`), "7946")
	require.True(t, res.Delivered)
	require.Equal(t, time.Date(2025, 1, 5, 12, 30, 0, 0, time.UTC), *res.LastEventTime)

	res = normalize(decodeResult(t, `{"latestStatusDetail":{"code":"DL","description":"Delivered"},
		"deliveryDetails":{"actualDeliveryTimestamp":"2025-01-05T11:00:00Z"},
		"scanEvents":[{"date":"2025-01-05T12:35:00Z"}]}`), "7946")
	require.Equal(t, time.Date(2025, 1, 5, 11, 0, 0, 0, time.UTC), *res.LastEventTime)

	res = normalize(decodeResult(t, `{"latestStatusDetail":{"code":"DL","description":"Delivered"},
		"scanEvents":[{"date":"2025-01-05T12:35:00Z"}]}`), "7946")
	require.Equal(t, time.Date(2025, 1, 5, 12, 35, 0, 0, time.UTC), *res.LastEventTime)
	require.Nil(t, res.ETA)
}

func TestNormalize_StatusFallsBackToLatestScan(t *testing.T) {
	res := normalize(decodeResult(t, `{"scanEvents":[
		{"date":"2025-01-05T12:35:00Z","eventType":"DL","eventDescription":"Delivered"},
		{"date":"2025-01-04T08:00:00Z","eventDescription":"On FedEx vehicle for delivery"}
	]}`), "7946")
	require.Equal(t, "Delivered", res.Status)
	require.Equal(t, "Delivered", res.Summary)
	require.True(t, res.Delivered)
	require.Equal(t, time.Date(2025, 1, 5, 12, 35, 0, 0, time.UTC), *res.LastEventTime)
}
