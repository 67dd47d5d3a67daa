package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

type syncHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	engines engines
	repo    syncStorage
	logger  *zap.Logger
}

// settingsView never echoes secrets back, only whether they are set.
type settingsView struct {
	UPSClientID         string     `json:"upsClientId,omitempty"`
	HasUPSSecret        bool       `json:"hasUpsClientSecret"`
	HasUSPSUserID       bool       `json:"hasUspsUserId"`
	FedExClientID       string     `json:"fedexClientId,omitempty"`
	HasFedExSecret      bool       `json:"hasFedexClientSecret"`
	RefreshMinutes      int        `json:"refreshMinutes"`
	StockRefreshMinutes int        `json:"stockRefreshMinutes"`
	UpdatedAt           *time.Time `json:"updatedAt,omitempty"`
}

func viewSettings(s models.ProviderSettings) settingsView {
	return settingsView{
		UPSClientID:         s.UPSClientID,
		HasUPSSecret:        s.UPSClientSecret != "",
		HasUSPSUserID:       s.USPSUserID != "",
		FedExClientID:       s.FedExClientID,
		HasFedExSecret:      s.FedExClientSecret != "",
		RefreshMinutes:      int(s.TrackingInterval() / time.Minute),
		StockRefreshMinutes: int(s.StockInterval() / time.Minute),
		UpdatedAt:           s.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newSyncRouter(opts syncHTTPOpts, swaggerURL string) http.Handler {
	r := chi.NewRouter()
	e := opts.engines

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.repo.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tracking": e.tracking.Stats(),
			"stock":    e.stock.Stats(),
		})
	})

	r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.tracking.GetSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, viewSettings(st))
	})
	r.Put("/settings", func(w http.ResponseWriter, r *http.Request) {
		var patch models.SettingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode settings"))
			return
		}
		st, err := e.tracking.SaveSettings(r.Context(), patch)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		e.stock.ApplySettings(st)
		opts.logger.Info("provider settings updated",
			zap.Int("refresh_minutes", st.RefreshMinutes),
			zap.Int("stock_refresh_minutes", st.StockRefreshMinutes))
		writeJSON(w, http.StatusOK, viewSettings(st))
	})

	r.Post("/tracking/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.tracking.RefreshAllNow(r.Context()))
	})
	r.Post("/stock/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.stock.RefreshAllNow(r.Context()))
	})

	r.Get("/orders/{orderID}/stock-history", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
				return
			}
			limit = n
		}
		hist, err := opts.repo.ListStockHistory(r.Context(), chi.URLParam(r, "orderID"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": hist})
	})

	r.Handle("/metrics", promhttp.Handler())

	// Serve swagger with no-cache + cachebuster.
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

func runSyncHTTPServer(ctx context.Context, opts syncHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}

	srv := &http.Server{Handler: newSyncRouter(opts, swaggerURL)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	opts.logger.Info("control server listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
