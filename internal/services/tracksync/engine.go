package tracksync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/BearBump/PartSync/internal/metrics"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/services/syncloop"
	"github.com/BearBump/PartSync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Repository interface {
	GetSettings(ctx context.Context) (models.ProviderSettings, error)
	SaveSettings(ctx context.Context, patch models.SettingsPatch) (models.ProviderSettings, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error)
	ListOrderGroups(ctx context.Context) ([]*models.OrderGroup, error)
	GetCacheFor(ctx context.Context, refs []models.TrackingReference) (map[string]*models.TrackingSnapshot, error)
	UpsertCache(ctx context.Context, patch models.TrackingCachePatch) error
	// DueForRefresh only returns rows of refs, so orphaned rows never take batch slots.
	DueForRefresh(ctx context.Context, now time.Time, refs []models.TrackingReference, limit int) ([]*models.TrackingSnapshot, error)
}

// Fetcher is satisfied by carrier.Router.
type Fetcher interface {
	FetchTracking(ctx context.Context, c models.Carrier, creds models.ProviderSettings, number string) (models.TrackingResult, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Engine struct {
	repo     Repository
	fetcher  Fetcher
	rl       RateLimiter
	producer Producer
	topic    string
	planner  *Planner
	logger   *zap.Logger
	now      func() time.Time

	batchSize   int
	concurrency int

	loop *syncloop.Loop

	settingsMu sync.RWMutex
	settings   models.ProviderSettings

	lastErrorMu sync.Mutex
	lastError   string

	totalProcessed   atomic.Int64
	totalErrors      atomic.Int64
	totalRateLimited atomic.Int64
	lastTargets      atomic.Int64
}

func New(repo Repository, fetcher Fetcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:        repo,
		fetcher:     fetcher,
		planner:     NewPlanner(DefaultPlannerConfig()),
		logger:      logger.With(zap.String("engine", metrics.DomainTracking)),
		now:         time.Now,
		batchSize:   50,
		concurrency: 4,
	}
	e.loop = syncloop.New(metrics.DomainTracking, e.cycle, e.interval, logger)
	return e
}

func (e *Engine) WithSettings(batchSize, concurrency int) *Engine {
	if batchSize > 0 {
		e.batchSize = batchSize
	}
	if concurrency > 0 {
		e.concurrency = concurrency
	}
	return e
}

func (e *Engine) WithRateLimiter(rl RateLimiter) *Engine {
	e.rl = rl
	return e
}

func (e *Engine) WithProducer(p Producer, topic string) *Engine {
	e.producer = p
	e.topic = topic
	return e
}

func (e *Engine) WithPlanner(cfg PlannerConfig) *Engine {
	e.planner = NewPlanner(cfg)
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Init loads settings, runs one forced cycle and arms the timer.
func (e *Engine) Init(ctx context.Context) {
	if _, err := e.RunCycle(ctx, true); err != nil {
		e.logger.Warn("initial tracking sync failed", zap.Error(err))
	}
	e.loop.Start(ctx)
}

func (e *Engine) Start(ctx context.Context) { e.loop.Start(ctx) }

func (e *Engine) Stop() { e.loop.Stop() }

// Trigger schedules a forced cycle on the running loop without waiting for it.
func (e *Engine) Trigger() { e.loop.Trigger() }

func (e *Engine) Shutdown(ctx context.Context) error { return e.loop.Shutdown(ctx) }

// RunCycle runs one guarded cycle; ran=false when another cycle was in flight.
func (e *Engine) RunCycle(ctx context.Context, force bool) (ran bool, err error) {
	return e.loop.RunOnce(ctx, force)
}

type RefreshResult struct {
	LastError string `json:"lastError,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// RefreshAllNow runs a forced cycle and reports the last per-item error it saw.
func (e *Engine) RefreshAllNow(ctx context.Context) RefreshResult {
	ran, err := e.loop.RunOnce(ctx, true)
	if err != nil {
		e.setLastError(err.Error())
	}
	return RefreshResult{LastError: e.LastError(), Skipped: !ran}
}

func (e *Engine) Settings() models.ProviderSettings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// ApplySettings swaps the in-memory settings and re-arms the timer with the new cadence.
func (e *Engine) ApplySettings(st models.ProviderSettings) {
	e.settingsMu.Lock()
	e.settings = st
	e.settingsMu.Unlock()
	e.loop.Restart()
}

func (e *Engine) GetSettings(ctx context.Context) (models.ProviderSettings, error) {
	st, err := e.repo.GetSettings(ctx)
	if err != nil {
		return models.ProviderSettings{}, err
	}
	e.settingsMu.Lock()
	e.settings = st
	e.settingsMu.Unlock()
	return st, nil
}

func (e *Engine) SaveSettings(ctx context.Context, patch models.SettingsPatch) (models.ProviderSettings, error) {
	st, err := e.repo.SaveSettings(ctx, patch)
	if err != nil {
		return models.ProviderSettings{}, err
	}
	e.ApplySettings(st)
	return st, nil
}

func (e *Engine) interval() time.Duration {
	return e.Settings().TrackingInterval()
}

func (e *Engine) LastError() string {
	e.lastErrorMu.Lock()
	defer e.lastErrorMu.Unlock()
	return e.lastError
}

func (e *Engine) setLastError(msg string) {
	e.lastErrorMu.Lock()
	e.lastError = msg
	e.lastErrorMu.Unlock()
}

type Stats struct {
	Loop             syncloop.Stats `json:"loop"`
	TotalProcessed   int64          `json:"totalProcessed"`
	TotalErrors      int64          `json:"totalErrors"`
	TotalRateLimited int64          `json:"totalRateLimited"`
	LastTargets      int64          `json:"lastTargets"`
	LastError        string         `json:"lastError,omitempty"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Loop:             e.loop.Stats(),
		TotalProcessed:   e.totalProcessed.Load(),
		TotalErrors:      e.totalErrors.Load(),
		TotalRateLimited: e.totalRateLimited.Load(),
		LastTargets:      e.lastTargets.Load(),
		LastError:        e.LastError(),
	}
}

func (e *Engine) cycle(ctx context.Context, force bool) error {
	now := e.now().UTC()
	if force {
		// ручной refresh отчитывается только о своих ошибках
		e.setLastError("")
	}

	// Ошибка чтения настроек не валит цикл: работаем с последними известными.
	if _, err := e.GetSettings(ctx); err != nil {
		e.logger.Error("load tracking settings", zap.Error(err))
	}
	settings := e.Settings()
	interval := settings.TrackingInterval()

	refs, err := e.collectReferences(ctx)
	if err != nil {
		return err
	}
	e.ensureCacheEntries(ctx, refs, force, now)

	targets, err := e.targets(ctx, refs, force, now)
	if err != nil {
		return err
	}
	e.lastTargets.Store(int64(len(targets)))
	if len(targets) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			e.processOne(ctx, t, settings, interval)
			return nil
		})
	}
	return g.Wait()
}

// collectReferences gathers tracking references from orders and order groups, deduped by key.
func (e *Engine) collectReferences(ctx context.Context) ([]models.TrackingReference, error) {
	orders, err := e.repo.ListOrders(ctx, models.OrderFilter{})
	if err != nil {
		return nil, err
	}
	groups, err := e.repo.ListOrderGroups(ctx)
	if err != nil {
		return nil, err
	}
	var refs []models.TrackingReference
	for _, o := range orders {
		refs = append(refs, o.Tracking...)
	}
	for _, g := range groups {
		refs = append(refs, g.Tracking...)
	}
	return models.DedupeReferences(refs), nil
}

func (e *Engine) ensureCacheEntries(ctx context.Context, refs []models.TrackingReference, force bool, now time.Time) {
	if len(refs) == 0 {
		return
	}
	cache, err := e.repo.GetCacheFor(ctx, refs)
	if err != nil {
		e.persistFailed("get cache", err, zap.Int("refs", len(refs)))
		return
	}
	for _, ref := range refs {
		patch := models.TrackingCachePatch{Carrier: ref.Carrier, TrackingNumber: ref.TrackingNumber}
		existing, ok := cache[ref.Key()]
		switch {
		case !ok:
			patch.NextCheckAfter = models.SetTime(now)
			if ref.TrackingURL != "" {
				patch.TrackingURL = models.Ptr(ref.TrackingURL)
			}
		case existing.Delivered && existing.NextCheckAfter != nil:
			patch.NextCheckAfter = models.ClearTime()
		case existing.TrackingURL == "" && ref.TrackingURL != "":
			patch.TrackingURL = models.Ptr(ref.TrackingURL)
		case force && !existing.Delivered && existing.NextCheckAfter != nil:
			patch.NextCheckAfter = models.SetTime(now)
		default:
			continue
		}
		e.upsert(ctx, patch)
	}
}

func (e *Engine) targets(ctx context.Context, refs []models.TrackingReference, force bool, now time.Time) ([]*models.TrackingSnapshot, error) {
	if force {
		cache, err := e.repo.GetCacheFor(ctx, refs)
		if err != nil {
			return nil, err
		}
		out := make([]*models.TrackingSnapshot, 0, len(refs))
		for _, ref := range refs {
			if s, ok := cache[ref.Key()]; ok {
				out = append(out, s)
				continue
			}
			out = append(out, &models.TrackingSnapshot{
				Carrier:        ref.Carrier,
				TrackingNumber: ref.TrackingNumber,
				TrackingURL:    ref.TrackingURL,
			})
		}
		return out, nil
	}
	return e.repo.DueForRefresh(ctx, now, refs, e.batchSize)
}

func (e *Engine) processOne(ctx context.Context, snap *models.TrackingSnapshot, settings models.ProviderSettings, interval time.Duration) {
	if snap.TrackingNumber == "" {
		return
	}
	c, supported := models.ParseCarrier(snap.Carrier)
	log := e.logger.With(zap.String("carrier", string(c)), zap.String("tracking_number", snap.TrackingNumber))

	if snap.Delivered {
		if snap.NextCheckAfter != nil {
			e.upsert(ctx, models.TrackingCachePatch{
				Carrier: string(c), TrackingNumber: snap.TrackingNumber,
				NextCheckAfter: models.ClearTime(),
			})
		}
		return
	}
	if !supported {
		e.markManual(ctx, snap, c)
		return
	}

	if e.rl != nil {
		allowed, err := e.rl.Allow(ctx, string(c))
		if err != nil {
			log.Warn("rate limiter unavailable, calling provider anyway", zap.Error(err))
		} else if !allowed {
			// остаётся в due-наборе до следующего тика
			e.totalRateLimited.Add(1)
			log.Debug("provider rate limit reached, skipped")
			return
		}
	}

	res, err := e.fetcher.FetchTracking(ctx, c, settings, snap.TrackingNumber)
	checked := e.now().UTC()
	e.totalProcessed.Add(1)

	if err != nil {
		kind := syncerr.KindOf(err)
		if kind == syncerr.UnsupportedProvider {
			e.markManual(ctx, snap, c)
			return
		}
		e.totalErrors.Add(1)
		metrics.RecordProviderError(string(c), string(kind))
		e.setLastError(err.Error())

		delay, _ := e.planner.Backoff(err, interval)
		log.Error("tracking fetch failed",
			zap.String("key", snap.Key()),
			zap.String("kind", string(kind)),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		e.upsert(ctx, models.TrackingCachePatch{
			Carrier: string(c), TrackingNumber: snap.TrackingNumber,
			LastCheckedAt:  models.SetTime(checked),
			NextCheckAfter: models.SetTime(checked.Add(delay)),
			LastError:      models.Ptr(err.Error()),
		})
		return
	}

	trackingURL := firstNonEmpty(res.TrackingURL, snap.TrackingURL, models.BuildTrackingURL(string(c), snap.TrackingNumber))
	summary := firstNonEmpty(res.Summary, res.Status)
	patch := models.TrackingCachePatch{
		Carrier: string(c), TrackingNumber: snap.TrackingNumber,
		Status:         models.Ptr(res.Status),
		Summary:        models.Ptr(summary),
		Delivered:      models.Ptr(res.Delivered),
		LastEventTime:  timePatch(res.LastEventTime),
		ETA:            timePatch(res.ETA),
		LastCheckedAt:  models.SetTime(checked),
		NextCheckAfter: timePatch(e.planner.NextCheck(checked, interval, res.Delivered)),
		TrackingURL:    models.Ptr(trackingURL),
		LastError:      models.Ptr(""),
	}
	if res.Raw != "" {
		patch.Raw = models.Ptr(models.TruncateRaw(res.Raw))
	}
	e.upsert(ctx, patch)

	log.Info("tracking fetched",
		zap.String("status", res.Status),
		zap.Bool("delivered", res.Delivered),
		zap.Timep("eta", res.ETA),
		zap.Timep("last_event_time", res.LastEventTime))

	if res.Status != snap.Status || res.Delivered != snap.Delivered {
		e.publish(ctx, snap.Key(), messages.TrackingChanged{
			Type:           messages.TypeTrackingChanged,
			Carrier:        string(c),
			TrackingNumber: snap.TrackingNumber,
			PreviousStatus: snap.Status,
			Status:         res.Status,
			Delivered:      res.Delivered,
			ETA:            res.ETA,
			CheckedAt:      checked,
		})
	}
}

// markManual puts an unsupported carrier into its terminal manual-check state.
func (e *Engine) markManual(ctx context.Context, snap *models.TrackingSnapshot, c models.Carrier) {
	e.upsert(ctx, models.TrackingCachePatch{
		Carrier: string(c), TrackingNumber: snap.TrackingNumber,
		Summary:        models.Ptr(models.ManualCheckSummary),
		TrackingURL:    models.Ptr(firstNonEmpty(snap.TrackingURL, models.BuildTrackingURL(string(c), snap.TrackingNumber))),
		NextCheckAfter: models.ClearTime(),
	})
}

func (e *Engine) upsert(ctx context.Context, p models.TrackingCachePatch) {
	if err := e.repo.UpsertCache(ctx, p); err != nil {
		e.persistFailed("upsert cache", err, zap.String("key", p.Key()))
	}
}

func (e *Engine) persistFailed(op string, err error, fields ...zap.Field) {
	perr := syncerr.Persistence(op, err)
	e.totalErrors.Add(1)
	e.setLastError(perr.Error())
	e.logger.Error("persistence write failed", append(fields, zap.Error(perr))...)
}

func (e *Engine) publish(ctx context.Context, key string, msg messages.TrackingChanged) {
	if e.producer == nil || e.topic == "" {
		return
	}
	if err := e.producer.PublishJSON(ctx, e.topic, key, msg); err != nil {
		e.logger.Warn("publish tracking change", zap.String("key", key), zap.Error(err))
	}
}

func timePatch(t *time.Time) models.TimePatch {
	if t == nil {
		return models.ClearTime()
	}
	return models.SetTime(*t)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
