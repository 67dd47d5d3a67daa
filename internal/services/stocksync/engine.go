// Package stocksync keeps vendor stock snapshots on active vendor orders fresh.
package stocksync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/BearBump/PartSync/internal/integrations/supplier"
	"github.com/BearBump/PartSync/internal/metrics"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/services/syncloop"
	"github.com/BearBump/PartSync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	vendorName    = "wcp"
	minFailureTTL = 10 * time.Minute

	sourceInferred = "inferred"
	sourceVariant  = "variant"
)

type Repository interface {
	GetSettings(ctx context.Context) (models.ProviderSettings, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error)
	BulkUpdateStockSnapshot(ctx context.Context, entries []models.OrderStockSnapshot) error
	RecordStockHistory(ctx context.Context, entries []models.StockHistoryEntry) (int, error)
}

// VariantIndex remembers SKU -> vendor variant id across restarts and workers.
type VariantIndex interface {
	Variants(ctx context.Context, skus []string) (map[string]string, error)
	RememberVariants(ctx context.Context, bySKU map[string]string) error
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type skuEntry struct {
	snapshot      models.StockSnapshot
	nextRefreshAt time.Time
}

type Engine struct {
	repo     Repository
	vendor   supplier.Client
	index    VariantIndex
	producer Producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time

	concurrency int

	loop *syncloop.Loop

	settingsMu sync.RWMutex
	settings   models.ProviderSettings

	// кэши пишет только цикл; mu нужен для чтения из HTTP (ApplySnapshots)
	mu         sync.RWMutex
	skuCache   map[string]skuEntry
	orderCache map[string]models.OrderStockSnapshot

	lastErrorMu sync.Mutex
	lastError   string

	totalLookups   atomic.Int64
	totalErrors    atomic.Int64
	totalHistory   atomic.Int64
	lastOrderCount atomic.Int64
	lastSkuCount   atomic.Int64
}

func New(repo Repository, vc supplier.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:        repo,
		vendor:      vc,
		logger:      logger.With(zap.String("engine", metrics.DomainStock)),
		now:         time.Now,
		concurrency: 4,
		skuCache:    make(map[string]skuEntry),
		orderCache:  make(map[string]models.OrderStockSnapshot),
	}
	e.loop = syncloop.New(metrics.DomainStock, e.cycle, e.interval, logger)
	return e
}

// WithConcurrency bounds parallel single-item lookups.
func (e *Engine) WithConcurrency(n int) *Engine {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

func (e *Engine) WithVariantIndex(idx VariantIndex) *Engine {
	e.index = idx
	return e
}

func (e *Engine) WithProducer(p Producer, topic string) *Engine {
	e.producer = p
	e.topic = topic
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Init runs one forced cycle and arms the timer.
func (e *Engine) Init(ctx context.Context) {
	if _, err := e.RunCycle(ctx, true); err != nil {
		e.logger.Warn("initial stock sync failed", zap.Error(err))
	}
	e.loop.Start(ctx)
}

func (e *Engine) Start(ctx context.Context) {
	e.loop.Start(ctx)
}

func (e *Engine) Stop() {
	e.loop.Stop()
}

func (e *Engine) Trigger() {
	e.loop.Trigger()
}

func (e *Engine) Shutdown(ctx context.Context) error {
	return e.loop.Shutdown(ctx)
}

func (e *Engine) RunCycle(ctx context.Context, force bool) (ran bool, err error) {
	return e.loop.RunOnce(ctx, force)
}

type RefreshResult struct {
	OrderCount int    `json:"orderCount"`
	SkuCount   int    `json:"skuCount"`
	LastError  string `json:"lastError,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

func (e *Engine) RefreshAllNow(ctx context.Context) RefreshResult {
	ran, err := e.loop.RunOnce(ctx, true)
	if err != nil {
		e.setLastError(err.Error())
	}
	return RefreshResult{
		OrderCount: int(e.lastOrderCount.Load()),
		SkuCount:   int(e.lastSkuCount.Load()),
		LastError:  e.LastError(),
		Skipped:    !ran,
	}
}

func (e *Engine) Settings() models.ProviderSettings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// ApplySettings swaps settings and re-arms the timer with the stock cadence.
func (e *Engine) ApplySettings(st models.ProviderSettings) {
	e.settingsMu.Lock()
	e.settings = st
	e.settingsMu.Unlock()
	e.loop.Restart()
}

func (e *Engine) interval() time.Duration {
	return e.Settings().StockInterval()
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
	Loop           syncloop.Stats `json:"loop"`
	TotalLookups   int64          `json:"totalLookups"`
	TotalErrors    int64          `json:"totalErrors"`
	TotalHistory   int64          `json:"totalHistoryRows"`
	LastOrderCount int64          `json:"lastOrderCount"`
	LastSkuCount   int64          `json:"lastSkuCount"`
	CachedSkus     int            `json:"cachedSkus"`
	CachedOrders   int            `json:"cachedOrders"`
	LastError      string         `json:"lastError,omitempty"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	skus, orders := len(e.skuCache), len(e.orderCache)
	e.mu.RUnlock()
	return Stats{
		Loop:           e.loop.Stats(),
		TotalLookups:   e.totalLookups.Load(),
		TotalErrors:    e.totalErrors.Load(),
		TotalHistory:   e.totalHistory.Load(),
		LastOrderCount: e.lastOrderCount.Load(),
		LastSkuCount:   e.lastSkuCount.Load(),
		CachedSkus:     skus,
		CachedOrders:   orders,
		LastError:      e.LastError(),
	}
}

// ApplySnapshots overlays the in-memory per-order snapshot onto active vendor orders.
func (e *Engine) ApplySnapshots(orders []*models.Order) []*models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		if !models.IsActiveVendorOrder(o) {
			out = append(out, o)
			continue
		}
		snap, ok := e.orderCache[o.ID]
		if !ok {
			out = append(out, o)
			continue
		}
		cp := *o
		cp.Stock = &snap
		out = append(out, &cp)
	}
	return out
}

type entry struct {
	orderID string
	sku     string
	prev    *models.StockSnapshot
}

func (e *Engine) cycle(ctx context.Context, force bool) error {
	now := e.now().UTC()
	if force {
		// ручной refresh отчитывается только о своих ошибках
		e.setLastError("")
	}

	if st, err := e.repo.GetSettings(ctx); err != nil {
		e.logger.Error("load stock settings", zap.Error(err))
	} else {
		e.settingsMu.Lock()
		e.settings = st
		e.settingsMu.Unlock()
	}

	entries, err := e.collectActiveOrders(ctx)
	if err != nil {
		return err
	}
	skus := uniqueSKUs(entries)
	e.lastOrderCount.Store(int64(len(entries)))
	e.lastSkuCount.Store(int64(len(skus)))

	due := e.dueSKUs(skus, force, now)
	if len(due) > 0 {
		resolved := e.resolve(ctx, due, e.baselines(entries), now)
		e.mu.Lock()
		for sku, r := range resolved {
			e.skuCache[sku] = r
		}
		e.mu.Unlock()
	}

	e.mergeOrders(ctx, entries, force, now)
	return nil
}

func (e *Engine) collectActiveOrders(ctx context.Context) ([]entry, error) {
	orders, err := e.repo.ListOrders(ctx, models.OrderFilter{Status: models.OrderStatusRequested})
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(orders))
	for _, o := range orders {
		if !models.IsActiveVendorOrder(o) || o.ID == "" {
			continue
		}
		en := entry{orderID: o.ID, sku: models.NormalizeSKU(o.VendorPartNumber)}
		if o.Stock != nil {
			prev := o.Stock.StockSnapshot
			en.prev = &prev
		}
		out = append(out, en)
	}
	return out, nil
}

func uniqueSKUs(entries []entry) []string {
	seen := make(map[string]struct{}, len(entries))
	var out []string
	for _, en := range entries {
		if _, ok := seen[en.sku]; ok {
			continue
		}
		seen[en.sku] = struct{}{}
		out = append(out, en.sku)
	}
	sort.Strings(out)
	return out
}

// dueSKUs: forced cycles ignore the per-SKU TTL.
func (e *Engine) dueSKUs(skus []string, force bool, now time.Time) []string {
	if force {
		return skus
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, sku := range skus {
		c, ok := e.skuCache[sku]
		if !ok || !c.nextRefreshAt.After(now) {
			out = append(out, sku)
		}
	}
	return out
}

// baselines picks the last known snapshot per SKU: in-memory first, then any persisted order copy.
func (e *Engine) baselines(entries []entry) map[string]models.StockSnapshot {
	out := make(map[string]models.StockSnapshot)
	for _, en := range entries {
		if _, ok := out[en.sku]; ok || en.prev == nil {
			continue
		}
		out[en.sku] = *en.prev
	}
	e.mu.RLock()
	for sku, c := range e.skuCache {
		out[sku] = c.snapshot
	}
	e.mu.RUnlock()
	return out
}

// resolve walks the three lookup strategies, cheapest first, and returns a cache entry for every SKU in skus.
func (e *Engine) resolve(ctx context.Context, skus []string, base map[string]models.StockSnapshot, now time.Time) map[string]skuEntry {
	interval := e.interval()
	out := make(map[string]skuEntry, len(skus))
	ok := func(s models.StockSnapshot) {
		out[s.SKU] = skuEntry{snapshot: s, nextRefreshAt: now.Add(interval)}
	}
	pending := func() []string {
		var rest []string
		for _, sku := range skus {
			if _, done := out[sku]; !done {
				rest = append(rest, sku)
			}
		}
		return rest
	}

	// 1. variant quantities for SKUs with a known variant id
	variants := e.knownVariants(ctx, skus, base)
	if len(variants) > 0 {
		ids := make([]string, 0, len(variants))
		for _, id := range variants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		e.totalLookups.Add(1)
		qty, err := e.vendor.VariantQuantities(ctx, ids)
		if err != nil {
			e.providerFailed("variant batch", err, zap.Int("variants", len(ids)))
		}
		for sku, id := range variants {
			q, found := qty[id]
			if !found {
				continue
			}
			q = models.ClampQuantity(q)
			status := InferStatus(&q, base[sku].Status)
			ok(models.StockSnapshot{
				SKU:            sku,
				Status:         status,
				Label:          status.Label(),
				InStockQty:     &q,
				VariantID:      id,
				StatusSource:   sourceInferred,
				QuantitySource: sourceVariant,
				CheckedAt:      now,
			})
		}
	}

	// 2. one detail batch for the rest
	learned := make(map[string]string)
	if rest := pending(); len(rest) > 0 {
		e.totalLookups.Add(1)
		details, err := e.vendor.SkuDetails(ctx, rest)
		if err != nil {
			e.providerFailed("sku batch", err, zap.Int("skus", len(rest)))
		}
		for _, sku := range rest {
			d, found := details[sku]
			if !found {
				continue
			}
			ok(snapshotFromDetail(sku, d, base[sku].Status, now))
			if d.VariantID != "" {
				learned[sku] = d.VariantID
			}
		}
	}

	// 3. single lookups, bounded fan-out
	if rest := pending(); len(rest) > 0 {
		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for _, sku := range rest {
			sku := sku
			g.Go(func() error {
				e.totalLookups.Add(1)
				d, err := e.vendor.LookupPart(ctx, sku)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					e.providerFailed("lookup", err, zap.String("sku", sku))
					out[sku] = skuEntry{
						snapshot:      fallbackSnapshot(sku, base, err, now),
						nextRefreshAt: now.Add(failureTTL(interval)),
					}
					return nil
				}
				ok(snapshotFromDetail(sku, d, base[sku].Status, now))
				if d.VariantID != "" {
					learned[sku] = d.VariantID
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if e.index != nil && len(learned) > 0 {
		if err := e.index.RememberVariants(ctx, learned); err != nil {
			e.logger.Warn("remember variant ids", zap.Error(err))
		}
	}
	return out
}

func (e *Engine) knownVariants(ctx context.Context, skus []string, base map[string]models.StockSnapshot) map[string]string {
	out := make(map[string]string)
	for _, sku := range skus {
		if id := base[sku].VariantID; id != "" {
			out[sku] = id
		}
	}
	if e.index == nil {
		return out
	}
	var missing []string
	for _, sku := range skus {
		if _, ok := out[sku]; !ok {
			missing = append(missing, sku)
		}
	}
	if len(missing) == 0 {
		return out
	}
	fromIndex, err := e.index.Variants(ctx, missing)
	if err != nil {
		e.logger.Warn("variant index unavailable", zap.Error(err))
		return out
	}
	for sku, id := range fromIndex {
		out[sku] = id
	}
	return out
}

func snapshotFromDetail(sku string, d supplier.ProductDetail, baseline models.StockStatus, now time.Time) models.StockSnapshot {
	var qty *int
	if d.InStockQty != nil {
		q := models.ClampQuantity(*d.InStockQty)
		qty = &q
	}
	s := models.StockSnapshot{
		SKU:            sku,
		InStockQty:     qty,
		VariantID:      d.VariantID,
		StatusSource:   d.StatusSource,
		QuantitySource: d.QuantitySource,
		CheckedAt:      now,
	}
	if d.Status != "" {
		s.Status = models.NormalizeStockStatus(d.Status)
		s.Label = d.Label
	} else {
		s.Status = InferStatus(qty, baseline)
		s.StatusSource = sourceInferred
	}
	if s.Label == "" {
		s.Label = s.Status.Label()
	}
	return s
}

// fallbackSnapshot keeps the last known snapshot with the error attached.
func fallbackSnapshot(sku string, base map[string]models.StockSnapshot, err error, now time.Time) models.StockSnapshot {
	s, ok := base[sku]
	if !ok {
		s = models.StockSnapshot{
			SKU:       sku,
			Status:    models.StockUnknown,
			Label:     models.StockUnknown.Label(),
			CheckedAt: now,
		}
	}
	s.Error = err.Error()
	return s
}

// mergeOrders copies SKU snapshots onto orders, persists changed ones and appends history.
func (e *Engine) mergeOrders(ctx context.Context, entries []entry, force bool, now time.Time) {
	var updates []models.OrderStockSnapshot
	var history []models.StockHistoryEntry
	active := make(map[string]models.OrderStockSnapshot, len(entries))

	e.mu.RLock()
	cached := make(map[string]models.StockSnapshot, len(e.skuCache))
	for sku, c := range e.skuCache {
		cached[sku] = c.snapshot
	}
	e.mu.RUnlock()

	for _, en := range entries {
		snap, ok := cached[en.sku]
		if !ok {
			continue
		}
		next := models.OrderStockSnapshot{OrderID: en.orderID, StockSnapshot: snap}
		switch {
		case force:
			next.CheckedAt = now
		case en.prev != nil && DescribeChange(en.prev, next.StockSnapshot) == nil:
			next.CheckedAt = en.prev.CheckedAt
		}
		active[en.orderID] = next

		if ch := DescribeChange(en.prev, next.StockSnapshot); ch != nil {
			e.logChange(en, next, ch)
			e.publish(ctx, next, ch)
		}
		if force || ShouldPersistHistory(en.prev, next.StockSnapshot) {
			history = append(history, models.HistoryEntryFrom(next))
		}
		if force || en.prev == nil || !en.prev.CheckedAt.Equal(next.CheckedAt) || !sameContent(*en.prev, next.StockSnapshot) {
			updates = append(updates, next)
		}
	}

	if len(updates) > 0 {
		if err := e.repo.BulkUpdateStockSnapshot(ctx, updates); err != nil {
			e.persistFailed("update order stock", err, zap.Int("orders", len(updates)))
		}
	}
	if len(history) > 0 {
		n, err := e.repo.RecordStockHistory(ctx, history)
		if err != nil {
			e.persistFailed("record stock history", err, zap.Int("rows", len(history)))
		}
		e.totalHistory.Add(int64(n))
		metrics.RecordHistoryRows(n)
	}

	// неактивные заказы уходят только из памяти, таблица не трогается
	e.mu.Lock()
	e.orderCache = active
	e.mu.Unlock()
}

func (e *Engine) logChange(en entry, next models.OrderStockSnapshot, ch *Change) {
	e.logger.Info("stock status changed",
		zap.String("order_id", en.orderID),
		zap.String("sku", en.sku),
		zap.String("previous_status", string(ch.PreviousStatus)),
		zap.String("next_status", string(ch.NextStatus)),
		qtyField("previous_qty", ch.PreviousQty),
		qtyField("next_qty", ch.NextQty),
		zap.Time("checked_at", next.CheckedAt))
}

func qtyField(key string, q *int) zap.Field {
	if q == nil {
		return zap.Skip()
	}
	return zap.Int(key, *q)
}

func (e *Engine) publish(ctx context.Context, next models.OrderStockSnapshot, ch *Change) {
	if e.producer == nil || e.topic == "" {
		return
	}
	msg := messages.StockChanged{
		Type:           messages.TypeStockChanged,
		OrderID:        next.OrderID,
		SKU:            next.SKU,
		PreviousStatus: string(ch.PreviousStatus),
		Status:         string(ch.NextStatus),
		PreviousQty:    ch.PreviousQty,
		Qty:            ch.NextQty,
		CheckedAt:      next.CheckedAt,
	}
	if err := e.producer.PublishJSON(ctx, e.topic, next.OrderID, msg); err != nil {
		e.logger.Warn("publish stock change", zap.String("order_id", next.OrderID), zap.Error(err))
	}
}

func (e *Engine) providerFailed(op string, err error, fields ...zap.Field) {
	kind := syncerr.KindOf(err)
	e.totalErrors.Add(1)
	e.setLastError(err.Error())
	metrics.RecordProviderError(vendorName, string(kind))
	e.logger.Warn("vendor stock lookup failed",
		append(fields, zap.String("op", op), zap.String("kind", string(kind)), zap.Error(err))...)
}

func (e *Engine) persistFailed(op string, err error, fields ...zap.Field) {
	perr := syncerr.Persistence(op, err)
	e.totalErrors.Add(1)
	e.setLastError(perr.Error())
	e.logger.Error("persistence write failed", append(fields, zap.Error(perr))...)
}
