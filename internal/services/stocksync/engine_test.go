package stocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/BearBump/PartSync/internal/integrations/supplier"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memRepo struct {
	mu         sync.Mutex
	orders     []*models.Order
	history    []models.StockHistoryEntry
	updates    int
	failUpdate bool
}

func (r *memRepo) GetSettings(ctx context.Context) (models.ProviderSettings, error) {
	return models.ProviderSettings{StockRefreshMinutes: 30}, nil
}

func (r *memRepo) ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Order
	for _, o := range r.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) BulkUpdateStockSnapshot(ctx context.Context, entries []models.OrderStockSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate {
		return errors.New("connection refused")
	}
	r.updates += len(entries)
	for _, en := range entries {
		for _, o := range r.orders {
			if o.ID == en.OrderID {
				snap := en
				o.Stock = &snap
			}
		}
	}
	return nil
}

func (r *memRepo) RecordStockHistory(ctx context.Context, entries []models.StockHistoryEntry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, en := range entries {
		dup := false
		for _, h := range r.history {
			if h.OrderID == en.OrderID && h.CheckedAt.Equal(en.CheckedAt) {
				dup = true
				break
			}
		}
		if !dup {
			r.history = append(r.history, en)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) historyFor(orderID string) []models.StockHistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StockHistoryEntry
	for _, h := range r.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out
}

type fakeVendor struct {
	mu         sync.Mutex
	variants   map[string]int
	details    map[string]supplier.ProductDetail
	lookups    map[string]supplier.ProductDetail
	lookupErr  map[string]error
	batchErr   error
	variantReq [][]string
	skuReq     [][]string
	lookupReq  []string
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		variants:  map[string]int{},
		details:   map[string]supplier.ProductDetail{},
		lookups:   map[string]supplier.ProductDetail{},
		lookupErr: map[string]error{},
	}
}

func (v *fakeVendor) VariantQuantities(ctx context.Context, ids []string) (map[string]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.variantReq = append(v.variantReq, ids)
	out := map[string]int{}
	for _, id := range ids {
		if q, ok := v.variants[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (v *fakeVendor) SkuDetails(ctx context.Context, skus []string) (map[string]supplier.ProductDetail, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.skuReq = append(v.skuReq, skus)
	if v.batchErr != nil {
		return nil, v.batchErr
	}
	out := map[string]supplier.ProductDetail{}
	for _, sku := range skus {
		if d, ok := v.details[sku]; ok {
			out[sku] = d
		}
	}
	return out, nil
}

func (v *fakeVendor) LookupPart(ctx context.Context, sku string) (supplier.ProductDetail, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lookupReq = append(v.lookupReq, sku)
	if err, ok := v.lookupErr[sku]; ok {
		return supplier.ProductDetail{}, err
	}
	if d, ok := v.lookups[sku]; ok {
		return d, nil
	}
	return supplier.ProductDetail{}, syncerr.Transient("wcp", "lookup", errors.New("part not found"))
}

func (v *fakeVendor) setVariant(id string, q int) {
	v.mu.Lock()
	v.variants[id] = q
	v.mu.Unlock()
}

type memIndex struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memIndex) Variants(ctx context.Context, skus []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, s := range skus {
		if id, ok := m.data[s]; ok {
			out[s] = id
		}
	}
	return out, nil
}

func (m *memIndex) RememberVariants(ctx context.Context, bySKU map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range bySKU {
		m.data[k] = v
	}
	return nil
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []messages.StockChanged
}

func (p *fakeProducer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, v.(messages.StockChanged))
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func start() *clock {
	return &clock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func wcpOrder(id, sku string, stock *models.StockSnapshot) *models.Order {
	o := &models.Order{ID: id, Status: models.OrderStatusRequested, Vendor: "WCP", VendorPartNumber: sku}
	if stock != nil {
		o.Stock = &models.OrderStockSnapshot{OrderID: id, StockSnapshot: *stock}
	}
	return o
}

func TestCycle_QuantityDropBecomesBackordered(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := start()
	prevChecked := c.now().Add(-time.Hour)
	repo := &memRepo{orders: []*models.Order{
		wcpOrder("o1", "WCP-100", &models.StockSnapshot{
			SKU: "WCP-100", Status: models.StockInStock, Label: "In Stock",
			InStockQty: models.Ptr(5), VariantID: "v100", CheckedAt: prevChecked,
		}),
	}}
	v := newFakeVendor()
	v.setVariant("v100", 0)
	p := &fakeProducer{}
	e := New(repo, v, zap.New(core)).WithClock(c.now).WithProducer(p, "partsync.changes")

	ran, err := e.RunCycle(context.Background(), false)
	require.True(t, ran)
	require.NoError(t, err)

	stock := repo.orders[0].Stock
	require.NotNil(t, stock)
	require.Equal(t, models.StockBackordered, stock.Status)
	require.Equal(t, "Backordered", stock.Label)
	require.Equal(t, 0, *stock.InStockQty)
	require.Equal(t, c.now(), stock.CheckedAt)

	require.Len(t, repo.historyFor("o1"), 1)

	entries := logs.FilterMessage("stock status changed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "o1", fields["order_id"])
	require.Equal(t, "WCP-100", fields["sku"])
	require.Equal(t, "in_stock", fields["previous_status"])
	require.Equal(t, "backordered", fields["next_status"])
	require.EqualValues(t, 5, fields["previous_qty"])
	require.EqualValues(t, 0, fields["next_qty"])

	require.Len(t, p.msgs, 1)
	require.Equal(t, "backordered", p.msgs[0].Status)
	require.Empty(t, v.skuReq)
}

func TestCycle_SoldOutBaselineIsPreserved(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{
		wcpOrder("o1", "WCP-7", &models.StockSnapshot{
			SKU: "WCP-7", Status: models.StockSoldOut, InStockQty: models.Ptr(0), VariantID: "v7",
			CheckedAt: c.now().Add(-time.Hour),
		}),
	}}
	v := newFakeVendor()
	v.setVariant("v7", 0)
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, models.StockSoldOut, repo.orders[0].Stock.Status)
	// content unchanged: checkedAt kept, no history row
	require.Equal(t, c.now().Add(-time.Hour), repo.orders[0].Stock.CheckedAt)
	require.Empty(t, repo.historyFor("o1"))
}

func TestCycle_VariantThenSkuBatchResolvesAll(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{
		wcpOrder("o1", "WCP-1", &models.StockSnapshot{SKU: "WCP-1", VariantID: "v1", Status: models.StockInStock, InStockQty: models.Ptr(3)}),
		wcpOrder("o2", "wcp-2", &models.StockSnapshot{SKU: "WCP-2", VariantID: "v2", Status: models.StockInStock, InStockQty: models.Ptr(1)}),
		wcpOrder("o3", "WCP-3", nil),
	}}
	v := newFakeVendor()
	v.setVariant("v1", 3)
	v.setVariant("v2", 8)
	v.details["WCP-3"] = supplier.ProductDetail{SKU: "WCP-3", VariantID: "v3", Status: "in_stock", Label: "In Stock", InStockQty: models.Ptr(12)}
	idx := &memIndex{data: map[string]string{}}
	e := New(repo, v, zap.NewNop()).WithClock(c.now).WithVariantIndex(idx)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, v.variantReq, 1)
	require.ElementsMatch(t, []string{"v1", "v2"}, v.variantReq[0])
	require.Equal(t, [][]string{{"WCP-3"}}, v.skuReq)
	require.Empty(t, v.lookupReq)

	var resolved int
	for _, o := range repo.orders {
		require.NotNil(t, o.Stock)
		require.Empty(t, o.Stock.Error)
		resolved++
	}
	require.Equal(t, 3, resolved)
	require.Equal(t, 8, *repo.orders[1].Stock.InStockQty)
	require.Equal(t, "v3", idx.data["WCP-3"])
	require.Equal(t, int64(3), e.Stats().LastSkuCount)
}

func TestCycle_SingleLookupFailureKeepsFallback(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{wcpOrder("o1", "WCP-9", nil)}}
	v := newFakeVendor()
	v.lookupErr["WCP-9"] = syncerr.Transient("wcp", "lookup", errors.New("http 502"))
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	res := e.RefreshAllNow(context.Background())
	require.Contains(t, res.LastError, "http 502")
	require.Equal(t, 1, res.OrderCount)

	stock := repo.orders[0].Stock
	require.Equal(t, models.StockUnknown, stock.Status)
	require.Contains(t, stock.Error, "http 502")

	// failed SKU waits max(interval, 10m) before the next attempt
	c.advance(29 * time.Minute)
	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, v.lookupReq, 1)

	c.advance(2 * time.Minute)
	_, err = e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, v.lookupReq, 2)
}

func TestCycle_UnchangedPayloadIsIdempotent(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{wcpOrder("o1", "WCP-5", nil)}}
	v := newFakeVendor()
	v.details["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", VariantID: "v5", Status: "in_stock", InStockQty: models.Ptr(4)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	first := *repo.orders[0].Stock
	require.Len(t, repo.historyFor("o1"), 1)

	c.advance(31 * time.Minute)
	_, err = e.RunCycle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, repo.historyFor("o1"), 1)
	require.Equal(t, first.CheckedAt, repo.orders[0].Stock.CheckedAt)
	require.Equal(t, first.Status, repo.orders[0].Stock.Status)
	require.Equal(t, 1, repo.updates)
}

func TestCycle_ForcedAlwaysWritesHistory(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{wcpOrder("o1", "WCP-5", nil)}}
	v := newFakeVendor()
	v.details["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", Status: "in_stock", InStockQty: models.Ptr(4)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	e.RefreshAllNow(context.Background())
	c.advance(time.Minute)
	e.RefreshAllNow(context.Background())

	hist := repo.historyFor("o1")
	require.Len(t, hist, 2)
	require.Equal(t, c.now(), repo.orders[0].Stock.CheckedAt)
	require.Len(t, v.skuReq, 2)
}

func TestCycle_SkuTTLSharesLookupsAcrossOrders(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{
		wcpOrder("o1", "WCP-5", nil),
		wcpOrder("o2", "WCP-5", nil),
	}}
	v := newFakeVendor()
	v.details["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", Status: "backordered", InStockQty: models.Ptr(0)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	c.advance(10 * time.Minute)
	_, err = e.RunCycle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, v.skuReq, 1)
	require.Equal(t, []string{"WCP-5"}, v.skuReq[0])
	require.Equal(t, models.StockBackordered, repo.orders[1].Stock.Status)
}

func TestCycle_InactiveOrdersAreEvictedFromMemory(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{
		wcpOrder("o1", "WCP-5", nil),
		{ID: "o2", Status: models.OrderStatusRequested, Vendor: "Acme", VendorPartNumber: "AC-1"},
	}}
	v := newFakeVendor()
	v.details["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", Status: "in_stock", InStockQty: models.Ptr(1)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, repo.orders[1].Stock)

	view := e.ApplySnapshots([]*models.Order{wcpOrder("o1", "WCP-5", nil)})
	require.NotNil(t, view[0].Stock)

	repo.mu.Lock()
	repo.orders[0].Status = "Received"
	repo.mu.Unlock()
	_, err = e.RunCycle(context.Background(), false)
	require.NoError(t, err)

	view = e.ApplySnapshots([]*models.Order{wcpOrder("o1", "WCP-5", nil)})
	require.Nil(t, view[0].Stock)
	require.Zero(t, e.Stats().CachedOrders)
	// persisted copy is retained
	require.NotNil(t, repo.orders[0].Stock)
}

func TestCycle_PersistenceFailureIsRecorded(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{wcpOrder("o1", "WCP-5", nil)}, failUpdate: true}
	v := newFakeVendor()
	v.details["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", Status: "in_stock", InStockQty: models.Ptr(1)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	res := e.RefreshAllNow(context.Background())
	require.False(t, res.Skipped)
	require.Contains(t, res.LastError, string(syncerr.PersistenceWriteFailure))
	// history is still appended after the snapshot write failed
	require.Len(t, repo.historyFor("o1"), 1)
}

func TestCycle_BatchFailureFallsBackToSingleLookups(t *testing.T) {
	c := start()
	repo := &memRepo{orders: []*models.Order{wcpOrder("o1", "WCP-5", nil)}}
	v := newFakeVendor()
	v.batchErr = syncerr.Auth("wcp", "/api/stock/skus", errors.New("http 403"))
	v.lookups["WCP-5"] = supplier.ProductDetail{SKU: "WCP-5", InStockQty: models.Ptr(2)}
	e := New(repo, v, zap.NewNop()).WithClock(c.now)

	_, err := e.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"WCP-5"}, v.lookupReq)
	require.Equal(t, models.StockInStock, repo.orders[0].Stock.Status)
	require.Equal(t, "inferred", repo.orders[0].Stock.StatusSource)
}
