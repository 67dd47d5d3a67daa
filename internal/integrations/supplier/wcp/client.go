package wcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/PartSync/internal/integrations/supplier"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	provider         = "wcp"
	DefaultChunkSize = 50
	DefaultQPS       = 5
)

type Client struct {
	baseURL   string
	httpc     *http.Client
	chunkSize int
	limiter   *rate.Limiter
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpc:     &http.Client{Timeout: 20 * time.Second},
		chunkSize: DefaultChunkSize,
		limiter:   rate.NewLimiter(rate.Limit(DefaultQPS), 1),
	}
}

// WithSettings overrides chunk size and request rate; non-positive values keep defaults.
func (c *Client) WithSettings(chunkSize int, qps float64) *Client {
	if chunkSize > 0 {
		c.chunkSize = chunkSize
	}
	if qps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	return c
}

type stockDTO struct {
	Status         string `json:"status"`
	Label          string `json:"label"`
	InStockQty     *int   `json:"inStockQty"`
	StatusSource   string `json:"statusSource"`
	QuantitySource string `json:"quantitySource"`
}

type productDTO struct {
	SKU       string    `json:"sku"`
	VariantID string    `json:"variantId"`
	Stock     *stockDTO `json:"stock"`
	Meta      *struct {
		StockStatus     string `json:"stockStatus"`
		StockLabel      string `json:"stockLabel"`
		StockInStockQty *int   `json:"stockInStockQty"`
	} `json:"meta"`
}

func (p productDTO) detail() supplier.ProductDetail {
	d := supplier.ProductDetail{
		SKU:       models.NormalizeSKU(p.SKU),
		VariantID: p.VariantID,
	}
	if p.Stock != nil {
		d.Status = p.Stock.Status
		d.Label = p.Stock.Label
		d.InStockQty = p.Stock.InStockQty
		d.StatusSource = p.Stock.StatusSource
		d.QuantitySource = p.Stock.QuantitySource
	}
	if p.Meta != nil {
		if d.Status == "" {
			d.Status = p.Meta.StockStatus
		}
		if d.Label == "" {
			d.Label = p.Meta.StockLabel
		}
		if d.InStockQty == nil {
			d.InStockQty = p.Meta.StockInStockQty
		}
	}
	return d
}

func (c *Client) VariantQuantities(ctx context.Context, variantIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(variantIDs))
	for _, chunk := range supplier.Chunk(variantIDs, c.chunkSize) {
		var resp struct {
			Variants []struct {
				ID                string `json:"id"`
				InventoryQuantity *int   `json:"inventoryQuantity"`
			} `json:"variants"`
		}
		if err := c.post(ctx, "/api/stock/variants", map[string][]string{"variantIds": chunk}, &resp); err != nil {
			return out, err
		}
		for _, v := range resp.Variants {
			if v.ID == "" || v.InventoryQuantity == nil {
				continue
			}
			out[v.ID] = *v.InventoryQuantity
		}
	}
	return out, nil
}

func (c *Client) SkuDetails(ctx context.Context, skus []string) (map[string]supplier.ProductDetail, error) {
	out := make(map[string]supplier.ProductDetail, len(skus))
	for _, chunk := range supplier.Chunk(skus, c.chunkSize) {
		var resp struct {
			Products []productDTO `json:"products"`
		}
		if err := c.post(ctx, "/api/stock/skus", map[string][]string{"skus": chunk}, &resp); err != nil {
			return out, err
		}
		for _, p := range resp.Products {
			d := p.detail()
			if d.SKU == "" {
				continue
			}
			out[d.SKU] = d
		}
	}
	return out, nil
}

func (c *Client) LookupPart(ctx context.Context, sku string) (supplier.ProductDetail, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return supplier.ProductDetail{}, syncerr.Transient(provider, "lookup", errors.Wrap(err, "rate wait"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/parts/"+url.PathEscape(sku), nil)
	if err != nil {
		return supplier.ProductDetail{}, syncerr.Transient(provider, "lookup", errors.Wrap(err, "new request"))
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return supplier.ProductDetail{}, syncerr.Transient(provider, "lookup", errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return supplier.ProductDetail{}, syncerr.Transient(provider, "lookup", errors.Errorf("part %s not found", sku))
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return supplier.ProductDetail{}, syncerr.HTTPStatus(provider, "lookup", resp.StatusCode, string(b))
	}

	var p productDTO
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return supplier.ProductDetail{}, syncerr.Transient(provider, "lookup", errors.Wrap(err, "decode"))
	}
	d := p.detail()
	if d.SKU == "" {
		d.SKU = models.NormalizeSKU(sku)
	}
	return d, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(provider, path, errors.Wrap(err, "rate wait"))
	}
	b, err := json.Marshal(body)
	if err != nil {
		return syncerr.Transient(provider, path, errors.Wrap(err, "marshal"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return syncerr.Transient(provider, path, errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return syncerr.Transient(provider, path, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return syncerr.HTTPStatus(provider, path, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Transient(provider, path, errors.Wrap(err, "decode"))
	}
	return nil
}
