package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BearBump/PartSync/config"
	"github.com/BearBump/PartSync/internal/broker/kafka"
	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/BearBump/PartSync/internal/cache/rediscache"
	"github.com/BearBump/PartSync/internal/integrations/carrier"
	"github.com/BearBump/PartSync/internal/integrations/carrier/fake"
	"github.com/BearBump/PartSync/internal/integrations/carrier/fedex"
	"github.com/BearBump/PartSync/internal/integrations/carrier/ups"
	"github.com/BearBump/PartSync/internal/integrations/carrier/usps"
	"github.com/BearBump/PartSync/internal/integrations/supplier"
	"github.com/BearBump/PartSync/internal/integrations/supplier/wcp"
	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/services/stocksync"
	"github.com/BearBump/PartSync/internal/services/tracksync"
	"github.com/BearBump/PartSync/internal/storage/pgsync"
	"go.uber.org/zap"
)

const defaultVendorBaseURL = "https://wcproducts.com"

// syncStorage is everything the worker needs from PostgreSQL.
type syncStorage interface {
	tracksync.Repository
	stocksync.Repository
	Ping(ctx context.Context) error
	ListStockHistory(ctx context.Context, orderID string, limit int) ([]models.StockHistoryEntry, error)
}

type eventProducer interface {
	tracksync.Producer
	Close() error
}

type commandConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage      func(cfg *config.Config) (repo syncStorage, closeFn func(), err error)
	newProducer     func(cfg *config.Config) eventProducer
	newConsumer     func(cfg *config.Config) commandConsumer
	newRateLimiter  func(cfg *config.Config) tracksync.RateLimiter
	newVariantIndex func(cfg *config.Config) stocksync.VariantIndex
	newCarriers     func(cfg *config.Config) *carrier.Router
	newVendor       func(cfg *config.Config) supplier.Client
}

func kafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (syncStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := openPostgresWithRetry(connString, 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) eventProducer {
			return kafka.NewProducer(kafkaBrokers(cfg))
		},
		newConsumer: func(cfg *config.Config) commandConsumer {
			group := cfg.Kafka.CommandConsumerGroup
			if group == "" {
				group = "sync-worker"
			}
			return kafka.NewConsumer(kafkaBrokers(cfg), commandsTopic(cfg), group)
		},
		newRateLimiter: func(cfg *config.Config) tracksync.RateLimiter {
			return rediscache.NewProviderLimiter(redisAddr(cfg), map[string]int64{
				string(models.CarrierUPS):   int64(cfg.Sync.RateLimitUPSPerMinute),
				string(models.CarrierFedEx): int64(cfg.Sync.RateLimitFedExPerMinute),
				string(models.CarrierUSPS):  int64(cfg.Sync.RateLimitUSPSPerMinute),
			})
		},
		newVariantIndex: func(cfg *config.Config) stocksync.VariantIndex {
			return rediscache.New(redisAddr(cfg))
		},
		newCarriers: func(cfg *config.Config) *carrier.Router {
			// Для демо: детерминированные ответы без реальных ключей.
			if cfg.Sync.FakeCarriers {
				return &carrier.Router{
					UPS:   fake.New(models.CarrierUPS),
					FedEx: fake.New(models.CarrierFedEx),
					USPS:  fake.New(models.CarrierUSPS),
				}
			}
			return &carrier.Router{
				UPS:   ups.New(cfg.Sync.UPSBaseURL),
				FedEx: fedex.New(cfg.Sync.FedExBaseURL),
				USPS:  usps.New(cfg.Sync.USPSBaseURL),
			}
		},
		newVendor: func(cfg *config.Config) supplier.Client {
			baseURL := cfg.Sync.VendorBaseURL
			if baseURL == "" {
				baseURL = defaultVendorBaseURL
			}
			return wcp.New(baseURL).WithSettings(cfg.Sync.VendorChunkSize, cfg.Sync.VendorQPS)
		},
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgsync.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgsync.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

func changesTopic(cfg *config.Config) string {
	if cfg.Kafka.ChangesTopicName == "" {
		return "partsync.changes"
	}
	return cfg.Kafka.ChangesTopicName
}

func commandsTopic(cfg *config.Config) string {
	if cfg.Kafka.CommandsTopicName == "" {
		return "partsync.commands"
	}
	return cfg.Kafka.CommandsTopicName
}

type engines struct {
	tracking *tracksync.Engine
	stock    *stocksync.Engine
}

func buildEngines(cfg *config.Config, f workerFactories, repo syncStorage, producer eventProducer, logger *zap.Logger) engines {
	batchSize := cfg.Sync.TrackingBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	trackConcurrency := cfg.Sync.TrackingConcurrency
	if trackConcurrency <= 0 {
		trackConcurrency = 4
	}
	stockConcurrency := cfg.Sync.StockConcurrency
	if stockConcurrency <= 0 {
		stockConcurrency = 4
	}
	topic := changesTopic(cfg)

	tr := tracksync.New(repo, f.newCarriers(cfg), logger).
		WithSettings(batchSize, trackConcurrency).
		WithProducer(producer, topic)
	if rl := f.newRateLimiter(cfg); rl != nil {
		tr = tr.WithRateLimiter(rl)
	}

	st := stocksync.New(repo, f.newVendor(cfg), logger).
		WithConcurrency(stockConcurrency).
		WithProducer(producer, topic)
	if idx := f.newVariantIndex(cfg); idx != nil {
		st = st.WithVariantIndex(idx)
	}
	return engines{tracking: tr, stock: st}
}

// handleCommand runs a forced refresh for the requested domain; an empty domain refreshes both.
func handleCommand(ctx context.Context, e engines, logger *zap.Logger, value []byte) error {
	var cmd messages.RefreshRequested
	if err := json.Unmarshal(value, &cmd); err != nil {
		// битое сообщение пропускаем, иначе консьюмер встанет на нём навсегда
		logger.Warn("skip malformed refresh command", zap.Error(err))
		return nil
	}
	log := logger.With(zap.String("domain", cmd.Domain), zap.String("requested_by", cmd.RequestedBy))
	switch cmd.Domain {
	case messages.DomainTracking:
		log.Info("tracking refresh requested", zap.String("last_error", e.tracking.RefreshAllNow(ctx).LastError))
	case messages.DomainStock:
		log.Info("stock refresh requested", zap.String("last_error", e.stock.RefreshAllNow(ctx).LastError))
	case "":
		tr := e.tracking.RefreshAllNow(ctx)
		st := e.stock.RefreshAllNow(ctx)
		log.Info("full refresh requested", zap.String("tracking_last_error", tr.LastError), zap.String("stock_last_error", st.LastError))
	default:
		log.Warn("unknown refresh domain")
	}
	return nil
}

type workerOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)
}

func RunSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerOpts, logger *zap.Logger) error {
	if opts.httpAddr == "" {
		opts.httpAddr = cfg.Sync.HTTPAddr
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	defer func() { _ = producer.Close() }()

	e := buildEngines(cfg, f, repo, producer, logger)

	go e.tracking.Init(ctx)
	go e.stock.Init(ctx)

	consumer := f.newConsumer(cfg)
	if consumer != nil {
		defer func() { _ = consumer.Close() }()
		go func() {
			logger.Info("kafka command consumer started", zap.String("topic", commandsTopic(cfg)))
			err := consumer.Consume(ctx, func(_ []byte, value []byte) error {
				return handleCommand(ctx, e, logger, value)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("kafka command consumer stopped", zap.Error(err))
			}
		}()
	}

	err = runSyncHTTPServer(ctx, syncHTTPOpts{
		httpAddr:    opts.httpAddr,
		swaggerPath: opts.swaggerPath,
		onListen:    opts.onListen,
		engines:     e,
		repo:        repo,
		logger:      logger,
	})

	// таймеры гасим сразу, текущие вызовы провайдеров даём доработать
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := e.tracking.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("tracking shutdown", zap.Error(serr))
	}
	if serr := e.stock.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("stock shutdown", zap.Error(serr))
	}
	return err
}
