package config

import (
	"os"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sync     SyncConfig     `yaml:"sync"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ChangesTopicName     string `yaml:"changes_topic_name"`
	CommandsTopicName    string `yaml:"commands_topic_name"`
	CommandConsumerGroup string `yaml:"command_consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type SyncConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	TrackingBatchSize   int `yaml:"tracking_batch_size"`
	TrackingConcurrency int `yaml:"tracking_concurrency"`
	StockConcurrency    int `yaml:"stock_concurrency"`

	// Лимиты запросов к перевозчикам в минуту, общие для всех воркеров (redis).
	RateLimitUPSPerMinute   int `yaml:"rate_limit_ups_per_minute"`
	RateLimitFedExPerMinute int `yaml:"rate_limit_fedex_per_minute"`
	RateLimitUSPSPerMinute  int `yaml:"rate_limit_usps_per_minute"`

	UPSBaseURL   string `yaml:"ups_base_url"`
	FedExBaseURL string `yaml:"fedex_base_url"`
	USPSBaseURL  string `yaml:"usps_base_url"`

	VendorBaseURL   string  `yaml:"vendor_base_url"`
	VendorChunkSize int     `yaml:"vendor_chunk_size"`
	VendorQPS       float64 `yaml:"vendor_qps"`

	// FakeCarriers swaps real carrier adapters for deterministic ones (demo/local).
	FakeCarriers bool `yaml:"fake_carriers"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal YAML")
	}

	return &config, nil
}
