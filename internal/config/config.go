package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type OrderConfig struct {
	HTTPPort             string        `mapstructure:"HTTP_PORT"`
	MetricsPort          string        `mapstructure:"METRICS_PORT"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string        `mapstructure:"RABBITMQ_URL"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	CatalogGRPCAddr      string        `mapstructure:"CATALOG_GRPC_ADDR"`
	OtelExporterEndpoint string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName      string        `mapstructure:"OTEL_SERVICE_NAME"`
	PaymentTimeout       time.Duration `mapstructure:"PAYMENT_TIMEOUT"`
	PaymentDeclineOver   float64       `mapstructure:"PAYMENT_DECLINE_OVER"`
	StockResultTimeout   time.Duration `mapstructure:"STOCK_RESULT_TIMEOUT"`
	BreakerCallTimeout   time.Duration `mapstructure:"BREAKER_CALL_TIMEOUT"`
	BreakerWindowSize    int           `mapstructure:"BREAKER_WINDOW_SIZE"`
	BreakerMinCalls      int           `mapstructure:"BREAKER_MIN_CALLS"`
	BreakerFailureRatio  float64       `mapstructure:"BREAKER_FAILURE_RATIO"`
	BreakerResetTimeout  time.Duration `mapstructure:"BREAKER_RESET_TIMEOUT"`
	ConsumerMaxRetries   int           `mapstructure:"CONSUMER_MAX_RETRIES"`
	PriceCacheTTL        time.Duration `mapstructure:"PRICE_CACHE_TTL"`
	StockMarkerTTL       time.Duration `mapstructure:"STOCK_MARKER_TTL"`
	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
}

func LoadConfig(cfg any) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		envKey := field.Tag.Get("mapstructure")
		if envKey == "" {
			continue
		}

		err := viper.BindEnv(envKey)
		if err != nil {
			tempLogger, _ := zap.NewProduction()
			defer tempLogger.Sync()
			tempLogger.Fatal("Failed to bind env var", zap.String("key", envKey), zap.Error(err))
		}
	}

	err := viper.Unmarshal(cfg)
	if err != nil {
		tempLogger, _ := zap.NewProduction()
		defer tempLogger.Sync()
		tempLogger.Fatal("Unable to decode config into struct", zap.Error(err))
	}
}

func setDefaults() {
	viper.SetDefault("HTTP_PORT", ":8084")
	viper.SetDefault("METRICS_PORT", ":9094")
	viper.SetDefault("OTEL_SERVICE_NAME", "service-order")
	viper.SetDefault("PAYMENT_TIMEOUT", "5s")
	viper.SetDefault("STOCK_RESULT_TIMEOUT", "10s")
	viper.SetDefault("BREAKER_CALL_TIMEOUT", "2s")
	viper.SetDefault("BREAKER_WINDOW_SIZE", 20)
	viper.SetDefault("BREAKER_MIN_CALLS", 5)
	viper.SetDefault("BREAKER_FAILURE_RATIO", 0.5)
	viper.SetDefault("BREAKER_RESET_TIMEOUT", "30s")
	viper.SetDefault("CONSUMER_MAX_RETRIES", 3)
	viper.SetDefault("PRICE_CACHE_TTL", "10m")
	viper.SetDefault("STOCK_MARKER_TTL", "24h")
	viper.SetDefault("RECONCILE_INTERVAL", "1m")
}
