package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	pb "github.com/ogozo/proto-definitions/gen/go/product"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ogozo/service-order/internal/breaker"
	"github.com/ogozo/service-order/internal/broker"
	"github.com/ogozo/service-order/internal/catalog"
	"github.com/ogozo/service-order/internal/config"
	"github.com/ogozo/service-order/internal/logging"
	"github.com/ogozo/service-order/internal/metrics"
	"github.com/ogozo/service-order/internal/observability"
	"github.com/ogozo/service-order/internal/order"
	"github.com/ogozo/service-order/internal/payment"
	"github.com/ogozo/service-order/internal/reconcile"
	"github.com/ogozo/service-order/internal/stock"
)

func main() {
	var cfg config.OrderConfig
	config.LoadConfig(&cfg)

	cleanup := logging.Init(cfg.OtelServiceName)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.SetupTracer(ctx, cfg.OtelServiceName, cfg.OtelExporterEndpoint)
	if err != nil {
		logging.Fatal(ctx, "failed to set up tracer", err)
	}
	defer shutdownTracer(context.Background())

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "invalid database url", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logging.Fatal(ctx, "unable to connect to database", err)
	}
	defer dbpool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logging.Fatal(ctx, "invalid redis url", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logging.Fatal(ctx, "failed to instrument redis", err)
	}

	reg := metrics.NewRegistry()

	b, err := broker.NewBroker(ctx, cfg.RabbitMQURL, cfg.ConsumerMaxRetries, reg)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to broker", err)
	}
	defer b.Close()

	catalogConn, err := grpc.NewClient(cfg.CatalogGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		logging.Fatal(ctx, "failed to dial catalog service", err)
	}
	defer catalogConn.Close()

	catalogClient := catalog.NewClient(pb.NewProductServiceClient(catalogConn), rdb, cfg.PriceCacheTTL, breaker.Settings{
		CallTimeout:  cfg.BreakerCallTimeout,
		WindowSize:   cfg.BreakerWindowSize,
		MinCalls:     cfg.BreakerMinCalls,
		FailureRatio: cfg.BreakerFailureRatio,
		ResetTimeout: cfg.BreakerResetTimeout,
		OnStateChange: func(from, to breaker.State) {
			reg.BreakerState.Set(float64(to))
		},
	})

	paymentClient := payment.NewClient(cfg.PaymentTimeout, cfg.PaymentDeclineOver)

	orderRepo := order.NewRepository(dbpool)
	orderService := order.NewService(orderRepo, b, catalogClient, paymentClient, reg, cfg.StockResultTimeout)

	stockRepo := stock.NewRepository(dbpool)
	stockMarker := stock.NewRedisMarker(rdb, cfg.StockMarkerTTL)
	stockService := stock.NewService(stockRepo, stockMarker, b, reg)

	if err := b.StartOrderCreatedConsumer(stockService.HandleOrderCreated); err != nil {
		logging.Fatal(ctx, "failed to start OrderCreated consumer", err)
	}
	if err := b.StartOrderCancelledConsumer(stockService.HandleOrderCancelled); err != nil {
		logging.Fatal(ctx, "failed to start OrderCancelled consumer", err)
	}
	if err := b.StartStockResultConsumer(orderService.HandleStockResult); err != nil {
		logging.Fatal(ctx, "failed to start StockUpdateResult consumer", err)
	}

	reconciler := reconcile.New(orderRepo, b, reg, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsPort, Handler: reg.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "metrics server stopped", err)
		}
	}()

	handler := order.NewHandler(orderService)
	srv := &http.Server{Addr: cfg.HTTPPort, Handler: order.NewRouter(handler)}
	go func() {
		logging.Info(ctx, "order HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "http server failed", err)
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")
	shutdownCtx := context.Background()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
