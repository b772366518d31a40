// Package app contains the application setup for the order service.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/farmorders/internal/config"
	"github.com/abgdnv/farmorders/internal/datekey"
	"github.com/abgdnv/farmorders/internal/service"
	"github.com/abgdnv/farmorders/internal/store"
	"github.com/abgdnv/farmorders/internal/transport/rest"
	"github.com/abgdnv/farmorders/internal/window"
	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/abgdnv/farmorders/pkg/server"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Dependencies struct {
	OrderService service.OrderService
	Tree         *store.ResilientTree
	Codec        datekey.Codec
	Registry     *prometheus.Registry
	Logger       *slog.Logger
}

// SetupDependencies wires the order service on top of tree. The tree is wrapped in the
// store circuit breaker; publisher may be nil when no event bus is configured.
func SetupDependencies(cfg *config.Config, tree store.Tree, publisher messaging.Publisher, registry *prometheus.Registry, logger *slog.Logger, opts ...service.Option) (*Dependencies, error) {
	loc, err := cfg.Market.Location()
	if err != nil {
		return nil, err
	}
	codec := datekey.NewCodec(loc)
	policy := window.NewPolicy(codec, cfg.Market.Window())

	resilient := store.NewResilientTree(tree, cfg.Resilience.CircuitBreaker)
	orders := store.NewTreeOrderStore(resilient)

	opts = append([]service.Option{
		service.WithStrictMerge(cfg.Market.StrictMerge),
		service.WithIndexRetry(cfg.Resilience.Retry),
	}, opts...)
	svc := service.NewService(orders, resilient, policy, publisher, logger, opts...)

	return &Dependencies{
		OrderService: svc,
		Tree:         resilient,
		Codec:        codec,
		Registry:     registry,
		Logger:       logger,
	}, nil
}

// SetupHttpHandler builds the router with the REST API, /healthz and /metrics.
// Used by E2E tests to set up the HTTP server with the necessary routes and middleware.
func SetupHttpHandler(deps *Dependencies, auth func(http.Handler) http.Handler) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps, auth)
	return mux
}

func wireRoutes(mux *chi.Mux, deps *Dependencies, auth func(http.Handler) http.Handler) {
	orderHandler := rest.NewHandler(deps.OrderService, deps.Codec, deps.Logger)
	orderHandler.RegisterRoutes(mux, auth)
	if deps.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}))
	}
}

// SetupHttpServer creates and configures an HTTP server for the order service.
func SetupHttpServer(deps *Dependencies, cfg *config.Config, serviceName string, auth func(http.Handler) http.Handler) *http.Server {
	return server.NewHTTPServer(cfg.HTTPServer, serviceName, SetupHttpHandler(deps, auth))
}

// ReportStoreHealth mirrors the store breaker into the gRPC health service until ctx is done.
// An open breaker reports NOT_SERVING.
func ReportStoreHealth(ctx context.Context, tree *store.ResilientTree, healthServer *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if tree.State() == gobreaker.StateOpen {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			healthServer.SetServingStatus("", status)
			last = status
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
