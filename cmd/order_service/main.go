package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/abgdnv/farmorders/internal/app"
	"github.com/abgdnv/farmorders/internal/config"
	"github.com/abgdnv/farmorders/internal/store"
	"github.com/abgdnv/farmorders/internal/subscriber"
	"github.com/abgdnv/farmorders/pkg/auth"
	"github.com/abgdnv/farmorders/pkg/bootstrap"
	"github.com/abgdnv/farmorders/pkg/config/configloader"
	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/abgdnv/farmorders/pkg/nats"
	"github.com/abgdnv/farmorders/pkg/server"
	"github.com/abgdnv/farmorders/pkg/telemetry"
	"github.com/abgdnv/farmorders/pkg/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "order_svc"

const storeHealthInterval = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

// run loads the configuration, wires the store, event bus and auth, then serves HTTP, gRPC health
// and pprof until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, cfgErr := configloader.Load[*config.Config](serviceName, config.Defaults())
	if cfgErr != nil {
		return fmt.Errorf("failed to load configuration: %w", cfgErr)
	}
	log.Printf("Configuration loaded: %v", cfg)

	logger := bootstrap.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(logger)

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Telemetry.Enabled {
		tracerProvider, err := telemetry.NewTracerProvider(ctx, serviceName, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to create tracer provider: %w", err)
		}
		g.Go(func() error {
			<-gCtx.Done()
			logger.Info("Shutting down tracer provider")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return tracerProvider.Shutdown(shutdownCtx)
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	meterProvider, err := telemetry.NewMeterProvider(serviceName, registry)
	if err != nil {
		return fmt.Errorf("failed to create meter provider: %w", err)
	}
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return meterProvider.Shutdown(shutdownCtx)
	})

	tree, closeTree, err := newTree(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTree()

	var publisher messaging.Publisher = messaging.NopPublisher{}
	if cfg.Nats.Enabled {
		natsConn, err := nats.NewClient(cfg.Nats.Url, cfg.Nats.Timeout)
		if err != nil {
			return err
		}
		defer natsConn.Close()
		js, err := nats.NewJetStreamContext(natsConn)
		if err != nil {
			return err
		}
		if _, err := nats.EnsureStream(ctx, js, cfg.Nats.Stream, messaging.OrdersSubjectPrefix+">"); err != nil {
			return err
		}
		publisher = nats.NewNatsPublisher(js)

		if cfg.Subscriber.Enabled {
			notifier := subscriber.LogNotifier{Logger: logger.With("component", "notifier")}
			g.Go(func() error {
				logger.Info("NATS subscriber started")
				err := subscriber.Start(gCtx, js, cfg.Nats.Stream, cfg.Subscriber, notifier, logger)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("subscriber failed: %w", err)
				}
				return nil
			})
		}
	}

	authMiddleware := web.HeaderAuth
	if cfg.IdP.Enabled {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.IdP)
		if err != nil {
			return err
		}
		authMiddleware = web.BearerAuth(verifier, logger)
	}

	deps, err := app.SetupDependencies(cfg, tree, publisher, registry, logger)
	if err != nil {
		return err
	}
	httpServer := app.SetupHttpServer(deps, cfg, serviceName, authMiddleware)
	grpcServer, grpcHealth := server.NewGRPCServer(cfg.Grpc.ReflectionEnabled)

	// Start the HTTP server
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Start the gRPC health server
	g.Go(func() error {
		grpcAddr := ":" + cfg.Grpc.Port
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		logger.Info("gRPC health server listening", slog.String("addr", grpcAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		app.ReportStoreHealth(gCtx, deps.Tree, grpcHealth, storeHealthInterval)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down gRPC server...")
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			grpcHealth.Shutdown()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-time.After(cfg.Shutdown.Timeout):
			logger.Warn("gRPC server graceful stop timed out. Forcing stop.")
			grpcServer.Stop()
			return fmt.Errorf("grpc server graceful stop timed out")
		}
	})

	// Start the pprof server if enabled
	if cfg.PProf.Enabled {
		pprofServer := &http.Server{
			Addr:              cfg.PProf.Addr,
			ReadHeaderTimeout: cfg.HTTPServer.Timeout.ReadHeader,
		}
		g.Go(func() error {
			logger.Info("Pprof server listening", slog.String("addr", pprofServer.Addr))
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("errgroup encountered an error: %w", err)
	}
	return nil
}

// newTree opens the configured store backend. The returned func releases it.
func newTree(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Tree, func(), error) {
	if cfg.Store.Backend != config.BackendPostgres {
		logger.Info("using in-memory store")
		return store.NewMemoryTree(), func() {}, nil
	}
	if err := bootstrap.Migrate(cfg.Database.URL, cfg.Database.Migrations, logger); err != nil {
		return nil, nil, err
	}
	dbPool, err := bootstrap.NewDbPool(ctx, cfg.Database.URL, cfg.Database.Timeout)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Successfully connected to the database!")
	return store.NewPgTree(dbPool, logger), dbPool.Close, nil
}
