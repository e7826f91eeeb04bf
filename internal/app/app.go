// Package app wires the store, command module, replication and transports
// together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/host"
	"github.com/i-melnichenko/secure-storage/internal/kv"
	"github.com/i-melnichenko/secure-storage/internal/observability/metrics"
	"github.com/i-melnichenko/secure-storage/internal/replication"
	replgrpc "github.com/i-melnichenko/secure-storage/internal/transport/grpc/replication"
)

const tracerName = "github.com/i-melnichenko/secure-storage"

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App is a runnable secure storage node.
type App struct {
	config  Config
	logger  Logger
	started time.Time

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	store      *kv.Store
	backlog    *replication.Backlog
	nats       *replication.NATSSink
	dispatcher *host.Dispatcher
	resp       *host.Server
	replServer *replgrpc.Server

	// Replica only.
	primary *replgrpc.Client
	replica *replication.Replica
}

// New builds every component of a node from cfg. reg receives and serves the
// application metrics; nil means the default registry.
func New(cfg Config, logger Logger, reg *prometheus.Registry) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	m, err := metrics.NewPrometheus(registerer, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	tracer := otel.Tracer(tracerName)

	a := &App{
		config:     cfg,
		logger:     logger,
		started:    time.Now(),
		registerer: registerer,
		gatherer:   gatherer,
		store:      kv.NewStore(tracer),
	}

	var sinks []replication.Sink
	switch {
	case cfg.NATSURL == "":
	case cfg.Role != RolePrimary:
		// Replicas re-append the primary's entries; only the primary publishes.
		logger.Warn("nats publishing disabled on replica", "nats_url", cfg.NATSURL)
	default:
		a.nats, err = replication.DialNATSSink(cfg.NATSURL, cfg.NATSSubject, cfg.NodeID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a.nats)
	}
	a.backlog = replication.NewBacklog(cfg.BacklogSize, logger, m, sinks...)

	secure := command.NewSecure(a.store, a.backlog, logger, tracer, m)
	a.dispatcher, err = host.NewDispatcher(host.Options{
		ReadOnly: cfg.Role == RoleReplica,
		Sections: a.infoSections(),
		Logger:   logger,
		Metrics:  m,
	}, secure.Module())
	if err != nil {
		a.close()
		return nil, err
	}
	a.resp = host.NewServer(a.dispatcher, cfg.MaxClients, logger, m)
	a.replServer = replgrpc.NewServer(a.backlog, a.store.Snapshot, a, tracer, logger)

	if cfg.Role == RoleReplica {
		a.primary, err = replgrpc.Dial(cfg.PrimaryAddr, cfg.NodeID, tracer,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			a.close()
			return nil, err
		}
		a.replica = replication.NewReplica(a.primary, a.store, a.dispatcher, a.backlog, logger)
	}
	return a, nil
}

// Run starts the RESP host, the replication gRPC server, the optional
// metrics and pprof endpoints and, on replicas, the follow loop. It blocks
// until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	respLis, err := net.Listen("tcp", a.config.RESPAddr)
	if err != nil {
		return fmt.Errorf("listen resp %s: %w", a.config.RESPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", a.config.ReplicationGRPCAddr)
	if err != nil {
		_ = respLis.Close()
		return fmt.Errorf("listen grpc %s: %w", a.config.ReplicationGRPCAddr, err)
	}
	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		_ = respLis.Close()
		_ = grpcLis.Close()
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		_ = respLis.Close()
		_ = grpcLis.Close()
		if metricsLis != nil {
			_ = metricsLis.Close()
		}
		return err
	}

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"role", a.config.Role,
		"resp_addr", respLis.Addr().String(),
		"grpc_addr", grpcLis.Addr().String(),
		"primary_addr", a.config.PrimaryAddr,
	)

	return a.serve(ctx, respLis, grpcLis, metricsSrv, metricsLis, pprofSrv, pprofLis)
}

func (a *App) serve(
	ctx context.Context,
	respLis, grpcLis net.Listener,
	metricsSrv *http.Server, metricsLis net.Listener,
	pprofSrv *http.Server, pprofLis net.Listener,
) error {
	grpcServer := grpc.NewServer(replgrpc.ServerOptions()...)
	replgrpc.RegisterReplicationServiceServer(grpcServer, a.replServer)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.resp.Serve(gctx, respLis); err != nil {
			return fmt.Errorf("resp serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if a.replica != nil {
		g.Go(func() error {
			if err := a.replica.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("replica loop: %w", err)
			}
			return nil
		})
	}
	if metricsSrv != nil {
		g.Go(func() error {
			a.logger.Info("metrics server started", "addr", metricsLis.Addr().String())
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}
	if pprofSrv != nil {
		g.Go(func() error {
			a.logger.Info("pprof server started", "addr", pprofLis.Addr().String())
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopGRPCServer(grpcServer, 5*time.Second)
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return nil
	})

	err := g.Wait()
	a.logger.Info("node stopped", "node_id", a.config.NodeID)
	return err
}

// stopGRPCServer drains the server, then forces it closed after timeout.
// Sync streams only end when their replica disconnects.
func stopGRPCServer(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
		<-done
	}
}

func (a *App) close() {
	if a.primary != nil {
		_ = a.primary.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
}
