// Package health publishes gateway liveness over the standard gRPC health
// protocol. The overall service and the "database" service are reported.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceDatabase is the health service name of the data store.
const ServiceDatabase = "database"

const probeTimeout = 5 * time.Second

// Prober checks one dependency.
type Prober interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Checker probes the database periodically and mirrors the result into a
// gRPC health server.
type Checker struct {
	server   *health.Server
	prober   Prober
	interval time.Duration
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewChecker creates a Checker. Both services start NOT_SERVING until the
// first probe succeeds.
//
// Precondition: interval > 0; prober and logger must be non-nil.
func NewChecker(prober Prober, interval time.Duration, logger *zap.Logger) *Checker {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceDatabase, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Checker{
		server:   srv,
		prober:   prober,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Register installs the health service on s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Probe runs one database check and publishes the result. The overall
// status follows the database.
func (c *Checker) Probe(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := c.prober.Health(ctx, probeTimeout)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		c.logger.Warn("database health check failed", zap.Error(err))
	}
	c.server.SetServingStatus(ServiceDatabase, status)
	c.server.SetServingStatus("", status)
	return err
}

// Start probes immediately and then every interval until Stop.
func (c *Checker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	_ = c.Probe(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return nil
		case <-ticker.C:
			_ = c.Probe(ctx)
		}
	}
}

// Stop ends the probe loop and marks every service NOT_SERVING.
func (c *Checker) Stop(_ context.Context) {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.server.Shutdown()
	})
}
