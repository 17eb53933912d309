// ============================================================================
// Market-Collector Health Server - gRPC 健康檢查
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以標準 grpc.health.v1.Health 服務反映收集器狀態
//
// Service 對應:
//   ""                  → leader lock 持有中為 SERVING，否則 NOT_SERVING
//   "<exchange>/<topic>" → status 項目 OK/WARN 為 SERVING，CRIT 為 NOT_SERVING
//
// 狀態來源是記憶體中的 status.Writer，由 Run 週期性同步；
// 外部探針（k8s grpc probe、grpc_health_probe）可直接使用。
//
// ============================================================================

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/market-collector/pkg/types"
)

// DefaultSyncInterval is how often Run copies status into the health service.
const DefaultSyncInterval = time.Second

// StatusSource provides the current status items.
type StatusSource interface {
	Items() []types.StatusItem
}

// LeaderSource reports leader ownership.
type LeaderSource interface {
	IsOwned() bool
}

// Server implements grpc.health.v1.Health over the collector status.
type Server struct {
	health *health.Server
	status StatusSource
	leader LeaderSource
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates a health server. leader may be nil, in which case the
// overall service is SERVING.
func NewServer(src StatusSource, leader LeaderSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		health: health.NewServer(),
		status: src,
		leader: leader,
		logger: logger.With("component", "health"),
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// ServiceName returns the health service name for an item.
func ServiceName(exchange, topic string) string {
	return exchange + "/" + topic
}

// ServingStatus maps a status level to a health status.
func ServingStatus(level types.StatusLevel) healthpb.HealthCheckResponse_ServingStatus {
	if level == types.StatusCrit {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Register attaches the health service to g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

func (s *Server) set(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.last[service]; ok && prev == st {
		return
	}
	s.last[service] = st
	s.health.SetServingStatus(service, st)
	s.logger.Debug("health status changed", "service", service, "status", st.String())
}

// Sync copies the current status and leader state into the health service.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	if s.leader != nil && !s.leader.IsOwned() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set("", overall)

	if s.status == nil {
		return
	}
	for _, it := range s.status.Items() {
		s.set(ServiceName(it.Exchange, it.Topic), ServingStatus(it.Status))
	}
}

// Run calls Sync every interval until ctx is done, then marks all services
// NOT_SERVING.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s.Sync()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.Sync()
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Shutdown()
	for k := range s.last {
		s.last[k] = healthpb.HealthCheckResponse_NOT_SERVING
	}
}
