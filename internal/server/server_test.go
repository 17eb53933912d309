package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/market-collector/pkg/types"
)

type fakeStatus struct {
	mu    sync.Mutex
	items []types.StatusItem
}

func (f *fakeStatus) Items() []types.StatusItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.StatusItem(nil), f.items...)
}

func (f *fakeStatus) set(items ...types.StatusItem) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

type fakeLeader struct{ owned bool }

func (f *fakeLeader) IsOwned() bool { return f.owned }

func item(topic string, level types.StatusLevel) types.StatusItem {
	return types.StatusItem{Exchange: "bitflyer", Topic: topic, Status: level, Source: "worker"}
}

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	s.Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(types.StatusOK))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(types.StatusWarn))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(types.StatusCrit))
}

func TestHealthReflectsStatusItems(t *testing.T) {
	src := &fakeStatus{}
	src.set(item("trades", types.StatusOK), item("board", types.StatusCrit))
	s := NewServer(src, &fakeLeader{owned: true}, nil)
	s.Sync()

	c := dial(t, s)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, "bitflyer/trades"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, "bitflyer/board"))

	// board recovers
	src.set(item("trades", types.StatusWarn), item("board", types.StatusOK))
	s.Sync()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, "bitflyer/board"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, "bitflyer/trades"))

	_, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "bitflyer/ticker"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthFollowsLeaderOwnership(t *testing.T) {
	ld := &fakeLeader{owned: false}
	s := NewServer(&fakeStatus{}, ld, nil)
	s.Sync()
	c := dial(t, s)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))

	ld.owned = true
	s.Sync()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	src := &fakeStatus{}
	src.set(item("trades", types.StatusOK))
	s := NewServer(src, nil, nil)
	c := dial(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 0)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "bitflyer/trades"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, "bitflyer/trades"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
}
