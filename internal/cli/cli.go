// ============================================================================
// Market-Collector CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 命令列介面，組裝 storage / leader / worker 等元件
//
// Command Structure:
//   collector                      # Root command
//   ├── run                        # 啟動所有收集工作（pool + leader lock）
//   │   └── --stop-after           # 每個工作的週期上限（測試用）
//   ├── once                       # 每個工作只跑一個週期
//   ├── status                     # 印出 status.json
//   ├── leader                     # 印出 leader lock 紀錄
//   ├── probe                      # 檢查主要儲存並寫入 storage meta
//   ├── --config, -c               # 設定檔（預設 configs/collector.yaml）
//   └── --version
//
// run Command:
//   1. 載入設定（YAML + 環境變數）
//   2. 建立 storage router、audit sink、status writer
//   3. 寫入 storage meta 到 status.json
//   4. 啟動 /metrics HTTP 與 gRPC health（如有啟用）
//   5. Pool 取得 leader lock，啟動 heartbeat 與每個工作的 Worker
//   6. SIGINT / SIGTERM 時取消 context，Worker 結束後釋放 lock
//
//   Examples:
//     ./collector run
//     ./collector run -c /etc/collector.yaml
//
// Exit:
//   另一個程序持有 leader lock 時 run 返回 worker.ErrLeaderBusy。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/config"
	"github.com/ChuLiYu/market-collector/internal/exchange"
	"github.com/ChuLiYu/market-collector/internal/leader"
	"github.com/ChuLiYu/market-collector/internal/metrics"
	"github.com/ChuLiYu/market-collector/internal/rate"
	"github.com/ChuLiYu/market-collector/internal/server"
	"github.com/ChuLiYu/market-collector/internal/snapshot"
	"github.com/ChuLiYu/market-collector/internal/status"
	"github.com/ChuLiYu/market-collector/internal/storage"
	"github.com/ChuLiYu/market-collector/internal/tracing"
	"github.com/ChuLiYu/market-collector/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

const serviceName = "market-collector"

var configFile string

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "collector",
		Short: "Collector: a leader-locked market data collector",
		Long: `Collector polls exchange REST endpoints with:
- Storage fallback (primary NAS, secondary local disk)
- File-based leader lock
- Token bucket rate limiting
- status.json health document and JSONL snapshots`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildOnceCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLeaderCommand())
	rootCmd.AddCommand(buildProbeCommand())

	return rootCmd
}

// ============================================================================
// 共用組裝
// ============================================================================

// app 持有一次命令執行所需的元件
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	router   *storage.Router
	audit    audit.Sink
	dataRoot string
	status   *status.Writer
	registry *rate.Registry
	metrics  *metrics.Collector
	client   *exchange.Client
}

func newLogger(mode string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if mode == config.DefaultMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newApp 建立 router、audit、status 等共用元件
//
// 參數：
//   - cfg: 已驗證的設定
//   - logger: 日誌
//   - reg: metrics 註冊處；nil 表示不收集 metrics
func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	router, err := storage.NewRouter(storage.Config{
		LogsRoot:      cfg.Storage.LogsRoot,
		DataRoot:      cfg.Storage.DataRoot,
		SecondaryRoot: cfg.Storage.SecondaryRoot,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage router: %w", err)
	}

	sink := audit.Multi{
		audit.NewJSONL(router, cfg.Mode, logger),
		audit.NewLogger(logger),
	}

	dataRoot, err := router.CurrentRoot(storage.DomainData)
	if err != nil {
		return nil, err
	}

	st, err := status.NewWriter(dataRoot, status.Options{Root: dataRootOf(router), Audit: sink, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create status writer: %w", err)
	}

	var mc *metrics.Collector
	if reg != nil {
		mc = metrics.NewCollector(reg)
	}

	client := exchange.NewClient(exchange.ClientOptions{
		BaseURL:   cfg.Exchange.BaseURL,
		UserAgent: cfg.Exchange.UserAgent,
		Timeout:   cfg.Exchange.Timeout,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		router:   router,
		audit:    sink,
		dataRoot: dataRoot,
		status:   st,
		registry: rate.NewRegistry(rate.RealClock),
		metrics:  mc,
		client:   client,
	}, nil
}

// dataRootOf 每次寫入前重新解析 data root，主要儲存失效時改寫 secondary
func dataRootOf(router *storage.Router) func() (string, error) {
	return func() (string, error) {
		return router.CurrentRoot(storage.DomainData)
	}
}

func (a *app) newLock() (*leader.Lock, error) {
	return leader.New(a.dataRoot, leader.Options{
		Root:       dataRootOf(a.router),
		Name:       a.cfg.Leader.Name,
		StaleAfter: a.cfg.Leader.StaleAfter,
		Audit:      a.audit,
		Logger:     a.logger,
	})
}

// buildWorkers 為每個設定的工作建立 Worker；Worker 不自行持有 lock
func (a *app) buildWorkers() ([]*worker.Worker, error) {
	sink := snapshot.NewSink(a.router, snapshot.Options{UseLocalTime: a.cfg.Snapshot.UseLocalTime})

	workers := make([]*worker.Worker, 0, len(a.cfg.Jobs))
	for _, j := range a.cfg.Jobs {
		f, err := exchange.NewFetcher(a.client, j.Exchange, j.Topic, exchange.FetcherOptions{
			ProductCode: a.cfg.Exchange.ProductCode,
			Count:       j.Count,
			Depth:       j.Depth,
		})
		if err != nil {
			return nil, err
		}

		w, err := worker.New(worker.Config{
			Exchange:     j.Exchange,
			Topic:        j.Topic,
			RateName:     j.Rate.Name,
			Capacity:     j.Rate.Capacity,
			RefillPerSec: j.Rate.RefillPerSec,
			RateTimeout:  j.Rate.Timeout,
			Interval:     j.Interval,
			BaseBackoff:  j.Backoff.Base,
			MaxBackoff:   j.Backoff.Max,
			RenewEvery:   a.cfg.Leader.RenewEvery,
		}, worker.Deps{
			Fetcher:   f,
			Rate:      a.registry,
			Status:    a.status,
			Snapshots: sink,
			Audit:     a.audit,
			Metrics:   a.metrics,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("job %s/%s: %w", j.Exchange, j.Topic, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// publishStorage 將目前的 storage meta 寫入 status.json
func (a *app) publishStorage() (string, error) {
	a.status.SetStorage(a.router.Meta())
	return a.status.Flush()
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var stopAfter int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the collector for every configured job",
		Long:  "Acquire the leader lock and poll every configured (exchange, topic) job until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger(cfg.Mode, os.Stderr)
			return runCollector(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, stopAfter)
		},
	}

	cmd.Flags().IntVar(&stopAfter, "stop-after", 0, "stop each job after N cycles (0 = run until interrupted)")

	return cmd
}

// noLeader 在 leader lock 停用時讓 health 一律回報 SERVING
type noLeader struct{}

func (noLeader) IsOwned() bool { return true }

// runCollector 執行 run 命令的主流程
func runCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	reg prometheus.Registerer, gatherer prometheus.Gatherer, stopAfter int) error {

	a, err := newApp(cfg, logger, reg)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Exporter, serviceName, cfg.Mode, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if _, err := a.publishStorage(); err != nil {
		logger.Error("status flush failed", "error", err)
	}

	var lock *leader.Lock
	var owner server.LeaderSource = noLeader{}
	if cfg.Leader.IsEnabled() {
		lock, err = a.newLock()
		if err != nil {
			return err
		}
		owner = lock
	}

	pool := worker.NewPool(worker.PoolOptions{
		Lock:              lock,
		HeartbeatInterval: cfg.Leader.RenewEvery,
		Status:            a.status,
		Audit:             a.audit,
		Metrics:           a.metrics,
		Logger:            logger,
	})

	workers, err := a.buildWorkers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		if err := pool.Add(w); err != nil {
			return err
		}
	}

	// Start Metrics
	if cfg.Metrics.Enabled && gatherer != nil {
		srv := metrics.NewServer(cfg.Metrics.Port, gatherer)
		go func() {
			logger.Info("starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Start gRPC health
	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
		grpcServer := grpc.NewServer()
		health := server.NewServer(a.status, owner, logger)
		health.Register(grpcServer)

		healthCtx, cancel := context.WithCancel(ctx)
		go health.Run(healthCtx, server.DefaultSyncInterval)
		go func() {
			logger.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server failed", "error", err)
			}
		}()
		defer func() {
			cancel()
			grpcServer.GracefulStop()
		}()
	}

	logger.Info("collector started", "jobs", len(workers), "leader", cfg.Leader.IsEnabled())

	if err := pool.Run(ctx, stopAfter); err != nil {
		return err
	}

	logger.Info("collector stopped")
	return nil
}

// ============================================================================
// once
// ============================================================================

func buildOnceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run exactly one cycle per job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runOnce(cmd.Context(), cfg, newLogger(cfg.Mode, os.Stderr), cmd.OutOrStdout())
		},
	}
	return cmd
}

// runOnce 在持有 leader lock 的情況下每個工作執行一次 RunOnce
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}

	if cfg.Leader.IsEnabled() {
		lock, err := a.newLock()
		if err != nil {
			return err
		}
		if !lock.Acquire() {
			return worker.ErrLeaderBusy
		}
		defer lock.Release()
		a.status.SetLeader(lock.Record())
	}

	workers, err := a.buildWorkers()
	if err != nil {
		return err
	}

	failed := 0
	for _, w := range workers {
		c := w.Config()
		outcome := w.RunOnce(ctx)
		fmt.Fprintf(out, "%s/%s: %s\n", c.Exchange, c.Topic, outcome)
		if outcome != worker.OutcomeOK {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(workers))
	}
	return nil
}
