package cli

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/market-collector/internal/config"
	"github.com/ChuLiYu/market-collector/internal/leader"
	"github.com/ChuLiYu/market-collector/internal/status"
	"github.com/ChuLiYu/market-collector/internal/storage"
	"github.com/spf13/cobra"
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the collector status document",
		Long:  "Print every status item, the leader record and the storage meta from status.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, quietLogger(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dataRootFor(cfg *config.Config, logger *slog.Logger) (string, error) {
	router, err := storage.NewRouter(storage.Config{
		LogsRoot:      cfg.Storage.LogsRoot,
		DataRoot:      cfg.Storage.DataRoot,
		SecondaryRoot: cfg.Storage.SecondaryRoot,
	}, logger)
	if err != nil {
		return "", err
	}
	return router.CurrentRoot(storage.DomainData)
}

func deref[T any](p *T, empty T) T {
	if p == nil {
		return empty
	}
	return *p
}

func showStatus(cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	dataRoot, err := dataRootFor(cfg, logger)
	if err != nil {
		return err
	}

	path := filepath.Join(dataRoot, status.RelPath)
	doc, err := status.Load(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	status.SortItems(doc.Items)

	fmt.Fprintf(out, "status: %s (updated %s)\n\n", path, doc.UpdatedAt)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXCHANGE\tTOPIC\tSTATUS\tRETRIES\tLAST\tCAUSE\tSOURCE")
	for _, it := range doc.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			it.Exchange, it.Topic, it.Status,
			deref(it.Retries, 0), deref(it.LastISO, "-"), deref(it.Cause, "-"), it.Source)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if doc.Leader != nil {
		fmt.Fprintf(out, "\nleader: %s pid=%d heartbeat_ms=%d\n", doc.Leader.Host, doc.Leader.PID, doc.Leader.HeartbeatMs)
	}
	if doc.Storage != nil {
		fmt.Fprintf(out, "storage: logs=%s data=%s primary_ok=%t\n",
			doc.Storage.LogsRoot, doc.Storage.DataRoot, doc.Storage.PrimaryOK)
	}
	return nil
}

// ============================================================================
// leader
// ============================================================================

func buildLeaderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Show the leader lock record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showLeader(cfg, quietLogger(), time.Now, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showLeader(cfg *config.Config, logger *slog.Logger, now func() time.Time, out io.Writer) error {
	dataRoot, err := dataRootFor(cfg, logger)
	if err != nil {
		return err
	}

	l, err := leader.New(dataRoot, leader.Options{
		Name:       cfg.Leader.Name,
		StaleAfter: cfg.Leader.StaleAfter,
		Now:        now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "lock: %s\n", l.Path())
	rec := l.Read()
	if rec == nil {
		fmt.Fprintln(out, "no leader")
		return nil
	}

	age := time.Duration(now().UnixMilli()-rec.HeartbeatMs) * time.Millisecond
	fmt.Fprintf(out, "host: %s\npid: %d\nstarted_ms: %d\nheartbeat_ms: %d\n",
		rec.Host, rec.PID, rec.StartedMs, rec.HeartbeatMs)
	fmt.Fprintf(out, "age: %s\nstale: %t (after %s)\n", age, l.IsStale(rec), l.StaleAfter())
	return nil
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe primary storage and record the result in status.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runProbe(cfg, quietLogger(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runProbe(cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}

	for _, d := range []storage.Domain{storage.DomainLogs, storage.DomainData} {
		root, err := a.router.CurrentRoot(d)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: primary_ok=%t root=%s\n", d, a.router.IsPrimaryAvailable(d), root)
	}

	path, err := a.publishStorage()
	if err != nil {
		return fmt.Errorf("failed to write storage meta: %w", err)
	}
	fmt.Fprintf(out, "status: %s\n", path)
	return nil
}
