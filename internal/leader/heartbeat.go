package leader

import (
	"context"
	"time"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

// BeatFunc is called after every renew attempt.
type BeatFunc func(owned bool, rec types.LeaderRecord)

// Heartbeat renews l every interval until ctx is done. Ownership changes are
// audited as collector.leader.transition, and a renew taking longer than two
// intervals is audited as collector.heartbeat.slow. Losing the lock does not
// stop the loop: while not owned every beat retries Acquire, which succeeds
// once the other holder goes stale or releases.
func Heartbeat(ctx context.Context, l *Lock, interval time.Duration, onBeat BeatFunc) {
	if interval <= 0 {
		interval = l.staleAfter / 15
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	l.mu.Lock()
	prevOwned := l.owned
	l.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		start := time.Now()
		owned := l.Renew()
		if !owned {
			owned = l.Acquire()
		}
		if latency := time.Since(start); latency > 2*interval {
			f := l.fields(l.Path())
			f["latency_ms"] = latency.Milliseconds()
			audit.Emit(l.audit, "collector.heartbeat.slow", feature, audit.LevelWarn, f)
		}

		if owned != prevOwned {
			f := l.fields(l.Path())
			if owned {
				f["to"] = "ACQUIRE"
			} else {
				f["to"] = "RELEASE"
			}
			audit.Emit(l.audit, "collector.leader.transition", feature, audit.LevelInfo, f)
			prevOwned = owned
		}

		if onBeat != nil {
			onBeat(owned, l.Record())
		}
	}
}
