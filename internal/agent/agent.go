// Package agent runs the background loops that keep the gateway's local
// state synchronized with the control plane: pulling policy snapshots,
// flushing telemetry, syncing quota counters, and reporting liveness.
// Grounded on the teacher's session.Manager.Run background-task shape
// (ticker + select + ctx.Done), generalized from one loop to six
// independently-scheduled ones.
package agent

import (
	"context"
	"log/slog"
	"time"

	"mediagate/internal/controlplane"
	"mediagate/internal/snapshot"
	"mediagate/internal/storage"
	"mediagate/internal/store"
	"mediagate/internal/telemetry"
)

// AgentVersion is reported on every heartbeat.
const AgentVersion = "1.0.0"

// Config controls the agent's scheduling.
type Config struct {
	ConfigPullInterval       time.Duration
	TelemetryFlushInterval   time.Duration
	QuotaSyncInterval        time.Duration
	HeartbeatInterval        time.Duration
	SessionHeartbeatInterval time.Duration
	TokenResolveInterval     time.Duration

	// EmbyServerURL/EmbyAPIKey being non-empty enables the token-resolve
	// loop; otherwise it never starts, matching spec §4.6's "optional" note.
	EmbyServerURL string
	EmbyAPIKey    string
}

// Agent owns the six background loops. cmd/mediagate constructs and runs
// exactly one Agent per process; there is no worker-ID comparison, since the
// process is a single Go server rather than a set of workers.
type Agent struct {
	cfg        Config
	store      *store.Client
	snapshots  *snapshot.Store
	control    *controlplane.Client
	access     *telemetry.Buffer
	ledger     *storage.Store // optional, may be nil
	httpClient *embyClient
}

// New builds an Agent. ledger may be nil if the denial ledger is disabled.
func New(cfg Config, s *store.Client, snapshots *snapshot.Store, control *controlplane.Client, access *telemetry.Buffer, ledger *storage.Store) *Agent {
	a := &Agent{
		cfg:       cfg,
		store:     s,
		snapshots: snapshots,
		control:   control,
		access:    access,
		ledger:    ledger,
	}
	if cfg.EmbyServerURL != "" && cfg.EmbyAPIKey != "" {
		a.httpClient = newEmbyClient(cfg.EmbyServerURL, cfg.EmbyAPIKey)
	}
	return a
}

// Run starts all loops and blocks until ctx is cancelled. Each loop is
// independent: a panic-free error in one never stops the others, and every
// loop re-arms its own timer regardless of the previous tick's outcome.
func (a *Agent) Run(ctx context.Context) {
	go a.runLoop(ctx, "config-pull", 1*time.Second, a.cfg.ConfigPullInterval, a.configPullTick)
	go a.runLoop(ctx, "telemetry-flush", 5*time.Second, a.cfg.TelemetryFlushInterval, a.telemetryFlushTick)
	go a.runLoop(ctx, "quota-sync", 10*time.Second, a.cfg.QuotaSyncInterval, a.quotaSyncTick)
	go a.runLoop(ctx, "heartbeat", 3*time.Second, a.cfg.HeartbeatInterval, a.heartbeatTick)
	go a.runLoop(ctx, "session-heartbeat", 8*time.Second, a.cfg.SessionHeartbeatInterval, a.sessionHeartbeatTick)

	if a.httpClient != nil {
		go a.runLoop(ctx, "token-resolve", 7*time.Second, a.cfg.TokenResolveInterval, a.tokenResolveTick)
	}

	<-ctx.Done()
	slog.Info("agent stopping")
}

// runLoop is the common scheduling shape shared by all six loops: wait the
// initial delay once, then tick on interval until ctx is cancelled. tick's
// own errors are logged by the tick function itself; runLoop never inspects
// them, so a failing tick never blocks the next one from being scheduled.
func (a *Agent) runLoop(ctx context.Context, name string, initialDelay, interval time.Duration, tick func(context.Context)) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		tick(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent loop stopping", "loop", name)
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
