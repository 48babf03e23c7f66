package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/monitor"
	"github.com/civictrack/relay/internal/relayerr"
	"github.com/civictrack/relay/internal/transport"
)

// healthPollInterval is how often the run loop re-evaluates the target
// adapter's health between ramp steps.
const healthPollInterval = 5 * time.Second

// Table is the slice of the connection manager the controller drives.
type Table interface {
	MarkDraining(id uuid.UUID) error
	Reopen(id uuid.UUID) error
	Close(id uuid.UUID, reason transport.CloseReason) error
	Get(id uuid.UUID) (*conn.Connection, error)
	ConnsOnAdapter(adapterName string) []uuid.UUID
	SetRouter(r conn.Router)
	AdapterByName(name string) (transport.Adapter, bool)
}

// Topics exposes the subscription registry lookups needed to replay
// subscriptions onto the target adapter during cutover.
type Topics interface {
	TopicsOf(connID uuid.UUID) []string
}

// Flusher drains one connection's pending batches to the wire.
type Flusher interface {
	FlushAll(ctx context.Context, connID uuid.UUID) error
}

// HealthSource supplies the target adapter's rolling health verdict.
type HealthSource interface {
	AdapterHealth(name string) (monitor.ComponentHealth, bool)
}

// Config carries the controller's tunables.
type Config struct {
	// HealthWindow is how long the target must stay unhealthy before the
	// migration rolls back automatically.
	HealthWindow   time.Duration
	ErrorRateLimit float64
	LatencyLimit   time.Duration
	// Defaults applied when Start receives a zero RampPlan.
	RampStep float64
	RampHold time.Duration
}

// Controller runs at most one adapter migration at a time.
type Controller struct {
	clock   clockwork.Clock
	cfg     Config
	table   Table
	topics  Topics
	flusher Flusher
	health  HealthSource

	mu       sync.Mutex
	records  map[uuid.UUID]*Record
	active   *Record
	splitter *Splitter
	cancel   context.CancelFunc
	rollback chan string

	wg sync.WaitGroup
}

// NewController wires the controller to its collaborators.
func NewController(clock clockwork.Clock, cfg Config, table Table, topics Topics, flusher Flusher, health HealthSource) *Controller {
	return &Controller{
		clock:   clock,
		cfg:     cfg,
		table:   table,
		topics:  topics,
		flusher: flusher,
		health:  health,
		records: make(map[uuid.UUID]*Record),
	}
}

// Start begins migrating connections from source to target. Only one
// migration may run at a time; a second Start fails until the first
// reaches a terminal state. The run loop outlives the caller; it stops
// only on a terminal state, a rollback trigger, or Stop.
func (c *Controller) Start(source, target string, plan RampPlan) (uuid.UUID, error) {
	if source == target {
		return uuid.Nil, relayerr.Validation("migration source and target must differ")
	}
	if _, ok := c.table.AdapterByName(source); !ok {
		return uuid.Nil, relayerr.NotFound(fmt.Sprintf("unknown source adapter %q", source))
	}
	if _, ok := c.table.AdapterByName(target); !ok {
		return uuid.Nil, relayerr.NotFound(fmt.Sprintf("unknown target adapter %q", target))
	}
	if plan.StepPct <= 0 {
		plan.StepPct = c.cfg.RampStep
	}
	if plan.Hold <= 0 {
		plan.Hold = c.cfg.RampHold
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.terminal() {
		return uuid.Nil, relayerr.Validation(fmt.Sprintf("migration %s already in progress", c.active.ID))
	}

	rec := &Record{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Status:    StatusPending,
		Plan:      plan,
		Conns:     make(map[uuid.UUID]ConnStatus),
		StartedAt: c.clock.Now(),
	}
	c.records[rec.ID] = rec
	c.active = rec

	c.splitter = NewSplitter(source, target)
	c.table.SetRouter(c.splitter)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.rollback = make(chan string, 1)

	c.wg.Add(1)
	go c.run(runCtx, rec, c.splitter, c.rollback)

	slog.Info("Migration started", "migration_id", rec.ID, "source", source, "target", target,
		"step_pct", plan.StepPct, "hold", plan.Hold)
	return rec.ID, nil
}

// Rollback aborts the given migration on operator request.
func (c *Controller) Rollback(id uuid.UUID) error {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return relayerr.NotFound("unknown migration")
	}
	if rec.terminal() {
		c.mu.Unlock()
		return relayerr.Validation(fmt.Sprintf("migration already %s", rec.Status))
	}
	ch := c.rollback
	c.mu.Unlock()

	select {
	case ch <- "operator":
	default:
		// A rollback is already queued.
	}
	return nil
}

// Status returns a snapshot of one migration.
func (c *Controller) Status(id uuid.UUID) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Record{}, relayerr.NotFound("unknown migration")
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all known migrations.
func (c *Controller) List() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.snapshot())
	}
	return out
}

// Stop aborts any in-flight migration and waits for its run loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// run owns the migration lifecycle: ramp the split, watch target health,
// then cut every remaining source connection over.
func (c *Controller) run(ctx context.Context, rec *Record, splitter *Splitter, rollbackCh chan string) {
	defer c.wg.Done()

	rampTicker := c.clock.NewTicker(rec.Plan.Hold)
	defer rampTicker.Stop()
	healthTicker := c.clock.NewTicker(healthPollInterval)
	defer healthTicker.Stop()

	// First step applies immediately; PENDING -> SHADOWED.
	c.setSplit(rec, splitter, rec.Plan.StepPct)
	c.setStatus(rec, StatusShadowed)

	var unhealthySince time.Time
	for {
		select {
		case <-ctx.Done():
			c.doRollback(context.Background(), rec, splitter, "shutdown")
			return
		case trigger := <-rollbackCh:
			c.doRollback(ctx, rec, splitter, trigger)
			return
		case <-healthTicker.Chan():
			c.recordShadowed(rec)
			if c.targetUnhealthy(rec) {
				if unhealthySince.IsZero() {
					unhealthySince = c.clock.Now()
				}
				if c.clock.Since(unhealthySince) >= c.cfg.HealthWindow {
					herr := relayerr.MigrationHealth("target adapter unhealthy past rollback window", nil).
						WithContext("adapter", rec.Target).
						WithContext("migration_id", rec.ID.String())
					slog.Error("Migration target unhealthy", "migration_id", rec.ID, "error", herr)
					c.doRollback(ctx, rec, splitter, "health")
					return
				}
			} else {
				unhealthySince = time.Time{}
			}
		case <-rampTicker.Chan():
			c.recordShadowed(rec)
			if splitter.Pct() >= 100 {
				c.cutover(ctx, rec, splitter, rollbackCh)
				return
			}
			c.setSplit(rec, splitter, splitter.Pct()+rec.Plan.StepPct)
		}
	}
}

// recordShadowed marks connections the splitter routed onto the target
// during the ramp. They arrived there organically, so the ticks are the
// first point the controller learns about them.
func (c *Controller) recordShadowed(rec *Record) {
	for _, id := range c.table.ConnsOnAdapter(rec.Target) {
		c.mu.Lock()
		_, known := rec.Conns[id]
		c.mu.Unlock()
		if !known {
			c.setConnStatus(rec, id, ConnShadowed)
		}
	}
}

// targetUnhealthy evaluates the rollback thresholds against the latest
// health verdict and records it.
func (c *Controller) targetUnhealthy(rec *Record) bool {
	h, ok := c.health.AdapterHealth(rec.Target)
	if !ok {
		return false
	}
	c.mu.Lock()
	rec.Health = h
	c.mu.Unlock()
	return !h.Healthy || h.ErrorRate > c.cfg.ErrorRateLimit || h.Latency > c.cfg.LatencyLimit
}

// cutover migrates every connection still on the source adapter, one at a
// time, checking for rollback requests between connections.
func (c *Controller) cutover(ctx context.Context, rec *Record, splitter *Splitter, rollbackCh chan string) {
	c.setStatus(rec, StatusCutover)

	ids := c.table.ConnsOnAdapter(rec.Source)
	slog.Info("Migration cutover starting", "migration_id", rec.ID, "connections", len(ids))
	for _, id := range ids {
		c.setConnStatus(rec, id, ConnPending)
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			c.doRollback(context.Background(), rec, splitter, "shutdown")
			return
		case trigger := <-rollbackCh:
			c.doRollback(ctx, rec, splitter, trigger)
			return
		default:
		}
		c.migrateConn(ctx, rec, id, rec.Source, rec.Target)
	}

	c.table.SetRouter(conn.StaticRouter(rec.Target))
	c.finish(rec, StatusComplete, "")
	slog.Info("Migration complete", "migration_id", rec.ID)
}

// migrateConn performs the single-connection cutover: drain, flush, swap
// the adapter binding, replay subscriptions, reopen. A failure at any step
// closes the connection with the migration_aborted reason rather than
// leaving it half-bound.
func (c *Controller) migrateConn(ctx context.Context, rec *Record, id uuid.UUID, source, target string) {
	cn, err := c.table.Get(id)
	if err != nil || cn.Adapter() != source {
		// Closed or already moved since the snapshot was taken.
		return
	}

	if err := c.table.MarkDraining(id); err != nil {
		return
	}
	if err := c.flusher.FlushAll(ctx, id); err != nil {
		c.abortConn(rec, id, "flush", err)
		return
	}

	cn.SwapAdapter(target)

	adapter, ok := c.table.AdapterByName(target)
	if ok && adapter.Capabilities().Has(transport.CapTopicRouting) {
		for _, topic := range c.topics.TopicsOf(id) {
			if err := adapter.Subscribe(id, topic); err != nil {
				c.abortConn(rec, id, "subscribe replay", err)
				return
			}
		}
	}

	if err := c.table.Reopen(id); err != nil {
		c.abortConn(rec, id, "reopen", err)
		return
	}

	c.setConnStatus(rec, id, ConnCutover)
	metrics.MigrationCutoversTotal.Inc()
}

// abortConn closes a connection whose cutover failed mid-flight.
func (c *Controller) abortConn(rec *Record, id uuid.UUID, step string, err error) {
	slog.Warn("Connection cutover aborted", "migration_id", rec.ID, "conn_id", id, "step", step, "error", err)
	c.setConnStatus(rec, id, ConnRolledBack)
	_ = c.table.Close(id, transport.CloseReasonMigrationAborted)
}

// doRollback returns every migrated and shadowed connection to the source
// adapter, restores the static route, and marks the migration rolled back.
func (c *Controller) doRollback(ctx context.Context, rec *Record, splitter *Splitter, trigger string) {
	slog.Warn("Migration rolling back", "migration_id", rec.ID, "trigger", trigger)

	// Stop routing new connections to the target first.
	splitter.SetPct(0)
	c.table.SetRouter(conn.StaticRouter(rec.Source))

	// Move everything on the target back, same drain-flush-swap-replay
	// procedure in reverse. Nothing queued is lost.
	for _, id := range c.table.ConnsOnAdapter(rec.Target) {
		c.migrateConn(ctx, rec, id, rec.Target, rec.Source)
		c.setConnStatus(rec, id, ConnRolledBack)
	}

	metrics.MigrationRollbacksTotal.WithLabelValues(trigger).Inc()
	c.finish(rec, StatusRolledBack, trigger)
}

func (c *Controller) setSplit(rec *Record, splitter *Splitter, pct float64) {
	splitter.SetPct(pct)
	c.mu.Lock()
	rec.SplitPct = splitter.Pct()
	c.mu.Unlock()
}

func (c *Controller) setStatus(rec *Record, status Status) {
	c.mu.Lock()
	rec.Status = status
	c.mu.Unlock()
}

func (c *Controller) setConnStatus(rec *Record, id uuid.UUID, status ConnStatus) {
	c.mu.Lock()
	prev, had := rec.Conns[id]
	rec.Conns[id] = status
	c.mu.Unlock()

	if had {
		metrics.MigrationConnectionsByStatus.WithLabelValues(string(prev)).Dec()
	}
	metrics.MigrationConnectionsByStatus.WithLabelValues(string(status)).Inc()
}

func (c *Controller) finish(rec *Record, status Status, failure string) {
	c.mu.Lock()
	rec.Status = status
	rec.Failure = failure
	rec.FinishedAt = c.clock.Now()
	c.mu.Unlock()
}
