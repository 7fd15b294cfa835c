package engine

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/journal"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/metrics"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

var log = logging.Logger("engine")

// Config tunes the scheduling engine. Start from DefaultConfig; the node
// config layer overrides individual fields.
type Config struct {
	// ServiceFrequency is how often the orchestrator iterates active
	// services. MaxActiveServices caps how many are driven per pass.
	ServiceFrequency  time.Duration
	MaxActiveServices int

	// HeartbeatFrequency is the interval managers are expected to report
	// on. A manager silent for HeartbeatMaxMissed intervals is deactivated
	// and its task leases are returned to the queue.
	HeartbeatFrequency time.Duration
	HeartbeatMaxMissed int

	// ClaimLimit caps the tasks handed out per claim call. ReturnLimit
	// caps the results accepted per submission call.
	ClaimLimit  int
	ReturnLimit int

	// AutoReset requeues errored records whose per-class failure count is
	// still under the matching AutoResetLimits entry.
	AutoReset       bool
	AutoResetLimits map[record.ErrorClass]int
}

func DefaultConfig() Config {
	return Config{
		ServiceFrequency:   60 * time.Second,
		MaxActiveServices:  20,
		HeartbeatFrequency: 1800 * time.Second,
		HeartbeatMaxMissed: 5,
		ClaimLimit:         200,
		ReturnLimit:        10,
		AutoReset:          false,
		AutoResetLimits: map[record.ErrorClass]int{
			record.ErrorClassUnknown:     2,
			record.ErrorClassComputeLost: 5,
			record.ErrorClassRandom:      5,
		},
	}
}

// Engine owns the record lifecycle: it validates submissions against the
// registered kinds, hands tasks to managers, ingests their results, drives
// iterative services, and deactivates managers that stop heartbeating. All
// state lives in the store; the engine adds policy, journaling and metrics
// on top.
type Engine struct {
	store *store.Store
	cfg   Config
	kinds *kindSet

	journal journal.Journal
	alerts  *alerting.Alerting

	evtRecordStatus     journal.EventType
	evtManagerLifecycle journal.EventType
	evtServiceIteration journal.EventType

	heartbeatAlert alerting.AlertType

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeLk sync.Mutex
	closed  bool
}

func New(s *store.Store, j journal.Journal, a *alerting.Alerting, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:   s,
		cfg:     cfg,
		kinds:   newKindSet(singlepointKind{}, scanKind{}),
		journal: j,
		alerts:  a,
		ctx:     ctx,
		cancel:  cancel,

		evtRecordStatus:     j.RegisterEventType("record", "status"),
		evtManagerLifecycle: j.RegisterEventType("manager", "lifecycle"),
		evtServiceIteration: j.RegisterEventType("service", "iteration"),

		heartbeatAlert: a.AddAlertType("engine", "manager-heartbeat"),
	}
	return e
}

// Start launches the orchestrator and heartbeat sweep loops.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.serviceLoop()
	go e.sweepLoop()
}

// Stop winds down the background loops, waiting for in-flight passes to
// finish or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.closeLk.Lock()
	defer e.closeLk.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store exposes the underlying store for read paths. Mutations go through
// the engine so policy, journaling and metrics are applied.
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) Alerts() *alerting.Alerting {
	return e.alerts
}

func (e *Engine) serviceLoop() {
	defer e.wg.Done()

	ticker := build.Clock.Ticker(e.cfg.ServiceFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.IterateServices(e.ctx); err != nil {
				log.Errorw("service iteration pass failed", "err", err)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := build.Clock.Ticker(e.cfg.HeartbeatFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.SweepManagers(e.ctx); err != nil {
				log.Errorw("manager sweep failed", "err", err)
			}
			e.recordGauges(e.ctx)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) recordGauges(ctx context.Context) {
	if depth, err := e.store.QueueDepth(ctx); err == nil {
		stats.Record(ctx, metrics.TaskQueueDepth.M(depth))
	}
	if n, err := e.store.CountActiveManagers(ctx); err == nil {
		stats.Record(ctx, metrics.ManagersActive.M(n))
	}
	if n, err := e.store.CountActiveServices(ctx); err == nil {
		stats.Record(ctx, metrics.ServicesActive.M(n))
	}
}
