// Package manager implements the compute side of the platform: a process
// that registers with a daemon, claims tasks matching its tags and programs,
// executes them through an Executor, and streams results and heartbeats back
// until told to stop.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/record"
)

var log = logging.Logger("manager")

// API is the slice of the daemon interface a manager drives.
type API interface {
	ManagerActivate(ctx context.Context, m record.Manager) error
	ManagerHeartbeat(ctx context.Context, name string, stats record.ManagerStats) error
	ManagerDeactivate(ctx context.Context, name string) (int, error)
	TaskClaim(ctx context.Context, manager string, limit int) ([]*record.Task, error)
	TaskReturn(ctx context.Context, manager string, results map[int64]record.Result) (*api.ReturnResult, error)
}

type Config struct {
	// Cluster names the site this manager runs at; it becomes the first
	// component of the manager name.
	Cluster string

	// Tags the manager accepts tasks for. Empty means the wildcard tag.
	Tags []string
	// Programs the manager can execute.
	Programs []string

	// Parallelism is how many tasks execute concurrently. Claims are sized
	// to the free slots, never above ClaimLimit.
	Parallelism int
	ClaimLimit  int
	// ReturnLimit caps the results posted per TaskReturn call; it must not
	// exceed the server's return batch limit.
	ReturnLimit int

	// ClaimInterval is the queue poll interval while idle.
	ClaimInterval     time.Duration
	HeartbeatInterval time.Duration

	// CoresPerTask and MemoryPerTask size the utilization gauges reported
	// with heartbeats.
	CoresPerTask  int
	MemoryPerTask float64
}

func DefaultConfig() Config {
	return Config{
		Tags:              []string{"*"},
		Parallelism:       2,
		ClaimLimit:        20,
		ReturnLimit:       10,
		ClaimInterval:     2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		CoresPerTask:      1,
	}
}

// Manager is a single compute worker instance. Create with New, drive with
// Run; a Manager cannot be reused after Run returns because its name is
// retired on deactivation.
type Manager struct {
	api  API
	exec Executor
	cfg  Config

	name     string
	hostname string

	active atomic.Int64

	resultsLk sync.Mutex
	results   map[int64]record.Result

	statsLk sync.Mutex
	pending record.ManagerStats
}

func New(a API, exec Executor, cfg Config) (*Manager, error) {
	if cfg.Cluster == "" {
		return nil, xerrors.Errorf("manager needs a cluster name")
	}
	if len(cfg.Programs) == 0 {
		return nil, xerrors.Errorf("manager needs at least one program")
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"*"}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = cfg.Parallelism
	}
	if cfg.ReturnLimit <= 0 {
		cfg.ReturnLimit = 10
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CoresPerTask <= 0 {
		cfg.CoresPerTask = 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, xerrors.Errorf("resolving hostname: %w", err)
	}

	return &Manager{
		api:      a,
		exec:     exec,
		cfg:      cfg,
		name:     fmt.Sprintf("%s-%s-%s", cfg.Cluster, hostname, uuid.New()),
		hostname: hostname,
		results:  map[int64]record.Result{},
	}, nil
}

// Name returns the manager's registered name (cluster-hostname-uuid).
func (m *Manager) Name() string {
	return m.name
}

// Run registers the manager and works the queue until ctx is cancelled,
// then drains in-flight executions, posts the remaining results and
// deactivates. The returned error reflects startup or shutdown failures;
// mid-run claim and return errors are retried, not surfaced.
func (m *Manager) Run(ctx context.Context) error {
	err := m.api.ManagerActivate(ctx, record.Manager{
		Name:     m.name,
		Cluster:  m.cfg.Cluster,
		Hostname: m.hostname,
		Tags:     m.cfg.Tags,
		Programs: m.cfg.Programs,
	})
	if err != nil {
		return xerrors.Errorf("activating manager %s: %w", m.name, err)
	}
	log.Infow("manager activated", "name", m.name, "tags", m.cfg.Tags, "programs", m.cfg.Programs)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeatLoop(ctx)
	}()

	m.claimLoop(ctx)
	wg.Wait()

	// The run context is gone by now; the farewell calls get their own
	// deadline.
	dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.flushResults(dctx)

	// Counters are deltas, so flush the tail before the name is retired.
	if st := m.takeStats(); st != (record.ManagerStats{}) {
		if err := m.api.ManagerHeartbeat(dctx, m.name, st); err != nil {
			log.Warnw("final heartbeat failed", "err", err)
		}
	}

	released, err := m.api.ManagerDeactivate(dctx, m.name)
	if err != nil {
		return xerrors.Errorf("deactivating manager %s: %w", m.name, err)
	}
	if released > 0 {
		log.Warnw("deactivated with tasks still leased", "name", m.name, "returned", released)
	}
	log.Infow("manager deactivated", "name", m.name)
	return nil
}

// claimLoop polls the queue, fanning claimed tasks out to the execution
// pool. It returns once ctx is done and every in-flight execution has
// finished.
func (m *Manager) claimLoop(ctx context.Context) {
	bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}

	pool := &errgroup.Group{}
	pool.SetLimit(m.cfg.Parallelism)

	for ctx.Err() == nil {
		// Ask only for what can start right away, so slow tasks don't
		// hoard leases other managers could serve.
		want := m.cfg.Parallelism - int(m.active.Load())
		if want > m.cfg.ClaimLimit {
			want = m.cfg.ClaimLimit
		}

		var tasks []*record.Task
		if want > 0 {
			var err error
			tasks, err = m.api.TaskClaim(ctx, m.name, want)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				d := bo.Duration()
				log.Warnw("claim failed, backing off", "err", err, "retry_in", d)
				m.sleep(ctx, d)
				continue
			}
			bo.Reset()
		}

		if len(tasks) > 0 {
			m.addStats(func(s *record.ManagerStats) { s.Claimed += int64(len(tasks)) })
			for _, t := range tasks {
				t := t
				m.active.Add(1)
				pool.Go(func() error {
					defer m.active.Add(-1)
					m.execute(ctx, t)
					return nil
				})
			}
		}

		m.flushResults(ctx)

		if len(tasks) == 0 {
			m.sleep(ctx, m.cfg.ClaimInterval)
		}
	}

	_ = pool.Wait() // drain in-flight executions
}

func (m *Manager) execute(ctx context.Context, t *record.Task) {
	start := build.Clock.Now()

	var res record.Result
	args, err := record.Decompress(t.Args, t.ArgsCompression)
	if err != nil {
		res = record.Result{
			Success: false,
			Error: &record.ComputeError{
				Type:    string(record.ErrorClassUnknown),
				Message: fmt.Sprintf("decoding task arguments: %s", err),
			},
		}
	} else {
		res = m.exec.Execute(ctx, t.Function, args)
	}
	if res.Walltime == 0 {
		res.Walltime = build.Clock.Since(start).Seconds()
	}

	m.addStats(func(s *record.ManagerStats) {
		if res.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		s.TotalWalltime += res.Walltime
	})

	m.resultsLk.Lock()
	m.results[t.RecordID] = res
	m.resultsLk.Unlock()
}

// flushResults posts buffered results in batches of at most ReturnLimit.
// Results the server rejects are dropped after logging; a failed call puts
// its batch back for the next flush.
func (m *Manager) flushResults(ctx context.Context) {
	for {
		batch := m.takeResults(m.cfg.ReturnLimit)
		if len(batch) == 0 {
			return
		}

		ret, err := m.api.TaskReturn(ctx, m.name, batch)
		if err != nil {
			m.requeueResults(batch)
			if ctx.Err() == nil {
				log.Warnw("returning results failed", "count", len(batch), "err", err)
			}
			return
		}

		if len(ret.Rejected) > 0 {
			m.addStats(func(s *record.ManagerStats) { s.Rejected += int64(len(ret.Rejected)) })
			for _, rej := range ret.Rejected {
				log.Warnw("result rejected", "record", rej.RecordID, "reason", rej.Reason)
			}
		}
	}
}

func (m *Manager) takeResults(n int) map[int64]record.Result {
	m.resultsLk.Lock()
	defer m.resultsLk.Unlock()
	if len(m.results) == 0 {
		return nil
	}
	batch := make(map[int64]record.Result, n)
	for id, res := range m.results {
		if len(batch) == n {
			break
		}
		batch[id] = res
		delete(m.results, id)
	}
	return batch
}

func (m *Manager) requeueResults(batch map[int64]record.Result) {
	m.resultsLk.Lock()
	defer m.resultsLk.Unlock()
	for id, res := range batch {
		m.results[id] = res
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	tick := build.Clock.Ticker(m.cfg.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		st := m.takeStats()
		if err := m.api.ManagerHeartbeat(ctx, m.name, st); err != nil {
			// counters are deltas; a lost heartbeat must not lose them
			m.mergeStats(st)
			if ctx.Err() == nil {
				log.Warnw("heartbeat failed", "err", err)
			}
		}
	}
}

// takeStats snapshots and zeroes the pending counter deltas, stamping in the
// current utilization gauges.
func (m *Manager) takeStats() record.ManagerStats {
	m.statsLk.Lock()
	defer m.statsLk.Unlock()

	st := m.pending
	m.pending = record.ManagerStats{}

	active := m.active.Load()
	st.ActiveTasks = active
	st.ActiveCores = active * int64(m.cfg.CoresPerTask)
	st.ActiveMemory = float64(active) * m.cfg.MemoryPerTask
	return st
}

func (m *Manager) addStats(f func(*record.ManagerStats)) {
	m.statsLk.Lock()
	defer m.statsLk.Unlock()
	f(&m.pending)
}

func (m *Manager) mergeStats(st record.ManagerStats) {
	m.addStats(func(s *record.ManagerStats) {
		s.Claimed += st.Claimed
		s.Successes += st.Successes
		s.Failures += st.Failures
		s.Rejected += st.Rejected
		s.TotalWalltime += st.TotalWalltime
	})
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	t := build.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
