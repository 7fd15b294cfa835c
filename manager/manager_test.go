package manager

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// stubAPI is an in-memory daemon for exercising the manager loops.
type stubAPI struct {
	lk sync.Mutex

	activated   *record.Manager
	deactivated bool
	heartbeats  []record.ManagerStats

	queue    []*record.Task
	returned map[int64]record.Result

	rejectIDs  map[int64]string
	failReturn int // fail this many TaskReturn calls before accepting
	maxBatch   int
}

func (s *stubAPI) ManagerActivate(ctx context.Context, m record.Manager) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.activated != nil {
		return store.ErrManagerExists
	}
	s.activated = &m
	return nil
}

func (s *stubAPI) ManagerHeartbeat(ctx context.Context, name string, stats record.ManagerStats) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.heartbeats = append(s.heartbeats, stats)
	return nil
}

func (s *stubAPI) ManagerDeactivate(ctx context.Context, name string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.deactivated = true
	return 0, nil
}

func (s *stubAPI) TaskClaim(ctx context.Context, manager string, limit int) ([]*record.Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if limit > len(s.queue) {
		limit = len(s.queue)
	}
	out := s.queue[:limit]
	s.queue = s.queue[limit:]
	return out, nil
}

func (s *stubAPI) TaskReturn(ctx context.Context, manager string, results map[int64]record.Result) (*api.ReturnResult, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.failReturn > 0 {
		s.failReturn--
		return nil, xerrors.Errorf("server unavailable")
	}

	if len(results) > s.maxBatch {
		s.maxBatch = len(results)
	}

	ret := &api.ReturnResult{}
	if s.returned == nil {
		s.returned = map[int64]record.Result{}
	}
	for id, res := range results {
		if reason, ok := s.rejectIDs[id]; ok {
			ret.Rejected = append(ret.Rejected, engine.RejectedResult{RecordID: id, Reason: reason})
			continue
		}
		s.returned[id] = res
		ret.NAccepted++
	}
	return ret, nil
}

func (s *stubAPI) returnedCount() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.returned)
}

func (s *stubAPI) counterTotals() record.ManagerStats {
	s.lk.Lock()
	defer s.lk.Unlock()
	var total record.ManagerStats
	for _, hb := range s.heartbeats {
		total.Claimed += hb.Claimed
		total.Successes += hb.Successes
		total.Failures += hb.Failures
		total.Rejected += hb.Rejected
		total.TotalWalltime += hb.TotalWalltime
	}
	return total
}

func mkTask(t *testing.T, id int64, program string) *record.Task {
	t.Helper()
	spec := record.Specification{Program: program, Driver: "energy", Method: "b3lyp"}
	raw, err := json.Marshal(record.ComputeArgs{Specification: spec, Molecule: json.RawMessage(`{"symbols":["He"]}`)})
	require.NoError(t, err)
	args, err := record.Compress(raw, record.CompressionZstd)
	require.NoError(t, err)

	return &record.Task{
		ID:              id,
		RecordID:        id,
		Tag:             "*",
		Function:        record.FunctionCompute,
		Args:            args,
		ArgsCompression: record.CompressionZstd,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cluster = "test"
	cfg.Programs = []string{"psi4"}
	cfg.Parallelism = 2
	cfg.ClaimLimit = 4
	cfg.ClaimInterval = time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	return cfg
}

// runManager drives m.Run in the background and returns a stop func that
// cancels it and asserts a clean exit.
func runManager(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("manager did not stop")
		}
	}
}

func TestManagerRunsTasks(t *testing.T) {
	req := require.New(t)

	stub := &stubAPI{}
	for i := int64(1); i <= 5; i++ {
		stub.queue = append(stub.queue, mkTask(t, i, "psi4"))
	}

	m, err := New(stub, &MockExecutor{}, testConfig())
	req.NoError(err)

	stop := runManager(t, m)

	req.Eventually(func() bool { return stub.returnedCount() == 5 }, 5*time.Second, 5*time.Millisecond)
	stop()

	req.NotNil(stub.activated)
	req.Equal(m.Name(), stub.activated.Name)
	req.Equal("test", stub.activated.Cluster)
	req.Equal([]string{"*"}, stub.activated.Tags)
	req.Equal([]string{"psi4"}, stub.activated.Programs)
	req.True(stub.deactivated)

	for id, res := range stub.returned {
		req.True(res.Success, "record %d", id)
		req.Greater(res.Walltime, 0.0)

		var props mockProperties
		req.NoError(json.Unmarshal(res.Properties, &props))
		req.Equal("psi4", props.Program)
	}

	totals := stub.counterTotals()
	req.EqualValues(5, totals.Claimed)
	req.EqualValues(5, totals.Successes)
	req.Zero(totals.Failures)
}

func TestManagerReturnBatching(t *testing.T) {
	req := require.New(t)

	stub := &stubAPI{}
	for i := int64(1); i <= 9; i++ {
		stub.queue = append(stub.queue, mkTask(t, i, "psi4"))
	}

	cfg := testConfig()
	cfg.ReturnLimit = 2

	m, err := New(stub, &MockExecutor{}, cfg)
	req.NoError(err)

	stop := runManager(t, m)
	req.Eventually(func() bool { return stub.returnedCount() == 9 }, 5*time.Second, 5*time.Millisecond)
	stop()

	stub.lk.Lock()
	defer stub.lk.Unlock()
	req.LessOrEqual(stub.maxBatch, 2)
}

func TestManagerRetriesFailedReturns(t *testing.T) {
	req := require.New(t)

	stub := &stubAPI{failReturn: 2}
	stub.queue = append(stub.queue, mkTask(t, 1, "psi4"), mkTask(t, 2, "psi4"))

	m, err := New(stub, &MockExecutor{}, testConfig())
	req.NoError(err)

	stop := runManager(t, m)
	req.Eventually(func() bool { return stub.returnedCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	stop()
}

func TestManagerCountsRejections(t *testing.T) {
	req := require.New(t)

	stub := &stubAPI{rejectIDs: map[int64]string{2: "record is not active"}}
	stub.queue = append(stub.queue, mkTask(t, 1, "psi4"), mkTask(t, 2, "psi4"))

	m, err := New(stub, &MockExecutor{}, testConfig())
	req.NoError(err)

	stop := runManager(t, m)
	req.Eventually(func() bool { return stub.returnedCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	totals := stub.counterTotals()
	req.EqualValues(1, totals.Rejected)
}

func TestManagerReportsExecutionFailures(t *testing.T) {
	req := require.New(t)

	stub := &stubAPI{}
	stub.queue = append(stub.queue, mkTask(t, 7, "psi4"))

	boom := ExecFunc(func(ctx context.Context, function string, args []byte) record.Result {
		return record.Result{
			Success: false,
			Error:   &record.ComputeError{Type: string(record.ErrorClassRandom), Message: "scf did not converge"},
			Stderr:  []byte("iteration 50: gradient above threshold"),
		}
	})

	m, err := New(stub, boom, testConfig())
	req.NoError(err)

	stop := runManager(t, m)
	req.Eventually(func() bool { return stub.returnedCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	res := stub.returned[7]
	req.False(res.Success)
	req.Equal(string(record.ErrorClassRandom), res.Error.Type)

	totals := stub.counterTotals()
	req.EqualValues(1, totals.Failures)
	req.Zero(totals.Successes)
}

func TestNewValidation(t *testing.T) {
	req := require.New(t)

	cfg := testConfig()
	cfg.Cluster = ""
	_, err := New(&stubAPI{}, &MockExecutor{}, cfg)
	req.ErrorContains(err, "cluster")

	cfg = testConfig()
	cfg.Programs = nil
	_, err = New(&stubAPI{}, &MockExecutor{}, cfg)
	req.ErrorContains(err, "program")

	m, err := New(&stubAPI{}, &MockExecutor{}, testConfig())
	req.NoError(err)

	name := m.Name()
	req.True(strings.HasPrefix(name, "test-"))
	req.Greater(len(name), 36)
	_, err = uuid.Parse(name[len(name)-36:])
	req.NoError(err)
}

func TestMockExecutorDeterminism(t *testing.T) {
	req := require.New(t)

	spec := record.Specification{Program: "xtb", Driver: "energy", Method: "gfn2"}
	mkArgs := func(molecule string) []byte {
		raw, err := json.Marshal(record.ComputeArgs{Specification: spec, Molecule: json.RawMessage(molecule)})
		req.NoError(err)
		return raw
	}

	me := &MockExecutor{}
	ctx := context.Background()

	a := me.Execute(ctx, record.FunctionCompute, mkArgs(`{"symbols":["O"]}`))
	b := me.Execute(ctx, record.FunctionCompute, mkArgs(`{"symbols":["O"]}`))
	c := me.Execute(ctx, record.FunctionCompute, mkArgs(`{"symbols":["N"]}`))

	req.True(a.Success)
	req.JSONEq(string(a.Properties), string(b.Properties))

	var pa, pc mockProperties
	req.NoError(json.Unmarshal(a.Properties, &pa))
	req.NoError(json.Unmarshal(c.Properties, &pc))
	req.NotEqual(pa.ReturnResult, pc.ReturnResult)
	req.Negative(pa.ReturnResult)

	bad := me.Execute(ctx, "qcengine.optimize", mkArgs(`{}`))
	req.False(bad.Success)
	req.Equal(string(record.ErrorClassUnknown), bad.Error.Type)
}

func TestMockExecutorInterruption(t *testing.T) {
	req := require.New(t)

	raw, err := json.Marshal(record.ComputeArgs{
		Specification: record.Specification{Program: "xtb", Driver: "energy", Method: "gfn2"},
		Molecule:      json.RawMessage(`{"symbols":["He"]}`),
	})
	req.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	me := &MockExecutor{Delay: time.Minute}
	res := me.Execute(ctx, record.FunctionCompute, raw)
	req.False(res.Success)
	req.Equal(string(record.ErrorClassComputeLost), res.Error.Type)
}
