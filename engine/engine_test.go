package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/engine"
	"github.com/latticeproject/lattice/journal"
	"github.com/latticeproject/lattice/journal/alerting"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

func newTestEngine(t *testing.T, cfg engine.Config) (*engine.Engine, *store.Store, context.Context) {
	t.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	j := journal.NilJournal()
	e := engine.New(s, j, alerting.NewAlertingSystem(j), cfg)
	t.Cleanup(func() {
		require.NoError(t, e.Stop(ctx))
		require.NoError(t, s.Close())
	})
	return e, s, ctx
}

func useMockClock(t *testing.T) *clock.Mock {
	t.Helper()

	mc := clock.NewMock()
	mc.Set(time.Now())
	prev := build.Clock
	build.Clock = mc
	t.Cleanup(func() { build.Clock = prev })
	return mc
}

func activateManager(t *testing.T, e *engine.Engine, ctx context.Context, name string, programs ...string) {
	t.Helper()

	require.NoError(t, e.ActivateManager(ctx, record.Manager{
		Name:     name,
		Cluster:  "testcluster",
		Hostname: "node1",
		Tags:     []string{"*"},
		Programs: programs,
	}))
}

func singlepointSubmission(molecule string) engine.Submission {
	basis := "def2-svp"
	return engine.Submission{
		Kind: record.KindSinglepoint,
		Specification: record.Specification{
			Program: "psi4",
			Driver:  "energy",
			Method:  "b3lyp",
			Basis:   &basis,
		},
		Context:      json.RawMessage(molecule),
		Priority:     record.PriorityNormal,
		FindExisting: true,
	}
}

func scanSubmission(molecule string, values []interface{}, batch int) engine.Submission {
	kw := map[string]interface{}{
		"scan_variable": "distance",
		"scan_values":   values,
	}
	if batch > 0 {
		kw["scan_batch"] = float64(batch)
	}
	basis := "def2-svp"
	return engine.Submission{
		Kind: record.KindScan,
		Specification: record.Specification{
			Program:  "psi4",
			Driver:   "energy",
			Method:   "b3lyp",
			Basis:    &basis,
			Keywords: kw,
		},
		Context:      json.RawMessage(molecule),
		Priority:     record.PriorityNormal,
		FindExisting: true,
	}
}

// completeClaimed drains the manager's queue once, posting energy=-distance
// for each task. Returns how many results were accepted.
func completeClaimed(t *testing.T, e *engine.Engine, ctx context.Context, manager string) int {
	t.Helper()

	tasks, err := e.ClaimTasks(ctx, manager, 10)
	require.NoError(t, err)
	if len(tasks) == 0 {
		return 0
	}

	results := make(map[int64]record.Result, len(tasks))
	for _, task := range tasks {
		raw, err := record.Decompress(task.Args, task.ArgsCompression)
		require.NoError(t, err)
		var args struct {
			Specification record.Specification `json:"specification"`
		}
		require.NoError(t, json.Unmarshal(raw, &args))
		distance, _ := args.Specification.Keywords["distance"].(float64)
		results[task.RecordID] = record.Result{
			Success:    true,
			Properties: json.RawMessage(fmt.Sprintf(`{"energy":%g}`, -distance)),
			Walltime:   1.5,
		}
	}

	accepted, rejected, err := e.SubmitResults(ctx, manager, results)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Equal(t, len(tasks), accepted)
	return accepted
}

func TestSubmitDedup(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	id1, created, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	req.True(created)

	// same submission resolves to the same record
	id2, created, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	req.False(created)
	req.Equal(id1, id2)

	// specification matching is canonical, not textual
	sub := singlepointSubmission(`{"symbols":["H","H"]}`)
	sub.Specification.Method = "B3LYP"
	id3, created, err := e.Submit(ctx, sub)
	req.NoError(err)
	req.False(created)
	req.Equal(id1, id3)

	// a forced-new record neither matches nor pollutes the dedup index
	sub = singlepointSubmission(`{"symbols":["H","H"]}`)
	sub.FindExisting = false
	forced, created, err := e.Submit(ctx, sub)
	req.NoError(err)
	req.True(created)
	req.NotEqual(id1, forced)

	id5, created, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	req.False(created)
	req.Equal(id1, id5)

	// tag is normalized on the way in
	sub = singlepointSubmission(`{"symbols":["O","O"]}`)
	sub.Tag = "  GPU-Large "
	tagged, _, err := e.Submit(ctx, sub)
	req.NoError(err)
	r, err := s.GetRecord(ctx, tagged, store.Include{})
	req.NoError(err)
	req.Equal("gpu-large", r.Tag)

	batch, err := e.SubmitBatch(ctx, []engine.Submission{
		singlepointSubmission(`{"symbols":["H","H"]}`),
		singlepointSubmission(`{"symbols":["N","N"]}`),
		singlepointSubmission(`{"symbols":["N","N"]}`),
	})
	req.NoError(err)
	req.Equal([]int64{id1, batch.IDs[1], batch.IDs[1]}, batch.IDs)
	req.Equal(1, batch.NumInserted)
	req.Equal(2, batch.NumExisting)
	req.Equal([]int{1}, batch.InsertedIdx)
	req.Equal([]int{0, 2}, batch.ExistingIdx)
}

func TestSubmitValidation(t *testing.T) {
	e, _, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	sub := singlepointSubmission(`{"symbols":["H"]}`)
	sub.Kind = "torsiondrive"
	_, _, err := e.Submit(ctx, sub)
	req.ErrorContains(err, "unknown record kind")

	sub = singlepointSubmission(`{"symbols":["H"]}`)
	sub.Context = nil
	_, _, err = e.Submit(ctx, sub)
	req.ErrorContains(err, "molecule")

	sub = singlepointSubmission(`{"symbols":["H"]}`)
	sub.Priority = record.Priority(7)
	_, _, err = e.Submit(ctx, sub)
	req.ErrorContains(err, "priority")
}

func TestClaimAndResults(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	okID, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	badID, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["He"]}`))
	req.NoError(err)

	_, err = e.ClaimTasks(ctx, "nobody", 5)
	req.ErrorContains(err, "not active")

	tasks, err := e.ClaimTasks(ctx, "mgr-a", 5)
	req.NoError(err)
	req.Len(tasks, 2)
	for _, task := range tasks {
		req.Equal("mgr-a", task.Owner)
	}

	accepted, rejected, err := e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
		okID: {
			Success:    true,
			Properties: json.RawMessage(`{"energy":-1.17}`),
			Stdout:     []byte("scf converged\n"),
			Walltime:   2.25,
		},
		badID: {
			Success:  false,
			Stderr:   []byte("backtrace\n"),
			Error:    &record.ComputeError{Type: "random_error", Message: "node fell over"},
			Walltime: 0.5,
		},
	})
	req.NoError(err)
	req.Equal(2, accepted)
	req.Empty(rejected)

	r, err := s.GetRecord(ctx, okID, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)
	req.Equal("mgr-a", r.Manager)
	req.JSONEq(`{"energy":-1.17}`, string(r.Properties))

	out, err := s.GetOutput(ctx, okID, record.OutputStdout)
	req.NoError(err)
	req.Equal(record.CompressionZstd, out.Compression)
	raw, err := record.Decompress(out.Data, out.Compression)
	req.NoError(err)
	req.Equal("scf converged\n", string(raw))

	r, err = s.GetRecord(ctx, badID, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusError, r.Status)

	out, err = s.GetOutput(ctx, badID, record.OutputError)
	req.NoError(err)
	raw, err = record.Decompress(out.Data, out.Compression)
	req.NoError(err)
	var cerr record.ComputeError
	req.NoError(json.Unmarshal(raw, &cerr))
	req.Equal("random_error", cerr.Type)

	hist, err := s.GetHistory(ctx, okID)
	req.NoError(err)
	req.Len(hist, 1)
	req.Equal(record.StatusComplete, hist[0].Status)
	req.Equal(2.25, hist[0].Walltime)

	// retired managers cannot claim
	released, err := e.DeactivateManager(ctx, "mgr-a")
	req.NoError(err)
	req.Zero(released)
	_, err = e.ClaimTasks(ctx, "mgr-a", 5)
	req.ErrorContains(err, "not active")
}

func TestClaimCap(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ClaimLimit = 1
	e, _, ctx := newTestEngine(t, cfg)
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")
	for i := 0; i < 3; i++ {
		_, _, err := e.Submit(ctx, singlepointSubmission(fmt.Sprintf(`{"charge":%d}`, i)))
		req.NoError(err)
	}

	tasks, err := e.ClaimTasks(ctx, "mgr-a", 50)
	req.NoError(err)
	req.Len(tasks, 1)
}

func TestResultRejections(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ReturnLimit = 2
	e, _, ctx := newTestEngine(t, cfg)
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")
	activateManager(t, e, ctx, "thief", "psi4")

	claimedID, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	waitingID, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["He"]}`))
	req.NoError(err)

	tasks, err := e.ClaimTasks(ctx, "mgr-a", 1)
	req.NoError(err)
	req.Len(tasks, 1)
	req.Equal(claimedID, tasks[0].RecordID)

	success := record.Result{Success: true, Properties: json.RawMessage(`{}`)}

	// a lease owned by someone else, and a record that has none
	accepted, rejected, err := e.SubmitResults(ctx, "thief", map[int64]record.Result{
		claimedID: success,
		waitingID: success,
	})
	req.NoError(err)
	req.Zero(accepted)
	req.Len(rejected, 2)

	accepted, rejected, err = e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
		claimedID: success,
		99999:     success,
	})
	req.NoError(err)
	req.Equal(1, accepted)
	req.Len(rejected, 1)
	req.Equal(int64(99999), rejected[0].RecordID)

	_, _, err = e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
		1: success, 2: success, 3: success,
	})
	req.ErrorContains(err, "limit")
}

func TestAutoReset(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.AutoReset = true
	cfg.AutoResetLimits = map[record.ErrorClass]int{record.ErrorClassRandom: 2}
	e, s, ctx := newTestEngine(t, cfg)
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")
	id, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)

	failOnce := func() {
		tasks, err := e.ClaimTasks(ctx, "mgr-a", 5)
		req.NoError(err)
		req.Len(tasks, 1)
		accepted, rejected, err := e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
			id: {Error: &record.ComputeError{Type: "random_error", Message: "cosmic ray"}},
		})
		req.NoError(err)
		req.Equal(1, accepted)
		req.Empty(rejected)
	}

	// two failures under the limit go back to the queue
	failOnce()
	r, err := s.GetRecord(ctx, id, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusWaiting, r.Status)

	failOnce()
	r, err = s.GetRecord(ctx, id, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusWaiting, r.Status)

	counts, err := s.GetResetCounts(ctx, id)
	req.NoError(err)
	req.Equal(2, counts[record.ErrorClassRandom])

	// the third failure exhausts the class limit
	failOnce()
	r, err = s.GetRecord(ctx, id, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusError, r.Status)

	// classes without a configured limit never reset
	other, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["Ne"]}`))
	req.NoError(err)
	tasks, err := e.ClaimTasks(ctx, "mgr-a", 5)
	req.NoError(err)
	req.Len(tasks, 1)
	_, _, err = e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
		other: {Error: &record.ComputeError{Type: "segfault", Message: "boom"}},
	})
	req.NoError(err)
	r, err = s.GetRecord(ctx, other, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusError, r.Status)
}

func TestScanService(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	parent, created, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0, 2.0, 3.0}, 2))
	req.NoError(err)
	req.True(created)

	// first pass sends out the first batch
	moved, err := e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(1, moved)

	children, err := s.GetChildren(ctx, parent)
	req.NoError(err)
	req.Len(children, 2)

	r, err := s.GetRecord(ctx, parent, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusRunning, r.Status)

	// nothing to do while the batch is in flight
	moved, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Zero(moved)

	req.Equal(2, completeClaimed(t, e, ctx, "mgr-a"))

	// second pass folds the results and sends the last point
	moved, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(1, moved)

	children, err = s.GetChildren(ctx, parent)
	req.NoError(err)
	req.Len(children, 3)

	req.Equal(1, completeClaimed(t, e, ctx, "mgr-a"))

	moved, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(1, moved)

	r, err = s.GetRecord(ctx, parent, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)

	var result struct {
		Variable string            `json:"scan_variable"`
		Values   []float64         `json:"scan_values"`
		Results  []json.RawMessage `json:"results"`
	}
	req.NoError(json.Unmarshal(r.Properties, &result))
	req.Equal("distance", result.Variable)
	req.Equal([]float64{1.0, 2.0, 3.0}, result.Values)
	req.Len(result.Results, 3)
	req.JSONEq(`{"energy":-1}`, string(result.Results[0]))
	req.JSONEq(`{"energy":-2}`, string(result.Results[1]))
	req.JSONEq(`{"energy":-3}`, string(result.Results[2]))

	n, err := s.CountActiveServices(ctx)
	req.NoError(err)
	req.Zero(n)
}

func TestScanSharesCompletedChildren(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	first, _, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0, 2.0}, 0))
	req.NoError(err)

	_, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(2, completeClaimed(t, e, ctx, "mgr-a"))
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	r, err := s.GetRecord(ctx, first, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)

	// a second scan over the same grid reuses the finished children and
	// completes without a single new task
	second, created, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0, 2.0}, 1))
	req.NoError(err)
	req.True(created)
	req.NotEqual(first, second)

	_, err = e.IterateServices(ctx)
	req.NoError(err)
	tasks, err := e.ClaimTasks(ctx, "mgr-a", 10)
	req.NoError(err)
	req.Empty(tasks)
	_, err = e.IterateServices(ctx)
	req.NoError(err)
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	r, err = s.GetRecord(ctx, second, store.Include{Children: true})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)

	firstRec, err := s.GetRecord(ctx, first, store.Include{Children: true})
	req.NoError(err)
	req.Equal(firstRec.ChildIDs, r.ChildIDs)
}

func TestServiceDependencyFailureAndReset(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	parent, _, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0}, 0))
	req.NoError(err)

	_, err = e.IterateServices(ctx)
	req.NoError(err)

	children, err := s.GetChildren(ctx, parent)
	req.NoError(err)
	req.Len(children, 1)
	child := children[0]

	tasks, err := e.ClaimTasks(ctx, "mgr-a", 5)
	req.NoError(err)
	req.Len(tasks, 1)
	_, _, err = e.SubmitResults(ctx, "mgr-a", map[int64]record.Result{
		child: {Error: &record.ComputeError{Type: "unknown_error", Message: "diverged"}},
	})
	req.NoError(err)

	// the failed dependency fails the whole service
	moved, err := e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(1, moved)

	r, err := s.GetRecord(ctx, parent, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusError, r.Status)

	out, err := s.GetOutput(ctx, parent, record.OutputError)
	req.NoError(err)
	raw, err := record.Decompress(out.Data, out.Compression)
	req.NoError(err)
	var cerr record.ComputeError
	req.NoError(json.Unmarshal(raw, &cerr))
	req.Equal("dependency_error", cerr.Type)

	svc, err := s.GetServiceForRecord(ctx, parent)
	req.NoError(err)
	req.Nil(svc)

	// resetting parent and child restarts the procedure from scratch
	res, err := e.ResetRecords(ctx, []int64{parent, child})
	req.NoError(err)
	req.Equal(2, res.NUpdated)
	req.Empty(res.Errors)

	_, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(1, completeClaimed(t, e, ctx, "mgr-a"))
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	r, err = s.GetRecord(ctx, parent, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)
}

func TestCancelCascadeAndRevert(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	parent, _, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0, 2.0}, 0))
	req.NoError(err)
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	children, err := s.GetChildren(ctx, parent)
	req.NoError(err)
	req.Len(children, 2)

	res, err := e.CancelRecords(ctx, []int64{parent})
	req.NoError(err)
	req.Equal(1, res.NUpdated)

	for _, id := range append([]int64{parent}, children...) {
		r, err := s.GetRecord(ctx, id, store.Include{})
		req.NoError(err)
		req.Equal(record.StatusCancelled, r.Status)
	}

	tasks, err := e.ClaimTasks(ctx, "mgr-a", 10)
	req.NoError(err)
	req.Empty(tasks)

	// revert everything and run the scan to completion
	res, err = e.RevertRecords(ctx, append([]int64{parent}, children...))
	req.NoError(err)
	req.Equal(3, res.NUpdated)

	_, err = e.IterateServices(ctx)
	req.NoError(err)
	req.Equal(2, completeClaimed(t, e, ctx, "mgr-a"))
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	r, err := s.GetRecord(ctx, parent, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusComplete, r.Status)

	// bulk ops report per-record rejections without aborting
	res, err = e.CancelRecords(ctx, []int64{parent, 424242})
	req.NoError(err)
	req.Zero(res.NUpdated)
	req.Len(res.Errors, 2)
}

func TestDeleteCascade(t *testing.T) {
	e, s, ctx := newTestEngine(t, engine.DefaultConfig())
	req := require.New(t)

	activateManager(t, e, ctx, "mgr-a", "psi4")

	parent, _, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0}, 0))
	req.NoError(err)
	_, err = e.IterateServices(ctx)
	req.NoError(err)
	children, err := s.GetChildren(ctx, parent)
	req.NoError(err)
	req.Len(children, 1)

	// a dependency of a live service cannot be hard deleted
	res, err := e.DeleteRecords(ctx, []int64{children[0]}, false, false)
	req.NoError(err)
	req.Zero(res.NUpdated)
	req.Len(res.Errors, 1)
	req.Contains(res.Errors[0].Reason, "dependency")

	req.Equal(1, completeClaimed(t, e, ctx, "mgr-a"))
	_, err = e.IterateServices(ctx)
	req.NoError(err)

	res, err = e.DeleteRecords(ctx, []int64{parent}, true, true)
	req.NoError(err)
	req.Equal(1, res.NUpdated)

	for _, id := range append([]int64{parent}, children...) {
		r, err := s.GetRecord(ctx, id, store.Include{})
		req.NoError(err)
		req.Equal(record.StatusDeleted, r.Status)
	}

	res, err = e.DeleteRecords(ctx, []int64{parent}, false, true)
	req.NoError(err)
	req.Equal(1, res.NUpdated)

	_, err = s.GetRecord(ctx, parent, store.Include{})
	req.ErrorContains(err, "not found")
	_, err = s.GetRecord(ctx, children[0], store.Include{})
	req.ErrorContains(err, "not found")
}

func TestManagerSweep(t *testing.T) {
	mc := useMockClock(t)

	cfg := engine.DefaultConfig()
	cfg.HeartbeatFrequency = 10 * time.Second
	cfg.HeartbeatMaxMissed = 2
	e, s, ctx := newTestEngine(t, cfg)
	req := require.New(t)

	activateManager(t, e, ctx, "steady", "psi4")
	activateManager(t, e, ctx, "flaky", "psi4")

	id, _, err := e.Submit(ctx, singlepointSubmission(`{"symbols":["H","H"]}`))
	req.NoError(err)
	tasks, err := e.ClaimTasks(ctx, "flaky", 5)
	req.NoError(err)
	req.Len(tasks, 1)

	mc.Add(25 * time.Second)
	req.NoError(e.Heartbeat(ctx, "steady", record.ManagerStats{ActiveTasks: 0}))

	swept, err := e.SweepManagers(ctx)
	req.NoError(err)
	req.Equal(1, swept)

	alert := alerting.AlertType{System: "engine", Subsystem: "manager-heartbeat"}
	req.True(e.Alerts().IsRaised(alert))

	m, err := s.GetManager(ctx, "flaky")
	req.NoError(err)
	req.Equal(record.ManagerInactive, m.Status)

	// the released task went back to waiting and is claimable again
	r, err := s.GetRecord(ctx, id, store.Include{})
	req.NoError(err)
	req.Equal(record.StatusWaiting, r.Status)

	tasks, err = e.ClaimTasks(ctx, "steady", 5)
	req.NoError(err)
	req.Len(tasks, 1)
	req.Equal(id, tasks[0].RecordID)

	// the late result from the swept manager is refused outright
	_, _, err = e.SubmitResults(ctx, "flaky", map[int64]record.Result{
		id: {Success: true, Properties: json.RawMessage(`{}`)},
	})
	req.ErrorContains(err, "not active")

	// a clean pass resolves the alert
	swept, err = e.SweepManagers(ctx)
	req.NoError(err)
	req.Zero(swept)
	req.False(e.Alerts().IsRaised(alert))
}

func TestBackgroundLoops(t *testing.T) {
	mc := useMockClock(t)

	cfg := engine.DefaultConfig()
	cfg.ServiceFrequency = 5 * time.Second
	e, s, ctx := newTestEngine(t, cfg)
	req := require.New(t)

	parent, _, err := e.Submit(ctx, scanSubmission(`{"symbols":["H","H"]}`, []interface{}{1.0}, 0))
	req.NoError(err)

	e.Start()

	require.Eventually(t, func() bool {
		mc.Add(cfg.ServiceFrequency)
		children, err := s.GetChildren(ctx, parent)
		return err == nil && len(children) == 1
	}, 10*time.Second, 20*time.Millisecond)

	req.NoError(e.Stop(ctx))
	req.NoError(e.Stop(ctx))
}
