package itests

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/itests/kit"
	"github.com/latticeproject/lattice/manager"
	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

func hclScan(values []interface{}, batch int) api.SubmitParams {
	basis := "sto-3g"
	kw := map[string]interface{}{
		"scan_variable": "distance",
		"scan_values":   values,
	}
	if batch > 0 {
		kw["scan_batch"] = float64(batch)
	}
	return api.SubmitParams{
		Kind: record.KindScan,
		Specification: record.Specification{
			Program:  "psi4",
			Driver:   "energy",
			Method:   "b3lyp",
			Basis:    &basis,
			Keywords: kw,
		},
		Context: json.RawMessage(`{"symbols":["H","Cl"]}`),
	}
}

func TestScanLifecycle(t *testing.T) {
	c, d := kit.Daemon(t)
	ctx := context.Background()

	res, err := c.RecordSubmit(ctx, hclScan([]interface{}{0.9, 1.0, 1.1, 1.2}, 2))
	require.NoError(t, err)
	require.True(t, res.Created)

	// The parent starts as a service entry, not a task.
	r, err := c.RecordGet(ctx, res.ID, store.Include{Task: true, Service: true})
	require.NoError(t, err)
	require.Equal(t, record.StatusWaiting, r.Status)
	require.Nil(t, r.Task)
	require.NotNil(t, r.Service)

	d.StartManager(t, kit.ManagerConfig(), &manager.MockExecutor{})
	waitStatus(t, c, res.ID, record.StatusComplete)

	r, err = c.RecordGet(ctx, res.ID, store.Include{Children: true})
	require.NoError(t, err)
	require.Len(t, r.ChildIDs, 4)

	var scan struct {
		Variable string            `json:"scan_variable"`
		Values   []float64         `json:"scan_values"`
		Results  []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(r.Properties, &scan))
	require.Equal(t, "distance", scan.Variable)
	require.Equal(t, []float64{0.9, 1.0, 1.1, 1.2}, scan.Values)
	require.Len(t, scan.Results, 4)

	// Each grid point ran as its own singlepoint with the scanned variable
	// pinned in its keywords.
	seen := map[float64]bool{}
	for _, id := range r.ChildIDs {
		child, err := c.RecordGet(ctx, id, store.Include{})
		require.NoError(t, err)
		require.Equal(t, record.KindSinglepoint, child.Kind)
		require.Equal(t, record.StatusComplete, child.Status)

		spec, err := d.Store.GetSpecification(ctx, child.SpecID)
		require.NoError(t, err)
		v, ok := spec.Keywords["distance"].(float64)
		require.True(t, ok)
		require.NotContains(t, spec.Keywords, "scan_variable")
		seen[v] = true
	}
	require.Len(t, seen, 4)

	for i, raw := range scan.Results {
		require.NotEmpty(t, raw, "grid point %d has no result", i)
		require.Contains(t, string(raw), "return_result")
	}
}

func TestScanReusesExistingRecords(t *testing.T) {
	c, d := kit.Daemon(t)
	ctx := context.Background()
	d.StartManager(t, kit.ManagerConfig(), &manager.MockExecutor{})

	// Complete one grid point ahead of the scan.
	basis := "sto-3g"
	point, err := c.RecordSubmit(ctx, api.SubmitParams{
		Kind: record.KindSinglepoint,
		Specification: record.Specification{
			Program:  "psi4",
			Driver:   "energy",
			Method:   "b3lyp",
			Basis:    &basis,
			Keywords: map[string]interface{}{"distance": 1.0},
		},
		Context: json.RawMessage(`{"symbols":["H","Cl"]}`),
	})
	require.NoError(t, err)
	waitStatus(t, c, point.ID, record.StatusComplete)

	res, err := c.RecordSubmit(ctx, hclScan([]interface{}{0.9, 1.0}, 0))
	require.NoError(t, err)
	waitStatus(t, c, res.ID, record.StatusComplete)

	r, err := c.RecordGet(ctx, res.ID, store.Include{Children: true})
	require.NoError(t, err)
	require.Len(t, r.ChildIDs, 2)
	require.Contains(t, r.ChildIDs, point.ID, "matching grid point should reuse the finished record")
}

func TestScanDependencyFailure(t *testing.T) {
	c, d := kit.Daemon(t)
	ctx := context.Background()

	// Every execution fails hard so retries cannot save the scan.
	d.StartManager(t, kit.ManagerConfig(), manager.ExecFunc(func(ctx context.Context, function string, args []byte) record.Result {
		return record.Result{
			Success: false,
			Error:   &record.ComputeError{Type: "input_error", Message: "bad geometry"},
			Stderr:  []byte("bad geometry\n"),
		}
	}))

	res, err := c.RecordSubmit(ctx, hclScan([]interface{}{0.9, 1.0}, 0))
	require.NoError(t, err)
	waitStatus(t, c, res.ID, record.StatusError)

	out, err := c.RecordOutput(ctx, res.ID, record.OutputError)
	require.NoError(t, err)
	require.Contains(t, string(out), "dependency")

	// The failed children are what reset-and-rerun targets, not the parent.
	r, err := c.RecordGet(ctx, res.ID, store.Include{Children: true})
	require.NoError(t, err)
	for _, id := range r.ChildIDs {
		child, err := c.RecordGet(ctx, id, store.Include{})
		require.NoError(t, err)
		require.Equal(t, record.StatusError, child.Status)
	}
}
