package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/record"
)

// Executor runs one claimed task against its decompressed argument document.
// Execution failures are reported through the result's Error field, never by
// panicking; the error type drives the server's retry policy.
type Executor interface {
	Execute(ctx context.Context, function string, args []byte) record.Result
}

// ExecFunc adapts a plain function to the Executor interface.
type ExecFunc func(ctx context.Context, function string, args []byte) record.Result

func (f ExecFunc) Execute(ctx context.Context, function string, args []byte) record.Result {
	return f(ctx, function, args)
}

// MockExecutor fabricates results without running any chemistry program: it
// echoes the parsed specification and derives a stable pseudo-energy from
// the canonical specification and molecule, so identical requests produce
// identical results and grid scans produce distinct ones.
type MockExecutor struct {
	// Delay stretches every execution, simulating real work.
	Delay time.Duration
}

type mockProperties struct {
	Program      string  `json:"program"`
	Driver       string  `json:"driver"`
	Method       string  `json:"method"`
	ReturnResult float64 `json:"return_result"`
}

func (me *MockExecutor) Execute(ctx context.Context, function string, args []byte) record.Result {
	if function != record.FunctionCompute {
		return failure(record.ErrorClassUnknown, fmt.Sprintf("unknown function %q", function))
	}

	var doc record.ComputeArgs
	if err := json.Unmarshal(args, &doc); err != nil {
		return failure(record.ErrorClassUnknown, fmt.Sprintf("decoding argument document: %s", err))
	}

	if me.Delay > 0 {
		t := build.Clock.Timer(me.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return failure(record.ErrorClassComputeLost, "execution interrupted")
		case <-t.C:
		}
	}

	energy, err := mockEnergy(doc)
	if err != nil {
		return failure(record.ErrorClassUnknown, err.Error())
	}

	props, err := json.Marshal(mockProperties{
		Program:      doc.Specification.Program,
		Driver:       doc.Specification.Driver,
		Method:       doc.Specification.Method,
		ReturnResult: energy,
	})
	if err != nil {
		return failure(record.ErrorClassUnknown, fmt.Sprintf("encoding properties: %s", err))
	}

	return record.Result{
		Success:    true,
		Properties: props,
		Stdout:     []byte(fmt.Sprintf("mock %s/%s %s finished\n", doc.Specification.Program, doc.Specification.Method, doc.Specification.Driver)),
	}
}

// mockEnergy hashes the canonicalized request into a negative number of
// plausible magnitude.
func mockEnergy(doc record.ComputeArgs) (float64, error) {
	specHash, err := doc.Specification.Hash()
	if err != nil {
		return 0, xerrors.Errorf("hashing specification: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(specHash))
	_, _ = h.Write(doc.Molecule)
	return -float64(h.Sum64()%1_000_000) / 10_000, nil
}

func failure(class record.ErrorClass, msg string) record.Result {
	return record.Result{
		Success: false,
		Error:   &record.ComputeError{Type: string(class), Message: msg},
	}
}
