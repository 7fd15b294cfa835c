package engine

import (
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// singlepointKind is the built-in leaf kind: one specification applied to
// one molecule, executed as a single task.
type singlepointKind struct{}

func (singlepointKind) Name() string { return record.KindSinglepoint }

func (singlepointKind) Plan(spec *record.Specification, context json.RawMessage) (*store.TaskPayload, *store.ServicePayload, error) {
	if len(context) == 0 {
		return nil, nil, xerrors.Errorf("singlepoint submission needs a molecule")
	}

	raw, err := json.Marshal(record.ComputeArgs{
		Specification: *spec,
		Molecule:      context,
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("encoding task arguments: %w", err)
	}
	args, err := record.Compress(raw, record.CompressionZstd)
	if err != nil {
		return nil, nil, xerrors.Errorf("compressing task arguments: %w", err)
	}

	return &store.TaskPayload{
		Function:         record.FunctionCompute,
		Args:             args,
		ArgsCompression:  record.CompressionZstd,
		RequiredPrograms: []string{spec.Program},
	}, nil, nil
}
