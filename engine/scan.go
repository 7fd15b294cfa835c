package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// scanKind is the built-in service kind: a grid scan over one keyword
// variable, driving one singlepoint child per grid point. Points are
// dispatched in batches; a round's results must all come back before the
// next batch goes out.
type scanKind struct{}

func (scanKind) Name() string { return record.KindScan }

// scan keywords on the parent specification. They are stripped from the
// child specifications.
const (
	kwScanVariable = "scan_variable"
	kwScanValues   = "scan_values"
	kwScanBatch    = "scan_batch"
)

type scanState struct {
	Cursor int `json:"cursor"`

	// Results accumulates finished child properties keyed by stringified
	// grid index.
	Results map[string]json.RawMessage `json:"results"`
}

type scanExtras struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

type scanResult struct {
	Variable string            `json:"scan_variable"`
	Values   []float64         `json:"scan_values"`
	Results  []json.RawMessage `json:"results"`
}

func (scanKind) Plan(spec *record.Specification, context json.RawMessage) (*store.TaskPayload, *store.ServicePayload, error) {
	if len(context) == 0 {
		return nil, nil, xerrors.Errorf("scan submission needs a molecule")
	}
	if _, _, _, err := scanParams(spec); err != nil {
		return nil, nil, err
	}
	return nil, &store.ServicePayload{}, nil
}

func (k scanKind) Iterate(job IterationJob) (*IterationOutcome, error) {
	variable, values, batch, err := scanParams(job.Specification)
	if err != nil {
		return nil, err
	}

	st := scanState{Results: map[string]json.RawMessage{}}
	if len(job.State) > 0 {
		if err := json.Unmarshal(job.State, &st); err != nil {
			return nil, xerrors.Errorf("decoding scan state: %w", err)
		}
		if st.Results == nil {
			st.Results = map[string]json.RawMessage{}
		}
	}

	for _, dep := range job.Dependencies {
		var extras scanExtras
		if err := json.Unmarshal(dep.Extras, &extras); err != nil {
			return nil, xerrors.Errorf("decoding scan dependency extras: %w", err)
		}
		st.Results[strconv.Itoa(extras.Index)] = dep.Properties
	}

	if st.Cursor >= len(values) {
		results := make([]json.RawMessage, len(values))
		for i := range values {
			results[i] = st.Results[strconv.Itoa(i)]
		}
		props, err := json.Marshal(scanResult{
			Variable: variable,
			Values:   values,
			Results:  results,
		})
		if err != nil {
			return nil, xerrors.Errorf("encoding scan results: %w", err)
		}
		return &IterationOutcome{Done: true, Properties: props}, nil
	}

	end := len(values)
	if batch > 0 && st.Cursor+batch < end {
		end = st.Cursor + batch
	}

	var children []ChildSpec
	for i := st.Cursor; i < end; i++ {
		extras, err := json.Marshal(scanExtras{Index: i, Value: values[i]})
		if err != nil {
			return nil, err
		}
		children = append(children, ChildSpec{
			Kind:          record.KindSinglepoint,
			Specification: pointSpec(job.Specification, variable, values[i]),
			Context:       job.Context,
			Extras:        extras,
		})
	}
	st.Cursor = end

	state, err := json.Marshal(st)
	if err != nil {
		return nil, xerrors.Errorf("encoding scan state: %w", err)
	}
	return &IterationOutcome{State: state, Children: children}, nil
}

// pointSpec derives the child specification for one grid point: the scan
// keywords are dropped and the scanned variable pinned to the point value.
func pointSpec(parent *record.Specification, variable string, value float64) record.Specification {
	child := record.Specification{
		Program: parent.Program,
		Driver:  parent.Driver,
		Method:  parent.Method,
		Basis:   parent.Basis,
	}
	child.Keywords = make(map[string]interface{}, len(parent.Keywords))
	for key, v := range parent.Keywords {
		if strings.HasPrefix(key, "scan_") {
			continue
		}
		child.Keywords[key] = v
	}
	child.Keywords[variable] = value

	if len(parent.Protocols) > 0 {
		child.Protocols = make(map[string]interface{}, len(parent.Protocols))
		for key, v := range parent.Protocols {
			child.Protocols[key] = v
		}
	}
	return child
}

func scanParams(spec *record.Specification) (variable string, values []float64, batch int, err error) {
	variable, ok := spec.Keywords[kwScanVariable].(string)
	if !ok || variable == "" {
		return "", nil, 0, xerrors.Errorf("scan specification needs a %s keyword", kwScanVariable)
	}
	if strings.HasPrefix(variable, "scan_") {
		return "", nil, 0, xerrors.Errorf("scan variable %q shadows a reserved keyword", variable)
	}

	rawValues, ok := spec.Keywords[kwScanValues].([]interface{})
	if !ok {
		return "", nil, 0, xerrors.Errorf("scan specification needs a %s list", kwScanValues)
	}
	values = make([]float64, 0, len(rawValues))
	for _, rv := range rawValues {
		f, ok := rv.(float64)
		if !ok {
			return "", nil, 0, xerrors.Errorf("scan value %v is not a number", rv)
		}
		values = append(values, f)
	}

	if rawBatch, ok := spec.Keywords[kwScanBatch]; ok {
		f, ok := rawBatch.(float64)
		if !ok || f < 0 {
			return "", nil, 0, xerrors.Errorf("scan batch %v is not a non-negative number", rawBatch)
		}
		batch = int(f)
	}
	return variable, values, batch, nil
}
