package engine

import (
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
	"github.com/latticeproject/lattice/store"
)

// Kind is the behavior of one record kind. A kind decides, from the
// submitted specification and context, what actually gets dispatched: leaf
// kinds produce a task payload, service kinds a service payload.
type Kind interface {
	Name() string

	// Plan builds the dispatch payload for a new record of this kind. It
	// also runs at reset and revert time to requeue a fresh payload, so it
	// must be a pure function of its inputs. Exactly one of the returns is
	// non-nil.
	Plan(spec *record.Specification, context json.RawMessage) (*store.TaskPayload, *store.ServicePayload, error)
}

// ServiceKind drives a multi-round workflow. The orchestrator calls Iterate
// once every round, after all dependencies of the previous round finished
// successfully.
type ServiceKind interface {
	Kind

	Iterate(job IterationJob) (*IterationOutcome, error)
}

// IterationJob is what one orchestrator round hands to a service kind: the
// parent submission and the completed dependency set of the round before.
type IterationJob struct {
	RecordID      int64
	Specification *record.Specification
	Context       json.RawMessage

	// State is the snapshot taken at the version the orchestrator read;
	// writes race on that version.
	State json.RawMessage

	Dependencies []store.Dependency
}

// ChildSpec is one dependency record an iteration requests. Extras travel
// with the dependency link and come back to Iterate with the finished
// record.
type ChildSpec struct {
	Kind          string
	Specification record.Specification
	Context       json.RawMessage
	Extras        json.RawMessage
}

// IterationOutcome is what Iterate decides: either the workflow is done and
// Properties hold the aggregate results, or State advances and Children
// names the next dependency batch.
type IterationOutcome struct {
	Done       bool
	Properties json.RawMessage

	State    json.RawMessage
	Children []ChildSpec
}

type kindSet struct {
	kinds map[string]Kind
}

func newKindSet(kinds ...Kind) *kindSet {
	ks := &kindSet{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		ks.kinds[k.Name()] = k
	}
	return ks
}

func (ks *kindSet) get(name string) (Kind, error) {
	k, ok := ks.kinds[name]
	if !ok {
		return nil, xerrors.Errorf("unknown record kind %q", name)
	}
	return k, nil
}

func (ks *kindSet) service(name string) (ServiceKind, error) {
	k, err := ks.get(name)
	if err != nil {
		return nil, err
	}
	sk, ok := k.(ServiceKind)
	if !ok {
		return nil, xerrors.Errorf("record kind %q is not a service", name)
	}
	return sk, nil
}
