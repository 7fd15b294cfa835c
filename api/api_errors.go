package api

import (
	"github.com/filecoin-project/go-jsonrpc"

	"github.com/latticeproject/lattice/record"
)

const (
	EInvalidTransition = iota + jsonrpc.FirstUserCode
	ENotOwner
	ERecordNotActive
	ERecordNotFound
	EStillReferenced
	EManagerNotActive
)

// RPCErrors maps the record error types onto wire codes so clients get the
// typed error back instead of a flat string.
var RPCErrors = jsonrpc.NewErrors()

func init() {
	RPCErrors.Register(EInvalidTransition, new(*record.InvalidTransitionError))
	RPCErrors.Register(ENotOwner, new(*record.NotOwnerError))
	RPCErrors.Register(ERecordNotActive, new(*record.NotActiveError))
	RPCErrors.Register(ERecordNotFound, new(*record.NotFoundError))
	RPCErrors.Register(EStillReferenced, new(*record.StillReferencedError))
	RPCErrors.Register(EManagerNotActive, new(*record.ManagerNotActiveError))
}
