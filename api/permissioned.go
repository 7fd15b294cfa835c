package api

import (
	"github.com/filecoin-project/go-jsonrpc/auth"
)

const (
	PermRead    auth.Permission = "read" // default
	PermWrite   auth.Permission = "write"
	PermCompute auth.Permission = "compute" // claim tasks, return results, heartbeat
	PermAdmin   auth.Permission = "admin"   // bulk mutations, tokens, shutdown
)

var AllPermissions = []auth.Permission{PermRead, PermWrite, PermCompute, PermAdmin}
var DefaultPerms = []auth.Permission{PermRead}

// PermissionedLatticeAPI wraps the API so every call checks the permission
// tag on LatticeStruct against the permissions carried by the caller's
// token.
func PermissionedLatticeAPI(a Lattice) Lattice {
	var out LatticeStruct
	permissionedProxies(a, &out)
	return &out
}

func permissionedProxies(in, out interface{}) {
	outs := GetInternalStructs(out)
	for _, o := range outs {
		auth.PermissionedProxy(AllPermissions, DefaultPerms, in, o)
	}
}
