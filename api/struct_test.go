package api

import (
	"reflect"
	"testing"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/stretchr/testify/require"
)

// Every exposed method must carry a known permission tag, otherwise the
// permission proxy would panic at daemon startup.
func TestPermTags(t *testing.T) {
	var s LatticeStruct
	internal := reflect.TypeOf(s.Internal)

	valid := map[auth.Permission]bool{}
	for _, p := range AllPermissions {
		valid[p] = true
	}

	require.NotZero(t, internal.NumField())
	for i := 0; i < internal.NumField(); i++ {
		f := internal.Field(i)
		perm, ok := f.Tag.Lookup("perm")
		require.True(t, ok, "method %s has no perm tag", f.Name)
		require.True(t, valid[auth.Permission(perm)], "method %s has unknown perm %q", f.Name, perm)
	}
}

// The proxy struct and the interface must list exactly the same methods.
func TestStructCoversInterface(t *testing.T) {
	var s LatticeStruct
	internal := reflect.TypeOf(s.Internal)
	iface := reflect.TypeOf((*Lattice)(nil)).Elem()

	require.Equal(t, iface.NumMethod(), internal.NumField())
	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		f, ok := internal.FieldByName(m.Name)
		require.True(t, ok, "interface method %s missing from LatticeStruct", m.Name)
		require.Equal(t, m.Type, f.Type, "signature mismatch for %s", m.Name)
	}
}
