package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type proxyOuter struct {
	proxyEmbedded

	Internal struct {
		A int
	}
}

type proxyEmbedded struct {
	Internal struct {
		B int
	}
}

type proxyNested struct {
	Internal struct {
		Internal struct {
			C int
		}
	}
}

func TestGetInternalStructs(t *testing.T) {
	var proxy proxyOuter

	sts := GetInternalStructs(&proxy)
	require.Len(t, sts, 2)

	sa := sts[0].(*struct{ A int })
	sa.A = 3
	sb := sts[1].(*struct{ B int })
	sb.B = 4

	require.Equal(t, 3, proxy.Internal.A)
	require.Equal(t, 4, proxy.proxyEmbedded.Internal.B)
}

func TestNestedInternalStructs(t *testing.T) {
	var proxy proxyNested

	// check that only the top-level internal struct gets picked up

	sts := GetInternalStructs(&proxy)
	require.Len(t, sts, 1)

	sa := sts[0].(*struct {
		Internal struct {
			C int
		}
	})
	sa.Internal.C = 5

	require.Equal(t, 5, proxy.Internal.Internal.C)
}
