package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestSpecificationHashCaseInsensitive(t *testing.T) {
	a := Specification{Program: "prog1", Driver: "energy", Method: "B3LYP", Basis: strptr("6-31G*")}
	b := Specification{Program: "Prog1", Driver: "ENERGY", Method: "b3lyp", Basis: strptr("6-31g*")}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Len(t, ha, 64)
}

func TestSpecificationHashNilBasisEqualsEmpty(t *testing.T) {
	a := Specification{Program: "prog1", Driver: "energy", Method: "hf", Basis: nil}
	b := Specification{Program: "prog1", Driver: "energy", Method: "hf", Basis: strptr("")}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestSpecificationHashKeywordValueMatters(t *testing.T) {
	a := Specification{
		Program: "prog1", Driver: "energy", Method: "hf", Basis: strptr("sto-3g"),
		Keywords: map[string]interface{}{"maxiter": float64(100)},
	}
	b := Specification{
		Program: "prog1", Driver: "energy", Method: "hf", Basis: strptr("sto-3g"),
		Keywords: map[string]interface{}{"maxiter": float64(200)},
	}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestSpecificationHashKeywordValueCasePreserved(t *testing.T) {
	a := Specification{
		Program: "prog1", Driver: "energy", Method: "hf",
		Keywords: map[string]interface{}{"scf_type": "DF"},
	}
	b := Specification{
		Program: "prog1", Driver: "energy", Method: "hf",
		Keywords: map[string]interface{}{"scf_type": "df"},
	}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestSpecificationHashFloatNoise(t *testing.T) {
	a := Specification{
		Program: "prog1", Driver: "energy", Method: "hf",
		Keywords: map[string]interface{}{"conv": 0.3},
	}
	b := Specification{
		Program: "prog1", Driver: "energy", Method: "hf",
		Keywords: map[string]interface{}{"conv": 0.1 + 0.2},
	}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestSpecificationHashEmptyKeywordsStripped(t *testing.T) {
	a := Specification{Program: "prog1", Driver: "energy", Method: "hf"}
	b := Specification{Program: "prog1", Driver: "energy", Method: "hf", Keywords: map[string]interface{}{}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestSpecificationCanonicalJSONNestedKeysSorted(t *testing.T) {
	s := Specification{
		Program: "prog1", Driver: "energy", Method: "hf",
		Keywords: map[string]interface{}{
			"zeta":  float64(1),
			"alpha": map[string]interface{}{"b": float64(2), "a": float64(1)},
		},
	}
	j, err := s.CanonicalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"program":"prog1","driver":"energy","method":"hf","basis":"",
		"keywords":{"alpha":{"a":1,"b":2},"zeta":1}
	}`, string(j))

	// deterministic byte ordering, not just structural equality
	j2, err := s.CanonicalJSON()
	require.NoError(t, err)
	require.Equal(t, j, j2)
}

func TestHashValue(t *testing.T) {
	a, err := HashValue(json.RawMessage(`{"symbols":["O","H","H"],"geometry":[0.0,0.1,0.30000000000000004]}`))
	require.NoError(t, err)
	b, err := HashValue(json.RawMessage(`{"geometry":[0.0,0.1,0.3],"symbols":["O","H","H"]}`))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := HashValue(json.RawMessage(`{"geometry":[0.0,0.1,0.4],"symbols":["O","H","H"]}`))
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	empty, err := HashValue(nil)
	require.NoError(t, err)
	require.Equal(t, "", empty)
}
