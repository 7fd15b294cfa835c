package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"

	"golang.org/x/xerrors"
)

// floatPrecision is the number of decimal places numeric values are rounded
// to before hashing, so float noise from different producers cannot split
// otherwise identical specifications.
const floatPrecision = 10

// Specification is an immutable, content-addressed description of a
// computation. Two specifications that normalize to the same canonical form
// share one stored row and one hash.
type Specification struct {
	Program string  `json:"program"`
	Driver  string  `json:"driver"`
	Method  string  `json:"method"`
	Basis   *string `json:"basis"`

	// Keywords are program-specific options. Keys are sorted recursively in
	// the canonical form; string values are case-preserved.
	Keywords map[string]interface{} `json:"keywords,omitempty"`

	// Protocols control what artifacts the computation keeps.
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

// canonicalSpec is the normalized shape that gets hashed. Field order is
// fixed; encoding/json sorts map keys.
type canonicalSpec struct {
	Program   string                 `json:"program"`
	Driver    string                 `json:"driver"`
	Method    string                 `json:"method"`
	Basis     string                 `json:"basis"`
	Keywords  map[string]interface{} `json:"keywords,omitempty"`
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

// Canonicalize returns the normalized copy of the specification: identifier
// fields lowercased, a nil basis collapsed to the empty string, empty
// keyword/protocol maps stripped, and floats rounded.
func (s Specification) Canonicalize() Specification {
	c := s.canonical()
	out := Specification{
		Program:   c.Program,
		Driver:    c.Driver,
		Method:    c.Method,
		Basis:     &c.Basis,
		Keywords:  c.Keywords,
		Protocols: c.Protocols,
	}
	return out
}

func (s Specification) canonical() canonicalSpec {
	basis := ""
	if s.Basis != nil {
		basis = strings.ToLower(strings.TrimSpace(*s.Basis))
	}

	c := canonicalSpec{
		Program: strings.ToLower(strings.TrimSpace(s.Program)),
		Driver:  strings.ToLower(strings.TrimSpace(s.Driver)),
		Method:  strings.ToLower(strings.TrimSpace(s.Method)),
		Basis:   basis,
	}
	if len(s.Keywords) > 0 {
		c.Keywords = normalizeMap(s.Keywords)
	}
	if len(s.Protocols) > 0 {
		c.Protocols = normalizeMap(s.Protocols)
	}
	return c
}

// CanonicalJSON renders the normalized form as deterministic JSON.
func (s Specification) CanonicalJSON() ([]byte, error) {
	b, err := json.Marshal(s.canonical())
	if err != nil {
		return nil, xerrors.Errorf("marshaling canonical specification: %w", err)
	}
	return b, nil
}

// Hash returns the hex sha256 of the canonical JSON. This is the
// specification's identity: equal hash means equal specification.
func (s Specification) Hash() (string, error) {
	b, err := s.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashValue normalizes an arbitrary JSON document (recursively sorted keys,
// rounded floats) and returns its hex sha256. Used for the submission
// context (input molecules and the like) that participates in record
// deduplication.
func HashValue(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", xerrors.Errorf("unmarshaling value for hashing: %w", err)
	}
	b, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return "", xerrors.Errorf("marshaling normalized value: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case float64:
		return roundFloat(t)
	default:
		return v
	}
}

func roundFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	shift := math.Pow10(floatPrecision)
	return math.Round(f*shift) / shift
}
