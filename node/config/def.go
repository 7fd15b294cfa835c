package config

import (
	"encoding"
	"time"
)

// Lattice is the daemon config, serialized as TOML in the repo. Every field
// can be overridden through the environment with the LATTICE prefix, e.g.
// LATTICE_API_LISTENADDRESS.
type Lattice struct {
	API     API
	Store   Store
	Engine  Engine
	Journal Journal
	Logging Logging
}

// API configures the JSON-RPC endpoint.
type API struct {
	// ListenAddress is the host:port the daemon binds. Port 0 picks a free
	// port, useful for tests.
	ListenAddress string
	Timeout       Duration
}

type Store struct {
	// Path of the sqlite database, relative to the repo unless absolute.
	Path string
}

// Engine mirrors engine.Config; see there for field semantics.
type Engine struct {
	ServiceFrequency  Duration
	MaxActiveServices int

	HeartbeatFrequency Duration
	HeartbeatMaxMissed int

	ClaimLimit  int
	ReturnLimit int

	AutoReset bool
	// AutoResetLimits caps automatic resets per error class.
	AutoResetLimits map[string]int
}

type Journal struct {
	// DisabledEvents is a comma-separated list of system:event pairs the
	// journal should not record.
	DisabledEvents string
}

// Logging lets the config pin per-subsystem log levels.
type Logging struct {
	SubsystemLevels map[string]string
}

// DefaultLattice returns the default daemon config. The engine numbers are
// deliberately conservative; large deployments tune them per site.
func DefaultLattice() *Lattice {
	return &Lattice{
		API: API{
			ListenAddress: "127.0.0.1:8642",
			Timeout:       Duration(30 * time.Second),
		},
		Store: Store{
			Path: "lattice.db",
		},
		Engine: Engine{
			ServiceFrequency:   Duration(60 * time.Second),
			MaxActiveServices:  20,
			HeartbeatFrequency: Duration(30 * time.Minute),
			HeartbeatMaxMissed: 5,
			ClaimLimit:         200,
			ReturnLimit:        10,
			AutoReset:          false,
			AutoResetLimits: map[string]int{
				"unknown_error": 2,
				"compute_lost":  5,
				"random_error":  5,
			},
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
