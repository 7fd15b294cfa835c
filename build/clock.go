package build

import "github.com/raulk/clock"

// Clock is the global clock for the system. In standard builds,
// we use a real-time clock, which maps to the `time` package.
//
// Tests that need to exercise timeouts and sweeps can swap this
// for a mock clock and advance it manually.
var Clock = clock.New()
