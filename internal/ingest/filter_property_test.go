package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventFileFilter checks CreatedByRun across generated
// hosts and timestamps: only files stamped by this host at or after
// the run start pass, whatever the surrounding name parts look like.
func TestProperty_EventFileFilter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("accepts same-host files stamped at or after start", prop.ForAll(
		func(startSec, delta int64, host string, extra uint) bool {
			name := fmt.Sprintf("events.out.tfevents.%d.%s", startSec+delta, host)
			if extra%2 == 0 {
				name = fmt.Sprintf("%s.%d.v2", name, extra)
			}
			return CreatedByRun(name, host, time.Unix(startSec, 0))
		},
		gen.Int64Range(0, 1<<31),
		gen.Int64Range(0, 1<<20),
		gen.Identifier(),
		gen.UInt(),
	))

	properties.Property("dotted hostnames match part-by-part", prop.ForAll(
		func(startSec int64, labelA, labelB string) bool {
			host := labelA + "." + labelB
			name := fmt.Sprintf("run.tfevents.%d.%s.12345", startSec, host)
			return CreatedByRun(name, host, time.Unix(startSec, 0))
		},
		gen.Int64Range(0, 1<<31),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("rejects files stamped before start", prop.ForAll(
		func(startSec, back int64, host string) bool {
			name := fmt.Sprintf("events.out.tfevents.%d.%s", startSec-back, host)
			return !CreatedByRun(name, host, time.Unix(startSec, 0))
		},
		gen.Int64Range(1<<20, 1<<31),
		gen.Int64Range(1, 1<<20),
		gen.Identifier(),
	))

	properties.Property("rejects files from other hosts", prop.ForAll(
		func(startSec int64, host string) bool {
			name := fmt.Sprintf("events.out.tfevents.%d.%sa", startSec, host)
			return !CreatedByRun(name, host+"b", time.Unix(startSec, 0))
		},
		gen.Int64Range(0, 1<<31),
		gen.Identifier(),
	))

	properties.Property("never consumes profiler placeholders", prop.ForAll(
		func(startSec int64, host string) bool {
			name := fmt.Sprintf("events.out.tfevents.%d.%s.profile-empty", startSec, host)
			return !CreatedByRun(name, host, time.Unix(startSec, 0))
		},
		gen.Int64Range(0, 1<<31),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
