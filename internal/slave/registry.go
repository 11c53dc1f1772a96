// Package slave tracks known TWC slaves: their identity, protocol
// version, reported state, and the timers the allocation policy and
// liveness eviction both depend on.
package slave

import (
	"time"

	"github.com/twcmaster/twcmaster/internal/protocol"
)

// Slave is the per-TWCID record spec.md §3 describes. LastAmpsOffered
// starts at -1 (never offered) so the first allocation pass can tell
// "not yet set" apart from "offered zero."
type Slave struct {
	TWCID           protocol.TWCID
	Sign            protocol.Sign
	Version         protocol.Version
	MaxAmpsRating   float64
	WiringMaxAmps   float64
	MinAmpsSupported float64

	ReportedState      protocol.State
	ReportedAmpsMax    float64
	ReportedAmpsActual float64

	LastAmpsOffered           float64
	LastAmpsOfferedChangedAt  time.Time
	SignificantChangeAt       time.Time
	SignificantChangeMonitor  float64
	LastRxAt                  time.Time

	// SpikeAmps is the "6A stuck" workaround's spike target (read by
	// internal/alloc), set to 16 when New creates the record at the
	// slave's first link-ready.
	SpikeAmps float64

	// StopAskingToStart is not written by anything in this repository;
	// the start-charge latch in use is vehicle.RateLimitedDispatcher's,
	// set when a start request is sent and cleared when any slave
	// reports more than 4 A actual.
	StopAskingToStart bool

	KWhTotal                                  uint32
	VoltagePhaseA, VoltagePhaseB, VoltagePhaseC uint16

	LastHeartbeatSummary   string
	LastHeartbeatLoggedAt  time.Time

	wiringDegraded bool
	evictionLogged bool
}

// MarkEvictionLogged and EvictionLogged let the state machine log a
// liveness eviction exactly once per silence episode (spec.md §8
// property 7) instead of once per tick while the slave stays silent.
func (s *Slave) MarkEvictionLogged() { s.evictionLogged = true }
func (s *Slave) EvictionLogged() bool { return s.evictionLogged }
func (s *Slave) ClearEvictionLogged() { s.evictionLogged = false }

func New(id protocol.TWCID, sign protocol.Sign, version protocol.Version, maxAmpsRating, configuredWiringMax float64) *Slave {
	wiringMax := configuredWiringMax
	degraded := false
	if wiringMax > maxAmpsRating {
		wiringMax = maxAmpsRating / 4
		degraded = true
	}
	s := &Slave{
		TWCID:            id,
		Sign:             sign,
		Version:          version,
		MaxAmpsRating:    maxAmpsRating,
		WiringMaxAmps:    wiringMax,
		MinAmpsSupported: version.MinAmpsSupported(),
		LastAmpsOffered:          -1,
		SignificantChangeMonitor: -1,
		SpikeAmps:                16,
	}
	s.wiringDegraded = degraded
	return s
}

// wiringDegraded records whether New had to down-rate WiringMaxAmps
// because the configured ceiling exceeded the slave's self-reported
// rating (spec.md §7, "Configured rating > slave-reported rating").
// Exported via Degraded() rather than the field directly to keep the
// danger-warning condition co-located with its one caller.
func (s *Slave) Degraded() bool { return s.wiringDegraded }
