// Package alloc implements the current-allocation policy: given a
// slave's just-updated heartbeat state, the shared budget, and the
// wiring ceilings, it decides the amperage to offer that slave on the
// next master heartbeat and any vehicle-API side effects that follow.
package alloc

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/twcmaster/twcmaster/internal/protocol"
	"github.com/twcmaster/twcmaster/internal/slave"
)

// significantChangeDelta is the actual-amps swing that resets
// significant_change_at, matching the source's 0.8 A threshold.
const significantChangeDelta = 0.8

// Config carries the wiring ceilings the policy enforces.
type Config struct {
	WiringMaxAmpsAll float64
	MinAmpsPerTWC    float64
}

// VehicleDispatcher is the vehicle-API collaborator's inbound edge.
// It must itself rate-limit to at most one start/stop request per
// minute per vehicle (spec.md §4.6); the policy only decides when to
// ask.
type VehicleDispatcher interface {
	EnqueueStopCharge(id protocol.TWCID)
	EnqueueStartCharge(id protocol.TWCID)
	ResetStopAskingToStart(id protocol.TWCID)
}

// Policy is the stateless evaluator; all mutable per-slave state lives
// on the slave.Slave record itself so concurrent slaves don't share a
// lock beyond the one the caller already holds over the registry.
type Policy struct {
	cfg        Config
	dispatcher VehicleDispatcher
	log        *zap.SugaredLogger
}

func NewPolicy(cfg Config, dispatcher VehicleDispatcher, log *zap.SugaredLogger) *Policy {
	return &Policy{cfg: cfg, dispatcher: dispatcher, log: log}
}

// Evaluate runs the full 11-step allocation policy for target and
// returns the amps to offer plus the command byte for the next master
// heartbeat. Caller must hold whatever lock protects budget and the
// registry for the duration of the call (spec.md §5).
func (p *Policy) Evaluate(now time.Time, reg *slave.Registry, target *slave.Slave, rawBudget float64) (amps float64, cmd protocol.Command) {
	// A never-offered slave (sentinel -1) starts from whatever max it
	// just reported, rather than 0, so the first allocation pass isn't
	// read as "we already decided to cut power."
	if target.LastAmpsOffered < 0 {
		target.LastAmpsOffered = target.ReportedAmpsMax
	}

	p.trackSignificantChange(target, now)

	budget := rawBudget
	if budget > p.cfg.WiringMaxAmpsAll {
		if p.log != nil {
			p.log.Warnw("budget exceeds aggregate wiring ceiling, clamping",
				"budget", budget, "wiringMaxAmpsAll", p.cfg.WiringMaxAmpsAll)
		}
		budget = p.cfg.WiringMaxAmpsAll
	}

	others := otherActiveSlaves(reg, now, target.TWCID)

	// Step 2: count cars charging. The base of 1 always counts the
	// current slave regardless of its own actual draw — reproduced
	// verbatim per the source's documented open question; only
	// *other* slaves are tested against the 1.0 A threshold.
	numCarsCharging := 1
	sumOthersActual := 0.0
	for _, s := range others {
		sumOthersActual += s.ReportedAmpsActual
		if s.ReportedAmpsActual >= 1.0 {
			numCarsCharging++
		}
	}
	fairShare := math.Floor(budget / float64(numCarsCharging))

	// Step 3/4
	desired := budget - sumOthersActual
	if fairShare < desired {
		desired = fairShare
	}

	// Step 5
	minToOffer := target.MinAmpsSupported
	if p.cfg.MinAmpsPerTWC > minToOffer {
		minToOffer = p.cfg.MinAmpsPerTWC
	}
	if desired < minToOffer {
		if budget/float64(numCarsCharging) > minToOffer {
			desired = target.MinAmpsSupported
		} else {
			desired = 0
		}
	} else {
		desired = math.Floor(desired)
	}

	// Step 6: stop-charge hysteresis.
	if desired == 0 && target.LastAmpsOffered > 0 {
		if now.Sub(target.LastAmpsOfferedChangedAt) < 60*time.Second ||
			now.Sub(target.SignificantChangeAt) < 60*time.Second ||
			target.ReportedAmpsActual < 4.0 {
			desired = minToOffer
		}
	}

	// Step 7: start-charge hysteresis.
	if target.LastAmpsOffered == 0 && desired > 0 {
		if now.Sub(target.LastAmpsOfferedChangedAt) < 60*time.Second {
			desired = target.LastAmpsOffered
		}
	}

	// Step 8: "6 A stuck" spike workaround.
	spike := target.SpikeAmps
	applySpike := (desired < spike && desired > target.LastAmpsOffered) ||
		(target.ReportedAmpsActual > 2.0 && target.ReportedAmpsActual <= spike &&
			(target.LastAmpsOffered-target.ReportedAmpsActual) > 2.0 &&
			now.Sub(target.SignificantChangeAt) > 10*time.Second)
	if applySpike {
		switch {
		case target.LastAmpsOffered == spike && now.Sub(target.SignificantChangeAt) > 10*time.Second:
			desired = spike - 2.0
		case now.Sub(target.LastAmpsOfferedChangedAt) > 5*time.Second:
			desired = spike
		default:
			desired = target.LastAmpsOffered
		}
	}

	// Step 9: rate-limit decreases.
	if desired < target.LastAmpsOffered && now.Sub(target.LastAmpsOfferedChangedAt) < 5*time.Second {
		desired = target.LastAmpsOffered
	}

	// Step 10: final safety clamp.
	if sumOthersActual+desired > p.cfg.WiringMaxAmpsAll {
		desired = p.cfg.WiringMaxAmpsAll - sumOthersActual
		if desired < target.MinAmpsSupported {
			desired = target.MinAmpsSupported
		}
	}
	if desired > target.WiringMaxAmps {
		desired = target.WiringMaxAmps
	}

	valueChanged := desired != target.LastAmpsOffered
	target.LastAmpsOffered = desired
	if valueChanged {
		target.LastAmpsOfferedChangedAt = now
	}

	// Step 11: emit. Keyed on the slave's reported max, not on whether
	// our own offer just changed: a slave whose reportedAmpsMax hasn't
	// caught up to desired (stuck at an old limit), or that's being told
	// to stop (desired == 0), must keep getting 05/09 every tick or it
	// never actually moves. A settled-at-zero slave that got 00 every
	// tick would click its contactor between 01 and 03.
	cmd = protocol.CmdNoChange
	if target.ReportedAmpsMax != desired || desired == 0 {
		cmd = protocol.CmdSetLimitV1
		if target.Version == protocol.V2 {
			cmd = protocol.CmdSetLimitV2
		}
	}

	p.dispatchVehicleSideEffects(target, reg)

	return desired, cmd
}

// dispatchVehicleSideEffects is V2-only per spec.md §4.6; V1 slaves
// have no vehicle-API correlate to drive.
func (p *Policy) dispatchVehicleSideEffects(target *slave.Slave, reg *slave.Registry) {
	if target.Version != protocol.V2 || p.dispatcher == nil {
		return
	}
	switch {
	case target.LastAmpsOffered == 0 && target.ReportedAmpsActual > 4.0:
		p.dispatcher.EnqueueStopCharge(target.TWCID)
	case target.LastAmpsOffered >= 5.0 && target.ReportedAmpsActual < 2.0 && target.ReportedState != protocol.StateError:
		p.dispatcher.EnqueueStartCharge(target.TWCID)
	case target.ReportedAmpsActual > 4.0:
		for _, s := range reg.All() {
			p.dispatcher.ResetStopAskingToStart(s.TWCID)
		}
	}
}

func (p *Policy) trackSignificantChange(target *slave.Slave, now time.Time) {
	if math.Abs(target.ReportedAmpsActual-target.SignificantChangeMonitor) >= significantChangeDelta {
		target.SignificantChangeMonitor = target.ReportedAmpsActual
		target.SignificantChangeAt = now
	}
}

func otherActiveSlaves(reg *slave.Registry, now time.Time, exclude protocol.TWCID) []*slave.Slave {
	active := reg.Active(now)
	others := make([]*slave.Slave, 0, len(active))
	for _, s := range active {
		if s.TWCID == exclude {
			continue
		}
		others = append(others, s)
	}
	return others
}
