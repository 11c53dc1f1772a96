package alloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twcmaster/twcmaster/internal/protocol"
	"github.com/twcmaster/twcmaster/internal/slave"
)

type recordingDispatcher struct {
	stopped, started, reset []protocol.TWCID
}

func (d *recordingDispatcher) EnqueueStopCharge(id protocol.TWCID)  { d.stopped = append(d.stopped, id) }
func (d *recordingDispatcher) EnqueueStartCharge(id protocol.TWCID) { d.started = append(d.started, id) }
func (d *recordingDispatcher) ResetStopAskingToStart(id protocol.TWCID) {
	d.reset = append(d.reset, id)
}

func newTestRegistry(now time.Time, s ...*slave.Slave) *slave.Registry {
	reg := slave.NewRegistry()
	for _, sl := range s {
		sl.LastRxAt = now
		reg.Insert(sl)
	}
	return reg
}

func TestHeartbeatLoopOffersWholeBudget(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.ReportedState = protocol.StateReadyScheduled
	s.ReportedAmpsMax = 19.0
	s.ReportedAmpsActual = 0
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, cmd := p.Evaluate(now, reg, s, 20.0)

	assert.InDelta(t, 20.0, amps, 0.001)
	assert.Equal(t, protocol.CmdSetLimitV1, cmd)
}

func TestStopChargeHysteresisHoldsMinimumBeforeCuttingPower(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.LastAmpsOffered = 10
	s.LastAmpsOfferedChangedAt = now.Add(-30 * time.Second)
	s.SignificantChangeAt = now.Add(-30 * time.Second)
	s.ReportedAmpsActual = 9.5
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 5}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 3.0)

	assert.InDelta(t, 5.0, amps, 0.001, "hysteresis should hold min_to_offer rather than drop to 0 before 60s")

	later := now.Add(61 * time.Second)
	s.LastAmpsOfferedChangedAt = later.Add(-61 * time.Second)
	s.SignificantChangeAt = later.Add(-61 * time.Second)
	reg2 := newTestRegistry(later, s)
	amps2, _ := p.Evaluate(later, reg2, s, 3.0)
	assert.InDelta(t, 0.0, amps2, 0.001, "after 60s with no change, hysteresis should release to 0")
}

func TestSpikeWorkaroundAppliesAndDwells(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V2, 80, 80)
	s.LastAmpsOffered = 12
	s.LastAmpsOfferedChangedAt = now.Add(-15 * time.Second)
	s.SignificantChangeAt = now.Add(-15 * time.Second)
	s.SignificantChangeMonitor = 5.2
	s.ReportedAmpsActual = 5.2
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 40.0)

	assert.InDelta(t, 16.0, amps, 0.001, "spike should be offered when the car is stuck short of last offer")

	amps, _ = p.Evaluate(now.Add(2*time.Second), reg, s, 40.0)
	assert.InDelta(t, 16.0, amps, 0.001, "spike should dwell for 5s before any decrease")
}

func TestSpikeBacksOffAfterDwellingWithoutProgress(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V2, 80, 80)
	s.LastAmpsOffered = 16
	s.LastAmpsOfferedChangedAt = now.Add(-20 * time.Second)
	s.SignificantChangeAt = now.Add(-20 * time.Second)
	s.SignificantChangeMonitor = 5.2
	s.ReportedAmpsActual = 5.2
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 40.0)

	assert.InDelta(t, 14.0, amps, 0.001, "stuck past dwell time should back off 2A from the spike")
}

func TestPerTWCCeilingNeverExceeded(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 40, 40)
	s.ReportedAmpsActual = 0
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 90.0)

	assert.LessOrEqual(t, amps, s.WiringMaxAmps)
}

func TestAggregateCeilingRespectsOthersDraw(t *testing.T) {
	now := time.Now()
	target := slave.New(protocol.TWCID{0x01, 0x01}, 0x55, protocol.V2, 80, 80)
	target.ReportedAmpsActual = 0
	other := slave.New(protocol.TWCID{0x02, 0x02}, 0x55, protocol.V2, 80, 80)
	other.ReportedAmpsActual = 45.0
	reg := newTestRegistry(now, target, other)

	p := NewPolicy(Config{WiringMaxAmpsAll: 50, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, target, 50.0)

	assert.LessOrEqual(t, other.ReportedAmpsActual+amps, 50.0+target.MinAmpsSupported,
		"aggregate ceiling may only be exceeded transiently by the minimum-amps floor")
}

func TestRateLimitDecreaseHoldsWithinFiveSeconds(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.LastAmpsOffered = 20
	s.LastAmpsOfferedChangedAt = now.Add(-2 * time.Second)
	s.SignificantChangeAt = now.Add(-2 * time.Second)
	s.ReportedAmpsActual = 19.0
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 10.0)

	assert.InDelta(t, 20.0, amps, 0.001, "a decrease within 5s of the last change should be held")
}

func TestCommandRepeatsWhenReportedMaxStuckBelowDesired(t *testing.T) {
	// desired holds at last_amps_offered (a decrease within the 5s rate
	// limit), so our own offer didn't change tick-to-tick -- but the
	// slave's reported max is stuck at an old, lower limit. The command
	// must still be a set-limit so the slave actually moves.
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V2, 80, 80)
	s.LastAmpsOffered = 20
	s.LastAmpsOfferedChangedAt = now.Add(-2 * time.Second)
	s.SignificantChangeAt = now.Add(-2 * time.Second)
	s.ReportedAmpsActual = 19.0
	s.ReportedAmpsMax = 6.0
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, cmd := p.Evaluate(now, reg, s, 10.0)

	assert.InDelta(t, 20.0, amps, 0.001, "decrease held within the 5s rate limit")
	assert.Equal(t, protocol.CmdSetLimitV2, cmd, "stuck reportedAmpsMax must keep getting a set-limit command")
}

func TestCommandAlwaysSetLimitWhenDesiredIsZero(t *testing.T) {
	// Once desired has settled at 0 and stays there tick after tick, the
	// command must keep being a set-limit (05/09), never 00 -- a 00
	// while desired is 0 makes the slave's contactor click 01<->03.
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.LastAmpsOffered = 0
	s.LastAmpsOfferedChangedAt = now.Add(-120 * time.Second)
	s.SignificantChangeAt = now.Add(-120 * time.Second)
	s.ReportedAmpsMax = 0
	s.ReportedAmpsActual = 0
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, cmd := p.Evaluate(now, reg, s, 0)

	assert.InDelta(t, 0.0, amps, 0.001)
	assert.Equal(t, protocol.CmdSetLimitV1, cmd, "desired==0 must always emit a set-limit command, never no-change")
}

func TestV2VehicleSideEffectsDispatchStopCharge(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V2, 80, 80)
	s.LastAmpsOffered = 0
	s.LastAmpsOfferedChangedAt = now.Add(-120 * time.Second)
	s.ReportedAmpsActual = 5.0
	reg := newTestRegistry(now, s)
	d := &recordingDispatcher{}

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, d, nil)
	p.Evaluate(now, reg, s, 0)

	require.Len(t, d.stopped, 1)
	assert.Equal(t, s.TWCID, d.stopped[0])
	assert.Empty(t, d.reset, "stop-charge and latch-reset are mutually exclusive branches")
}

func TestV2VehicleSideEffectsResetLatchWhenAlreadyChargingWell(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V2, 80, 80)
	s.LastAmpsOffered = 20
	s.LastAmpsOfferedChangedAt = now.Add(-120 * time.Second)
	s.ReportedAmpsActual = 18.0
	reg := newTestRegistry(now, s)
	d := &recordingDispatcher{}

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, d, nil)
	p.Evaluate(now, reg, s, 30)

	assert.Empty(t, d.stopped)
	assert.Empty(t, d.started)
	require.Len(t, d.reset, 1)
	assert.Equal(t, s.TWCID, d.reset[0])
}

func TestV1SlavesNeverDispatchVehicleSideEffects(t *testing.T) {
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.LastAmpsOffered = 0
	s.ReportedAmpsActual = 5.0
	reg := newTestRegistry(now, s)
	d := &recordingDispatcher{}

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 5}, d, nil)
	p.Evaluate(now, reg, s, 0)

	assert.Empty(t, d.stopped)
	assert.Empty(t, d.started)
	assert.Empty(t, d.reset)
}

func TestNumCarsChargingCountsSelfEvenBelowThreshold(t *testing.T) {
	// Open question #1 (spec.md §9): num_cars_charging starts at 1 even
	// when the current slave's own actual draw is below the 1.0 A
	// threshold used for every other slave. Reproduced verbatim: with a
	// single slave well below 1.0 A, fair_share still divides by 1, not
	// by 0.
	now := time.Now()
	s := slave.New(protocol.TWCID{0xAB, 0xCD}, 0x55, protocol.V1, 80, 80)
	s.ReportedAmpsActual = 0.1
	reg := newTestRegistry(now, s)

	p := NewPolicy(Config{WiringMaxAmpsAll: 100, MinAmpsPerTWC: 6}, nil, nil)
	amps, _ := p.Evaluate(now, reg, s, 30.0)

	assert.InDelta(t, 30.0, amps, 0.001, "fair share divides by 1 car, not 0, even though this slave is under 1.0A")
}
