// Package master centralizes the global state the original source kept
// in module-scope variables (slaveTWCs, timeLastTx, the budget fields)
// into a single Controller value, per spec.md §9's redesign note: the
// protocol state machine that impersonates a TWC master, drives the
// allocation policy on every heartbeat, and drains a budget/vehicle-API
// background worker.
package master

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twcmaster/twcmaster/internal/alloc"
	"github.com/twcmaster/twcmaster/internal/budget"
	"github.com/twcmaster/twcmaster/internal/frame"
	"github.com/twcmaster/twcmaster/internal/protocol"
	"github.com/twcmaster/twcmaster/internal/slave"
)

// Port is the transport Controller drives: a non-blocking-read,
// blocking-write character device (internal/serialport.Port satisfies
// it; this package's tests use an in-memory implementation).
type Port interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
}

// Clock and Sleeper let tests run the startup burst and liveness
// eviction without real-time delays, matching the "inject time" shape
// internal/serialport.Options already uses for read timeouts.
type Clock interface {
	Now() time.Time
}

type Sleeper interface {
	Sleep(time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Config is the identity and wiring parameters a Controller needs.
type Config struct {
	MasterTWCID protocol.TWCID
	MasterSign  protocol.Sign

	WiringMaxAmpsPerTWC  float64
	WiringMaxAmpsAllTWCs float64
	MinAmpsPerTWC        float64

	PollInterval time.Duration // defaults to 25ms
}

const (
	initBurstMessages  = 10
	linkReady1Messages = 5
	postTxSettle       = 100 * time.Millisecond
	interHeartbeatGap  = 1 * time.Second
	defaultTick        = 25 * time.Millisecond
)

// TwoMasterDetected is surfaced to the caller when a foreign master's
// link-ready is seen on the bus; the core keeps running (spec.md §7,
// "core may continue; no automatic remediation").
type TwoMasterDetected struct {
	ObservedAt time.Time
}

// Controller owns the registry, the timers, and the policy parameters
// that the original kept as module-scope globals.
type Controller struct {
	cfg   Config
	port  Port
	clock Clock
	sleep Sleeper
	log   *zap.SugaredLogger

	registry *slave.Registry
	policy   *alloc.Policy
	budget   budget.Provider

	assembler *frame.Assembler

	mu              sync.Mutex
	initMsgsToSend  int
	timeLastTx      time.Time
	twoMasterAlerts []TwoMasterDetected

	// OnTwoMasterDetected, if set, is called synchronously from the
	// main loop the moment a foreign master claim is observed.
	OnTwoMasterDetected func(TwoMasterDetected)
}

type Option func(*Controller)

func WithClock(c Clock) Option       { return func(ctl *Controller) { ctl.clock = c } }
func WithSleeper(s Sleeper) Option   { return func(ctl *Controller) { ctl.sleep = s } }
func WithLogger(l *zap.SugaredLogger) Option { return func(ctl *Controller) { ctl.log = l } }

func NewController(cfg Config, port Port, budgetProvider budget.Provider, dispatcher alloc.VehicleDispatcher, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultTick
	}
	ctl := &Controller{
		cfg:            cfg,
		port:           port,
		clock:          realClock{},
		sleep:          realSleeper{},
		registry:       slave.NewRegistry(),
		budget:         budgetProvider,
		assembler:      frame.NewAssembler(),
		initMsgsToSend: initBurstMessages,
	}
	for _, o := range opts {
		o(ctl)
	}
	ctl.policy = alloc.NewPolicy(alloc.Config{
		WiringMaxAmpsAll: cfg.WiringMaxAmpsAllTWCs,
		MinAmpsPerTWC:    cfg.MinAmpsPerTWC,
	}, dispatcher, ctl.log)
	return ctl
}

// Registry exposes the slave registry for read-only inspection (tests,
// status reporting).
func (c *Controller) Registry() *slave.Registry { return c.registry }

// Tick runs exactly one scheduling-tick's worth of work: the outbound
// phase (§4.5 steps 1-3) followed by draining the inbound buffer until
// either it idles or a frame completes. It's the unit the main loop
// calls every PollInterval; tests drive it directly to avoid real-time
// sleeps end to end.
func (c *Controller) Tick() error {
	if err := c.outbound(); err != nil {
		return err
	}
	return c.drainInbound()
}

// Run calls Tick in a loop until stop is closed, sleeping PollInterval
// between ticks. This is the daemon's main loop (spec.md §5).
func (c *Controller) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := c.Tick(); err != nil {
			return err
		}
		c.sleep.Sleep(c.cfg.PollInterval)
	}
}

func (c *Controller) send(payload []byte) error {
	_, err := c.port.Write(frame.Encode(payload))
	if err == nil {
		c.timeLastTx = c.clock.Now()
	}
	return err
}

func (c *Controller) outbound() error {
	switch {
	case c.initMsgsToSend > linkReady1Messages:
		if err := c.send(protocol.LinkReady1{Sender: c.cfg.MasterTWCID, Sign: c.cfg.MasterSign}.Build()); err != nil {
			return err
		}
		c.initMsgsToSend--
		c.sleep.Sleep(postTxSettle)
		return nil
	case c.initMsgsToSend > 0:
		if err := c.send(protocol.LinkReady2{Sender: c.cfg.MasterTWCID, Sign: c.cfg.MasterSign}.Build()); err != nil {
			return err
		}
		c.initMsgsToSend--
		c.sleep.Sleep(postTxSettle)
		return nil
	default:
		return c.sendHeartbeats()
	}
}

func (c *Controller) sendHeartbeats() error {
	now := c.clock.Now()
	if now.Sub(c.timeLastTx) < interHeartbeatGap {
		return nil
	}

	budgetAmps := c.budget.Current()

	// All(), not Active(): Active already excludes anything past
	// LivenessTimeout, so checking staleness against its result would
	// never fire. Walk every known slave, evict the stale ones here, and
	// only then hand the rest to the policy.
	for _, s := range c.registry.All() {
		if now.Sub(s.LastRxAt) > slave.LivenessTimeout {
			if !s.EvictionLogged() {
				if c.log != nil {
					c.log.Warnw("slave silent past liveness timeout, evicting", "twcid", s.TWCID.String())
				}
				s.MarkEvictionLogged()
			}
			c.registry.Evict(s.TWCID)
			continue
		}

		amps, cmd := c.policy.Evaluate(now, c.registry, s, budgetAmps)
		sendAmps := uint16(amps * 100)
		if cmd == protocol.CmdNoChange {
			sendAmps = 0
		}
		hb := protocol.MasterHeartbeat{
			Sender:   c.cfg.MasterTWCID,
			Receiver: s.TWCID,
			Version:  s.Version,
			Command:  cmd,
			Amps:     sendAmps,
		}
		if err := c.send(hb.Build()); err != nil {
			return err
		}
		c.sleep.Sleep(postTxSettle)
	}
	return nil
}

// drainInbound reads bytes through the frame assembler until the input
// idles (a short read with no data) or a frame completes, matching
// spec.md §4.5's "accumulate bytes ... until either the input idles ...
// or a frame completes."
func (c *Controller) drainInbound() error {
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		now := c.clock.Now()
		raw, complete := c.assembler.Feed(buf[0], now)
		if !complete {
			continue
		}
		if err := c.handleFrame(raw); err != nil {
			return err
		}
		return nil
	}
}

func (c *Controller) handleFrame(raw []byte) error {
	payload, err := frame.Unescape(raw)
	if err != nil {
		if c.log != nil {
			c.log.Debugw("dropping corrupt frame", "error", err)
		}
		return nil
	}

	if protocol.IsMasterClaim(payload) {
		alert := TwoMasterDetected{ObservedAt: c.clock.Now()}
		c.mu.Lock()
		c.twoMasterAlerts = append(c.twoMasterAlerts, alert)
		c.mu.Unlock()
		if c.log != nil {
			c.log.Errorw("foreign master claim observed on bus; two masters active")
		}
		if c.OnTwoMasterDetected != nil {
			c.OnTwoMasterDetected(alert)
		}
		return nil
	}

	msg, err := protocol.Parse(payload)
	if err != nil {
		if c.log != nil {
			c.log.Debugw("dropping unparseable frame", "error", err)
		}
		return nil
	}

	switch m := msg.(type) {
	case protocol.SlaveLinkReady:
		c.handleLinkReady(m)
	case protocol.SlaveHeartbeat:
		c.handleHeartbeat(m)
	case protocol.VoltageReport:
		c.handleVoltageReport(m)
	default:
		if c.log != nil {
			c.log.Debugw("ignoring unexpected message type on inbound path")
		}
	}
	return nil
}

func (c *Controller) handleLinkReady(m protocol.SlaveLinkReady) {
	if m.Sender == c.cfg.MasterTWCID {
		// A slave advertised our own TWCID: collision. Re-enter the
		// startup burst rather than registering a slave for this frame.
		c.initMsgsToSend = initBurstMessages
		if c.log != nil {
			c.log.Warnw("slave TWCID collides with our own, re-entering link-ready burst")
		}
		return
	}
	if _, ok := c.registry.Get(m.Sender); ok {
		return
	}
	s := slave.New(m.Sender, m.Sign, m.Version, m.MaxAmps, c.cfg.WiringMaxAmpsPerTWC)
	s.LastRxAt = c.clock.Now()
	if s.Degraded() && c.log != nil {
		c.log.Warnw("configured wiring ceiling exceeds slave-reported rating, down-rating",
			"twcid", s.TWCID.String(), "rating", m.MaxAmps)
	}
	c.registry.Insert(s)
}

func (c *Controller) handleHeartbeat(m protocol.SlaveHeartbeat) {
	if m.Receiver != c.cfg.MasterTWCID {
		// Addressed to 0000 or some other master: an observed corruption
		// mode on the bus, not a status update for us to apply.
		if c.log != nil {
			c.log.Debugw("heartbeat addressed to a different receiver, ignoring",
				"twcid", m.Sender.String(), "receiver", m.Receiver.String())
		}
		return
	}
	s, ok := c.registry.Get(m.Sender)
	if !ok {
		if c.log != nil {
			c.log.Debugw("heartbeat from unknown slave, ignoring", "twcid", m.Sender.String())
		}
		return
	}
	s.LastRxAt = c.clock.Now()
	s.ReportedState = m.State
	s.ReportedAmpsMax = m.AmpsMax
	s.ReportedAmpsActual = m.AmpsActual
	s.ClearEvictionLogged()
}

func (c *Controller) handleVoltageReport(m protocol.VoltageReport) {
	s, ok := c.registry.Get(m.Sender)
	if !ok || !m.HasPhaseData {
		return
	}
	s.KWhTotal = m.KWhTotal
	s.VoltagePhaseA = m.VoltagePhaseA
	s.VoltagePhaseB = m.VoltagePhaseB
	s.VoltagePhaseC = m.VoltagePhaseC
}
