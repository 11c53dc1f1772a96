// Package vehicle is the car-API collaborator: it turns the allocation
// policy's start/stop decisions into calls against a vehicle's own API,
// rate-limited so a flapping TWC heartbeat can't hammer the account.
package vehicle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twcmaster/twcmaster/internal/protocol"
)

// Client is a minimal car-API surface: start or stop charging. The
// "don't keep asking to start" latch is kept by RateLimitedDispatcher.
type Client interface {
	SetCharging(ctx context.Context, on bool) error
}

// NullClient logs what it would have done and returns success. It's
// the default until a real account integration is configured.
type NullClient struct {
	Log *zap.SugaredLogger
}

func (c *NullClient) SetCharging(_ context.Context, on bool) error {
	if c.Log != nil {
		c.Log.Infow("vehicle API charge request (no client configured)", "charge", on)
	}
	return nil
}

const minRequestInterval = 60 * time.Second

// RateLimitedDispatcher wraps a Client and enforces at most one
// start/stop request per vehicle per minute, independent of whatever
// lock the allocation policy holds (spec.md §4.6, §5).
type RateLimitedDispatcher struct {
	client Client
	log    *zap.SugaredLogger

	mu       sync.Mutex
	lastReq  map[protocol.TWCID]time.Time
	latch    map[protocol.TWCID]bool
}

func NewRateLimitedDispatcher(client Client, log *zap.SugaredLogger) *RateLimitedDispatcher {
	return &RateLimitedDispatcher{
		client:  client,
		log:     log,
		lastReq: make(map[protocol.TWCID]time.Time),
		latch:   make(map[protocol.TWCID]bool),
	}
}

func (d *RateLimitedDispatcher) EnqueueStopCharge(id protocol.TWCID) {
	d.dispatch(id, false)
}

// EnqueueStartCharge honors the "don't keep asking to start" latch: once
// a vehicle has been told to start and hasn't been reset via
// ResetStopAskingToStart, repeated requests are suppressed even past the
// rate-limit window, mirroring stopAskingToStartCharging in the source.
func (d *RateLimitedDispatcher) EnqueueStartCharge(id protocol.TWCID) {
	d.mu.Lock()
	if d.latch[id] {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.dispatch(id, true)
}

func (d *RateLimitedDispatcher) ResetStopAskingToStart(id protocol.TWCID) {
	d.mu.Lock()
	d.latch[id] = false
	d.mu.Unlock()
}

func (d *RateLimitedDispatcher) dispatch(id protocol.TWCID, on bool) {
	d.mu.Lock()
	now := time.Now()
	if last, ok := d.lastReq[id]; ok && now.Sub(last) < minRequestInterval {
		d.mu.Unlock()
		return
	}
	d.lastReq[id] = now
	if on {
		d.latch[id] = true
	}
	d.mu.Unlock()

	if err := d.client.SetCharging(context.Background(), on); err != nil && d.log != nil {
		d.log.Warnw("vehicle API charge request failed", "twcid", id.String(), "charge", on, "error", err)
	}
}
