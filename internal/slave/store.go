package slave

import (
	"time"

	"github.com/twcmaster/twcmaster/internal/protocol"
)

// LivenessTimeout is how long a slave may stay silent before it's
// evicted from active heartbeating (spec.md §3 invariant 4).
const LivenessTimeout = 26 * time.Second

// Registry maps TWCID to Slave and preserves discovery order for the
// round-robin iteration the allocation policy needs to sum "everyone
// else's" draw.
type Registry struct {
	byID  map[protocol.TWCID]*Slave
	order []protocol.TWCID
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[protocol.TWCID]*Slave)}
}

// Insert adds a newly discovered slave, or replaces a previously evicted
// one rediscovered under the same TWCID (spec.md §3, "collapsed and
// re-created on re-discovery").
func (r *Registry) Insert(s *Slave) {
	if _, exists := r.byID[s.TWCID]; !exists {
		r.order = append(r.order, s.TWCID)
	}
	r.byID[s.TWCID] = s
}

func (r *Registry) Get(id protocol.TWCID) (*Slave, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Active returns slaves in discovery order, excluding any past the
// liveness timeout as of now.
func (r *Registry) Active(now time.Time) []*Slave {
	out := make([]*Slave, 0, len(r.order))
	for _, id := range r.order {
		s, ok := r.byID[id]
		if !ok {
			continue
		}
		if now.Sub(s.LastRxAt) > LivenessTimeout {
			continue
		}
		out = append(out, s)
	}
	return out
}

// All returns every slave currently in the registry, in discovery order,
// including ones past the liveness timeout that haven't been evicted yet
// (evicted slaves are deleted). Used by the vehicle-API side effect that
// resets a latch "on all known vehicles" regardless of current liveness.
func (r *Registry) All() []*Slave {
	out := make([]*Slave, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Evict removes a slave entirely; a later link-ready re-creates it via
// Insert rather than reviving the old record, matching the "collapsed
// and re-created" lifecycle.
func (r *Registry) Evict(id protocol.TWCID) {
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
