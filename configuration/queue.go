package configuration

import "time"

// pendingActivation is an activation deferred until processing finishes.
type pendingActivation struct {
	version     int64
	actor       string
	requestedAt time.Time
}

// activationQueue holds at most one pending activation. A newer request
// replaces the older one. Callers serialize access.
type activationQueue struct {
	slot *pendingActivation
}

// offer stores p and returns the request it displaced, if any.
func (q *activationQueue) offer(p pendingActivation) *pendingActivation {
	prev := q.slot
	q.slot = &p
	return prev
}

// take empties the slot.
func (q *activationQueue) take() *pendingActivation {
	p := q.slot
	q.slot = nil
	return p
}

func (q *activationQueue) peek() (pendingActivation, bool) {
	if q.slot == nil {
		return pendingActivation{}, false
	}
	return *q.slot, true
}
