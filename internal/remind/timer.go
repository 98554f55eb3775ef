package remind

import (
	"context"
	"sync"
	"time"

	logx "medremind/pkg/logx"
)

// PreciseTimers is the exact-instant channel: one time.AfterFunc per key.
//
// Availability models the elevated exact-alarm permission of the host
// platform; when revoked at runtime the scheduler routes new arms to the
// fallback job channel instead. Per-key version counters make sure a
// replaced or cancelled timer's late callback is ignored.
type PreciseTimers struct {
	mu        sync.Mutex
	timers    map[Key]*time.Timer
	payloads  map[Key]Payload
	ver       map[Key]uint64
	available bool
	stopped   bool

	fire FireFunc
	log  logx.Logger
}

func NewPreciseTimers(fire FireFunc, available bool, log logx.Logger) *PreciseTimers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PreciseTimers{
		timers:    map[Key]*time.Timer{},
		payloads:  map[Key]Payload{},
		ver:       map[Key]uint64{},
		available: available,
		fire:      fire,
		log:       log,
	}
}

// Available reports whether the precise channel may be used. Checked by the
// scheduler at every arm call, not cached.
func (p *PreciseTimers) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available && !p.stopped
}

// SetAvailable flips the capability at runtime (permission granted/revoked).
// Live timers keep running; only future arm calls are affected.
func (p *PreciseTimers) SetAvailable(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

func (p *PreciseTimers) Arm(key Key, pl Payload, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}

	// Upsert: stop any existing timer for this key first.
	if t, ok := p.timers[key]; ok {
		_ = t.Stop()
		delete(p.timers, key)
	}
	// Bump version so stale callbacks from replaced timers are ignored.
	ver := p.ver[key] + 1
	p.ver[key] = ver
	p.payloads[key] = pl

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localKey := key
	localVer := ver
	p.timers[key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.stopped || p.ver[localKey] != localVer {
			p.mu.Unlock()
			return
		}
		pl := p.payloads[localKey]
		delete(p.timers, localKey)
		delete(p.payloads, localKey)
		delete(p.ver, localKey)
		fire := p.fire
		p.mu.Unlock()

		if fire != nil {
			fire(context.Background(), pl)
		}
	})
	p.log.Debug("precise timer armed",
		logx.String("key", key.String()), logx.Time("at", at), logx.Duration("delay", delay))
	return nil
}

func (p *PreciseTimers) Disarm(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := false
	if t, ok := p.timers[key]; ok {
		_ = t.Stop()
		delete(p.timers, key)
		live = true
	}
	if _, ok := p.payloads[key]; ok {
		delete(p.payloads, key)
		live = true
	}
	if live {
		// Invalidate in-flight callbacks.
		p.ver[key]++
	}
	return live
}

// Armed reports whether a live timer exists for key.
func (p *PreciseTimers) Armed(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[key]
	return ok
}

// Stop cancels all timers. Arm becomes a no-op afterwards.
func (p *PreciseTimers) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for k, t := range p.timers {
		_ = t.Stop()
		delete(p.timers, k)
	}
	p.payloads = map[Key]Payload{}
}
