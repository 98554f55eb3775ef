// Package readmodel maintains the denormalized "today" view the
// presentation surfaces read: every dose scheduled for the current local
// day, joined with its medicine. It refreshes from storage whenever the bus
// signals a change, so readers never query on the hot path.
package readmodel

import (
	"context"
	"sync"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

// Source answers the range query backing the view.
type Source interface {
	DosesInRange(ctx context.Context, from, to time.Time) ([]*med.DoseView, error)
}

type Today struct {
	src   Source
	bus   eventbus.Bus
	loc   *time.Location
	log   logx.Logger
	clock func() time.Time

	mu        sync.RWMutex
	doses     []*med.DoseView
	updatedAt time.Time

	stopOnce sync.Once
	unsub    func()
	done     chan struct{}
}

func New(src Source, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Today {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Today{
		src:   src,
		bus:   bus,
		loc:   loc,
		log:   log,
		clock: time.Now,
		done:  make(chan struct{}),
	}
}

// SetClock overrides the wall clock (tests only).
func (t *Today) SetClock(clock func() time.Time) { t.clock = clock }

// Start loads the initial view and begins following bus events.
func (t *Today) Start(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		t.log.Warn("initial today view load failed", logx.Err(err))
	}
	if t.bus == nil {
		close(t.done)
		return
	}
	ch, unsub := t.bus.Subscribe(16)
	t.unsub = unsub
	go t.follow(ctx, ch)
}

func (t *Today) Stop() {
	t.stopOnce.Do(func() {
		if t.unsub != nil {
			t.unsub()
			<-t.done
		}
	})
}

func (t *Today) follow(ctx context.Context, ch <-chan eventbus.Event) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.DosesRefresh, eventbus.RecoveryFinished:
				if err := t.Refresh(ctx); err != nil {
					t.log.Warn("today view refresh failed", logx.Err(err))
				}
			}
		}
	}
}

// Refresh reloads the view from storage.
func (t *Today) Refresh(ctx context.Context) error {
	now := t.clock().In(t.loc)
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, t.loc)
	views, err := t.src.DosesInRange(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.doses = views
	t.updatedAt = now
	t.mu.Unlock()
	return nil
}

// Doses returns the current view and when it was last refreshed. The slice
// is shared; callers must not mutate it.
func (t *Today) Doses() ([]*med.DoseView, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.doses, t.updatedAt
}
