package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "medremind/pkg/logx"
)

// DefaultSweepSpec runs the sweep every five minutes.
const DefaultSweepSpec = "*/5 * * * *"

// Sweep periodically re-arms pending doses that lost their reminder
// artifact, typically after the machine slept past the in-process timers.
// It only touches doses still in the future; stale ones are boot recovery's
// call.
type Sweep struct {
	store  Store
	rem    Armer
	loc    *time.Location
	log    logx.Logger
	clock  func() time.Time
	spec   string
	parser cron.Parser

	mu  sync.Mutex
	c   *cron.Cron
	ctx context.Context
}

func NewSweep(store Store, rem Armer, loc *time.Location, spec string, log logx.Logger) *Sweep {
	if loc == nil {
		loc = time.Local
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweep{
		store:  store,
		rem:    rem,
		loc:    loc,
		log:    log,
		clock:  time.Now,
		spec:   spec,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetClock overrides the wall clock (tests only).
func (s *Sweep) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Sweep) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("parse sweep spec %q: %w", s.spec, err)
	}
	s.ctx = ctx
	s.c = c
	c.Start()
	s.log.Info("sweep started", logx.String("spec", s.spec))
	return nil
}

func (s *Sweep) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Sweep) runOnce() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.clock().In(s.loc)
	from, to := dayWindow(now)
	views, err := s.store.PendingInRange(ctx, from, to)
	if err != nil {
		s.log.Warn("sweep query failed", logx.Err(err))
		return
	}

	rearmed := 0
	for _, v := range views {
		if v.ScheduledAt.Before(now) || s.rem.Armed(v.RecordID) {
			continue
		}
		s.rem.Arm(viewPayload(v, s.loc), v.ScheduledAt)
		rearmed++
	}
	if rearmed > 0 {
		s.log.Info("sweep re-armed doses", logx.Int("count", rearmed))
	}
}
