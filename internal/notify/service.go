package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// Delivery failures are logged and swallowed by callers — showing a reminder
// is a best-effort courtesy that must never block or fail a dose state
// transition.
type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	queue  chan Notification
	stopCh chan struct{}
	wg     sync.WaitGroup

	// In-memory dedup cache: record id -> suppress until.
	dmu   sync.Mutex
	dedup map[int64]time.Time

	// Live notification refs per record, for retraction on dismiss.
	rmu  sync.Mutex
	refs map[int64]string
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[int64]time.Time{},
		refs:    map[int64]string{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.queue = make(chan Notification, s.cfg.QueueSize)
	queue := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Show enqueues a reminder for delivery. Non-blocking; duplicate shows for
// the same record within the dedup window are suppressed.
func (s *Service) Show(n Notification) error {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	queue := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()

	if !enabled || queue == nil {
		return ErrDisabled
	}

	if window > 0 {
		now := time.Now()
		s.dmu.Lock()
		until, seen := s.dedup[n.RecordID]
		if seen && now.Before(until) {
			s.dmu.Unlock()
			s.log.Debug("duplicate reminder suppressed", logx.Int64("record", n.RecordID))
			return nil
		}
		s.dedup[n.RecordID] = now.Add(window)
		s.dmu.Unlock()
	}

	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dismiss retracts the live notification for a record, if the sender can.
// Safe to call when nothing is visible.
func (s *Service) Dismiss(recordID int64) {
	s.rmu.Lock()
	ref, ok := s.refs[recordID]
	if ok {
		delete(s.refs, recordID)
	}
	s.rmu.Unlock()
	if !ok || ref == "" || s.sender == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sender.Retract(ctx, ref); err != nil {
		s.log.Debug("notification retract failed", logx.Int64("record", recordID), logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.ReminderDismiss,
			Data: eventbus.ReminderData{RecordID: recordID},
		})
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case n := <-queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	var (
		ref string
		err error
	)
	for attempt := 0; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ref, err = s.sender.Send(sctx, n)
		cancel()
		if err == nil || attempt >= s.cfg.RetryMax {
			break
		}
		delay := s.cfg.RetryBase << attempt
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if err != nil {
		s.log.Warn("reminder delivery failed",
			logx.Int64("record", n.RecordID), logx.String("medicine", n.Medicine), logx.Err(err))
		return
	}

	if ref != "" {
		s.rmu.Lock()
		s.refs[n.RecordID] = ref
		s.rmu.Unlock()
	}
	s.log.Info("reminder shown",
		logx.Int64("record", n.RecordID),
		logx.String("medicine", n.Medicine),
		logx.String("slot", n.TimeLabel))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.ReminderShown,
			Data: eventbus.ReminderData{RecordID: n.RecordID, MedicineID: n.MedicineID, Medicine: n.Medicine},
		})
	}
}
