package remind

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	logx "medremind/pkg/logx"
)

// JobQueue is the best-effort channel: armed jobs are held with a due
// instant and released by a coarse tick into a worker pool. There is no
// precision guarantee — a job fires some time within one tick after its due
// instant — but the channel needs no elevated capability.
type JobQueue struct {
	cfg  JobQueueConfig
	fire FireFunc
	log  logx.Logger

	mu      sync.Mutex
	pending map[Key]delayedJob
	stopCh  chan struct{}

	queue chan Payload
	wg    sync.WaitGroup
}

type JobQueueConfig struct {
	Workers   int           // default 2
	QueueSize int           // default 64
	Tick      time.Duration // release granularity, default 15s
}

func (c JobQueueConfig) withDefaults() JobQueueConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	return c
}

type delayedJob struct {
	p   Payload
	due time.Time
}

func NewJobQueue(cfg JobQueueConfig, fire FireFunc, log logx.Logger) *JobQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &JobQueue{
		cfg:     cfg.withDefaults(),
		fire:    fire,
		log:     log,
		pending: map[Key]delayedJob{},
	}
}

func (q *JobQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.queue = make(chan Payload, q.cfg.QueueSize)
	queue := q.queue
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.releaseLoop(ctx, stopCh)
	}()

	q.wg.Add(q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		idx := i
		go func() {
			defer q.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					q.log.Error("panic in job worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			q.worker(ctx, stopCh, queue)
		}()
	}
	q.log.Debug("job queue started",
		logx.Int("workers", q.cfg.Workers), logx.Duration("tick", q.cfg.Tick))
}

func (q *JobQueue) Stop() {
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.stopCh = nil
	q.mu.Unlock()
	q.wg.Wait()
}

// Arm registers (or replaces) a delayed job. The delay is computed from the
// wall clock at arm time; past-due instants release on the next tick.
func (q *JobQueue) Arm(key Key, p Payload, at time.Time) error {
	q.mu.Lock()
	q.pending[key] = delayedJob{p: p, due: at}
	q.mu.Unlock()
	q.log.Debug("fallback job armed", logx.String("key", key.String()), logx.Time("due", at))
	return nil
}

func (q *JobQueue) Disarm(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; !ok {
		return false
	}
	delete(q.pending, key)
	return true
}

// Armed reports whether a job is held (not yet released) for key.
func (q *JobQueue) Armed(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

func (q *JobQueue) releaseLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			q.releaseDue(now)
		}
	}
}

func (q *JobQueue) releaseDue(now time.Time) {
	q.mu.Lock()
	var due []Payload
	for k, j := range q.pending {
		if !j.due.After(now) {
			due = append(due, j.p)
			delete(q.pending, k)
		}
	}
	queue := q.queue
	q.mu.Unlock()

	for _, p := range due {
		select {
		case queue <- p:
		default:
			q.log.Warn("job queue full; dropping reminder job",
				logx.Int64("record", p.RecordID),
				logx.Int("queue_len", len(queue)), logx.Int("queue_cap", cap(queue)))
		}
	}
}

func (q *JobQueue) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Payload) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case p := <-queue:
			if q.fire != nil {
				q.fire(ctx, p)
			}
		}
	}
}
