// Package scheduler runs the background loops: the gateway heartbeat,
// the challenge expiry sweep and the hourly cleanup jobs. Each loop is
// independent; a panic in one iteration is contained and the loop keeps
// its cadence.
package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pinger checks gateway liveness. *onebot.Session is the production
// implementation.
type Pinger interface {
	Ping(timeout time.Duration) error
}

// pongDeadline bounds how long a heartbeat waits for the gateway.
const pongDeadline = 10 * time.Second

// Options configures the loop cadences.
type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	CleanupInterval   time.Duration

	Pinger Pinger
	// Sweep flags expired challenges and enforces consequences.
	Sweep func(ctx context.Context) (int64, error)
}

// Scheduler owns the background loops.
type Scheduler struct {
	opts Options

	mu   sync.Mutex
	jobs []cleanupJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cleanupJob struct {
	name string
	run  func()
}

// New builds a stopped scheduler with defaulted cadences.
func New(opts Options) *Scheduler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	return &Scheduler{opts: opts}
}

// RegisterCleanup adds a job to the cleanup loop. Jobs run sequentially;
// a panicking job never blocks the others.
func (s *Scheduler) RegisterCleanup(name string, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, cleanupJob{name: name, run: run})
}

// Start launches the loops. Call Stop to terminate them.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.Pinger != nil {
		s.launch(ctx, "heartbeat", s.opts.HeartbeatInterval, s.heartbeat)
	}
	if s.opts.Sweep != nil {
		s.launch(ctx, "sweep", s.opts.SweepInterval, s.sweepOnce)
	}
	s.launch(ctx, "cleanup", s.opts.CleanupInterval, s.cleanupOnce)
}

// Stop cancels the loops and waits for every iteration in flight.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) launch(ctx context.Context, name string, every time.Duration, iterate func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runIsolated(name, func() { iterate(ctx) })
			}
		}
	}()
}

// runIsolated contains a panic to the current iteration.
func runIsolated(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("loop", name).Errorf("scheduler: iteration panicked: %v", r)
		}
	}()
	fn()
}

func (s *Scheduler) heartbeat(context.Context) {
	if errPing := s.opts.Pinger.Ping(pongDeadline); errPing != nil {
		log.WithError(errPing).Warn("scheduler: gateway heartbeat failed")
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	flagged, errSweep := s.opts.Sweep(ctx)
	if errSweep != nil {
		log.WithError(errSweep).Error("scheduler: expiry sweep failed")
		return
	}
	if flagged > 0 {
		log.WithField("flagged", flagged).Info("scheduler: challenges expired")
	}
}

func (s *Scheduler) cleanupOnce(context.Context) {
	s.mu.Lock()
	jobs := make([]cleanupJob, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		runIsolated("cleanup/"+job.name, job.run)
	}
}
