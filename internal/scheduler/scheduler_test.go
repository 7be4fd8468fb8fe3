package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingPinger struct {
	pings atomic.Int32
	fail  bool
}

func (p *countingPinger) Ping(time.Duration) error {
	p.pings.Add(1)
	if p.fail {
		return errors.New("no pong")
	}
	return nil
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestLoopsRunAndStop(t *testing.T) {
	pinger := &countingPinger{}
	var sweeps atomic.Int32
	s := New(Options{
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		CleanupInterval:   10 * time.Millisecond,
		Pinger:            pinger,
		Sweep: func(context.Context) (int64, error) {
			sweeps.Add(1)
			return 0, nil
		},
	})
	var cleanups atomic.Int32
	s.RegisterCleanup("counter", func() { cleanups.Add(1) })

	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return pinger.pings.Load() > 0 && sweeps.Load() > 0 && cleanups.Load() > 0
	})
	s.Stop()

	settled := sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	if sweeps.Load() != settled {
		t.Fatal("sweep loop survived Stop")
	}
}

func TestPanickingJobDoesNotStarveOthers(t *testing.T) {
	var healthy atomic.Int32
	s := New(Options{CleanupInterval: 10 * time.Millisecond})
	s.RegisterCleanup("bad", func() { panic("boom") })
	s.RegisterCleanup("good", func() { healthy.Add(1) })

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return healthy.Load() >= 2 })
}

func TestSweepErrorKeepsCadence(t *testing.T) {
	var sweeps atomic.Int32
	s := New(Options{
		SweepInterval:   10 * time.Millisecond,
		CleanupInterval: time.Hour,
		Sweep: func(context.Context) (int64, error) {
			sweeps.Add(1)
			return 0, errors.New("db gone")
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return sweeps.Load() >= 3 })
}

func TestHeartbeatFailureIsLoggedNotFatal(t *testing.T) {
	pinger := &countingPinger{fail: true}
	s := New(Options{
		HeartbeatInterval: 10 * time.Millisecond,
		CleanupInterval:   time.Hour,
		Pinger:            pinger,
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return pinger.pings.Load() >= 3 })
}
