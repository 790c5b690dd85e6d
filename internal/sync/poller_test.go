package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/ingest"
	"github.com/nhle/mailtriage/internal/model"
)

type fakeClock struct {
	mu     gosync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &fakeTicker{ch: make(chan time.Time), period: d, resets: make(chan time.Duration, 4)}
	return c.ticker
}

// tick delivers one tick and blocks until the loop has received it.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		tk := c.ticker
		c.now = c.now.Add(time.Minute)
		now := c.now
		c.mu.Unlock()
		if tk != nil {
			select {
			case tk.ch <- now:
				return
			case <-deadline:
				t.Fatal("tick not consumed")
			}
		}
		select {
		case <-deadline:
			t.Fatal("ticker never created")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeTicker struct {
	ch     chan time.Time
	period time.Duration
	resets chan time.Duration
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Reset(d time.Duration) {
	f.resets <- d
}
func (f *fakeTicker) Stop() {}

type staticAccounts []model.Account

func (a staticAccounts) ListAccounts(context.Context, string) ([]model.Account, error) {
	return a, nil
}

type recordingRunner struct {
	mu      gosync.Mutex
	runs    []string
	active  int32
	maxSeen int32
	block   chan struct{}
	fn      func(accountID string) (ingest.Result, error)
}

func (r *recordingRunner) Run(ctx context.Context, accountID string) (ingest.Result, error) {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		m := atomic.LoadInt32(&r.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxSeen, m, n) {
			break
		}
	}

	r.mu.Lock()
	r.runs = append(r.runs, accountID)
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ingest.Result{}, ctx.Err()
		}
	}
	if r.fn != nil {
		return r.fn(accountID)
	}
	return ingest.Result{Processed: 1}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func accounts(ids ...string) staticAccounts {
	var out staticAccounts
	for _, id := range ids {
		out = append(out, model.Account{ID: id, Address: id + "@example.com"})
	}
	return out
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	runner := &recordingRunner{fn: func(id string) (ingest.Result, error) {
		switch id {
		case "bad":
			return ingest.Result{}, errors.New("mailbox unreachable")
		case "panics":
			panic("boom")
		}
		return ingest.Result{Processed: 2, Skipped: 1}, nil
	}}
	s := New(accounts("a", "bad", "panics", "b"), runner, Options{Clock: newFakeClock()}, zap.NewNop().Sugar())

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Accounts != 4 || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Result.Processed != 4 || report.Result.Skipped != 2 {
		t.Errorf("merged result = %+v", report.Result)
	}
	if runner.count() != 4 {
		t.Errorf("runs = %d; want 4", runner.count())
	}

	states := map[string]RunState{}
	for _, st := range s.GetStatuses() {
		states[st.AccountID] = st.State
	}
	if states["a"] != RunIdle || states["bad"] != RunError || states["panics"] != RunError {
		t.Errorf("states = %v", states)
	}
}

func TestRunOnceConcurrencyLimit(t *testing.T) {
	runner := &recordingRunner{fn: func(string) (ingest.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return ingest.Result{}, nil
	}}
	s := New(accounts("a", "b", "c", "d", "e", "f"), runner,
		Options{Concurrency: 2, Clock: newFakeClock()}, zap.NewNop().Sugar())

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := atomic.LoadInt32(&runner.maxSeen); got > 2 {
		t.Errorf("max concurrent runs = %d; want <= 2", got)
	}
}

func TestRunOnceNoOverlap(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	s := New(accounts("a"), runner, Options{Clock: newFakeClock()}, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping RunOnce err = %v; want ErrCycleRunning", err)
	}

	close(runner.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestSchedulerTicksTriggersAndStops(t *testing.T) {
	clock := newFakeClock()
	runner := &recordingRunner{}
	cycles := make(chan CycleReport, 8)
	s := New(accounts("a"), runner, Options{
		Interval: time.Minute,
		Clock:    clock,
		OnCycle:  func(r CycleReport) { cycles <- r },
	}, zap.NewNop().Sugar())

	s.Start(context.Background())
	defer s.Stop()

	waitCycle := func(what string) {
		t.Helper()
		select {
		case <-cycles:
		case <-time.After(2 * time.Second):
			t.Fatalf("no cycle after %s", what)
		}
	}

	clock.tick(t)
	waitCycle("tick")

	s.Trigger()
	waitCycle("trigger")

	s.SetInterval(30 * time.Second)
	select {
	case d := <-clock.ticker.resets:
		if d != 30*time.Second {
			t.Errorf("reset to %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interval change not applied")
	}
	if s.Interval() != 30*time.Second {
		t.Errorf("Interval() = %v", s.Interval())
	}

	s.Stop()
	if runner.count() != 2 {
		t.Errorf("runs = %d; want 2", runner.count())
	}
}

func TestSchedulerRunOnStartAndStopCancels(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	s := New(accounts("a"), runner, Options{RunOnStart: true, Clock: newFakeClock()}, zap.NewNop().Sugar())

	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the running cycle")
	}

	for _, st := range s.GetStatuses() {
		if !errors.Is(st.Error, context.Canceled) {
			t.Errorf("status error = %v; want canceled", st.Error)
		}
	}
}
