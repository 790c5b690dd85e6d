// Package sync drives periodic ingestion over every linked account.
package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailtriage/internal/ingest"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
)

// RunState represents the current state of an account's ingestion.
type RunState int

const (
	RunIdle RunState = iota
	RunRunning
	RunError
)

func (s RunState) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunError:
		return "error"
	default:
		return "idle"
	}
}

// AccountStatus holds the last known ingestion state of one account.
type AccountStatus struct {
	AccountID  string
	Address    string
	State      RunState
	LastRun    time.Time
	LastResult ingest.Result
	Error      error
	AuthFailed bool
}

// CycleReport summarizes one pass over all accounts.
type CycleReport struct {
	Started  time.Time
	Accounts int
	Failed   int
	Result   ingest.Result
}

// ErrCycleRunning is returned by RunOnce while another cycle is in flight.
var ErrCycleRunning = errors.New("ingestion cycle already running")

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 5 * time.Minute

// runTimeout bounds a single account's run inside a cycle.
const runTimeout = 10 * time.Minute

// Runner ingests one account.
type Runner interface {
	Run(ctx context.Context, accountID string) (ingest.Result, error)
}

// AccountLister lists accounts; an empty userID means all users.
type AccountLister interface {
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval    time.Duration
	Concurrency int
	RunOnStart  bool
	Clock       Clock

	// OnCycle, if set, is called after every completed cycle.
	OnCycle func(CycleReport)
}

// Scheduler runs ingestion for every account on a fixed period. Cycles
// never overlap: a tick or trigger that arrives while a cycle is running
// is coalesced into at most one follow-up cycle.
type Scheduler struct {
	accounts AccountLister
	runner   Runner
	clock    Clock
	logger   *zap.SugaredLogger
	opts     Options

	mu       gosync.Mutex
	interval time.Duration
	running  bool
	statuses map[string]*AccountStatus
	cancel   context.CancelFunc
	done     chan struct{}

	cycleMu    gosync.Mutex
	triggerCh  chan struct{}
	intervalCh chan time.Duration
}

// New creates a Scheduler. Zero options fall back to a five minute period,
// sequential accounts and the wall clock.
func New(accounts AccountLister, runner Runner, opts Options, logger *zap.SugaredLogger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Scheduler{
		accounts:   accounts,
		runner:     runner,
		clock:      opts.Clock,
		logger:     logger,
		opts:       opts,
		interval:   opts.Interval,
		statuses:   make(map[string]*AccountStatus),
		triggerCh:  make(chan struct{}, 1),
		intervalCh: make(chan time.Duration, 1),
	}
}

// Start launches the polling loop. It returns immediately; calling Start on
// a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := s.interval
	s.mu.Unlock()

	go s.loop(ctx, interval)
}

// Stop halts the loop, cancels any cycle in flight and waits for it to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Trigger requests an immediate cycle. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
		// A cycle is already pending.
	}
}

// SetInterval changes the polling period. A running loop picks it up
// without restarting.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := d != s.interval
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}

	// Replace any pending value so the loop sees the latest.
	select {
	case <-s.intervalCh:
	default:
	}
	select {
	case s.intervalCh <- d:
	default:
	}
}

// Interval returns the current polling period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// GetStatuses returns a snapshot of every account seen so far.
func (s *Scheduler) GetStatuses() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]AccountStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		statuses = append(statuses, *st)
	}
	return statuses
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infow("scheduler started", "interval", interval, "concurrency", s.opts.Concurrency)

	if s.opts.RunOnStart {
		s.runCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("scheduler stopped")
			return
		case d := <-s.intervalCh:
			ticker.Reset(d)
			s.logger.Infow("polling interval changed", "interval", d)
		case <-ticker.C():
			s.runCycle(ctx)
		case <-s.triggerCh:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Errorw("ingestion cycle failed", "error", err)
		}
		return
	}
	if s.opts.OnCycle != nil {
		s.opts.OnCycle(report)
	}
}

// RunOnce runs one cycle over all accounts and waits for it. It returns
// ErrCycleRunning if a cycle is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer s.cycleMu.Unlock()

	report := CycleReport{Started: s.clock.Now()}

	accounts, err := s.accounts.ListAccounts(ctx, "")
	if err != nil {
		return report, fmt.Errorf("listing accounts: %w", err)
	}
	report.Accounts = len(accounts)

	var (
		g       errgroup.Group
		resMu   gosync.Mutex
		results = make([]ingest.Result, len(accounts))
		failed  = make([]bool, len(accounts))
	)
	g.SetLimit(s.opts.Concurrency)

	for i := range accounts {
		if ctx.Err() != nil {
			break
		}
		acct := accounts[i]
		idx := i
		g.Go(func() error {
			res, err := s.runAccount(ctx, &acct)
			resMu.Lock()
			results[idx] = res
			failed[idx] = err != nil
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range accounts {
		report.Result.Merge(results[i])
		if failed[i] {
			report.Failed++
		}
	}
	metrics.SchedulerCycles.Inc()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	s.logger.Infow("ingestion cycle finished",
		"accounts", report.Accounts,
		"failed", report.Failed,
		"processed", report.Result.Processed,
		"skipped", report.Result.Skipped,
		"errors", len(report.Result.Errors),
		"took", s.clock.Now().Sub(report.Started))
	return report, nil
}

// runAccount runs one account in isolation: a panic or error is recorded
// on its status and never escapes.
func (s *Scheduler) runAccount(ctx context.Context, acct *model.Account) (res ingest.Result, err error) {
	s.setStatus(acct, RunRunning, ingest.Result{}, nil)

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Errorw("account run panicked",
				"account", acct.Address, "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			s.setStatus(acct, RunError, res, err)
			if !errors.Is(err, context.Canceled) {
				s.logger.Warnw("account run failed", "account", acct.Address, "error", err)
			}
			return
		}
		s.setStatus(acct, RunIdle, res, nil)
	}()

	return s.runner.Run(ctx, acct.ID)
}

func (s *Scheduler) setStatus(acct *model.Account, state RunState, res ingest.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[acct.ID]
	if !ok {
		status = &AccountStatus{AccountID: acct.ID, Address: acct.Address}
		s.statuses[acct.ID] = status
	}

	status.State = state
	status.Error = err
	status.AuthFailed = mailbox.IsAuthError(err)
	if state != RunRunning {
		status.LastRun = s.clock.Now()
		status.LastResult = res
	}
}
