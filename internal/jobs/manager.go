// Package jobs schedules and supervises the background loops (strategy
// worker, balance snapshots, maintenance) and exposes their state to the
// job-control API.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/events"
)

// Job is a controllable background loop.
type Job interface {
	Name() string
	Start() error
	Stop()
	IsRunning() bool
	TriggerNow()
	Status() Status
}

// Status is a point-in-time view of a job for the API.
type Status struct {
	Name       string     `json:"name"`
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Manager registers jobs and handles start/stop/restart/trigger requests.
type Manager struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	order  []string
	bus    *events.Bus
	logger zerolog.Logger
}

func NewManager(bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		jobs:   make(map[string]Job),
		bus:    bus,
		logger: logger.With().Str("component", "job_manager").Logger(),
	}
}

func (m *Manager) Register(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := strings.ToLower(job.Name())
	if _, exists := m.jobs[name]; !exists {
		m.order = append(m.order, name)
	}
	m.jobs[name] = job
}

func (m *Manager) Get(name string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[strings.ToLower(name)]
	return job, ok
}

// StartAll starts every registered job, in registration order.
func (m *Manager) StartAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if err := m.jobs[name].Start(); err != nil {
			return fmt.Errorf("starting job %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every registered job and waits for the loops to drain.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		m.jobs[name].Stop()
	}
}

// StatusAll reports every job, in registration order.
func (m *Manager) StatusAll() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.jobs[name].Status())
	}
	return out
}

// Control applies a start/stop/restart action to a named job.
func (m *Manager) Control(name, action string) error {
	job, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}

	switch strings.ToLower(action) {
	case "start":
		if err := job.Start(); err != nil {
			return err
		}
	case "stop":
		job.Stop()
	case "restart":
		job.Stop()
		if err := job.Start(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	m.logger.Info().Str("job", name).Str("action", action).Msg("Job control applied")
	m.publishState(job)
	return nil
}

// Trigger requests an immediate out-of-schedule run.
func (m *Manager) Trigger(name string) error {
	job, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	if !job.IsRunning() {
		return fmt.Errorf("job %s is not running", name)
	}
	job.TriggerNow()
	return nil
}

func (m *Manager) publishState(job Job) {
	if m.bus == nil {
		return
	}
	st := job.Status()
	m.bus.Publish(events.Event{
		Type: events.EventJobStateChanged,
		Data: map[string]interface{}{
			"job":     st.Name,
			"running": st.Running,
		},
	})
}

// RunFunc is one scheduled pass of a job.
type RunFunc func(ctx context.Context) error

// Runner implements Job on top of a ticker loop: fixed interval, optional
// alignment to UTC interval boundaries, manual triggering, and run stats.
type Runner struct {
	name     string
	interval time.Duration
	aligned  bool
	fn       RunFunc
	logger   zerolog.Logger

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	triggerCh  chan struct{}
	wg         sync.WaitGroup
	lastRun    *time.Time
	nextRun    *time.Time
	runCount   int64
	errorCount int64
	lastError  string
}

// NewRunner builds a runner. When aligned is true, runs land on UTC
// boundaries that are whole multiples of the interval since midnight (the
// snapshot job's every-4h-on-the-hour schedule).
func NewRunner(name string, interval time.Duration, aligned bool, fn RunFunc, logger zerolog.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		aligned:  aligned,
		fn:       fn,
		logger:   logger.With().Str("component", "job").Str("job", name).Logger(),
	}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("job %s already running", r.name)
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.triggerCh = make(chan struct{}, 1)

	next := r.nextRunTime(time.Now().UTC())
	r.nextRun = &next

	r.wg.Add(1)
	go r.loop(r.stopCh, r.triggerCh)
	r.logger.Info().Dur("interval", r.interval).Time("next_run", next).Msg("Job started")
	return nil
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Job stopped")
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// TriggerNow schedules an immediate run. A trigger arriving while a run is
// already pending is coalesced.
func (r *Runner) TriggerNow() {
	r.mu.Lock()
	triggerCh := r.triggerCh
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	select {
	case triggerCh <- struct{}{}:
	default:
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Name:       r.name,
		Running:    r.running,
		Interval:   r.interval.String(),
		LastRun:    r.lastRun,
		NextRun:    r.nextRun,
		RunCount:   r.runCount,
		ErrorCount: r.errorCount,
		LastError:  r.lastError,
	}
}

func (r *Runner) loop(stopCh, triggerCh chan struct{}) {
	defer r.wg.Done()

	for {
		now := time.Now().UTC()
		next := r.nextRunTime(now)
		r.mu.Lock()
		r.nextRun = &next
		r.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			r.runOnce()
		case <-triggerCh:
			timer.Stop()
			r.runOnce()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

func (r *Runner) runOnce() {
	started := time.Now().UTC()
	err := r.fn(context.Background())

	r.mu.Lock()
	r.lastRun = &started
	r.runCount++
	if err != nil {
		r.errorCount++
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Msg("Job run failed")
	}
}

func (r *Runner) nextRunTime(now time.Time) time.Time {
	if !r.aligned {
		return now.Add(r.interval)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(midnight)
	slots := elapsed / r.interval
	next := midnight.Add((slots + 1) * r.interval)
	return next
}
