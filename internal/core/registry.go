package core

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultMisfireGrace is how late a firing may be observed and still run.
const DefaultMisfireGrace = 30 * time.Second

var ErrNoFireTime = errors.New("trigger has no future fire time")

// SkipReason explains why a due firing did not run.
type SkipReason string

const (
	SkipStillRunning SkipReason = "still_running"
	SkipMisfire      SkipReason = "misfire"
)

// Firing is a single due fire event handed to the job callback.
type Firing struct {
	TaskID      int64
	Name        string
	ScheduledAt time.Time
	// Next is the handle's following fire time, zero if the trigger is exhausted.
	Next time.Time
}

// JobInfo is a read-only view of a scheduled job handle.
type JobInfo struct {
	TaskID       int64     `json:"task_id"`
	Name         string    `json:"name"`
	Trigger      string    `json:"trigger"`
	NextFireTime time.Time `json:"next_fire_time"`
}

type handle struct {
	taskID  int64
	name    string
	trigger Trigger
	next    time.Time
	timer   *time.Timer
	version uint64
}

// Registry keeps at most one timer-backed handle per task. Each due firing
// re-arms the handle from the current time, so firings that piled up while
// the process was busy collapse into one, and at most one instance of a job
// runs at a time.
type Registry struct {
	logger *slog.Logger
	grace  time.Duration
	job    func(Firing)
	onSkip func(Firing, SkipReason)
	now    func() time.Time

	mu       sync.Mutex
	handles  map[int64]*handle
	inflight map[int64]bool
	seq      uint64
}

// NewRegistry creates an empty registry. job runs synchronously on the timer
// goroutine of each firing; onSkip is called for firings that did not run.
func NewRegistry(logger *slog.Logger, grace time.Duration, job func(Firing), onSkip func(Firing, SkipReason)) *Registry {
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	if onSkip == nil {
		onSkip = func(Firing, SkipReason) {}
	}
	return &Registry{
		logger:   logger,
		grace:    grace,
		job:      job,
		onSkip:   onSkip,
		now:      time.Now,
		handles:  make(map[int64]*handle),
		inflight: make(map[int64]bool),
	}
}

// Schedule creates or replaces the handle for taskID and returns its first
// fire time. A replaced handle's pending timer is stopped and any callback it
// already queued is ignored.
func (r *Registry) Schedule(taskID int64, name string, trigger Trigger) (time.Time, error) {
	now := r.now()
	next := trigger.Next(now)
	if next.IsZero() {
		r.Unschedule(taskID)
		return time.Time{}, ErrNoFireTime
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.handles[taskID]; ok {
		old.timer.Stop()
	}
	r.seq++
	h := &handle{
		taskID:  taskID,
		name:    name,
		trigger: trigger,
		next:    next,
		version: r.seq,
	}
	h.timer = r.arm(taskID, h.version, next.Sub(now))
	r.handles[taskID] = h
	return next, nil
}

// Unschedule removes the handle for taskID. It reports whether one existed.
// A running instance is not interrupted.
func (r *Registry) Unschedule(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[taskID]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(r.handles, taskID)
	return true
}

// Clear removes every handle.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		h.timer.Stop()
		delete(r.handles, id)
	}
}

// Get returns the handle for taskID.
func (r *Registry) Get(taskID int64) (JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[taskID]
	if !ok {
		return JobInfo{}, false
	}
	return h.info(), true
}

// List returns all handles ordered by next fire time.
func (r *Registry) List() []JobInfo {
	r.mu.Lock()
	jobs := make([]JobInfo, 0, len(r.handles))
	for _, h := range r.handles {
		jobs = append(jobs, h.info())
	}
	r.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].NextFireTime.Equal(jobs[j].NextFireTime) {
			return jobs[i].TaskID < jobs[j].TaskID
		}
		return jobs[i].NextFireTime.Before(jobs[j].NextFireTime)
	})
	return jobs
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) arm(taskID int64, version uint64, delay time.Duration) *time.Timer {
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() { r.fire(taskID, version) })
}

func (r *Registry) fire(taskID int64, version uint64) {
	r.mu.Lock()
	h, ok := r.handles[taskID]
	if !ok || h.version != version {
		r.mu.Unlock()
		return
	}
	scheduled := h.next
	now := r.now()
	base := now
	if base.Before(scheduled) {
		base = scheduled
	}
	next := h.trigger.Next(base)
	if next.IsZero() {
		delete(r.handles, taskID)
	} else {
		h.next = next
		h.timer = r.arm(taskID, version, next.Sub(now))
	}
	f := Firing{TaskID: taskID, Name: h.name, ScheduledAt: scheduled, Next: next}

	if late := now.Sub(scheduled); late > r.grace {
		r.mu.Unlock()
		r.logger.Warn("firing dropped past misfire grace", "task_id", taskID, "scheduled_at", scheduled, "late", late)
		r.onSkip(f, SkipMisfire)
		return
	}
	if r.inflight[taskID] {
		r.mu.Unlock()
		r.onSkip(f, SkipStillRunning)
		return
	}
	r.inflight[taskID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, taskID)
		r.mu.Unlock()
	}()
	r.job(f)
}

func (h *handle) info() JobInfo {
	return JobInfo{
		TaskID:       h.taskID,
		Name:         h.name,
		Trigger:      h.trigger.String(),
		NextFireTime: h.next,
	}
}
