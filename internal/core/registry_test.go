package core

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type everyTrigger time.Duration

func (e everyTrigger) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
func (e everyTrigger) String() string             { return "every[" + time.Duration(e).String() + "]" }

type onceTrigger struct{ at time.Time }

func (o onceTrigger) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
func (o onceTrigger) String() string { return "once" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type skipRecorder struct {
	mu    sync.Mutex
	skips []SkipReason
}

func (s *skipRecorder) record(_ Firing, reason SkipReason) {
	s.mu.Lock()
	s.skips = append(s.skips, reason)
	s.mu.Unlock()
}

func (s *skipRecorder) list() []SkipReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SkipReason(nil), s.skips...)
}

func TestRegistryFiresRepeatedly(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(discardLogger(), time.Second, func(Firing) { calls.Add(1) }, nil)
	defer r.Clear()

	if _, err := r.Schedule(1, "tick", everyTrigger(20*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 firings, got %d", calls.Load())
	}

	if !r.Unschedule(1) {
		t.Fatal("expected handle to exist")
	}
	time.Sleep(30 * time.Millisecond)
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("firings continued after unschedule: %d -> %d", after, calls.Load())
	}
	if r.Unschedule(1) {
		t.Fatal("second unschedule should report false")
	}
}

func TestRegistryReplaceIgnoresStaleCallback(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(discardLogger(), time.Minute, func(Firing) { calls.Add(1) }, nil)
	defer r.Clear()

	if _, err := r.Schedule(7, "job", everyTrigger(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	r.mu.Lock()
	oldVersion := r.handles[7].version
	r.mu.Unlock()

	if _, err := r.Schedule(7, "job", everyTrigger(2*time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single handle after replace, got %d", r.Len())
	}

	r.fire(7, oldVersion)
	if calls.Load() != 0 {
		t.Fatalf("stale callback ran the job")
	}
	info, ok := r.Get(7)
	if !ok || info.Trigger != "every[2h0m0s]" {
		t.Fatalf("unexpected handle after replace: %+v", info)
	}
}

func TestRegistrySkipsWhileInFlight(t *testing.T) {
	var calls atomic.Int32
	rec := &skipRecorder{}
	r := NewRegistry(discardLogger(), time.Minute, func(Firing) { calls.Add(1) }, rec.record)
	defer r.Clear()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	if _, err := r.Schedule(3, "busy", everyTrigger(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	r.mu.Lock()
	r.inflight[3] = true
	version := r.handles[3].version
	now = r.handles[3].next
	r.mu.Unlock()

	r.fire(3, version)
	if calls.Load() != 0 {
		t.Fatal("job ran while a previous instance was in flight")
	}
	if got := rec.list(); len(got) != 1 || got[0] != SkipStillRunning {
		t.Fatalf("skips = %v, want [still_running]", got)
	}
	info, _ := r.Get(3)
	if !info.NextFireTime.After(now) {
		t.Fatalf("next fire time did not advance: %s", info.NextFireTime)
	}
}

func TestRegistryMisfireAndCoalesce(t *testing.T) {
	var fired []Firing
	var mu sync.Mutex
	rec := &skipRecorder{}
	r := NewRegistry(discardLogger(), 30*time.Second, func(f Firing) {
		mu.Lock()
		fired = append(fired, f)
		mu.Unlock()
	}, rec.record)
	defer r.Clear()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	r.now = func() time.Time { return now }
	if _, err := r.Schedule(9, "late", everyTrigger(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	r.mu.Lock()
	version := r.handles[9].version
	r.mu.Unlock()

	// Ten seconds late: within grace, runs once.
	now = start.Add(time.Minute + 10*time.Second)
	r.fire(9, version)
	mu.Lock()
	if len(fired) != 1 {
		mu.Unlock()
		t.Fatalf("expected one firing, got %d", len(fired))
	}
	mu.Unlock()

	// Five periods late: dropped, and the next fire time jumps past now.
	now = now.Add(5 * time.Minute)
	r.fire(9, version)
	mu.Lock()
	n := len(fired)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("misfire ran the job, firings = %d", n)
	}
	if got := rec.list(); len(got) != 1 || got[0] != SkipMisfire {
		t.Fatalf("skips = %v, want [misfire]", got)
	}
	info, _ := r.Get(9)
	if !info.NextFireTime.After(now) {
		t.Fatalf("next fire %s not after now %s", info.NextFireTime, now)
	}
}

func TestRegistryExhaustedTrigger(t *testing.T) {
	r := NewRegistry(discardLogger(), time.Minute, func(Firing) {}, nil)
	defer r.Clear()

	if _, err := r.Schedule(1, "past", onceTrigger{at: time.Now().Add(-time.Hour)}); err != ErrNoFireTime {
		t.Fatalf("err = %v, want ErrNoFireTime", err)
	}
	if r.Len() != 0 {
		t.Fatal("exhausted trigger must not leave a handle")
	}
}

func TestRegistryListOrdered(t *testing.T) {
	r := NewRegistry(discardLogger(), time.Minute, func(Firing) {}, nil)
	defer r.Clear()

	base := time.Now()
	r.Schedule(1, "later", onceTrigger{at: base.Add(3 * time.Hour)})
	r.Schedule(2, "soon", onceTrigger{at: base.Add(time.Hour)})
	r.Schedule(3, "middle", onceTrigger{at: base.Add(2 * time.Hour)})

	jobs := r.List()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	want := []int64{2, 3, 1}
	for i, id := range want {
		if jobs[i].TaskID != id {
			t.Fatalf("jobs[%d].TaskID = %d, want %d", i, jobs[i].TaskID, id)
		}
	}

	r.Clear()
	if len(r.List()) != 0 {
		t.Fatal("clear left handles behind")
	}
}
