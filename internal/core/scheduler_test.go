package core

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, ledger *memLedger) *Scheduler {
	t.Helper()
	exec := NewExecutor(ledger, discardLogger(), ExecutorOptions{WorkDir: t.TempDir(), KillGrace: time.Second})
	s := NewScheduler(ledger, exec, discardLogger(), SchedulerOptions{Location: time.UTC})
	t.Cleanup(s.Stop)
	return s
}

func TestSchedulerNoopWhenStopped(t *testing.T) {
	task := &Task{ID: 1, Name: "a", Command: "true", Enabled: true, CronExpression: ptr("* * * * *")}
	ledger := newMemLedger(task)
	s := newTestScheduler(t, ledger)

	if next := s.ScheduleTask(context.Background(), task); next != nil {
		t.Fatalf("stopped scheduler scheduled task: %v", next)
	}
	if err := s.ReloadAll(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(s.ListScheduled()) != 0 {
		t.Fatal("stopped scheduler has jobs")
	}
	s.UnscheduleTask(context.Background(), 1)
}

func TestSchedulerStartSchedulesEnabledTasks(t *testing.T) {
	ledger := newMemLedger(
		&Task{ID: 1, Name: "a", Command: "true", Enabled: true, CronExpression: ptr("0 3 * * *")},
		&Task{ID: 2, Name: "b", Command: "true", Enabled: false, IntervalSeconds: ptr(60)},
	)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	jobs := s.ListScheduled()
	if len(jobs) != 1 || jobs[0].TaskID != 1 {
		t.Fatalf("jobs after start = %+v", jobs)
	}
	if ledger.task(1).NextRunAt == nil {
		t.Fatal("start did not persist next_run_at")
	}

	// A second Start is a no-op, a restart reloads.
	s.Start(context.Background())
	if len(s.ListScheduled()) != 1 {
		t.Fatalf("second start changed jobs: %+v", s.ListScheduled())
	}
	s.Stop()
	s.Start(context.Background())
	if len(s.ListScheduled()) != 1 {
		t.Fatalf("jobs after restart = %+v", s.ListScheduled())
	}
}

func TestSchedulerScheduleCronPersistsNextRun(t *testing.T) {
	task := &Task{ID: 1, Name: "a", Command: "true", Enabled: true, CronExpression: ptr("0 3 * * *")}
	ledger := newMemLedger(task)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	before := time.Now()
	next := s.ScheduleTask(context.Background(), task)
	if next == nil || !next.After(before) {
		t.Fatalf("next = %v, want a future time", next)
	}
	stored := ledger.task(1)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(next.UTC()) {
		t.Fatalf("persisted next_run_at = %v, want %v", stored.NextRunAt, next)
	}
	jobs := s.ListScheduled()
	if len(jobs) != 1 || jobs[0].TaskID != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Rescheduling replaces rather than duplicates.
	s.ScheduleTask(context.Background(), task)
	if len(s.ListScheduled()) != 1 {
		t.Fatal("rescheduling duplicated the handle")
	}
}

func TestSchedulerInvalidCronLeavesTaskUnscheduled(t *testing.T) {
	good := &Task{ID: 1, Name: "good", Command: "true", Enabled: true, IntervalSeconds: ptr(3600)}
	ledger := newMemLedger(good)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	if s.ScheduleTask(context.Background(), good) == nil {
		t.Fatal("expected interval task to be scheduled")
	}

	bad := *good
	bad.CronExpression = ptr("* * *")
	if next := s.ScheduleTask(context.Background(), &bad); next != nil {
		t.Fatalf("invalid cron scheduled at %v", next)
	}
	if _, ok := s.NextRun(1); ok {
		t.Fatal("previous handle survived an invalid update")
	}
	if ledger.task(1).NextRunAt != nil {
		t.Fatal("next_run_at not cleared for invalid schedule")
	}
}

func TestSchedulerDisabledAndManualTasks(t *testing.T) {
	disabled := &Task{ID: 1, Name: "off", Command: "true", Enabled: false, IntervalSeconds: ptr(60)}
	manual := &Task{ID: 2, Name: "manual", Command: "true", Enabled: true}
	ledger := newMemLedger(disabled, manual)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	if s.ScheduleTask(context.Background(), disabled) != nil {
		t.Fatal("disabled task scheduled")
	}
	if s.ScheduleTask(context.Background(), manual) != nil {
		t.Fatal("manual-only task scheduled")
	}
	if len(s.ListScheduled()) != 0 {
		t.Fatalf("unexpected jobs %+v", s.ListScheduled())
	}
}

func TestSchedulerReloadAllUsesEnabledTasks(t *testing.T) {
	ledger := newMemLedger(
		&Task{ID: 1, Name: "a", Command: "true", Enabled: true, IntervalSeconds: ptr(60)},
		&Task{ID: 2, Name: "b", Command: "true", Enabled: false, IntervalSeconds: ptr(60)},
		&Task{ID: 3, Name: "c", Command: "true", Enabled: true, CronExpression: ptr("*/5 * * * *")},
		&Task{ID: 4, Name: "d", Command: "true", Enabled: true, CronExpression: ptr("bogus")},
	)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	if err := s.ReloadAll(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	jobs := s.ListScheduled()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %+v", jobs)
	}
	ids := map[int64]bool{}
	for _, j := range jobs {
		ids[j.TaskID] = true
	}
	if !ids[1] || !ids[3] {
		t.Fatalf("wrong tasks scheduled: %+v", jobs)
	}

	s.Stop()
	if len(s.ListScheduled()) != 0 {
		t.Fatal("stop left jobs behind")
	}
	if s.Running() {
		t.Fatal("scheduler still running after stop")
	}
}

func TestSchedulerUnscheduleClearsNextRun(t *testing.T) {
	task := &Task{ID: 1, Name: "a", Command: "true", Enabled: true, IntervalSeconds: ptr(60)}
	ledger := newMemLedger(task)
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	s.ScheduleTask(context.Background(), task)
	s.UnscheduleTask(context.Background(), 1)
	if len(s.ListScheduled()) != 0 {
		t.Fatal("handle survived unschedule")
	}
	if ledger.task(1).NextRunAt != nil {
		t.Fatal("next_run_at not cleared")
	}
}

func TestSchedulerFiringForMissingTaskIsSilent(t *testing.T) {
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)
	s.Start(context.Background())

	s.handleFiring(Firing{TaskID: 99, ScheduledAt: time.Now()})
	if ledger.executionCount() != 0 {
		t.Fatal("firing for a missing task created a record")
	}
}
