package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"servermgr/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), Options{DataDir: dir})
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		s.Close()
	}
	if _, err := Open(context.Background(), Options{Driver: "mysql", DataDir: dir}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	s := &Store{Driver: DriverPostgres}
	got := s.rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	s.Driver = DriverSQLite
	if got := s.rebind(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestTaskRoundTripNormalizesCron(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &core.Task{
		Name:           "backup",
		Command:        "tar czf /tmp/b.tgz ~/docs",
		Description:    strPtr("nightly"),
		Enabled:        true,
		CronExpression: strPtr("30 2 * * *"),
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("id not assigned")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CronExpression == nil || *got.CronExpression != "0 30 2 * * *" {
		t.Fatalf("cron = %v, want normalized 6-field form", got.CronExpression)
	}
	if got.TimeoutSeconds != core.DefaultTimeoutSeconds || got.TaskType != core.TaskTypeShell || !got.Enabled {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.Description == nil || *got.Description != "nightly" {
		t.Fatalf("description = %v", got.Description)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("created_at %s != %s", got.CreatedAt, task.CreatedAt)
	}

	// The stored next fire time must come back as the same instant.
	next := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	if err := s.UpdateTask(ctx, task.ID, core.TaskUpdate{NextRunAt: &next}); err != nil {
		t.Fatalf("update next run: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, next)
	}
}

func TestUpdateTaskPartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &core.Task{Name: "a", Command: "true", Enabled: true, CronExpression: strPtr("* * * * *"), TimeoutSeconds: 10}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	disabled := false
	err := s.UpdateTask(ctx, task.ID, core.TaskUpdate{
		Enabled:         &disabled,
		ClearCron:       true,
		IntervalSeconds: intPtr(90),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Enabled || got.CronExpression != nil || got.IntervalSeconds == nil || *got.IntervalSeconds != 90 {
		t.Fatalf("partial update not applied: %+v", got)
	}
	if got.Command != "true" || got.TimeoutSeconds != 10 {
		t.Fatalf("untouched fields changed: %+v", got)
	}

	if err := s.UpdateTask(ctx, 9999, core.TaskUpdate{Name: strPtr("x")}); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}

func TestListEnabledTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, enabled := range []bool{true, false, true} {
		task := &core.Task{Name: string(rune('a' + i)), Command: "true", Enabled: enabled}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	enabled, err := s.ListEnabledTasks(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("enabled tasks = %d, want 2", len(enabled))
	}
	all, _ := s.ListTasks(ctx)
	if len(all) != 3 {
		t.Fatalf("all tasks = %d, want 3", len(all))
	}
	total, on, err := s.CountTasks(ctx)
	if err != nil || total != 3 || on != 2 {
		t.Fatalf("counts = %d/%d err=%v", total, on, err)
	}
	byName, err := s.GetTaskByName(ctx, "b")
	if err != nil || byName.Enabled {
		t.Fatalf("get by name = %+v, %v", byName, err)
	}
}

func TestDeleteTaskRemovesExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &core.Task{Name: "a", Command: "true", Enabled: true}
	s.CreateTask(ctx, task)
	exec := &core.Execution{TaskID: task.ID, TaskName: task.Name, Command: task.Command}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetExecution(ctx, exec.ID); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Fatalf("execution survived task delete: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec := &core.Execution{TaskID: 1, TaskName: "a", Command: "echo hi"}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := s.GetExecution(ctx, exec.ID)
	if got.Status != core.ExecutionStatusPending || got.StartedAt != nil {
		t.Fatalf("new execution = %+v", got)
	}

	started := time.Now().UTC()
	running := core.ExecutionStatusRunning
	if err := s.UpdateExecution(ctx, exec.ID, core.ExecutionUpdate{Status: &running, StartedAt: &started, PID: intPtr(1234)}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	done := core.ExecutionStatusCompleted
	completed := started.Add(1500 * time.Millisecond)
	dur := 1.5
	if err := s.UpdateExecution(ctx, exec.ID, core.ExecutionUpdate{
		Status: &done, CompletedAt: &completed, DurationSeconds: &dur, ExitCode: intPtr(0), Stdout: strPtr("hi\n"),
	}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, _ = s.GetExecution(ctx, exec.ID)
	if got.Status != core.ExecutionStatusCompleted || got.PID == nil || *got.PID != 1234 {
		t.Fatalf("final record = %+v", got)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 1.5 || got.Stdout == nil || *got.Stdout != "hi\n" {
		t.Fatalf("final record fields = %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.CompletedAt.Equal(completed) {
		t.Fatalf("timestamps changed on round trip")
	}

	if err := s.UpdateExecution(ctx, 424242, core.ExecutionUpdate{Status: &done}); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Fatalf("missing execution err = %v", err)
	}
}

func seedExecutions(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		task, cmd, out, status string
	}{
		{"backup", "rsync -a src dst", "sent 10 bytes", "completed"},
		{"cleanup", "rm -rf /tmp/x", "", "failed"},
		{"Backup-offsite", "rclone sync", "ERROR quota", "failed"},
	}
	for i, r := range rows {
		started := base.Add(time.Duration(3-i) * time.Hour)
		e := &core.Execution{
			TaskID:    int64(i + 1),
			TaskName:  r.task,
			Command:   r.cmd,
			Status:    core.ExecutionStatus(r.status),
			Stdout:    strPtr(r.out),
			StartedAt: &started,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestListExecutionsSearchAndSort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedExecutions(t, s)

	all, err := s.ListExecutions(ctx, ExecutionQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].TaskName != "Backup-offsite" {
		t.Fatalf("default order should be created_at desc, got %v", names(all))
	}

	hits, _ := s.ListExecutions(ctx, ExecutionQuery{Search: "BACKUP"})
	if len(hits) != 2 {
		t.Fatalf("case-insensitive name search = %v", names(hits))
	}
	hits, _ = s.ListExecutions(ctx, ExecutionQuery{Search: "quota"})
	if len(hits) != 1 || hits[0].TaskName != "Backup-offsite" {
		t.Fatalf("stdout search = %v", names(hits))
	}
	hits, _ = s.ListExecutions(ctx, ExecutionQuery{Search: "rm -rf"})
	if len(hits) != 1 || hits[0].TaskName != "cleanup" {
		t.Fatalf("command search = %v", names(hits))
	}

	byStart, _ := s.ListExecutions(ctx, ExecutionQuery{SortBy: "started_at", SortOrder: "asc"})
	if names(byStart)[0] != "Backup-offsite" {
		t.Fatalf("started_at asc = %v", names(byStart))
	}
	fallback, _ := s.ListExecutions(ctx, ExecutionQuery{SortBy: "id; DROP TABLE executions", SortOrder: "asc"})
	if len(fallback) != 3 || fallback[0].TaskName != "backup" {
		t.Fatalf("unknown sort key should fall back to created_at, got %v", names(fallback))
	}
	limited, _ := s.ListExecutions(ctx, ExecutionQuery{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}

	byTask, _ := s.ListExecutionsByTask(ctx, 2, 0)
	if len(byTask) != 1 || byTask[0].TaskName != "cleanup" {
		t.Fatalf("by task = %v", names(byTask))
	}
}

func TestListExecutionsSearchIsLiteral(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedExecutions(t, s)
	e := &core.Execution{TaskID: 9, TaskName: "disk", Command: "df -h | grep 100%", Status: core.ExecutionStatusCompleted}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	for search, want := range map[string]int{"%": 1, "100%": 1, "_": 0, `\`: 0, "0%": 1} {
		hits, err := s.ListExecutions(ctx, ExecutionQuery{Search: search})
		if err != nil {
			t.Fatalf("search %q: %v", search, err)
		}
		if len(hits) != want {
			t.Errorf("search %q matched %v, want %d rows", search, names(hits), want)
		}
	}
	n, err := s.DeleteExecutions(ctx, "%", "")
	if err != nil || n != 1 {
		t.Fatalf("delete by %%: n=%d err=%v", n, err)
	}
}

func TestDeleteExecutionsByFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedExecutions(t, s)

	n, err := s.DeleteExecutions(ctx, "", "cleanup")
	if err != nil || n != 1 {
		t.Fatalf("delete by task name = %d, %v", n, err)
	}
	n, err = s.DeleteExecutions(ctx, "quota", "")
	if err != nil || n != 1 {
		t.Fatalf("delete by search = %d, %v", n, err)
	}
	n, err = s.DeleteExecutions(ctx, "", "")
	if err != nil || n != 1 {
		t.Fatalf("delete all = %d, %v", n, err)
	}
}

func TestRecoverAndCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	stale := &core.Execution{TaskID: 1, TaskName: "a", Command: "x", Status: core.ExecutionStatusRunning, CreatedAt: old}
	finished := &core.Execution{TaskID: 1, TaskName: "a", Command: "x", Status: core.ExecutionStatusCompleted, CreatedAt: old}
	fresh := &core.Execution{TaskID: 1, TaskName: "a", Command: "x", Status: core.ExecutionStatusCompleted}
	for _, e := range []*core.Execution{stale, finished, fresh} {
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := s.RecoverInterrupted(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	got, _ := s.GetExecution(ctx, stale.ID)
	if got.Status != core.ExecutionStatusFailed || got.ErrorMessage == nil || got.CompletedAt == nil {
		t.Fatalf("recovered record = %+v", got)
	}

	n, err = s.CleanupExecutions(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
	counts, err := s.CountExecutions(ctx)
	if err != nil || counts[core.ExecutionStatusCompleted] != 1 {
		t.Fatalf("counts = %v, %v", counts, err)
	}
}

func TestDeviceCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := &core.Device{Name: "nas", MACAddress: "AA:BB:CC:DD:EE:FF", IPAddress: strPtr("192.168.1.20")}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	d.Hostname = strPtr("nas.lan")
	if err := s.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetDevice(ctx, d.ID)
	if err != nil || got.Hostname == nil || *got.Hostname != "nas.lan" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	list, _ := s.ListDevices(ctx)
	if len(list) != 1 {
		t.Fatalf("list = %d", len(list))
	}
	if err := s.DeleteDevice(ctx, d.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDevice(ctx, d.ID); !errors.Is(err, core.ErrDeviceNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func names(execs []*core.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.TaskName
	}
	return out
}
