package manifest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"servermgr/internal/core"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*core.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: map[int64]*core.Task{}}
}

func (m *memStore) GetTaskByName(_ context.Context, name string) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, core.ErrTaskNotFound
}

func (m *memStore) CreateTask(_ context.Context, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = core.DefaultTimeoutSeconds
	}
	if task.CronExpression != nil {
		norm, _ := core.NormalizeCron(*task.CronExpression)
		task.CronExpression = &norm
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, id int64, upd core.TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return core.ErrTaskNotFound
	}
	if upd.Command != nil {
		t.Command = *upd.Command
	}
	if upd.Description != nil {
		t.Description = upd.Description
	}
	if upd.Enabled != nil {
		t.Enabled = *upd.Enabled
	}
	if upd.ClearCron {
		t.CronExpression = nil
	} else if upd.CronExpression != nil {
		t.CronExpression = upd.CronExpression
	}
	if upd.ClearInterval {
		t.IntervalSeconds = nil
	} else if upd.IntervalSeconds != nil {
		t.IntervalSeconds = upd.IntervalSeconds
	}
	if upd.TimeoutSeconds != nil {
		t.TimeoutSeconds = *upd.TimeoutSeconds
	}
	if upd.MaxRetries != nil {
		t.MaxRetries = *upd.MaxRetries
	}
	return nil
}

func (m *memStore) byName(name string) *core.Task {
	t, _ := m.GetTaskByName(context.Background(), name)
	return t
}

type countingReloader struct {
	mu    sync.Mutex
	count int
}

func (c *countingReloader) ReloadAll(context.Context) error {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return nil
}

func (c *countingReloader) reloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sample = `
tasks:
  - name: backup
    command: /usr/local/bin/backup.sh
    cron: "0 3 * * *"
    timeout_seconds: 600
  - name: heartbeat
    command: echo ok
    interval_seconds: 60
    enabled: false
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(m.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(m.Tasks))
	}
	if !m.Tasks[0].enabled() || m.Tasks[1].enabled() {
		t.Fatal("enabled defaults wrong")
	}

	empty, err := Parse(nil)
	if err != nil || len(empty.Tasks) != 0 {
		t.Fatalf("empty manifest: %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "tasks:\n  - name: a\n    command: x\n    shedule: daily\n",
		"missing name":   "tasks:\n  - command: x\n",
		"missing cmd":    "tasks:\n  - name: a\n",
		"duplicate":      "tasks:\n  - name: a\n    command: x\n  - name: a\n    command: y\n",
		"bad cron":       "tasks:\n  - name: a\n    command: x\n    cron: \"* * *\"\n",
		"negative value": "tasks:\n  - name: a\n    command: x\n    interval_seconds: -5\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reloader := &countingReloader{}
	s := NewSyncer(store, reloader, discardLogger())

	m, _ := Parse([]byte(sample))
	res, err := s.Sync(ctx, m)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Created != 2 || reloader.reloads() != 1 {
		t.Fatalf("res = %+v, reloads = %d", res, reloader.reloads())
	}
	backup := store.byName("backup")
	if *backup.CronExpression != "0 0 3 * * *" || backup.TimeoutSeconds != 600 {
		t.Fatalf("backup = %+v", backup)
	}

	res, err = s.Sync(ctx, m)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Unchanged != 2 || res.Changed() || reloader.reloads() != 1 {
		t.Fatalf("resync res = %+v, reloads = %d", res, reloader.reloads())
	}

	changed := strings.Replace(sample, `cron: "0 3 * * *"`, "interval_seconds: 30", 1)
	m2, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("parse changed: %v", err)
	}
	res, err = s.Sync(ctx, m2)
	if err != nil {
		t.Fatalf("sync changed: %v", err)
	}
	if res.Updated != 1 || reloader.reloads() != 2 {
		t.Fatalf("changed res = %+v", res)
	}
	backup = store.byName("backup")
	if backup.CronExpression != nil || backup.IntervalSeconds == nil || *backup.IntervalSeconds != 30 {
		t.Fatalf("backup after update = %+v", backup)
	}
}

func TestWatchResyncsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	s := NewSyncer(store, &countingReloader{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, path) }()

	waitFor(t, func() bool { return store.byName("backup") != nil })

	updated := strings.Replace(sample, "echo ok", "echo changed", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		hb := store.byName("heartbeat")
		return hb != nil && hb.Command == "echo changed"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
