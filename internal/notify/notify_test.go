package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"servermgr/internal/core"
)

func TestBarkNotifierPostsForm(t *testing.T) {
	got := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got <- r
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL + "/devicekey/")
	if err != nil {
		t.Fatalf("new bark: %v", err)
	}
	if err := b.Send(context.Background(), "title here", "body text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	r := <-got
	if r.Method != http.MethodPost || r.URL.Path != "/devicekey" {
		t.Fatalf("request %s %s", r.Method, r.URL.Path)
	}
	if r.PostForm.Get("title") != "title here" || r.PostForm.Get("body") != "body text" || r.PostForm.Get("group") != "servermgr" {
		t.Fatalf("form = %v", r.PostForm)
	}
}

func TestBarkNotifierErrors(t *testing.T) {
	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatal("expected error for empty url")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	b, _ := NewBarkNotifier(srv.URL)
	if err := b.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

type recordingNotifier struct {
	titles chan string
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, title, _ string) error {
	r.titles <- title
	return r.err
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	a := &recordingNotifier{titles: make(chan string, 1), err: errors.New("a down")}
	b := &recordingNotifier{titles: make(chan string, 1)}
	err := NewMultiNotifier(a, b).Send(context.Background(), "x", "y")
	if err == nil || !strings.Contains(err.Error(), "a down") {
		t.Fatalf("err = %v", err)
	}
	if len(b.titles) != 1 {
		t.Fatal("second notifier skipped after first failed")
	}
}

func TestFailureObserverOnlyReportsFailures(t *testing.T) {
	rec := &recordingNotifier{titles: make(chan string, 2)}
	obs := NewFailureObserver(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 2)
	obs.sent = func(err error) { done <- err }

	task := &core.Task{ID: 1, Name: "backup"}
	code := 2
	msg := "process exited with code 2"
	obs.ExecutionFinished(context.Background(), task, &core.Execution{ID: 5, Status: core.ExecutionStatusCompleted})
	obs.ExecutionFinished(context.Background(), task, &core.Execution{ID: 6, Status: core.ExecutionStatusCancelled})
	obs.ExecutionFinished(context.Background(), task, &core.Execution{ID: 7, Status: core.ExecutionStatusFailed, ExitCode: &code, ErrorMessage: &msg})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification not sent")
	}
	if title := <-rec.titles; title != "Task failed: backup" {
		t.Fatalf("title = %q", title)
	}
	if len(rec.titles) != 0 {
		t.Fatal("non-failed executions were reported")
	}
}

func TestFailureBody(t *testing.T) {
	code := 1
	msg := "boom"
	stderr := strings.Repeat("x", 400)
	body := failureBody(&core.Execution{ID: 3, ExitCode: &code, ErrorMessage: &msg, Stderr: &stderr})
	if !strings.HasPrefix(body, "Execution #3, exit code 1: boom\n...") {
		t.Fatalf("body = %q", body[:40])
	}
}

func TestFailureBodyKeepsRunesWhole(t *testing.T) {
	stderr := strings.Repeat("中", 200) + "x"
	body := failureBody(&core.Execution{ID: 4, Stderr: &stderr})
	if !utf8.ValidString(body) {
		t.Fatalf("body is not valid utf-8: %q", body)
	}
	if !strings.HasSuffix(body, "中x") || !strings.Contains(body, "\n...中") {
		t.Fatalf("body = %q", body)
	}
}
