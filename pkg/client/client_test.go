package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
)

func fastClient(baseURL string) *Client {
	return New(Options{
		BaseURL:     baseURL,
		Logger:      zerolog.New(io.Discard),
		PollBase:    2 * time.Millisecond,
		PollStep:    2 * time.Millisecond,
		PollCeiling: 10 * time.Millisecond,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitValidatesLocally(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	_, err := c.Submit(context.Background(), TaskRequest{
		Type:      domain.TaskTypeImage,
		ProjectID: "p",
		ModelID:   "m",
		Prompt:    "   ",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("invalid request must not reach the server")
	}

	_, err = c.Submit(context.Background(), TaskRequest{
		Type:            domain.TaskTypeImage,
		ProjectID:       "p",
		ModelID:         "m",
		Prompt:          "a cat",
		ReferenceImages: []string{"not a url and not base64!!"},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation error for malformed image ref", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("malformed image ref must not reach the server")
	}
}

func TestSubmitAndWait(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/tasks":
			writeJSON(w, 201, Task{ID: "t1", Status: domain.TaskStatusPending, Type: domain.TaskTypeImage})
		case r.Method == "GET" && r.URL.Path == "/tasks/t1":
			n := atomic.AddInt32(&polls, 1)
			if n < 3 {
				writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusPolling, Progress: 40})
				return
			}
			if r.URL.Query().Get("include_result") != "true" {
				t.Error("wait must ask for the result")
			}
			writeJSON(w, 200, Task{
				ID:     "t1",
				Status: domain.TaskStatusCompleted,
				Result: &domain.TaskResult{URL: "http://files/img.png"},
			})
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	task, err := c.Submit(context.Background(), TaskRequest{
		Type: domain.TaskTypeImage, ProjectID: "p", ModelID: "m", Prompt: "a cat",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := c.Wait(context.Background(), task.ID, domain.TaskTypeImage)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.TaskStatusCompleted || final.Result == nil {
		t.Fatalf("final = %+v", final)
	}
}

func TestWaitAdaptiveInterval(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		n := len(stamps)
		mu.Unlock()
		if n < 6 {
			writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusPolling})
			return
		}
		writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusCompleted, Result: &domain.TaskResult{Text: "x"}})
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL:     srv.URL,
		Logger:      zerolog.New(io.Discard),
		PollBase:    5 * time.Millisecond,
		PollStep:    20 * time.Millisecond,
		PollCeiling: 200 * time.Millisecond,
	})
	if _, err := c.WaitTimeout(context.Background(), "t1", 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) < 4 {
		t.Fatalf("too few polls: %d", len(stamps))
	}
	// Once the task sits in the external polling phase, gaps must widen.
	early := stamps[2].Sub(stamps[1])
	late := stamps[len(stamps)-1].Sub(stamps[len(stamps)-2])
	if late <= early {
		t.Fatalf("interval did not grow: early %s late %s", early, late)
	}
}

func TestWaitAbsorbsTransientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(500)
			return
		}
		writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusCompleted, Result: &domain.TaskResult{Text: "x"}})
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL).WaitTimeout(context.Background(), "t1", 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitWithReportsProgress(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&polls, 1) {
		case 1:
			writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusRunning, Progress: 10})
		case 2:
			writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusPolling, Progress: 40})
		case 3:
			// Unchanged observation, must not be reported twice.
			writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusPolling, Progress: 40})
		default:
			writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusCompleted, Progress: 100, Result: &domain.TaskResult{Text: "x"}})
		}
	}))
	defer srv.Close()

	var seen []int
	_, err := fastClient(srv.URL).WaitWith(context.Background(), "t1", WaitOptions{
		Timeout: 5 * time.Second,
		OnProgress: func(task *Task) {
			seen = append(seen, task.Progress)
		},
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []int{10, 40, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress reports = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress reports = %v, want %v", seen, want)
		}
	}
}

func TestWaitSurfacesTerminalFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/bad":
			writeJSON(w, 200, Task{ID: "bad", Status: domain.TaskStatusFailed, Error: "content policy violation"})
		case "/tasks/stopped":
			writeJSON(w, 200, Task{ID: "stopped", Status: domain.TaskStatusCancelled})
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()
	c := fastClient(srv.URL)

	task, err := c.WaitTimeout(context.Background(), "bad", 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "content policy violation") {
		t.Fatalf("failed task err = %v, want stored error", err)
	}
	if task == nil || task.Status != domain.TaskStatusFailed {
		t.Fatalf("failed task envelope = %+v", task)
	}

	task, err = c.WaitTimeout(context.Background(), "stopped", 5*time.Second)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("cancelled task err = %v, want ErrCancelled", err)
	}
	if task == nil || task.Status != domain.TaskStatusCancelled {
		t.Fatalf("cancelled task envelope = %+v", task)
	}
}

func TestWaitGivesUpOnPersistentNotFound(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, 404, map[string]string{"error": "not_found", "message": "task not found"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).WaitTimeout(context.Background(), "gone", 5*time.Second)
	if !errors.Is(err, ErrTaskGone) {
		t.Fatalf("err = %v, want ErrTaskGone", err)
	}
	if got := atomic.LoadInt32(&hits); got != missingPollLimit {
		t.Fatalf("polls = %d, want %d", got, missingPollLimit)
	}
}

func TestWaitCancelSendsDelete(t *testing.T) {
	var deleted int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "DELETE" {
			atomic.AddInt32(&deleted, 1)
			writeJSON(w, 200, map[string]string{"id": "t1", "status": "cancelled"})
			return
		}
		writeJSON(w, 200, Task{ID: "t1", Status: domain.TaskStatusPolling})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := fastClient(srv.URL).WaitTimeout(ctx, "t1", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if atomic.LoadInt32(&deleted) == 0 {
		t.Fatal("abandoned wait must request server-side cancellation")
	}
}

func TestCancelStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/terminal":
			writeJSON(w, 409, map[string]string{"error": "task_terminal", "message": "already terminal"})
		case "/tasks/missing":
			writeJSON(w, 404, map[string]string{"error": "not_found", "message": "task not found"})
		default:
			writeJSON(w, 200, map[string]string{"status": "cancelled"})
		}
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if err := c.Cancel(context.Background(), "active"); err != nil {
		t.Fatalf("active: %v", err)
	}
	if err := c.Cancel(context.Background(), "terminal"); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Fatalf("terminal: %v", err)
	}
	if err := c.Cancel(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	var done sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tasks" && r.URL.Query().Get("project_id") == "p":
			writeJSON(w, 200, map[string]any{"items": []Task{
				{ID: "run", Status: domain.TaskStatusRunning, Type: domain.TaskTypeImage},
				{ID: "done", Status: domain.TaskStatusCompleted, Type: domain.TaskTypeImage},
			}})
		case r.URL.Path == "/tasks/run":
			select {
			case <-release:
				writeJSON(w, 200, Task{ID: "run", Status: domain.TaskStatusCompleted, Result: &domain.TaskResult{Text: "x"}})
			default:
				writeJSON(w, 200, Task{ID: "run", Status: domain.TaskStatusRunning})
			}
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	var notified int32
	done.Add(1)
	onDone := func(t *Task) {
		atomic.AddInt32(&notified, 1)
		done.Done()
	}

	first, err := c.Recover(context.Background(), "p", onDone)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(first) != 1 || first[0].ID != "run" {
		t.Fatalf("attached = %+v, want the one active task", first)
	}

	// A second recovery while the watch is live must not double-attach.
	second, err := c.Recover(context.Background(), "p", onDone)
	if err != nil {
		t.Fatalf("recover again: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second attach = %+v, want none", second)
	}

	close(release)
	done.Wait()
	if got := atomic.LoadInt32(&notified); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestTargetNotifierRetriesThenDrops(t *testing.T) {
	n := NewTargetNotifier(zerolog.New(io.Discard))
	n.delay = time.Millisecond

	var calls int32
	n.Handle("shot", func(ctx context.Context, target domain.Target, task *Task) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("shot store busy")
		}
		return nil
	})

	task := &Task{ID: "t1", Target: &domain.Target{Type: "shot", ShotID: "s1"}}
	n.Notify(context.Background(), task)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want success on retry", got)
	}

	// A handler that never succeeds is retried up to the budget, then dropped.
	var failing int32
	n.Handle("entity", func(ctx context.Context, target domain.Target, task *Task) error {
		atomic.AddInt32(&failing, 1)
		return errors.New("permanent")
	})
	n.Notify(context.Background(), &Task{ID: "t2", Target: &domain.Target{Type: "entity", EntityID: "e1"}})
	if got := atomic.LoadInt32(&failing); got != notifyAttempts {
		t.Fatalf("failing calls = %d, want %d", got, notifyAttempts)
	}

	// No target, no handler call.
	n.Notify(context.Background(), &Task{ID: "t3"})
}
