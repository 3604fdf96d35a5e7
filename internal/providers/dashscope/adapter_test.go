package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
	"storyreel/internal/refimage"
	"storyreel/internal/retry"
)

type capturedRequest struct {
	Path  string
	Async string
	Body  map[string]any
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Options{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     zerolog.New(io.Discard),
		Retry:      retry.Options{Attempts: 2, Delay: time.Millisecond},
	})
	return client, srv
}

func discardNormalizer() *refimage.Normalizer {
	return refimage.NewNormalizer(refimage.Options{Logger: zerolog.New(io.Discard)})
}

func captureCreate(t *testing.T, got *capturedRequest, taskID string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		got.Path = r.URL.Path
		got.Async = r.Header.Get("X-DashScope-Async")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output":     map[string]any{"task_id": taskID, "task_status": "PENDING"},
			"request_id": "req-1",
		})
	}
}

func inputField(t *testing.T, body map[string]any, key string) string {
	t.Helper()
	input, _ := body["input"].(map[string]any)
	v, _ := input[key].(string)
	return v
}

func TestImageSubmitReturnsJobRef(t *testing.T) {
	var got capturedRequest
	client, _ := newTestClient(t, captureCreate(t, &got, "task-img-1"))
	adapter := NewImageAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	sub, err := adapter.Submit(context.Background(), &domain.Task{
		ModelID:     "wan2.2-t2i-plus",
		Prompt:      "a lighthouse at dusk",
		AspectRatio: "16:9",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Result != nil {
		t.Fatal("poll-style submit must not return an immediate result")
	}
	if sub.Job == nil || sub.Job.ID != "task-img-1" {
		t.Fatalf("job ref = %#v", sub.Job)
	}
	if got.Path != imageSynthesisPath {
		t.Fatalf("path = %q", got.Path)
	}
	if got.Async != "enable" {
		t.Fatalf("async header = %q, want enable", got.Async)
	}
	params, _ := got.Body["parameters"].(map[string]any)
	if params["size"] != "1280*720" {
		t.Fatalf("size = %v, want 1280*720", params["size"])
	}
}

func TestVideoSubmitUsesSourceImageFieldForI2V(t *testing.T) {
	var got capturedRequest
	client, _ := newTestClient(t, captureCreate(t, &got, "task-vid-1"))
	adapter := NewVideoAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	sub, err := adapter.Submit(context.Background(), &domain.Task{
		ModelID:    "wan2.2-i2v-plus",
		Prompt:     "the camera pans across the harbor",
		StartImage: "https://img.example.com/shot-1.png",
		Duration:   8,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Job.ID != "task-vid-1" {
		t.Fatalf("job id = %q", sub.Job.ID)
	}
	if got.Path != videoSynthesisPath {
		t.Fatalf("path = %q", got.Path)
	}
	if inputField(t, got.Body, "img_url") != "https://img.example.com/shot-1.png" {
		t.Fatalf("img_url = %q", inputField(t, got.Body, "img_url"))
	}
	if inputField(t, got.Body, "first_frame_url") != "" {
		t.Fatal("i2v submission must not carry keyframe fields")
	}
	params, _ := got.Body["parameters"].(map[string]any)
	if params["duration"] != float64(8) {
		t.Fatalf("duration = %v, want caller-supplied 8", params["duration"])
	}
}

func TestVideoSubmitUsesKeyframeFieldsAndFixedDuration(t *testing.T) {
	var got capturedRequest
	client, _ := newTestClient(t, captureCreate(t, &got, "task-vid-2"))
	adapter := NewVideoAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	_, err := adapter.Submit(context.Background(), &domain.Task{
		ModelID:    "wan2.1-kf2v-plus",
		Prompt:     "morph between the two frames",
		StartImage: "https://img.example.com/first.png",
		EndImage:   "https://img.example.com/last.png",
		Duration:   30, // ignored: this sub-model has a fixed duration
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if inputField(t, got.Body, "first_frame_url") != "https://img.example.com/first.png" {
		t.Fatalf("first_frame_url = %q", inputField(t, got.Body, "first_frame_url"))
	}
	if inputField(t, got.Body, "last_frame_url") != "https://img.example.com/last.png" {
		t.Fatalf("last_frame_url = %q", inputField(t, got.Body, "last_frame_url"))
	}
	if inputField(t, got.Body, "img_url") != "" {
		t.Fatal("keyframe submission must not carry img_url")
	}
	params, _ := got.Body["parameters"].(map[string]any)
	if params["duration"] != float64(5) {
		t.Fatalf("duration = %v, want fixed 5", params["duration"])
	}
}

func TestVideoSubmitOmitsUncachedInlineImage(t *testing.T) {
	var got capturedRequest
	client, _ := newTestClient(t, captureCreate(t, &got, "task-vid-3"))
	adapter := NewVideoAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	_, err := adapter.Submit(context.Background(), &domain.Task{
		ModelID:    "wan2.2-i2v-plus",
		Prompt:     "slow zoom",
		StartImage: "iVBORw0KGgoAAAANSUhEUg", // inline, never materialized
	})
	if err != nil {
		t.Fatalf("submit should not fail on a cache miss: %v", err)
	}
	if inputField(t, got.Body, "img_url") != "" {
		t.Fatal("uncached inline image should be omitted, not sent")
	}
}

func TestPollMapsStatusEnum(t *testing.T) {
	responses := []struct {
		status string
		url    string
		msg    string
	}{
		{"PENDING", "", ""},
		{"RUNNING", "", ""},
		{"SUCCEEDED", "https://cdn.example.com/out.mp4", ""},
	}
	call := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := responses[call]
		if call < len(responses)-1 {
			call++
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"task_id": "t1", "task_status": resp.status, "video_url": resp.url},
		})
	})
	adapter := NewVideoAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	ref := providers.JobRef{ID: "t1"}
	for i := 0; i < 2; i++ {
		st, err := adapter.Poll(context.Background(), ref)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if st.Done {
			t.Fatalf("poll %d should be in progress", i)
		}
	}
	st, err := adapter.Poll(context.Background(), ref)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if !st.Done || st.Failed {
		t.Fatalf("final poll = %#v, want done", st)
	}
	if st.ResultURL != "https://cdn.example.com/out.mp4" {
		t.Fatalf("result url = %q", st.ResultURL)
	}
}

func TestPollSurfacesProviderFailureVerbatim(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"task_id":     "t2",
				"task_status": "FAILED",
				"message":     "content policy violation",
			},
		})
	})
	adapter := NewImageAdapter(client, discardNormalizer(), zerolog.New(io.Discard))
	st, err := adapter.Poll(context.Background(), providers.JobRef{ID: "t2"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !st.Done || !st.Failed {
		t.Fatalf("status = %#v, want failed", st)
	}
	if st.Message != "content policy violation" {
		t.Fatalf("message = %q, want verbatim provider text", st.Message)
	}
}

func TestSubmitDoesNotRetryAuthFailures(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "InvalidApiKey", "message": "invalid api key"})
	})
	adapter := NewImageAdapter(client, discardNormalizer(), zerolog.New(io.Discard))
	_, err := adapter.Submit(context.Background(), &domain.Task{ModelID: "wan2.2-t2i-plus", Prompt: "x"})
	var se *retry.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 StatusError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}

func TestMaterializeFallsBackToURL(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	adapter := NewVideoAdapter(client, discardNormalizer(), zerolog.New(io.Discard))

	// Unreachable host: the download fails, the URL is still the result.
	st := providers.PollStatus{Done: true, ResultURL: "http://127.0.0.1:1/gone.mp4"}
	res, err := adapter.Materialize(context.Background(), st)
	if err != nil {
		t.Fatalf("materialize should degrade, not fail: %v", err)
	}
	if res.URL != st.ResultURL || res.Data != "" {
		t.Fatalf("result = %#v, want url-only", res)
	}
}

func TestMaterializeDownloadsAndCaches(t *testing.T) {
	payload := []byte("mp4-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	images := refimage.NewNormalizer(refimage.Options{
		HTTPClient: srv.Client(),
		Logger:     zerolog.New(io.Discard),
	})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	adapter := NewVideoAdapter(client, images, zerolog.New(io.Discard))

	st := providers.PollStatus{Done: true, ResultURL: srv.URL + "/clip.mp4"}
	res, err := adapter.Materialize(context.Background(), st)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Data == "" || res.MimeType != "video/mp4" {
		t.Fatalf("result = %#v", res)
	}
	if res.URL != st.ResultURL {
		t.Fatal("url should be preserved alongside bytes")
	}
	if _, ok := images.Cache().DataForURL(st.ResultURL); !ok {
		t.Fatal("materialized bytes should be cached against the url")
	}
}
