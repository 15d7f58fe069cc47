package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"steadyscope/internal/motion"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

type processorFunc func(ctx context.Context, job pipeline.Job) pipeline.Result

func (f processorFunc) Process(ctx context.Context, job pipeline.Job) pipeline.Result { return f(ctx, job) }

func newTestServer(t *testing.T) (*Server, *storage.Store, *pipeline.Pipeline) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.DiscardHandler)
	pipe := pipeline.NewWithProcessor(context.Background(), 1, logger, store, processorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Meta: map[string]any{"frames": 2}}
	}))
	t.Cleanup(pipe.Stop)
	s, err := NewServer("127.0.0.1:0", store, pipe, nil, 0, nil, logger)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return s, store, pipe
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitJobRunsThroughPipeline(t *testing.T) {
	s, store, pipe := newTestServer(t)
	results, unsub := pipe.Subscribe()
	defer unsub()

	body := `{"type":"correct","input":"/data/movie.tif","options":{"maxShift":4}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp["id"] == "" {
		t.Fatalf("expected job id, got %v %v", resp, err)
	}

	select {
	case res := <-results:
		if res.Job.ID != resp["id"] || res.Job.Options["maxShift"] != 4.0 {
			t.Fatalf("unexpected job %+v", res.Job)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for job")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		jobs, err := store.RecentJobs(10)
		if err == nil && len(jobs) == 1 && jobs[0].Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never recorded as completed: %+v %v", jobs, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+resp["id"], nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"frames":2`) {
		t.Fatalf("unexpected job meta %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, body := range []string{
		`{"type":"denoise","input":"/a.tif"}`,
		`{"type":"correct"}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestRunEndpoints(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	shifts := []motion.Shift{{DX: 1.5, DY: -0.5, Quality: 0.7}, {DX: 0, DY: 2, Quality: 0.6, Boundary: true}}
	if err := store.RecordRun(ctx, storage.RunRecord{ID: "r9", InputPath: "/m.tif", Frames: 2, Height: 8, Width: 8, Method: "native", Interpolation: "cubic"}, shifts); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r9", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"input_path":"/m.tif"`) {
		t.Fatalf("unexpected run response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r9/shifts", nil))
	var got []motion.Shift
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || len(got) != 2 || !got[1].Boundary {
		t.Fatalf("unexpected shifts %+v %v", got, err)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r9/shifts?format=csv", nil))
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("frame,dx,dy,quality,boundary,fallback")) {
		t.Fatalf("unexpected csv %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"r9"`) {
		t.Fatalf("unexpected runs list %d %s", rec.Code, rec.Body.String())
	}
}
