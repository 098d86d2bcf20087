package handlers_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"genserver/internal/domain"
	"genserver/internal/generation"
	"genserver/internal/http/handlers"
	"genserver/internal/http/httpapi"
	"genserver/internal/infra"
	"genserver/internal/ledger"
	"genserver/internal/middleware"
	image "genserver/internal/providers/image"
	"genserver/internal/storage"
)

const testSecret = "test-secret"

type fakeBackend struct {
	err error
}

func (b *fakeBackend) Generate(ctx context.Context, req image.GenerateRequest) (image.Asset, error) {
	if b.err != nil {
		return image.Asset{}, b.err
	}
	return image.Asset{Data: []byte("png-bytes"), Format: "image/png", Seed: req.Seed}, nil
}

func (b *fakeBackend) HealthCheck(ctx context.Context) error { return b.err }

type testEnv struct {
	server  *httptest.Server
	store   *generation.Store
	credits *ledger.Memory
	backend *fakeBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	files, err := storage.NewFileStore(t.TempDir(), "http://localhost/static")
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	backend := &fakeBackend{}
	store := generation.NewStore()
	credits := ledger.NewMemory()
	queue := generation.NewQueue(store, backend, files, credits, nil, log, generation.QueueOptions{
		Workers:        2,
		Capacity:       16,
		MaxRetries:     2,
		JobTimeout:     5 * time.Second,
		CostPerImage:   1,
		RetryBaseDelay: time.Millisecond,
	})
	queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = queue.Close(ctx)
	})
	svc := generation.NewService(store, queue, credits, nil, log, 1)

	cfg := &infra.Config{JWTSecret: testSecret, ClientPollInterval: 2 * time.Second}
	app := handlers.NewApp(svc, files, backend, cfg, log)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		JWTSecret:       testSecret,
		RateLimitPerMin: 1000,
		Registry:        prometheus.NewRegistry(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: store, credits: credits, backend: backend}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.SignJWT(testSecret, middleware.TokenClaims{
		Sub: userID,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("SignJWT returned error: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) awaitStatus(t *testing.T, userID, jobID string, want domain.JobStatus) handlers.JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.do(t, http.MethodGet, "/v1/jobs/"+jobID, userID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status poll returned %d", resp.StatusCode)
		}
		view := decode[handlers.JobView](t, resp)
		if view.Status == want {
			return view
		}
		if view.Status.Terminal() {
			t.Fatalf("job reached %s, want %s", view.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return handlers.JobView{}
}

func TestJobsCreateRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/jobs", "", map[string]any{"prompt": "a cat"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %d want 401", resp.StatusCode)
	}
}

func TestJobsCreateAndPoll(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat", "quantity": 2})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: got %d want 202", resp.StatusCode)
	}
	started := decode[handlers.StartResponse](t, resp)
	if started.JobID == "" || started.Status != "started" {
		t.Fatalf("unexpected start response: %+v", started)
	}
	if started.EstimatedTime != 2*handlers.SecondsPerImage {
		t.Fatalf("estimated_time: got %d want %d", started.EstimatedTime, 2*handlers.SecondsPerImage)
	}
	if started.PollURL != "/v1/jobs/"+started.JobID {
		t.Fatalf("poll_url: got %q", started.PollURL)
	}
	if started.CheckIntervalMS != 2000 {
		t.Fatalf("check_interval_ms: got %d want 2000", started.CheckIntervalMS)
	}

	view := e.awaitStatus(t, "user-1", started.JobID, domain.JobStatusCompleted)
	if view.Result == nil || view.Result.GeneratedCount != 2 {
		t.Fatalf("result: %+v", view.Result)
	}
	if view.Progress != 100 {
		t.Fatalf("progress: got %d want 100", view.Progress)
	}
	if view.EstimatedTime != 0 {
		t.Fatalf("terminal job advertises remaining time %d", view.EstimatedTime)
	}
}

func TestJobsCreateValidation(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d want 400", resp.StatusCode)
	}
}

func TestJobsCreateInsufficientCredit(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat", "quantity": 3})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("got %d want 402", resp.StatusCode)
	}
}

func TestJobStatusIsolation(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat"})
	started := decode[handlers.StartResponse](t, resp)

	other := e.do(t, http.MethodGet, "/v1/jobs/"+started.JobID, "user-2", nil)
	defer other.Body.Close()
	if other.StatusCode != http.StatusForbidden {
		t.Fatalf("got %d want 403", other.StatusCode)
	}

	missing := e.do(t, http.MethodGet, "/v1/jobs/does-not-exist", "user-1", nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d want 404", missing.StatusCode)
	}
}

func TestJobCancelIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat"})
	started := decode[handlers.StartResponse](t, resp)
	e.awaitStatus(t, "user-1", started.JobID, domain.JobStatusCompleted)

	cancel := e.do(t, http.MethodDelete, "/v1/jobs/"+started.JobID, "user-1", nil)
	if cancel.StatusCode != http.StatusOK {
		t.Fatalf("got %d want 200", cancel.StatusCode)
	}
	body := decode[struct {
		Cancelled bool             `json:"cancelled"`
		Status    domain.JobStatus `json:"status"`
	}](t, cancel)
	if !body.Cancelled {
		t.Fatal("expected cancelled: true")
	}
	if body.Status != domain.JobStatusCompleted {
		t.Fatalf("cancel mutated a finished job: %s", body.Status)
	}
}

func TestJobsListIncludesStats(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat"})
	started := decode[handlers.StartResponse](t, resp)
	e.awaitStatus(t, "user-1", started.JobID, domain.JobStatusCompleted)

	list := e.do(t, http.MethodGet, "/v1/jobs", "user-1", nil)
	body := decode[struct {
		Jobs  []handlers.JobView    `json:"jobs"`
		Stats generation.QueueStats `json:"stats"`
	}](t, list)
	if len(body.Jobs) != 1 {
		t.Fatalf("jobs: got %d want 1", len(body.Jobs))
	}
	if body.Stats.Workers != 2 {
		t.Fatalf("stats.Workers: got %d want 2", body.Stats.Workers)
	}
	if body.Stats.Completed != 1 {
		t.Fatalf("stats.Completed: got %d want 1", body.Stats.Completed)
	}
}

func TestJobDownloadArchive(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat", "quantity": 2})
	started := decode[handlers.StartResponse](t, resp)
	e.awaitStatus(t, "user-1", started.JobID, domain.JobStatusCompleted)

	dl := e.do(t, http.MethodGet, "/v1/jobs/"+started.JobID+"/download", "user-1", nil)
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("got %d want 200", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type: got %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dl.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("archive entries: got %d want 2", len(zr.File))
	}
}

func TestJobDownloadNotReady(t *testing.T) {
	e := newTestEnv(t)
	e.credits.Grant("user-1", 10)
	e.backend.err = image.ErrUnavailable

	resp := e.do(t, http.MethodPost, "/v1/jobs", "user-1", map[string]any{"prompt": "a cat"})
	started := decode[handlers.StartResponse](t, resp)
	e.awaitStatus(t, "user-1", started.JobID, domain.JobStatusFailed)

	dl := e.do(t, http.MethodGet, "/v1/jobs/"+started.JobID+"/download", "user-1", nil)
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusConflict {
		t.Fatalf("got %d want 409", dl.StatusCode)
	}
}

func TestModelsCatalogPublic(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d want 200", resp.StatusCode)
	}
	body := decode[map[string]json.RawMessage](t, resp)
	for _, key := range []string{"styles", "models", "dimensions", "samplers", "loras", "settings", "defaults", "backend"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("catalog missing %q", key)
		}
	}
}

func TestHealthReportsBackend(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/v1/healthz", "", nil)
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" || body["backend"] != "ok" {
		t.Fatalf("health body: %v", body)
	}

	e.backend.err = image.ErrUnavailable
	resp = e.do(t, http.MethodGet, "/v1/healthz", "", nil)
	body = decode[map[string]string](t, resp)
	if body["backend"] != "unreachable" {
		t.Fatalf("backend health: %v", body)
	}
}
