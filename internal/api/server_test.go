package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/id"
	"github.com/dunamismax/upscaler/internal/pipeline"
	"github.com/dunamismax/upscaler/internal/ratelimit"
	"github.com/dunamismax/upscaler/internal/runner"
	"github.com/dunamismax/upscaler/internal/store"
	"github.com/dunamismax/upscaler/internal/upload"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const stubHeader = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
		-i) in="$2"; shift ;;
		-o) out="$2"; shift ;;
	esac
	shift
done
`

const copyStub = `echo "50.00%"
cp "$in" "$out"
echo "100.00%"
`

type testEnv struct {
	server   *Server
	registry *store.MemoryRegistry
	cacheDir string
}

type envOption func(*Options)

func writeStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executables are shell scripts")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, sh not available: %v", err)
	}

	path := filepath.Join(t.TempDir(), "upscaler")
	if err := os.WriteFile(path, []byte(stubHeader+body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func newProcessRunner(t *testing.T, binary string) *runner.Runner {
	t.Helper()
	r := runner.New(runner.Command{Path: binary, GPU: runner.DefaultGPU, Scale: runner.DefaultScale}, 10*time.Millisecond, nil)
	t.Cleanup(r.Close)
	return r
}

func newTestEnv(t *testing.T, r pipeline.ProcessRunner, opts ...envOption) testEnv {
	t.Helper()

	cacheDir := t.TempDir()
	registry := store.NewMemoryRegistry()
	processor := pipeline.NewProcessor(r, registry, pipeline.Options{
		Logger:     log.New(io.Discard, "", 0),
		Registerer: prometheus.NewRegistry(),
	})

	options := Options{
		Logger:         log.New(io.Discard, "", 0),
		Receiver:       upload.Receiver{CacheDir: cacheDir},
		MaxUploadBytes: 1 << 20,
		CORSOrigin:     "*",
	}
	for _, opt := range opts {
		opt(&options)
	}

	return testEnv{
		server:   NewServer(registry, processor, options),
		registry: registry,
		cacheDir: cacheDir,
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	var (
		part io.Writer
		err  error
	)
	if filename == "" {
		part, err = mw.CreateFormField("file")
	} else {
		part, err = mw.CreateFormFile("file", filename)
	}
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func newUploadRequest(t *testing.T, target, filename string, content []byte) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func decodeJobResponse(t *testing.T, body io.Reader) jobResponse {
	t.Helper()
	var resp jobResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func getStatus(t *testing.T, h http.Handler, requestID string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+requestID, nil))
	return rec.Code, rec.Body.String()
}

func TestUpscaleCompletedScenario(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)))
	h := env.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newUploadRequest(t, "/upscale", "a.png", []byte("0123456789")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJobResponse(t, rec.Body)
	if resp.Status != domain.StatusCompleted {
		t.Fatalf("expected Completed, got %s", resp.Status)
	}

	requestID := resp.Data["request_id"]
	if !id.Valid(requestID) {
		t.Fatalf("expected uuid request_id, got %q", requestID)
	}
	want := filepath.Join(env.cacheDir, requestID+".png")
	if resp.Data["upscaled_path"] != want {
		t.Fatalf("expected upscaled_path %s, got %s", want, resp.Data["upscaled_path"])
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected artifact on disk: %v", err)
	}

	code, body := getStatus(t, h, requestID)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if strings.TrimSpace(body) != `{"status":"Completed"}` {
		t.Fatalf("unexpected status body %s", body)
	}
}

func TestUpscaleFailedWhenExitZeroWithoutArtifact(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, "exit 0\n")))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "/upscale", "a.png", []byte("0123456789")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeJobResponse(t, rec.Body)
	if resp.Status != domain.StatusFailed {
		t.Fatalf("expected Failed, got %s", resp.Status)
	}
	if _, ok := resp.Data["upscaled_path"]; ok {
		t.Fatal("upscaled_path must only be present for Completed")
	}
}

func TestUpscaleErrorWhenExecutableMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	env := newTestEnv(t, newProcessRunner(t, missing))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "/upscale", "a.png", []byte("0123456789")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeJobResponse(t, rec.Body)
	if resp.Status != domain.StatusError {
		t.Fatalf("expected Error, got %s", resp.Status)
	}

	job, ok, err := env.registry.Get(context.Background(), resp.Data["request_id"])
	if err != nil || !ok {
		t.Fatalf("expected job in registry, ok=%t err=%v", ok, err)
	}
	if job.Status != domain.StatusError {
		t.Fatalf("expected registry status Error, got %s", job.Status)
	}
}

func TestUpscaleMissingFilenameRecordsError(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "/upscale", "", []byte("0123456789")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	resp := decodeJobResponse(t, rec.Body)
	if resp.Status != domain.StatusError || resp.Error == "" {
		t.Fatalf("expected populated Error body, got %#v", resp)
	}

	job, ok, _ := env.registry.Get(context.Background(), resp.Data["request_id"])
	if !ok || job.Status != domain.StatusError {
		t.Fatalf("expected registry to record Error, got ok=%t status=%s", ok, job.Status)
	}
}

func TestUpscaleRejectsNonMultipartBody(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)))

	req := httptest.NewRequest(http.MethodPost, "/upscale", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if n, _ := env.registry.Len(context.Background()); n != 1 {
		t.Fatalf("expected the rejected job to stay registered, got %d jobs", n)
	}
}

func TestUpscaleTooLarge(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)), func(o *Options) {
		o.MaxUploadBytes = 512
	})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "/upscale", "big.png", bytes.Repeat([]byte("x"), 8<<10)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJobResponse(t, rec.Body)
	job, ok, _ := env.registry.Get(context.Background(), resp.Data["request_id"])
	if !ok || job.Status != domain.StatusError {
		t.Fatalf("expected registry to record Error, got ok=%t status=%s", ok, job.Status)
	}
}

func TestUpscaleRejectsInvalidWebhookURL(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "/upscale?webhook_url=ftp://example.com", "a.png", []byte("0123456789")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if n, _ := env.registry.Len(context.Background()); n != 0 {
		t.Fatalf("expected no job to be created, got %d", n)
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, "unused"))

	code, body := getStatus(t, env.server.Handler(), "9b2d4c1e-0000-4000-8000-000000000000")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if body != notFoundBody {
		t.Fatalf("expected plain text body %q, got %q", notFoundBody, body)
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, "unused"))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"data":"pong","status":"healthy"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (b blockingRunner) Run(_ context.Context, _, output string, _ runner.LineFunc) runner.Result {
	b.started <- output
	<-b.release
	return runner.Result{Path: "stub", Output: output, Exited: true, ExitCode: 1}
}

func TestStatusProcessingWhileInFlight(t *testing.T) {
	br := blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	env := newTestEnv(t, br)
	h := env.server.Handler()

	req := newUploadRequest(t, "/upscale", "a.png", []byte("0123456789"))
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		done <- rec
	}()

	var output string
	select {
	case output = <-br.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner was never started")
	}
	requestID := strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))

	code, body := getStatus(t, h, requestID)
	if code != http.StatusOK || strings.TrimSpace(body) != `{"status":"Processing"}` {
		t.Fatalf("expected Processing while in flight, got %d %s", code, body)
	}

	close(br.release)
	rec := <-done
	if resp := decodeJobResponse(t, rec.Body); resp.Status != domain.StatusFailed {
		t.Fatalf("expected Failed, got %s", resp.Status)
	}

	code, body = getStatus(t, h, requestID)
	if code != http.StatusOK || strings.TrimSpace(body) != `{"status":"Failed"}` {
		t.Fatalf("expected Failed after completion, got %d %s", code, body)
	}
}

func TestConcurrentSubmissionsGetDistinctIDs(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)))
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	const n = 8
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
	)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		body, contentType := multipartBody(t, "a.png", []byte("0123456789"))
		g.Go(func() error {
			resp, err := http.Post(srv.URL+"/upscale", contentType, body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var out jobResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			if out.Status != domain.StatusCompleted {
				t.Errorf("expected Completed, got %s", out.Status)
			}

			mu.Lock()
			ids[out.Data["request_id"]] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	if len(ids) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(ids))
	}
	for requestID := range ids {
		job, ok, _ := env.registry.Get(context.Background(), requestID)
		if !ok || job.Status != domain.StatusCompleted {
			t.Fatalf("job %s: expected Completed, got ok=%t status=%s", requestID, ok, job.Status)
		}
	}
}

func TestRateLimitRejectsSecondUpload(t *testing.T) {
	limiter, err := ratelimit.NewLocalLimiter(1, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, newProcessRunner(t, writeStub(t, copyStub)), func(o *Options) {
		o.RateLimiter = limiter
	})
	h := env.server.Handler()

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := newUploadRequest(t, "/upscale", "a.png", []byte("0123456789"))
		req.Header.Set("X-User-ID", "user-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatal("expected Retry-After header")
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET requests must not be limited, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, "unused"))

	req := httptest.NewRequest(http.MethodOptions, "/upscale", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, newProcessRunner(t, "unused"))
	h := env.server.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `upscaler_api_requests_total{method="GET",route="/ping",status="200"} 1`) {
		t.Fatalf("expected ping request counter in exposition")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/upscale":        "/upscale",
		"/status/abc":     "/status/{request_id}",
		"/ping":           "/ping",
		"/metrics":        "/metrics",
		"/nope/../secret": "unmatched",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
