package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/bridge"
	"github.com/remotekernel/kernelctl/internal/config"
	"github.com/remotekernel/kernelctl/internal/registry"
	"github.com/remotekernel/kernelctl/internal/remote"
	"github.com/remotekernel/kernelctl/internal/serverapi"
	"github.com/remotekernel/kernelctl/internal/testutil/testlog"
)

type stubConn struct {
	mu      sync.Mutex
	id      string
	opts    config.EndpointOptions
	state   remote.State
	kernels map[string]serverapi.Kernel
	next    int
}

func (s *stubConn) ID() string { return s.id }

func (s *stubConn) Options() config.EndpointOptions { return s.opts }

func (s *stubConn) State() remote.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubConn) Sessions() []remote.KernelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.KernelSession, 0, len(s.kernels))
	for id, k := range s.kernels {
		out = append(out, remote.KernelSession{ID: id, Info: k, StartedAt: time.Now()})
	}
	return out
}

func (s *stubConn) ConnectAndInstall(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = remote.StateInstalled
	return nil
}

func (s *stubConn) ConnectAndStart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = remote.StateRunning
	return nil
}

func (s *stubConn) EnsureRunning(ctx context.Context) error { return s.ConnectAndStart(ctx) }

func (s *stubConn) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = remote.StateStopped
	s.kernels = map[string]serverapi.Kernel{}
	return nil
}

func (s *stubConn) Restart(ctx context.Context) error { return s.ConnectAndStart(ctx) }

func (s *stubConn) Close() error { return nil }

func (s *stubConn) ListKernels(context.Context) ([]serverapi.Kernel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != remote.StateRunning {
		return nil, remote.ErrNotRunning
	}
	out := make([]serverapi.Kernel, 0, len(s.kernels))
	for _, k := range s.kernels {
		out = append(out, k)
	}
	return out, nil
}

func (s *stubConn) StartKernel(ctx context.Context) (serverapi.Kernel, error) {
	if err := s.EnsureRunning(ctx); err != nil {
		return serverapi.Kernel{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	k := serverapi.Kernel{ID: fmt.Sprintf("k%d", s.next), ExecutionState: "idle"}
	s.kernels[k.ID] = k
	return k, nil
}

func (s *stubConn) KernelInfo(_ context.Context, kernelID string) (serverapi.Kernel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kernels[kernelID]
	if !ok {
		return serverapi.Kernel{}, fmt.Errorf("%w: %s", remote.ErrKernelNotFound, kernelID)
	}
	return k, nil
}

func (s *stubConn) RestartKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error) {
	return s.KernelInfo(ctx, kernelID)
}

func (s *stubConn) InterruptKernel(ctx context.Context, kernelID string) error {
	_, err := s.KernelInfo(ctx, kernelID)
	return err
}

func (s *stubConn) TerminateKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error) {
	k, err := s.KernelInfo(ctx, kernelID)
	if err != nil {
		return serverapi.Kernel{}, err
	}
	s.mu.Lock()
	delete(s.kernels, kernelID)
	s.mu.Unlock()
	return k, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	testlog.Start(t)
	br := bridge.New(zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = br.Shutdown(ctx)
	})
	reg := registry.New(registry.Deps{
		Bridge: br,
		Logger: zerolog.Nop(),
		Factory: func(id string, opts config.EndpointOptions) registry.Connection {
			return &stubConn{id: id, opts: opts, state: remote.StateUnconnected, kernels: map[string]serverapi.Kernel{}}
		},
	})
	if err := reg.Load("A", config.EndpointOptions{Host: "devbox", User: "ana", KeyFile: "/keys/id_ed25519"}); err != nil {
		t.Fatalf("load endpoint: %v", err)
	}
	return New(reg, zerolog.Nop(), nil)
}

func doJSON(t *testing.T, s *Server, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	var body map[string]any
	if len(rr.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body %q: %v", rr.Body.String(), err)
		}
	}
	return rr.Code, body
}

func TestHealthReportsEndpointCount(t *testing.T) {
	s := newTestServer(t)
	code, body := doJSON(t, s, http.MethodGet, "/health")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["endpoints"] != float64(1) {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestEndpointListAndDetail(t *testing.T) {
	s := newTestServer(t)

	code, body := doJSON(t, s, http.MethodGet, "/v1/endpoints")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	endpoints, ok := body["endpoints"].([]any)
	if !ok || len(endpoints) != 1 {
		t.Fatalf("unexpected endpoints: %#v", body)
	}

	code, body = doJSON(t, s, http.MethodGet, "/v1/endpoints/A")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%#v", code, body)
	}
	if body["host"] != "devbox" || body["state"] != string(remote.StateUnconnected) {
		t.Fatalf("unexpected detail: %#v", body)
	}

	code, _ = doJSON(t, s, http.MethodGet, "/v1/endpoints/ghost")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unloaded endpoint, got %d", code)
	}
}

func TestLifecycleActions(t *testing.T) {
	s := newTestServer(t)

	code, body := doJSON(t, s, http.MethodPost, "/v1/endpoints/A/actions/start")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%#v", code, body)
	}
	if body["state"] != string(remote.StateRunning) {
		t.Fatalf("expected running, got %#v", body)
	}

	code, _ = doJSON(t, s, http.MethodPost, "/v1/endpoints/A/actions/stop")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for stop, got %d", code)
	}
	code, _ = doJSON(t, s, http.MethodPost, "/v1/endpoints/A/actions/vaporize")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", code)
	}
	code, _ = doJSON(t, s, http.MethodPost, "/v1/endpoints/ghost/actions/start")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unloaded endpoint, got %d", code)
	}
}

func TestKernelRoutes(t *testing.T) {
	s := newTestServer(t)

	code, body := doJSON(t, s, http.MethodPost, "/v1/endpoints/A/kernels")
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%#v", code, body)
	}
	kernel, ok := body["kernel"].(map[string]any)
	if !ok || kernel["id"] != "k1" {
		t.Fatalf("unexpected kernel payload: %#v", body)
	}

	code, body = doJSON(t, s, http.MethodGet, "/v1/endpoints/A/kernels")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	kernels, ok := body["kernels"].([]any)
	if !ok || len(kernels) != 1 {
		t.Fatalf("unexpected kernels: %#v", body)
	}

	code, _ = doJSON(t, s, http.MethodGet, "/v1/endpoints/A/kernels/k1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for info, got %d", code)
	}
	code, _ = doJSON(t, s, http.MethodPost, "/v1/endpoints/A/kernels/k1/actions/interrupt")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for interrupt, got %d", code)
	}
	code, _ = doJSON(t, s, http.MethodDelete, "/v1/endpoints/A/kernels/k1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for terminate, got %d", code)
	}
	// Repeat delete is an idempotent success at the registry boundary.
	code, _ = doJSON(t, s, http.MethodDelete, "/v1/endpoints/A/kernels/k1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for repeat terminate, got %d", code)
	}
	code, _ = doJSON(t, s, http.MethodGet, "/v1/endpoints/A/kernels/k1")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing kernel, got %d", code)
	}
}
