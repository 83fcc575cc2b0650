package debughttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouterServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newRouter(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "goroutine") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestRouterMountsMetrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tunnel_active_tunnels 0\n")
	})

	rr := httptest.NewRecorder()
	newRouter(metrics).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "tunnel_active_tunnels") {
		t.Fatalf("expected metrics body, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	newRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", rr.Code)
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	addr, err := Start(context.Background(), Options{})
	if err != nil || addr != nil {
		t.Fatalf("expected disabled listener, got %v %v", addr, err)
	}
}

func TestStartServesUntilCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Start(ctx, Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/cmdline")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
