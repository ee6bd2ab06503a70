package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/config"
	"github.com/rpicam/camserver/internal/media"
	"github.com/rpicam/camserver/internal/rtc"
	"github.com/rpicam/camserver/internal/signal"
)

type idleCapture struct {
	mu    sync.Mutex
	units chan media.AccessUnit
}

func (c *idleCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = make(chan media.AccessUnit)
	return nil
}

func (c *idleCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.units != nil {
		close(c.units)
		c.units = nil
	}
}

func (c *idleCapture) Units() <-chan media.AccessUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

func (c *idleCapture) ForceKeyframe() {}
func (c *idleCapture) Err() error     { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	pipeline, err := media.NewPipeline(media.Config{
		Width: 640, Height: 480, FPS: 30, BitrateBps: 1_000_000,
	}, &idleCapture{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pipeline.Stop)

	orch := app.NewOrchestrator(app.NewRegistry(), pipeline, app.NewSender(pipeline))
	ctl := signal.NewController(orch, signal.Options{
		RTC:                rtc.Config{},
		NegotiationTimeout: 30 * time.Second,
		DisconnectGrace:    5 * time.Second,
	}, 32768, 15*time.Second)

	cfg := &config.Config{Mode: "release", StaticPath: t.TempDir()}
	return SetupRouter(context.Background(), cfg, orch, ctl)
}

func TestStatusEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var st app.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.PipelineState != "stopped" {
		t.Errorf("pipeline state = %q, want stopped", st.PipelineState)
	}
	if st.Sessions != 0 {
		t.Errorf("sessions = %d, want 0", st.Sessions)
	}
}

func TestClientTokenCookieIsSet(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.ServeHTTP(w, req)

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" {
			token = c.Value
		}
	}
	if token == "" {
		t.Fatal("no ct cookie set")
	}

	// A returning client keeps its token.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req2.AddCookie(&http.Cookie{Name: "ct", Value: token})
	r.ServeHTTP(w2, req2)
	for _, c := range w2.Result().Cookies() {
		if c.Name == "ct" && c.Value != token {
			t.Errorf("token rewritten: %q -> %q", token, c.Value)
		}
	}
}
