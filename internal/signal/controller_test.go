package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/media"
	"github.com/rpicam/camserver/internal/rtc"
)

func newTestServer(t *testing.T) (*httptest.Server, *app.Orchestrator) {
	t.Helper()
	pipeline, err := media.NewPipeline(media.Config{
		Width: 640, Height: 480, FPS: 30, BitrateBps: 1_000_000,
	}, &nullCapture{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pipeline.Stop)
	orch := app.NewOrchestrator(app.NewRegistry(), pipeline, app.NewSender(pipeline))

	ctl := NewController(orch, Options{
		RTC:                rtc.Config{},
		NegotiationTimeout: 30 * time.Second,
		DisconnectGrace:    5 * time.Second,
	}, 32768, 15*time.Second)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, orch
}

func readFrame(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

func TestControllerNegotiatesOverWebSocket(t *testing.T) {
	srv, orch := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if msg := readFrame(t, ws); msg.Type != TypeHello {
		t.Fatalf("first frame type = %q, want hello", msg.Type)
	}
	if msg := readFrame(t, ws); msg.Type != TypeOffer || msg.SDP == "" {
		t.Fatalf("second frame = %+v, want offer with SDP", msg)
	}

	if orch.Registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", orch.Registry.Len())
	}

	if err := ws.WriteJSON(Message{Type: TypeBye}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && orch.Registry.Len() != 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if orch.Registry.Len() != 0 {
		t.Errorf("registry len after bye = %d, want 0", orch.Registry.Len())
	}
}

func TestControllerEachConnectionGetsOwnSession(t *testing.T) {
	srv, orch := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer ws.Close()
		conns = append(conns, ws)
		if msg := readFrame(t, ws); msg.Type != TypeHello {
			t.Fatalf("conn %d: first frame type = %q", i, msg.Type)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) &&
		(orch.Registry.Len() != 3 || orch.Pipeline.Subscribers() != 3) {
		time.Sleep(2 * time.Millisecond)
	}
	if orch.Registry.Len() != 3 {
		t.Errorf("registry len = %d, want 3", orch.Registry.Len())
	}
	if got := orch.Pipeline.Subscribers(); got != 3 {
		t.Errorf("subscribers = %d, want 3", got)
	}
	_ = conns
}
