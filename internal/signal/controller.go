package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller accepts WebSocket signaling connections and spins up one
// session per viewer.
type Controller struct {
	Orch       *app.Orchestrator
	Opts       Options
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(orch *app.Orchestrator, opts Options, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{
		Orch:       orch,
		Opts:       opts,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

// HandleSignal upgrades the connection and starts the session goroutine and
// its read/write pumps. Session identifiers are fresh per connection; the
// client token cookie only correlates reconnects in the logs.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).
		Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws)
	sessCtx, cancel := context.WithCancel(ctx)
	sess := NewSession(sessCtx, sid, conn, ctl.Orch, ctl.Opts)

	if err := ctl.Orch.Registry.Register(sess, cancel); err != nil {
		// UUIDs colliding means something is deeply wrong; drop the
		// connection and keep the existing session intact.
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("session registration failed")
		conn.Close()
		cancel()
		return
	}

	go sess.Run()
	go conn.writePump(sessCtx, ctl.PingPeriod)
	go conn.readPump(sessCtx, sess, ctl.ReadLimit, ctl.PingPeriod)
}
