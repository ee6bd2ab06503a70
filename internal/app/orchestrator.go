package app

import (
	"context"
	"errors"
	"time"

	"github.com/olebedev/emitter"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/media"
)

// Orchestrator binds the session registry to the single pipeline. Session
// failures stay local; a pipeline failure closes every session and is
// surfaced on Fatal for the process to act on (exit, so the service
// supervisor restarts it).
type Orchestrator struct {
	Registry *Registry
	Pipeline *media.Pipeline
	Sender   *Sender

	fatal chan error
}

func NewOrchestrator(reg *Registry, pipeline *media.Pipeline, sender *Sender) *Orchestrator {
	o := &Orchestrator{
		Registry: reg,
		Pipeline: pipeline,
		Sender:   sender,
		fatal:    make(chan error, 1),
	}
	pipeline.Events().On(media.EventFailed, func(ev *emitter.Event) {
		var err error
		if len(ev.Args) > 0 {
			err, _ = ev.Args[0].(error)
		}
		if err == nil {
			err = core.ErrDeviceUnavailable
		}
		o.onPipelineFailed(err)
	})
	return o
}

// Fatal delivers the pipeline error that should terminate the process.
func (o *Orchestrator) Fatal() <-chan error { return o.fatal }

func (o *Orchestrator) onPipelineFailed(err error) {
	log.Error().Err(err).Str("module", "app.orch").
		Int("sessions", o.Registry.Len()).Msg("pipeline failed, closing all sessions")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Registry.CloseAll(ctx, "pipeline failed")

	select {
	case o.fatal <- err:
	default:
	}
}

// SessionClosed reclaims a session's resources: detaches its media stream
// (arming the pipeline linger when it was the last viewer) and drops it
// from the registry.
func (o *Orchestrator) SessionClosed(sid core.SessionID) {
	o.Sender.Detach(sid)
	o.Registry.Unregister(sid)
}

// Shutdown closes all sessions and stops the pipeline. Used at process
// termination.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.Registry.CloseAll(ctx, "server shutting down")
	o.Pipeline.Stop()
}

// Status is the lock-free diagnostic snapshot served by the HTTP API.
type Status struct {
	PipelineState string `json:"pipeline_state"`
	Sessions      int    `json:"sessions"`
	Subscribers   int    `json:"subscribers"`
	CaptureStarts uint64 `json:"capture_starts"`
}

func (o *Orchestrator) Status() Status {
	return Status{
		PipelineState: o.Pipeline.State().String(),
		Sessions:      o.Registry.Len(),
		Subscribers:   o.Pipeline.Subscribers(),
		CaptureStarts: o.Pipeline.Starts(),
	}
}

// IsFatalStartupError reports whether a pipeline start error should abort
// the process (device or encoder permanently unavailable, bad config).
func IsFatalStartupError(err error) bool {
	return errors.Is(err, core.ErrDeviceUnavailable) ||
		errors.Is(err, core.ErrEncoderUnavailable) ||
		errors.Is(err, core.ErrConfigInvalid)
}
