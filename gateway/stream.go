package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/scheduler"
	"github.com/smallnest/clawrun/stream"
	"go.uber.org/zap"
)

const streamBuffer = 256

type enqueueBody struct {
	Message   string `json:"message"`
	ImagePath string `json:"imagePath,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Internal  bool   `json:"internal,omitempty"`
	Source    string `json:"source,omitempty"`
	Mode      string `json:"mode,omitempty"`
	DedupeKey string `json:"dedupeKey,omitempty"`
}

// chanSink hands events to the HTTP handler. Once the client is gone
// events are dropped so the run is never blocked by a dead connection.
type chanSink struct {
	events chan stream.Event
	gone   <-chan struct{}
}

func newChanSink(ctx context.Context) *chanSink {
	return &chanSink{
		events: make(chan stream.Event, streamBuffer),
		gone:   ctx.Done(),
	}
}

func (c *chanSink) Emit(e stream.Event) {
	select {
	case c.events <- e:
	case <-c.gone:
	}
}

// handleEnqueue admits a turn and streams its events as NDJSON until done.
// Disconnecting does not cancel the run.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[enqueueBody](w, r, false)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	source := body.Source
	if source == "" {
		source = s.defaultSource
	}

	sink := newChanSink(r.Context())
	adm, err := s.sched.Enqueue(r.Context(), scheduler.Request{
		SessionID: chi.URLParam(r, "sessionID"),
		Message:   body.Message,
		ImagePath: body.ImagePath,
		ImageURL:  body.ImageURL,
		Internal:  body.Internal,
		Source:    source,
		Mode:      runs.Mode(body.Mode),
		DedupeKey: body.DedupeKey,
		Sink:      sink,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Run-Id", adm.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev := <-sink.events:
			if err := enc.Encode(ev); err != nil {
				s.log.Debug("Stream write failed", zap.String("run_id", adm.RunID), zap.Error(err))
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-r.Context().Done():
			s.log.Debug("Stream client disconnected", zap.String("run_id", adm.RunID))
			return
		}
	}
}
