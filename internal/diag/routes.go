package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"livewatch/internal/eventbus"
	"livewatch/internal/poller"
	rtsup "livewatch/internal/runtime/supervisor"
)

// Poller is the subset of *poller.Poller the routes read from. Tick is
// serialized with scheduled ticks by the poller itself.
type Poller interface {
	Snapshot() []poller.ChannelView
	LastTick() time.Time
	Tick(ctx context.Context, now time.Time) poller.TickStats
}

type Deps struct {
	Poller      Poller
	Transitions *eventbus.Recorder
	Metrics     http.Handler
	Health      func() rtsup.Snapshot
}

type healthResponse struct {
	Status     string         `json:"status"`
	LastTickAt *time.Time     `json:"last_tick_at,omitempty"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

type transitionResponse struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

type pollResponse struct {
	At               time.Time      `json:"at"`
	TookMS           int64          `json:"took_ms"`
	Channels         int            `json:"channels"`
	Live             int            `json:"live"`
	FailedBatches    int            `json:"failed_batches"`
	PersistFailures  int            `json:"persist_failures"`
	DispatchFailures int            `json:"dispatch_failures"`
	Unpersisted      int            `json:"unpersisted"`
	Transitions      map[string]int `json:"transitions"`
}

// NewRouter builds the diagnostics routes. Missing deps answer 404.
func NewRouter(d Deps, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		if d.Health != nil {
			resp.Supervisor = d.Health()
			if resp.Supervisor.FirstError != "" {
				resp.Status = "degraded"
			}
		}
		if d.Poller != nil {
			if t := d.Poller.LastTick(); !t.IsZero() {
				resp.LastTickAt = &t
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if d.Poller != nil {
		r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Poller.Snapshot())
		})
		r.Post("/poll", func(w http.ResponseWriter, req *http.Request) {
			st := d.Poller.Tick(req.Context(), time.Now())
			resp := pollResponse{
				At:               st.At,
				TookMS:           st.Took.Milliseconds(),
				Channels:         st.Channels,
				Live:             st.Live,
				FailedBatches:    st.FailedBatches,
				PersistFailures:  st.PersistFailures,
				DispatchFailures: st.DispatchFailures,
				Unpersisted:      st.Unpersisted,
				Transitions:      make(map[string]int, len(st.Transitions)),
			}
			for k, n := range st.Transitions {
				resp.Transitions[k.String()] = n
			}
			writeJSON(w, http.StatusOK, resp)
		})
	}

	if d.Transitions != nil {
		r.Get("/transitions", func(w http.ResponseWriter, req *http.Request) {
			n, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			events := d.Transitions.Recent(n)
			out := make([]transitionResponse, 0, len(events))
			for _, e := range events {
				out = append(out, transitionResponse{Topic: e.Type, At: e.Time, Data: e.Data})
			}
			writeJSON(w, http.StatusOK, out)
		})
	}

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
