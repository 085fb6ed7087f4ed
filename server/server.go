package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomyedwab/dbshim/server/middleware"
	"github.com/tomyedwab/dbshim/shim"
)

// Server exposes the shim's four operations over HTTP and streams callback
// messages back to each caller. Closing a caller's callback stream is the
// transport's death event: it drives the same eviction path the generation
// guard uses.
type Server struct {
	shim     *shim.Service
	channels *ChannelSet
	logger   *slog.Logger
	srv      *http.Server
}

// New builds the server. authSecret, when non-empty, turns on bearer-token
// validation for every endpoint.
func New(shimService *shim.Service, listenAddr, authSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		shim:     shimService,
		channels: NewChannelSet(logger),
		logger:   logger.With("component", "SessionServer"),
	}

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.Chain(
			h,
			middleware.RequireToken(authSecret),
			middleware.EnableCrossOrigin,
			middleware.LogRequests,
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/api/connect", wrap(s.handleConnect))
	mux.HandleFunc("/api/callbacks", wrap(s.handleCallbacks))
	mux.HandleFunc("/api/initialize", wrap(s.handleInitialize))
	mux.HandleFunc("/api/statement", wrap(s.handleStatement))
	mux.HandleFunc("/api/commit", wrap(s.handleCommit))
	mux.HandleFunc("/api/rollback", wrap(s.handleRollback))

	s.srv = &http.Server{Addr: listenAddr, Handler: mux}
	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Session server listening", "address", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Stop shuts the HTTP server down and severs every callback channel.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.channels.DropAll()
	return err
}

func writeJSON(w http.ResponseWriter, status int, resp interface{}) {
	payload, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

// handleConnect registers a callback channel for a new caller and returns
// its ID. All subsequent submissions must reference it.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	c := s.channels.Register(s.shim.HandleCallerDeath)
	writeJSON(w, http.StatusOK, map[string]interface{}{"channelId": c.ID})
}

// handleCallbacks is the caller's long-lived callback stream, delivered as
// server-sent events. When the stream's connection drops, the channel is
// considered dead and the caller's sessions are evicted.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	c := s.channels.Get(r.URL.Query().Get("cid"))
	if c == nil {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}
	msgs, ok := c.attach()
	if !ok {
		http.Error(w, "Channel already attached", http.StatusConflict)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("Callback stream severed", "channel", c.ID)
			s.channels.Drop(c.ID)
			return
		case m := <-msgs:
			data, err := json.Marshal(m)
			if err != nil {
				s.logger.Error("Failed to marshal callback message", "channel", c.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Kind, data)
			flusher.Flush()
		}
	}
}

// actionEnvelope is the request body shared by the four submission
// endpoints. Binds is passed to the shim verbatim; parsing happens on the
// worker so a malformed payload surfaces as a statement error, not a
// transport failure.
type actionEnvelope struct {
	ChannelID    string          `json:"cid"`
	AppName      string          `json:"appName"`
	Generation   string          `json:"generation"`
	TxGeneration int             `json:"txGeneration"`
	ActionIndex  int             `json:"actionIndex"`
	SQL          string          `json:"sql"`
	Binds        json.RawMessage `json:"binds"`
}

// decodeEnvelope validates the common parts of a submission request and
// resolves its callback channel.
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*actionEnvelope, *Channel, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return nil, nil, false
	}
	var env actionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return nil, nil, false
	}
	if env.AppName == "" || env.Generation == "" {
		http.Error(w, "Missing appName or generation", http.StatusBadRequest)
		return nil, nil, false
	}
	c := s.channels.Get(env.ChannelID)
	if c == nil {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return nil, nil, false
	}
	c.Touch(env.AppName)
	return &env, c, true
}

// respondQueued translates the enqueue result: accepted submissions return
// 202 and the real outcome arrives on the callback stream later.
func (s *Server) respondQueued(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued"})
	case errors.Is(err, shim.ErrQueueFull), errors.Is(err, shim.ErrQueueClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	env, c, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	s.respondQueued(w, s.shim.QueueInitialize(env.AppName, env.Generation, c))
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	env, c, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if env.SQL == "" {
		http.Error(w, "Missing sql", http.StatusBadRequest)
		return
	}
	s.respondQueued(w, s.shim.QueueStatement(
		env.AppName, env.Generation, env.TxGeneration, env.ActionIndex,
		env.SQL, string(env.Binds), c))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	env, c, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	s.respondQueued(w, s.shim.QueueCommit(env.AppName, env.Generation, env.TxGeneration, c))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	env, c, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	s.respondQueued(w, s.shim.QueueRollback(env.AppName, env.Generation, env.TxGeneration, c))
}
