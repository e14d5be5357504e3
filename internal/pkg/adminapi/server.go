// Package adminapi serves the operator API: traffic logs, replay, candidate
// secrets, handshakes, live feed and metrics.
package adminapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/replay"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/version"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LogReader reads the traffic log.
type LogReader interface {
	Get(ctx context.Context, id int64) (*trafficlog.Entry, error)
	List(ctx context.Context, limit int) ([]trafficlog.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Replayer performs replays.
type Replayer interface {
	Replay(ctx context.Context, entryID int64, plaintext []byte) (*replay.Result, error)
}

// Handshake is the API view of a handshake context.
type Handshake struct {
	xray.HandshakeContext
	TranscriptHash string            `json:"transcript_hash,omitempty"`
	KeyID          string            `json:"kid,omitempty"`
	Session        *xray.SessionInfo `json:"session,omitempty"`
}

// AddSecretRequest is the body of POST /api/secrets.
type AddSecretRequest struct {
	Secret string `json:"secret"`
	Label  string `json:"label,omitempty"`
}

// AddSecretResponse reports the stored key and any handshakes it unlocked.
type AddSecretResponse struct {
	Key     keystore.Info `json:"key"`
	Derived []string      `json:"derived,omitempty"`
}

// ReplayRequest is the body of POST /api/logs/{id}/replay.
type ReplayRequest struct {
	Body string `json:"body"`
}

// DeriveResponse is the result of POST /api/handshakes/{id}/derive.
type DeriveResponse struct {
	ID      string `json:"id"`
	Derived bool   `json:"derived"`
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Version     string                 `json:"version"`
	Handshakes  xray.RegistryStats     `json:"handshakes"`
	Sessions    xray.SessionStoreStats `json:"sessions"`
	Secrets     int                    `json:"secrets"`
	LogEntries  int                    `json:"log_entries"`
	Subscribers int                    `json:"subscribers"`
	FeedDropped uint64                 `json:"feed_dropped"`
}

type errorBody struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback tool; any local page may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the admin API.
type Server struct {
	engine   *xray.Engine
	keys     *keystore.Store
	logs     LogReader
	replayer Replayer
	broker   *feed.Broker
	recent   *logger.RecentBuffer
	mux      *http.ServeMux
}

// New creates the admin API.
func New(engine *xray.Engine, keys *keystore.Store, logs LogReader, replayer Replayer, broker *feed.Broker) *Server {
	s := &Server{
		engine:   engine,
		keys:     keys,
		logs:     logs,
		replayer: replayer,
		broker:   broker,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/logs", s.handleListLogs)
	s.mux.HandleFunc("GET /api/logs/{id}", s.handleGetLog)
	s.mux.HandleFunc("POST /api/logs/{id}/replay", s.handleReplay)
	s.mux.HandleFunc("GET /api/secrets", s.handleListSecrets)
	s.mux.HandleFunc("POST /api/secrets", s.handleAddSecret)
	s.mux.HandleFunc("DELETE /api/secrets/{id}", s.handleRemoveSecret)
	s.mux.HandleFunc("GET /api/handshakes", s.handleListHandshakes)
	s.mux.HandleFunc("POST /api/handshakes/{id}/derive", s.handleDerive)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// SetRecentLog makes b available at GET /api/events.
func (s *Server) SetRecentLog(b *logger.RecentBuffer) {
	s.recent = b
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, handler)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}

	errCh := make(chan error, constants.ErrorChannelBuffer)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown incomplete", "addr", ln.Addr().String(), "error", err)
			_ = srv.Close()
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.GetVersion()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.logs.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, Stats{
		Version:     version.GetVersion(),
		Handshakes:  s.engine.Registry().Stats(),
		Sessions:    s.engine.Sessions().Stats(),
		Secrets:     s.keys.Len(),
		LogEntries:  count,
		Subscribers: s.broker.Subscribers(),
		FeedDropped: s.broker.Dropped(),
	})
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := constants.DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return 0, false
		}
		limit = n
	}
	return limit, true
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.logs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []trafficlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if s.recent == nil {
		writeJSON(w, http.StatusOK, []logger.Record{})
		return
	}
	writeJSON(w, http.StatusOK, s.recent.Recent(limit))
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entry, err := s.logs.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, trafficlog.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReplayRequest
	if !readJSON(w, r, &req) {
		return
	}

	res, err := s.replayer.Replay(r.Context(), id, []byte(req.Body))
	if err != nil {
		writeError(w, replayStatus(err), err)
		return
	}

	if res.LogID > 0 {
		if entry, err := s.logs.Get(r.Context(), res.LogID); err == nil {
			s.broker.Publish(feed.Event{Kind: feed.KindReplay, Entry: *entry})
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// replayStatus maps replay failures: missing inputs are 404, state that
// does not permit a replay is 409, upstream failure is 502.
func replayStatus(err error) int {
	switch {
	case errors.Is(err, replay.ErrNoLogEntry):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrNoDecryptedBody),
		errors.Is(err, replay.ErrBodyNotJSON),
		errors.Is(err, replay.ErrNoThreadID),
		errors.Is(err, replay.ErrNoTranscriptHash),
		errors.Is(err, replay.ErrNoSessionKeys):
		return http.StatusConflict
	case errors.Is(err, replay.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.List())
}

func (s *Server) handleAddSecret(w http.ResponseWriter, r *http.Request) {
	var req AddSecretRequest
	if !readJSON(w, r, &req) {
		return
	}

	info, err := s.keys.Add(req.Secret, req.Label)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, keystore.ErrInvalidSecret) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	// A new secret may unlock handshakes already seen.
	resp := AddSecretResponse{Key: info, Derived: s.engine.RederiveUnresolved(s.keys.Secrets())}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRemoveSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Remove(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, keystore.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHandshakes(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[string]xray.SessionInfo)
	for _, info := range s.engine.Sessions().Sessions() {
		sessions[info.CorrelationID] = info
	}

	contexts := s.engine.Registry().Contexts()
	out := make([]Handshake, 0, len(contexts))
	for _, hc := range contexts {
		h := Handshake{HandshakeContext: hc}
		if len(hc.TranscriptHash) > 0 {
			h.TranscriptHash = hex.EncodeToString(hc.TranscriptHash)
			h.KeyID = xray.KeyID(hc.TranscriptHash)
		}
		if info, ok := sessions[hc.RequestID]; ok {
			h.Session = &info
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	derived, ok := s.engine.Rederive(id, s.keys.Secrets())
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no linked handshake %q", id))
		return
	}
	writeJSON(w, http.StatusOK, DeriveResponse{ID: id, Derived: derived})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(constants.ReadHeaderTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Stream subscriber write failed", "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid log id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, constants.DefaultMaxBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
