// Package replay re-sends a captured request with a new plaintext, sealed
// under the recovered initiator key of its handshake.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/version"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/google/uuid"
)

var (
	ErrNoLogEntry       = errors.New("log entry not found")
	ErrNoDecryptedBody  = errors.New("no decrypted body available to determine thread id")
	ErrBodyNotJSON      = errors.New("decrypted body is not JSON")
	ErrNoThreadID       = errors.New("no thread id or id in original message")
	ErrNoTranscriptHash = xray.ErrNoTranscriptHash
	ErrNoSessionKeys    = xray.ErrNoSessionKeys
	ErrTransport        = errors.New("replay request failed")
)

// LogStore is the part of the traffic log a replay reads and writes.
type LogStore interface {
	Get(ctx context.Context, id int64) (*trafficlog.Entry, error)
	Insert(ctx context.Context, e *trafficlog.Entry) (int64, error)
}

// Sealer builds containers for a thread and reads replies.
type Sealer interface {
	Seal(threadID string, plaintext []byte) ([]byte, error)
	Observe(body []byte, secrets []string) xray.Observation
}

// Result describes a completed replay.
type Result struct {
	ReplayID          string `json:"replay_id"`
	LogID             int64  `json:"log_id"`
	ThreadID          string `json:"thread_id"`
	Status            int    `json:"status"`
	ResponseBody      string `json:"response_body"`
	DecryptedResponse string `json:"decrypted_response,omitempty"`
}

// Config configures an Engine.
type Config struct {
	Timeout time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Engine performs replays.
type Engine struct {
	logs   LogStore
	sealer Sealer
	client *http.Client
}

// New creates a replay engine.
func New(logs LogStore, sealer Sealer, config Config) *Engine {
	client := config.Client
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = constants.ReplayTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Engine{logs: logs, sealer: sealer, client: client}
}

// Replay loads entry entryID, seals plaintext for its thread and sends it to
// the entry's method and URL. Nothing is sent unless sealing succeeds.
func (e *Engine) Replay(ctx context.Context, entryID int64, plaintext []byte) (*Result, error) {
	res, err := e.replay(ctx, entryID, plaintext)
	if err != nil {
		metrics.Replays.WithLabelValues(resultLabel(err)).Inc()
		logger.Warn("Replay failed", "log_id", entryID, "error", err)
		return nil, err
	}
	metrics.Replays.WithLabelValues("ok").Inc()
	return res, nil
}

func (e *Engine) replay(ctx context.Context, entryID int64, plaintext []byte) (*Result, error) {
	orig, err := e.logs.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, trafficlog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNoLogEntry, entryID)
		}
		return nil, err
	}

	threadID, err := threadOf(orig)
	if err != nil {
		return nil, err
	}

	body, err := e.sealer.Seal(threadID, plaintext)
	if err != nil {
		return nil, err
	}
	sealed, err := wire.ParseContainer(body)
	if err != nil {
		return nil, fmt.Errorf("sealed container: %w", err)
	}

	replayID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, orig.Method, orig.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.ReplayIDHeader, replayID)
	req.Header.Set("User-Agent", version.UserAgent())

	logger.Info("Replaying message",
		"log_id", entryID,
		"thread_id", threadID,
		"replay_id", replayID,
		"method", orig.Method,
		"url", orig.URL)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, constants.DefaultMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	res := &Result{
		ReplayID:     replayID,
		ThreadID:     threadID,
		Status:       resp.StatusCode,
		ResponseBody: xray.Printable(respBody),
	}
	if obs := e.sealer.Observe(respBody, nil); obs.Kind == xray.KindEncryptedContainer && obs.Plaintext != nil {
		res.DecryptedResponse = xray.Printable(obs.Plaintext)
	}

	entry := &trafficlog.Entry{
		Timestamp:             time.Now().UTC(),
		Method:                orig.Method,
		URL:                   orig.URL,
		Status:                resp.StatusCode,
		RequestHeaders:        req.Header.Clone(),
		RequestBody:           string(body),
		ResponseHeaders:       resp.Header.Clone(),
		ResponseBody:          res.ResponseBody,
		DecryptedRequestBody:  xray.Printable(plaintext),
		DecryptedResponseBody: res.DecryptedResponse,
		RequestKind:           xray.KindEncryptedContainer.String(),
		Notes:                 fmt.Sprintf("replay of #%d, seq %d", entryID, sealed.Header.Seq),
		IsReplay:              true,
		ReplayID:              replayID,
	}
	if res.DecryptedResponse != "" {
		entry.ResponseKind = xray.KindEncryptedContainer.String()
	}
	id, err := e.logs.Insert(ctx, entry)
	if err != nil {
		// The request went out; report it even though the log write failed.
		logger.Error("Failed to record replay", "replay_id", replayID, "error", err)
	}
	res.LogID = id
	return res, nil
}

// threadOf recovers the thread id from an entry's decrypted request body:
// "threadId" if present, else "id".
func threadOf(e *trafficlog.Entry) (string, error) {
	if e.DecryptedRequestBody == "" {
		return "", ErrNoDecryptedBody
	}
	id, err := wire.ThreadID([]byte(e.DecryptedRequestBody))
	switch {
	case errors.Is(err, wire.ErrNotJSON):
		return "", fmt.Errorf("%w: %v", ErrBodyNotJSON, err)
	case err != nil:
		return "", ErrNoThreadID
	}
	return id, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoLogEntry):
		return "no_log_entry"
	case errors.Is(err, ErrNoDecryptedBody), errors.Is(err, ErrBodyNotJSON), errors.Is(err, ErrNoThreadID):
		return "no_thread"
	case errors.Is(err, ErrNoTranscriptHash):
		return "no_transcript_hash"
	case errors.Is(err, ErrNoSessionKeys):
		return "no_session_keys"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
