package adminapi

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/oap/oaptest"
	"github.com/endorses/oapxray/internal/pkg/replay"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine *xray.Engine
	keys   *keystore.Store
	logs   *trafficlog.Store
	broker *feed.Broker
	api    *Server
	client *Client
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs, err := trafficlog.Open(context.Background(), filepath.Join(t.TempDir(), "traffic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	f := &fixture{
		engine: xray.NewEngine(xray.DefaultConfig()),
		keys:   keystore.New(keystore.Config{}),
		logs:   logs,
		broker: feed.NewBroker(),
	}
	f.api = New(f.engine, f.keys, logs, replay.New(logs, f.engine, replay.Config{Timeout: 5 * time.Second}), f.broker)
	f.srv = httptest.NewServer(f.api)
	t.Cleanup(f.srv.Close)
	f.client = NewClient(f.srv.URL)
	return f
}

// observe feeds a handshake to the engine without secrets and logs the
// request the way the proxy would.
func (f *fixture) observe(t *testing.T, h *oaptest.Handshake, url string) int64 {
	t.Helper()
	f.engine.Observe(h.Request(t), nil)
	f.engine.Observe(h.Response(t), nil)
	id, err := f.logs.Insert(context.Background(), &trafficlog.Entry{
		Timestamp:            time.Now().UTC(),
		Method:               http.MethodPost,
		URL:                  url,
		RequestBody:          string(h.Request(t)),
		DecryptedRequestBody: string(h.Request(t)),
		RequestKind:          xray.KindHandshakeRequest.String(),
	})
	require.NoError(t, err)
	return id
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Health(context.Background()))
}

func TestServer_Logs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entries, err := f.client.Logs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	h := oaptest.NewHandshake(t, "r1")
	id := f.observe(t, h, "http://peer.example/oap")

	entries, err = f.client.Logs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	entry, err := f.client.Log(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://peer.example/oap", entry.URL)

	_, err = f.client.Log(ctx, 999)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	resp, err := http.Get(f.srv.URL + "/api/logs/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/logs?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SecretsUnlockSeenHandshakes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := oaptest.NewHandshake(t, "r1")
	f.observe(t, h, "http://peer.example/oap")

	_, err := f.client.AddSecret(ctx, "not-a-key", "")
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	added, err := f.client.AddSecret(ctx, h.RespPriv.Multibase(), "bob")
	require.NoError(t, err)
	assert.Equal(t, h.RespPub.Fingerprint(), added.Key.ID)
	assert.Equal(t, []string{"r1"}, added.Derived)
	assert.True(t, f.engine.Sessions().Has("r1"))

	infos, err := f.client.Secrets(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "bob", infos[0].Label)

	require.NoError(t, f.client.RemoveSecret(ctx, added.Key.ID))
	err = f.client.RemoveSecret(ctx, added.Key.ID)
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestServer_Handshakes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := oaptest.NewHandshake(t, "r1")
	f.observe(t, h, "http://peer.example/oap")

	_, err := f.client.Derive(ctx, "unknown")
	assert.True(t, IsStatus(err, http.StatusNotFound))

	res, err := f.client.Derive(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, res.Derived, "no secrets yet")

	_, err = f.keys.Add(h.InitPriv.Hex(), "")
	require.NoError(t, err)
	res, err = f.client.Derive(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, res.Derived)

	list, err := f.client.Handshakes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].RequestID)
	assert.Equal(t, hex.EncodeToString(h.Hash), list[0].TranscriptHash)
	assert.Equal(t, xray.KeyID(h.Hash), list[0].KeyID)
	require.NotNil(t, list[0].Session)
	assert.Equal(t, xray.SideInitiator.String(), list[0].Session.Side)
	assert.True(t, list[0].KeysResolved)
}

func TestServer_ReplayErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.Replay(ctx, 42, "x")
	assert.True(t, IsStatus(err, http.StatusNotFound))

	h := oaptest.NewHandshake(t, "r1")
	id := f.observe(t, h, "http://127.0.0.1:1/oap")

	_, err = f.client.Replay(ctx, id, "x")
	require.True(t, IsStatus(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "no session keys derived")

	_, err = f.keys.Add(h.RespPriv.Hex(), "")
	require.NoError(t, err)
	f.engine.Rederive("r1", f.keys.Secrets())

	_, err = f.client.Replay(ctx, id, "x")
	assert.True(t, IsStatus(err, http.StatusBadGateway), "nothing listens on port 1")
}

func TestServer_ReplayPublishesToStream(t *testing.T) {
	f := newFixture(t)
	h := oaptest.NewHandshake(t, "r1")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write(oaptest.Seal(t, "ack", h.Keys(t).ResponderToInitiator))
	}))
	defer upstream.Close()

	id := f.observe(t, h, upstream.URL+"/oap")
	_, err := f.keys.Add(h.RespPriv.Hex(), "")
	require.NoError(t, err)
	f.engine.Rederive("r1", f.keys.Secrets())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan feed.Event, 1)
	go func() {
		_ = f.client.Stream(ctx, func(ev feed.Event) { events <- ev })
	}()
	require.Eventually(t, func() bool { return f.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := f.client.Replay(ctx, id, `{"type":"Ping","threadId":"r1"}`)
	require.NoError(t, err)
	assert.Equal(t, "ack", res.DecryptedResponse)
	assert.NotZero(t, res.LogID)

	select {
	case ev := <-events:
		assert.Equal(t, feed.KindReplay, ev.Kind)
		assert.True(t, ev.Entry.IsReplay)
		assert.Equal(t, res.ReplayID, ev.Entry.ReplayID)
	case <-ctx.Done():
		t.Fatal("no replay event on stream")
	}
}

func TestServer_StatsAndMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.observe(t, oaptest.NewHandshake(t, "r1"), "http://peer.example")

	stats, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Handshakes.Contexts)
	assert.Equal(t, 1, stats.Handshakes.Unresolved)
	assert.Equal(t, 1, stats.LogEntries)
	assert.Zero(t, stats.FeedDropped)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "oapx_packets_classified_total"))
}

func TestServer_Events(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	events, err := f.client.Events(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	recent := logger.NewRecentBuffer(10)
	recent.Add(logger.Record{Level: "INFO", Message: "Session keys derived", Attrs: map[string]string{"id": "r1"}})
	recent.Add(logger.Record{Level: "WARN", Message: "Replay failed"})
	f.api.SetRecentLog(recent)

	events, err = f.client.Events(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Replay failed", events[0].Message)

	_, err = f.client.Events(ctx, -1)
	assert.True(t, IsStatus(err, http.StatusBadRequest))
}

func TestReplayStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, replayStatus(replay.ErrNoLogEntry))
	assert.Equal(t, http.StatusConflict, replayStatus(replay.ErrNoThreadID))
	assert.Equal(t, http.StatusConflict, replayStatus(xray.ErrNoTranscriptHash))
	assert.Equal(t, http.StatusBadGateway, replayStatus(replay.ErrTransport))
	assert.Equal(t, http.StatusInternalServerError, replayStatus(io.ErrUnexpectedEOF))
}
