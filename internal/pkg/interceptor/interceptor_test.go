package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/oap/oaptest"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSecrets []string

func (s staticSecrets) Secrets() []string { return s }

type memLogs struct {
	mu      sync.Mutex
	entries []trafficlog.Entry
}

func (m *memLogs) Insert(_ context.Context, e *trafficlog.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *e)
	return e.ID, nil
}

func (m *memLogs) all() []trafficlog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trafficlog.Entry(nil), m.entries...)
}

type recorder struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *recorder) Publish(ev feed.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// bob answers a ConnectionRequest with the handshake's response and any
// container with reply sealed under the responder key.
func bob(t *testing.T, h *oaptest.Handshake, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if bytes.Contains(body, []byte("ConnectionRequest")) {
			_, _ = w.Write(h.Response(t))
			return
		}
		if r.URL.Path == "/echo" {
			_, _ = w.Write(body)
			return
		}
		_, _ = w.Write(oaptest.Seal(t, reply, h.Keys(t).ResponderToInitiator))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, config Config, secrets []string) (*httptest.Server, *memLogs, *recorder, *xray.Engine) {
	t.Helper()
	engine := xray.NewEngine(xray.DefaultConfig())
	logs := &memLogs{}
	rec := &recorder{}
	i, err := New(config, engine, staticSecrets(secrets), logs, rec)
	require.NoError(t, err)
	srv := httptest.NewServer(i)
	t.Cleanup(srv.Close)
	return srv, logs, rec, engine
}

func post(t *testing.T, client *http.Client, u string, body []byte) (int, []byte) {
	t.Helper()
	resp, err := client.Post(u, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestInterceptor_ReverseProxyCapturesSession(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")
	upstream := bob(t, h, `{"type":"https://oap.dev/schemas/commerce/offer","threadId":"r1","items":[{"name":"tea","price":3,"currency":"EUR"}],"totalPrice":3,"currency":"EUR"}`)
	proxy, logs, rec, engine := newProxy(t, Config{Target: upstream.URL}, []string{h.RespPriv.Multibase()})

	status, body := post(t, http.DefaultClient, proxy.URL+"/oap", h.Request(t))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, h.Response(t), body, "bodies pass through unchanged")
	require.True(t, engine.Sessions().Has("r1"))

	msg := oaptest.Seal(t, `{"type":"https://oap.dev/schemas/commerce/order","threadId":"r1","offerId":"o1"}`, h.Keys(t).InitiatorToResponder)
	status, _ = post(t, http.DefaultClient, proxy.URL+"/oap", msg)
	require.Equal(t, http.StatusOK, status)

	entries := logs.all()
	require.Len(t, entries, 2)

	hs := entries[0]
	assert.Equal(t, http.MethodPost, hs.Method)
	assert.Equal(t, upstream.URL+"/oap", hs.URL)
	assert.Equal(t, "handshake_request", hs.RequestKind)
	assert.Equal(t, "handshake_response", hs.ResponseKind)
	assert.Equal(t, string(h.Request(t)), hs.DecryptedRequestBody)
	assert.Contains(t, hs.Notes, "Captured ConnectionRequest")
	assert.Contains(t, hs.Notes, "Captured ConnectionResponse")

	traffic := entries[1]
	assert.Equal(t, "encrypted_container", traffic.RequestKind)
	assert.Contains(t, traffic.DecryptedRequestBody, `"offerId":"o1"`)
	assert.Contains(t, traffic.DecryptedResponseBody, `"items"`)
	assert.Contains(t, traffic.Notes, "schema commerce-order: valid")
	assert.Contains(t, traffic.Notes, "schema commerce-offer: valid")
	assert.Contains(t, traffic.Notes, "responder_to_initiator")

	require.Len(t, rec.events, 2)
	assert.Equal(t, feed.KindExchange, rec.events[1].Kind)
	assert.Equal(t, int64(2), rec.events[1].Entry.ID)
}

func TestInterceptor_ForwardProxy(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")
	upstream := bob(t, h, "pong")
	proxy, logs, _, _ := newProxy(t, Config{}, nil)

	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	status, _ := post(t, client, upstream.URL+"/inbox", h.Request(t))
	assert.Equal(t, http.StatusOK, status)

	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, upstream.URL+"/inbox", entries[0].URL)
}

func TestInterceptor_NoTarget(t *testing.T) {
	proxy, logs, _, _ := newProxy(t, Config{}, nil)

	status, _ := post(t, http.DefaultClient, proxy.URL+"/oap", []byte("{}"))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Empty(t, logs.all())
}

func TestInterceptor_UpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target := dead.URL
	dead.Close()

	proxy, logs, _, _ := newProxy(t, Config{Target: target}, nil)
	status, _ := post(t, http.DefaultClient, proxy.URL+"/oap", []byte(`{"hello":"world"}`))
	assert.Equal(t, http.StatusBadGateway, status)

	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusBadGateway, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, `{"hello":"world"}`, entries[0].RequestBody)
}

func TestInterceptor_OversizedBodyPassesThrough(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")
	upstream := bob(t, h, "")
	proxy, logs, _, _ := newProxy(t, Config{Target: upstream.URL, MaxBodySize: 8}, nil)

	payload := []byte(strings.Repeat("x", 64))
	status, body := post(t, http.DefaultClient, proxy.URL+"/echo", payload)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, payload, body)

	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "xxxxxxxx", entries[0].RequestBody)
	assert.Contains(t, entries[0].Notes, "request body exceeds analysis limit")
	assert.Contains(t, entries[0].Notes, "response body exceeds analysis limit")
}

func TestInterceptor_BinaryBodyStoredBase64(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")
	upstream := bob(t, h, "")
	proxy, logs, _, _ := newProxy(t, Config{Target: upstream.URL}, nil)

	post(t, http.DefaultClient, proxy.URL+"/echo", []byte{0xff, 0xfe})

	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "base64://4=", entries[0].RequestBody)
	assert.Equal(t, "base64://4=", entries[0].ResponseBody)
}

func TestNew_InvalidTarget(t *testing.T) {
	_, err := New(Config{Target: "not a url"}, xray.NewEngine(xray.DefaultConfig()), staticSecrets(nil), &memLogs{}, nil)
	assert.Error(t, err)
}

func TestReadBody(t *testing.T) {
	raw, restored, complete, err := readBody(io.NopCloser(strings.NewReader("hello world")), 5)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, "hello", string(raw))
	all, _ := io.ReadAll(restored)
	assert.Equal(t, "hello world", string(all))

	raw, _, complete, err = readBody(nil, 5)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Nil(t, raw)
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/api/oap", singleJoiningSlash("/api/", "/oap"))
	assert.Equal(t, "/api/oap", singleJoiningSlash("/api", "oap"))
	assert.Equal(t, "/oap", singleJoiningSlash("", "/oap"))
}
