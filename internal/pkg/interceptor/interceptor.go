// Package interceptor is the HTTP proxy that sits between OAP agents, feeds
// every body to the engine and records each exchange.
package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/schema"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/xray"
)

// Observer classifies and decrypts bodies.
type Observer interface {
	Observe(body []byte, secrets []string) xray.Observation
}

// SecretSource supplies the current candidate secrets.
type SecretSource interface {
	Secrets() []string
}

// LogStore records exchanges.
type LogStore interface {
	Insert(ctx context.Context, e *trafficlog.Entry) (int64, error)
}

// Publisher receives every recorded exchange.
type Publisher interface {
	Publish(ev feed.Event)
}

// Config configures the interceptor.
type Config struct {
	// Target is the upstream base URL for origin-form requests. Requests
	// with an absolute URL are forwarded as a regular proxy would.
	Target string
	// MaxBodySize bounds the bytes of each body buffered for analysis.
	MaxBodySize int64
}

// Interceptor is an http.Handler.
type Interceptor struct {
	proxy     *goproxy.ProxyHttpServer
	target    *url.URL
	maxBody   int64
	observer  Observer
	secrets   SecretSource
	logs      LogStore
	publisher Publisher
	validator *schema.Validator
}

// exchange is the per-request state carried from request to response.
type exchange struct {
	entry trafficlog.Entry
	notes []string
}

// New creates an interceptor. publisher may be nil.
func New(config Config, observer Observer, secrets SecretSource, logs LogStore, publisher Publisher) (*Interceptor, error) {
	i := &Interceptor{
		maxBody:   config.MaxBodySize,
		observer:  observer,
		secrets:   secrets,
		logs:      logs,
		publisher: publisher,
		validator: schema.NewValidator(),
	}
	if i.maxBody <= 0 {
		i.maxBody = constants.DefaultMaxBodySize
	}
	if config.Target != "" {
		u, err := url.Parse(config.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy target %q", config.Target)
		}
		i.target = u
	}

	i.proxy = goproxy.NewProxyHttpServer()
	i.proxy.Verbose = false
	i.proxy.NonproxyHandler = http.HandlerFunc(i.reverse)
	i.proxy.OnRequest().DoFunc(i.onRequest)
	i.proxy.OnResponse().DoFunc(i.onResponse)
	return i, nil
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.proxy.ServeHTTP(w, r)
}

// reverse rewrites an origin-form request onto the target and runs it
// through the proxy so it is captured like any other.
func (i *Interceptor) reverse(w http.ResponseWriter, r *http.Request) {
	if i.target == nil {
		http.Error(w, "no proxy target configured; send absolute-form requests", http.StatusBadGateway)
		return
	}
	u := *i.target
	u.Path = singleJoiningSlash(i.target.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery
	r.URL = &u
	r.Host = u.Host
	i.proxy.ServeHTTP(w, r)
}

func (i *Interceptor) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ex := &exchange{entry: trafficlog.Entry{
		Timestamp:      time.Now().UTC(),
		Method:         r.Method,
		URL:            r.URL.String(),
		RequestHeaders: r.Header.Clone(),
	}}
	ctx.UserData = ex

	raw, body, complete, err := readBody(r.Body, i.maxBody)
	if err != nil {
		logger.Warn("Failed to read request body", "url", ex.entry.URL, "error", err)
		ex.notes = append(ex.notes, "request body unreadable")
		r.Body = http.NoBody
		return r, nil
	}
	r.Body = body

	ex.entry.RequestBody = xray.Printable(raw)
	if !complete {
		ex.notes = append(ex.notes, "request body exceeds analysis limit")
		return r, nil
	}

	obs := i.observe(raw, ex)
	ex.entry.RequestKind = kindLabel(obs.Kind)
	if obs.Plaintext != nil {
		ex.entry.DecryptedRequestBody = xray.Printable(obs.Plaintext)
	}
	return r, nil
}

func (i *Interceptor) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, ok := ctx.UserData.(*exchange)
	if !ok {
		return resp
	}

	if resp == nil {
		msg := "upstream request failed"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		ex.entry.Status = http.StatusBadGateway
		ex.entry.Error = msg
		i.record(ex, "upstream_error")
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, msg)
	}

	ex.entry.Status = resp.StatusCode
	ex.entry.ResponseHeaders = resp.Header.Clone()

	raw, body, complete, err := readBody(resp.Body, i.maxBody)
	if err != nil {
		ex.entry.Error = fmt.Sprintf("reading response body: %v", err)
		resp.Body = http.NoBody
		i.record(ex, "response_error")
		return resp
	}
	resp.Body = body

	ex.entry.ResponseBody = xray.Printable(raw)
	if complete {
		obs := i.observe(raw, ex)
		ex.entry.ResponseKind = kindLabel(obs.Kind)
		if obs.Plaintext != nil {
			ex.entry.DecryptedResponseBody = xray.Printable(obs.Plaintext)
		}
	} else {
		ex.notes = append(ex.notes, "response body exceeds analysis limit")
	}

	i.record(ex, "ok")
	return resp
}

func (i *Interceptor) observe(raw []byte, ex *exchange) xray.Observation {
	obs := i.observer.Observe(raw, i.secrets.Secrets())
	switch obs.Kind {
	case xray.KindHandshakeRequest, xray.KindHandshakeResponse:
		logger.Info(obs.Summary, "id", obs.CorrelationID, "url", ex.entry.URL)
		ex.notes = append(ex.notes, obs.Summary)
	case xray.KindEncryptedContainer:
		if obs.Plaintext == nil {
			ex.notes = append(ex.notes, "container not decrypted")
			break
		}
		ex.notes = append(ex.notes, fmt.Sprintf("decrypted %s (%s)", obs.Direction, obs.CorrelationID))
		if res, ok, err := i.validator.Validate(obs.Plaintext); err != nil {
			logger.Debug("Schema validation error", "error", err)
		} else if ok {
			ex.notes = append(ex.notes, "schema "+res.String())
		}
	}
	return obs
}

func (i *Interceptor) record(ex *exchange, outcome string) {
	ex.entry.Notes = strings.Join(ex.notes, "; ")
	metrics.ProxiedExchanges.WithLabelValues(outcome).Inc()

	if _, err := i.logs.Insert(context.Background(), &ex.entry); err != nil {
		logger.Error("Failed to record exchange", "url", ex.entry.URL, "error", err)
		return
	}
	logger.Debug("Recorded exchange",
		"id", ex.entry.ID,
		"method", ex.entry.Method,
		"url", ex.entry.URL,
		"status", ex.entry.Status,
		"request_kind", ex.entry.RequestKind,
		"response_kind", ex.entry.ResponseKind)

	if i.publisher != nil {
		i.publisher.Publish(feed.Event{Kind: feed.KindExchange, Entry: ex.entry})
	}
}

// readBody buffers up to max bytes of rc and returns a replacement reader
// yielding the full original body. complete is false when the body is
// larger than max; raw then holds only the first max bytes.
func readBody(rc io.ReadCloser, max int64) (raw []byte, restored io.ReadCloser, complete bool, err error) {
	if rc == nil || rc == http.NoBody {
		return nil, http.NoBody, true, nil
	}

	raw, err = io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		_ = rc.Close()
		return nil, nil, false, err
	}
	if int64(len(raw)) <= max {
		_ = rc.Close()
		return raw, io.NopCloser(bytes.NewReader(raw)), true, nil
	}

	restored = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), rc), rc}
	return raw[:max], restored, false, nil
}

func kindLabel(k xray.Kind) string {
	if k == xray.KindUnrecognized {
		return ""
	}
	return k.String()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "" && b != "":
		return a + "/" + b
	}
	return a + b
}
