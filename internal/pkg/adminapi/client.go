package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/endorses/oapxray/internal/pkg/auth"
	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/replay"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/version"
	"github.com/gorilla/websocket"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to a running admin API.
type Client struct {
	Base string
	HTTP *http.Client
	// APIKey, when set, is sent in the X-Api-Key header.
	APIKey string
}

// NewClient creates a client for base, e.g. "http://127.0.0.1:8898".
func NewClient(base string) *Client {
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: http.DefaultClient}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	return out, c.do(ctx, http.MethodGet, "/api/stats", nil, &out)
}

// Logs lists up to limit entries, newest first.
func (c *Client) Logs(ctx context.Context, limit int) ([]trafficlog.Entry, error) {
	var out []trafficlog.Entry
	return out, c.do(ctx, http.MethodGet, "/api/logs?limit="+strconv.Itoa(limit), nil, &out)
}

func (c *Client) Log(ctx context.Context, id int64) (*trafficlog.Entry, error) {
	var out trafficlog.Entry
	if err := c.do(ctx, http.MethodGet, "/api/logs/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Replay(ctx context.Context, id int64, body string) (*replay.Result, error) {
	var out replay.Result
	path := "/api/logs/" + strconv.FormatInt(id, 10) + "/replay"
	if err := c.do(ctx, http.MethodPost, path, ReplayRequest{Body: body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns up to limit recent server log records, oldest first.
func (c *Client) Events(ctx context.Context, limit int) ([]logger.Record, error) {
	var out []logger.Record
	return out, c.do(ctx, http.MethodGet, "/api/events?limit="+strconv.Itoa(limit), nil, &out)
}

func (c *Client) Secrets(ctx context.Context) ([]keystore.Info, error) {
	var out []keystore.Info
	return out, c.do(ctx, http.MethodGet, "/api/secrets", nil, &out)
}

func (c *Client) AddSecret(ctx context.Context, secret, label string) (AddSecretResponse, error) {
	var out AddSecretResponse
	return out, c.do(ctx, http.MethodPost, "/api/secrets", AddSecretRequest{Secret: secret, Label: label}, &out)
}

func (c *Client) RemoveSecret(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/secrets/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Handshakes(ctx context.Context) ([]Handshake, error) {
	var out []Handshake
	return out, c.do(ctx, http.MethodGet, "/api/handshakes", nil, &out)
}

func (c *Client) Derive(ctx context.Context, id string) (DeriveResponse, error) {
	var out DeriveResponse
	return out, c.do(ctx, http.MethodPost, "/api/handshakes/"+url.PathEscape(id)+"/derive", nil, &out)
}

// Stream calls fn for each live feed event until ctx is cancelled or the
// connection drops.
func (c *Client) Stream(ctx context.Context, fn func(feed.Event)) error {
	u, err := url.Parse(c.Base + "/api/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{"User-Agent": {version.UserAgent()}}
	if c.APIKey != "" {
		header.Set(auth.APIKeyHeader, c.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var ev feed.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.APIKey != "" {
		req.Header.Set(auth.APIKeyHeader, c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
