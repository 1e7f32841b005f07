// Package endpoint connects to a standalone capability endpoint over its own
// WebSocket and serves its tools.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	maxMessageSize          = 4 << 20
)

// Config configures an endpoint client.
type Config struct {
	URL              string
	Headers          map[string]string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	ClientInfo       mcp.ClientInfo
	Logger           *slog.Logger
	Observer         tool.Observer
	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer
}

// Client owns one WebSocket to a capability endpoint. It does not reconnect:
// once the socket closes the client stays not-ready until Connect is called again.
type Client struct {
	cfg    Config
	logger *slog.Logger
	core   *mcp.Client

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	cancel context.CancelFunc
}

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("endpoint: url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "mcp_endpoint"),
	}
	c.core = mcp.NewClient(mcp.SenderFunc(c.send), mcp.Options{
		Name:            "endpoint",
		Source:          tool.SourceEndpoint,
		ClientInfo:      cfg.ClientInfo,
		SendInitialized: true,
		CallTimeout:     cfg.CallTimeout,
		Logger:          logger,
		Observer:        cfg.Observer,
	})
	return c, nil
}

// Connect dials the endpoint, starts the listener, and sends the handshake.
// Discovery completes in the background; use WaitReady to block on it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("endpoint: already connected")
	}
	c.mu.Unlock()

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.HandshakeTimeout,
		}
	}
	header := http.Header{}
	for key, value := range c.cfg.Headers {
		header.Set(key, value)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return tool.NewError(tool.CodeTransport, fmt.Sprintf("dial %s", redactURL(c.cfg.URL)), err)
	}
	conn.SetReadLimit(maxMessageSize)

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.cancel = cancel
	c.mu.Unlock()

	go c.listen(listenCtx, conn, done)
	c.logger.Info("endpoint connected", "url", redactURL(c.cfg.URL))

	if err := c.core.Start(ctx); err != nil {
		_ = c.Close(ctx)
		return err
	}
	return nil
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("endpoint connection closed", "error", err)
			c.detach(conn)
			c.core.Reset(err)
			return
		}

		var message mcp.Message
		if err := json.Unmarshal(raw, &message); err != nil {
			c.logger.Warn("ignoring malformed endpoint frame", "error", err)
			continue
		}
		c.core.HandleMessage(ctx, message)
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) send(ctx context.Context, message mcp.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("endpoint: not connected")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("endpoint: encode message: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Ready reports whether discovery has finished on a live socket.
func (c *Client) Ready() bool {
	return c.core.Ready()
}

// WaitReady blocks until discovery finishes or the socket drops.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.core.WaitReady(ctx)
}

// Tools returns the discovered tools.
func (c *Client) Tools() []tool.Tool {
	return c.core.Tools()
}

// HasTool reports whether the endpoint exposes name.
func (c *Client) HasTool(name string) bool {
	return c.core.HasTool(name)
}

// CallTool invokes an endpoint tool by its sanitized name.
func (c *Client) CallTool(ctx context.Context, name string, args any) (string, error) {
	return c.core.CallTool(ctx, name, args)
}

// OnChange subscribes to tool set changes.
func (c *Client) OnChange(fn func()) func() {
	return c.core.OnChange(fn)
}

// Close shuts the socket and waits, bounded by ctx, for the listener to exit.
// Unlike a dropped socket, Close also forgets the discovered tools.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	closed := errors.New("endpoint closed")
	if conn == nil {
		c.core.Discard(closed)
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.detach(conn)

	select {
	case <-done:
	case <-ctx.Done():
		c.core.Discard(closed)
		return ctx.Err()
	}
	c.core.Discard(closed)
	return nil
}

// redactURL drops the query string, which commonly carries access tokens.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?redacted"
	}
	return raw
}
