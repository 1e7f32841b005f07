// Package devicemcp runs the capability-server exchange with a server
// embedded in the device, tunnelled through the device session protocol.
package devicemcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

// EnvelopeType tags device session messages carrying MCP payloads.
const EnvelopeType = "mcp"

// Envelope wraps one JSON-RPC message in the device session protocol.
type Envelope struct {
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Options configures a device client.
type Options struct {
	CallTimeout time.Duration
	ClientInfo  mcp.ClientInfo
	// Vision, when set, is advertised so the device can upload camera frames.
	Vision   *mcp.VisionCapability
	Logger   *slog.Logger
	Observer tool.Observer
}

// Client speaks MCP to the device over the session connection. It never owns
// a socket; the session router hands it unwrapped payloads.
type Client struct {
	conn tool.Conn
	core *mcp.Client
}

// NewClient binds a device client to conn.
func NewClient(conn tool.Conn, opts Options) *Client {
	c := &Client{conn: conn}
	capabilities := map[string]any{
		"roots":    map[string]any{"listChanged": true},
		"sampling": map[string]any{},
	}
	if opts.Vision != nil && opts.Vision.URL != "" {
		capabilities["vision"] = *opts.Vision
	}
	name := "device"
	if conn != nil {
		name = "device:" + conn.SessionID()
	}
	c.core = mcp.NewClient(mcp.SenderFunc(c.send), mcp.Options{
		Name:         name,
		Source:       tool.SourceDeviceMCP,
		ClientInfo:   opts.ClientInfo,
		Capabilities: capabilities,
		CallTimeout:  opts.CallTimeout,
		Logger:       opts.Logger,
		Observer:     opts.Observer,
	})
	return c
}

func (c *Client) send(ctx context.Context, message mcp.Message) error {
	if c.conn == nil {
		return errors.New("devicemcp: connection is nil")
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("devicemcp: encode payload: %w", err)
	}
	return c.conn.SendMessage(ctx, Envelope{
		SessionID: c.conn.SessionID(),
		Type:      EnvelopeType,
		Payload:   payload,
	})
}

// Start sends the initialize request to the device.
func (c *Client) Start(ctx context.Context) error {
	return c.core.Start(ctx)
}

// HandlePayload feeds one MCP payload received from the device into the client.
func (c *Client) HandlePayload(ctx context.Context, payload json.RawMessage) error {
	var message mcp.Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return fmt.Errorf("devicemcp: decode payload: %w", err)
	}
	c.core.HandleMessage(ctx, message)
	return nil
}

// Ready reports whether discovery has finished.
func (c *Client) Ready() bool {
	return c.core.Ready()
}

// WaitReady blocks until discovery finishes or fails.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.core.WaitReady(ctx)
}

// Tools returns the discovered tools.
func (c *Client) Tools() []tool.Tool {
	return c.core.Tools()
}

// HasTool reports whether the device exposes name.
func (c *Client) HasTool(name string) bool {
	return c.core.HasTool(name)
}

// CallTool invokes a device tool by its sanitized name.
func (c *Client) CallTool(ctx context.Context, name string, args any) (string, error) {
	return c.core.CallTool(ctx, name, args)
}

// OnChange subscribes to tool set changes.
func (c *Client) OnChange(fn func()) func() {
	return c.core.OnChange(fn)
}

// Close discards the client with the session. Pending calls fail locally; no
// cancellation is sent to the device.
func (c *Client) Close() {
	c.core.Discard(errors.New("device session closed"))
}
