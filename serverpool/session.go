package serverpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

const (
	// DefaultCallTimeout bounds the wait for one pooled tools/call.
	DefaultCallTimeout = 15 * time.Second
	// DefaultInitTimeout bounds the handshake plus discovery of one server.
	DefaultInitTimeout = 30 * time.Second
)

// Session is one live connection to a configured server. Sessions that also
// implement tool.ChangeSource have their resets and tool changes forwarded to
// the pool's subscribers.
type Session interface {
	Name() string
	Ready() bool
	Tools() []tool.Tool
	CallTool(ctx context.Context, name string, args any) (string, error)
	Close(ctx context.Context) error
}

// Factory opens a ready session for one configured server.
type Factory func(ctx context.Context, name string, cfg ServerConfig) (Session, error)

// Dialer opens MCP sessions over stdio or streamable HTTP.
type Dialer struct {
	CallTimeout time.Duration
	InitTimeout time.Duration
	ClientInfo  mcp.ClientInfo
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Observer    tool.Observer
}

// Dial launches or connects to the server and waits for discovery to finish.
func (d Dialer) Dial(ctx context.Context, name string, cfg ServerConfig) (Session, error) {
	kind, err := cfg.Transport()
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", name, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", name)

	// The session outlives the dial context, so the child process and the
	// receive loop get their own lifetime.
	lifetime, cancel := context.WithCancel(context.Background())

	var transport mcp.Transport
	switch kind {
	case TransportStdio:
		transport, err = mcp.NewStdioTransport(lifetime, mcp.StdioTransportConfig{
			Name:    name,
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  logger,
		})
	case TransportHTTP:
		transport, err = mcp.NewHTTPTransport(mcp.HTTPTransportConfig{
			Endpoint:    cfg.URL,
			AccessToken: cfg.AccessToken,
			Headers:     cfg.Headers,
			Client:      d.HTTPClient,
		})
	}
	if err != nil {
		cancel()
		return nil, tool.NewError(tool.CodeTransport, fmt.Sprintf("server %q: open %s transport", name, kind), err)
	}

	callTimeout := d.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	client := mcp.NewClient(transport, mcp.Options{
		Name:            name,
		Source:          tool.SourceServerMCP,
		ClientInfo:      d.ClientInfo,
		SendInitialized: true,
		CallTimeout:     callTimeout,
		Logger:          logger,
		Observer:        d.Observer,
	})

	s := &mcpSession{
		name:      name,
		transport: transport,
		client:    client,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
	}
	go func() {
		defer close(s.pumpDone)
		if err := mcp.Pump(lifetime, transport, client); err != nil {
			logger.Warn("capability server connection lost", "error", err)
		}
	}()

	initTimeout := d.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
	defer initCancel()

	if err := client.Start(initCtx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	if err := client.WaitReady(initCtx); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("server %q: %w", name, err)
	}
	return s, nil
}

type mcpSession struct {
	name      string
	transport mcp.Transport
	client    *mcp.Client
	cancel    context.CancelFunc
	pumpDone  chan struct{}
}

func (s *mcpSession) Name() string       { return s.name }
func (s *mcpSession) Ready() bool        { return s.client.Ready() }
func (s *mcpSession) Tools() []tool.Tool { return s.client.Tools() }

func (s *mcpSession) OnChange(fn func()) func() { return s.client.OnChange(fn) }

func (s *mcpSession) CallTool(ctx context.Context, name string, args any) (string, error) {
	return s.client.CallTool(ctx, name, args)
}

// Close stops the transport and waits, bounded by ctx, for the receive loop.
func (s *mcpSession) Close(ctx context.Context) error {
	err := s.transport.Close(ctx)
	s.cancel()
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
