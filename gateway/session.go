package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/petal-labs/petalvoice/devicemcp"
	"github.com/petal-labs/petalvoice/endpoint"
	"github.com/petal-labs/petalvoice/iot"
	petalotel "github.com/petal-labs/petalvoice/otel"
	"github.com/petal-labs/petalvoice/plugin"
	"github.com/petal-labs/petalvoice/serverpool"
	"github.com/petal-labs/petalvoice/tool"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	closeTimeout   = 5 * time.Second
)

// Session is one device connection. It is the tool.Conn handed to every
// executor serving that device.
type Session struct {
	id       string
	deviceID string
	server   *Server
	conn     *websocket.Conn
	logger   *slog.Logger
	manager  *tool.Manager
	iot      *iot.Executor

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	writeMu sync.Mutex

	mu              sync.Mutex
	device          *devicemcp.Client
	endpoint        *endpoint.Client
	prompt          string
	closeAfterReply bool

	closeOnce sync.Once
}

func newSession(ctx context.Context, s *Server, id, deviceID string, conn *websocket.Conn) *Session {
	logger := s.logger.With("session_id", id)
	if deviceID != "" {
		logger = logger.With("device_id", deviceID)
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		id:       id,
		deviceID: deviceID,
		server:   s,
		conn:     conn,
		logger:   logger,
		manager:  tool.NewManager(tool.WithLogger(logger), tool.WithObserver(s.cfg.Observer)),
		ctx:      sessionCtx,
		cancel:   cancel,
		prompt:   s.cfg.SystemPrompt,
	}
	sess.iot = iot.NewExecutor(sess, logger)

	sess.register(tool.SourcePlugin, plugin.NewExecutor(s.cfg.Plugins, s.cfg.PluginsEnabled, logger))
	if s.cfg.Pool != nil {
		sess.register(tool.SourceServerMCP, serverpool.NewExecutor(s.cfg.Pool))
	}
	sess.register(tool.SourceDeviceIoT, sess.iot)
	return sess
}

func (s *Session) register(kind tool.SourceKind, exec tool.Executor) {
	if err := s.manager.Register(kind, exec); err != nil {
		s.logger.Error("register executor", "source", kind, "error", err)
	}
}

// SessionID returns the gateway-assigned session id.
func (s *Session) SessionID() string { return s.id }

// DeviceID returns the id the device announced when connecting.
func (s *Session) DeviceID() string { return s.deviceID }

// Manager returns the tool manager serving this session.
func (s *Session) Manager() *tool.Manager { return s.manager }

// SendMessage writes one JSON message to the device.
func (s *Session) SendMessage(ctx context.Context, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("gateway: encode message: %w", err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return tool.NewError(tool.CodeTransport, "write to device", err)
	}
	return nil
}

// CloseAfterReply ends the session once the current tool result is sent.
func (s *Session) CloseAfterReply() {
	s.mu.Lock()
	s.closeAfterReply = true
	s.mu.Unlock()
}

// ChangeSystemPrompt replaces the prompt used for this session.
func (s *Session) ChangeSystemPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
	s.logger.Info("system prompt changed")
}

// SystemPrompt returns the current prompt.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

func (s *Session) run() {
	s.conn.SetReadLimit(maxMessageSize)
	if s.server.cfg.Endpoint != nil {
		go s.connectEndpoint(*s.server.cfg.Endpoint)
	}
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("device connection lost", "error", err)
			} else {
				s.logger.Info("device disconnected")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var head messageHead
	if err := json.Unmarshal(data, &head); err != nil {
		s.logger.Warn("ignoring malformed device message", "error", err)
		return
	}
	petalotel.AddEvent(s.ctx, "device."+head.Type)

	switch head.Type {
	case TypeHello:
		s.handleHello(data)
	case devicemcp.EnvelopeType:
		s.handleDeviceMCP(data)
	case iot.MessageType:
		if err := s.iot.HandleMessage(data); err != nil {
			s.logger.Warn("invalid iot message", "error", err)
		}
	case TypeToolCall:
		var call ToolCallMessage
		if err := json.Unmarshal(data, &call); err != nil {
			s.logger.Warn("invalid tool_call message", "error", err)
			return
		}
		// Calls run off the read loop: device tools answer through it.
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.calls.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.calls.Done()
			s.handleToolCall(call)
		}()
	case TypeListTools:
		_ = s.SendMessage(s.ctx, ToolsMessage{
			Type:      TypeTools,
			SessionID: s.id,
			Tools:     s.manager.Descriptors(s.ctx),
		})
	default:
		s.logger.Debug("unhandled device message", "type", head.Type)
	}
}

func (s *Session) handleHello(data []byte) {
	var hello HelloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		s.logger.Warn("invalid hello message", "error", err)
		return
	}
	if err := s.SendMessage(s.ctx, HelloMessage{
		Type:      TypeHello,
		Transport: "websocket",
		SessionID: s.id,
	}); err != nil {
		s.logger.Warn("hello reply failed", "error", err)
		return
	}
	if hello.Features["mcp"] && s.server.cfg.DeviceMCP.Enabled {
		s.startDeviceMCP()
	}
}

func (s *Session) startDeviceMCP() {
	s.mu.Lock()
	if s.device != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.server.cfg.DeviceMCP
	client := devicemcp.NewClient(s, devicemcp.Options{
		CallTimeout: cfg.CallTimeout,
		ClientInfo:  s.server.cfg.ClientInfo,
		Vision:      cfg.Vision,
		Logger:      s.logger,
		Observer:    s.server.cfg.Observer,
	})
	s.device = client
	s.mu.Unlock()

	s.register(tool.SourceDeviceMCP, devicemcp.NewExecutor(client))
	if err := client.Start(s.ctx); err != nil {
		s.logger.Warn("device capability handshake failed", "error", err)
	}
}

func (s *Session) handleDeviceMCP(data []byte) {
	s.mu.Lock()
	client := s.device
	s.mu.Unlock()
	if client == nil {
		s.logger.Debug("mcp message before device client started")
		return
	}
	var env devicemcp.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("invalid mcp envelope", "error", err)
		return
	}
	if err := client.HandlePayload(s.ctx, env.Payload); err != nil {
		s.logger.Warn("invalid mcp payload", "error", err)
	}
}

func (s *Session) connectEndpoint(cfg endpoint.Config) {
	cfg.ClientInfo = s.server.cfg.ClientInfo
	cfg.Logger = s.logger
	cfg.Observer = s.server.cfg.Observer
	client, err := endpoint.NewClient(cfg)
	if err != nil {
		s.logger.Warn("capability endpoint disabled", "error", err)
		return
	}
	if err := client.Connect(s.ctx); err != nil {
		s.logger.Warn("capability endpoint unavailable", "error", err)
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = client.Close(context.Background())
		return
	}
	s.endpoint = client
	s.mu.Unlock()
	s.register(tool.SourceEndpoint, endpoint.NewExecutor(client))
}

func (s *Session) handleToolCall(call ToolCallMessage) {
	var args any
	if len(call.Arguments) > 0 {
		args = call.Arguments
	}
	result := s.manager.Execute(s.ctx, s, call.Name, args)
	petalotel.AddEvent(s.ctx, "tool.result",
		attribute.String("tool_name", call.Name),
		attribute.String("action", string(result.Action)),
	)

	reply := ToolResultMessage{
		Type:      TypeToolResult,
		SessionID: s.id,
		ID:        call.ID,
		Name:      call.Name,
		Action:    result.Action,
		Result:    result.Result,
		Response:  result.Response,
		ErrorCode: tool.ErrorCode(result.Err),
	}
	if err := s.SendMessage(s.ctx, reply); err != nil {
		s.logger.Warn("tool result not delivered", "tool", call.Name, "error", err)
		return
	}

	s.mu.Lock()
	closing := s.closeAfterReply
	s.mu.Unlock()
	if closing {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "goodbye"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	}
}

// Close discards the session's clients and closes the socket.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		device, ep := s.device, s.endpoint
		s.mu.Unlock()
		err = s.conn.Close()

		if device != nil {
			device.Close()
		}
		if ep != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if cerr := ep.Close(ctx); cerr != nil {
				s.logger.Warn("endpoint close", "error", cerr)
			}
			cancel()
		}
		s.calls.Wait()

		for _, kind := range []tool.SourceKind{
			tool.SourcePlugin, tool.SourceServerMCP, tool.SourceDeviceIoT,
			tool.SourceDeviceMCP, tool.SourceEndpoint,
		} {
			s.manager.Unregister(kind)
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
