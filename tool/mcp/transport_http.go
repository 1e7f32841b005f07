package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const (
	httpReceiveQueue = 64
	sessionHeader    = "Mcp-Session-Id"
)

// HTTPTransportConfig configures a streamable HTTP MCP transport.
type HTTPTransportConfig struct {
	Endpoint string
	// AccessToken is sent as a bearer Authorization header when set.
	AccessToken string
	Headers     map[string]string
	Client      *http.Client
}

// HTTPTransport implements MCP over streamable HTTP: every message is POSTed
// and the reply arrives either as a JSON body or as an event stream.
type HTTPTransport struct {
	mu        sync.Mutex
	cfg       HTTPTransportConfig
	sessionID string
	recvCh    chan Message
	done      chan struct{}
	closed    bool
}

// NewHTTPTransport creates an endpoint-backed MCP transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &HTTPTransport{
		cfg:    cfg,
		recvCh: make(chan Message, httpReceiveQueue),
		done:   make(chan struct{}),
	}, nil
}

// Send posts one JSON-RPC message and enqueues every message in the reply.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	sessionID := t.sessionID
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: http transport is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("mcp: endpoint returned status %d", resp.StatusCode)
	}
	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, resp.Body)
	}

	responseBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	return t.enqueuePayload(ctx, responseBytes)
}

func (t *HTTPTransport) readEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var data bytes.Buffer
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()
		return t.enqueuePayload(ctx, payload)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read event stream: %w", err)
	}
	return flush()
}

func (t *HTTPTransport) enqueuePayload(ctx context.Context, payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	var messages []Message
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &messages); err != nil {
			return fmt.Errorf("mcp: decode response batch: %w", err)
		}
	} else {
		var message Message
		if err := json.Unmarshal(trimmed, &message); err != nil {
			return fmt.Errorf("mcp: decode response: %w", err)
		}
		messages = append(messages, message)
	}

	for _, message := range messages {
		select {
		case t.recvCh <- message:
		case <-t.done:
			return errors.New("mcp: http transport is closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive waits for the next queued JSON-RPC message.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	case <-t.done:
		return Message{}, errors.New("mcp: http transport is closed")
	}
}

// Close marks the transport closed and ends the server session when one was assigned.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	close(t.done)
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.Endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sessionID)
	if t.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	}
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	return nil
}
