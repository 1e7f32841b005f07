package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalvoice/tool"
)

const (
	stdioReceiveBuffer = 16
	// stdioStderrTail is how many trailing stderr lines an exit error quotes.
	stdioStderrTail = 5
	// stdioCloseGrace is how long Close waits after closing stdin before it
	// kills the child.
	stdioCloseGrace = 2 * time.Second
)

// StdioTransportConfig launches one capability server as a child process.
type StdioTransportConfig struct {
	// Name is the server name from the settings file, used in logs and errors.
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// Logger receives the child's stderr at debug level.
	Logger *slog.Logger
}

// ExitError reports that a capability server process ended on its own.
type ExitError struct {
	Name     string
	ExitCode int
	// Stderr holds the last lines the child wrote before exiting.
	Stderr []string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("capability server %q exited with status %d", e.Name, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, " | ")
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// StdioTransport speaks newline-delimited JSON-RPC over a child's stdin and
// stdout. When the child exits, Receive fails with a CodeTransport error
// wrapping *ExitError, which resets the client and sends the pool down its
// rebuild path.
type StdioTransport struct {
	cfg    StdioTransportConfig
	logger *slog.Logger
	cmd    *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	recvCh chan Message
	exited chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	closed   bool
	exitErr  error
	exitCode int
	tail     []string
}

// NewStdioTransport starts the child. ctx bounds the child's lifetime.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// #nosec G204 -- command and args come from the operator's server settings file.
	cmd := exec.CommandContext(ctx, cfg.Command, slices.Clone(cfg.Args)...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q stdin: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q stdout: %w", cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q stderr: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start server %q: %w", cfg.Name, err)
	}

	t := &StdioTransport{
		cfg:      cfg,
		logger:   logger.With("server", cfg.Name, "pid", cmd.Process.Pid),
		cmd:      cmd,
		stdin:    stdin,
		recvCh:   make(chan Message, stdioReceiveBuffer),
		exited:   make(chan struct{}),
		stop:     make(chan struct{}),
		exitCode: -1,
	}
	t.logger.Debug("capability server process started")
	go t.supervise(stdout, stderr)
	return t, nil
}

// supervise reads stdout until it ends, then reaps the child and records why
// it stopped. Messages already read are delivered before the exit is seen.
func (t *StdioTransport) supervise(stdout, stderr io.Reader) {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.collectStderr(stderr)
	}()

	readErr := t.readMessages(stdout)
	<-stderrDone
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	if t.cmd.ProcessState != nil {
		t.exitCode = t.cmd.ProcessState.ExitCode()
	}
	if t.closed {
		t.exitErr = errors.New("mcp: stdio transport is closed")
	} else {
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		exit := &ExitError{Name: t.cfg.Name, ExitCode: t.exitCode, Stderr: slices.Clone(t.tail), Err: cause}
		t.exitErr = tool.NewError(tool.CodeTransport, "", exit)
	}
	closed, exitErr, code := t.closed, t.exitErr, t.exitCode
	t.mu.Unlock()

	if closed {
		t.logger.Debug("capability server process stopped", "exit_code", code)
	} else {
		t.logger.Warn("capability server process exited", "exit_code", code, "error", exitErr)
	}
	close(t.exited)
}

func (t *StdioTransport) readMessages(stdout io.Reader) error {
	decoder := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("decode message: %w", err)
		}
		select {
		case t.recvCh <- message:
		case <-t.stop:
			return nil
		}
	}
}

func (t *StdioTransport) collectStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("capability server stderr", "line", line)
		t.mu.Lock()
		t.tail = append(t.tail, line)
		if len(t.tail) > stdioStderrTail {
			t.tail = t.tail[len(t.tail)-stdioStderrTail:]
		}
		t.mu.Unlock()
	}
	_, _ = io.Copy(io.Discard, stderr)
}

// Send writes one message line to the child's stdin.
func (t *StdioTransport) Send(_ context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	data = append(data, '\n')

	select {
	case <-t.exited:
		return t.terminal()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return tool.NewError(tool.CodeTransport, fmt.Sprintf("write to server %q", t.cfg.Name), err)
	}
	return nil
}

// Receive returns the next message, or the reason the child stopped.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.exited:
		select {
		case message := <-t.recvCh:
			return message, nil
		default:
		}
		return Message{}, t.terminal()
	}
}

// Exited is closed once the child has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// ExitCode returns the child's exit status, or -1 while it runs or when it
// was killed by a signal.
func (t *StdioTransport) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

func (t *StdioTransport) terminal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Close closes stdin, gives the child a short grace period to exit, then
// kills it. The wait is bounded by ctx.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.stop)

	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	grace := time.NewTimer(stdioCloseGrace)
	defer grace.Stop()
	select {
	case <-t.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	t.logger.Debug("capability server did not exit after stdin closed, killing")
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
