package serverpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalvoice/tool"
)

const (
	// DefaultAttempts is the total number of tries for one pooled call.
	DefaultAttempts = 3
	// DefaultBackoff is the base pause between attempts.
	DefaultBackoff = time.Second
	// DefaultCloseTimeout bounds how long one server may take to shut down.
	DefaultCloseTimeout = 5 * time.Second
)

// CatalogSink receives each server's tool list after discovery.
type CatalogSink interface {
	SaveTools(ctx context.Context, source string, kind tool.SourceKind, tools []tool.Tool) error
}

// Options configures a Pool.
type Options struct {
	Factory      Factory
	Retry        tool.RetryPolicy
	CloseTimeout time.Duration
	// HealthSchedule is a cron spec (for example "@every 1m"). Empty disables checks.
	HealthSchedule string
	Catalog        CatalogSink
	Logger         *slog.Logger
	Observer       tool.Observer
}

// SourceStatus describes one configured server.
type SourceStatus struct {
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	Ready     bool          `json:"ready"`
	Tools     int           `json:"tools"`
	Config    ServerConfig  `json:"config"`
}

// Pool owns one session per configured server and routes calls to them.
// Rebuilding a session is serialized so a retry never sees a half-open one.
//
// Each server's last discovered tool set is kept apart from its session, so a
// crashed or not-ready server still owns its tools and calls to them go
// through the retry and rebuild path.
type Pool struct {
	tool.Notifier

	settings Settings
	order    []string
	opts     Options
	logger   *slog.Logger
	observer tool.Observer

	mu          sync.RWMutex
	sessions    map[string]Session
	known       map[string][]tool.Tool
	unsubscribe map[string]func()
	started     bool

	rebuildMu sync.Mutex

	scheduler *cron.Cron
}

// NewPool builds an idle pool from settings.
func NewPool(settings Settings, opts Options) (*Pool, error) {
	if opts.Factory == nil {
		return nil, errors.New("serverpool: factory is required")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultAttempts
	}
	if opts.Retry.Backoff < 0 {
		opts.Retry.Backoff = 0
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		settings:    settings,
		order:       settings.Names(),
		opts:        opts,
		logger:      logger.With("component", "server_pool"),
		observer:    tool.ObserverOrNoop(opts.Observer),
		sessions:    make(map[string]Session),
		known:       make(map[string][]tool.Tool),
		unsubscribe: make(map[string]func()),
	}
	if spec := opts.HealthSchedule; spec != "" {
		p.scheduler = cron.New()
		if _, err := p.scheduler.AddFunc(spec, func() { p.CheckHealth(context.Background()) }); err != nil {
			return nil, fmt.Errorf("serverpool: invalid health schedule %q: %w", spec, err)
		}
	}
	return p, nil
}

// Start connects to every configured server concurrently. A server that
// fails to start is logged and left out; it does not fail the pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("serverpool: already started")
	}
	p.started = true
	p.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range p.order {
		group.Go(func() error {
			session, err := p.opts.Factory(groupCtx, name, p.settings.Servers[name])
			if err != nil {
				p.logger.Error("capability server failed to start", "server", name, "error", err)
				return nil
			}
			p.attach(name, session)
			p.logger.Info("capability server ready", "server", name, "tools", len(session.Tools()))
			p.saveCatalog(ctx, name, session)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.scheduler != nil {
		p.scheduler.Start()
	}
	p.Notify()
	return nil
}

// Tools merges every server's last discovered tools in server-name order.
func (p *Pool) Tools() []tool.Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tool.Tool, 0)
	seen := make(map[string]string)
	for _, name := range p.order {
		for _, t := range p.known[name] {
			if owner, dup := seen[t.Name]; dup {
				p.logger.Debug("tool shadowed by earlier server", "tool", t.Name, "server", name, "owner", owner)
				continue
			}
			seen[t.Name] = name
			out = append(out, t)
		}
	}
	return out
}

// HasTool reports whether any server has discovered name.
func (p *Pool) HasTool(name string) bool {
	return p.owner(name) != ""
}

// owner returns the first server, in name order, whose last discovered tool
// set holds name. Its session may be missing or not ready.
func (p *Pool) owner(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, source := range p.order {
		for _, t := range p.known[source] {
			if t.Name == name {
				return source
			}
		}
	}
	return ""
}

// attach installs session for source, records its tools, and forwards its
// change notifications to the pool's subscribers.
func (p *Pool) attach(source string, session Session) {
	var cancel func()
	if changes, ok := session.(tool.ChangeSource); ok {
		cancel = changes.OnChange(func() { p.sessionChanged(source, session) })
	}
	p.mu.Lock()
	p.sessions[source] = session
	if tools := session.Tools(); len(tools) > 0 {
		p.known[source] = tools
	}
	if cancel != nil {
		p.unsubscribe[source] = cancel
	}
	p.mu.Unlock()
}

// detach removes the session for source without forgetting its tools.
func (p *Pool) detach(source string) Session {
	p.mu.Lock()
	old := p.sessions[source]
	cancel := p.unsubscribe[source]
	delete(p.sessions, source)
	delete(p.unsubscribe, source)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return old
}

func (p *Pool) sessionChanged(source string, session Session) {
	p.mu.Lock()
	if p.sessions[source] != session {
		p.mu.Unlock()
		return
	}
	if tools := session.Tools(); len(tools) > 0 {
		p.known[source] = tools
	}
	p.mu.Unlock()
	p.logger.Debug("capability server changed", "server", source, "ready", session.Ready())
	p.Notify()
}

func (p *Pool) session(source string) Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[source]
}

// Execute calls name on the owning server. Any failure tears the session down
// and rebuilds it from its configuration before the next attempt.
func (p *Pool) Execute(ctx context.Context, name string, args any) (string, error) {
	source := p.owner(name)
	if source == "" {
		p.mu.RLock()
		started := p.started
		p.mu.RUnlock()
		if !started {
			return "", tool.Errorf(tool.CodeNotReady, "capability servers are not started")
		}
		return "", tool.Errorf(tool.CodeNotFound, "no capability server exposes %q", name)
	}

	var lastCallErr error
	out, attempts, err := tool.InvokeWithRetry(ctx, p.opts.Retry,
		func(ctx context.Context, attempt int) (string, error) {
			session := p.session(source)
			if session == nil || !session.Ready() {
				if lastCallErr != nil {
					return "", lastCallErr
				}
				return "", tool.Errorf(tool.CodeNotReady, "capability server %q is not ready", source)
			}
			text, err := session.CallTool(ctx, name, args)
			if err != nil {
				lastCallErr = err
			}
			return text, err
		},
		func(ctx context.Context, attempt int, err error) {
			p.logger.Warn("pooled call failed, rebuilding server",
				"server", source, "tool", name, "attempt", attempt, "error", err)
			p.observer.ObserveRetry(tool.RetryObservation{
				ToolName:  name,
				Source:    tool.SourceServerMCP,
				Client:    source,
				Attempt:   attempt,
				ErrorCode: tool.ErrorCode(err),
			})
			if rebuildErr := p.Rebuild(ctx, source); rebuildErr != nil {
				p.logger.Error("server rebuild failed", "server", source, "error", rebuildErr)
			}
		},
	)
	if err != nil {
		p.logger.Error("pooled call exhausted retries", "server", source, "tool", name, "attempts", attempts, "error", err)
		return "", err
	}
	return out, nil
}

// Rebuild closes the session for source and opens a fresh one from its
// original configuration.
func (p *Pool) Rebuild(ctx context.Context, source string) error {
	cfg, ok := p.settings.Servers[source]
	if !ok {
		return fmt.Errorf("serverpool: unknown server %q", source)
	}

	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()

	if old := p.detach(source); old != nil {
		p.closeSession(old)
	}

	fresh, err := p.opts.Factory(ctx, source, cfg)
	if err != nil {
		p.Notify()
		return err
	}
	p.attach(source, fresh)

	p.logger.Info("capability server rebuilt", "server", source, "tools", len(fresh.Tools()))
	p.saveCatalog(ctx, source, fresh)
	p.Notify()
	return nil
}

// CheckHealth rebuilds every configured server whose session is missing or not ready.
func (p *Pool) CheckHealth(ctx context.Context) {
	for _, source := range p.order {
		session := p.session(source)
		if session != nil && session.Ready() {
			continue
		}
		p.logger.Info("health check rebuilding server", "server", source)
		if err := p.Rebuild(ctx, source); err != nil {
			p.logger.Warn("health check rebuild failed", "server", source, "error", err)
		}
	}
}

// Status reports every configured server.
func (p *Pool) Status() []SourceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SourceStatus, 0, len(p.order))
	for _, name := range p.order {
		cfg := p.settings.Servers[name]
		kind, _ := cfg.Transport()
		status := SourceStatus{Name: name, Transport: kind, Config: cfg.Redacted()}
		if session, ok := p.sessions[name]; ok {
			status.Ready = session.Ready()
		}
		status.Tools = len(p.known[name])
		out = append(out, status)
	}
	return out
}

// Close shuts every session down concurrently. Each close is bounded by the
// configured timeout; failures are logged and never returned.
func (p *Pool) Close(ctx context.Context) error {
	if p.scheduler != nil {
		stopped := p.scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	sessions := p.sessions
	cancels := p.unsubscribe
	forgotten := len(p.known) > 0
	p.sessions = make(map[string]Session)
	p.known = make(map[string][]tool.Tool)
	p.unsubscribe = make(map[string]func())
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeSession(session)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pool shutdown interrupted", "error", ctx.Err())
	}
	if len(sessions) > 0 || forgotten {
		p.Notify()
	}
	return nil
}

func (p *Pool) closeSession(session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Close(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn("capability server close failed", "server", session.Name(), "error", err)
		}
	case <-ctx.Done():
		p.logger.Warn("capability server close timed out", "server", session.Name(), "timeout", p.opts.CloseTimeout)
	}
}

func (p *Pool) saveCatalog(ctx context.Context, source string, session Session) {
	if p.opts.Catalog == nil {
		return
	}
	if err := p.opts.Catalog.SaveTools(ctx, source, tool.SourceServerMCP, session.Tools()); err != nil {
		p.logger.Warn("tool catalog snapshot failed", "server", source, "error", err)
	}
}
