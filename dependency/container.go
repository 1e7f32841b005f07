// Package dependency wires petalvoice services using go.uber.org/dig.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/dig"

	"github.com/petal-labs/petalvoice/catalog"
	"github.com/petal-labs/petalvoice/config"
	"github.com/petal-labs/petalvoice/endpoint"
	"github.com/petal-labs/petalvoice/gateway"
	petalotel "github.com/petal-labs/petalvoice/otel"
	"github.com/petal-labs/petalvoice/plugin"
	"github.com/petal-labs/petalvoice/serverpool"
	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

// Version is reported to capability servers in clientInfo.
var Version = "dev"

const instrumentationName = "github.com/petal-labs/petalvoice"

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg      *config.Config
	logger   *slog.Logger
	info     mcp.ClientInfo
	observer tool.Observer
	plugins  *plugin.Registry
	pool     *serverpool.Pool
	catalog  *catalog.SQLiteStore
	gateway  *gateway.Server
}

func (c *Container) Config() *config.Config        { return c.cfg }
func (c *Container) Logger() *slog.Logger          { return c.logger }
func (c *Container) ClientInfo() mcp.ClientInfo    { return c.info }
func (c *Container) Observer() tool.Observer       { return c.observer }
func (c *Container) Plugins() *plugin.Registry     { return c.plugins }
func (c *Container) Pool() *serverpool.Pool        { return c.pool }
func (c *Container) Catalog() *catalog.SQLiteStore { return c.catalog }
func (c *Container) Gateway() *gateway.Server      { return c.gateway }

// New builds and wires all services from cfg. The pool is built but not
// started; call Pool().Start.
func New(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("dependency: config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := dig.New()

	providers := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		clientInfo,
		newObserver,
		newSessionTelemetry,
		newPluginRegistry,
		newCatalog,
		newPool,
		newGateway,
	}
	for _, provide := range providers {
		if err := d.Provide(provide); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		info mcp.ClientInfo,
		observer tool.Observer,
		plugins *plugin.Registry,
		pool *serverpool.Pool,
		store *catalog.SQLiteStore,
		gw *gateway.Server,
	) {
		result = &Container{
			cfg:      cfg,
			logger:   logger,
			info:     info,
			observer: observer,
			plugins:  plugins,
			pool:     pool,
			catalog:  store,
			gateway:  gw,
		}
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return result, nil
}

// Close shuts the gateway, the pool, and the catalog.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.gateway != nil {
		errs = append(errs, c.gateway.Close())
	}
	if c.pool != nil {
		errs = append(errs, c.pool.Close(ctx))
	}
	if c.catalog != nil {
		errs = append(errs, c.catalog.Close())
	}
	return errors.Join(errs...)
}

func clientInfo() mcp.ClientInfo {
	return mcp.ClientInfo{Name: "petalvoice", Version: Version}
}

func newObserver() (tool.Observer, error) {
	return petalotel.NewToolObserver(
		otel.GetMeterProvider().Meter(instrumentationName),
		otel.Tracer(instrumentationName),
	)
}

func newSessionTelemetry() (*petalotel.SessionTelemetry, error) {
	return petalotel.NewSessionTelemetry(
		otel.GetMeterProvider().Meter(instrumentationName),
		otel.Tracer(instrumentationName),
	)
}

type roleSettings struct {
	Roles map[string]string `mapstructure:"roles"`
}

type timeSettings struct {
	Timezone string `mapstructure:"timezone"`
}

type articleSettings struct {
	MaxChars int `mapstructure:"max_chars"`
}

func newPluginRegistry(cfg *config.Config) (*plugin.Registry, error) {
	var (
		roles   roleSettings
		clock   timeSettings
		article articleSettings
	)
	settings := cfg.Plugins.Settings
	if err := plugin.DecodeArgs(settings[plugin.ChangeRoleName], &roles); err != nil {
		return nil, fmt.Errorf("plugins.settings.%s: %w", plugin.ChangeRoleName, err)
	}
	if err := plugin.DecodeArgs(settings[plugin.GetTimeName], &clock); err != nil {
		return nil, fmt.Errorf("plugins.settings.%s: %w", plugin.GetTimeName, err)
	}
	if err := plugin.DecodeArgs(settings[plugin.FetchArticleName], &article); err != nil {
		return nil, fmt.Errorf("plugins.settings.%s: %w", plugin.FetchArticleName, err)
	}

	opts := plugin.BuiltinOptions{Roles: roles.Roles, MaxArticleChars: article.MaxChars}
	if clock.Timezone != "" {
		loc, err := time.LoadLocation(clock.Timezone)
		if err != nil {
			return nil, fmt.Errorf("plugins.settings.%s.timezone: %w", plugin.GetTimeName, err)
		}
		opts.Location = loc
	}

	registry := plugin.NewRegistry()
	if err := plugin.RegisterBuiltins(registry, opts); err != nil {
		return nil, err
	}
	return registry, nil
}

// newCatalog returns nil when no catalog path is configured.
func newCatalog(cfg *config.Config) (*catalog.SQLiteStore, error) {
	if cfg.Catalog.SQLitePath == "" {
		return nil, nil
	}
	return catalog.Open(cfg.Catalog.SQLitePath)
}

func newPool(cfg *config.Config, logger *slog.Logger, info mcp.ClientInfo, observer tool.Observer, store *catalog.SQLiteStore) (*serverpool.Pool, error) {
	sc := cfg.ServerMCP
	settings, err := serverpool.LoadSettings(sc.SettingsPath)
	if err != nil {
		return nil, err
	}
	dialer := serverpool.Dialer{
		CallTimeout: sc.CallTimeout,
		InitTimeout: sc.InitTimeout,
		ClientInfo:  info,
		Logger:      logger,
		Observer:    observer,
	}
	opts := serverpool.Options{
		Factory:        dialer.Dial,
		Retry:          tool.RetryPolicy{MaxAttempts: sc.RetryAttempts, Backoff: sc.RetryBackoff},
		CloseTimeout:   sc.CloseTimeout,
		HealthSchedule: sc.HealthCheck,
		Logger:         logger,
		Observer:       observer,
	}
	if store != nil {
		opts.Catalog = store
	}
	return serverpool.NewPool(settings, opts)
}

func newGateway(
	cfg *config.Config,
	logger *slog.Logger,
	info mcp.ClientInfo,
	observer tool.Observer,
	telemetry *petalotel.SessionTelemetry,
	plugins *plugin.Registry,
	pool *serverpool.Pool,
) *gateway.Server {
	gc := gateway.Config{
		Path:           cfg.Server.Path,
		Plugins:        plugins,
		PluginsEnabled: cfg.Plugins.Enabled,
		Pool:           pool,
		DeviceMCP: gateway.DeviceMCPConfig{
			Enabled:     cfg.DeviceMCPEnabled(),
			CallTimeout: cfg.DeviceMCP.CallTimeout,
		},
		ClientInfo: info,
		Observer:   observer,
		Telemetry:  telemetry,
		Logger:     logger,
	}
	if v := cfg.DeviceMCP.Vision; v.URL != "" {
		gc.DeviceMCP.Vision = &mcp.VisionCapability{URL: v.URL, Token: v.Token}
	}
	if ep := cfg.Endpoint; ep.URL != "" {
		gc.Endpoint = &endpoint.Config{
			URL:              ep.URL,
			Headers:          ep.Headers,
			CallTimeout:      ep.CallTimeout,
			HandshakeTimeout: ep.HandshakeTimeout,
		}
	}
	return gateway.NewServer(gc)
}
