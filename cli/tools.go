package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalvoice/catalog"
	"github.com/petal-labs/petalvoice/dependency"
	"github.com/petal-labs/petalvoice/endpoint"
	"github.com/petal-labs/petalvoice/plugin"
	"github.com/petal-labs/petalvoice/serverpool"
	"github.com/petal-labs/petalvoice/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call the tools a session would see",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsCallCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugin, capability-server, and endpoint tools",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().Bool("cached", false, "Read the tool catalog instead of starting servers")
	cmd.Flags().Bool("json", false, "Print function-calling descriptors as JSON")
	return cmd
}

func newToolsCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Call one tool through the dispatch manager",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsCall,
	}
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().Duration("timeout", time.Minute, "Overall call bound including server startup")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cached, _ := cmd.Flags().GetBool("cached")
	asJSON, _ := cmd.Flags().GetBool("json")

	if cached {
		return listCachedTools(cmd, cfg.Catalog.SQLitePath)
	}

	container, err := dependency.New(cfg, logger)
	if err != nil {
		return exitError(exitConfig, "wiring services: %v", err)
	}
	defer container.Close(context.Background())

	session, err := openConsoleSession(cmd.Context(), container, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer session.close()

	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(session.manager.Descriptors(cmd.Context()))
	}

	all := session.manager.AllTools(cmd.Context())
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSOURCE\tDESCRIPTION")
	for _, name := range names {
		t := all[name]
		fmt.Fprintf(writer, "%s\t%s\t%s\n", t.Name, t.Kind, oneLine(t.Description))
	}
	return writer.Flush()
}

func listCachedTools(cmd *cobra.Command, path string) error {
	if path == "" {
		defaultPath, err := catalog.DefaultPath()
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		path = defaultPath
	}
	store, err := catalog.Open(path)
	if err != nil {
		return exitError(exitRuntime, "opening catalog: %v", err)
	}
	defer store.Close()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing catalog: %v", err)
	}
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSERVER\tDISCOVERED\tDESCRIPTION")
	for _, entry := range entries {
		discovered := "-"
		if !entry.DiscoveredAt.IsZero() {
			discovered = entry.DiscoveredAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", entry.Tool.Name, entry.Source, discovered, oneLine(entry.Tool.Description))
	}
	return writer.Flush()
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rawArgs, _ := cmd.Flags().GetString("args")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var arguments map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
		return exitError(exitInputParse, "--args must be a JSON object: %v", err)
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	container, err := dependency.New(cfg, logger)
	if err != nil {
		return exitError(exitConfig, "wiring services: %v", err)
	}
	defer container.Close(context.Background())

	session, err := openConsoleSession(ctx, container, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer session.close()

	result := session.manager.Execute(ctx, session.conn, args[0], arguments)
	switch result.Action {
	case tool.ActionNotFound:
		return exitError(exitNotFound, "%s", result.Response)
	case tool.ActionError:
		if tool.IsCode(result.Err, tool.CodeTimeout) {
			return exitError(exitTimeout, "%s", result.Result)
		}
		return exitError(exitRuntime, "%s", result.Result)
	case tool.ActionResponse:
		fmt.Fprintln(cmd.OutOrStdout(), result.Response)
	default:
		fmt.Fprintln(cmd.OutOrStdout(), result.Result)
	}
	return nil
}

// consoleSession is a manager over the sources that exist without a device:
// plugins, the server pool, and the capability endpoint.
type consoleSession struct {
	manager  *tool.Manager
	conn     *consoleConn
	endpoint *endpoint.Client
}

func openConsoleSession(ctx context.Context, c *dependency.Container, out io.Writer) (*consoleSession, error) {
	cfg := c.Config()
	logger := c.Logger()
	if err := c.Pool().Start(ctx); err != nil {
		return nil, exitError(exitRuntime, "starting capability servers: %v", err)
	}

	conn := &consoleConn{id: uuid.NewString(), out: out}
	manager := tool.NewManager(tool.WithLogger(logger), tool.WithObserver(c.Observer()))
	session := &consoleSession{manager: manager, conn: conn}

	register := func(kind tool.SourceKind, exec tool.Executor) error {
		if err := manager.Register(kind, exec); err != nil {
			return exitError(exitRuntime, "registering %s: %v", kind, err)
		}
		return nil
	}
	if err := register(tool.SourcePlugin, plugin.NewExecutor(c.Plugins(), cfg.Plugins.Enabled, logger)); err != nil {
		return nil, err
	}
	if err := register(tool.SourceServerMCP, serverpool.NewExecutor(c.Pool())); err != nil {
		return nil, err
	}

	if cfg.Endpoint.URL != "" {
		client, err := endpoint.NewClient(endpoint.Config{
			URL:              cfg.Endpoint.URL,
			Headers:          cfg.Endpoint.Headers,
			CallTimeout:      cfg.Endpoint.CallTimeout,
			HandshakeTimeout: cfg.Endpoint.HandshakeTimeout,
			ClientInfo:       c.ClientInfo(),
			Logger:           logger,
			Observer:         c.Observer(),
		})
		if err == nil {
			err = client.Connect(ctx)
		}
		if err == nil {
			err = client.WaitReady(ctx)
		}
		if err != nil {
			logger.Warn("capability endpoint unavailable", "error", err)
			if client != nil {
				_ = client.Close(context.Background())
			}
		} else {
			session.endpoint = client
			if err := register(tool.SourceEndpoint, endpoint.NewExecutor(client)); err != nil {
				return nil, err
			}
		}
	}
	return session, nil
}

func (s *consoleSession) close() {
	if s.endpoint != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.endpoint.Close(ctx)
	}
}

// consoleConn stands in for a device session on the command line.
type consoleConn struct {
	id  string
	out io.Writer
}

func (c *consoleConn) SessionID() string { return c.id }

func (c *consoleConn) SendMessage(_ context.Context, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "-> %s\n", data)
	return err
}

func (c *consoleConn) CloseAfterReply() {}

func (c *consoleConn) ChangeSystemPrompt(prompt string) {
	fmt.Fprintf(c.out, "system prompt: %s\n", oneLine(prompt))
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if runes := []rune(s); len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return s
}
