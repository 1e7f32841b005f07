package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"

	"github.com/petal-labs/petalvoice/tool"
)

const (
	// ExitIntentName ends the session after a spoken goodbye.
	ExitIntentName = "handle_exit_intent"
	// GetTimeName reports the current local time.
	GetTimeName = "get_time"
	// ChangeRoleName swaps the session system prompt.
	ChangeRoleName = "change_role"
	// FetchArticleName returns the readable text of a web page.
	FetchArticleName = "fetch_article"

	defaultArticleChars = 4000
	maxArticleBytes     = 5 << 20
)

// BuiltinOptions configures the bundled functions.
type BuiltinOptions struct {
	// Roles maps role names to system prompts for change_role.
	Roles           map[string]string
	Location        *time.Location
	Now             func() time.Time
	HTTPClient      *http.Client
	MaxArticleChars int
}

// RegisterBuiltins adds the bundled functions to registry.
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) error {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxArticleChars <= 0 {
		opts.MaxArticleChars = defaultArticleChars
	}

	functions := []Function{
		exitIntent(),
		getTime(opts),
		changeRole(opts),
		fetchArticle(opts),
	}
	for _, fn := range functions {
		if err := registry.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func exitIntent() Function {
	return Function{
		Name:        ExitIntentName,
		Description: "Call when the user wants to end the conversation or leave.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"say_goodbye": map[string]any{
					"type":        "string",
					"description": "A short goodbye to speak before the session ends.",
				},
			},
			"required": []string{"say_goodbye"},
		},
		Category: CategorySystemControl,
		Required: true,
		Handler: func(_ context.Context, conn tool.Conn, args map[string]any) (tool.Result, error) {
			var in struct {
				SayGoodbye string `mapstructure:"say_goodbye"`
			}
			if err := DecodeArgs(args, &in); err != nil {
				return tool.Result{}, err
			}
			goodbye := strings.TrimSpace(in.SayGoodbye)
			if goodbye == "" {
				goodbye = "Goodbye!"
			}
			if closer, ok := conn.(tool.SessionCloser); ok {
				closer.CloseAfterReply()
			}
			return tool.Respond(goodbye), nil
		},
	}
}

func getTime(opts BuiltinOptions) Function {
	return Function{
		Name:        GetTimeName,
		Description: "Get the current date, weekday, and time.",
		Category:    CategoryNone,
		Required:    true,
		Handler: func(context.Context, tool.Conn, map[string]any) (tool.Result, error) {
			now := opts.Now().In(opts.Location)
			return tool.ReqLLM(fmt.Sprintf("Current time: %s. Date: %s (%s).",
				now.Format("15:04"), now.Format("2006-01-02"), now.Weekday())), nil
		},
	}
}

func changeRole(opts BuiltinOptions) Function {
	names := make([]string, 0, len(opts.Roles))
	for name := range opts.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	return Function{
		Name:        ChangeRoleName,
		Description: "Switch the assistant persona when the user asks for a different role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role_name": map[string]any{
					"type":        "string",
					"description": "Role to switch to.",
					"enum":        names,
				},
			},
			"required": []string{"role_name"},
		},
		Category: CategoryPromptMutation,
		Handler: func(_ context.Context, conn tool.Conn, args map[string]any) (tool.Result, error) {
			var in struct {
				RoleName string `mapstructure:"role_name"`
			}
			if err := DecodeArgs(args, &in); err != nil {
				return tool.Result{}, err
			}
			prompt, ok := opts.Roles[in.RoleName]
			if !ok {
				return tool.ReqLLM(fmt.Sprintf("Unknown role %q. Available roles: %s.", in.RoleName, strings.Join(names, ", "))), nil
			}
			changer, ok := conn.(tool.PromptChanger)
			if !ok {
				return tool.Result{}, errors.New("session does not support changing roles")
			}
			changer.ChangeSystemPrompt(prompt)
			return tool.Respond(fmt.Sprintf("Switched to %s.", in.RoleName)), nil
		},
	}
}

func fetchArticle(opts BuiltinOptions) Function {
	return Function{
		Name:        FetchArticleName,
		Description: "Fetch a web page and return its readable article text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL."},
			},
			"required": []string{"url"},
		},
		Category: CategoryWait,
		Handler: func(ctx context.Context, _ tool.Conn, args map[string]any) (tool.Result, error) {
			var in struct {
				URL string `mapstructure:"url"`
			}
			if err := DecodeArgs(args, &in); err != nil {
				return tool.Result{}, err
			}
			parsed, err := url.Parse(strings.TrimSpace(in.URL))
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				return tool.Result{}, tool.Errorf(tool.CodeArgument, "url %q must be an absolute http(s) URL", in.URL)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
			if err != nil {
				return tool.Result{}, tool.NewError(tool.CodeArgument, "", err)
			}
			req.Header.Set("User-Agent", "petalvoice/1.0")
			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return tool.Result{}, tool.NewError(tool.CodeTransport, "fetch article", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				return tool.Result{}, tool.Errorf(tool.CodeRemote, "fetch article: status %d", resp.StatusCode)
			}

			article, err := readability.FromReader(io.LimitReader(resp.Body, maxArticleBytes), parsed)
			if err != nil {
				return tool.Result{}, tool.NewError(tool.CodeRemote, "extract article", err)
			}
			text := strings.Join(strings.Fields(article.TextContent), " ")
			text = truncateRunes(text, opts.MaxArticleChars)
			if title := strings.TrimSpace(article.Title); title != "" {
				text = title + "\n\n" + text
			}
			return tool.ReqLLM(text), nil
		},
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
