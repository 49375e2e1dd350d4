// Command dcode wires the agent runtime's subsystems together and drives a
// single stdin-to-completion run. It has no flag surface or TUI (the CLI
// shell, theming, and terminal UI are explicitly out of scope); it reads a
// prompt from stdin (or argv), runs it through the agent loop, and prints
// the final assistant text to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolo-run/wolo/internal/agent"
	"github.com/wolo-run/wolo/internal/config"
	"github.com/wolo-run/wolo/internal/eventbus"
	"github.com/wolo-run/wolo/internal/provider"
	"github.com/wolo-run/wolo/internal/session"
	"github.com/wolo-run/wolo/internal/tool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dcode:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	providers := buildProviderRegistry(cfg, log)
	if len(providers.List()) == 0 {
		return fmt.Errorf("no provider credentials configured; set an API key env var (e.g. OPENAI_API_KEY) or run the login flow")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	sessionDir := cfg.SessionDir
	if sessionDir == "" {
		home, _ := os.UserHomeDir()
		sessionDir = filepath.Join(home, ".config", "dcode", "sessions")
	}
	store, err := session.NewStore(sessionDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	bus := eventbus.New(log)
	models := provider.NewModelRegistry()
	tools := tool.GetRegistry()

	loop := agent.NewLoop(store, tools, providers, models, bus, cfg, log)

	agentName := agent.DefaultAgent(cfg)

	providerID := cfg.Provider
	if providerID == "" {
		providerID = providers.List()[0]
	}
	modelID := cfg.Model
	if modelID == "" {
		if info := models.GetProvider(providerID); info != nil && len(info.Models) > 0 {
			modelID = info.Models[0].ID
		}
	}

	sess, err := store.Create(agentName, modelID, providerID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.WorkDir = workDir

	prompt, err := readPrompt()
	if err != nil {
		return err
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given on stdin or argv")
	}

	ctx := context.Background()
	reason, err := loop.Run(ctx, sess.ID, prompt, nil)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if reason != session.FinishStop && reason != session.FinishToolCalls {
		fmt.Fprintf(os.Stderr, "dcode: run ended with %s\n", reason)
	}

	final, err := store.Get(sess.ID)
	if err != nil {
		return err
	}
	for i := len(final.Messages) - 1; i >= 0; i-- {
		if final.Messages[i].Role == "assistant" && final.Messages[i].Content != "" {
			fmt.Println(final.Messages[i].Content)
			break
		}
	}
	return nil
}

// readPrompt takes the prompt from argv (joined) if given, otherwise reads
// all of stdin.
func readPrompt() (string, error) {
	if len(os.Args) > 1 {
		return strings.Join(os.Args[1:], " "), nil
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) != 0 {
		return "", nil // interactive terminal with no argv prompt: nothing to run
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// buildProviderRegistry constructs a provider for every backend with a
// resolvable credential (env var, config, or OAuth token), skipping the
// rest silently — a coding session only needs the providers it can
// actually authenticate against.
func buildProviderRegistry(cfg *config.Config, log *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	creds, _ := config.LoadCredentials()

	if creds != nil && creds.OAuthTokens != nil {
		if tok := creds.OAuthTokens["anthropic"]; tok != nil && tok.AccessToken != "" {
			reg.Register(provider.NewAnthropicProviderOAuth(tok.AccessToken))
		}
	}

	registerIfKeyed := func(name string, ctor func(string) provider.Provider) {
		key, err := config.GetAPIKeyWithFallback(name, cfg)
		if err != nil || key == "" {
			return
		}
		reg.Register(ctor(key))
	}

	registerIfKeyed("openai", func(k string) provider.Provider { return provider.NewOpenAIProvider(k) })
	registerIfKeyed("groq", func(k string) provider.Provider { return provider.NewGroqProvider(k) })
	registerIfKeyed("openrouter", func(k string) provider.Provider { return provider.NewOpenRouterProvider(k) })

	if region := os.Getenv("AWS_REGION"); region != "" {
		if _, err := config.GetAPIKeyWithFallback("bedrock", cfg); err == nil {
			reg.Register(provider.NewBedrockProvider(region))
		}
	}

	log.Debug("provider registry built", "providers", reg.List())
	return reg
}
