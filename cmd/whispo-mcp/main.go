// Whispo-mcp is the Model Context Protocol subsystem of the Whispo
// dictation tool, runnable as a standalone process.
//
// In serve mode it speaks MCP over its own stdin/stdout — exposing
// dictation history, the glossary, and dictation tools to whatever
// client spawned it — while simultaneously managing outbound
// connections to the context provider servers named in its config.
// All logging goes to stderr; stdout belongs to the protocol.
//
// Usage:
//
//	whispo-mcp serve         Serve MCP on stdio
//	whispo-mcp tools         Print the local tool definitions as JSON
//	whispo-mcp version       Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/whispo/whispo-mcp/internal/buildinfo"
	"github.com/whispo/whispo-mcp/internal/config"
	"github.com/whispo/whispo-mcp/internal/events"
	"github.com/whispo/whispo-mcp/internal/history"
	"github.com/whispo/whispo-mcp/internal/mcp"
	"github.com/whispo/whispo-mcp/internal/tools"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and the real stdio out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand — the flag package's package-level
// state gets in the way of driving run concurrently from tests — and
// dispatches to the subcommands.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var logLevel string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-log-level" && i+1 < len(args):
			logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, configPath, logLevel)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Fprintf(stdout, "  %-12s %s\n", k+":", v)
		}
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "whispo-mcp - Whispo dictation MCP server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: whispo-mcp [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Serve MCP over stdin/stdout")
	fmt.Fprintln(w, "  tools     Print local tool definitions as JSON")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>      Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <level>  trace, debug, info, warn, or error")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/whispo/config.yaml, /etc/whispo/config.yaml")
	return nil
}

// loadConfig resolves and loads the config file. A missing config is
// not fatal — the defaults give a disabled subsystem, which still
// serves local tools and history.
func loadConfig(explicit string, logger *slog.Logger) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		logger.Warn("no config file found, using defaults")
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger.Info("config loaded", "path", path)
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, logLevel string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLogger := newLogger(stderr, slog.LevelInfo)

	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return err
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level)
	logger.Info("starting", "build", buildinfo.String())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cfgStore, err := config.NewStore(configStorePath(configPath, cfg), cfg, logger)
	if err != nil {
		return err
	}

	hist, err := history.NewStore(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	bus := events.New()
	stopEventLog := logEvents(bus, logger)
	defer stopEventLog()

	manager := mcp.NewManager(cfgStore.MCP(), bus, logger)
	manager.SetRecentSource(hist)
	manager.SetGlossarySource(hist)
	defer manager.Shutdown()

	registry := tools.NewRegistry(cfgStore, hist, nil, nil, manager, logger)

	server := mcp.NewServer(registry, bus, logger)
	registerResources(server, cfgStore, hist)
	registerPrompts(server)

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize MCP connections: %w", err)
	}

	// Serve until the client closes our stdin or we get a signal.
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, stdin, stdout) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	return nil
}

// configStorePath picks where config mutations are written: the
// explicit path when given, otherwise a config.yaml in the data dir.
func configStorePath(explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	if path, err := config.FindConfig(""); err == nil {
		return path
	}
	return filepath.Join(cfg.DataDir, "config.yaml")
}

// logEvents drains the bus into the debug log so operational events
// are visible in serve mode. Returns a function that unsubscribes.
func logEvents(bus *events.Bus, logger *slog.Logger) func() {
	ch := bus.Subscribe(64)
	go func() {
		for e := range ch {
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()
	return func() { bus.Unsubscribe(ch) }
}

// registerResources exposes the host state as MCP resources.
func registerResources(server *mcp.Server, cfgStore *config.Store, hist *history.Store) {
	jsonText := func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	server.RegisterResource(mcp.Resource{
		URI:         "whispo://config",
		Name:        "Dictation configuration",
		Description: "The MCP and context-awareness configuration",
		MimeType:    "application/json",
	}, func(context.Context) (string, error) {
		return jsonText(cfgStore.MCP())
	})

	server.RegisterResource(mcp.Resource{
		URI:         "whispo://history",
		Name:        "Transcription history",
		Description: "Recent dictation transcripts, newest first",
		MimeType:    "application/json",
	}, func(ctx context.Context) (string, error) {
		items, err := hist.Recent(ctx, 20)
		if err != nil {
			return "", err
		}
		if items == nil {
			items = []history.Transcription{}
		}
		return jsonText(items)
	})

	server.RegisterResource(mcp.Resource{
		URI:         "whispo://glossary",
		Name:        "Glossary",
		Description: "User-defined terms and replacements",
		MimeType:    "application/json",
	}, func(ctx context.Context) (string, error) {
		entries, err := hist.Glossary(ctx)
		if err != nil {
			return "", err
		}
		if entries == nil {
			entries = []mcp.GlossaryEntry{}
		}
		return jsonText(entries)
	})
}

// registerPrompts exposes the built-in prompt templates.
func registerPrompts(server *mcp.Server) {
	server.RegisterPrompt(mcp.Prompt{
		Name:        "transcription_help",
		Description: "Explain how to work with Whispo transcriptions",
	}, func(context.Context, map[string]string) ([]mcp.PromptMessage, error) {
		return []mcp.PromptMessage{{
			Role: "user",
			Content: mcp.ContentBlock{
				Type: "text",
				Text: "You are helping with voice dictation transcripts from Whispo. " +
					"Transcripts may contain recognition mistakes for technical terms; " +
					"consult the whispo://glossary resource for the user's preferred " +
					"spellings and the whispo://history resource for recent context.",
			},
		}}, nil
	})

	server.RegisterPrompt(mcp.Prompt{
		Name:        "format_transcript",
		Description: "Reformat a raw transcript in a given style",
		Arguments: []mcp.PromptArgument{
			{Name: "transcript", Description: "The raw transcript text", Required: true},
			{Name: "style", Description: "Target style, e.g. email, notes, code-comment"},
		},
	}, func(_ context.Context, args map[string]string) ([]mcp.PromptMessage, error) {
		transcript := args["transcript"]
		if transcript == "" {
			return nil, fmt.Errorf("format_transcript requires a transcript argument")
		}
		style := args["style"]
		if style == "" {
			style = "clean prose"
		}
		return []mcp.PromptMessage{{
			Role: "user",
			Content: mcp.ContentBlock{
				Type: "text",
				Text: fmt.Sprintf(
					"Reformat the following voice transcript as %s. Fix punctuation "+
						"and obvious recognition errors, but preserve the meaning.\n\n%s",
					style, transcript),
			},
		}}, nil
	})
}

// runTools prints the local tool definitions, useful for wiring the
// host application or debugging a client.
func runTools(_ context.Context, stdout, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "whispo-mcp-tools")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cfgStore, err := config.NewStore(filepath.Join(dir, "config.yaml"), cfg, logger)
	if err != nil {
		return err
	}
	hist, err := history.NewStore(filepath.Join(dir, "history.db"))
	if err != nil {
		return err
	}
	defer hist.Close()

	registry := tools.NewRegistry(cfgStore, hist, nil, nil, nil, logger)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(registry.Definitions())
}
