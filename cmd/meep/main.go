package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Ryustiel/MeepPublic/internal/auditlog"
	"github.com/Ryustiel/MeepPublic/internal/config"
	"github.com/Ryustiel/MeepPublic/internal/engine"
	"github.com/Ryustiel/MeepPublic/internal/lockfile"
	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/store"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "bootstrap":
		bootstrapCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("meep %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `meep

Usage:
  meep bootstrap [flags]
  meep run [flags]
  meep version

Commands:
  bootstrap   Write the initial config file (provider, model, db path).
  run         Run the agent with a console channel on stdin/stdout.
  version     Print build information.

`)
}

func bootstrapCmd(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)

	provider := fs.String("provider", "openai", "Model provider: openai|anthropic")
	modelID := fs.String("model", "", "Model id (empty: provider default)")
	apiKeyEnv := fs.String("api-key-env", "", "Environment variable holding the API key (default: OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	dbPath := fs.String("db-path", "", "Checkpoint database path (default: ~/.meep/threads.db)")
	cfgPath := fs.String("config", "", "Config path (default: ~/.meep/config.yaml)")

	logFormat := fs.String("log-format", "", "Log format: json|text (empty: default text)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (empty: default info)")

	_ = fs.Parse(args)

	cfg := config.Default()
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(*provider))
	cfg.Provider.Model = strings.TrimSpace(*modelID)
	cfg.Provider.APIKeyEnv = strings.TrimSpace(*apiKeyEnv)
	if cfg.Provider.APIKeyEnv == "" {
		switch cfg.Provider.Kind {
		case "anthropic":
			cfg.Provider.APIKeyEnv = "ANTHROPIC_API_KEY"
		default:
			cfg.Provider.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	cfg.DBPath = strings.TrimSpace(*dbPath)
	if strings.TrimSpace(*logFormat) != "" {
		cfg.LogFormat = *logFormat
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	path := strings.TrimSpace(*cfgPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s. Run `meep run`.\n", path)
}

const (
	consoleThreadID  = "console"
	consoleChannelID = "console"
)

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config path (default: ~/.meep/config.yaml)")
	user := fs.String("user", "operator", "Identity used for messages and confirmation decisions")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*cfgPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Hint: run `meep bootstrap` first.\n")
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(2)
	}

	m, err := buildModel(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init model: %v\n", err)
		os.Exit(1)
	}

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	stateDir := filepath.Dir(filepath.Clean(dbPath))
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state dir: %v\n", err)
		os.Exit(1)
	}

	// Prevent two processes from sharing one checkpoint database.
	lk, err := lockfile.Acquire(filepath.Join(stateDir, "meep.lock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire state lock: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init audit log: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open checkpoint db: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	// The console operator can always decide confirmations raised on the
	// console channel.
	if cfg.Confirmation.Approvers == nil {
		cfg.Confirmation.Approvers = make(map[string][]string)
	}
	cfg.Confirmation.Approvers[consoleChannelID] = appendUnique(cfg.Confirmation.Approvers[consoleChannelID], strings.TrimSpace(*user))

	eng, err := engine.NewEngine(engine.Options{
		Store:   st,
		Model:   m,
		Emitter: &consoleEmitter{},
		Config:  cfg,
		Audit:   audit,
		Logger:  log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	fmt.Printf("meep %s ready. Type a message, /confirm <id> yes|no, or /quit.\n", Version)
	if err := consoleLoop(ctx, eng, *user); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "console exited with error: %v\n", err)
		os.Exit(1)
	}
}

func consoleLoop(ctx context.Context, eng *engine.Engine, user string) error {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/confirm "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				fmt.Println("usage: /confirm <id> yes|no")
				continue
			}
			approve := strings.EqualFold(fields[2], "yes")
			err := eng.ReceiveConfirmation(ctx, consoleThreadID, fields[1], user, approve)
			if err != nil {
				fmt.Printf("confirmation rejected: %v\n", err)
			}
		case line == "/threads":
			ids, err := eng.ListThreads(ctx)
			if err != nil {
				fmt.Printf("list failed: %v\n", err)
				continue
			}
			for _, id := range ids {
				fmt.Println(id)
			}
		case strings.HasPrefix(line, "/wakeup "):
			note := strings.TrimSpace(strings.TrimPrefix(line, "/wakeup"))
			if err := eng.Wakeup(ctx, consoleThreadID, note, user, consoleChannelID); err != nil {
				fmt.Printf("wakeup failed: %v\n", err)
			}
		default:
			err := eng.Deliver(ctx, consoleThreadID, consoleChannelID, engine.Inbound{
				Author:            user,
				Text:              line,
				DirectlyAddressed: true,
				ChannelName:       "console",
				ChannelKind:       "console",
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Printf("message failed: %v\n", err)
			}
		}
	}
	return sc.Err()
}

// consoleEmitter prints engine output to stdout. It only runs after the run
// checkpoint is durable, so what the user sees is what was saved.
type consoleEmitter struct{}

func (consoleEmitter) Emit(channelID string, out engine.Outbound) error {
	fmt.Printf("meep> %s\n", out.Text)
	return nil
}

func (consoleEmitter) RequestConfirmation(channelID string, req engine.ConfirmationRequest) error {
	fmt.Printf("meep> approval needed [%s]: %s (reply with /confirm %s yes|no)\n",
		req.ConfirmationID, req.Description, req.ConfirmationID)
	return nil
}

func buildModel(cfg *config.Config) (model.Model, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key: set %s or provider.api_key", cfg.Provider.APIKeyEnv)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Kind)) {
	case "anthropic":
		return model.NewAnthropic(key, cfg.Provider.Model), nil
	case "openai":
		return model.NewOpenAI(key, cfg.Provider.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Kind)
	}
}

func appendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, item := range list {
		if strings.TrimSpace(item) == v {
			return list
		}
	}
	return append(list, v)
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
