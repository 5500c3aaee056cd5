// Command earshot is the main entry point for the earshot transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlisten/earshot/internal/app"
	"github.com/openlisten/earshot/internal/config"
	"github.com/openlisten/earshot/internal/events"
	"github.com/openlisten/earshot/internal/health"
	"github.com/openlisten/earshot/internal/observe"
	"github.com/openlisten/earshot/internal/resilience"
	"github.com/openlisten/earshot/internal/session"
	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/provider/llm"
	"github.com/openlisten/earshot/pkg/provider/llm/anyllm"
	oaillm "github.com/openlisten/earshot/pkg/provider/llm/openai"
	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/provider/stt/deepgram"
	sttgemini "github.com/openlisten/earshot/pkg/provider/stt/gemini"
	"github.com/openlisten/earshot/pkg/provider/stt/whisperlive"
	"github.com/openlisten/earshot/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "earshot",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	sttProvider, llmProvider, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage (optional) ────────────────────────────────────────────────────
	var db *postgres.Store
	if cfg.Storage.PostgresDSN != "" {
		db, err = postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer db.Close()
		slog.Info("transcript store connected")
	}

	// ── Event sinks ───────────────────────────────────────────────────────────
	console := events.NewChannelSink(64)
	sink := events.NewFanout(console)
	go printLoop(ctx, console)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithSink(sink),
		app.WithMetrics(metrics),
	}
	if db != nil {
		opts = append(opts,
			app.WithTurnStore(db),
			app.WithSummaryStore(db),
			app.WithNoteStore(db),
		)
	}

	application, err := app.New(cfg, sttProvider, llmProvider, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── System audio capture (optional) ───────────────────────────────────────
	if cfg.Capture.Command != "" {
		capture, err := session.NewSystemCapture(
			cfg.Capture.Command, cfg.Capture.Args, cfg.Capture.SampleRate,
			func(chunk audio.Chunk) { _ = application.SendChunk(chunk) },
		)
		if err != nil {
			slog.Error("failed to build audio capture", "err", err)
			return 1
		}
		app.WithCapture(capture)(application)
		slog.Info("system audio capture configured", "command", cfg.Capture.Command)
	}

	// ── HTTP server: health, readiness, metrics ───────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		var checkers []health.Checker
		if db != nil {
			checkers = append(checkers, health.Checker{Name: "storage", Check: db.Ping})
		}
		checkers = append(checkers, health.Checker{
			Name: "pipeline",
			Check: func(context.Context) error {
				if !application.Listening() {
					return errors.New("no active listening session")
				}
				return nil
			},
		})
		if fb, ok := llmProvider.(*resilience.LLMFallback); ok {
			checkers = append(checkers, health.Checker{
				Name: "llm",
				Check: func(context.Context) error {
					for _, st := range fb.States() {
						if st != resilience.StateOpen {
							return nil
						}
					}
					return errors.New("all llm backends have open circuit breakers")
				},
			})
		}

		mux := http.NewServeMux()
		health.New(checkers...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		srv = &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		d := config.Diff(prev, next)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		application.Reconfigure(d)
		slog.Info("configuration reloaded", "config", *configPath)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	if err := application.StartListening(ctx); err != nil {
		slog.Error("failed to start listening", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to stop listening")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	note, err := application.StopListening(shutdownCtx)
	if err != nil && !errors.Is(err, app.ErrNotListening) {
		slog.Error("stop listening error", "err", err)
	}
	if note != "" {
		fmt.Println(note)
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisperlive", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisperlive.Option
		if entry.Model != "" {
			opts = append(opts, whisperlive.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperlive.WithLanguage(lang))
		}
		return whisperlive.New(entry.BaseURL, opts...), nil
	})

	reg.RegisterSTT("gemini", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttgemini.Option
		if entry.Model != "" {
			opts = append(opts, sttgemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttgemini.WithBaseURL(entry.BaseURL))
		}
		return sttgemini.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the official SDK directly.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
// The STT provider is mandatory; a missing or unknown LLM provider only
// disables analysis.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (stt.Provider, llm.Provider, error) {
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider — analysis disabled", "name", name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			llmProvider = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	} else {
		slog.Info("no llm provider configured — running transcription-only")
	}

	if name := cfg.Providers.LLMFallback.Name; name != "" && llmProvider != nil {
		secondary, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm fallback provider %q: %w", name, err)
		}
		fb := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
				},
			},
		})
		fb.AddFallback(name, secondary)
		llmProvider = fb
		slog.Info("llm failover enabled", "primary", cfg.Providers.LLM.Name, "fallback", name)
	}

	return sttProvider, llmProvider, nil
}

// ── Console output ────────────────────────────────────────────────────────────

// printLoop renders pipeline events to stdout until ctx is cancelled.
func printLoop(ctx context.Context, sink *events.ChannelSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-sink.Turns:
			fmt.Printf("[%s] %s: %s\n", t.CreatedAt.Format("15:04:05"), t.Speaker, t.Text)
		case p := <-sink.Partials:
			slog.Debug("partial", "speaker", p.Speaker, "text", p.Text)
		case status := <-sink.Statuses:
			fmt.Printf("-- %s\n", status)
		case snap := <-sink.Snapshots:
			if snap.Summary != "" {
				fmt.Printf("== summary: %s\n", snap.Summary)
			}
			if snap.Suggestion != "" {
				fmt.Printf("== suggestion: %s\n", snap.Suggestion)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	if cfg.Capture.Command != "" {
		printRow("Capture", fmt.Sprintf("%s @%dHz", cfg.Capture.Command, cfg.Capture.SampleRate))
	} else {
		printRow("Capture", "(external)")
	}
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the default text logger. The returned LevelVar allows the
// config watcher to change verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
