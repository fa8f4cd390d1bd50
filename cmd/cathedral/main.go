// Cathedral is a control-plane gateway for LAN model backends.
//
// It unifies one or more chat/embedding backends behind a single
// OpenAI-compatible HTTP surface, maintains a live catalog of which
// backend serves which model, brokers a stateful session protocol over
// a websocket, and lazily indexes embeddings into a Chroma collection
// per conversation. Configuration is a flat JSON options document
// (see [config.DefaultPath]).
//
// Usage:
//
//	cathedral serve          Start the gateway
//	cathedral init [dir]     Initialize a data directory with defaults
//	cathedral version        Print version and build information
//	cathedral -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cathedralhq/cathedral/internal/api"
	"github.com/cathedralhq/cathedral/internal/buildinfo"
	"github.com/cathedralhq/cathedral/internal/catalog"
	"github.com/cathedralhq/cathedral/internal/config"
	"github.com/cathedralhq/cathedral/internal/mpc"
	"github.com/cathedralhq/cathedral/internal/mqtt"
	"github.com/cathedralhq/cathedral/internal/persona"
	"github.com/cathedralhq/cathedral/internal/readiness"
	"github.com/cathedralhq/cathedral/internal/session"
	"github.com/cathedralhq/cathedral/internal/toolbridge"
	"github.com/cathedralhq/cathedral/internal/vector"
	"github.com/cathedralhq/cathedral/internal/voice"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the cathedral command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, args is os.Args[1:].
// Arguments are parsed by hand; the flag package relies on package
// globals that interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var optionsPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-options" && i+1 < len(args):
			optionsPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-options="):
			optionsPath = strings.TrimPrefix(args[i], "-options=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, optionsPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Cathedral - Model Backend Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cathedral [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize data directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -options <path>   Path to options.json (default: $CATHEDRAL_OPTIONS_PATH or /data/options.json)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// gatewayStats adapts the running components to the MQTT publisher's
// sensor surface.
type gatewayStats struct {
	pool     *catalog.Pool
	ready    *readiness.Coordinator
	sessions *session.Store
}

func (g *gatewayStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (g *gatewayStats) Version() string       { return buildinfo.Version }
func (g *gatewayStats) Ready() bool           { return g.ready.Ready() }
func (g *gatewayStats) UpsertsActive() bool   { return g.ready.UpsertsActive() }
func (g *gatewayStats) ModelsAvailable() int  { return len(g.pool.ModelIDs()) }

func (g *gatewayStats) ActiveSessions() int {
	n, err := g.sessions.Count()
	if err != nil {
		return 0
	}
	return n
}

func (g *gatewayStats) BackendsOnline() int {
	online := 0
	for _, state := range g.pool.Health() {
		if state == catalog.HealthOK {
			online++
		}
	}
	return online
}

// runServe handles the "cathedral serve" subcommand. It loads options,
// opens the session database, wires the catalog, readiness, vector,
// control protocol, and relay components together, starts the
// background refresh and pruning loops, and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, optionsPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Cathedral", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if optionsPath == "" {
		optionsPath = config.DefaultPath()
	}
	opts, err := config.Load(optionsPath)
	if err != nil {
		return fmt.Errorf("load options %s: %w", optionsPath, err)
	}

	if opts.LogLevel != "" {
		level, lerr := config.ParseLogLevel(opts.LogLevel)
		if lerr != nil {
			return fmt.Errorf("options %s: %w", optionsPath, lerr)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("options loaded",
		"path", optionsPath,
		"hosts", len(opts.NormalizedHosts()),
		"chroma", opts.ChromaURL,
		"port", opts.ListenPort,
	)

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", opts.DataDir, err)
	}

	// --- Session store ---
	sessions, err := session.Open(opts.SessionDBPath(), logger)
	if err != nil {
		return fmt.Errorf("open session database %s: %w", opts.SessionDBPath(), err)
	}
	defer sessions.Close()
	logger.Info("session database opened", "path", opts.SessionDBPath())

	// --- Core components ---
	store := config.NewStore(optionsPath, opts)
	pool := catalog.New(logger, opts.NormalizedHosts())
	chroma := vector.New(logger, opts.ChromaURL)
	ready := readiness.New(logger, opts.AutoConfig, opts.UpsertsEnabled)
	personas := persona.New(logger, opts.PersonaDir)
	speaker := voice.New(logger, opts.VoiceHost, opts.VoicePort)

	supervisorURL := opts.SupervisorURL
	if env := os.Getenv("SUPERVISOR_URL"); env != "" {
		supervisorURL = env
	}
	bridge := toolbridge.New(logger, supervisorURL, os.Getenv("SUPERVISOR_TOKEN"), opts.AllowedDomains)

	// applyOptions is the single hot-apply path shared by the HTTP
	// options endpoint and the control socket's auto-configuration:
	// snapshot swap, persist, then rewire every component that caches a
	// setting.
	applyOptions := func(_ context.Context, patch []byte) error {
		cur, err := store.Apply(patch)
		if err != nil {
			return fmt.Errorf("apply options patch: %w", err)
		}
		if err := store.Persist(); err != nil {
			return fmt.Errorf("persist options: %w", err)
		}
		pool.SetHosts(cur.NormalizedHosts())
		chroma.SetBaseURL(cur.ChromaURL)
		bridge.SetAllowedDomains(cur.AllowedDomains)
		ready.SetRequested(cur.AutoConfig, cur.UpsertsEnabled)
		logger.Info("options applied", "hosts", len(cur.NormalizedHosts()), "chroma", cur.ChromaURL)
		return nil
	}

	// --- Control protocol server ---
	control := mpc.NewServer(mpc.Config{
		Logger:   logger,
		Pool:     pool,
		Ready:    ready,
		Sessions: sessions,
		Vector:   chroma,
		Bridge:   bridge,
		Personas: personas,
		Voice:    speaker,
		CollectionName: func() string {
			return store.Current().CollectionName
		},
		ApplyOptions: func(ctx context.Context, patch map[string]any) error {
			raw, err := json.Marshal(patch)
			if err != nil {
				return err
			}
			return applyOptions(ctx, raw)
		},
		Locked: func(key string) bool {
			cur := store.Current()
			switch key {
			case "hosts":
				return cur.LockHosts
			case "CHROMA_URL":
				return cur.LockChromaURL
			case "LMSTUDIO_BASE_PATH":
				return cur.LockBasePath
			default:
				return false
			}
		},
	})

	// --- Relay server ---
	server := api.NewServer(api.Config{
		Address:      opts.ListenAddress,
		Port:         opts.ListenPort,
		Logger:       logger,
		Pool:         pool,
		Ready:        ready,
		Sessions:     sessions,
		Vector:       chroma,
		Options:      store,
		ApplyOptions: applyOptions,
		Control:      http.HandlerFunc(control.HandleWS),
	})

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Background loops ---
	// Catalog refresh drives the readiness state machine: after every
	// poll the vector heartbeat is probed and both observations land in
	// the coordinator.
	refreshInterval := time.Duration(opts.RefreshSec) * time.Second
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Second
	}
	go pool.Run(ctx, refreshInterval, func() {
		probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
		defer probeCancel()
		observeReadiness(probeCtx, ready, pool, chroma)
	})

	ttl := time.Duration(opts.SessionTTLMin) * time.Minute
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	go sessions.RunPruner(ctx, time.Minute, ttl)

	// --- MQTT status publisher ---
	var mqttPub *mqtt.Publisher
	if opts.MQTTBrokerURL != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(opts.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(mqtt.Config{
			BrokerURL:   opts.MQTTBrokerURL,
			Username:    opts.MQTTUsername,
			Password:    opts.MQTTPassword,
			TopicPrefix: opts.MQTTTopicPrefix,
		}, instanceID, &gatewayStats{pool: pool, ready: ready, sessions: sessions}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", opts.MQTTBrokerURL)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the relay server. Blocks until shutdown or fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Cathedral stopped")
	return nil
}

// observeReadiness records one refresh cycle's observations in the
// coordinator. A gateway with no vector store configured treats the
// vector condition as satisfied; only a configured store is probed.
func observeReadiness(ctx context.Context, ready *readiness.Coordinator, pool *catalog.Pool, chroma *vector.Client) {
	chromaOK := true
	if chroma.Configured() {
		chromaOK = chroma.Health(ctx)
	}
	ready.Observe(pool.Ready(), chromaOK)
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
