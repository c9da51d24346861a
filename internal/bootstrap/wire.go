package bootstrap

import (
	"fmt"
	"log/slog"

	"convopipe/internal/artifacts"
	"convopipe/internal/audio"
	"convopipe/internal/auth"
	"convopipe/internal/cache"
	"convopipe/internal/config"
	"convopipe/internal/eventbus"
	"convopipe/internal/mcpserver"
	"convopipe/internal/poller"
	"convopipe/internal/ports"
	"convopipe/internal/relay"
	"convopipe/internal/store"
	"convopipe/internal/transport"
	"convopipe/internal/usecase"
)

// Version is reported by the MCP server.
var Version = "dev"

// Services is the assembled runtime graph.
type Services struct {
	Config       config.Config
	Bus          *eventbus.Bus
	Orchestrator *usecase.SessionOrchestrator
	Results      *usecase.ResultsLoader
	Cache        *cache.ResultCache
	Relay        *relay.Server
	MCP          *mcpserver.Server
	Store        *store.Store
	Artifacts    *artifacts.Store
	Client       *transport.Client
}

// Options replace runtime collaborators, mainly for tests.
type Options struct {
	Logger  *slog.Logger
	Capture ports.AudioCapture
}

// Build loads configuration and wires all backend dependencies.
func Build(opts Options) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return BuildWithConfig(cfg, opts)
}

// BuildWithConfig wires all backend dependencies for cfg.
func BuildWithConfig(cfg config.Config, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	artifactStore, err := artifacts.Open(cfg.Storage.ArtifactDir)
	if err != nil {
		return nil, err
	}
	sessionStore, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	credentials := auth.Chain{
		auth.NewStatic(cfg.Auth.Token),
		auth.NewFile(cfg.Auth.TokenFile),
	}

	client := transport.NewClient(transport.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout,
		UploadTimeout: cfg.API.UploadTimeout,
	}, credentials)

	policy := transport.DefaultPolicy()
	policy.MaxRetries = cfg.API.MaxRetries
	reads := transport.NewRetrying(client, client, policy, logger.With("component", "transport"))

	resultCache := cache.New(cache.Options{
		Validity:      cfg.Cache.Validity,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        logger.With("component", "cache"),
	})

	bus := eventbus.New(logger.With("component", "eventbus"))

	capture := opts.Capture
	if capture == nil {
		capture = audio.NewRecorder(
			audio.NewFFMPEGDevice(cfg.Audio.RecorderCommand),
			audio.StaticPermission{Granted: cfg.Audio.PermissionGranted},
			artifactStore,
			audio.RecorderConfig{
				Audio: ports.AudioConfig{
					SampleRate:  cfg.Audio.SampleRate,
					Channels:    cfg.Audio.Channels,
					InputFormat: cfg.Audio.InputFormat,
					InputDevice: cfg.Audio.InputDevice,
				},
				TickInterval: cfg.Audio.TickInterval,
				Logger:       logger.With("component", "audio"),
			},
		)
	}

	analysisPoller := poller.New(client, reads, poller.Config{
		InitialGrace: cfg.Poll.InitialGrace,
		Interval:     cfg.Poll.Interval,
		MaxAttempts:  cfg.Poll.MaxAttempts,
	}, logger.With("component", "poller"))
	logger.Debug("analysis polling configured", "max_wait", analysisPoller.Config().MaxDuration())

	orchestrator := usecase.NewSessionOrchestrator(usecase.Deps{
		Capture:     capture,
		Artifacts:   artifactStore,
		Uploader:    client,
		Poller:      analysisPoller,
		Deleter:     client,
		Credentials: credentials,
		Results:     resultCache,
		Events:      bus,
		Store:       sessionStore,
	}, usecase.Config{
		ImportPatterns: cfg.Import.Patterns,
		Logger:         logger.With("component", "orchestrator"),
	})

	results := usecase.NewResultsLoader(resultCache, reads, reads, credentials)

	return &Services{
		Config:       cfg,
		Bus:          bus,
		Orchestrator: orchestrator,
		Results:      results,
		Cache:        resultCache,
		Relay:        relay.NewServer(bus, relay.Options{Logger: logger.With("component", "relay")}),
		MCP:          mcpserver.New(mcpserver.Config{Version: Version}, orchestrator, results, logger.With("component", "mcp")),
		Store:        sessionStore,
		Artifacts:    artifactStore,
		Client:       client,
	}, nil
}

// Close stops pipelines, waits for them to settle and releases resources.
func (s *Services) Close() error {
	s.Orchestrator.Close()
	s.Relay.Close()
	s.Cache.Close()
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

