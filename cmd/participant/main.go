package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/media"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/reliability"
	repositories "peerlink/internal/infrastructure/repositories"
	signalclient "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/auth"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/clock"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	peerID := flag.String("peer-id", "", "participant peer id (random when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	localID := domain.PeerID(*peerID)
	if localID == "" {
		localID = domain.PeerID("peer-" + uuid.NewString()[:8])
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	repoFactory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	presence := repoFactory.CreatePresenceRepository()

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	token, err := tokens.Generate(string(localID), cfg.Signaling.RoomID)
	if err != nil {
		log.Fatalw("failed to generate room token", "error", err)
	}

	wsClient := signalclient.NewWebSocketClient(signalclient.ClientConfig{
		URL:                 cfg.Signaling.URL,
		PeerID:              localID,
		RoomID:              cfg.Signaling.RoomID,
		Token:               token,
		WriteTimeout:        cfg.Signaling.WriteTimeout,
		PingInterval:        cfg.Signaling.PingInterval,
		PongTimeout:         cfg.Signaling.PongTimeout,
		CandidatesPerSecond: cfg.Signaling.CandidatesPerSecond,
		CandidateBurst:      cfg.Signaling.CandidateBurst,
	}, log)

	transport := reliability.NewResilientTransport(
		wsClient,
		retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		circuitbreaker.DefaultConfig(),
		log,
	)

	pcFactory, err := webrtcinfra.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	clk := clock.New()
	registry := services.NewSessionRegistry(clk, log)
	governor := services.NewGovernor(services.GovernorConfig{
		MinInterval:   cfg.Retry.MinInterval,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		Window:        cfg.Retry.Window,
		BlockDuration: cfg.Retry.BlockDuration,
		HardCap:       cfg.Retry.HardCap,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		Multiplier:    cfg.Retry.Multiplier,
		LatencyScale:  cfg.Retry.LatencyScale,
	}, clk, log)

	checker := monitoring.NewHealthChecker(log)
	checker.AddTransportCheck(transport, 30*time.Second, 2*time.Second)
	checker.AddPresenceCheck(presence, cfg.Signaling.RoomID, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}

	diagnostics := monitoring.NewDiagnostics(monitoring.DiagnosticsConfig{
		Address:           cfg.Monitoring.DiagnosticsAddress,
		PrometheusEnabled: cfg.Monitoring.PrometheusEnabled,
		TracingEnabled:    cfg.Tracing.Enabled,
		RateLimitPerSec:   10,
		RateLimitBurst:    20,
	}, registry, presence, checker, tokens, log)

	collector := monitoring.NewPrometheusCollector()

	events := collector.Hook(domain.Events{
		ParticipantLeft: func(id domain.PeerID) {
			diagnostics.Forget(id)
			log.Infow("host session ended", "remote_id", id)
		},
		ConnectionFailed: func(id domain.PeerID, sessionErr *domain.SessionError, snapshot domain.HealthSnapshot) {
			diagnostics.ObserveFailure(id, sessionErr)
			log.Warnw("connection failed", "remote_id", id, "error", sessionErr)
		},
		Health: diagnostics.ObserveHealth,
	})

	source := media.NewSyntheticSource(log)

	orchestrator := services.NewParticipantOrchestrator(services.ParticipantConfig{
		LocalID: localID,
		Constraints: domain.MediaConstraints{
			Width:     cfg.Media.Width,
			Height:    cfg.Media.Height,
			FrameRate: cfg.Media.FrameRate,
			Audio:     cfg.Media.Audio,
		},
		WithAudio: cfg.Media.Audio,
		Health: services.HealthConfig{
			CheckingTimeout:     cfg.Health.CheckingTimeout,
			GatheringTimeout:    cfg.Health.GatheringTimeout,
			DisconnectedTimeout: cfg.Health.DisconnectedTimeout,
			StuckHandshake:      cfg.Health.StuckHandshake,
		},
		TrackHealth: services.TrackHealthConfig{
			RecoveryAttempts: cfg.Media.RecoveryAttempts,
			RecoveryBackoff:  cfg.Media.RecoveryBackoff,
			PollInterval:     cfg.Media.PollInterval,
			LivenessDeadline: cfg.Media.LivenessDeadline,
		},
		ForcedFlushDelay: cfg.IceBuffer.ForcedFlushDelay,
	}, registry, pcFactory, transport, source, governor, events, clk, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := wsClient.Connect(ctx); err != nil {
		log.Fatalw("failed to connect to signaling relay", "error", err)
	}
	defer wsClient.Close()

	orchestrator.Start(ctx)
	diagnostics.Start()
	checker.StartBackgroundChecks(ctx)

	log.Infow("participant running",
		"peer_id", localID,
		"room_id", cfg.Signaling.RoomID,
		"signaling_url", cfg.Signaling.URL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			// Capture devices go stale across suspend cycles without firing
			// mute or ended. SIGHUP forces a liveness sweep.
			log.Info("revalidating tracks on SIGHUP")
			orchestrator.RevalidateTracks()
			continue
		}
		log.Infow("received shutdown signal", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := diagnostics.Shutdown(shutdownCtx); err != nil {
		log.Errorw("diagnostics shutdown failed", "error", err)
	}
	if err := orchestrator.Close(); err != nil {
		log.Errorw("orchestrator close failed", "error", err)
	}
	log.Info("participant stopped")
}
