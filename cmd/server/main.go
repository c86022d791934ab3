// Package main runs the live session HTTP server with WebSocket signaling and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elraffme/oloo-live/config"
	"github.com/elraffme/oloo-live/internal/middleware"
	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/internal/session"
	"github.com/elraffme/oloo-live/internal/signaling"
	"github.com/elraffme/oloo-live/internal/tokens"
	"github.com/elraffme/oloo-live/internal/transport"
	"github.com/elraffme/oloo-live/internal/worker"
	"github.com/elraffme/oloo-live/pkg/database"
	"github.com/elraffme/oloo-live/pkg/queue"
	"github.com/elraffme/oloo-live/pkg/redis"
	"github.com/elraffme/oloo-live/pkg/response"
	"github.com/elraffme/oloo-live/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchivesBucket:       cfg.AWS.ArchivesBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	tokenService := tokens.NewService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	feed := registry.NewChangeFeed(rdb.Client, logger)
	hub := signaling.NewHub(logger, feed, feed)
	sfu := transport.NewSFU(logger, transport.ParseICEServers(cfg.WebRTC.ICEUrls))

	sessionRepo := registry.NewSessions(pool)
	participantRepo := registry.NewParticipants(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	orch := session.NewOrchestrator(session.OrchestratorConfig{
		ProducerWait:          cfg.Live.ProducerWait,
		ChannelConnectWait:    cfg.Live.ChannelConnectWait,
		InactivityTimeout:     cfg.Live.InactivityTimeout,
		InactivityInterval:    cfg.Live.InactivityInterval,
		ViewerCountInterval:   cfg.Live.ViewerCountInterval,
		ChannelHealthInterval: cfg.Live.ChannelHealthInterval,
	}, sessionRepo, participantRepo, feed, sfu, jobQueue, hub, tokenService,
		func(sessionID uuid.UUID) session.Channel {
			return signaling.NewHostChannel(hub, sessionID)
		}, logger)
	sessionHandler := session.NewHandler(orch, tokenService, s3Client)

	// Media flags often arrive over signaling before the track does; the SFU
	// hook is the ground-truth announcement once packets actually land.
	sfu.SetViewerTrackHandler(func(sessionID uuid.UUID, participantID string, kind transport.TrackKind) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		row, err := participantRepo.Get(ctx, sessionID, participantID)
		if err != nil || row == nil {
			return
		}
		camera := row.CameraEnabled || kind == transport.KindCamera
		mic := row.MicEnabled || kind == transport.KindMic
		if err := participantRepo.SetMediaFlags(ctx, sessionID, participantID, camera, mic); err != nil {
			logger.Warn("media flags write failed", zap.Error(err))
			return
		}
		row.CameraEnabled, row.MicEnabled = camera, mic
		if err := feed.Publish(ctx, registry.Event{
			Kind:        registry.EventParticipantMedia,
			SessionID:   sessionID,
			Participant: row,
			At:          time.Now(),
		}); err != nil {
			logger.Warn("viewer track announce failed", zap.Error(err))
		}
	})

	archiveExporter := worker.NewArchiveExporter(sessionRepo, participantRepo, s3Client, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Healthy(ctx); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		if err := pool.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	sessionHandler.RegisterRoutes(router)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", signaling.ServeWs(hub, logger, tokenService.Validate, sfu, signaling.Deps{
		Flags: participantRepo,
		Likes: sessionRepo,
		Feed:  feed,
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (archive export to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go archiveExporter.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	orch.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
