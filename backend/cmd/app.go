package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/proctor-relay/backend/config"
	"github.com/adwski/proctor-relay/backend/metrics"
	httpServer "github.com/adwski/proctor-relay/backend/server/http"
	websocketServer "github.com/adwski/proctor-relay/backend/server/websocket"
	"github.com/adwski/proctor-relay/backend/service"
	"github.com/adwski/proctor-relay/backend/storage/file"
	store "github.com/adwski/proctor-relay/backend/storage/memory"
	sw "github.com/adwski/proctor-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "path to yaml config")
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(config.DeterminePath(*configPath), fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	if cfg.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		}
		defer func() { _ = rotated.Close() }()
		logger = logger.Output(zerolog.MultiLevelWriter(os.Stdout, io.Writer(rotated)))
	}
	logger = logger.Level(lvl)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	var chunks service.ChunkStore
	if cfg.Chunks.Enabled {
		fileStore, errS := file.NewChunkStore(cfg.Chunks.Dir)
		if errS != nil {
			logger.Fatal().Err(errS).Msg("failed to init chunk store")
		}
		logger.Info().Str("dir", cfg.Chunks.Dir).Msg("stream chunks are stored on disk")
		chunks = fileStore
	}

	svc := service.NewService(service.Config{
		RoomRegistry: store.NewRegistry(cfg.Relay.HistoryLimit),
		Switch:       sw.NewSwitch(sw.Config{Logger: &logger, Metrics: m}),
		ChunkStore:   chunks,
		Metrics:      m,
		Logger:       &logger,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:            &logger,
		RelayService:      svc,
		Metrics:           m,
		AllowedOrigin:     cfg.HTTP.AllowedOrigin,
		ReadBufferSize:    cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   cfg.WebSocket.WriteBufferSize,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		OutboundQueueSize: cfg.WebSocket.OutboundQueueSize,
		PingInterval:      cfg.WebSocket.PingInterval,
		PongWait:          cfg.WebSocket.PongWait,
		WriteDeadline:     cfg.WebSocket.WriteDeadline,
		RejectUnjoined:    cfg.Relay.RejectUnjoined,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		RoomService:      svc,
		ListenAddr:       cfg.ListenAddr(),
		WebSocket:        wsSrv,
		Metrics:          metrics.Handler(reg),
		AllowedOrigin:    cfg.HTTP.AllowedOrigin,
		StaticDir:        cfg.HTTP.StaticDir,
		ReadTimeout:      cfg.HTTP.ReadTimeout,
		ShutdownDeadline: cfg.HTTP.ShutdownDeadline,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	wsSrv.Close()
}
