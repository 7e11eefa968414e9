package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	httpServer "github.com/adwski/huddle/backend/server/http"
	websocketServer "github.com/adwski/huddle/backend/server/websocket"
	"github.com/adwski/huddle/backend/service"
	store "github.com/adwski/huddle/backend/storage/memory"
	"github.com/adwski/huddle/backend/storage/recordings"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", envOr("HUDDLE_API_ADDR", ":8080"), "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", envOr("HUDDLE_WS_ADDR", ":8888"), "websocket relay listen address")
		recordingsDir   = fs.StringP("recordings-dir", "r", envOr("HUDDLE_RECORDINGS_DIR", "public/recordings"), "recording metadata and media directory")
		maxParticipants = fs.IntP("max-participants", "m", envInt("HUDDLE_MAX_PARTICIPANTS", store.DefaultMaxParticipants), "max participants per room")
		maxDatagram     = fs.Int64("max-datagram-size", int64(envInt("HUDDLE_MAX_DATAGRAM_SIZE", websocketServer.DefaultMaxMessageSize)), "relay per-datagram size ceiling in bytes")
		logLevel        = fs.StringP("log-level", "l", envOr("HUDDLE_LOG_LEVEL", "debug"), "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	relaySwitch := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(*maxParticipants),
		Switch:    relaySwitch,
		Logger:    &logger,
	})
	relaySwitch.OnControl(svc.HandleControl)

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		RecordingService: recordings.NewFileStore(recordings.Config{
			Logger: &logger,
			Dir:    *recordingsDir,
		}),
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     *wsListenAddr,
		MaxMessageSize: *maxDatagram,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
