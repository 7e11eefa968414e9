package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/api"
	"github.com/adwski/huddle/client/protocol/filetransfer"
	"github.com/adwski/huddle/client/roomid"
	"github.com/adwski/huddle/client/session"
	"github.com/adwski/huddle/client/transport"
	"github.com/adwski/huddle/client/transport/relay"
	"github.com/adwski/huddle/client/transport/rtc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	transportRelay = "relay"
	transportMesh  = "mesh"

	defaultDialTimeout = 10 * time.Second
	defaultLeaveWindow = 10 * time.Second
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiURL      = fs.StringP("api-url", "a", envOr("HUDDLE_API_URL", "http://localhost:8080"), "room api address")
		relayURL    = fs.StringP("relay-url", "w", envOr("HUDDLE_RELAY_URL", "ws://localhost:8888"), "relay websocket address")
		room        = fs.StringP("room", "r", envOr("HUDDLE_ROOM", ""), "room id, a new one is generated if empty")
		name        = fs.StringP("name", "n", envOr("HUDDLE_NAME", "guest"), "display name")
		mode        = fs.StringP("transport", "t", envOr("HUDDLE_TRANSPORT", transportRelay), "datagram transport: relay or mesh")
		iceServers  = fs.StringSlice("ice-server", nil, "ice server urls for mesh transport")
		downloads   = fs.StringP("download-dir", "d", envOr("HUDDLE_DOWNLOAD_DIR", "downloads"), "where received files are saved")
		maxFileSize = fs.Int64("max-file-size", int64(envInt("HUDDLE_MAX_FILE_SIZE", filetransfer.DefaultMaxSize)), "largest file that can be sent")
		logLevel    = fs.StringP("log-level", "l", envOr("HUDDLE_LOG_LEVEL", "info"), "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *room == "" {
		*room = roomid.New()
	} else if !roomid.Valid(*room) {
		logger.Warn().Str("room", *room).Msg("room id has unusual format")
	}
	identity := roomid.Identity(*name)
	logger = logger.With().Str("room", *room).Str("identity", identity).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiClient, err := api.New(api.Config{Logger: &logger, URL: *apiURL})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create api client")
	}
	if err = apiClient.JoinRoom(ctx, *room, identity, *name); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, defaultDialTimeout)
	relayClient, err := relay.Dial(dialCtx, relay.Config{
		Logger:   &logger,
		URL:      *relayURL,
		Room:     *room,
		Identity: identity,
	})
	dialCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relay")
	}

	var ch transport.Channel = relayClient
	switch *mode {
	case transportRelay:
	case transportMesh:
		ch = rtc.New(rtc.Config{
			Logger:     &logger,
			Channel:    relayClient,
			ICEServers: *iceServers,
		})
	default:
		_ = relayClient.Close()
		logger.Fatal().Str("transport", *mode).Msg("unknown transport")
	}
	if err = relayClient.PublishSources(ctx, model.SourceCamera); err != nil {
		logger.Error().Err(err).Msg("failed to publish camera")
	}

	out := newConsole(os.Stdout)
	sess, err := session.New(session.Config{
		Logger:      &logger,
		Channel:     ch,
		Notifier:    out,
		Room:        *room,
		Name:        *name,
		Store:       apiClient,
		MaxFileSize: *maxFileSize,
		OnFile: func(f filetransfer.File) {
			saveFile(&logger, out, *downloads, f)
		},
	})
	if err != nil {
		_ = ch.Close()
		logger.Fatal().Err(err).Msg("failed to start session")
	}

	out.Printf("joined room %s as %s (%s transport)", *room, roomid.StripPostfix(identity), *mode)
	go func() {
		_ = sess.Join(ctx)
	}()

	app := &app{
		sess:   sess,
		relay:  relayClient,
		store:  apiClient,
		out:    out,
		logger: logger,
		room:   *room,
	}
	app.run(ctx, os.Stdin)

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), defaultLeaveWindow)
	defer leaveCancel()
	sess.Leave(leaveCtx)
	if reason := sess.Reason(); reason != nil && !errors.Is(reason, session.ErrLeft) {
		logger.Warn().Err(reason).Msg("session ended")
	}
}

func saveFile(logger *zerolog.Logger, out *console, dir string, f filetransfer.File) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create download dir")
		return
	}
	path := filepath.Join(dir, f.FileID+"_"+filepath.Base(f.Name))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("failed to save received file")
		return
	}
	out.Printf("saved to %s", path)
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
		fmt.Fprintf(os.Stderr, "ignoring %s: %v\n", key, err)
		return def
	}
	return n
}
