package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultRelaySessionCloseTimeout = 2 * time.Second

	// DefaultMaxMessageSize is the per-datagram ceiling of the relay.
	// It bounds the whole JSON frame, so base64 payloads get ~3/4 of it.
	DefaultMaxMessageSize = 64 * 1024

	defaultWebsocketReadBufferSize     = 16 * 1024
	defaultWebsocketWriteBufferSize    = 16 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		CreateRelaySession(context.Context, string, string, model.Wire) error
		DeleteRelaySession(context.Context, string, string) error
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		ListenAddr     string
		MaxMessageSize int64
	}

	Server struct {
		svc            RelayService
		ws             *websocket.Upgrader
		maxMessageSize int64
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	maxMessageSize := cfg.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.RelayService,
		maxMessageSize: maxMessageSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data/room/{roomID}/user/{userID}", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID := r.PathValue("userID")
	if roomID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := newPeer(conn, roomID, userID, srv.maxMessageSize, &srv.logger)

	wire := model.NewWire()
	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context

	if err = srv.svc.CreateRelaySession(ctx, roomID, userID, wire); err != nil {
		p.logger.Error().Err(err).Msg("failed to create relay session")
		cancel()
		p.close(websocket.ClosePolicyViolation)
		return
	}
	p.logger.Debug().Msg("relay session created")

	go func() {
		p.serve(ctx, cancel, wire)
		srv.destroySession(p)
	}()
}

func (srv *Server) destroySession(p *peer) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRelaySessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteRelaySession(ctx, p.roomID, p.userID); err != nil {
		p.logger.Error().Err(err).Msg("failed to delete relay session")
		return
	}
	p.logger.Debug().Msg("relay session ended")
}
