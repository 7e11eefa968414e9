package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errNoTopic     = errors.New("datagram has no topic")
	errSystemTopic = errors.New("topic is reserved for relay")
	errLoopback    = errors.New("datagram is addressed to its sender")
)

// peer is the websocket end of one participant relay session.
type peer struct {
	conn           *websocket.Conn
	roomID         string
	userID         string
	maxMessageSize int64
	logger         zerolog.Logger

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

func newPeer(conn *websocket.Conn, roomID, userID string, maxMessageSize int64, logger *zerolog.Logger) *peer {
	return &peer{
		conn:           conn,
		roomID:         roomID,
		userID:         userID,
		maxMessageSize: maxMessageSize,
		logger: logger.With().
			Str("roomID", roomID).
			Str("userID", userID).
			Logger(),
	}
}

// serve pumps datagrams between the websocket and the wire until either side
// is done, then closes the connection.
func (p *peer) serve(ctx context.Context, cancel context.CancelFunc, wire model.Wire) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.receiveLoop(ctx, wire.RX)
		cancel()
	}()
	go func() {
		defer wg.Done()
		p.sendLoop(ctx, wire.TX)
		cancel()
	}()
	wg.Wait()

	p.close(websocket.CloseNormalClosure)
	p.logger.Debug().
		Int64("received", p.received.Load()).
		Int64("sent", p.sent.Load()).
		Int64("dropped", p.dropped.Load()).
		Msg("websocket session stats")
}

func (p *peer) sendLoop(ctx context.Context, tx <-chan model.Datagram) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := p.write(websocket.PingMessage, nil, defaultWebSocketWriteDeadline); err != nil {
				p.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			p.logger.Trace().Msg("ping sent")
		case dg, ok := <-tx:
			if !ok {
				return
			}
			if err := p.deliver(dg); err != nil {
				p.logger.Error().Err(err).Str("topic", dg.Topic).Msg("failed to deliver datagram")
				return
			}
		}
	}
}

// deliver writes datagram routed to this participant.
func (p *peer) deliver(dg model.Datagram) error {
	if dg.SRC == p.userID {
		p.dropped.Add(1)
		p.logger.Debug().Str("topic", dg.Topic).Msg("own datagram came back, dropped")
		return nil
	}
	b, err := json.Marshal(&dg)
	if err != nil {
		return err
	}
	if err = p.write(websocket.TextMessage, b, defaultWebSocketWriteDeadline); err != nil {
		return err
	}
	p.sent.Add(1)
	if dg.Topic == model.TopicRoster {
		p.logger.Trace().Msg("roster delivered")
	}
	return nil
}

func (p *peer) receiveLoop(ctx context.Context, rx chan<- model.Datagram) {
	p.conn.SetReadLimit(p.maxMessageSize)
	p.conn.SetPongHandler(func(string) error {
		p.logger.Trace().Msg("got pong")
		return p.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := p.conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		p.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug().Err(err).Msg("connection closed")
			} else {
				p.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		dg, err := p.accept(msg)
		if err != nil {
			p.dropped.Add(1)
			p.logger.Debug().Err(err).Msg("incoming datagram dropped")
			continue
		}
		p.received.Add(1)
		select {
		case rx <- dg:
		case <-ctx.Done():
			return
		}
	}
}

// accept decodes datagram sent by participant and stamps its source.
// Of system topics participants may only publish their sources.
func (p *peer) accept(msg []byte) (model.Datagram, error) {
	var dg model.Datagram
	if err := json.Unmarshal(msg, &dg); err != nil {
		return dg, err
	}
	switch {
	case dg.Topic == "":
		return dg, errNoTopic
	case model.IsSystemTopic(dg.Topic) && dg.Topic != model.TopicPublish:
		return dg, errSystemTopic
	case dg.DST == p.userID:
		return dg, errLoopback
	}
	dg.SRC = p.userID
	return dg, nil
}

func (p *peer) write(messageType int, data []byte, deadline time.Duration) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}

func (p *peer) close(code int) {
	err := p.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), defaultWebSocketCloseWriteDeadline)
	if err != nil {
		p.logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err = p.conn.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
