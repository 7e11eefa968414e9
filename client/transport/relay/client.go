// Package relay connects a participant to the room relay over a websocket.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultFrameSize matches the relay read limit.
	DefaultFrameSize = 64 * 1024

	// frameOverhead is reserved in every frame for the datagram envelope.
	frameOverhead = 512

	defaultHandshakeTimeout  = 5 * time.Second
	defaultWriteDeadline     = 5 * time.Second
	defaultCloseDeadline     = 2 * time.Second
	defaultReadDeadline      = 15 * time.Second
	defaultTXQueue           = 64
	defaultFirstRosterWindow = 5 * time.Second
)

var (
	ErrDial   = errors.New("unable to connect to relay")
	ErrRoster = errors.New("relay did not send roster")
)

type Config struct {
	Logger *zerolog.Logger
	// URL is the relay base address, e.g. ws://localhost:8888.
	URL      string
	Room     string
	Identity string
	// FrameSize is the relay frame ceiling, DefaultFrameSize if zero.
	FrameSize int
}

// Client is a transport.Channel backed by the relay.
type Client struct {
	conn     *websocket.Conn
	identity string
	maxData  int
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tx     chan model.Datagram
	done   chan struct{}
	once   *sync.Once

	mx       *sync.RWMutex
	roster   []model.Participant
	onData   transport.DataFunc
	onRoster transport.RosterFunc
}

// Dial connects to the relay and waits for the first roster snapshot.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	u = u.JoinPath("data", "room", cfg.Room, "user", cfg.Identity)

	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	logger := cfg.Logger.With().
		Str("component", "relay-client").
		Str("identity", cfg.Identity).
		Logger()

	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: status %s", err, resp.Status)
		}
		return nil, errors.Join(ErrDial, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		identity: cfg.Identity,
		maxData:  base64.StdEncoding.DecodedLen(frameSize - frameOverhead),
		logger:   logger,
		ctx:      cctx,
		cancel:   cancel,
		tx:       make(chan model.Datagram, defaultTXQueue),
		done:     make(chan struct{}),
		once:     &sync.Once{},
		mx:       &sync.RWMutex{},
	}

	first := make(chan struct{})
	var firstOnce sync.Once
	c.onRoster = func([]model.Participant) { firstOnce.Do(func() { close(first) }) }

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go c.receiver(wg, int64(frameSize))
	go c.sender(wg)
	go func() {
		wg.Wait()
		close(c.done)
	}()

	t := time.NewTimer(defaultFirstRosterWindow)
	defer t.Stop()
	select {
	case <-first:
		logger.Debug().Msg("connected to relay")
		return c, nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-t.C:
		err = ErrRoster
	case <-c.done:
		err = ErrRoster
	}
	_ = c.Close()
	return nil, errors.Join(ErrDial, err)
}

func (c *Client) Send(ctx context.Context, data []byte, opts transport.SendOptions) error {
	if len(data) > c.maxData {
		return fmt.Errorf("%w: %d > %d", transport.ErrTooLarge, len(data), c.maxData)
	}
	return c.enqueue(ctx, model.Datagram{
		DST:      opts.Destination,
		Topic:    opts.Topic,
		Reliable: opts.Reliable,
		Data:     data,
	})
}

// PublishSources tells the room which tracks the participant publishes.
func (c *Client) PublishSources(ctx context.Context, sources ...string) error {
	if sources == nil {
		sources = []string{}
	}
	b, err := json.Marshal(&model.PublishUpdate{Sources: sources})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, model.Datagram{Topic: model.TopicPublish, Reliable: true, Data: b})
}

func (c *Client) enqueue(ctx context.Context, dg model.Datagram) error {
	select {
	case <-c.ctx.Done():
		return transport.ErrClosed
	default:
	}
	select {
	case c.tx <- dg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return transport.ErrClosed
	}
}

func (c *Client) OnData(fn transport.DataFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onData = fn
}

func (c *Client) OnRoster(fn transport.RosterFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onRoster = fn
}

func (c *Client) Roster() []model.Participant {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.roster)
}

func (c *Client) LocalIdentity() string {
	return c.identity
}

func (c *Client) MaxDatagramSize() int {
	return c.maxData
}

// Done is closed once connection to the relay is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	err := transport.ErrClosed
	c.once.Do(func() {
		err = nil
		c.cancel()
		wsErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseDeadline))
		if wsErr != nil {
			c.logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
		if wsErr = c.conn.Close(); wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	})
	return err
}

func (c *Client) sender(wg *sync.WaitGroup) {
	defer wg.Done()
SendLoop:
	for {
		select {
		case <-c.ctx.Done():
			break SendLoop
		case dg := <-c.tx:
			b, err := json.Marshal(&dg)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshal outgoing datagram")
				continue
			}
			if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err = c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing datagram")
				break SendLoop
			}
			c.logger.Trace().Str("topic", dg.Topic).Str("dst", dg.DST).Msg("datagram sent")
		}
	}
	c.cancel()
}

func (c *Client) receiver(wg *sync.WaitGroup, limit int64) {
	defer func() {
		c.cancel()
		wg.Done()
	}()

	c.conn.SetReadLimit(limit)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(defaultReadDeadline))
	}
	c.conn.SetPingHandler(func(appData string) error {
		c.logger.Trace().Msg("got ping")
		if err := extend(); err != nil {
			return err
		}
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteDeadline))
	})
	if err := extend(); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn().Err(err).Msg("relay closed connection")
				} else {
					c.logger.Error().Err(err).Msg("unexpected error during receive")
				}
			}
			return
		}

		var dg model.Datagram
		if err = json.Unmarshal(msg, &dg); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshal incoming datagram")
			continue
		}
		if dg.Topic == model.TopicRoster {
			c.updateRoster(dg.Data)
			continue
		}

		c.mx.RLock()
		fn := c.onData
		c.mx.RUnlock()
		if fn != nil {
			fn(dg.Data, dg.SRC, dg.Topic)
		}
	}
}

func (c *Client) updateRoster(data []byte) {
	var upd model.RosterUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal roster")
		return
	}
	c.mx.Lock()
	c.roster = upd.Participants
	fn := c.onRoster
	c.mx.Unlock()

	c.logger.Trace().Int("participants", len(upd.Participants)).Msg("roster updated")
	if fn != nil {
		fn(slices.Clone(upd.Participants))
	}
}
