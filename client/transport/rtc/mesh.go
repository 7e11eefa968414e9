// Package rtc carries room datagrams over WebRTC data channels between every
// pair of participants.
//
// Peer connections are negotiated through the room channel it wraps:
// offers and answers travel as unicast datagrams on the rtc-signal topic,
// with all ICE candidates gathered in advance. Of every pair, the
// participant with the lower identity makes the offer. Datagrams for a peer
// without an open link go through the wrapped channel instead. A unicast
// rtc-switch marker on the wrapped channel tells the peer that reliable
// datagrams continue over the link.
package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	TopicSignal = "rtc-signal"
	TopicSwitch = "rtc-switch"

	// sctpMessageSize is the pion default max message size.
	sctpMessageSize = 65536
	frameOverhead   = 512

	DefaultLinkTimeout = 10 * time.Second

	defaultGatherTimeout = 5 * time.Second
	eventQueue           = 64
)

var ErrNegotiation = errors.New("peer negotiation failed")

var switchMarker = []byte("{}")

type Config struct {
	Logger *zerolog.Logger
	// Channel is used for signaling and as fallback path.
	Channel    transport.Channel
	ICEServers []string
	// API defaults to webrtc.NewAPI().
	API *webrtc.API
	// LinkTimeout is how long an offer may stay unanswered before it is
	// made again.
	LinkTimeout time.Duration
}

type event struct {
	peer string
	desc *webrtc.SessionDescription
	// recheck marks a timed out offer check.
	recheck bool
}

type Mesh struct {
	base        transport.Channel
	api         *webrtc.API
	config      webrtc.Configuration
	logger      zerolog.Logger
	linkTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	once   *sync.Once
	wg     *sync.WaitGroup

	mx       *sync.RWMutex
	links    map[string]*Link
	onData   transport.DataFunc
	onRoster transport.RosterFunc
}

func New(cfg Config) *Mesh {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	linkTimeout := cfg.LinkTimeout
	if linkTimeout <= 0 {
		linkTimeout = DefaultLinkTimeout
	}
	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		base:        cfg.Channel,
		api:         api,
		config:      webrtc.Configuration{ICEServers: iceServers},
		logger:      cfg.Logger.With().Str("component", "rtc-mesh").Logger(),
		linkTimeout: linkTimeout,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, eventQueue),
		once:        &sync.Once{},
		wg:          &sync.WaitGroup{},
		mx:          &sync.RWMutex{},
		links:       make(map[string]*Link),
	}

	m.wg.Add(1)
	go m.loop()

	m.base.OnData(m.handleBase)
	m.base.OnRoster(m.handleRoster)
	m.handleRoster(m.base.Roster())
	return m
}

func (m *Mesh) Send(ctx context.Context, data []byte, opts transport.SendOptions) error {
	if len(data) > m.MaxDatagramSize() {
		return transport.ErrTooLarge
	}
	select {
	case <-m.ctx.Done():
		return transport.ErrClosed
	default:
	}

	var targets []string
	if opts.Destination != "" {
		targets = []string{opts.Destination}
	} else {
		self := m.base.LocalIdentity()
		for _, p := range m.base.Roster() {
			if p.ID != self {
				targets = append(targets, p.ID)
			}
		}
	}

	frame, err := json.Marshal(&model.Datagram{Topic: opts.Topic, Reliable: opts.Reliable, Data: data})
	if err != nil {
		return err
	}

	var fallback []string
	for _, peer := range targets {
		m.mx.RLock()
		link, ok := m.links[peer]
		m.mx.RUnlock()
		if !ok || !link.Open() {
			fallback = append(fallback, peer)
			continue
		}
		if err = m.sendLink(ctx, link, frame, opts.Reliable); err != nil {
			m.logger.Debug().Err(err).Str("peer", peer).Msg("link send failed, using relay")
			fallback = append(fallback, peer)
		}
	}

	switch {
	case len(fallback) == 0:
		return nil
	case opts.Destination == "" && len(fallback) == len(targets):
		return m.base.Send(ctx, data, opts)
	}
	var errs []error
	for _, peer := range fallback {
		unicast := opts
		unicast.Destination = peer
		if err = m.base.Send(ctx, data, unicast); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) sendLink(ctx context.Context, link *Link, frame []byte, reliable bool) error {
	if reliable {
		err := link.announce(func() error {
			return m.base.Send(ctx, switchMarker, transport.SendOptions{
				Reliable:    true,
				Topic:       TopicSwitch,
				Destination: link.peer,
			})
		})
		if err != nil {
			return err
		}
	}
	return link.Send(frame, reliable)
}

func (m *Mesh) OnData(fn transport.DataFunc) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onData = fn
}

func (m *Mesh) OnRoster(fn transport.RosterFunc) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onRoster = fn
}

func (m *Mesh) Roster() []model.Participant {
	return m.base.Roster()
}

func (m *Mesh) LocalIdentity() string {
	return m.base.LocalIdentity()
}

func (m *Mesh) MaxDatagramSize() int {
	return min(m.base.MaxDatagramSize(), base64.StdEncoding.DecodedLen(sctpMessageSize-frameOverhead))
}

// Connected reports whether datagrams to peer go over a data channel.
func (m *Mesh) Connected(peer string) bool {
	m.mx.RLock()
	link, ok := m.links[peer]
	m.mx.RUnlock()
	return ok && link.Open()
}

func (m *Mesh) Close() error {
	err := transport.ErrClosed
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.mx.Lock()
		links := m.links
		m.links = make(map[string]*Link)
		m.mx.Unlock()
		for _, link := range links {
			if errL := link.Close(); errL != nil {
				m.logger.Debug().Err(errL).Str("peer", link.peer).Msg("failed to close peer connection")
			}
		}
		err = m.base.Close()
	})
	return err
}

func (m *Mesh) handleBase(data []byte, sender, topic string) {
	switch topic {
	case TopicSignal:
	case TopicSwitch:
		m.mx.RLock()
		link, ok := m.links[sender]
		m.mx.RUnlock()
		if !ok {
			m.logger.Debug().Str("sender", sender).Msg("switch marker without link")
			return
		}
		link.switchOver()
		return
	default:
		m.deliver(data, sender, topic)
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		m.logger.Debug().Err(err).Str("sender", sender).Msg("undecodable signal")
		return
	}
	m.enqueue(event{peer: sender, desc: &desc})
}

func (m *Mesh) handleRoster(roster []model.Participant) {
	self := m.base.LocalIdentity()
	present := make(map[string]struct{}, len(roster))
	for _, p := range roster {
		present[p.ID] = struct{}{}
		if p.ID == self {
			continue
		}
		m.mx.RLock()
		_, ok := m.links[p.ID]
		m.mx.RUnlock()
		if !ok && self < p.ID {
			m.enqueue(event{peer: p.ID})
		}
	}

	m.mx.Lock()
	var gone []*Link
	for peer, link := range m.links {
		if _, ok := present[peer]; !ok {
			delete(m.links, peer)
			gone = append(gone, link)
		}
	}
	fn := m.onRoster
	m.mx.Unlock()

	for _, link := range gone {
		m.logger.Debug().Str("peer", link.peer).Msg("peer left, closing link")
		_ = link.Close()
	}
	if fn != nil {
		fn(roster)
	}
}

func (m *Mesh) enqueue(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Mesh) deliver(data []byte, sender, topic string) {
	m.mx.RLock()
	fn := m.onData
	m.mx.RUnlock()
	if fn != nil {
		fn(data, sender, topic)
	}
}

func (m *Mesh) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			var err error
			switch {
			case ev.recheck:
				m.recheck(ev.peer)
			case ev.desc == nil:
				err = m.offer(ev.peer)
			case ev.desc.Type == webrtc.SDPTypeOffer:
				err = m.answer(ev.peer, *ev.desc)
			case ev.desc.Type == webrtc.SDPTypeAnswer:
				err = m.accept(ev.peer, *ev.desc)
			}
			if err != nil {
				m.logger.Error().Err(err).Str("peer", ev.peer).Msg("negotiation failed")
				m.dropLink(ev.peer, nil)
			}
		}
	}
}

func (m *Mesh) offer(peer string) error {
	m.mx.RLock()
	_, ok := m.links[peer]
	m.mx.RUnlock()
	if ok {
		return nil
	}

	link, err := m.newLink(peer)
	if err != nil {
		return err
	}
	if err = link.createChannels(); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	if err = m.describe(link, offer); err != nil {
		return err
	}
	m.logger.Debug().Str("peer", peer).Msg("offer sent")

	time.AfterFunc(m.linkTimeout, func() {
		m.enqueue(event{peer: peer, recheck: true})
	})
	return nil
}

func (m *Mesh) answer(peer string, offer webrtc.SessionDescription) error {
	// a new offer replaces whatever the peer had negotiated before
	m.dropLink(peer, nil)

	link, err := m.newLink(peer)
	if err != nil {
		return err
	}
	link.pc.OnDataChannel(link.attach)
	if err = link.pc.SetRemoteDescription(offer); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	if err = m.describe(link, answer); err != nil {
		return err
	}
	m.logger.Debug().Str("peer", peer).Msg("answer sent")
	return nil
}

func (m *Mesh) accept(peer string, answer webrtc.SessionDescription) error {
	m.mx.RLock()
	link, ok := m.links[peer]
	m.mx.RUnlock()
	if !ok {
		m.logger.Debug().Str("peer", peer).Msg("answer without offer")
		return nil
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	return nil
}

func (m *Mesh) recheck(peer string) {
	if m.Connected(peer) {
		return
	}
	m.logger.Debug().Str("peer", peer).Msg("link did not come up, offering again")
	m.dropLink(peer, nil)
	for _, p := range m.base.Roster() {
		if p.ID == peer {
			if err := m.offer(peer); err != nil {
				m.logger.Error().Err(err).Str("peer", peer).Msg("negotiation failed")
				m.dropLink(peer, nil)
			}
			return
		}
	}
}

// describe sets local description, waits for candidates and sends the
// complete description to peer.
func (m *Mesh) describe(link *Link, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(link.pc)
	if err := link.pc.SetLocalDescription(desc); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	t := time.NewTimer(defaultGatherTimeout)
	defer t.Stop()
	select {
	case <-gathered:
	case <-t.C:
		return errors.Join(ErrNegotiation, errors.New("ice gathering timed out"))
	case <-m.ctx.Done():
		return m.ctx.Err()
	}

	b, err := json.Marshal(link.pc.LocalDescription())
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	return m.base.Send(m.ctx, b, transport.SendOptions{
		Reliable:    true,
		Topic:       TopicSignal,
		Destination: link.peer,
	})
}

func (m *Mesh) newLink(peer string) (*Link, error) {
	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, errors.Join(ErrNegotiation, err)
	}
	link := newLink(peer, pc, &m.logger, m.linkTimeout, func(dg model.Datagram) {
		m.deliver(dg.Data, dg.SRC, dg.Topic)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug().Str("peer", peer).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			m.dropLink(peer, link)
		}
	})

	m.mx.Lock()
	m.links[peer] = link
	m.mx.Unlock()
	return link, nil
}

// dropLink closes link of peer. If link is not nil only that exact link is
// dropped.
func (m *Mesh) dropLink(peer string, link *Link) {
	m.mx.Lock()
	current, ok := m.links[peer]
	if !ok || (link != nil && current != link) {
		m.mx.Unlock()
		return
	}
	delete(m.links, peer)
	m.mx.Unlock()

	if err := current.Close(); err != nil {
		m.logger.Debug().Err(err).Str("peer", peer).Msg("failed to close peer connection")
	}
}
