package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	labelReliable = "reliable"
	labelLossy    = "lossy"

	// maxHeld bounds reliable frames kept while waiting for the switch marker.
	maxHeld = 1024
)

var ErrLinkDown = errors.New("peer link is not open")

// Link is a peer connection to one participant carrying two data channels:
// an ordered reliable one and an unordered one without retransmits.
//
// Reliable traffic moves from the room channel to the link in one step per
// direction. Before its first reliable frame the sender puts a switch marker
// on the room channel, and the receiver holds reliable frames of the link
// until that marker shows up, so everything relayed earlier is delivered
// first.
type Link struct {
	peer        string
	pc          *webrtc.PeerConnection
	logger      zerolog.Logger
	deliver     func(dg model.Datagram)
	holdTimeout time.Duration

	mx       *sync.RWMutex
	reliable *webrtc.DataChannel
	lossy    *webrtc.DataChannel

	// outbound switch
	smx      *sync.Mutex
	switched bool

	// inbound switch
	dmx       *sync.Mutex
	synced    bool
	held      []model.Datagram
	holdTimer *time.Timer
}

func newLink(
	peer string,
	pc *webrtc.PeerConnection,
	logger *zerolog.Logger,
	holdTimeout time.Duration,
	deliver func(model.Datagram),
) *Link {
	return &Link{
		peer:        peer,
		pc:          pc,
		logger:      logger.With().Str("peer", peer).Logger(),
		deliver:     deliver,
		holdTimeout: holdTimeout,
		mx:          &sync.RWMutex{},
		smx:         &sync.Mutex{},
		dmx:         &sync.Mutex{},
	}
}

// createChannels opens both data channels on the offering side.
func (l *Link) createChannels() error {
	rel, err := l.pc.CreateDataChannel(labelReliable, nil)
	if err != nil {
		return err
	}
	ordered := false
	retransmits := uint16(0)
	lossy, err := l.pc.CreateDataChannel(labelLossy, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return err
	}
	l.attach(rel)
	l.attach(lossy)
	return nil
}

func (l *Link) attach(dc *webrtc.DataChannel) {
	l.mx.Lock()
	switch dc.Label() {
	case labelReliable:
		l.reliable = dc
	case labelLossy:
		l.lossy = dc
	default:
		l.mx.Unlock()
		l.logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
		return
	}
	l.mx.Unlock()

	dc.OnOpen(func() {
		l.logger.Debug().Str("label", dc.Label()).Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var dg model.Datagram
		if err := json.Unmarshal(msg.Data, &dg); err != nil {
			l.logger.Debug().Err(err).Msg("failed to unmarshal peer datagram")
			return
		}
		l.receive(dg)
	})
}

// receive delivers frame read from a data channel. Reliable frames are held
// until the peer switch marker arrives.
func (l *Link) receive(dg model.Datagram) {
	dg.SRC = l.peer
	if !dg.Reliable {
		l.deliver(dg)
		return
	}

	l.dmx.Lock()
	defer l.dmx.Unlock()
	if l.synced {
		l.deliver(dg)
		return
	}
	l.held = append(l.held, dg)
	if len(l.held) >= maxHeld {
		l.logger.Warn().Int("held", len(l.held)).Msg("too many frames before switch marker, releasing")
		l.releaseLocked()
		return
	}
	if l.holdTimer == nil {
		l.holdTimer = time.AfterFunc(l.holdTimeout, func() {
			l.dmx.Lock()
			defer l.dmx.Unlock()
			if !l.synced {
				l.logger.Warn().Int("held", len(l.held)).Msg("switch marker did not arrive, releasing")
				l.releaseLocked()
			}
		})
	}
}

// switchOver is called once the peer switch marker came through the room
// channel.
func (l *Link) switchOver() {
	l.dmx.Lock()
	defer l.dmx.Unlock()
	if l.synced {
		return
	}
	l.logger.Debug().Int("held", len(l.held)).Msg("peer switched to link")
	l.releaseLocked()
}

func (l *Link) releaseLocked() {
	l.synced = true
	if l.holdTimer != nil {
		l.holdTimer.Stop()
	}
	for _, dg := range l.held {
		l.deliver(dg)
	}
	l.held = nil
}

// announce runs mark once, before the first reliable frame goes over the
// link. Failed mark is retried on the next call.
func (l *Link) announce(mark func() error) error {
	l.smx.Lock()
	defer l.smx.Unlock()
	if l.switched {
		return nil
	}
	if err := mark(); err != nil {
		return err
	}
	l.switched = true
	return nil
}

// Open reports whether the reliable channel can carry data.
func (l *Link) Open() bool {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.reliable != nil && l.reliable.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes frame to the reliable or lossy channel. A lossy send uses the
// reliable channel while the lossy one is not open.
func (l *Link) Send(frame []byte, reliable bool) error {
	l.mx.RLock()
	dc := l.reliable
	if !reliable && l.lossy != nil && l.lossy.ReadyState() == webrtc.DataChannelStateOpen {
		dc = l.lossy
	}
	l.mx.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrLinkDown
	}
	return dc.Send(frame)
}

func (l *Link) Close() error {
	l.dmx.Lock()
	if l.holdTimer != nil {
		l.holdTimer.Stop()
	}
	l.held = nil
	l.dmx.Unlock()
	return l.pc.Close()
}
