// Package transporttest provides an in-memory room for exercising protocols
// without a relay.
package transporttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/transport"
)

const DefaultMaxDatagramSize = 256 * 1024

// Sent is a datagram recorded by a Channel.
type Sent struct {
	Data []byte
	Opts transport.SendOptions
}

// Hub is an in-memory room. Delivery is synchronous on the sender goroutine.
type Hub struct {
	mx       sync.Mutex
	channels map[string]*Channel
	clock    time.Time
	maxSize  int
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*Channel),
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		maxSize:  DefaultMaxDatagramSize,
	}
}

// SetMaxDatagramSize changes ceiling reported by channels joined after the call.
func (h *Hub) SetMaxDatagramSize(n int) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.maxSize = n
}

// Join connects participant. Each join is one second later than the previous.
func (h *Hub) Join(id, name string) *Channel {
	h.mx.Lock()
	h.clock = h.clock.Add(time.Second)
	ch := &Channel{
		hub:     h,
		maxSize: h.maxSize,
		self: model.Participant{
			ID:        id,
			Name:      name,
			JoinedAt:  h.clock,
			Connected: true,
		},
	}
	h.channels[id] = ch
	h.mx.Unlock()

	h.notifyRoster()
	return ch
}

// Leave disconnects participant as if their transport went away.
func (h *Hub) Leave(id string) {
	h.mx.Lock()
	_, ok := h.channels[id]
	delete(h.channels, id)
	h.mx.Unlock()
	if ok {
		h.notifyRoster()
	}
}

func (h *Hub) SetSources(id string, sources ...string) {
	h.mx.Lock()
	ch, ok := h.channels[id]
	if ok {
		ch.mx.Lock()
		ch.self.Sources = sources
		ch.mx.Unlock()
	}
	h.mx.Unlock()
	if ok {
		h.notifyRoster()
	}
}

func (h *Hub) Roster() []model.Participant {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.roster()
}

func (h *Hub) roster() []model.Participant {
	roster := make([]model.Participant, 0, len(h.channels))
	for _, ch := range h.channels {
		ch.mx.Lock()
		p := ch.self
		ch.mx.Unlock()
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].ID < roster[j].ID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

func (h *Hub) notifyRoster() {
	h.mx.Lock()
	roster := h.roster()
	chans := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		chans = append(chans, ch)
	}
	h.mx.Unlock()

	for _, ch := range chans {
		ch.deliverRoster(roster)
	}
}

func (h *Hub) deliver(src string, data []byte, opts transport.SendOptions) error {
	h.mx.Lock()
	var targets []*Channel
	if opts.Destination != "" {
		ch, ok := h.channels[opts.Destination]
		if !ok {
			h.mx.Unlock()
			return transport.ErrUnreachable
		}
		targets = append(targets, ch)
	} else {
		for id, ch := range h.channels {
			if id != src {
				targets = append(targets, ch)
			}
		}
	}
	h.mx.Unlock()

	for _, ch := range targets {
		ch.deliverData(data, src, opts.Topic)
	}
	return nil
}

// Channel is the Hub side of one participant.
type Channel struct {
	hub     *Hub
	maxSize int

	mx       sync.Mutex
	self     model.Participant
	onData   transport.DataFunc
	onRoster transport.RosterFunc
	sent     []Sent
	sendErr  error
	closed   bool
	closes   int
}

func (ch *Channel) Send(_ context.Context, data []byte, opts transport.SendOptions) error {
	ch.mx.Lock()
	if ch.closed {
		ch.mx.Unlock()
		return transport.ErrClosed
	}
	if ch.sendErr != nil {
		err := ch.sendErr
		ch.mx.Unlock()
		return err
	}
	if len(data) > ch.maxSize {
		ch.mx.Unlock()
		return transport.ErrTooLarge
	}
	ch.sent = append(ch.sent, Sent{Data: append([]byte(nil), data...), Opts: opts})
	id := ch.self.ID
	ch.mx.Unlock()

	return ch.hub.deliver(id, data, opts)
}

func (ch *Channel) OnData(fn transport.DataFunc) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	ch.onData = fn
}

func (ch *Channel) OnRoster(fn transport.RosterFunc) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	ch.onRoster = fn
}

func (ch *Channel) Roster() []model.Participant {
	return ch.hub.Roster()
}

func (ch *Channel) LocalIdentity() string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.self.ID
}

func (ch *Channel) MaxDatagramSize() int {
	return ch.maxSize
}

func (ch *Channel) Close() error {
	ch.mx.Lock()
	ch.closes++
	if ch.closed {
		ch.mx.Unlock()
		return transport.ErrClosed
	}
	ch.closed = true
	id := ch.self.ID
	ch.mx.Unlock()

	ch.hub.Leave(id)
	return nil
}

// FailSends makes every following Send return err. Nil restores delivery.
func (ch *Channel) FailSends(err error) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	ch.sendErr = err
}

// Sent returns datagrams successfully handed to the hub.
func (ch *Channel) Sent() []Sent {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return append([]Sent(nil), ch.sent...)
}

// Closes counts Close calls.
func (ch *Channel) Closes() int {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.closes
}

func (ch *Channel) deliverData(data []byte, sender, topic string) {
	ch.mx.Lock()
	fn := ch.onData
	closed := ch.closed
	ch.mx.Unlock()
	if fn != nil && !closed {
		fn(data, sender, topic)
	}
}

func (ch *Channel) deliverRoster(roster []model.Participant) {
	ch.mx.Lock()
	fn := ch.onRoster
	ch.mx.Unlock()
	if fn != nil {
		fn(roster)
	}
}
