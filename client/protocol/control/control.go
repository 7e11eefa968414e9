// Package control implements participant removal.
//
// A kick is enforced by the kicked client itself: nothing stops a removed
// participant from joining again.
package control

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/admission"
	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/transport"
	"github.com/rs/zerolog"
)

const (
	Topic      = "participant-control"
	ActionKick = "kick"
)

var (
	ErrNotAuthority = errors.New("only the room authority can remove participants")
	ErrSelf         = errors.New("cannot remove yourself")
	ErrUnknown      = errors.New("participant is not in the room")
	ErrSend         = errors.New("unable to send kick")
)

type Channel interface {
	Send(ctx context.Context, data []byte, opts transport.SendOptions) error
	Roster() []model.Participant
	LocalIdentity() string
}

type kick struct {
	Identity string `json:"identity"`
}

func (k kick) Validate() error {
	if k.Identity == "" {
		return errors.New("identity is required")
	}
	return nil
}

type Config struct {
	Logger  *zerolog.Logger
	Channel Channel
	// OnKicked is called once when local participant is removed.
	OnKicked func(by string)
}

type Protocol struct {
	ch       Channel
	logger   zerolog.Logger
	onKicked func(by string)
	once     *sync.Once
}

func New(cfg Config) *Protocol {
	onKicked := cfg.OnKicked
	if onKicked == nil {
		onKicked = func(string) {}
	}
	return &Protocol{
		ch:       cfg.Channel,
		logger:   cfg.Logger.With().Str("component", "control").Logger(),
		onKicked: onKicked,
		once:     &sync.Once{},
	}
}

// Kick removes identity from the room.
func (p *Protocol) Kick(ctx context.Context, identity string) error {
	self := p.ch.LocalIdentity()
	if identity == self {
		return ErrSelf
	}
	roster := p.ch.Roster()
	if admission.Authority(roster) != self {
		return ErrNotAuthority
	}
	found := false
	for _, participant := range roster {
		if participant.ID == identity {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknown
	}

	b, err := codec.Encode(Topic, ActionKick, kick{Identity: identity})
	if err != nil {
		return err
	}
	if err = p.ch.Send(ctx, b, transport.SendOptions{Reliable: true, Topic: Topic}); err != nil {
		return errors.Join(ErrSend, err)
	}
	p.logger.Info().Str("identity", identity).Msg("participant kicked")
	return nil
}

func (p *Protocol) Handle(sender string, msg codec.Message) error {
	if msg.Action != ActionKick {
		return nil
	}
	var k kick
	if err := msg.Bind(&k); err != nil {
		return err
	}
	if k.Identity != p.ch.LocalIdentity() {
		return nil
	}
	p.once.Do(func() {
		p.logger.Warn().Str("by", sender).Msg("removed from the room")
		p.onKicked(sender)
	})
	return nil
}
