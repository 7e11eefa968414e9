package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrGet        = errors.New("unable to get room")
	ErrNotAMember = errors.New("user is not a member of this room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID, userID, name string) (*model.Room, error)
		IsMember(roomID, userID string) (bool, error)
		Connect(roomID, userID string) error
		Leave(roomID, userID string) error
		SetSources(roomID, userID string, sources []string) error
		Roster(roomID string) ([]model.Participant, error)
	}

	Switch interface {
		Connect(ctx context.Context, roomID string, userID string, wire model.Wire) error
		Disconnect(roomID string, userID string) error
		Broadcast(ctx context.Context, dg model.Datagram, roomID string) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger

		// serializes roster snapshots so peers never observe them out of order
		rosterMx *sync.Mutex
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		rosterMx: &sync.Mutex{},
	}
}

// CreateRelaySession attaches participant's wire to the room and announces
// the new roster to everyone in it.
func (svc *Service) CreateRelaySession(ctx context.Context, roomID, userID string, wire model.Wire) error {
	member, err := svc.store.IsMember(roomID, userID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	if !member {
		return ErrNotAMember
	}
	if err = svc.store.Connect(roomID, userID); err != nil {
		return errors.Join(ErrConnect, err)
	}
	if err = svc.sw.Connect(ctx, roomID, userID, wire); err != nil {
		_ = svc.store.Leave(roomID, userID)
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("relay session connected")

	go svc.broadcastRoster(ctx, roomID)
	return nil
}

func (svc *Service) DeleteRelaySession(ctx context.Context, roomID, userID string) error {
	err := svc.sw.Disconnect(roomID, userID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	if err = svc.store.Leave(roomID, userID); err != nil {
		svc.logger.Warn().Err(err).
			Str("userID", userID).
			Str("roomID", roomID).
			Msg("participant was already gone")
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("relay session deleted")

	// caller's ctx ends with the session, remaining peers still need the roster
	go svc.broadcastRoster(context.WithoutCancel(ctx), roomID)
	return nil
}

func (svc *Service) JoinRoom(roomID, userID, name string) (*model.Room, error) {
	room, err := svc.store.CreateOrJoinRoom(roomID, userID, name)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("user joined room")
	return room, nil
}

func (svc *Service) Roster(roomID string) ([]model.Participant, error) {
	roster, err := svc.store.Roster(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return roster, nil
}

// HandleControl applies system-topic datagrams sent by participants.
func (svc *Service) HandleControl(ctx context.Context, roomID string, dg model.Datagram) {
	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("userID", dg.SRC).
		Str("topic", dg.Topic).
		Logger()

	switch dg.Topic {
	case model.TopicPublish:
		var upd model.PublishUpdate
		if err := json.Unmarshal(dg.Data, &upd); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshal publish update")
			return
		}
		if err := svc.store.SetSources(roomID, dg.SRC, upd.Sources); err != nil {
			logger.Error().Err(err).Msg("failed to update sources")
			return
		}
		logger.Debug().Strs("sources", upd.Sources).Msg("sources updated")
		svc.broadcastRoster(ctx, roomID)
	default:
		logger.Debug().Msg("unknown control topic")
	}
}

func (svc *Service) broadcastRoster(ctx context.Context, roomID string) {
	svc.rosterMx.Lock()
	defer svc.rosterMx.Unlock()

	roster, err := svc.store.Roster(roomID)
	if err != nil {
		// room is gone together with its last participant
		return
	}
	b, err := json.Marshal(&model.RosterUpdate{RoomID: roomID, Participants: roster})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal roster")
		return
	}
	_ = svc.sw.Broadcast(ctx, model.Datagram{
		Topic:    model.TopicRoster,
		Reliable: true,
		Data:     b,
	}, roomID)
}
