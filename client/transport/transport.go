// Package transport defines the datagram channel the participant client runs
// its room protocols over.
package transport

import (
	"context"
	"errors"

	"github.com/adwski/huddle/backend/model"
)

var (
	ErrClosed      = errors.New("channel is closed")
	ErrTooLarge    = errors.New("datagram exceeds channel ceiling")
	ErrUnreachable = errors.New("destination is not connected")
)

// SendOptions describe delivery of one datagram.
type SendOptions struct {
	// Reliable requests ordered delivery per sender.
	Reliable bool
	Topic    string
	// Destination is a participant identity for unicast.
	// Empty destination broadcasts to every other participant.
	Destination string
}

// DataFunc receives inbound datagrams.
type DataFunc func(data []byte, sender, topic string)

// RosterFunc receives roster snapshots sorted by join time.
type RosterFunc func(roster []model.Participant)

// Channel is a per-room topic tagged datagram channel.
// Roster snapshots include the local participant.
type Channel interface {
	Send(ctx context.Context, data []byte, opts SendOptions) error
	OnData(fn DataFunc)
	Roster() []model.Participant
	OnRoster(fn RosterFunc)
	LocalIdentity() string
	MaxDatagramSize() int
	Close() error
}
