package memory

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
)

const (
	DefaultMaxParticipants = 50
)

var (
	ErrRoomIsFull       = errors.New("room is full")
	ErrRoomNotFound     = errors.New("room is not found")
	ErrNotAParticipant  = errors.New("participant is not found")
	ErrAlreadyConnected = errors.New("participant is already connected")
)

type MemStore struct {
	mx              *sync.Mutex
	db              map[string]*model.Room
	maxParticipants int
	now             func() time.Time
}

func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*model.Room),
		maxParticipants: maxParticipants,
		now:             time.Now,
	}
}

// CreateOrJoinRoom registers participant in a room, creating the room if needed.
// Registered participant is not part of the roster until it connects.
func (ms *MemStore) CreateOrJoinRoom(roomID, userID, name string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:           roomID,
			Participants: make(map[string]*model.Participant),
		}
		ms.db[roomID] = room
	}

	if p, ok := room.Participants[userID]; ok {
		if name != "" {
			p.Name = name
		}
		return room, nil
	}
	if len(room.Participants) >= ms.maxParticipants {
		return nil, ErrRoomIsFull
	}
	room.Participants[userID] = &model.Participant{
		ID:   userID,
		Name: name,
	}
	return room, nil
}

// Connect marks registered participant as present and stamps its join time.
func (ms *MemStore) Connect(roomID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	p, err := ms.participant(roomID, userID)
	if err != nil {
		return err
	}
	if p.Connected {
		return ErrAlreadyConnected
	}
	p.Connected = true
	p.JoinedAt = ms.now()
	p.Sources = nil
	return nil
}

// Leave removes participant from the room; empty rooms are dropped.
func (ms *MemStore) Leave(roomID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok = room.Participants[userID]; !ok {
		return ErrNotAParticipant
	}
	delete(room.Participants, userID)
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
	}
	return nil
}

// SetSources replaces the set of published track sources of a participant.
func (ms *MemStore) SetSources(roomID, userID string, sources []string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	p, err := ms.participant(roomID, userID)
	if err != nil {
		return err
	}
	p.Sources = slices.Clone(sources)
	return nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// IsMember reports whether userID is registered in the room.
func (ms *MemStore) IsMember(roomID, userID string) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, err := ms.participant(roomID, userID)
	switch {
	case errors.Is(err, ErrNotAParticipant):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Roster returns connected participants ordered by join time.
func (ms *MemStore) Roster(roomID string) ([]model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	roster := make([]model.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		if !p.Connected {
			continue
		}
		cp := *p
		cp.Sources = slices.Clone(p.Sources)
		roster = append(roster, cp)
	}
	slices.SortFunc(roster, func(a, b model.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return roster, nil
}

func (ms *MemStore) participant(roomID, userID string) (*model.Participant, error) {
	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	p, ok := room.Participants[userID]
	if !ok {
		return nil, ErrNotAParticipant
	}
	return p, nil
}
