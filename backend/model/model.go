package model

import (
	"strings"
	"time"
)

type Room struct {
	ID           string                  `json:"room_id"`
	Participants map[string]*Participant `json:"participants"`
}

// Track sources a participant can publish.
const (
	SourceCamera      = "camera"
	SourceScreenShare = "screen_share"
)

type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Connected bool      `json:"-"`
	Sources   []string  `json:"sources,omitempty"`
}

// HasSource reports whether participant publishes a track of given source.
func (p Participant) HasSource(source string) bool {
	for _, s := range p.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// System topics are consumed by the relay itself and never forwarded as is.
const (
	TopicRoster  = "_roster"
	TopicPublish = "_publish"
)

func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "_")
}

// Datagram is the unit carried by the relay between room participants.
type Datagram struct {
	DST      string `json:"dst,omitempty"`
	SRC      string `json:"src"` // for inbound datagrams relay re-assigns this based on websocket session
	Topic    string `json:"topic"`
	Reliable bool   `json:"reliable,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// RosterUpdate is the payload of TopicRoster datagrams.
type RosterUpdate struct {
	RoomID       string        `json:"room_id"`
	Participants []Participant `json:"participants"`
}

// PublishUpdate is the payload of TopicPublish datagrams.
type PublishUpdate struct {
	Sources []string `json:"sources"`
}

type Wire struct {
	RX chan Datagram
	TX chan Datagram
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Datagram),
		TX: make(chan Datagram),
	}
}

// Recording statuses.
const (
	RecordingStatusRecording = "recording"
	RecordingStatusCompleted = "completed"
)

// Recording is the metadata record kept for every room recording.
type Recording struct {
	RecordingID string     `json:"recordingId"`
	RoomName    string     `json:"roomName"`
	StartTime   time.Time  `json:"startTime"`
	Status      string     `json:"status"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Duration    int64      `json:"duration,omitempty"` // milliseconds
	VideoFile   string     `json:"videoFile,omitempty"`
	VideoPath   string     `json:"videoPath,omitempty"`
}
